package dbus

import "testing"

func TestParseSignatureBasics(t *testing.T) {
	for _, sig := range []string{"y", "b", "n", "q", "i", "u", "x", "t", "d", "h", "s", "o", "g", "v"} {
		types, err := Signature(sig).Types()
		if err != nil {
			t.Errorf("Signature(%q).Types() = %v", sig, err)
			continue
		}
		if len(types) != 1 || types[0].Code != sig[0] {
			t.Errorf("Signature(%q).Types() = %v, want one node with code %q", sig, types, sig[0])
		}
	}
}

func TestParseSignatureStruct(t *testing.T) {
	types, err := Signature("(uay(ss)a{qs}s)").Types()
	if err != nil {
		t.Fatal(err)
	}
	if len(types) != 1 || types[0].Code != '(' {
		t.Fatalf("got %v", types)
	}
	if got := types[0].String(); got != "(uay(ss)a{qs}s)" {
		t.Fatalf("String() = %q", got)
	}
}

func TestParseSignatureErrors(t *testing.T) {
	cases := []string{
		"()",   // empty struct
		"(",    // unterminated struct
		"a{sy", // unterminated dict entry
		"{sy}", // dict entry outside array
		"z",    // unknown code
	}
	for _, sig := range cases {
		if _, err := Signature(sig).Types(); err == nil {
			t.Errorf("Signature(%q).Types() succeeded, want error", sig)
		}
	}
	if _, err := Signature("a{s{sy}}").Types(); err == nil {
		t.Error(`Signature("a{s{sy}}").Types() succeeded, want error (dict value cannot be a dict entry)`)
	}
	if _, err := Signature("a{ays}").Types(); err == nil {
		t.Error(`Signature("a{ays}").Types() succeeded, want error (dict key must be basic)`)
	}
	if _, err := Signature("v").Types(); err != nil {
		t.Errorf("Signature(%q).Types() = %v, want success", "v", err)
	}
}

func TestTypeAlignTable(t *testing.T) {
	cases := map[string]int{
		"y": 1, "g": 1, "v": 1,
		"n": 2, "q": 2,
		"b": 4, "i": 4, "u": 4, "h": 4, "s": 4, "o": 4,
		"x": 8, "t": 8, "d": 8,
	}
	for sig, want := range cases {
		types, err := Signature(sig).Types()
		if err != nil {
			t.Fatal(err)
		}
		if got := types[0].Align(); got != want {
			t.Errorf("Align(%q) = %d, want %d", sig, got, want)
		}
	}
	arrType, err := Signature("as").Types()
	if err != nil {
		t.Fatal(err)
	}
	if got := arrType[0].Align(); got != 4 {
		t.Errorf("Align(\"as\") = %d, want 4", got)
	}
	structType, err := Signature("(s)").Types()
	if err != nil {
		t.Fatal(err)
	}
	if got := structType[0].Align(); got != 8 {
		t.Errorf("Align(\"(s)\") = %d, want 8", got)
	}
}
