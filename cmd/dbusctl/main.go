// Command dbusctl is a small diagnostic client for poking at a running
// message bus: listing names, pinging peers, inspecting connection
// credentials, and watching signal traffic.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/busline/dbus"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

var globalArgs struct {
	UseSessionBus bool `flag:"session,Connect to session bus instead of system bus"`
}

func busConn(ctx context.Context) (*dbus.Conn, error) {
	if globalArgs.UseSessionBus {
		return dbus.DialSession(ctx)
	}
	return dbus.DialSystem(ctx)
}

func main() {
	root := &command.C{
		Name:     "dbusctl",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "names",
				Usage: "names",
				Help:  "List the names currently registered on the bus.",
				Run:   command.Adapt(runListNames),
			},
			{
				Name:  "activatable",
				Usage: "activatable",
				Help:  "List names the bus can auto-activate.",
				Run:   command.Adapt(runListActivatable),
			},
			{
				Name:  "ping",
				Usage: "ping name [path]",
				Help:  "Ping a peer's org.freedesktop.DBus.Peer interface.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "whois",
				Usage: "whois name",
				Help:  "Print the Unix UID and PID that own a bus name.",
				Run:   command.Adapt(runWhois),
			},
			{
				Name:  "owner",
				Usage: "owner name",
				Help:  "Print the unique name currently owning a bus name.",
				Run:   command.Adapt(runOwner),
			},
			{
				Name:     "listen",
				Usage:    "listen",
				Help:     "Print signals matching the given filters as they arrive.",
				SetFlags: command.Flags(flax.MustBind, &listenArgs),
				Run:      command.Adapt(runListen),
			},
			{
				Name:  "call",
				Usage: "call destination path interface member [string-args...]",
				Help: `Call a method and print its reply.

Every trailing argument is sent as a string; this command doesn't attempt
to infer richer argument types.`,
				Run: command.Adapt(runCall),
			},
			{
				Name:  "id",
				Usage: "id",
				Help:  "Print the bus daemon's unique identifier.",
				Run:   command.Adapt(runID),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runListNames(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	names, err := conn.ListNames(ctx)
	if err != nil {
		return fmt.Errorf("listing names: %w", err)
	}
	slices.Sort(names)
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runListActivatable(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	names, err := conn.ListActivatableNames(ctx)
	if err != nil {
		return fmt.Errorf("listing activatable names: %w", err)
	}
	slices.Sort(names)
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runPing(env *command.Env, name string, rest ...string) error {
	path := dbus.ObjectPath("/")
	if len(rest) > 0 {
		path = dbus.ObjectPath(rest[0])
	}
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx, name, path); err != nil {
		return fmt.Errorf("pinging %s: %w", name, err)
	}
	fmt.Println("ok")
	return nil
}

func runWhois(env *command.Env, name string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), 10*time.Second)
	defer cancel()

	uid, err := conn.GetConnectionUnixUser(ctx, name)
	if err != nil {
		return fmt.Errorf("getting UID of %s: %w", name, err)
	}
	pid, err := conn.GetConnectionUnixProcessID(ctx, name)
	if err != nil {
		return fmt.Errorf("getting PID of %s: %w", name, err)
	}
	fmt.Println("UID:", uid)
	fmt.Println("PID:", pid)
	return nil
}

func runOwner(env *command.Env, name string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), 10*time.Second)
	defer cancel()
	owner, err := conn.GetNameOwner(ctx, name)
	if err != nil {
		return fmt.Errorf("getting owner of %s: %w", name, err)
	}
	fmt.Println(owner)
	return nil
}

var listenArgs struct {
	Interface string `flag:"interface,Only show signals from this interface"`
	Member    string `flag:"member,Only show signals with this member name"`
	Path      string `flag:"path,Only show signals on this object path"`
}

func runListen(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	rule := dbus.MatchRule{
		Type:      "signal",
		Interface: listenArgs.Interface,
		Member:    listenArgs.Member,
		Path:      listenArgs.Path,
	}
	ch, cancel, err := conn.SignalStream(env.Context(), rule)
	if err != nil {
		return fmt.Errorf("subscribing to signals: %w", err)
	}
	defer cancel()

	fmt.Println("Listening for signals...")
	for {
		select {
		case <-env.Context().Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fmt.Printf("%s.%s from %s on %s:\n", msg.Header.Interface, msg.Header.Member, msg.Header.Sender, msg.Header.Path)
			for _, v := range msg.Body {
				fmt.Printf("  %s\n", describeValue(v))
			}
		}
	}
}

func runCall(env *command.Env, destination, path, iface, member string, rest ...string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	body := make([]dbus.Value, len(rest))
	for i, s := range rest {
		body[i] = dbus.String(s)
	}

	ctx, cancel := context.WithTimeout(env.Context(), 30*time.Second)
	defer cancel()
	resp, err := conn.CallMethod(ctx, destination, dbus.ObjectPath(path), iface, member, body)
	if err != nil {
		return fmt.Errorf("calling %s.%s: %w", iface, member, err)
	}
	for _, v := range resp {
		fmt.Println(describeValue(v))
	}
	return nil
}

func runID(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), 10*time.Second)
	defer cancel()
	id, err := conn.GetId(ctx)
	if err != nil {
		return fmt.Errorf("getting bus ID: %w", err)
	}
	fmt.Println(id)
	return nil
}

// describeValue renders a Value readably enough for a terminal without
// pulling in a full pretty-printer; structs and arrays recurse, everything
// else prints its native Go value.
func describeValue(v dbus.Value) string {
	switch v.Kind() {
	case dbus.KindStruct:
		parts := make([]string, len(v.Fields()))
		for i, f := range v.Fields() {
			parts[i] = describeValue(f)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case dbus.KindArray:
		parts := make([]string, len(v.Elements()))
		for i, e := range v.Elements() {
			parts[i] = describeValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case dbus.KindDictEntry:
		return describeValue(v.DictKey()) + ": " + describeValue(v.DictVal())
	case dbus.KindVariant:
		return describeValue(v.Variant())
	case dbus.KindString:
		return v.StringValue()
	case dbus.KindObjectPath:
		return string(v.ObjectPathValue())
	case dbus.KindSignature:
		return string(v.SignatureValue())
	case dbus.KindBool:
		return fmt.Sprint(v.BoolValue())
	default:
		return fmt.Sprintf("%v", v.Native())
	}
}
