// Package dbustest runs an isolated dbus-daemon instance for tests that
// want to exercise a client against a real bus rather than a fake peer.
package dbustest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/busline/dbus"
)

const busConfigTemplate = `<!DOCTYPE busconfig PUBLIC "-//freedesktop//DTD D-Bus Bus Configuration 1.0//EN" "http://www.freedesktop.org/standards/dbus/1.0/busconfig.dtd">
<busconfig>
  <type>session</type>
  <listen>unix:path=__SOCKET__</listen>
  <auth>EXTERNAL</auth>
  <policy context="default">
    <allow send_destination="*" eavesdrop="true"/>
    <allow eavesdrop="true"/>
    <allow own="*"/>
  </policy>
</busconfig>
`

// Available reports whether the binaries needed to run a test bus are
// present.
func Available() bool {
	if _, err := exec.LookPath("dbus-daemon"); err != nil {
		return false
	}
	_, err := exec.LookPath("dbus-monitor")
	return err == nil
}

// Bus is an isolated dbus-daemon instance dedicated to one test.
type Bus struct {
	bus  *exec.Cmd
	mon  *exec.Cmd
	lw   *logWriter
	sock string

	stop       chan struct{}
	busStopped chan struct{}
	monStopped chan struct{}
}

// New launches a dbus-daemon dedicated to the calling test. If [Available]
// is false, New skips the test.
//
// If logMonitor is true, the bus's traffic is logged via t.Logf using
// dbus-monitor.
func New(t *testing.T, logMonitor bool) *Bus {
	if !Available() {
		t.Skip("dbus-daemon and dbus-monitor not available, cannot run test bus")
	}
	tmp := t.TempDir()
	sock := filepath.Join(tmp, "bus.sock")

	cfgPath := filepath.Join(tmp, "bus.config")
	cfg := strings.Replace(busConfigTemplate, "__SOCKET__", sock, -1)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}

	ret := &Bus{
		sock:       sock,
		stop:       make(chan struct{}),
		busStopped: make(chan struct{}),
		monStopped: make(chan struct{}),
	}

	ret.bus = exec.Command("dbus-daemon", "--config-file="+cfgPath, "--nofork", "--nopidfile", "--nosyslog")
	ret.bus.Stdout = os.Stdout
	ret.bus.Stderr = os.Stderr
	if err := ret.bus.Start(); err != nil {
		t.Fatalf("starting bus: %v", err)
	}
	t.Cleanup(ret.close)

	go func() {
		defer close(ret.busStopped)
		err := ret.bus.Wait()
		select {
		case <-ret.stop:
		default:
			panic(fmt.Errorf("bus stopped prematurely: %w", err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for ctx.Err() == nil {
		if _, err := os.Stat(ret.sock); err == nil {
			break
		} else if errors.Is(err, fs.ErrNotExist) {
			time.Sleep(10 * time.Millisecond)
			continue
		} else if err != nil {
			t.Fatalf("waiting for bus socket: %v", err)
		}
	}
	if err := ctx.Err(); err != nil {
		t.Fatalf("bus failed to start: %v", err)
	}

	if logMonitor {
		ret.lw = newLogWriter(t)
		ret.mon = exec.Command("dbus-monitor", "--address", "unix:path="+ret.sock)
		ret.mon.Stdout = ret.lw
		ret.mon.Stderr = ret.lw
		if err := ret.mon.Start(); err != nil {
			t.Fatalf("starting monitor: %v", err)
		}
		go func() {
			defer close(ret.monStopped)
			err := ret.mon.Wait()
			select {
			case <-ret.stop:
			default:
				panic(fmt.Errorf("dbus-monitor stopped prematurely: %w", err))
			}
			ret.lw.Flush()
		}()
		if err := ret.lw.WaitForFirstLine(ctx); err != nil {
			t.Fatalf("waiting for monitor: %v", err)
		}
	} else {
		close(ret.monStopped)
	}

	return ret
}

func (b *Bus) close() {
	close(b.stop)
	b.bus.Process.Kill()
	if b.mon != nil {
		b.mon.Process.Kill()
	}
	timeout := time.After(10 * time.Second)
	select {
	case <-b.busStopped:
	case <-timeout:
		log.Print("timed out waiting for bus to stop")
	}
	select {
	case <-b.monStopped:
	case <-timeout:
		log.Print("timed out waiting for dbus-monitor to stop")
	}
}

// Address returns the bus's dbus address, usable with [dbus.Dial].
func (b *Bus) Address() string {
	return "unix:path=" + b.sock
}

// MustConn returns a connection to the bus. It fails the test immediately
// with t.Fatal if it cannot connect.
func (b *Bus) MustConn(t *testing.T) *dbus.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ret, err := dbus.Dial(ctx, b.Address())
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	return ret
}

type logWriter struct {
	output chan struct{}
	t      *testing.T
	buf    bytes.Buffer
}

func newLogWriter(t *testing.T) *logWriter {
	return &logWriter{
		output: make(chan struct{}, 1),
		t:      t,
	}
}

func (l *logWriter) out(s string) {
	l.t.Log(s)
}

func (l *logWriter) Flush() {
	l.flushComplete()
	l.out(l.buf.String())
	l.buf.Reset()
}

func (l *logWriter) Write(bs []byte) (int, error) {
	l.buf.Write(bs)
	l.flushComplete()
	return len(bs), nil
}

func (l *logWriter) flushComplete() {
	bs := l.buf.Bytes()
	total := 0
	for {
		i := bytes.IndexByte(bs, '\n')
		if i == -1 {
			return
		}
		total += i
		bs = bs[i+1:]
		if !bytes.HasPrefix(bs, []byte("method ")) && !bytes.HasPrefix(bs, []byte("signal ")) && !bytes.HasPrefix(bs, []byte("error ")) {
			total++
			continue
		}

		out := l.buf.Next(total)
		l.out(string(out))
		l.buf.Next(1)
		select {
		case l.output <- struct{}{}:
		default:
		}
		total = 0
		bs = l.buf.Bytes()
	}
}

func (l *logWriter) WaitForFirstLine(ctx context.Context) error {
	select {
	case <-l.output:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
