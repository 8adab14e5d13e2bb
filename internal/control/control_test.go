package control_test

import (
	"path/filepath"
	"testing"

	"github.com/rivervm/postcopy/internal/control"
)

func TestQuitRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ctl.sock")

	sup, err := control.Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer sup.Close()

	accepted := make(chan *control.Channel, 1)
	errCh := make(chan error, 1)

	go func() {
		ch, err := sup.Accept()
		if err != nil {
			errCh <- err

			return
		}

		accepted <- ch
	}()

	daemon, err := control.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer daemon.Close()

	var side *control.Channel

	select {
	case side = <-accepted:
	case err := <-errCh:
		t.Fatalf("Accept: %v", err)
	}

	if err := daemon.Send(control.CmdQuit); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := side.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if got != control.CmdQuit {
		t.Fatalf("got %q, want CmdQuit", got)
	}
}

func TestRecvRejectsUnknownCommand(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ctl2.sock")

	sup, err := control.Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer sup.Close()

	accepted := make(chan *control.Channel, 1)

	go func() {
		ch, err := sup.Accept()
		if err == nil {
			accepted <- ch
		}
	}()

	daemon, err := control.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer daemon.Close()

	side := <-accepted

	if err := daemon.Send(0x99); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if _, err := side.Recv(); err == nil {
		t.Fatalf("expected error for unknown command byte")
	}
}
