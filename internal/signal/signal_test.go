package signal

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestNotifyCancelsThenExits(t *testing.T) {
	exited := make(chan int, 1)
	exit = func(code int) { exited <- code }
	defer func() { exit = os.Exit }()

	ctx, stop := notify(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled by first signal")
	}

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatal(err)
	}
	select {
	case code := <-exited:
		if code != ExitInterrupted {
			t.Errorf("exit code=%d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not force exit")
	}
}

func TestStopReleases(t *testing.T) {
	ctx, stop := notify(context.Background(), syscall.SIGUSR2)
	stop()
	stop()
	if ctx.Err() == nil {
		t.Error("stop should cancel the context")
	}
}
