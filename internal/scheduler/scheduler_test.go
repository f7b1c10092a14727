package scheduler

import (
	"log/slog"
	"testing"
	"time"

	"arena/internal/config"
)

func TestCronSpecFormat(t *testing.T) {
	t.Parallel()

	got := cronSpec(60 * time.Second)
	want := "@every 1m0s"
	if got != want {
		t.Errorf("cronSpec(60s) = %q, want %q", got, want)
	}
}

// TestStopWithoutStartIsSafe exercises the shutdown path against a
// scheduler whose fleet loop and cron runner were never started — Stop
// must not block or panic, since cron.Stop() on an unstarted cron and
// wg.Wait() with no added goroutines both return immediately.
func TestStopWithoutStartIsSafe(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	s := New(nil, nil, nil, nil, cfg, nil, slog.Default())

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() on an unstarted scheduler did not return")
	}
}
