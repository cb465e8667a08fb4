//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *lineRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func testSupervisor(t *testing.T, mutate func(*Config)) *Supervisor {
	cfg := DefaultConfig()
	cfg.Logger = zerolog.New(zerolog.NewTestWriter(t))
	if mutate != nil {
		mutate(&cfg)
	}
	return NewWithConfig(cfg)
}

func TestRunSuccess(t *testing.T) {
	var rec lineRecorder
	r := testSupervisor(t, nil).Run(context.Background(), "echo hello; echo world", rec.add)

	if !r.Success || r.Reason != ReasonOK || r.ExitCode != 0 {
		t.Fatalf("Expected success, got %+v", r)
	}
	lines := rec.all()
	if len(lines) != 2 || lines[0] != "hello" || lines[1] != "world" {
		t.Errorf("Expected [hello world], got %q", lines)
	}
}

func TestRunMergesStderrInOrder(t *testing.T) {
	var rec lineRecorder
	r := testSupervisor(t, nil).Run(context.Background(), "echo one; echo two 1>&2; echo three", rec.add)
	if !r.Success {
		t.Fatalf("Expected success, got %+v", r)
	}

	want := []string{"one", "two", "three"}
	lines := rec.all()
	if len(lines) != len(want) {
		t.Fatalf("Expected %q, got %q", want, lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("Line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
}

func TestRunExitCode(t *testing.T) {
	r := testSupervisor(t, nil).Run(context.Background(), "exit 3", nil)
	if r.Success || r.Reason != ReasonExitCode || r.ExitCode != 3 {
		t.Errorf("Expected exit code 3 failure, got %+v", r)
	}
}

func TestRunSuccessMarker(t *testing.T) {
	r := testSupervisor(t, nil).Run(context.Background(), "echo 'steps: 100%'; echo 'Model saved to out.safetensors'; exit 1", nil)
	if !r.Success || r.Reason != ReasonSuccessMarker || r.ExitCode != 1 {
		t.Errorf("Expected marker success, got %+v", r)
	}

	strict := testSupervisor(t, func(c *Config) { c.TrustSuccessMarkers = false })
	r = strict.Run(context.Background(), "echo 'model saved'; exit 1", nil)
	if r.Success {
		t.Errorf("Expected failure when markers are not trusted, got %+v", r)
	}
}

func TestRunReplacesInvalidUTF8(t *testing.T) {
	var rec lineRecorder
	r := testSupervisor(t, nil).Run(context.Background(), `printf 'a\377b\n'`, rec.add)
	if !r.Success {
		t.Fatalf("Expected success, got %+v", r)
	}

	lines := rec.all()
	if len(lines) != 1 || lines[0] != "a\uFFFDb" {
		t.Errorf("Expected replacement character, got %q", lines)
	}
}

func TestRunTimeout(t *testing.T) {
	s := testSupervisor(t, func(c *Config) {
		c.Timeout = 200 * time.Millisecond
		c.GracePeriod = time.Second
	})

	start := time.Now()
	r := s.Run(context.Background(), "sleep 10", nil)

	if r.Success || r.Reason != ReasonTimeout {
		t.Errorf("Expected timeout, got %+v", r)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Expected prompt termination, took %v", elapsed)
	}
}

func TestRunKillsAfterGracePeriod(t *testing.T) {
	s := testSupervisor(t, func(c *Config) {
		c.Timeout = 100 * time.Millisecond
		c.GracePeriod = 200 * time.Millisecond
	})

	start := time.Now()
	r := s.Run(context.Background(), "trap '' TERM; sleep 10", nil)

	if r.Reason != ReasonTimeout {
		t.Errorf("Expected timeout, got %+v", r)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Expected forced kill, took %v", elapsed)
	}
}

// processGone reports whether pid no longer runs; a zombie waiting for its
// new parent to reap it counts as gone
func processGone(pid int) bool {
	if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	i := strings.LastIndexByte(string(stat), ')')
	return i >= 0 && strings.HasPrefix(string(stat[i+1:]), " Z")
}

func TestRunStopsBackgroundChildHoldingOutput(t *testing.T) {
	s := testSupervisor(t, func(c *Config) {
		c.GracePeriod = 500 * time.Millisecond
	})

	var rec lineRecorder
	start := time.Now()
	r := s.Run(context.Background(), "sleep 30 & echo $!", rec.add)

	if !r.Success {
		t.Errorf("Expected shell exit status to decide success, got %+v", r)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Expected Run to return after the drain timeout, took %v", elapsed)
	}

	lines := rec.all()
	if len(lines) == 0 {
		t.Fatal("Expected the background pid as output")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		t.Fatalf("Expected a pid, got %q", lines[0])
	}

	deadline := time.Now().Add(3 * time.Second)
	for !processGone(pid) {
		if time.Now().After(deadline) {
			unix.Kill(pid, unix.SIGKILL)
			t.Fatalf("Expected background process %d to be stopped", pid)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	r := testSupervisor(t, nil).Run(ctx, "echo started; sleep 10", nil)
	if r.Success || r.Reason != ReasonCancelled || r.Message != CancelledMessage {
		t.Errorf("Expected cancellation, got %+v", r)
	}
}

func TestRunSegfault(t *testing.T) {
	r := testSupervisor(t, nil).Run(context.Background(), "kill -SEGV $$", nil)
	if r.Reason != ReasonAccessViolation {
		t.Errorf("Expected access violation, got %+v", r)
	}
}

func TestRunLaunchError(t *testing.T) {
	var rec lineRecorder
	s := testSupervisor(t, func(c *Config) { c.Dir = filepath.Join(t.TempDir(), "missing") })

	r := s.Run(context.Background(), "echo hi", rec.add)
	if r.Success || r.Reason != ReasonLaunchError || r.Err == nil {
		t.Errorf("Expected launch error, got %+v", r)
	}
	if lines := rec.all(); len(lines) != 1 {
		t.Errorf("Expected error line, got %q", lines)
	}
}

func TestRunEmptyCommand(t *testing.T) {
	r := testSupervisor(t, nil).Run(context.Background(), "  ", nil)
	if r.Reason != ReasonLaunchError {
		t.Errorf("Expected launch error, got %+v", r)
	}
}
