// Package supervisor runs one external training command and streams its output.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// AccessViolationCode is the Windows exit status of a process that crashed
// reading or writing unmapped memory
const AccessViolationCode = 0xC0000005

// maxLineLength bounds a single emitted line; longer output is split
const maxLineLength = 1 << 20

// drainTimeout is how long the reader may keep going after the process exited,
// for output still held by orphaned children
const drainTimeout = 2 * time.Second

// Reason classifies how a run ended
type Reason string

const (
	ReasonOK              Reason = "ok"
	ReasonExitCode        Reason = "exit_code"
	ReasonAccessViolation Reason = "access_violation"
	ReasonTimeout         Reason = "timeout"
	ReasonCancelled       Reason = "cancelled"
	ReasonLaunchError     Reason = "launch_error"
	ReasonSuccessMarker   Reason = "success_marker"
)

// CancelledMessage is the Result.Message of a run stopped on request
const CancelledMessage = "cancelled by user"

// Result describes a finished run
type Result struct {
	Success  bool
	ExitCode int
	Reason   Reason
	Message  string
	Err      error
	Duration time.Duration
}

// Config holds supervisor settings
type Config struct {
	// Timeout is the wall-clock limit of a run; zero disables it
	Timeout time.Duration
	// GracePeriod separates the polite termination request from the kill
	GracePeriod time.Duration
	// SuccessMarkers are matched case-insensitively against each output line
	SuccessMarkers []string
	// TrustSuccessMarkers lets a marker override a non-zero exit code
	TrustSuccessMarkers bool
	Dir                 string
	Env                 []string
	Logger              zerolog.Logger
}

// DefaultConfig returns the stock supervisor settings
func DefaultConfig() Config {
	return Config{
		GracePeriod:         5 * time.Second,
		SuccessMarkers:      []string{"model saved", "saving checkpoint"},
		TrustSuccessMarkers: true,
		Logger:              zerolog.Nop(),
	}
}

// Supervisor starts shell commands and watches them until they exit
type Supervisor struct {
	config  Config
	markers []string
}

// New creates a supervisor with default configuration
func New() *Supervisor {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a supervisor with custom configuration
func NewWithConfig(config Config) *Supervisor {
	if config.GracePeriod <= 0 {
		config.GracePeriod = 5 * time.Second
	}

	markers := make([]string, 0, len(config.SuccessMarkers))
	for _, m := range config.SuccessMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			markers = append(markers, m)
		}
	}

	return &Supervisor{config: config, markers: markers}
}

// Run executes command through the host shell and blocks until it finishes.
// stdout and stderr share one pipe; every line is passed to onLine in write
// order as soon as it is read. Cancelling ctx stops the process gracefully,
// then forcefully, and yields ReasonCancelled.
func (s *Supervisor) Run(ctx context.Context, command string, onLine func(string)) Result {
	if onLine == nil {
		onLine = func(string) {}
	}
	log := s.config.Logger.With().Str("command", command).Logger()
	started := time.Now()

	result := s.run(ctx, command, onLine, log)
	result.Duration = time.Since(started)

	ev := log.Info()
	if !result.Success {
		ev = log.Warn().Err(result.Err)
	}
	ev.Str("reason", string(result.Reason)).Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).Msg(result.Message)

	return result
}

func (s *Supervisor) run(ctx context.Context, command string, onLine func(string), log zerolog.Logger) Result {
	if strings.TrimSpace(command) == "" {
		err := errors.New("empty command")
		onLine("Error: " + err.Error())
		return Result{ExitCode: -1, Reason: ReasonLaunchError, Message: "failed to start process: empty command", Err: err}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		onLine("Error: " + err.Error())
		return Result{ExitCode: -1, Reason: ReasonLaunchError, Message: "failed to create output pipe", Err: err}
	}
	defer pr.Close()
	defer pw.Close()

	cmd := shellCommand(command)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.Dir = s.config.Dir
	// trainers are usually python; keep their output decodable on every platform
	cmd.Env = append(os.Environ(), "PYTHONIOENCODING=utf-8", "PYTHONUTF8=1")
	cmd.Env = append(cmd.Env, s.config.Env...)

	if err := cmd.Start(); err != nil {
		onLine("Error: " + err.Error())
		return Result{ExitCode: -1, Reason: ReasonLaunchError, Message: fmt.Sprintf("failed to start process: %v", err), Err: err}
	}
	log.Debug().Int("pid", cmd.Process.Pid).Msg("process started")

	// the child holds its own copy of the write end
	pw.Close()

	var sawMarker atomic.Bool
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readLines(pr, func(line string) {
			if s.hasMarker(line) {
				sawMarker.Store(true)
			}
			onLine(line)
		})
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var timeout <-chan time.Time
	if s.config.Timeout > 0 {
		timer := time.NewTimer(s.config.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		waitErr   error
		timedOut  bool
		cancelled bool
	)

	select {
	case waitErr = <-waitDone:
	case <-timeout:
		timedOut = true
		log.Warn().Dur("timeout", s.config.Timeout).Msg("process timed out, terminating")
		waitErr = s.stop(cmd, waitDone, log)
	case <-ctx.Done():
		cancelled = true
		log.Info().Msg("cancellation requested, terminating")
		waitErr = s.stop(cmd, waitDone, log)
	}

	select {
	case <-readerDone:
	case <-time.After(drainTimeout):
		log.Warn().Msg("output still open after exit, stopping leftover processes")
		s.stopLeftovers(cmd, readerDone, log)
		pr.Close()
		<-readerDone
	}

	return s.classify(exitInfo{
		code:            exitCode(cmd.ProcessState, waitErr),
		accessViolation: crashedWithAccessViolation(cmd.ProcessState),
		timedOut:        timedOut,
		cancelled:       cancelled,
		sawMarker:       sawMarker.Load(),
		err:             waitErr,
	})
}

// stop asks the process group to terminate and kills it once the grace
// period runs out
func (s *Supervisor) stop(cmd *exec.Cmd, waitDone <-chan error, log zerolog.Logger) error {
	if err := terminate(cmd); err != nil {
		log.Debug().Err(err).Msg("graceful termination failed")
	}

	select {
	case err := <-waitDone:
		return err
	case <-time.After(s.config.GracePeriod):
	}

	log.Warn().Dur("grace_period", s.config.GracePeriod).Msg("process ignored termination, killing")
	if err := kill(cmd); err != nil {
		log.Debug().Err(err).Msg("kill failed")
	}
	return <-waitDone
}

// stopLeftovers signals what is left of the process group once the shell has
// exited but a background child still holds the output pipe
func (s *Supervisor) stopLeftovers(cmd *exec.Cmd, readerDone <-chan struct{}, log zerolog.Logger) {
	if err := terminate(cmd); err != nil {
		log.Debug().Err(err).Msg("graceful termination of leftovers failed")
	}

	select {
	case <-readerDone:
		return
	case <-time.After(s.config.GracePeriod):
	}

	log.Warn().Dur("grace_period", s.config.GracePeriod).Msg("leftover processes ignored termination, killing")
	if err := kill(cmd); err != nil {
		log.Debug().Err(err).Msg("kill of leftovers failed")
	}
}

// readLines decodes r as UTF-8, replacing malformed bytes with U+FFFD, and
// emits every line terminated by \n, \r or \r\n
func (s *Supervisor) readLines(r *os.File, emit func(string)) {
	decoded := transform.NewReader(r, unicode.UTF8.NewDecoder())

	scanner := bufio.NewScanner(decoded)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	scanner.Split(scanLines)

	for scanner.Scan() {
		emit(scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		emit("Error reading output: " + err.Error())
	}
}

// scanLines is bufio.ScanLines that also breaks on a lone \r, so progress
// bars redrawn in place show up as separate lines
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		// \r at the end of the buffer; wait to see whether \n follows
		return 0, nil, nil
	}

	if atEOF {
		return len(data), data, nil
	}
	if len(data) >= maxLineLength {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (s *Supervisor) hasMarker(line string) bool {
	if len(s.markers) == 0 {
		return false
	}
	lower := strings.ToLower(line)
	for _, m := range s.markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

type exitInfo struct {
	code            int
	accessViolation bool
	timedOut        bool
	cancelled       bool
	sawMarker       bool
	err             error
}

// classify turns the raw exit facts into a Result
func (s *Supervisor) classify(info exitInfo) Result {
	r := Result{ExitCode: info.code, Err: info.err}

	switch {
	case info.cancelled:
		r.Reason = ReasonCancelled
		r.Message = CancelledMessage
		r.Err = context.Canceled
	case info.timedOut:
		r.Reason = ReasonTimeout
		r.Message = fmt.Sprintf("timed out after %s", s.config.Timeout)
		r.Err = context.DeadlineExceeded
	case info.code == 0 && !info.accessViolation:
		r.Success = true
		r.Reason = ReasonOK
		r.Message = "process exited with code 0"
		r.Err = nil
	case info.accessViolation || isAccessViolationCode(info.code):
		r.Reason = ReasonAccessViolation
		r.Message = "process crashed with an access violation (0xC0000005); this usually means the system or GPU ran out of memory, try a lower resolution, a smaller batch size or closing other applications"
	case info.sawMarker && s.config.TrustSuccessMarkers:
		r.Success = true
		r.Reason = ReasonSuccessMarker
		r.Message = fmt.Sprintf("process exited with code %d but reported a saved model", info.code)
		r.Err = nil
	default:
		r.Reason = ReasonExitCode
		r.Message = fmt.Sprintf("process exited with code %d", info.code)
	}

	return r
}

func isAccessViolationCode(code int) bool {
	// Windows reports the status as uint32; it may surface sign-extended
	return uint32(code) == AccessViolationCode
}

func exitCode(state *os.ProcessState, waitErr error) int {
	if state != nil {
		return state.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
