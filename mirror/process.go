package mirror

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultGracePeriod is how long a child has to exit after SIGTERM
const DefaultGracePeriod = 20 * time.Second

// Outcome describes how a mirror child ended
type Outcome struct {
	ExitCode int
	TimedOut bool
	Killed   bool
	Err      error
}

// OK reports a clean exit
func (o Outcome) OK() bool {
	return o.Err == nil && !o.TimedOut && o.ExitCode == ExitOK
}

// Corrupted reports that the child found and removed a corrupted mirror
func (o Outcome) Corrupted() bool {
	return !o.TimedOut && o.ExitCode == ExitCorrupted
}

func (o Outcome) String() string {
	switch {
	case o.Killed:
		return "killed after timeout"
	case o.TimedOut:
		return "terminated after timeout"
	case o.Err != nil:
		return o.Err.Error()
	default:
		return fmt.Sprintf("exit %d", o.ExitCode)
	}
}

// Run starts cmd in its own process group and waits for it up to timeout.
// On expiry the group gets SIGTERM, then SIGKILL if it is still alive after
// grace. Context cancellation is handled like a timeout.
func Run(ctx context.Context, cmd *exec.Cmd, timeout, grace time.Duration) Outcome {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Outcome{ExitCode: -1, Err: fmt.Errorf("failed to start child: %w", err)}
	}

	pid := cmd.Process.Pid
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case err := <-done:
		return exitOutcome(err)
	case <-deadline.C:
	case <-ctx.Done():
	}

	out := Outcome{ExitCode: -1, TimedOut: true}
	log.Warn().Int("pid", pid).Dur("timeout", timeout).Msg("Mirror child timed out, sending TERM")
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Warn().Err(err).Int("pid", pid).Msg("Failed to send TERM")
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	select {
	case <-done:
		return out
	case <-graceTimer.C:
	}

	log.Warn().Int("pid", pid).Dur("grace", grace).Msg("Mirror child ignored TERM, sending KILL")
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Warn().Err(err).Int("pid", pid).Msg("Failed to send KILL")
	}
	<-done
	out.Killed = true
	return out
}

func exitOutcome(err error) Outcome {
	if err == nil {
		return Outcome{ExitCode: ExitOK}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Outcome{ExitCode: exitErr.ExitCode()}
	}
	return Outcome{ExitCode: -1, Err: err}
}
