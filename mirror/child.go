package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"
)

// ChildCommand is the hidden CLI command that runs a single mirror operation
const ChildCommand = "mirror"

// CommandFunc builds the child process for a mirror operation
type CommandFunc func(ctx context.Context, mode Mode, from, to string) (*exec.Cmd, error)

// Command re-executes the running binary as a mirror child. The command is
// not bound to a context: Run owns cancellation and escalates TERM to KILL
// on the whole process group.
func Command(_ context.Context, mode Mode, from, to string) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}

	cmd := exec.Command(self, ChildCommand, "--mode", string(mode), "--from", from, "--to", to)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd, nil
}

// RunChild performs one mirror operation and returns the process exit code
func RunChild(ctx context.Context, mode Mode, from, to string) int {
	var err error
	switch mode {
	case ModeClone:
		err = Clone(ctx, from, to)
	case ModeUpdate:
		err = Update(ctx, from, to)
	default:
		err = fmt.Errorf("unknown mirror mode '%s'", mode)
	}

	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrCorrupted):
		log.Error().Err(err).Str("path", to).Msg("Mirror corrupted")
		return ExitCorrupted
	default:
		log.Error().Err(err).Str("mode", string(mode)).Str("path", to).Msg("Mirror operation failed")
		return ExitFailure
	}
}
