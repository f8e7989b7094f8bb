// Package mirror maintains bare mirror repositories on local disk. The heavy
// operations (clone and update) run inside a child process started through
// Command so a hung transfer can be torn down without affecting the relay.
package mirror

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// RemoteName is the remote every mirror fetches from
const RemoteName = "gitsync"

// Child exit codes
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitCorrupted = 3
)

// Mode selects the operation performed by a mirror child
type Mode string

const (
	ModeClone  Mode = "clone"
	ModeUpdate Mode = "update"
)

// ErrCorrupted is returned when a mirror failed its integrity check and was removed
var ErrCorrupted = errors.New("mirror corrupted")

// ParseMode validates a mode name from the command line
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeClone, ModeUpdate:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mirror mode '%s'", s)
}

// IsEmpty reports whether path is missing or an empty directory
func IsEmpty(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// HasObjects reports whether path looks like a bare repository
func HasObjects(path string) bool {
	st, err := os.Stat(filepath.Join(path, "objects"))
	return err == nil && st.IsDir()
}

// Plan decides whether the destination needs a clone or an update. A
// non-empty destination without an object store is removed first.
func Plan(to string) (Mode, error) {
	empty, err := IsEmpty(to)
	if err != nil {
		return "", fmt.Errorf("failed to inspect %s: %w", to, err)
	}
	if empty {
		return ModeClone, nil
	}

	if !HasObjects(to) {
		log.Warn().Str("path", to).Msg("Destination has no object store, treating as corrupted")
		if err := HandleCorrupted(to); err != nil {
			return "", err
		}
		return ModeClone, nil
	}

	return ModeUpdate, nil
}

// HandleCorrupted removes a corrupted mirror
func HandleCorrupted(to string) error {
	log.Error().Str("path", to).Msg("Removing corrupted mirror")
	if err := os.RemoveAll(to); err != nil {
		return fmt.Errorf("failed to remove corrupted mirror %s: %w", to, err)
	}
	return nil
}
