package mirror

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog/log"
)

// MirrorRefSpec maps every remote ref onto the same local ref
const MirrorRefSpec = "+refs/*:refs/*"

var symrefPattern = regexp.MustCompile(`^ref:\s+(\S+)\t(\S+)`)

func runGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("git %s failed: %s: %w", args[0], bytes.TrimSpace(out), err)
	}
	return out, nil
}

// Clone creates a bare mirror of from at to
func Clone(ctx context.Context, from, to string) error {
	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", to, err)
	}

	log.Info().Str("from", from).Str("to", to).Msg("Cloning mirror")
	if _, err := runGit(ctx, "", "clone", "--mirror", from, to); err != nil {
		return err
	}

	// Rename origin so later updates find the remote under the shared name
	repo, err := git.PlainOpen(to)
	if err != nil {
		return fmt.Errorf("failed to open cloned mirror: %w", err)
	}
	return EnsureRemote(repo, from)
}

// Update refreshes an existing mirror. A failed fetch triggers an integrity
// check; ErrCorrupted means the mirror has been removed.
func Update(ctx context.Context, from, to string) error {
	log.Info().Str("from", from).Str("to", to).Msg("Updating mirror")

	fetchErr := func() error {
		repo, err := git.PlainOpen(to)
		if err != nil {
			return fmt.Errorf("failed to open mirror: %w", err)
		}
		if err := EnsureRemote(repo, from); err != nil {
			return err
		}
		_, err = runGit(ctx, to, "fetch", "--prune", RemoteName)
		return err
	}()

	if fetchErr != nil {
		log.Error().Err(fetchErr).Str("path", to).Msg("Fetch failed")
		if err := CheckIntegrity(ctx, to); err != nil {
			if herr := HandleCorrupted(to); herr != nil {
				return herr
			}
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		return fetchErr
	}

	if err := UpdateSymrefs(ctx, from, to); err != nil {
		log.Warn().Err(err).Str("path", to).Msg("Failed to update symbolic refs")
	}
	return nil
}

// EnsureRemote points the gitsync remote at from, recreating it on mismatch
func EnsureRemote(repo *git.Repository, from string) error {
	remote, err := repo.Remote(RemoteName)
	switch {
	case err == nil:
		urls := remote.Config().URLs
		if len(urls) > 0 && urls[0] == from {
			return nil
		}
		log.Info().Strs("urls", urls).Str("from", from).Msg("Remote URL changed, recreating remote")
		if err := repo.DeleteRemote(RemoteName); err != nil {
			return fmt.Errorf("failed to delete remote: %w", err)
		}
	case !errors.Is(err, git.ErrRemoteNotFound):
		return fmt.Errorf("failed to read remote: %w", err)
	}

	if _, err := repo.Remote("origin"); err == nil {
		_ = repo.DeleteRemote("origin")
	}

	_, err = repo.CreateRemote(&config.RemoteConfig{
		Name:   RemoteName,
		URLs:   []string{from},
		Fetch:  []config.RefSpec{MirrorRefSpec},
		Mirror: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create remote: %w", err)
	}
	return nil
}

// RemoteURL returns the URL of the gitsync remote of the mirror at path
func RemoteURL(path string) (string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", err
	}
	remote, err := repo.Remote(RemoteName)
	if err != nil {
		return "", err
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("remote %s has no url", RemoteName)
	}
	return urls[0], nil
}

// CheckIntegrity runs git fsck on the mirror
func CheckIntegrity(ctx context.Context, to string) error {
	log.Info().Str("path", to).Msg("Checking mirror integrity")
	if _, err := runGit(ctx, to, "fsck"); err != nil {
		return err
	}
	log.Info().Str("path", to).Msg("Mirror integrity OK")
	return nil
}

// Symref is a symbolic ref advertised by a remote
type Symref struct {
	Name   string
	Target string
}

// ParseSymrefs extracts symbolic refs from git ls-remote --symref output
func ParseSymrefs(out []byte) []Symref {
	var refs []Symref
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := symrefPattern.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		refs = append(refs, Symref{Name: m[2], Target: m[1]})
	}
	return refs
}

// UpdateSymrefs makes local symbolic refs match those advertised by from
func UpdateSymrefs(ctx context.Context, from, to string) error {
	out, err := runGit(ctx, to, "ls-remote", "--symref", from)
	if err != nil {
		return err
	}

	repo, err := git.PlainOpen(to)
	if err != nil {
		return fmt.Errorf("failed to open mirror: %w", err)
	}
	return ApplySymrefs(repo, ParseSymrefs(out))
}

// ApplySymrefs rewrites local symbolic refs only where they differ
func ApplySymrefs(repo *git.Repository, refs []Symref) error {
	for _, s := range refs {
		name := plumbing.ReferenceName(s.Name)
		current, err := repo.Storer.Reference(name)
		if err == nil && current.Type() == plumbing.SymbolicReference && current.Target().String() == s.Target {
			log.Debug().Str("ref", s.Name).Str("target", s.Target).Msg("Symbolic ref up to date")
			continue
		}

		log.Info().Str("ref", s.Name).Str("target", s.Target).Msg("Updating symbolic ref")
		ref := plumbing.NewSymbolicReference(name, plumbing.ReferenceName(s.Target))
		if err := repo.Storer.SetReference(ref); err != nil {
			return fmt.Errorf("failed to set %s: %w", s.Name, err)
		}
	}
	return nil
}
