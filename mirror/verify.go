package mirror

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// HasRevision reports whether revision resolves in the mirror at path. A
// missing object is not an error.
func HasRevision(path, revision string) (bool, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return false, fmt.Errorf("failed to open mirror %s: %w", path, err)
	}

	if isFullHash(revision) {
		err := repo.Storer.HasEncodedObject(plumbing.NewHash(revision))
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return false, nil
		}
		return err == nil, err
	}

	if _, err := repo.ResolveRevision(plumbing.Revision(revision)); err != nil {
		return false, nil
	}
	return true, nil
}

func isFullHash(s string) bool {
	if len(s) != 40 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
