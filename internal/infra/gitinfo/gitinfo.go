// Package gitinfo reads repository metadata of a scanned directory.
package gitinfo

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrNotRepository is returned when the directory is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Info is the HEAD state of a repository.
type Info struct {
	CommitSHA string
	Branch    string // empty for a detached HEAD
}

// Head resolves HEAD for the repository containing dir. Parent directories
// are searched for the .git directory.
func Head(dir string) (Info, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return Info{}, ErrNotRepository
		}
		return Info{}, fmt.Errorf("failed to open repository: %w", err)
	}

	ref, err := repo.Head()
	if err != nil {
		// Fresh repository without commits.
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return Info{}, nil
		}
		return Info{}, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	info := Info{CommitSHA: ref.Hash().String()}
	if ref.Name().IsBranch() {
		info.Branch = ref.Name().Short()
	}
	return info, nil
}
