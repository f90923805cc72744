package strata

import (
	"fmt"
	"io"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

////////////////////////////////////////////////////////////////////////////////
// Context files from a git revision
////////////////////////////////////////////////////////////////////////////////

// ContextFilesFromGit loads the named files from a revision of a local git
// repository, ready to drop into LayerConfig.ContextFiles. Pinning context
// files to a commit keeps the layer identity reproducible across checkouts.
func ContextFilesFromGit(repoDir, revision string, filenames []string) (map[string][]byte, error) {
	repo, err := gogit.PlainOpen(repoDir)
	if err != nil {
		return nil, fmt.Errorf("open repo %s: %w", repoDir, err)
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return nil, fmt.Errorf("resolve revision %q: %w", revision, err)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}

	out := make(map[string][]byte, len(filenames))
	for _, name := range filenames {
		file, err := commit.File(name)
		if err != nil {
			return nil, fmt.Errorf("file %q at %s: %w", name, shortID(hash.String()), err)
		}
		reader, err := file.Reader()
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", name, err)
		}
		content, readErr := io.ReadAll(reader)
		closeErr := reader.Close()
		if readErr != nil {
			return nil, fmt.Errorf("read %q: %w", name, readErr)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("close %q: %w", name, closeErr)
		}
		out[name] = content
	}
	return out, nil
}
