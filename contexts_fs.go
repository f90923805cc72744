package strata

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

////////////////////////////////////////////////////////////////////////////////
// Build-context store (disk)
////////////////////////////////////////////////////////////////////////////////

// ContextStore materializes a layer's context files for the build backend.
type ContextStore interface {
	LayerDir(layerID string) string
	WriteFile(layerID, relPath string, data []byte) (string, error) // returns relative path
	ListFiles(layerID string) ([]string, error)                     // returns relative paths
	RemoveLayer(layerID string) error
}

type FSContexts struct {
	root string
}

func NewFSContexts(root string) *FSContexts {
	return &FSContexts{root: root}
}

func (c *FSContexts) LayerDir(layerID string) string {
	return filepath.Join(c.root, layerID)
}

func (c *FSContexts) ensureLayerDir(layerID string) (string, error) {
	dir := c.LayerDir(layerID)
	if err := os.MkdirAll(dir, dirModePrivateRead); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *FSContexts) WriteFile(layerID, relPath string, data []byte) (string, error) {
	dir, err := c.ensureLayerDir(layerID)
	if err != nil {
		return "", err
	}
	relPath = filepath.Clean(relPath)
	if strings.HasPrefix(relPath, "..") || filepath.IsAbs(relPath) {
		return "", errors.New("invalid relPath")
	}
	full, err := securejoin.SecureJoin(dir, relPath)
	if err != nil {
		return "", errors.New("invalid relPath")
	}
	mkdirErr := os.MkdirAll(filepath.Dir(full), dirModePrivateRead)
	if mkdirErr != nil {
		return "", mkdirErr
	}
	writeErr := os.WriteFile(full, data, fileModePrivate)
	if writeErr != nil {
		return "", writeErr
	}
	return filepath.ToSlash(relPath), nil
}

func (c *FSContexts) ListFiles(layerID string) ([]string, error) {
	root := c.LayerDir(layerID)
	var files []string
	_, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, _ error) error {
		if d == nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (c *FSContexts) RemoveLayer(layerID string) error {
	return os.RemoveAll(c.LayerDir(layerID))
}
