// Package blob stages uploaded audio on the local filesystem. Each upload
// is written under the job id so orchestrator cleanup can remove it by path.
package blob

import (
	"io"
	"os"
	"path/filepath"
)

type LocalFS struct {
	Root string
}

// Stage writes the upload to <root>/<jobID><ext> and returns the absolute
// path. The extension is taken from the original filename so downstream
// tooling can sniff the container format.
func (l LocalFS) Stage(jobID, originalName string, r io.Reader) (string, error) {
	ext := filepath.Ext(filepath.Base(originalName))
	abs := filepath.Join(l.Root, jobID+ext)
	if err := os.MkdirAll(l.Root, 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		os.Remove(abs)
		return "", err
	}
	return abs, nil
}
