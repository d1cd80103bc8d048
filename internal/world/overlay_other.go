//go:build !linux

package world

import (
	"fmt"
	"os"
	"path/filepath"
)

// overlayRoot on non-Linux platforms always uses the copy-diff
// fallback: overlayfs is a Linux kernel facility, and Apple Containers
// manage their own filesystem isolation independently of this type.
type overlayRoot struct {
	lower    string
	upper    string
	work     string
	merged   string
	mounted  bool
	manifest *copyDiffManifest
}

func newOverlayRoot(base, lowerSource string) (*overlayRoot, error) {
	o := &overlayRoot{
		lower:  lowerSource,
		upper:  filepath.Join(base, "upper"),
		work:   filepath.Join(base, "work"),
		merged: filepath.Join(base, "merged"),
	}
	for _, dir := range []string{o.upper, o.work, o.merged} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("world: mkdir %s: %w", dir, err)
		}
	}
	return o, nil
}

func (o *overlayRoot) Mount() error {
	o.manifest = newCopyDiffManifest(o.lower, o.merged)
	return o.manifest.bootstrap()
}

func (o *overlayRoot) Unmount() error {
	return nil
}

func (o *overlayRoot) Diff() (added, modified, deleted []string, err error) {
	return o.manifest.diff()
}
