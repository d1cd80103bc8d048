//go:build linux

package world

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// overlayRoot holds the four resource handles named by spec.md §3's
// World.overlay_root: upper, lower, work, merged.
type overlayRoot struct {
	lower  string
	upper  string
	work   string
	merged string
	// mounted is false when Mount fell back to copy-diff tracking
	// because the host filesystem doesn't support overlayfs.
	mounted  bool
	manifest *copyDiffManifest
}

// newOverlayRoot lays out the four directories under base (typically
// /tmp/substrate-worlds/<session_id>) without mounting anything yet.
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

// Mount establishes the overlay filesystem, falling back to a
// copy-on-first-write manifest tracked in memory when overlayfs isn't
// available (spec.md §4.E step 3).
func (o *overlayRoot) Mount() error {
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", o.lower, o.upper, o.work)
	if err := unix.Mount("overlay", o.merged, "overlay", 0, opts); err != nil {
		log.Printf("world: overlay mount failed (%v), falling back to copy-diff manifest", err)
		o.manifest = newCopyDiffManifest(o.lower, o.merged)
		return o.manifest.bootstrap()
	}
	o.mounted = true
	return nil
}

// Unmount tears down the merged view. Safe to call when Mount used the
// copy-diff fallback (manifest needs no unmount).
func (o *overlayRoot) Unmount() error {
	if !o.mounted {
		return nil
	}
	if err := unix.Unmount(o.merged, 0); err != nil {
		return fmt.Errorf("world: unmount overlay %s: %w", o.merged, err)
	}
	o.mounted = false
	return nil
}

// Diff lists paths changed relative to lower, resolving overlayfs
// whiteouts (character devices 0,0) to deletions.
func (o *overlayRoot) Diff() (added, modified, deleted []string, err error) {
	if o.manifest != nil {
		return o.manifest.diff()
	}
	return diffUpperDir(o.upper, o.lower)
}

// diffUpperDir walks upperDir and classifies each entry against
// lowerDir: present-only-in-upper is added, present-in-both is
// modified, and a whiteout (char device, major/minor 0/0) is deleted.
func diffUpperDir(upperDir, lowerDir string) (added, modified, deleted []string, err error) {
	err = filepath.Walk(upperDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == upperDir {
			return nil
		}
		rel, relErr := filepath.Rel(upperDir, path)
		if relErr != nil {
			return relErr
		}

		if isWhiteout(info) {
			deleted = append(deleted, rel)
			return nil
		}
		if info.IsDir() {
			return nil
		}

		lowerPath := filepath.Join(lowerDir, rel)
		if _, statErr := os.Lstat(lowerPath); statErr != nil {
			added = append(added, rel)
		} else {
			modified = append(modified, rel)
		}
		return nil
	})
	return added, modified, deleted, err
}

// isWhiteout reports whether info describes an overlayfs whiteout
// marker: a character device with major:minor 0:0.
func isWhiteout(info os.FileInfo) bool {
	if info.Mode()&os.ModeCharDevice == 0 {
		return false
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return unix.Major(uint64(stat.Rdev)) == 0 && unix.Minor(uint64(stat.Rdev)) == 0
}
