package shim

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultNames is the curated list of commands substrate intercepts by
// default.
var DefaultNames = []string{
	"git", "curl", "wget", "npm", "npx", "pip", "pip3", "python", "python3",
	"node", "go", "docker", "ssh", "scp", "make", "cargo", "rustc",
}

// version is the on-disk record of the last deployment, written
// atomically next to the shim binaries.
type version struct {
	Version     string    `json:"version"`
	InstallTime time.Time `json:"install_time"`
}

func versionPath(shimsDir string) string {
	return filepath.Join(shimsDir, ".version")
}

// Deploy installs one shim entry per name into shimsDir, pointing each
// at binaryPath (symlink-preferred, copy-fallback). currentVersion
// gates re-deployment: if the on-disk version file already matches,
// Deploy is a no-op. lockPath guards the whole operation with a
// 5-second advisory-lock timeout (spec §4.C deployment contract).
func Deploy(shimsDir, binaryPath, currentVersion, lockPath string, names []string) (deployed bool, err error) {
	if err := os.MkdirAll(shimsDir, 0755); err != nil {
		return false, fmt.Errorf("shim: create %s: %w", shimsDir, err)
	}

	unlock, err := acquireLock(lockPath, 5*time.Second)
	if err != nil {
		return false, fmt.Errorf("shim: acquire deploy lock: %w", err)
	}
	defer unlock()

	if existing, err := readVersion(shimsDir); err == nil && existing != nil && existing.Version == currentVersion {
		return false, nil
	}

	for _, name := range names {
		if err := deployOne(shimsDir, binaryPath, name); err != nil {
			return false, fmt.Errorf("shim: deploy %s: %w", name, err)
		}
	}

	if err := writeVersionAtomic(shimsDir, currentVersion); err != nil {
		return false, fmt.Errorf("shim: write version file: %w", err)
	}
	return true, nil
}

func deployOne(shimsDir, binaryPath, name string) error {
	target := filepath.Join(shimsDir, name)
	tmp := target + ".tmp"
	os.Remove(tmp)

	if err := os.Symlink(binaryPath, tmp); err == nil {
		return os.Rename(tmp, target)
	}

	// Symlinks unsupported (some filesystems, some container runtimes):
	// fall back to a file copy.
	if err := copyFile(binaryPath, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0755); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return out.Sync()
}

func readVersion(shimsDir string) (*version, error) {
	data, err := os.ReadFile(versionPath(shimsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var v version
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func writeVersionAtomic(shimsDir, ver string) error {
	v := version{Version: ver, InstallTime: time.Now().UTC()}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := versionPath(shimsDir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, versionPath(shimsDir))
}

// acquireLock takes an advisory exclusive flock on lockPath, retrying
// until timeout. The returned func releases it.
func acquireLock(lockPath string, timeout time.Duration) (func(), error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return func() {
				unix.Flock(int(f.Fd()), unix.LOCK_UN)
				f.Close()
			}, nil
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("timed out after %s", timeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
