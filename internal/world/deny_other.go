//go:build !linux

package world

// DenyInit is only supported on Linux (on macOS, appleJail leaves denied
// paths out of the container's mounts instead).
func DenyInit(args []string) {
	panic("_deny_init is only supported on Linux")
}
