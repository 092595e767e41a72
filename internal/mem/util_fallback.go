//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// Cannot prevent swapping here; callers still wipe buffers after use
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
