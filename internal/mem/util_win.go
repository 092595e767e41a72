//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// VirtualLock is per-region and capped by the working set minimum,
	// which makes process-wide locking impractical here
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
