package keystore

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

// InstallationNamespace derives a stable namespace prefix for this
// installation so repeated runs address the same logical keys without
// colliding with unrelated applications in the shared credential facility.
// The prefix is a hash of the executable's directory, not a random value.
func InstallationNamespace() string {
	exePath, err := os.Executable()
	if err != nil {
		// Stable fallback: hash of the working directory
		if wd, wdErr := os.Getwd(); wdErr == nil {
			exePath = filepath.Join(wd, "sealog")
		} else {
			exePath = "sealog"
		}
	}

	exeDir := filepath.Dir(exePath)
	hash := sha256.Sum256([]byte(exeDir))
	return "sealog-" + hex.EncodeToString(hash[:])[:16]
}

// credentialName joins the namespace and key id into the name stored in the
// credential facility.
func credentialName(namespace, keyID string) string {
	return namespace + "-" + keyID
}
