//go:build !linux && !darwin && !windows

package keystore

import "fmt"

func newPlatformStore(namespace string) (Store, error) {
	return nil, fmt.Errorf("%w: no native credential facility on this platform, use the file keystore", ErrUnavailable)
}
