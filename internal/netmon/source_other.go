//go:build !linux && !windows && !darwin

package netmon

import (
	"fmt"
	"runtime"
)

type unsupportedSource struct{}

// NewSource returns a source that always fails to open on platforms
// without a native change notification facility.
func NewSource(Config) Source {
	return unsupportedSource{}
}

func (unsupportedSource) Open() (Handle, error) {
	return nil, fmt.Errorf("%w: %s is not supported", ErrSourceUnavailable, runtime.GOOS)
}
