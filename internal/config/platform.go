package config

import "runtime"

// DefaultPlatform is the image platform matching the host architecture.
// Sandboxes are always Linux guests, whatever the host OS.
func DefaultPlatform() string {
	return "linux/" + runtime.GOARCH
}
