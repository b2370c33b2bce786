//go:build !linux

package devices

import "errors"

func probeCapabilities(string) (Capabilities, error) {
	return Capabilities{}, errors.New("capability probe not supported on this platform")
}
