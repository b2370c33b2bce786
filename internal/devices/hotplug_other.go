//go:build !linux

package devices

import (
	"context"
	"errors"
)

// HotplugMonitor is unavailable off Linux.
type HotplugMonitor struct{}

// NewHotplugMonitor always fails off Linux.
func NewHotplugMonitor() (*HotplugMonitor, error) {
	return nil, errors.New("hotplug monitoring requires linux")
}

// Run returns immediately.
func (m *HotplugMonitor) Run(ctx context.Context, _ func(Hotplug)) error {
	return ctx.Err()
}
