// Package devices enumerates V4L2 capture devices and arbitrates exclusive
// access to the selected one.
package devices

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/smazurov/pimonitor/internal/errs"
	"github.com/smazurov/pimonitor/internal/logging"
)

// Device describes one capture device.
type Device struct {
	ID           string   `json:"id" example:"usb-046d_HD_Pro_Webcam_C920-video-index0" doc:"Stable identifier"`
	Path         string   `json:"path" example:"/dev/video0" doc:"Device node"`
	Name         string   `json:"name,omitempty" example:"HD Pro Webcam C920" doc:"Card name reported by the driver"`
	Driver       string   `json:"driver,omitempty" example:"uvcvideo" doc:"Kernel driver"`
	Capabilities []string `json:"capabilities,omitempty" doc:"Capability hints"`
	Present      bool     `json:"present" doc:"Whether the device node currently exists"`
}

// Capabilities are the hints a probe can attach to a device.
type Capabilities struct {
	Card   string
	Driver string
	Hints  []string
}

// Prober queries a device node for capability hints.
type Prober func(path string) (Capabilities, error)

// Registry enumerates capture devices in a deterministic order.
type Registry struct {
	devDir  string
	byIDDir string
	probe   Prober
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRoot makes the registry look under root instead of "/".
// Used by tests to point at a fake /dev tree.
func WithRoot(root string) RegistryOption {
	return func(r *Registry) {
		r.devDir = filepath.Join(root, "dev")
		r.byIDDir = filepath.Join(root, "dev", "v4l", "by-id")
	}
}

// WithProber replaces the platform capability probe.
func WithProber(p Prober) RegistryOption {
	return func(r *Registry) {
		r.probe = p
	}
}

// NewRegistry creates a registry over the system device tree.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		devDir:  "/dev",
		byIDDir: "/dev/v4l/by-id",
		probe:   probeCapabilities,
		logger:  logging.GetLogger("devices"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// List returns all capture devices sorted by stable identifier.
// Stable by-id links (video-index0 only) are preferred; raw /dev/video*
// nodes are listed only when no by-id link exists.
func (r *Registry) List() ([]Device, error) {
	found, err := r.listByID()
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		found, err = r.listNodes()
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(found, func(i, j int) bool {
		return naturalLess(found[i].ID, found[j].ID)
	})

	for i := range found {
		if !found[i].Present || r.probe == nil {
			continue
		}
		caps, probeErr := r.probe(found[i].Path)
		if probeErr != nil {
			r.logger.Debug("Capability probe failed", "path", found[i].Path, "error", probeErr)
			continue
		}
		found[i].Name = caps.Card
		found[i].Driver = caps.Driver
		found[i].Capabilities = caps.Hints
	}

	return found, nil
}

func (r *Registry) listByID() ([]Device, error) {
	entries, err := os.ReadDir(r.byIDDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New(errs.KindIOFailure, "read "+r.byIDDir, err)
	}

	var out []Device
	for _, entry := range entries {
		name := entry.Name()
		if !strings.Contains(name, "video-index0") {
			continue
		}
		link := filepath.Join(r.byIDDir, name)
		dev := Device{ID: name, Path: link}
		if target, evalErr := filepath.EvalSymlinks(link); evalErr == nil {
			dev.Path = target
			dev.Present = true
		}
		out = append(out, dev)
	}
	return out, nil
}

func (r *Registry) listNodes() ([]Device, error) {
	entries, err := os.ReadDir(r.devDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New(errs.KindIOFailure, "read "+r.devDir, err)
	}

	var out []Device
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "video") {
			continue
		}
		out = append(out, Device{
			ID:      name,
			Path:    filepath.Join(r.devDir, name),
			Present: true,
		})
	}
	return out, nil
}

// Resolve returns the device at index in List order.
func (r *Registry) Resolve(index int) (Device, error) {
	list, err := r.List()
	if err != nil {
		return Device{}, err
	}
	if index < 0 || index >= len(list) {
		return Device{}, &errs.Error{
			Kind:    errs.KindIndexOutOfRange,
			Field:   "DEVICE",
			Message: fmt.Sprintf("device index %d out of range (%d devices)", index, len(list)),
		}
	}
	return list[index], nil
}

// ResolveRef resolves a DEVICE value. A bare integer is an index into
// List; anything else must match a device's stable ID, by-id link or
// device node.
func (r *Registry) ResolveRef(ref string) (Device, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Device{}, &errs.Error{Kind: errs.KindNotFound, Field: "DEVICE", Message: "no device configured"}
	}
	if index, err := strconv.Atoi(ref); err == nil {
		return r.Resolve(index)
	}

	list, err := r.List()
	if err != nil {
		return Device{}, err
	}
	for _, dev := range list {
		if ref == dev.ID || ref == dev.Path || ref == filepath.Join(r.byIDDir, dev.ID) {
			return dev, nil
		}
	}
	return Device{}, &errs.Error{
		Kind:    errs.KindNotFound,
		Field:   "DEVICE",
		Message: fmt.Sprintf("device %q not found", ref),
	}
}

// naturalLess orders strings with embedded numbers numerically,
// so video2 sorts before video10.
func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		da, db := leadingDigits(a), leadingDigits(b)
		if da != "" && db != "" {
			na, _ := strconv.Atoi(da)
			nb, _ := strconv.Atoi(db)
			if na != nb {
				return na < nb
			}
			if len(da) != len(db) {
				return len(da) < len(db)
			}
			a, b = a[len(da):], b[len(db):]
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}
