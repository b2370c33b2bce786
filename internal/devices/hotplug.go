package devices

import (
	"bytes"
	"path"
	"strings"
)

// Hotplug actions reported for capture devices.
const (
	HotplugAdd    = "add"
	HotplugRemove = "remove"
)

const subsystemVideo4Linux = "video4linux"

// Hotplug is one capture device node appearing or disappearing.
type Hotplug struct {
	Action string
	Path   string
}

// parseUEvent decodes a kernel uevent ("ACTION@KOBJ\0KEY=VALUE\0...").
// It reports false for anything but the add or removal of a video4linux
// node.
func parseUEvent(data []byte) (Hotplug, bool) {
	// libudev rebroadcasts carry a binary header; skip to "action@".
	if bytes.HasPrefix(data, []byte("libudev")) {
		for i := 0; i < len(data)-1; i++ {
			if data[i] != 0 {
				continue
			}
			rest := data[i+1:]
			if at := bytes.IndexByte(rest, '@'); at > 0 && at < 20 && bytes.IndexByte(rest[:at], 0) < 0 {
				data = rest
				break
			}
		}
	}

	parts := bytes.Split(data, []byte{0})
	header := string(parts[0])
	at := strings.IndexByte(header, '@')
	if at < 1 {
		return Hotplug{}, false
	}

	action := header[:at]
	if action != HotplugAdd && action != HotplugRemove {
		return Hotplug{}, false
	}

	var subsystem, devname string
	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(string(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "SUBSYSTEM":
			subsystem = value
		case "DEVNAME":
			devname = value
		}
	}
	if subsystem != subsystemVideo4Linux || devname == "" {
		return Hotplug{}, false
	}
	if !strings.HasPrefix(devname, "/") {
		devname = path.Join("/dev", devname)
	}
	return Hotplug{Action: action, Path: devname}, true
}
