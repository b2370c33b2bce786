//go:build linux

package devices

import (
	"bytes"
	"syscall"
	"unsafe"
)

const (
	vidiocQuerycap = 0x80685600

	capVideoCapture       = 0x00000001
	capVideoCaptureMPlane = 0x00001000
	capReadWrite          = 0x01000000
	capStreaming          = 0x04000000
	capDeviceCaps         = 0x80000000
)

// v4l2Capability mirrors struct v4l2_capability (104 bytes on all arches).
type v4l2Capability struct {
	driver       [16]uint8
	card         [32]uint8
	busInfo      [32]uint8
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

// probeCapabilities opens the node non-blocking and runs VIDIOC_QUERYCAP.
// QUERYCAP does not claim the device, so it is safe while a stream is live.
func probeCapabilities(path string) (Capabilities, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return Capabilities{}, err
	}
	defer syscall.Close(fd)

	var c v4l2Capability
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(vidiocQuerycap), uintptr(unsafe.Pointer(&c)))
	if errno != 0 {
		return Capabilities{}, errno
	}

	caps := c.capabilities
	if caps&capDeviceCaps != 0 {
		caps = c.deviceCaps
	}

	var hints []string
	if caps&capVideoCapture != 0 {
		hints = append(hints, "video_capture")
	}
	if caps&capVideoCaptureMPlane != 0 {
		hints = append(hints, "video_capture_mplane")
	}
	if caps&capStreaming != 0 {
		hints = append(hints, "streaming")
	}
	if caps&capReadWrite != 0 {
		hints = append(hints, "readwrite")
	}

	return Capabilities{
		Card:   cstr(c.card[:]),
		Driver: cstr(c.driver[:]),
		Hints:  hints,
	}, nil
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
