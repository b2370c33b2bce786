package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/smazurov/pimonitor/internal/devices"
	"github.com/smazurov/pimonitor/internal/errs"
	"github.com/smazurov/pimonitor/internal/settings"
)

type fakeLookup struct{ known string }

func (f fakeLookup) ResolveRef(ref string) (devices.Device, error) {
	if ref != f.known {
		return devices.Device{}, errs.Newf(errs.KindNotFound, "no capture device %q", ref)
	}
	return devices.Device{ID: ref, Path: "/dev/video0", Present: true}, nil
}

type fakeLister struct {
	list []devices.Device
	err  error
}

func (f fakeLister) List() ([]devices.Device, error) { return f.list, f.err }

func writeConfig(t *testing.T, c settings.Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pimonitor.conf")
	if err := os.WriteFile(path, settings.Marshal(c), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckConfigValid(t *testing.T) {
	path := writeConfig(t, settings.Defaults("/home/pi/recordings"))

	var out bytes.Buffer
	if err := checkConfig(&out, path, nil); err != nil {
		t.Fatalf("checkConfig() error = %v", err)
	}
	if !strings.Contains(out.String(), "ok") {
		t.Errorf("output = %q, want ok", out.String())
	}
}

func TestCheckConfigInvalidFields(t *testing.T) {
	c := settings.Defaults("/home/pi/recordings")
	c.FPS = 7
	c.RTSPPort = c.HTTPPort
	path := writeConfig(t, c)

	var out bytes.Buffer
	err := checkConfig(&out, path, nil)
	if err == nil {
		t.Fatal("checkConfig() error = nil, want invalid fields")
	}
	if !strings.Contains(out.String(), settings.KeyFPS+":") {
		t.Errorf("output = %q, want %s line", out.String(), settings.KeyFPS)
	}
}

func TestCheckConfigUnknownDevice(t *testing.T) {
	c := settings.Defaults("/home/pi/recordings")
	c.Device = "3"
	path := writeConfig(t, c)

	var out bytes.Buffer
	if err := checkConfig(&out, path, fakeLookup{known: "0"}); err == nil {
		t.Fatal("checkConfig() error = nil, want device failure")
	}
	if !strings.Contains(out.String(), settings.KeyDevice+":") {
		t.Errorf("output = %q, want %s line", out.String(), settings.KeyDevice)
	}

	out.Reset()
	if err := checkConfig(&out, path, fakeLookup{known: "3"}); err != nil {
		t.Errorf("checkConfig() with present device error = %v", err)
	}
}

func TestCheckConfigMissingFile(t *testing.T) {
	var out bytes.Buffer
	err := checkConfig(&out, filepath.Join(t.TempDir(), "absent.conf"), nil)
	if !errs.Is(err, errs.KindNotFound) {
		t.Errorf("checkConfig() error = %v, want not_found", err)
	}
}

func TestCheckConfigCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pimonitor.conf")
	if err := os.WriteFile(path, []byte("RESOLUTION=1280x720\nBOGUS=1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	err := checkConfig(&out, path, nil)
	if !errs.Is(err, errs.KindCorrupt) {
		t.Errorf("checkConfig() error = %v, want corrupt", err)
	}
}

func TestListDevicesTable(t *testing.T) {
	lister := fakeLister{list: []devices.Device{
		{ID: "usb-cam-video-index0", Path: "/dev/video0", Name: "HD Webcam", Driver: "uvcvideo", Present: true},
		{ID: "video2", Path: "/dev/video2", Present: true},
	}}

	var out bytes.Buffer
	if err := listDevices(&out, lister, false); err != nil {
		t.Fatalf("listDevices() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header plus 2:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "INDEX") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "/dev/video0") || !strings.Contains(lines[1], "uvcvideo") {
		t.Errorf("row 0 = %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "1") || !strings.Contains(lines[2], "-") {
		t.Errorf("row 1 = %q, want index 1 and placeholders", lines[2])
	}
}

func TestListDevicesJSON(t *testing.T) {
	lister := fakeLister{list: []devices.Device{{ID: "video0", Path: "/dev/video0", Present: true}}}

	var out bytes.Buffer
	if err := listDevices(&out, lister, true); err != nil {
		t.Fatalf("listDevices() error = %v", err)
	}
	var got []devices.Device
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(got) != 1 || got[0].Path != "/dev/video0" {
		t.Errorf("got %+v", got)
	}
}

func TestListDevicesEmptyAndError(t *testing.T) {
	var out bytes.Buffer
	if err := listDevices(&out, fakeLister{}, false); err != nil {
		t.Fatalf("listDevices() error = %v", err)
	}
	if !strings.Contains(out.String(), "no capture devices") {
		t.Errorf("output = %q", out.String())
	}

	boom := errors.New("boom")
	if err := listDevices(&out, fakeLister{err: boom}, false); !errors.Is(err, boom) {
		t.Errorf("listDevices() error = %v, want boom", err)
	}
}
