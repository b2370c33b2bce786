// Package settings owns the appliance configuration record: its schema,
// validation, KEY=value encoding and atomic persistence.
package settings

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode selects which live-stream server runs.
type Mode string

// Stream modes.
const (
	ModeMJPEG    Mode = "MJPEG"
	ModeH264RTSP Mode = "H264_RTSP"
)

// File keys, in the order they are written.
const (
	KeyResolution   = "RESOLUTION"
	KeyFPS          = "FPS"
	KeyStreamMode   = "STREAM_MODE"
	KeyDevice       = "DEVICE"
	KeyHTTPPort     = "HTTP_PORT"
	KeyRTSPPort     = "RTSP_PORT"
	KeySitePort     = "SITE_PORT"
	KeyConfigPort   = "CONFIG_PORT"
	KeyEnableAuth   = "ENABLE_AUTH"
	KeyAuthUsername = "AUTH_USERNAME"
	KeyAuthPassword = "AUTH_PASSWORD"
	KeyRecordDir    = "RECORD_DIR"
)

// Keys lists every key of the record in file order.
var Keys = []string{
	KeyResolution, KeyFPS, KeyStreamMode, KeyDevice,
	KeyHTTPPort, KeyRTSPPort, KeySitePort, KeyConfigPort,
	KeyEnableAuth, KeyAuthUsername, KeyAuthPassword, KeyRecordDir,
}

// Config is one complete configuration snapshot. It is a comparable value:
// two snapshots are the same configuration iff they are ==.
type Config struct {
	Resolution   string
	FPS          int
	StreamMode   Mode
	Device       string
	HTTPPort     int
	RTSPPort     int
	SitePort     int
	ConfigPort   int
	EnableAuth   bool
	AuthUsername string
	AuthPassword string
	RecordDir    string
}

// Defaults returns the configuration written on first run.
func Defaults(recordDir string) Config {
	return Config{
		Resolution: "1280x720",
		FPS:        30,
		StreamMode: ModeMJPEG,
		Device:     "0",
		HTTPPort:   8080,
		RTSPPort:   8554,
		SitePort:   80,
		ConfigPort: 5000,
		RecordDir:  recordDir,
	}
}

// Size parses Resolution into width and height.
func (c Config) Size() (width, height int, err error) {
	return ParseResolution(c.Resolution)
}

// ParseResolution parses "WIDTHxHEIGHT" into two positive integers.
func ParseResolution(s string) (width, height int, err error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("resolution %q is not WIDTHxHEIGHT", s)
	}
	width, err = strconv.Atoi(w)
	if err != nil {
		return 0, 0, fmt.Errorf("resolution width %q is not an integer", w)
	}
	height, err = strconv.Atoi(h)
	if err != nil {
		return 0, 0, fmt.Errorf("resolution height %q is not an integer", h)
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("resolution %q must be positive", s)
	}
	return width, height, nil
}

// Patch is a partial update. Nil fields keep the current value.
type Patch struct {
	Resolution   *string
	FPS          *int
	StreamMode   *string
	Device       *string
	HTTPPort     *int
	RTSPPort     *int
	SitePort     *int
	ConfigPort   *int
	EnableAuth   *bool
	AuthUsername *string
	AuthPassword *string
	RecordDir    *string
}

// Merge returns a full snapshot: c with every non-nil field of p applied.
func (c Config) Merge(p Patch) Config {
	setIf(&c.Resolution, p.Resolution)
	setIf(&c.FPS, p.FPS)
	if p.StreamMode != nil {
		c.StreamMode = Mode(strings.ToUpper(*p.StreamMode))
	}
	setIf(&c.Device, p.Device)
	setIf(&c.HTTPPort, p.HTTPPort)
	setIf(&c.RTSPPort, p.RTSPPort)
	setIf(&c.SitePort, p.SitePort)
	setIf(&c.ConfigPort, p.ConfigPort)
	setIf(&c.EnableAuth, p.EnableAuth)
	setIf(&c.AuthUsername, p.AuthUsername)
	setIf(&c.AuthPassword, p.AuthPassword)
	setIf(&c.RecordDir, p.RecordDir)
	return c
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Diff returns the keys whose values differ between a and b, in file order.
func Diff(a, b Config) []string {
	var changed []string
	for _, key := range Keys {
		if valueOf(a, key) != valueOf(b, key) {
			changed = append(changed, key)
		}
	}
	return changed
}

// CredentialsChanged reports whether any auth setting differs.
func CredentialsChanged(a, b Config) bool {
	return a.EnableAuth != b.EnableAuth || a.AuthUsername != b.AuthUsername || a.AuthPassword != b.AuthPassword
}
