package settings

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/smazurov/pimonitor/internal/devices"
	"github.com/smazurov/pimonitor/internal/errs"
)

// Supported frame rates.
var FrameRates = []int{1, 5, 10, 15, 20, 24, 25, 30, 50, 60}

// Largest accepted resolution.
const (
	MaxWidth  = 7680
	MaxHeight = 4320
)

// MaxPasswordBytes is the longest password bcrypt will hash.
const MaxPasswordBytes = 72

// DeviceLookup resolves a DEVICE value. *devices.Registry satisfies it.
type DeviceLookup interface {
	ResolveRef(ref string) (devices.Device, error)
}

// ValidationErrors lists every field of a candidate that failed validation.
type ValidationErrors struct {
	Fields []*errs.Error
}

func (v *ValidationErrors) Error() string {
	parts := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid config: " + strings.Join(parts, "; ")
}

// ErrorKind classifies the whole list as a validation failure.
func (v *ValidationErrors) ErrorKind() errs.Kind {
	return errs.KindValidation
}

// Has reports whether field failed.
func (v *ValidationErrors) Has(field string) bool {
	for _, f := range v.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

func (v *ValidationErrors) add(field, format string, args ...any) {
	v.Fields = append(v.Fields, errs.Field(field, fmt.Sprintf(format, args...)))
}

// Validate checks every field of c. The result is nil or a
// *ValidationErrors naming each failing field by its file key.
// A nil lookup skips device resolution.
func Validate(c Config, lookup DeviceLookup) error {
	v := &ValidationErrors{}

	if w, h, err := ParseResolution(c.Resolution); err != nil {
		v.add(KeyResolution, "%v", err)
	} else if w > MaxWidth || h > MaxHeight {
		v.add(KeyResolution, "must not exceed %dx%d", MaxWidth, MaxHeight)
	}

	if !validFPS(c.FPS) {
		v.add(KeyFPS, "must be one of %s", joinInts(FrameRates))
	}

	switch c.StreamMode {
	case ModeMJPEG, ModeH264RTSP:
	default:
		v.add(KeyStreamMode, "must be %s or %s", ModeMJPEG, ModeH264RTSP)
	}

	if strings.TrimSpace(c.Device) == "" {
		v.add(KeyDevice, "must not be empty")
	} else if lookup != nil {
		if _, err := lookup.ResolveRef(c.Device); err != nil {
			v.add(KeyDevice, "%s", reason(err))
		}
	}

	validatePorts(c, v)

	if c.EnableAuth {
		if c.AuthUsername == "" {
			v.add(KeyAuthUsername, "required when auth is enabled")
		}
		if c.AuthPassword == "" {
			v.add(KeyAuthPassword, "required when auth is enabled")
		}
	}
	if strings.Contains(c.AuthUsername, ":") {
		v.add(KeyAuthUsername, "must not contain ':'")
	}
	if len(c.AuthPassword) > MaxPasswordBytes {
		v.add(KeyAuthPassword, "must be at most %d bytes", MaxPasswordBytes)
	}

	if c.RecordDir == "" || !filepath.IsAbs(c.RecordDir) {
		v.add(KeyRecordDir, "must be an absolute path")
	}

	for key, value := range map[string]string{
		KeyResolution:   c.Resolution,
		KeyDevice:       c.Device,
		KeyAuthUsername: c.AuthUsername,
		KeyAuthPassword: c.AuthPassword,
		KeyRecordDir:    c.RecordDir,
	} {
		if strings.ContainsAny(value, unstorable) && !v.Has(key) {
			v.add(key, "must not contain quotes, backslashes, backticks or control characters")
		}
	}

	if len(v.Fields) == 0 {
		return nil
	}
	sortFields(v.Fields)
	return v
}

// Characters a single-quoted value cannot carry through both sh and godotenv.
const unstorable = "'\"\\`\n\r\x00"

func validatePorts(c Config, v *ValidationErrors) {
	ports := []struct {
		key  string
		port int
	}{
		{KeyHTTPPort, c.HTTPPort},
		{KeyRTSPPort, c.RTSPPort},
		{KeySitePort, c.SitePort},
		{KeyConfigPort, c.ConfigPort},
	}
	seen := make(map[int]string, len(ports))
	for _, p := range ports {
		if p.port < 1 || p.port > 65535 {
			v.add(p.key, "must be between 1 and 65535")
			continue
		}
		if other, dup := seen[p.port]; dup {
			v.add(p.key, "port %d already used by %s", p.port, other)
			continue
		}
		seen[p.port] = p.key
	}
}

func validFPS(fps int) bool {
	for _, f := range FrameRates {
		if f == fps {
			return true
		}
	}
	return false
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, n := range values {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ", ")
}

func reason(err error) string {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// sortFields orders errors by file key position so output is stable.
func sortFields(fields []*errs.Error) {
	pos := make(map[string]int, len(Keys))
	for i, k := range Keys {
		pos[k] = i
	}
	sort.SliceStable(fields, func(i, j int) bool {
		return pos[fields[i].Field] < pos[fields[j].Field]
	})
}
