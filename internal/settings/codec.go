package settings

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/smazurov/pimonitor/internal/errs"
)

// Marshal encodes c as KEY=value lines in the fixed key order.
// Values made only of shell-safe characters are written bare; anything
// else is single-quoted, which both sh and godotenv read literally.
// Validate rejects the characters single quoting cannot carry.
func Marshal(c Config) []byte {
	var buf bytes.Buffer
	for _, key := range Keys {
		buf.WriteString(key)
		buf.WriteByte('=')
		buf.WriteString(quote(valueOf(c, key)))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Unmarshal decodes a KEY=value record. The key set is fixed: a missing
// key, an unknown key or a value that cannot be typed is reported as
// errs.KindCorrupt.
func Unmarshal(data []byte) (Config, error) {
	values, err := godotenv.Unmarshal(string(data))
	if err != nil {
		return Config{}, errs.New(errs.KindCorrupt, "config record does not parse", err)
	}

	var unknown []string
	for key := range values {
		if !isKey(key) {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Config{}, errs.Newf(errs.KindCorrupt, "unknown keys: %s", strings.Join(unknown, ", "))
	}

	var missing []string
	for _, key := range Keys {
		if _, ok := values[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Config{}, errs.Newf(errs.KindCorrupt, "missing keys: %s", strings.Join(missing, ", "))
	}

	var c Config
	d := decoder{values: values}
	c.Resolution = values[KeyResolution]
	c.FPS = d.int(KeyFPS)
	c.StreamMode = Mode(values[KeyStreamMode])
	c.Device = values[KeyDevice]
	c.HTTPPort = d.int(KeyHTTPPort)
	c.RTSPPort = d.int(KeyRTSPPort)
	c.SitePort = d.int(KeySitePort)
	c.ConfigPort = d.int(KeyConfigPort)
	c.EnableAuth = d.bool(KeyEnableAuth)
	c.AuthUsername = values[KeyAuthUsername]
	c.AuthPassword = values[KeyAuthPassword]
	c.RecordDir = values[KeyRecordDir]
	if d.err != nil {
		return Config{}, d.err
	}
	return c, nil
}

type decoder struct {
	values map[string]string
	err    error
}

func (d *decoder) int(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(d.values[key]))
	if err != nil && d.err == nil {
		d.err = &errs.Error{Kind: errs.KindCorrupt, Field: key, Message: fmt.Sprintf("%q is not an integer", d.values[key])}
	}
	return n
}

func (d *decoder) bool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(d.values[key])) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off", "":
		return false
	}
	if d.err == nil {
		d.err = &errs.Error{Kind: errs.KindCorrupt, Field: key, Message: fmt.Sprintf("%q is not a boolean", d.values[key])}
	}
	return false
}

func valueOf(c Config, key string) string {
	switch key {
	case KeyResolution:
		return c.Resolution
	case KeyFPS:
		return strconv.Itoa(c.FPS)
	case KeyStreamMode:
		return string(c.StreamMode)
	case KeyDevice:
		return c.Device
	case KeyHTTPPort:
		return strconv.Itoa(c.HTTPPort)
	case KeyRTSPPort:
		return strconv.Itoa(c.RTSPPort)
	case KeySitePort:
		return strconv.Itoa(c.SitePort)
	case KeyConfigPort:
		return strconv.Itoa(c.ConfigPort)
	case KeyEnableAuth:
		return strconv.FormatBool(c.EnableAuth)
	case KeyAuthUsername:
		return c.AuthUsername
	case KeyAuthPassword:
		return c.AuthPassword
	case KeyRecordDir:
		return c.RecordDir
	}
	return ""
}

func isKey(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}

func quote(v string) string {
	if strings.Trim(v, safeChars) == "" {
		return v
	}
	return "'" + v + "'"
}

const safeChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_./:@%+,=-"
