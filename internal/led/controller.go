// Package led mirrors appliance state on a board status LED.
package led

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Pattern is what the LED shows.
type Pattern string

// Patterns.
const (
	PatternOff       Pattern = "off"
	PatternSolid     Pattern = "solid"
	PatternBlink     Pattern = "blink"
	PatternFastBlink Pattern = "fast-blink"
	PatternHeartbeat Pattern = "heartbeat"
)

const (
	sysfsLEDPath        = "/sys/class/leds"
	deviceTreeModelPath = "/proc/device-tree/model"
)

// Controller drives one LED.
type Controller interface {
	Set(p Pattern) error
}

// New returns a controller for the named LED under /sys/class/leds. An
// empty name picks the board's activity LED when the board is known;
// otherwise the returned controller does nothing.
func New(name string, logger *slog.Logger) Controller {
	if name == "" {
		name = boardLED(detectBoard())
	}
	if name == "" {
		logger.Info("No status LED for this board, LED control disabled")
		return noop{}
	}
	logger.Info("Using status LED", "led", name)
	return NewSysfs(filepath.Join(sysfsLEDPath, name))
}

func boardLED(model string) string {
	switch {
	case strings.Contains(model, "Raspberry Pi"):
		return "ACT"
	case strings.Contains(model, "NanoPC-T6"):
		return "usr_led"
	case strings.Contains(model, "Orange Pi"):
		return "green_led"
	default:
		return ""
	}
}

// detectBoard reads the device tree model to identify the board.
func detectBoard() string {
	data, err := os.ReadFile(deviceTreeModelPath)
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(data), "\x00")
}

// Sysfs drives an LED through its sysfs directory.
type Sysfs struct {
	dir string
}

// NewSysfs creates a controller for the LED directory dir.
func NewSysfs(dir string) *Sysfs {
	return &Sysfs{dir: dir}
}

// Set applies p. Blinking patterns use kernel triggers so the LED keeps
// blinking without this process.
func (s *Sysfs) Set(p Pattern) error {
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("LED %s: %w", s.dir, err)
	}

	switch p {
	case PatternOff:
		return s.write(map[string]string{"trigger": "none", "brightness": "0"}, "trigger", "brightness")
	case PatternSolid:
		return s.write(map[string]string{"trigger": "none", "brightness": "1"}, "trigger", "brightness")
	case PatternBlink:
		return s.write(map[string]string{"trigger": "timer", "delay_on": "500", "delay_off": "500"}, "trigger", "delay_on", "delay_off")
	case PatternFastBlink:
		return s.write(map[string]string{"trigger": "timer", "delay_on": "100", "delay_off": "100"}, "trigger", "delay_on", "delay_off")
	case PatternHeartbeat:
		return s.write(map[string]string{"trigger": "heartbeat"}, "trigger")
	default:
		return fmt.Errorf("unknown LED pattern %q", p)
	}
}

// write sets attributes in order; the trigger must be set before the
// attributes it creates.
func (s *Sysfs) write(values map[string]string, order ...string) error {
	for _, attr := range order {
		if err := os.WriteFile(filepath.Join(s.dir, attr), []byte(values[attr]), 0o644); err != nil {
			return fmt.Errorf("set LED %s: %w", attr, err)
		}
	}
	return nil
}

type noop struct{}

func (noop) Set(Pattern) error { return nil }
