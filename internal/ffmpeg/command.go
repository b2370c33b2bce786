// Package ffmpeg builds argv for the external programs the appliance
// drives and parses their log output.
package ffmpeg

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Base returns the ffmpeg argv prefix with standard flags.
// level+info makes every log line carry a [level] tag for ParseLogLevel.
func Base() []string {
	return []string{"ffmpeg", "-hide_banner", "-nostdin", "-loglevel", "level+info"}
}

// Input describes the capture device a job reads from.
type Input struct {
	DevicePath string
	Resolution string // 1280x720
	FPS        int
}

func (in Input) args() ([]string, error) {
	if in.DevicePath == "" {
		return nil, errors.New("device path is required")
	}
	args := []string{"-f", "v4l2"}
	if in.Resolution != "" {
		args = append(args, "-video_size", in.Resolution)
	}
	if in.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(in.FPS))
	}
	return append(args, "-i", in.DevicePath), nil
}

// RecordParams configures a fixed-length recording.
type RecordParams struct {
	Input
	Duration   time.Duration
	OutputPath string
	Encoder    string // libx264 when empty
	Preset     string // veryfast when empty; ignored for hardware encoders
}

// RecordArgs builds the argv for a recording of p.Duration.
func RecordArgs(p RecordParams) ([]string, error) {
	if p.Duration <= 0 {
		return nil, errors.New("duration must be positive")
	}
	if p.OutputPath == "" {
		return nil, errors.New("output path is required")
	}
	input, err := p.Input.args()
	if err != nil {
		return nil, err
	}

	encoder := p.Encoder
	if encoder == "" {
		encoder = "libx264"
	}

	args := append(Base(), "-y")
	args = append(args, input...)
	args = append(args, "-t", formatSeconds(p.Duration), "-c:v", encoder)
	if !isHardwareEncoder(encoder) {
		preset := p.Preset
		if preset == "" {
			preset = "veryfast"
		}
		args = append(args, "-preset", preset)
	}
	// Players expect 4:2:0; most webcams deliver 4:2:2.
	args = append(args, "-pix_fmt", "yuv420p", p.OutputPath)
	return args, nil
}

// SnapshotParams configures a single-frame capture.
type SnapshotParams struct {
	Input
	OutputPath string
}

// SnapshotArgs builds the argv for a single-frame capture.
func SnapshotArgs(p SnapshotParams) ([]string, error) {
	if p.OutputPath == "" {
		return nil, errors.New("output path is required")
	}
	input, err := p.Input.args()
	if err != nil {
		return nil, err
	}
	args := append(Base(), "-y")
	args = append(args, input...)
	return append(args, "-frames:v", "1", "-update", "1", p.OutputPath), nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// isHardwareEncoder checks if the given codec name represents a hardware encoder
func isHardwareEncoder(codec string) bool {
	hardwareCodecs := []string{
		"nvenc", "amf", "vaapi", "qsv", "videotoolbox", "rkmpp", "v4l2m2m",
	}

	for _, hwCodec := range hardwareCodecs {
		if strings.Contains(codec, hwCodec) {
			return true
		}
	}
	return false
}

// CommandString renders argv for logs.
func CommandString(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t'\"") {
			quoted[i] = fmt.Sprintf("%q", a)
			continue
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}
