package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/smazurov/pimonitor/internal/process"
)

// Default live-stream server command templates.
const (
	DefaultMJPEGTemplate = "ustreamer --device {device} --resolution {resolution} --desired-fps {fps} --host 0.0.0.0 --port {http_port}"
	DefaultRTSPTemplate  = "v4l2rtspserver -W {width} -H {height} -F {fps} -P {rtsp_port} -u stream {device}"
)

// TemplateVars are the values substituted into a server command template.
type TemplateVars struct {
	Device   string
	Width    int
	Height   int
	FPS      int
	HTTPPort int
	RTSPPort int
}

// ExpandTemplate splits tmpl into argv and substitutes placeholders in each
// argument. Values are substituted after splitting, so a device path with
// spaces stays a single argument. Unknown placeholders are an error.
func ExpandTemplate(tmpl string, v TemplateVars) ([]string, error) {
	args, err := process.ParseCommand(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse command template: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command template is empty")
	}

	replacer := strings.NewReplacer(
		"{device}", v.Device,
		"{width}", strconv.Itoa(v.Width),
		"{height}", strconv.Itoa(v.Height),
		"{resolution}", fmt.Sprintf("%dx%d", v.Width, v.Height),
		"{fps}", strconv.Itoa(v.FPS),
		"{http_port}", strconv.Itoa(v.HTTPPort),
		"{rtsp_port}", strconv.Itoa(v.RTSPPort),
	)
	for i, arg := range args {
		if name, ok := unknownPlaceholder(arg); ok {
			return nil, fmt.Errorf("unknown placeholder {%s} in command template", name)
		}
		args[i] = replacer.Replace(arg)
	}
	return args, nil
}

var placeholders = map[string]bool{
	"device": true, "width": true, "height": true, "resolution": true,
	"fps": true, "http_port": true, "rtsp_port": true,
}

func unknownPlaceholder(arg string) (string, bool) {
	for {
		open := strings.IndexByte(arg, '{')
		if open < 0 {
			return "", false
		}
		end := strings.IndexByte(arg[open:], '}')
		if end < 0 {
			return "", false
		}
		name := arg[open+1 : open+end]
		if !placeholders[name] {
			return name, true
		}
		arg = arg[open+end+1:]
	}
}
