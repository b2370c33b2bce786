package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/smazurov/pimonitor/internal/devices"
	"github.com/smazurov/pimonitor/internal/ffmpeg"
	"github.com/smazurov/pimonitor/internal/logging"
	"github.com/smazurov/pimonitor/internal/process"
	"github.com/smazurov/pimonitor/internal/settings"
)

// Handle is one running live-stream process.
type Handle interface {
	PID() int
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	ExitCode() int
	// Tail returns recent diagnostic output.
	Tail() []string
	// Stop terminates the process within a bounded time and returns its exit code.
	Stop() int
}

// Launcher spawns the live-stream process for a configuration.
type Launcher interface {
	Launch(ctx context.Context, cfg settings.Config, dev devices.Device) (Handle, error)
}

// ExecLauncher runs the MJPEG or RTSP server directly as a child process.
type ExecLauncher struct {
	MJPEGTemplate string
	RTSPTemplate  string
	StopGrace     time.Duration
	KillGrace     time.Duration
	logger        *slog.Logger
}

// NewExecLauncher creates a launcher for the given command templates.
// Empty templates fall back to the built-in defaults.
func NewExecLauncher(mjpegTemplate, rtspTemplate string, stopGrace, killGrace time.Duration) *ExecLauncher {
	if mjpegTemplate == "" {
		mjpegTemplate = ffmpeg.DefaultMJPEGTemplate
	}
	if rtspTemplate == "" {
		rtspTemplate = ffmpeg.DefaultRTSPTemplate
	}
	return &ExecLauncher{
		MJPEGTemplate: mjpegTemplate,
		RTSPTemplate:  rtspTemplate,
		StopGrace:     stopGrace,
		KillGrace:     killGrace,
		logger:        logging.GetLogger("streamer"),
	}
}

// Command returns the argv the launcher would run for cfg on dev.
func (l *ExecLauncher) Command(cfg settings.Config, dev devices.Device) ([]string, error) {
	width, height, err := cfg.Size()
	if err != nil {
		return nil, err
	}
	tmpl := l.MJPEGTemplate
	if cfg.StreamMode == settings.ModeH264RTSP {
		tmpl = l.RTSPTemplate
	}
	return ffmpeg.ExpandTemplate(tmpl, ffmpeg.TemplateVars{
		Device:   dev.Path,
		Width:    width,
		Height:   height,
		FPS:      cfg.FPS,
		HTTPPort: cfg.HTTPPort,
		RTSPPort: cfg.RTSPPort,
	})
}

// Launch spawns the server process.
func (l *ExecLauncher) Launch(_ context.Context, cfg settings.Config, dev devices.Device) (Handle, error) {
	args, err := l.Command(cfg, dev)
	if err != nil {
		return nil, fmt.Errorf("build stream command: %w", err)
	}

	p := process.NewProcess("stream", args, l.logger)
	if l.StopGrace > 0 || l.KillGrace > 0 {
		p.SetTimeouts(l.StopGrace, l.KillGrace)
	}
	p.SetLogParser(l.logger, ffmpeg.ParseLogLevel)
	if err := p.Start(); err != nil {
		return nil, err
	}
	return p, nil
}
