package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/pimonitor/cmd"
	"github.com/smazurov/pimonitor/internal/api"
	"github.com/smazurov/pimonitor/internal/archive"
	"github.com/smazurov/pimonitor/internal/config"
	"github.com/smazurov/pimonitor/internal/control"
	"github.com/smazurov/pimonitor/internal/devices"
	"github.com/smazurov/pimonitor/internal/events"
	"github.com/smazurov/pimonitor/internal/htpasswd"
	"github.com/smazurov/pimonitor/internal/jobs"
	"github.com/smazurov/pimonitor/internal/led"
	"github.com/smazurov/pimonitor/internal/logging"
	"github.com/smazurov/pimonitor/internal/metrics"
	"github.com/smazurov/pimonitor/internal/metrics/exporters"
	"github.com/smazurov/pimonitor/internal/mqtt"
	"github.com/smazurov/pimonitor/internal/settings"
	"github.com/smazurov/pimonitor/internal/stream"
	"github.com/smazurov/pimonitor/internal/systemd"
	"golang.org/x/crypto/bcrypt"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config  string `help:"Path to service options file" short:"c" default:"/etc/pimonitor/pimonitor.toml"`
	EnvFile string `help:"Path to dotenv file" default:"/etc/pimonitor/pimonitor.env"`

	// Server settings
	Port string `help:"Address to listen on" short:"p" default:":5000" toml:"server.port" env:"SERVER_PORT"`

	// Appliance settings
	SettingsFile string `help:"Appliance KEY=value config file" default:"/etc/pimonitor.conf" toml:"settings.file" env:"SETTINGS_FILE"`
	RecordDir    string `help:"Default recording directory" default:"/home/pi/pimonitor-recordings" toml:"settings.record_dir" env:"SETTINGS_RECORD_DIR"`
	ApplyTimeout string `help:"How long a config update waits for the stream" default:"15s" toml:"settings.apply_timeout" env:"SETTINGS_APPLY_TIMEOUT"`

	// Stream settings
	Launcher          string `help:"Stream launcher (exec, systemd)" default:"exec" toml:"stream.launcher" env:"STREAM_LAUNCHER"`
	StreamUnit        string `help:"systemd unit running the stream server" default:"pimonitor-stream.service" toml:"stream.unit" env:"STREAM_UNIT"`
	SystemdScope      string `help:"systemd instance (system, user)" default:"system" toml:"stream.systemd_scope" env:"STREAM_SYSTEMD_SCOPE"`
	MjpegCommand      string `help:"MJPEG server command template" default:"" toml:"stream.mjpeg_command" env:"STREAM_MJPEG_COMMAND"`
	RtspCommand       string `help:"RTSP server command template" default:"" toml:"stream.rtsp_command" env:"STREAM_RTSP_COMMAND"`
	StreamReadyWindow string `help:"How long a new stream process must survive" default:"2s" toml:"stream.ready_window" env:"STREAM_READY_WINDOW"`
	StreamLockWait    string `help:"How long a stream start waits for a busy device" default:"0s" toml:"stream.lock_wait" env:"STREAM_LOCK_WAIT"`
	StreamMaxRetries  int    `help:"Failed starts before the stream stays crashed" default:"5" toml:"stream.max_retries" env:"STREAM_MAX_RETRIES"`
	StreamStopGrace   string `help:"SIGTERM grace before SIGKILL" default:"5s" toml:"stream.stop_grace" env:"STREAM_STOP_GRACE"`

	// Job settings
	JobPreempt     bool   `help:"Stop the live stream for a job instead of failing" default:"false" toml:"jobs.preempt_stream" env:"JOBS_PREEMPT_STREAM"`
	JobEncoder     string `help:"Recording video encoder" default:"libx264" toml:"jobs.encoder" env:"JOBS_ENCODER"`
	JobPreset      string `help:"Recording encoder preset" default:"veryfast" toml:"jobs.preset" env:"JOBS_PRESET"`
	JobMaxDuration string `help:"Longest accepted recording" default:"1h" toml:"jobs.max_duration" env:"JOBS_MAX_DURATION"`
	JobHistory     int    `help:"Finished jobs kept for status queries" default:"50" toml:"jobs.history" env:"JOBS_HISTORY"`

	// Reverse proxy credentials
	HtpasswdFile string `help:"htpasswd file read by the reverse proxy" default:"/etc/pimonitor/htpasswd" toml:"auth.htpasswd_file" env:"AUTH_HTPASSWD_FILE"`

	// Observability settings
	StatsInterval string `help:"Stream resource sampling interval" default:"5s" toml:"metrics.stats_interval" env:"METRICS_STATS_INTERVAL"`

	// Features settings
	FeaturesLedControl bool   `help:"Mirror appliance state on the board status LED" default:"false" toml:"features.led_control_enabled" env:"FEATURES_LED_CONTROL"`
	FeaturesLedName    string `help:"LED under /sys/class/leds, empty picks the board LED" default:"" toml:"features.led_name" env:"FEATURES_LED_NAME"`

	// MQTT settings
	MqttHost        string `help:"MQTT broker host, empty disables" default:"" toml:"mqtt.host" env:"MQTT_HOST"`
	MqttPort        int    `help:"MQTT broker port" default:"1883" toml:"mqtt.port" env:"MQTT_PORT"`
	MqttUsername    string `help:"MQTT username" default:"" toml:"mqtt.username" env:"MQTT_USERNAME"`
	MqttPassword    string `help:"MQTT password" default:"" toml:"mqtt.password" env:"MQTT_PASSWORD"`
	MqttClientId    string `help:"MQTT client id" default:"pimonitor" toml:"mqtt.client_id" env:"MQTT_CLIENT_ID"`
	MqttTopicPrefix string `help:"MQTT topic prefix" default:"pimonitor" toml:"mqtt.topic_prefix" env:"MQTT_TOPIC_PREFIX"`

	// Archive settings
	ArchiveEndpoint  string `help:"S3-compatible endpoint, empty disables" default:"" toml:"archive.endpoint" env:"ARCHIVE_ENDPOINT"`
	ArchiveAccessKey string `help:"Archive access key" default:"" toml:"archive.access_key" env:"ARCHIVE_ACCESS_KEY"`
	ArchiveSecretKey string `help:"Archive secret key" default:"" toml:"archive.secret_key" env:"ARCHIVE_SECRET_KEY"`
	ArchiveBucket    string `help:"Archive bucket" default:"pimonitor" toml:"archive.bucket" env:"ARCHIVE_BUCKET"`
	ArchivePrefix    string `help:"Archive object prefix" default:"" toml:"archive.prefix" env:"ARCHIVE_PREFIX"`
	ArchiveUseSsl    bool   `help:"Use TLS for the archive endpoint" default:"true" toml:"archive.use_ssl" env:"ARCHIVE_USE_SSL"`

	// Logging settings
	LoggingLevel    string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat   string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingSettings string `help:"Config store logging level" default:"info" toml:"logging.settings" env:"LOGGING_SETTINGS"`
	LoggingStream   string `help:"Stream supervisor logging level" default:"info" toml:"logging.stream" env:"LOGGING_STREAM"`
	LoggingJobs     string `help:"Job runner logging level" default:"info" toml:"logging.jobs" env:"LOGGING_JOBS"`
	LoggingDevices  string `help:"Devices logging level" default:"info" toml:"logging.devices" env:"LOGGING_DEVICES"`
	LoggingAPI      string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingFfmpeg   string `help:"Subprocess output logging level" default:"info" toml:"logging.ffmpeg" env:"LOGGING_FFMPEG"`
}

func duration(logger *slog.Logger, name, value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("Invalid duration, using default", "option", name, "value", value, "default", fallback)
		return fallback
	}
	return d
}

func main() {
	var cli humacli.CLI

	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"settings": opts.LoggingSettings,
				"stream":   opts.LoggingStream,
				"jobs":     opts.LoggingJobs,
				"devices":  opts.LoggingDevices,
				"api":      opts.LoggingAPI,
				"ffmpeg":   opts.LoggingFfmpeg,
			},
		})

		logger := logging.GetLogger("main")

		eventBus := events.New()
		registry := devices.NewRegistry()
		lock := devices.NewLock()
		lock.OnChange(func(holder string) {
			eventBus.Publish(events.DeviceLockChangedEvent{Holder: holder, Timestamp: events.Now()})
		})

		store := settings.NewStore(opts.SettingsFile, settings.Defaults(opts.RecordDir))
		cfg, err := store.Open()
		if err != nil {
			logger.Error("Failed to open appliance config", "path", opts.SettingsFile, "error", err)
			os.Exit(1)
		}
		if validErr := settings.Validate(cfg, registry); validErr != nil {
			// The device may be unplugged at boot; the stream reports it on start.
			logger.Warn("Appliance config does not validate", "error", validErr)
		}

		stopGrace := duration(logger, "stream.stop_grace", opts.StreamStopGrace, 5*time.Second)

		var (
			launcher       stream.Launcher
			systemdManager *systemd.Manager
		)
		switch opts.Launcher {
		case "systemd":
			systemdManager, err = systemd.NewManager(context.Background(), systemd.Scope(opts.SystemdScope))
			if err != nil {
				logger.Error("Failed to connect to systemd", "error", err)
				os.Exit(1)
			}
			launcher = stream.NewSystemdLauncher(systemdManager, opts.StreamUnit, stopGrace)
		default:
			launcher = stream.NewExecLauncher(opts.MjpegCommand, opts.RtspCommand, stopGrace, 2*time.Second)
		}

		streamOpts := stream.DefaultOptions()
		streamOpts.ReadyWindow = duration(logger, "stream.ready_window", opts.StreamReadyWindow, streamOpts.ReadyWindow)
		streamOpts.LockWait = duration(logger, "stream.lock_wait", opts.StreamLockWait, 0)
		streamOpts.MaxRetries = opts.StreamMaxRetries
		supervisor := stream.NewSupervisor(launcher, registry, lock, eventBus, streamOpts)

		jobOpts := jobs.DefaultOptions()
		jobOpts.PreemptStream = opts.JobPreempt
		jobOpts.Encoder = opts.JobEncoder
		jobOpts.Preset = opts.JobPreset
		jobOpts.MaxRecordDuration = duration(logger, "jobs.max_duration", opts.JobMaxDuration, jobOpts.MaxRecordDuration)
		jobOpts.History = opts.JobHistory
		runner := jobs.NewRunner(store.Current, registry, lock, supervisor, eventBus, jobOpts)

		ctrl := control.New(store, registry, supervisor, runner, eventBus,
			duration(logger, "settings.apply_timeout", opts.ApplyTimeout, control.DefaultApplyTimeout))

		recorder := metrics.NewRecorder(eventBus)
		sampler := exporters.NewSampler(supervisor, eventBus,
			duration(logger, "metrics.stats_interval", opts.StatsInterval, 5*time.Second))

		credentials := htpasswd.NewWriter(opts.HtpasswdFile, store.Current, bcrypt.DefaultCost)
		if syncErr := credentials.Sync(cfg); syncErr != nil {
			logger.Warn("Failed to write htpasswd file", "path", opts.HtpasswdFile, "error", syncErr)
		}
		unwatchCredentials := credentials.Watch(eventBus)

		uploader, err := archive.New(context.Background(), archive.Config{
			Endpoint:  opts.ArchiveEndpoint,
			AccessKey: opts.ArchiveAccessKey,
			SecretKey: opts.ArchiveSecretKey,
			Bucket:    opts.ArchiveBucket,
			Prefix:    opts.ArchivePrefix,
			UseSSL:    opts.ArchiveUseSsl,
		})
		if err != nil {
			logger.Warn("Archive disabled", "endpoint", opts.ArchiveEndpoint, "error", err)
			uploader = archive.NewUploader(nil, archive.Config{})
		}
		unwatchArchive := uploader.Watch(eventBus)

		bridge, err := mqtt.New(mqtt.Config{
			Host:        opts.MqttHost,
			Port:        opts.MqttPort,
			Username:    opts.MqttUsername,
			Password:    opts.MqttPassword,
			ClientID:    opts.MqttClientId,
			TopicPrefix: opts.MqttTopicPrefix,
		})
		if err != nil {
			logger.Warn("MQTT bridge disabled", "host", opts.MqttHost, "error", err)
			bridge = mqtt.NewBridge(nil, "")
		}
		bridge.Start(eventBus)

		watcher := config.NewConfigWatcher(opts.SettingsFile,
			func(string) (settings.Config, error) { return store.Load() },
			logging.GetLogger("settings"),
		)
		watcher.OnReload(func(settings.Config) {
			if _, reloadErr := ctrl.ReloadConfig(context.Background()); reloadErr != nil {
				logger.Warn("External config edit rejected", "error", reloadErr)
			}
		})

		var ledManager *led.Manager
		if opts.FeaturesLedControl {
			ledLogger := logging.GetLogger("led")
			ledManager = led.NewManager(led.New(opts.FeaturesLedName, ledLogger), eventBus, ledLogger)
		}

		hotplugCtx, stopHotplug := context.WithCancel(context.Background())
		monitor, err := devices.NewHotplugMonitor()
		if err != nil {
			logger.Warn("Device hotplug monitoring disabled", "error", err)
		}
		unwatchHotplug := eventBus.Subscribe(func(e events.DeviceHotplugEvent) {
			if e.Action != devices.HotplugAdd {
				return
			}
			if _, resumeErr := ctrl.ResumeStream(hotplugCtx); resumeErr != nil {
				logger.Warn("Failed to resume stream after device hotplug", "path", e.Path, "error", resumeErr)
			}
		})

		server := api.NewServer(&api.Options{
			Controller:        ctrl,
			EventBus:          eventBus,
			PrometheusHandler: exporters.HTTPHandler(),
		})

		hooks.OnStart(func() {
			if watchErr := watcher.Start(); watchErr != nil {
				logger.Warn("Failed to start config watcher, external edits ignored", "error", watchErr)
			}
			sampler.Start(context.Background())
			if ledManager != nil {
				ledManager.Start()
			}
			if monitor != nil {
				go func() {
					runErr := monitor.Run(hotplugCtx, func(h devices.Hotplug) {
						eventBus.Publish(events.DeviceHotplugEvent{Action: h.Action, Path: h.Path, Timestamp: events.Now()})
					})
					if runErr != nil && !errors.Is(runErr, context.Canceled) {
						logger.Warn("Device hotplug monitor stopped", "error", runErr)
					}
				}()
			}

			res, startErr := ctrl.StartStream(context.Background())
			if startErr != nil {
				logger.Error("Failed to start stream", "error", startErr)
			} else if res.Restart.Outcome != control.OutcomeRestarted {
				logger.Warn("Stream not running at startup", "outcome", res.Restart.Outcome, "error", res.Restart.Error)
			}

			logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if stopErr := server.Shutdown(ctx); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}

			_ = watcher.Stop()
			stopHotplug()
			unwatchHotplug()
			runner.Close()
			supervisor.Close()
			sampler.Stop()

			unwatchArchive()
			uploader.Close()
			bridge.Close()
			unwatchCredentials()
			recorder.Close()
			if ledManager != nil {
				ledManager.Stop()
			}
			if systemdManager != nil {
				systemdManager.Close()
			}
		})
	})

	cli.Root().AddCommand(cmd.CreateCheckConfigCmd())
	cli.Root().AddCommand(cmd.CreateDevicesCmd())

	cli.Run()
}
