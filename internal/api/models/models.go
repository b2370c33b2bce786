// Package models holds the request and response shapes of the HTTP API.
package models

import (
	"github.com/smazurov/pimonitor/internal/control"
	"github.com/smazurov/pimonitor/internal/devices"
	"github.com/smazurov/pimonitor/internal/jobs"
	"github.com/smazurov/pimonitor/internal/settings"
	"github.com/smazurov/pimonitor/internal/stream"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2025-01-27T10:30:00Z" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"42" doc:"Build identifier"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go runtime version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Compiler"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Target platform"`
}

type VersionResponse struct {
	Body VersionData
}

// ConfigData is the configuration as shown to clients. The password is
// never returned.
type ConfigData struct {
	Resolution      string `json:"resolution" example:"1280x720" doc:"Capture size WIDTHxHEIGHT"`
	FPS             int    `json:"fps" example:"30" doc:"Frames per second"`
	StreamMode      string `json:"stream_mode" example:"MJPEG" enum:"MJPEG,H264_RTSP" doc:"Live-stream server"`
	Device          string `json:"device" example:"0" doc:"Device index or stable identifier"`
	HTTPPort        int    `json:"http_port" example:"8080" doc:"MJPEG server port"`
	RTSPPort        int    `json:"rtsp_port" example:"8554" doc:"RTSP server port"`
	SitePort        int    `json:"site_port" example:"80" doc:"Reverse proxy port"`
	ConfigPort      int    `json:"config_port" example:"5000" doc:"Control API port"`
	EnableAuth      bool   `json:"enable_auth" doc:"Whether basic auth protects the stream"`
	AuthUsername    string `json:"auth_username,omitempty" example:"pi" doc:"Basic auth user"`
	AuthPasswordSet bool   `json:"auth_password_set" doc:"Whether a password is stored"`
	RecordDir       string `json:"record_dir" example:"/home/pi/pimonitor-recordings" doc:"Directory for job outputs"`
}

// NewConfigData converts a snapshot for display.
func NewConfigData(c settings.Config) ConfigData {
	return ConfigData{
		Resolution:      c.Resolution,
		FPS:             c.FPS,
		StreamMode:      string(c.StreamMode),
		Device:          c.Device,
		HTTPPort:        c.HTTPPort,
		RTSPPort:        c.RTSPPort,
		SitePort:        c.SitePort,
		ConfigPort:      c.ConfigPort,
		EnableAuth:      c.EnableAuth,
		AuthUsername:    c.AuthUsername,
		AuthPasswordSet: c.AuthPassword != "",
		RecordDir:       c.RecordDir,
	}
}

type ConfigResponse struct {
	Body ConfigData
}

// ConfigPatch is a partial configuration update. Omitted fields keep their
// current value; unknown fields are rejected.
type ConfigPatch struct {
	_            struct{} `json:"-" additionalProperties:"false"`
	Resolution   *string  `json:"resolution,omitempty" example:"1920x1080" doc:"Capture size WIDTHxHEIGHT"`
	FPS          *int     `json:"fps,omitempty" example:"25" doc:"Frames per second"`
	StreamMode   *string  `json:"stream_mode,omitempty" example:"H264_RTSP" doc:"MJPEG or H264_RTSP"`
	Device       *string  `json:"device,omitempty" example:"0" doc:"Device index or stable identifier"`
	HTTPPort     *int     `json:"http_port,omitempty" example:"8080" doc:"MJPEG server port"`
	RTSPPort     *int     `json:"rtsp_port,omitempty" example:"8554" doc:"RTSP server port"`
	SitePort     *int     `json:"site_port,omitempty" example:"80" doc:"Reverse proxy port"`
	ConfigPort   *int     `json:"config_port,omitempty" example:"5000" doc:"Control API port"`
	EnableAuth   *bool    `json:"enable_auth,omitempty" doc:"Protect the stream with basic auth"`
	AuthUsername *string  `json:"auth_username,omitempty" example:"pi" doc:"Basic auth user"`
	AuthPassword *string  `json:"auth_password,omitempty" doc:"Basic auth password"`
	RecordDir    *string  `json:"record_dir,omitempty" example:"/home/pi/pimonitor-recordings" doc:"Directory for job outputs"`
}

// Patch converts the request into a settings patch.
func (p ConfigPatch) Patch() settings.Patch {
	return settings.Patch{
		Resolution:   p.Resolution,
		FPS:          p.FPS,
		StreamMode:   p.StreamMode,
		Device:       p.Device,
		HTTPPort:     p.HTTPPort,
		RTSPPort:     p.RTSPPort,
		SitePort:     p.SitePort,
		ConfigPort:   p.ConfigPort,
		EnableAuth:   p.EnableAuth,
		AuthUsername: p.AuthUsername,
		AuthPassword: p.AuthPassword,
		RecordDir:    p.RecordDir,
	}
}

type ConfigUpdateRequest struct {
	Body ConfigPatch
}

// UpdateData reports a committed change and what happened to the stream.
type UpdateData struct {
	Config  ConfigData      `json:"config" doc:"Configuration now in effect"`
	Changed []string        `json:"changed" doc:"File keys whose value changed"`
	Restart control.Restart `json:"restart" doc:"Live-stream outcome"`
	Stream  stream.Status   `json:"stream" doc:"Live-stream status after the change"`
}

// NewUpdateData converts a control result.
func NewUpdateData(res control.UpdateResult) UpdateData {
	changed := res.Changed
	if changed == nil {
		changed = []string{}
	}
	return UpdateData{
		Config:  NewConfigData(res.Config),
		Changed: changed,
		Restart: res.Restart,
		Stream:  res.Stream,
	}
}

type UpdateResponse struct {
	Body UpdateData
}

// Device models
type DeviceListData struct {
	Devices []devices.Device `json:"devices" doc:"Capture devices in stable order"`
	Count   int              `json:"count" example:"1" doc:"Number of devices"`
}

type DeviceListResponse struct {
	Body DeviceListData
}

// Stream models
type StreamResponse struct {
	Body stream.Status
}

// Job models
type RecordRequestData struct {
	Filename string  `json:"filename,omitempty" example:"clip.mp4" doc:"Output file relative to the record directory"`
	Duration float64 `json:"duration,omitempty" minimum:"0" example:"10" doc:"Recording length in seconds"`
}

type RecordRequest struct {
	Body RecordRequestData
}

type SnapshotRequestData struct {
	Filename string `json:"filename,omitempty" example:"snapshot.jpg" doc:"Output file relative to the record directory"`
}

type SnapshotRequest struct {
	Body SnapshotRequestData
}

type JobIDInput struct {
	ID string `path:"id" example:"7b0c1f5e-2f5d-4c1e-9d8e-0a1b2c3d4e5f" doc:"Job identifier"`
}

type JobResponse struct {
	Body jobs.Job
}

type JobListData struct {
	Jobs  []jobs.Job `json:"jobs" doc:"Tracked jobs, newest first"`
	Count int        `json:"count" example:"2" doc:"Number of jobs"`
}

type JobListResponse struct {
	Body JobListData
}
