// Package logging provides structured logging with per-module log levels.
//
// Output goes to stdout when it is a terminal, pipe or file, and to the
// systemd journal when journald is reachable; both when both are.
//
// Initialize once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"stream": "debug",
//			"api":    "warn",
//		},
//	})
//
// Then take a module logger:
//
//	logger := logging.GetLogger("jobs").With("job_id", id)
//	logger.Info("Job started", "kind", kind)
//
// Journal entries carry SYSLOG_IDENTIFIER=pimonitor and every attribute as
// an upper-case field:
//
//	journalctl -t pimonitor MODULE=stream
//	journalctl -t pimonitor JOB_ID=3f1c...
package logging
