package systemd

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJobResult(t *testing.T) {
	tests := []struct {
		result  string
		wantErr bool
	}{
		{"done", false},
		{"skipped", false},
		{"failed", true},
		{"timeout", true},
		{"canceled", true},
		{"dependency", true},
	}
	for _, tt := range tests {
		err := jobResult("start", "pimonitor-stream.service", tt.result)
		if (err != nil) != tt.wantErr {
			t.Errorf("jobResult(%q) = %v, wantErr %v", tt.result, err, tt.wantErr)
		}
	}
}

func TestWaitJobHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := waitJob(ctx, "stop", "x.service", make(chan string))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("waitJob() = %v, want deadline exceeded", err)
	}
}

func TestNewManagerRejectsUnknownScope(t *testing.T) {
	if _, err := NewManager(context.Background(), "session"); err == nil {
		t.Error("NewManager(session) = nil error")
	}
}
