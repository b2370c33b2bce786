package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/pimonitor/internal/api/models"
	"github.com/smazurov/pimonitor/internal/jobs"
)

func (s *Server) registerJobRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID:   "start-record",
		Method:        http.MethodPost,
		Path:          "/api/record",
		Summary:       "Record",
		Description:   "Record a clip from the capture device. Fails with 409 while the device is in use.",
		Tags:          []string{"jobs"},
		Security:      withAuth(),
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{400, 401, 409, 500},
	}, func(ctx context.Context, input *models.RecordRequest) (*models.JobResponse, error) {
		params := jobs.Params{
			Filename: input.Body.Filename,
			Duration: time.Duration(input.Body.Duration * float64(time.Second)),
		}
		return s.trigger(ctx, jobs.KindRecord, params)
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "start-snapshot",
		Method:        http.MethodPost,
		Path:          "/api/snapshot",
		Summary:       "Snapshot",
		Description:   "Capture a still image from the capture device. Fails with 409 while the device is in use.",
		Tags:          []string{"jobs"},
		Security:      withAuth(),
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{400, 401, 409, 500},
	}, func(ctx context.Context, input *models.SnapshotRequest) (*models.JobResponse, error) {
		return s.trigger(ctx, jobs.KindSnapshot, jobs.Params{Filename: input.Body.Filename})
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/api/jobs",
		Summary:     "List Jobs",
		Description: "List tracked jobs, newest first",
		Tags:        []string{"jobs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.JobListResponse, error) {
		list := s.ctrl.ListJobs()
		if list == nil {
			list = []jobs.Job{}
		}
		return &models.JobListResponse{Body: models.JobListData{Jobs: list, Count: len(list)}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/api/jobs/{id}",
		Summary:     "Get Job",
		Description: "Get one job",
		Tags:        []string{"jobs"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.JobIDInput) (*models.JobResponse, error) {
		job, err := s.ctrl.GetJobStatus(input.ID)
		if err != nil {
			return nil, mapError(err)
		}
		return &models.JobResponse{Body: job}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodDelete,
		Path:        "/api/jobs/{id}",
		Summary:     "Cancel Job",
		Description: "Terminate a running job; finished jobs are returned unchanged",
		Tags:        []string{"jobs"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.JobIDInput) (*models.JobResponse, error) {
		job, err := s.ctrl.CancelJob(input.ID)
		if err != nil {
			return nil, mapError(err)
		}
		return &models.JobResponse{Body: job}, nil
	})
}

func (s *Server) trigger(ctx context.Context, kind jobs.Kind, params jobs.Params) (*models.JobResponse, error) {
	job, err := s.ctrl.TriggerJob(ctx, kind, params)
	if err != nil {
		return nil, mapError(err)
	}
	return &models.JobResponse{Body: job}, nil
}
