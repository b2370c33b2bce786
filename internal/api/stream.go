package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/pimonitor/internal/api/models"
)

func (s *Server) registerStreamRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-stream",
		Method:      http.MethodGet,
		Path:        "/api/stream",
		Summary:     "Stream Status",
		Description: "Get the live-stream supervisor state",
		Tags:        []string{"stream"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.StreamResponse, error) {
		return &models.StreamResponse{Body: s.ctrl.StreamStatus()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "start-stream",
		Method:      http.MethodPost,
		Path:        "/api/stream/start",
		Summary:     "Start Stream",
		Description: "Start the live stream with the committed configuration",
		Tags:        []string{"stream"},
		Security:    withAuth(),
		Errors:      []int{401, 500},
	}, func(ctx context.Context, _ *struct{}) (*models.UpdateResponse, error) {
		res, err := s.ctrl.StartStream(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		return &models.UpdateResponse{Body: models.NewUpdateData(res)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-stream",
		Method:      http.MethodPost,
		Path:        "/api/stream/stop",
		Summary:     "Stop Stream",
		Description: "Stop the live stream until it is started again",
		Tags:        []string{"stream"},
		Security:    withAuth(),
		Errors:      []int{401, 500},
	}, func(_ context.Context, _ *struct{}) (*models.StreamResponse, error) {
		status, err := s.ctrl.StopStream()
		if err != nil {
			return nil, mapError(err)
		}
		return &models.StreamResponse{Body: status}, nil
	})
}
