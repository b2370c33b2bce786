package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/pimonitor/internal/api/models"
)

func (s *Server) registerConfigRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/api/config",
		Summary:     "Get Config",
		Description: "Get the committed configuration",
		Tags:        []string{"config"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.ConfigResponse, error) {
		return &models.ConfigResponse{Body: models.NewConfigData(s.ctrl.GetConfig())}, nil
	})

	update := func(ctx context.Context, input *models.ConfigUpdateRequest) (*models.UpdateResponse, error) {
		res, err := s.ctrl.UpdateConfig(ctx, input.Body.Patch())
		if err != nil {
			return nil, mapError(err)
		}
		return &models.UpdateResponse{Body: models.NewUpdateData(res)}, nil
	}

	for _, route := range []struct{ id, method string }{
		{"update-config", http.MethodPost},
		{"patch-config", http.MethodPatch},
	} {
		huma.Register(s.api, huma.Operation{
			OperationID: route.id,
			Method:      route.method,
			Path:        "/api/config",
			Summary:     "Update Config",
			Description: "Merge the given fields into the configuration, persist it and apply it to the live stream. " +
				"The stream outcome is reported in the response; a failed restart does not undo the commit.",
			Tags:     []string{"config"},
			Security: withAuth(),
			Errors:   []int{400, 401, 422, 500},
		}, update)
	}
}
