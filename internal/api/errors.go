package api

import (
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/pimonitor/internal/errs"
	"github.com/smazurov/pimonitor/internal/settings"
)

// FieldError names one failing input.
type FieldError struct {
	Field   string `json:"field" example:"FPS" doc:"Offending field"`
	Message string `json:"message" example:"must be one of 5, 10, 15, 20, 25, 30" doc:"Why it failed"`
}

// ErrorBody is the error shape of every non-2xx response.
type ErrorBody struct {
	status    int
	ErrorKind errs.Kind    `json:"errorKind" example:"busy" doc:"Failure classification"`
	Message   string       `json:"message" example:"capture device is held by stream" doc:"Human readable description"`
	Field     string       `json:"field,omitempty" example:"filename" doc:"Offending field for single-field failures"`
	Details   []FieldError `json:"details,omitempty" doc:"Every failing field"`
}

func (e *ErrorBody) Error() string {
	return e.Message
}

// GetStatus implements huma.StatusError.
func (e *ErrorBody) GetStatus() int {
	return e.status
}

func init() {
	huma.NewError = newHumaError
}

// newHumaError renders huma's own failures (bad JSON, schema violations,
// auth) in the same shape as domain errors.
func newHumaError(status int, msg string, causes ...error) huma.StatusError {
	body := &ErrorBody{status: status, Message: msg, ErrorKind: kindForStatus(status)}
	for _, cause := range causes {
		if cause == nil {
			continue
		}
		var d huma.ErrorDetailer
		if errors.As(cause, &d) {
			detail := d.ErrorDetail()
			body.Details = append(body.Details, FieldError{Field: detail.Location, Message: detail.Message})
			continue
		}
		body.Details = append(body.Details, FieldError{Message: cause.Error()})
	}
	return body
}

func kindForStatus(status int) errs.Kind {
	switch {
	case status == http.StatusNotFound:
		return errs.KindNotFound
	case status == http.StatusConflict:
		return errs.KindBusy
	case status == http.StatusGatewayTimeout:
		return errs.KindTimeout
	case status >= 500:
		return errs.KindInternal
	default:
		return errs.KindValidation
	}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation, errs.KindIndexOutOfRange:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindBusy:
		return http.StatusConflict
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// mapError converts a control error into an API error.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var invalid *settings.ValidationErrors
	if errors.As(err, &invalid) {
		body := &ErrorBody{
			status:    http.StatusUnprocessableEntity,
			ErrorKind: errs.KindValidation,
			Message:   "invalid configuration",
		}
		for _, f := range invalid.Fields {
			body.Details = append(body.Details, FieldError{Field: f.Field, Message: f.Message})
		}
		if len(body.Details) == 1 {
			body.Field = body.Details[0].Field
		}
		return body
	}

	kind := errs.KindOf(err)
	body := &ErrorBody{status: statusFor(kind), ErrorKind: kind, Message: err.Error()}
	var e *errs.Error
	if errors.As(err, &e) {
		body.Field = e.Field
		body.Message = e.Message
		if e.Cause != nil && kind != errs.KindInternal {
			body.Details = []FieldError{{Field: e.Field, Message: e.Cause.Error()}}
		}
	}
	return body
}
