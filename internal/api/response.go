package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fmkit/filemanager/internal/fmerr"
	"github.com/fmkit/filemanager/internal/logger"
)

type successEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type errorEnvelope struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Code    string        `json:"code"`
	Details fmerr.Details `json:"details,omitempty"`
}

type jsonResponse struct {
	status int
	data   any
}

func (j jsonResponse) Render(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, j.status, successEnvelope{Success: true, Data: j.data})
	return nil
}

type JSONOption func(*jsonResponse)

func WithStatus(status int) JSONOption {
	return func(r *jsonResponse) { r.status = status }
}

// JSON wraps v in the success envelope.
func JSON(v any, opts ...JSONOption) Response {
	r := &jsonResponse{status: http.StatusOK, data: v}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type errorResponse struct{ err error }

func (e errorResponse) Render(http.ResponseWriter, *http.Request) error { return e.err }

// Fail hands err to the route's error handler.
func Fail(err error) Response { return errorResponse{err: err} }

// Result renders v on success and err otherwise.
func Result(v any, err error, opts ...JSONOption) Response {
	if err != nil {
		return Fail(err)
	}
	return JSON(v, opts...)
}

type streamResponse func(w http.ResponseWriter, r *http.Request)

func (s streamResponse) Render(w http.ResponseWriter, r *http.Request) error {
	s(w, r)
	return nil
}

// Stream lets fn write the response itself.
func Stream(fn func(w http.ResponseWriter, r *http.Request)) Response { return streamResponse(fn) }

// ErrorWriter renders errors as the failure envelope. Internal and storage
// failures are logged; their messages are already safe for clients.
func ErrorWriter(log *slog.Logger) func(w http.ResponseWriter, r *http.Request, err error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		fe := toFmerr(err)
		switch fe.Kind {
		case fmerr.KindInternal, fmerr.KindStorage:
			log.ErrorContext(r.Context(), "request failed",
				logger.Error(err),
				slog.String("code", fe.Code),
				slog.String("path", r.URL.Path),
			)
		}
		writeJSON(w, fe.Status(), errorEnvelope{
			Success: false,
			Message: fe.Message,
			Code:    fe.Code,
			Details: fe.Details,
		})
	}
}

func toFmerr(err error) *fmerr.Error {
	if fe, ok := fmerr.As(err); ok {
		return fe
	}

	var be *bindError
	switch {
	case errors.As(err, &be):
		d := fmerr.Details{}
		d.Add(be.field, be.msg)
		return fmerr.Validation("invalid request parameters", d)
	case errors.Is(err, ErrUnsupportedMediaType):
		return fmerr.Validation("request body must be application/json", nil)
	case errors.Is(err, ErrFailedToParseJSON):
		return fmerr.Validation(err.Error(), nil)
	case errors.Is(err, ErrFailedToParseQuery), errors.Is(err, ErrFailedToParsePath):
		return fmerr.Validation(err.Error(), nil)
	}
	return fmerr.Internal("internal server error", err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
