// Package httpapi exposes the daemon's scanning session over a local HTTP API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tiroq/qrscan/internal/capture"
	"github.com/tiroq/qrscan/internal/ipc"
	"github.com/tiroq/qrscan/internal/scanerr"
	"github.com/tiroq/qrscan/internal/session"
	"github.com/tiroq/qrscan/internal/validation"
)

// Event is one server-sent event.
type Event struct {
	Type string      `json:"type"` // "state", "decode" or "error"
	Data interface{} `json:"data"`
}

// Controller is the daemon side of the API.
type Controller interface {
	Status() ipc.StatusSnapshot
	Devices() []capture.Device
	// Apply runs a command exactly as if it arrived through cmd.txt.
	Apply(ctx context.Context, req ipc.Request) error
	// Watch streams events until ctx is done.
	Watch(ctx context.Context) (<-chan Event, error)
}

type server struct {
	ctl Controller
}

// NewHandler builds the router. metrics may be nil.
func NewHandler(ctl Controller, metrics http.Handler) http.Handler {
	s := &server{ctl: ctl}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.getStatus)
	r.Get("/devices", s.getDevices)
	r.Get("/events", s.subscribeEvents)

	r.Route("/scan", func(r chi.Router) {
		r.Post("/start", s.command(ipc.CmdStart))
		r.Post("/stop", s.command(ipc.CmdStop))
		r.Post("/retry", s.command(ipc.CmdRetry))
		r.Post("/rearm", s.command(ipc.CmdRearm))
		r.Post("/torch", s.setTorch)
		r.Post("/camera", s.switchCamera)
	})

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

// errorResponse is the body of every non-2xx answer.
type errorResponse struct {
	Error       string       `json:"error"`
	Code        scanerr.Code `json:"code,omitempty"`
	Remediation string       `json:"remediation,omitempty"`
	Fixes       []string     `json:"fixes,omitempty"`
}

func (s *server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *server) getDevices(w http.ResponseWriter, r *http.Request) {
	devs := s.ctl.Devices()
	if devs == nil {
		devs = []capture.Device{}
	}
	writeJSON(w, http.StatusOK, devs)
}

func (s *server) command(cmd ipc.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.apply(w, r, ipc.Request{Cmd: cmd})
	}
}

func (s *server) setTorch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		On *bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.On == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: `body must be {"on": true|false}`})
		return
	}
	cmd := ipc.CmdTorchOff
	if *body.On {
		cmd = ipc.CmdTorchOn
	}
	s.apply(w, r, ipc.Request{Cmd: cmd})
}

func (s *server) switchCamera(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: `body must be {"device_id": "<id>"}`})
		return
	}
	s.apply(w, r, ipc.Request{Cmd: ipc.CmdSwitch, Arg: body.DeviceID})
}

func (s *server) apply(w http.ResponseWriter, r *http.Request, req ipc.Request) {
	if err := s.ctl.Apply(r.Context(), req); err != nil {
		status, resp := errorFor(err)
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

// errorFor maps session errors onto HTTP statuses.
func errorFor(err error) (int, errorResponse) {
	resp := errorResponse{Error: err.Error()}

	var se *scanerr.Error
	switch {
	case errors.Is(err, session.ErrUnknownDevice):
		return http.StatusNotFound, resp
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrClosed):
		return http.StatusConflict, resp
	case errors.As(err, &se):
		resp.Code = se.Code
		resp.Remediation = se.Remediation()
		resp.Fixes = validation.SuggestedFixes(se.Code, se.Message)
		return http.StatusUnprocessableEntity, resp
	}
	return http.StatusInternalServerError, resp
}

// subscribeEvents handles GET /events (SSE).
func (s *server) subscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	events, err := s.ctl.Watch(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Watch error: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				log.Printf("Warning: failed to encode %s event: %v", ev.Type, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Warning: failed to encode response: %v", err)
	}
}
