package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/smileidentity/captureflow/internal/capture/l5session"
	"github.com/smileidentity/captureflow/internal/capture/pipeline"
	"github.com/smileidentity/captureflow/internal/config"
	"github.com/smileidentity/captureflow/internal/httputil"
)

const (
	apiPrefix    = "/api/capture"
	maxBodyBytes = 1 << 20
)

// Engine is the part of the pipeline the API drives.
type Engine interface {
	Thresholds() config.ThresholdConfig
	UpdateThresholds(config.ThresholdConfig) error
	Snapshot() pipeline.Status
	Retry(ctx context.Context) error
	Cancel() error
}

// Server serves the tuning API and the recorder charts.
type Server struct {
	engine   Engine
	recorder *Recorder
	router   *mux.Router
}

// NewServer builds the routes. recorder may be nil, in which case the
// chart endpoints return 404.
func NewServer(engine Engine, recorder *Recorder) *Server {
	s := &Server{engine: engine, recorder: recorder, router: mux.NewRouter()}

	// Full paths on the root router so method mismatches answer 405.
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/thresholds", s.handleGetThresholds).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/thresholds", s.handlePutThresholds).Methods(http.MethodPut)
	r.HandleFunc(apiPrefix+"/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/retry", s.handleRetry).Methods(http.MethodPost)
	r.HandleFunc(apiPrefix+"/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc(apiPrefix+"/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/timeline", s.handleTimeline).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/signals.png", s.handleSignals).Methods(http.MethodGet)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// stateResponse is GET /api/capture/state.
type stateResponse struct {
	State    string                `json:"state"`
	Phase    l5session.Phase       `json:"phase"`
	Reason   string                `json:"reason,omitempty"`
	Feedback string                `json:"feedback,omitempty"`
	Error    l5session.ErrorReason `json:"error,omitempty"`
	Retry    bool                  `json:"retryable"`
	Status   pipeline.Status       `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "OK")
}

func (s *Server) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, config.FromThresholds(s.engine.Thresholds()))
}

// handlePutThresholds overlays the request body on the current
// thresholds, so a partial document changes only the fields it names.
func (s *Server) handlePutThresholds(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadBody(r, maxBodyBytes)
	if errors.Is(err, httputil.ErrBodyTooLarge) {
		httputil.WriteJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	tuning := config.FromThresholds(s.engine.Thresholds())
	if err := httputil.DecodeStrict(body, tuning); err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := tuning.Validate(); err != nil {
		httputil.WriteJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := s.engine.UpdateThresholds(tuning.Thresholds()); err != nil {
		httputil.WriteJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	diagf("thresholds updated over API")
	httputil.WriteJSON(w, http.StatusOK, config.FromThresholds(s.engine.Thresholds()))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Snapshot()
	state := st.Session.State
	httputil.WriteJSON(w, http.StatusOK, stateResponse{
		State:    state.String(),
		Phase:    state.Phase,
		Reason:   string(st.Session.Reason),
		Feedback: st.Feedback,
		Error:    state.Error,
		Retry:    state.Phase == l5session.PhaseError && state.Error.Retryable(),
		Status:   st,
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Retry(r.Context()); err != nil {
		tracef("retry refused: %v", err)
		status := http.StatusInternalServerError
		if errors.Is(err, l5session.ErrRetryNotAllowed) || errors.Is(err, pipeline.ErrNotRunning) {
			status = http.StatusConflict
		}
		httputil.WriteJSONError(w, status, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(); err != nil && !errors.Is(err, l5session.ErrSessionTerminal) {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "recorder disabled")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.recorder.Summary())
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "recorder disabled")
		return
	}
	var buf bytes.Buffer
	if err := RenderTimeline(&buf, "Capture timeline", s.recorder.Samples(), s.recorder.Events()); err != nil {
		opsf("render timeline: %v", err)
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleSignals plots ?signals=luminance,variance (default luminance and
// variance).
func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "recorder disabled")
		return
	}
	var signals []Signal
	if raw := r.URL.Query().Get("signals"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			sig, err := ParseSignal(strings.TrimSpace(name))
			if err != nil {
				httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			signals = append(signals, sig)
		}
	}
	var buf bytes.Buffer
	err := WriteSignalPNG(&buf, "Capture signals", s.recorder.Samples(), signals...)
	if errors.Is(err, ErrNoSamples) {
		httputil.WriteJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		opsf("render signal plot: %v", err)
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
