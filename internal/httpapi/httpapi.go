// Package httpapi implements the HTTP control plane (§6): health,
// pipeline load/status, and the WebRTC offer/answer exchange.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/daydream/scope-server/internal/errs"
	"github.com/daydream/scope-server/internal/pipeline"
	"github.com/daydream/scope-server/internal/session"
)

// PipelineLoader is the subset of *pipeline.Manager the HTTP layer uses
// to load pipelines and report status.
type PipelineLoader interface {
	Load(ctx context.Context, pipelineID string, rawParams map[string]any) (bool, error)
	Status() pipeline.StatusInfo
}

// OfferHandler is the subset of *session.Manager used to service
// WebRTC offers.
type OfferHandler interface {
	HandleOffer(ctx context.Context, req session.OfferRequest) (session.OfferAnswer, error)
}

// Server bundles the HTTP handlers behind a chi router (§6).
type Server struct {
	log       zerolog.Logger
	router    chi.Router
	pipeline  PipelineLoader
	sessions  OfferHandler
	startedAt time.Time
}

// New wires all routes named in §6.
func New(pipelineMgr PipelineLoader, sessionMgr OfferHandler) *Server {
	s := &Server{
		log:       log.With().Str("component", "httpapi").Logger(),
		pipeline:  pipelineMgr,
		sessions:  sessionMgr,
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/pipeline/load", s.handlePipelineLoad)
		api.Get("/pipeline/status", s.handlePipelineStatus)
		api.Post("/webrtc/offer", s.handleWebRTCOffer)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler, delegating to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type healthResponse struct {
	Status      string  `json:"status"`
	Timestamp   string  `json:"timestamp"`
	UptimeSecs  float64 `json:"uptime_seconds"`
	BuildCommit string  `json:"build_commit,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		UptimeSecs:  time.Since(s.startedAt).Seconds(),
		BuildCommit: buildCommit(),
	})
}

// buildCommit reads the vcs.revision setting embedded by the Go
// toolchain, mirroring the original's --version flag (app.py's
// print_version_info) without adding a build-time dependency.
func buildCommit() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return ""
}

type pipelineLoadRequest struct {
	PipelineID string         `json:"pipeline_id"`
	LoadParams map[string]any `json:"load_params"`
}

type pipelineLoadResponse struct {
	Message string `json:"message"`
}

func (s *Server) handlePipelineLoad(w http.ResponseWriter, r *http.Request) {
	var req pipelineLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PipelineID == "" {
		writeError(w, http.StatusBadRequest, "pipeline_id is required")
		return
	}

	_, err := s.pipeline.Load(r.Context(), req.PipelineID, req.LoadParams)
	if err != nil {
		s.log.Error().Err(err).Str("pipeline_id", req.PipelineID).Msg("failed to load pipeline")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, pipelineLoadResponse{Message: "Pipeline loading initiated successfully"})
}

type pipelineStatusResponse struct {
	Status     string         `json:"status"`
	PipelineID string         `json:"pipeline_id,omitempty"`
	LoadParams map[string]any `json:"load_params,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func (s *Server) handlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	info := s.pipeline.Status()
	writeJSON(w, http.StatusOK, pipelineStatusResponse{
		Status:     info.Status.String(),
		PipelineID: info.PipelineID,
		LoadParams: info.LoadParams,
		Error:      info.Error,
	})
}

type webrtcOfferRequest struct {
	SDP               string         `json:"sdp"`
	Type              string         `json:"type"`
	InitialParameters map[string]any `json:"initialParameters,omitempty"`
}

type webrtcOfferResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	var req webrtcOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	answer, err := s.sessions.HandleOffer(r.Context(), session.OfferRequest{
		SDP:               req.SDP,
		Type:              req.Type,
		InitialParameters: req.InitialParameters,
	})
	if err != nil {
		if errors.Is(err, errs.ErrInvalidState) {
			writeError(w, http.StatusBadRequest, "Pipeline not loaded. Please load pipeline first.")
			return
		}
		s.log.Error().Err(err).Msg("error handling WebRTC offer")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, webrtcOfferResponse{SDP: answer.SDP, Type: answer.Type})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response body")
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"error": detail})
}
