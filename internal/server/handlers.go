package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/hebrew-safe-harbor/internal/document"
	"github.com/raaihank/hebrew-safe-harbor/internal/filebatch"
	"github.com/raaihank/hebrew-safe-harbor/internal/gateway"
	"github.com/raaihank/hebrew-safe-harbor/internal/logger"
	"github.com/raaihank/hebrew-safe-harbor/internal/report"
)

// WelcomeMessage is returned by the root endpoint
const WelcomeMessage = "Welcome to the Hebrew Safe Harbor!"

// WriteErrorsHeader reports how many output files a file run failed to write
const WriteErrorsHeader = "X-HSH-Write-Errors"

// DocsRequest is the /query request body
type DocsRequest struct {
	Docs []map[string]any `json:"docs"`
}

// ErrorResponse is returned for every failed request
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"message": WelcomeMessage})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.tracker.Ready()
	s.writeJSON(w, status.Code, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":              "hebrew-safe-harbor",
		"version":           s.version,
		"engine":            s.gateway.EngineName(),
		"engine_status":     s.tracker.Ready().Status,
		"cache_enabled":     s.config.Cache.Enabled,
		"audit_enabled":     s.config.Audit.Enabled,
		"rate_limit":        s.limiter != nil,
		"websocket_enabled": s.hub != nil && s.config.WebSocket.Enabled,
		"gateway":           s.gateway.Stats(),
	}
	if s.hub != nil {
		info["websocket_clients"] = s.hub.ClientCount()
		info["websocket"] = s.hub.Stats()
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req DocsRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes()))
	if err := decoder.Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if req.Docs == nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request: docs is required")
		return
	}

	docs := make([]document.InputDocument, len(req.Docs))
	for i, raw := range req.Docs {
		doc, err := document.FromMap(raw)
		if err != nil {
			s.handleFailure(w, r, err)
			return
		}
		docs[i] = doc
	}

	outputs, err := s.gateway.Process(r.Context(), docs)
	if err != nil {
		s.handleFailure(w, r, err)
		return
	}

	resp, err := report.BuildDocsResponse(outputs)
	if err != nil {
		s.handleFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePresidioFile(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "file processing is not configured")
		return
	}

	result, err := s.runner.Run(r.Context())
	if err != nil {
		s.handleFailure(w, r, err)
		return
	}

	if len(result.WriteErrors) > 0 {
		w.Header().Set(WriteErrorsHeader, strconv.Itoa(len(result.WriteErrors)))
	}
	s.writeJSON(w, http.StatusOK, result.Response)
}

// handleFailure maps a processing error to its status code. Engine error
// details stay in the log since upstream bodies may echo document text.
func (s *Server) handleFailure(w http.ResponseWriter, r *http.Request, err error) {
	log := s.logger.WithRequestID(logger.RequestIDFrom(r.Context()))

	var validation *document.ValidationError
	var engineErr *gateway.EngineError

	switch {
	case errors.As(err, &validation):
		s.writeError(w, r, http.StatusBadRequest, validation.Error())

	case errors.Is(err, gateway.ErrEngineUnavailable):
		s.writeError(w, r, http.StatusServiceUnavailable, "anonymization engine is "+s.tracker.Ready().Status)

	case errors.Is(err, filebatch.ErrInputNotFound):
		log.Warn("Input file missing", zap.Error(err))
		s.writeError(w, r, http.StatusNotFound, err.Error())

	case errors.As(err, &engineErr), errors.Is(err, report.ErrMisaligned):
		log.Error("Anonymization failed", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "anonymization engine error")

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Warn("Request cancelled", zap.Error(err))
		s.writeError(w, r, http.StatusServiceUnavailable, "request cancelled")

	default:
		log.Error("Request failed", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message, RequestID: logger.RequestIDFrom(r.Context())})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) maxBodyBytes() int64 {
	if s.config.Server.MaxBodyBytes > 0 {
		return s.config.Server.MaxBodyBytes
	}
	return 10 << 20
}
