package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/engine"
	"github.com/lvonguyen/threatmesh/internal/fanout"
	"github.com/lvonguyen/threatmesh/internal/session"
)

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.engine.Degraded() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Session handlers

// RegisterResponse is returned by session registration.
type RegisterResponse struct {
	Session                  session.Info `json:"session"`
	HeartbeatIntervalSeconds int          `json:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int          `json:"heartbeat_timeout_seconds"`
}

// SessionResponse describes one session and its delivery state.
type SessionResponse struct {
	Session session.Info         `json:"session"`
	Outbox  *fanout.OutboxStatus `json:"outbox,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req session.RegisterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxReportBytes)).Decode(&req); err != nil {
		badRequest(w, "", "invalid request body")
		return
	}

	info, err := s.sessions.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	cfg := s.sessions.Config()
	writeJSON(w, http.StatusCreated, RegisterResponse{
		Session:                  info,
		HeartbeatIntervalSeconds: int(cfg.HeartbeatInterval / time.Second),
		HeartbeatTimeoutSeconds:  int(cfg.HeartbeatTimeout / time.Second),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.sessions.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := SessionResponse{Session: info}
	if st, ok := s.fanout.Status(id); ok {
		resp.Outbox = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Heartbeat(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":     info,
		"server_time": time.Now().UTC(),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Disconnect(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Report handler

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.sessions.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxReportBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, APIError{
				Error:   "too_large",
				Message: fmt.Sprintf("report exceeds %d bytes", tooLarge.Limit),
			})
			return
		}
		badRequest(w, "", "error reading body")
		return
	}

	res, err := s.submit(r, info, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// submit runs a report from a session through the pipeline. The device
// registered with the session is the reporter.
func (s *Server) submit(r *http.Request, info session.Info, raw []byte) (engine.Result, error) {
	res, err := s.engine.Submit(r.Context(), engine.Submission{
		ReporterID: info.DeviceID,
		Raw:        raw,
	})
	if _, rerr := s.sessions.RecordReport(info.SessionID, err == nil); rerr != nil {
		s.logger.Debug("Report from closed session", zap.String("session_id", info.SessionID))
	}
	return res, err
}

// Query handlers

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats(r.Context(), s.sessions, s.fanout))
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.engine.Lookup(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// Admin handlers

// adminAuth requires "Authorization: Bearer <token>". Without a configured
// token the admin surface is closed.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := os.Getenv(s.config.AdminTokenEnv)
		if expected == "" {
			writeJSON(w, http.StatusForbidden, APIError{Error: "admin_disabled", Message: "no admin token configured"})
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			writeJSON(w, http.StatusUnauthorized, APIError{Error: "unauthorized", Message: "invalid admin token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSuppress(w http.ResponseWriter, r *http.Request) {
	ev, err := s.engine.Suppress(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleUnsuppress(w http.ResponseWriter, r *http.Request) {
	ev, err := s.engine.Unsuppress(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.DecaySweep(r.Context(), time.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"suppressed": n})
}

// handleExport streams a zstd-compressed NDJSON snapshot of the log after
// sequence "from".
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var from uint64
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			badRequest(w, "from", "must be a sequence number")
			return
		}
		from = n
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="threatmesh-%d.ndjson.zst"`, from))
	n, err := s.engine.Export(r.Context(), w, from)
	if err != nil {
		// Headers are gone; the truncated stream fails to decompress.
		s.logger.Error("Export failed", zap.Uint64("from", from), zap.Int("records", n), zap.Error(err))
		return
	}
	s.logger.Info("Log exported", zap.Uint64("from", from), zap.Int("records", n))
}
