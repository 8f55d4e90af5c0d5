package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"writingbuddy/internal/util"
	"writingbuddy/pkg/ai"
	"writingbuddy/pkg/domain"
	"writingbuddy/services/writing/internal/app"
)

const maxBodyBytes = 1 << 20

// TokenVerifier resolves a bearer token to an owner id.
type TokenVerifier interface {
	VerifySubject(ctx context.Context, token string) (string, error)
}

// Limiter throttles provider-backed requests per owner.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  TokenVerifier
	Limiter        Limiter
	Locale         string
	CORSOrigins    []string
	TrustedProxies *util.TrustedProxies
}

// Server exposes the session and chat HTTP API.
type Server struct {
	app            *app.App
	tokenVerifier  TokenVerifier
	limiter        Limiter
	locale         string
	corsOrigins    []string
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	locale := cfg.Locale
	if _, ok := catalog[locale]; !ok {
		locale = "en"
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		limiter:        cfg.Limiter,
		locale:         locale,
		corsOrigins:    cfg.CORSOrigins,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.corsOrigins, h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog("writing", s.trustedProxies, h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.Handle("/api/sessions", s.withUser(s.handleSessions))
	s.mux.Handle("/api/sessions/", s.withUser(s.handleSession))
	s.mux.Handle("/api/chat", s.withUser(s.withRateLimit(s.handleChat)))
	s.mux.Handle("/api/chat/finish", s.withUser(s.withRateLimit(s.handleFinish)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			util.LoggerFromContext(r.Context()).Error("token verifier not configured")
			writeError(w, http.StatusInternalServerError, s.message(msgInternal))
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, s.message(msgUnauthorized))
			return
		}
		ownerID, err := s.tokenVerifier.VerifySubject(r.Context(), token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Info("token_rejected", "err", err)
			writeError(w, http.StatusUnauthorized, s.message(msgUnauthorized))
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("owner_id", ownerID))
		next(w, r.WithContext(ctx), ownerID)
	})
}

func (s *Server) withRateLimit(next userHandler) userHandler {
	return func(w http.ResponseWriter, r *http.Request, ownerID string) {
		if s.limiter != nil {
			if ok, retryAfter := s.limiter.Allow(r.Context(), "owner:"+ownerID); !ok {
				secs := int(retryAfter.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, http.StatusTooManyRequests, s.message(msgRateLimited))
				return
			}
		}
		next(w, r, ownerID)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, ownerID string) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.app.ListSessions(r.Context(), ownerID)
		if err != nil {
			s.writeAppError(w, r, err, errorKeys{})
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var req createSessionRequest
		if !s.decodeJSON(w, r, &req) {
			return
		}
		kind := strings.TrimSpace(req.Kind)
		if kind == "" {
			kind = strings.TrimSpace(req.Type)
		}
		if strings.TrimSpace(req.Title) == "" || kind == "" {
			writeError(w, http.StatusBadRequest, s.message(msgTitleKindRequired))
			return
		}
		session, err := s.app.CreateSession(r.Context(), ownerID, req.Title, domain.SessionKind(kind))
		if err != nil {
			s.writeAppError(w, r, err, errorKeys{validation: msgInvalidKind})
			return
		}
		writeJSON(w, http.StatusCreated, session)
	default:
		s.methodNotAllowed(w)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, ownerID string) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, s.message(msgSessionNotFound))
		return
	}
	switch r.Method {
	case http.MethodGet:
		detail, err := s.app.GetSessionDetail(r.Context(), ownerID, id)
		if err != nil {
			s.writeAppError(w, r, err, errorKeys{})
			return
		}
		writeJSON(w, http.StatusOK, detail)
	case http.MethodPatch:
		var req updateSessionRequest
		if !s.decodeJSON(w, r, &req) {
			return
		}
		patch := domain.SessionPatch{Title: req.Title}
		if req.Status != nil {
			status := domain.SessionStatus(strings.TrimSpace(*req.Status))
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, s.message(msgInvalidStatus))
				return
			}
			patch.Status = &status
		}
		session, err := s.app.UpdateSession(r.Context(), ownerID, id, patch)
		if err != nil {
			s.writeAppError(w, r, err, errorKeys{validation: msgInvalidTitle, invalidState: msgIllegalTransition})
			return
		}
		writeJSON(w, http.StatusOK, session)
	default:
		s.methodNotAllowed(w)
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req chatRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID <= 0 || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, s.message(msgChatFieldsMissing))
		return
	}
	reply, err := s.app.SubmitTurn(r.Context(), ownerID, int64(req.SessionID), req.Message)
	if err != nil {
		s.writeAppError(w, r, err, errorKeys{validation: msgChatFieldsMissing})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Message: reply})
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req finishRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID <= 0 {
		writeError(w, http.StatusBadRequest, s.message(msgSessionIDRequired))
		return
	}
	feedback, err := s.app.FinishSession(r.Context(), ownerID, int64(req.SessionID))
	if err != nil {
		s.writeAppError(w, r, err, errorKeys{validation: msgSessionIDRequired})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Message: feedback})
}

// errorKeys picks the user-facing message for the client-error classes of
// one endpoint.
type errorKeys struct {
	validation   string
	invalidState string
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error, keys errorKeys) {
	logger := util.LoggerFromContext(r.Context())
	var perr *ai.ProviderError
	switch {
	case errors.Is(err, domain.ErrValidation):
		key := keys.validation
		if key == "" {
			key = msgInvalidJSON
		}
		writeError(w, http.StatusBadRequest, s.message(key))
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, s.message(msgSessionNotFound))
	case errors.Is(err, domain.ErrInvalidState):
		key := keys.invalidState
		if key == "" {
			key = msgSessionCompleted
		}
		writeError(w, http.StatusBadRequest, s.message(key))
	case errors.Is(err, app.ErrSessionBusy):
		writeError(w, http.StatusConflict, s.message(msgSessionBusy))
	case errors.As(err, &perr):
		logger.Error("provider_error", "provider", perr.Provider, "status", perr.Status, "err", err)
		writeError(w, http.StatusInternalServerError, s.message(msgAIUnavailable))
	default:
		logger.Error("request_failed", "err", err)
		writeError(w, http.StatusInternalServerError, s.message(msgInternal))
	}
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, s.message(msgInvalidJSON))
		return false
	}
	return true
}

func (s *Server) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, s.message(msgMethodNotAllowed))
}

type createSessionRequest struct {
	Title string `json:"title"`
	Kind  string `json:"kind"`
	// Type is the field name used by older clients.
	Type string `json:"type"`
}

type updateSessionRequest struct {
	Status *string `json:"status"`
	Title  *string `json:"title"`
}

// sessionID accepts both 12 and "12".
type sessionID int64

func (id *sessionID) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*id = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*id = sessionID(n)
	return nil
}

type chatRequest struct {
	SessionID sessionID `json:"sessionId"`
	Message   string    `json:"message"`
}

type finishRequest struct {
	SessionID sessionID `json:"sessionId"`
}

type chatResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
