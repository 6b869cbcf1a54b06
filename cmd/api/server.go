package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"covenant/domain"
	"covenant/governance"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

const capabilityHeader = "X-Capability"

// Server exposes the governance system over HTTP.
type Server struct {
	sys    *governance.System
	logger *zap.Logger
}

func NewServer(sys *governance.System, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{sys: sys, logger: logger}
}

// Routes builds the router. Everything except account creation, login and
// health requires a bearer token.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer, s.requestLogger)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/api", func(api chi.Router) {
		api.Post("/accounts", s.handleRegisterAccount)
		api.Post("/login", s.handleLogin)

		api.Group(func(authed chi.Router) {
			authed.Use(s.requireAuth)

			authed.Get("/reputation/{subject}", s.handleReputation)
			authed.Get("/balances/{holder}", s.handleBalance)
			authed.Post("/allowances", s.handleApprove)

			authed.Route("/agreements", func(ag chi.Router) {
				ag.Post("/", s.handleCreateAgreement)
				ag.Get("/", s.handleListAgreements)
				ag.Get("/{id}", s.handleAgreement)
				ag.Post("/{id}/sign", s.handleSign)
				ag.Post("/{id}/proceed", s.handleProceed)
				ag.Post("/{id}/complete", s.handleComplete)
				ag.Post("/{id}/void", s.handleVoid)
				ag.Get("/{id}/messages", s.handleMessages)
				ag.Post("/{id}/messages", s.handleSendMessage)
				ag.Post("/{id}/votes", s.handleVerificationVote)
				ag.Post("/{id}/resolve", s.handleResolve)
			})

			authed.Route("/disputes", func(d chi.Router) {
				d.Post("/", s.handleFileDispute)
				d.Get("/{id}", s.handleDispute)
				d.Post("/{id}/outcome", s.handleSubmitOutcome)
				d.Post("/{id}/open", s.handleOpenVoting)
				d.Post("/{id}/votes", s.handleDisputeVote)
				d.Post("/{id}/close", s.handleCloseVoting)
				d.Post("/{id}/conclude", s.handleConclude)
				d.Post("/{id}/cancel", s.handleCancelDispute)
			})
		})
	})
	return r
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "bearer token required")
			return
		}
		id, role, err := s.sys.Directory.VerifyToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, id)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("handler panic", zap.Any("panic", v), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// callerFrom returns the authenticated caller with any capability presented in
// the X-Capability header.
func callerFrom(r *http.Request) (domain.Caller, bool) {
	id, ok := r.Context().Value(ctxKeyUserID).(domain.Identity)
	if !ok || id == "" {
		return domain.Caller{}, false
	}
	return domain.Caller{ID: id, Capability: r.Header.Get(capabilityHeader)}, true
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (domain.Caller, bool) {
	c, ok := callerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
	}
	return c, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

type errorBody struct {
	RequestID string `json:"requestId"`
	Error     struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.RequestID = "req_" + uuid.NewString()
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// statusFor maps an error category onto an HTTP status and code.
func statusFor(err error) (int, string) {
	switch domain.Kind(err) {
	case domain.ErrUnauthorized:
		return http.StatusForbidden, "FORBIDDEN"
	case domain.ErrNotInvolved:
		return http.StatusForbidden, "NOT_INVOLVED"
	case domain.ErrNotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case domain.ErrInvalidState:
		return http.StatusConflict, "INVALID_STATE"
	case domain.ErrAlreadyDone:
		return http.StatusConflict, "ALREADY_DONE"
	case domain.ErrOutOfRange:
		return http.StatusBadRequest, "OUT_OF_RANGE"
	case domain.ErrTooEarly:
		return http.StatusTooEarly, "TOO_EARLY"
	case domain.ErrNotReady:
		return http.StatusConflict, "NOT_READY"
	case domain.ErrInsufficientFunds:
		return http.StatusPaymentRequired, "INSUFFICIENT_FUNDS"
	case domain.ErrInsufficientAllowance:
		return http.StatusPaymentRequired, "INSUFFICIENT_ALLOWANCE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
}

// readOptionalJSON decodes the body when one was sent.
func readOptionalJSON(r *http.Request, dst any) error {
	err := readJSON(r, dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
