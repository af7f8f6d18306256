package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"escrowmarket/auth"
	"escrowmarket/escrow"
	"escrowmarket/factory"
	"escrowmarket/ledger"
	"escrowmarket/registry"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type registryService interface {
	Register(ctx context.Context, id string, feePerCase int64) (registry.Arbitrator, error)
	Deactivate(ctx context.Context, id string) error
	Reactivate(ctx context.Context, id string) error
	UpdateFee(ctx context.Context, id string, fee int64) error
	RecordResolution(ctx context.Context, id string, satisfactory bool) error
	BestArbitrator(ctx context.Context) (registry.Arbitrator, error)
	RandomArbitrator(ctx context.Context) (registry.Arbitrator, error)
	Info(ctx context.Context, id string) (registry.Arbitrator, error)
	ActiveList(ctx context.Context) ([]registry.Arbitrator, error)
	Count(ctx context.Context) (int64, error)
}

type escrowService interface {
	Accept(ctx context.Context, id, callerID string) (escrow.Deal, error)
	MarkCompleted(ctx context.Context, id, callerID string) (escrow.Deal, error)
	ReleasePayment(ctx context.Context, id, callerID string) (escrow.Deal, error)
	ClaimAfterDeadline(ctx context.Context, id, callerID string) (escrow.Deal, error)
	RaiseDispute(ctx context.Context, id, callerID, reason string, deposit int64) (escrow.Deal, error)
	ResolveDispute(ctx context.Context, id, callerID string, outcome escrow.Outcome) (escrow.Deal, error)
	Cancel(ctx context.Context, id, callerID string) (escrow.Deal, error)
	Details(ctx context.Context, id string) (escrow.Deal, error)
}

type factoryService interface {
	CreateEscrow(ctx context.Context, p factory.CreateParams) (escrow.Deal, error)
	AssignArbitrator(ctx context.Context, escrowID string) (registry.Arbitrator, error)
	SetPaused(ctx context.Context, paused bool) error
	SetDefaultDisputeFee(ctx context.Context, fee int64) error
	SetPlatformFee(ctx context.Context, bps int) error
	SetFeeRecipient(ctx context.Context, recipient string) error
	SetUnitSupport(ctx context.Context, unit string, enabled bool) error
	WithdrawFees(ctx context.Context, unit string) (int64, error)
	ListDeals(ctx context.Context, limit int) ([]escrow.Deal, error)
	ListByParticipant(ctx context.Context, userID string) ([]escrow.Deal, error)
	ListActive(ctx context.Context) ([]escrow.Deal, error)
	IsEscrow(ctx context.Context, id string) (bool, error)
	GetStats(ctx context.Context) (factory.Stats, error)
	GetConfig(ctx context.Context) (factory.Config, error)
}

// Server holds the HTTP handlers and their service dependencies.
type Server struct {
	authService     authService
	registryService registryService
	escrowService   escrowService
	factoryService  factoryService
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/api/escrows", s.handleCreateEscrow)
		r.Get("/api/escrows", s.handleListEscrows)
		r.Get("/api/escrows/{id}", withID(s.handleEscrowDetail))
		r.Get("/api/escrows/{id}/valid", withID(s.handleEscrowValidity))
		r.Post("/api/escrows/{id}/accept", withID(s.handleAccept))
		r.Post("/api/escrows/{id}/mark-completed", withID(s.handleMarkCompleted))
		r.Post("/api/escrows/{id}/release", withID(s.handleRelease))
		r.Post("/api/escrows/{id}/dispute", withID(s.handleDispute))
		r.Post("/api/escrows/{id}/resolve", withID(s.handleResolve))
		r.Post("/api/escrows/{id}/cancel", withID(s.handleCancel))
		r.Post("/api/escrows/{id}/claim", withID(s.handleClaim))
		r.Post("/api/escrows/{id}/arbitrator", withID(s.handleAssignArbitrator))

		r.Get("/api/stats", s.handleStats)
		r.Get("/api/config", s.handleConfig)

		r.Get("/api/arbitrators", s.handleArbitrators)
		r.Get("/api/arbitrators/best", s.handleBestArbitrator)
		r.Get("/api/arbitrators/random", s.handleRandomArbitrator)
		r.Get("/api/arbitrators/{id}", withID(s.handleArbitratorDetail))
		r.Patch("/api/arbitrators/fee", s.handleUpdateArbitratorFee)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)

			r.Post("/api/admin/arbitrators", s.handleRegisterArbitrator)
			r.Post("/api/admin/arbitrators/{id}/deactivate", withID(s.handleDeactivateArbitrator))
			r.Post("/api/admin/arbitrators/{id}/reactivate", withID(s.handleReactivateArbitrator))
			r.Post("/api/admin/arbitrators/{id}/complaint", withID(s.handleArbitratorComplaint))
			r.Patch("/api/admin/pause", s.handleSetPaused)
			r.Patch("/api/admin/dispute-fee", s.handleSetDisputeFee)
			r.Patch("/api/admin/platform-fee", s.handleSetPlatformFee)
			r.Patch("/api/admin/fee-recipient", s.handleSetFeeRecipient)
			r.Put("/api/admin/tokens/{unit}", s.handleSetUnitSupport)
			r.Post("/api/admin/withdraw", s.handleWithdrawFees)
		})
	})

	return r
}

// withID adapts a handler that takes the path identity explicitly, so tests
// can invoke it without a chi route context.
func withID(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, chi.URLParam(r, "id"))
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, role, err := s.authService.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if role, _ := r.Context().Value(ctxKeyRole).(auth.Role); role != auth.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps domain sentinels onto HTTP statuses. Anything
// unrecognized is a 500 and gets logged without leaking internals.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, factory.ErrNotAnEscrow),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrDeadlinePassed),
		errors.Is(err, escrow.ErrTooEarly),
		errors.Is(err, factory.ErrPaused),
		errors.Is(err, factory.ErrAlreadyAssigned),
		errors.Is(err, factory.ErrNoFeeRecipient),
		errors.Is(err, registry.ErrAlreadyExists),
		errors.Is(err, registry.ErrNotActive),
		errors.Is(err, registry.ErrNoneActive),
		errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrInsufficientFee),
		errors.Is(err, escrow.ErrInvalidOutcome),
		errors.Is(err, escrow.ErrInvalidArbitrator),
		errors.Is(err, factory.ErrTokenNotSupported),
		errors.Is(err, factory.ErrAmountMismatch),
		errors.Is(err, factory.ErrFeeTooHigh),
		errors.Is(err, registry.ErrInvalidIdentity),
		errors.Is(err, registry.ErrInvalidReputation),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientAllowance),
		errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
