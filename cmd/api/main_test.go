package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"escrowmarket/auth"
	"escrowmarket/escrow"
	"escrowmarket/factory"
	"escrowmarket/registry"
)

type stubAuthService struct {
	user      *auth.User
	loginRes  auth.LoginResult
	verifyID  string
	verifyRol auth.Role
	err       error
}

func (s *stubAuthService) Register(_ context.Context, _ auth.RegisterRequest) (*auth.User, error) {
	return s.user, s.err
}

func (s *stubAuthService) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return s.loginRes, s.err
}

func (s *stubAuthService) VerifyToken(_ string) (string, auth.Role, error) {
	return s.verifyID, s.verifyRol, s.err
}

type stubEscrowService struct {
	deal       escrow.Deal
	err        error
	lastCaller string
}

func (s *stubEscrowService) Accept(_ context.Context, _, callerID string) (escrow.Deal, error) {
	s.lastCaller = callerID
	return s.deal, s.err
}

func (s *stubEscrowService) MarkCompleted(_ context.Context, _, callerID string) (escrow.Deal, error) {
	s.lastCaller = callerID
	return s.deal, s.err
}

func (s *stubEscrowService) ReleasePayment(_ context.Context, _, callerID string) (escrow.Deal, error) {
	s.lastCaller = callerID
	return s.deal, s.err
}

func (s *stubEscrowService) ClaimAfterDeadline(_ context.Context, _, callerID string) (escrow.Deal, error) {
	s.lastCaller = callerID
	return s.deal, s.err
}

func (s *stubEscrowService) RaiseDispute(_ context.Context, _, callerID, _ string, _ int64) (escrow.Deal, error) {
	s.lastCaller = callerID
	return s.deal, s.err
}

func (s *stubEscrowService) ResolveDispute(_ context.Context, _, callerID string, _ escrow.Outcome) (escrow.Deal, error) {
	s.lastCaller = callerID
	return s.deal, s.err
}

func (s *stubEscrowService) Cancel(_ context.Context, _, callerID string) (escrow.Deal, error) {
	s.lastCaller = callerID
	return s.deal, s.err
}

func (s *stubEscrowService) Details(_ context.Context, _ string) (escrow.Deal, error) {
	return s.deal, s.err
}

type stubFactoryService struct {
	deal            escrow.Deal
	deals           []escrow.Deal
	arb             registry.Arbitrator
	stats           factory.Stats
	cfg             factory.Config
	withdrawn       int64
	isEscrow        bool
	err             error
	lastParticipant string
}

func (s *stubFactoryService) CreateEscrow(_ context.Context, _ factory.CreateParams) (escrow.Deal, error) {
	return s.deal, s.err
}

func (s *stubFactoryService) AssignArbitrator(_ context.Context, _ string) (registry.Arbitrator, error) {
	return s.arb, s.err
}

func (s *stubFactoryService) SetPaused(_ context.Context, _ bool) error { return s.err }

func (s *stubFactoryService) SetDefaultDisputeFee(_ context.Context, _ int64) error { return s.err }

func (s *stubFactoryService) SetPlatformFee(_ context.Context, _ int) error { return s.err }

func (s *stubFactoryService) SetFeeRecipient(_ context.Context, _ string) error { return s.err }
func (s *stubFactoryService) SetUnitSupport(_ context.Context, _ string, _ bool) error {
	return s.err
}

func (s *stubFactoryService) WithdrawFees(_ context.Context, _ string) (int64, error) {
	return s.withdrawn, s.err
}

func (s *stubFactoryService) ListDeals(_ context.Context, _ int) ([]escrow.Deal, error) {
	return s.deals, s.err
}

func (s *stubFactoryService) ListByParticipant(_ context.Context, userID string) ([]escrow.Deal, error) {
	s.lastParticipant = userID
	return s.deals, s.err
}

func (s *stubFactoryService) ListActive(_ context.Context) ([]escrow.Deal, error) {
	return s.deals, s.err
}

func (s *stubFactoryService) IsEscrow(_ context.Context, _ string) (bool, error) {
	return s.isEscrow, s.err
}

func (s *stubFactoryService) GetStats(_ context.Context) (factory.Stats, error) {
	return s.stats, s.err
}

func (s *stubFactoryService) GetConfig(_ context.Context) (factory.Config, error) {
	return s.cfg, s.err
}

type stubRegistryService struct {
	arb  registry.Arbitrator
	arbs []registry.Arbitrator
	n    int64
	err  error
}

func (s *stubRegistryService) Register(_ context.Context, _ string, _ int64) (registry.Arbitrator, error) {
	return s.arb, s.err
}

func (s *stubRegistryService) Deactivate(_ context.Context, _ string) error { return s.err }
func (s *stubRegistryService) Reactivate(_ context.Context, _ string) error { return s.err }
func (s *stubRegistryService) UpdateFee(_ context.Context, _ string, _ int64) error {
	return s.err
}

func (s *stubRegistryService) RecordResolution(_ context.Context, _ string, _ bool) error {
	return s.err
}

func (s *stubRegistryService) BestArbitrator(_ context.Context) (registry.Arbitrator, error) {
	return s.arb, s.err
}

func (s *stubRegistryService) RandomArbitrator(_ context.Context) (registry.Arbitrator, error) {
	return s.arb, s.err
}

func (s *stubRegistryService) Info(_ context.Context, _ string) (registry.Arbitrator, error) {
	return s.arb, s.err
}

func (s *stubRegistryService) ActiveList(_ context.Context) ([]registry.Arbitrator, error) {
	return s.arbs, s.err
}

func (s *stubRegistryService) Count(_ context.Context) (int64, error) {
	return s.n, s.err
}

func authedRequest(req *http.Request, userID string, role auth.Role) *http.Request {
	ctx := context.WithValue(req.Context(), ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	return req.WithContext(ctx)
}

func sampleDeal() escrow.Deal {
	return escrow.Deal{
		ID:          "e1",
		BuyerID:     "buyer-1",
		SellerID:    "seller-1",
		PaymentUnit: "native",
		Amount:      1_000_000,
		Deadline:    time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		DisputeFee:  5_000,
		State:       escrow.StateAccepted,
		CreatedAt:   time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestHandleEscrowDetail_Success(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{deal: sampleDeal()}}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/e1", nil)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, req, "e1")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp dealResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "e1" || resp.State != "accepted" || resp.Amount != 1_000_000 {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.Deadline != "2026-10-01T12:00:00Z" {
		t.Fatalf("unexpected deadline: %s", resp.Deadline)
	}
	if resp.Outcome != "" {
		t.Fatalf("expected no outcome before resolution, got %q", resp.Outcome)
	}
}

func TestHandleEscrowDetail_LifecycleFlags(t *testing.T) {
	live := sampleDeal()
	live.Deadline = time.Now().Add(time.Hour)
	server := &Server{escrowService: &stubEscrowService{deal: live}}

	rec := httptest.NewRecorder()
	server.handleEscrowDetail(rec, httptest.NewRequest(http.MethodGet, "/api/escrows/e1", nil), "e1")

	var resp dealResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.IsActive || resp.IsDeadlinePassed {
		t.Fatalf("accepted deal before deadline: got active=%v passed=%v", resp.IsActive, resp.IsDeadlinePassed)
	}
	if resp.RemainingSeconds <= 0 {
		t.Fatalf("expected positive remaining time, got %d", resp.RemainingSeconds)
	}

	done := sampleDeal()
	done.State = escrow.StateCompleted
	done.Deadline = time.Now().Add(-time.Hour)
	server = &Server{escrowService: &stubEscrowService{deal: done}}

	rec = httptest.NewRecorder()
	server.handleEscrowDetail(rec, httptest.NewRequest(http.MethodGet, "/api/escrows/e1", nil), "e1")

	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.IsActive || !resp.IsDeadlinePassed {
		t.Fatalf("completed deal past deadline: got active=%v passed=%v", resp.IsActive, resp.IsDeadlinePassed)
	}
	if resp.RemainingSeconds != 0 {
		t.Fatalf("expected zero remaining time, got %d", resp.RemainingSeconds)
	}
}

func TestHandleEscrowValidity(t *testing.T) {
	server := &Server{factoryService: &stubFactoryService{isEscrow: true}}

	rec := httptest.NewRecorder()
	server.handleEscrowValidity(rec, httptest.NewRequest(http.MethodGet, "/api/escrows/e1/valid", nil), "e1")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		ID    string `json:"id"`
		Valid bool   `json:"valid"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "e1" || !resp.Valid {
		t.Fatalf("unexpected payload: %+v", resp)
	}

	server = &Server{factoryService: &stubFactoryService{isEscrow: false}}
	rec = httptest.NewRecorder()
	server.handleEscrowValidity(rec, httptest.NewRequest(http.MethodGet, "/api/escrows/nope/valid", nil), "nope")

	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Valid {
		t.Fatal("expected unknown identity to be invalid")
	}
}

func TestHandleEscrowDetail_NotFound(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{err: escrow.ErrNotFound}}

	rec := httptest.NewRecorder()
	server.handleEscrowDetail(rec, httptest.NewRequest(http.MethodGet, "/api/escrows/missing", nil), "missing")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleEscrowDetail_MissingID(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{}}

	rec := httptest.NewRecorder()
	server.handleEscrowDetail(rec, httptest.NewRequest(http.MethodGet, "/api/escrows/", nil), "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleAccept_Forbidden(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{err: escrow.ErrUnauthorized}}

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/escrows/e1/accept", nil), "intruder", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleAccept(rec, req, "e1")

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleAccept_PassesCaller(t *testing.T) {
	stub := &stubEscrowService{deal: sampleDeal()}
	server := &Server{escrowService: stub}

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/escrows/e1/accept", nil), "seller-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleAccept(rec, req, "e1")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if stub.lastCaller != "seller-1" {
		t.Fatalf("expected caller seller-1, got %q", stub.lastCaller)
	}
}

func TestHandleDispute_InsufficientFee(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{err: escrow.ErrInsufficientFee}}

	body := strings.NewReader(`{"reason":"not delivered","deposit":1}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/escrows/e1/dispute", body), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleDispute(rec, req, "e1")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleResolve_UnknownOutcome(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{}}

	body := strings.NewReader(`{"outcome":"coin_flip"}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/escrows/e1/resolve", body), "arb-1", auth.RoleArbitrator)
	rec := httptest.NewRecorder()

	server.handleResolve(rec, req, "e1")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleResolve_Success(t *testing.T) {
	resolved := sampleDeal()
	resolved.State = escrow.StateResolved
	resolved.Outcome = escrow.OutcomeSplit
	server := &Server{escrowService: &stubEscrowService{deal: resolved}}

	body := strings.NewReader(`{"outcome":"split"}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/escrows/e1/resolve", body), "arb-1", auth.RoleArbitrator)
	rec := httptest.NewRecorder()

	server.handleResolve(rec, req, "e1")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp dealResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != "resolved" || resp.Outcome != "split" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleCreateEscrow_Paused(t *testing.T) {
	server := &Server{factoryService: &stubFactoryService{err: factory.ErrPaused}}

	body := strings.NewReader(`{"sellerId":"seller-1","amount":100,"deadline":"2026-10-01T12:00:00Z","deposit":100}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/escrows", body), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleCreateEscrow(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleCreateEscrow_BadDeadline(t *testing.T) {
	server := &Server{factoryService: &stubFactoryService{}}

	body := strings.NewReader(`{"sellerId":"seller-1","amount":100,"deadline":"next tuesday"}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/escrows", body), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleCreateEscrow(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleListEscrows_Mine(t *testing.T) {
	stub := &stubFactoryService{deals: []escrow.Deal{sampleDeal()}}
	server := &Server{factoryService: stub}

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/api/escrows?mine=true", nil), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleListEscrows(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if stub.lastParticipant != "buyer-1" {
		t.Fatalf("expected participant buyer-1, got %q", stub.lastParticipant)
	}

	var payload struct {
		Items []dealResponse `json:"items"`
		Total int            `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Total != 1 || payload.Items[0].ID != "e1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleAssignArbitrator_NoneActive(t *testing.T) {
	server := &Server{factoryService: &stubFactoryService{err: registry.ErrNoneActive}}

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/escrows/e1/arbitrator", nil), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleAssignArbitrator(rec, req, "e1")

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleStats_Success(t *testing.T) {
	server := &Server{factoryService: &stubFactoryService{
		stats: factory.Stats{TotalCreated: 12, TotalValueLocked: 900, TotalFeesCollected: 30, ActiveCount: 4},
	}}

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/api/stats", nil), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TotalCreated != 12 || resp.ActiveCount != 4 {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleUpdateArbitratorFee_RequiresArbitratorRole(t *testing.T) {
	server := &Server{registryService: &stubRegistryService{}}

	body := strings.NewReader(`{"feePerCase":500}`)
	req := authedRequest(httptest.NewRequest(http.MethodPatch, "/api/arbitrators/fee", body), "user-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleUpdateArbitratorFee(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleRegisterArbitrator_Duplicate(t *testing.T) {
	server := &Server{registryService: &stubRegistryService{err: registry.ErrAlreadyExists}}

	body := strings.NewReader(`{"id":"11111111-1111-1111-1111-111111111111","feePerCase":500}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/admin/arbitrators", body), "admin-1", auth.RoleAdmin)
	rec := httptest.NewRecorder()

	server.handleRegisterArbitrator(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestRoutes_Unauthenticated(t *testing.T) {
	server := &Server{
		authService:    &stubAuthService{err: errors.New("bad token")},
		factoryService: &stubFactoryService{},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()

	server.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRoutes_AdminForbiddenForTrader(t *testing.T) {
	server := &Server{
		authService:    &stubAuthService{verifyID: "user-1", verifyRol: auth.RoleTrader},
		factoryService: &stubFactoryService{},
	}

	req := httptest.NewRequest(http.MethodPatch, "/api/admin/pause", strings.NewReader(`{"paused":true}`))
	req.Header.Set("Authorization", "Bearer some-token")
	rec := httptest.NewRecorder()

	server.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRoutes_AdminAllowed(t *testing.T) {
	server := &Server{
		authService:    &stubAuthService{verifyID: "admin-1", verifyRol: auth.RoleAdmin},
		factoryService: &stubFactoryService{},
	}

	req := httptest.NewRequest(http.MethodPatch, "/api/admin/pause", strings.NewReader(`{"paused":true}`))
	req.Header.Set("Authorization", "Bearer some-token")
	rec := httptest.NewRecorder()

	server.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
