package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowmarket/auth"
	"escrowmarket/escrow"
	"escrowmarket/factory"
	"escrowmarket/ledger"
	"escrowmarket/registry"
)

type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	CreatedAt   string `json:"createdAt"`
}

type dealResponse struct {
	ID               string  `json:"id"`
	BuyerID          string  `json:"buyerId"`
	SellerID         string  `json:"sellerId"`
	PaymentUnit      string  `json:"paymentUnit"`
	Amount           int64   `json:"amount"`
	Deadline         string  `json:"deadline"`
	DisputeFee       int64   `json:"disputeFee"`
	Description      string  `json:"description,omitempty"`
	State            string  `json:"state"`
	ArbitratorID     *string `json:"arbitratorId,omitempty"`
	Outcome          string  `json:"outcome,omitempty"`
	DisputeReason    *string `json:"disputeReason,omitempty"`
	FeeDeposit       int64   `json:"feeDeposit"`
	MarkedCompleteAt *string `json:"markedCompleteAt,omitempty"`
	IsActive         bool    `json:"isActive"`
	IsDeadlinePassed bool    `json:"isDeadlinePassed"`
	RemainingSeconds int64   `json:"remainingSeconds"`
	CreatedAt        string  `json:"createdAt"`
}

type arbitratorResponse struct {
	ID            string `json:"id"`
	Active        bool   `json:"active"`
	TotalCases    int64  `json:"totalCases"`
	ResolvedCases int64  `json:"resolvedCases"`
	Reputation    int    `json:"reputation"`
	FeePerCase    int64  `json:"feePerCase"`
	RegisteredAt  string `json:"registeredAt"`
}

type statsResponse struct {
	TotalCreated       int64 `json:"totalCreated"`
	TotalValueLocked   int64 `json:"totalValueLocked"`
	TotalFeesCollected int64 `json:"totalFeesCollected"`
	ActiveCount        int64 `json:"activeCount"`
}

type configResponse struct {
	Paused            bool    `json:"paused"`
	DefaultDisputeFee int64   `json:"defaultDisputeFee"`
	PlatformFeeBps    int     `json:"platformFeeBps"`
	FeeRecipient      *string `json:"feeRecipient,omitempty"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        string(u.Role),
		CreatedAt:   u.CreatedAt.Format(time.RFC3339),
	}
}

func toDealResponse(d escrow.Deal) dealResponse {
	now := time.Now()
	resp := dealResponse{
		ID:               d.ID,
		BuyerID:          d.BuyerID,
		SellerID:         d.SellerID,
		PaymentUnit:      d.PaymentUnit,
		Amount:           d.Amount,
		Deadline:         d.Deadline.Format(time.RFC3339),
		DisputeFee:       d.DisputeFee,
		Description:      d.Description,
		State:            string(d.State),
		ArbitratorID:     d.ArbitratorID,
		DisputeReason:    d.DisputeReason,
		FeeDeposit:       d.FeeDeposit,
		IsActive:         d.State.Active(),
		IsDeadlinePassed: d.IsDeadlinePassed(now),
		RemainingSeconds: int64(d.TimeRemaining(now) / time.Second),
		CreatedAt:        d.CreatedAt.Format(time.RFC3339),
	}
	if d.Outcome != escrow.OutcomeUnspecified {
		resp.Outcome = d.Outcome.String()
	}
	if d.MarkedCompleteAt != nil {
		stamped := d.MarkedCompleteAt.Format(time.RFC3339)
		resp.MarkedCompleteAt = &stamped
	}
	return resp
}

func toArbitratorResponse(a registry.Arbitrator) arbitratorResponse {
	return arbitratorResponse{
		ID:            a.ID,
		Active:        a.Active,
		TotalCases:    a.TotalCases,
		ResolvedCases: a.ResolvedCases,
		Reputation:    a.Reputation,
		FeePerCase:    a.FeePerCase,
		RegisteredAt:  a.RegisteredAt.Format(time.RFC3339),
	}
}

func toDealList(deals []escrow.Deal) map[string]any {
	items := make([]dealResponse, 0, len(deals))
	for _, d := range deals {
		items = append(items, toDealResponse(d))
	}
	return map[string]any{"items": items, "total": len(items)}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SellerID    string `json:"sellerId"`
		PaymentUnit string `json:"paymentUnit"`
		Amount      int64  `json:"amount"`
		Deadline    string `json:"deadline"`
		Description string `json:"description"`
		DisputeFee  *int64 `json:"disputeFee"`
		Deposit     int64  `json:"deposit"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	deadline, err := time.Parse(time.RFC3339, req.Deadline)
	if err != nil {
		writeError(w, http.StatusBadRequest, "deadline must be RFC3339")
		return
	}
	unit := req.PaymentUnit
	if unit == "" {
		unit = ledger.NativeUnit
	}

	deal, err := s.factoryService.CreateEscrow(r.Context(), factory.CreateParams{
		BuyerID:     callerID(r),
		SellerID:    req.SellerID,
		PaymentUnit: unit,
		Amount:      req.Amount,
		Deadline:    deadline,
		Description: req.Description,
		DisputeFee:  req.DisputeFee,
		Deposit:     req.Deposit,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDealResponse(deal))
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	var (
		deals []escrow.Deal
		err   error
	)
	switch {
	case r.URL.Query().Get("mine") == "true":
		deals, err = s.factoryService.ListByParticipant(r.Context(), callerID(r))
	case r.URL.Query().Get("active") == "true":
		deals, err = s.factoryService.ListActive(r.Context())
	default:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		deals, err = s.factoryService.ListDeals(r.Context(), limit)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealList(deals))
}

func (s *Server) handleEscrowDetail(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		writeError(w, http.StatusBadRequest, "escrow id is required")
		return
	}
	deal, err := s.escrowService.Details(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealResponse(deal))
}

// handleEscrowValidity reports whether the identity names a deal minted by
// this marketplace.
func (s *Server) handleEscrowValidity(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		writeError(w, http.StatusBadRequest, "escrow id is required")
		return
	}
	valid, err := s.factoryService.IsEscrow(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "valid": valid})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request, id string) {
	s.transition(w, r, id, s.escrowService.Accept)
}

func (s *Server) handleMarkCompleted(w http.ResponseWriter, r *http.Request, id string) {
	s.transition(w, r, id, s.escrowService.MarkCompleted)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, id string) {
	s.transition(w, r, id, s.escrowService.ReleasePayment)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	s.transition(w, r, id, s.escrowService.Cancel)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, id string) {
	s.transition(w, r, id, s.escrowService.ClaimAfterDeadline)
}

// transition runs one caller-only state machine operation and renders the deal.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, id string, op func(ctx context.Context, dealID, caller string) (escrow.Deal, error)) {
	if id == "" {
		writeError(w, http.StatusBadRequest, "escrow id is required")
		return
	}
	deal, err := op(r.Context(), id, callerID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealResponse(deal))
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		writeError(w, http.StatusBadRequest, "escrow id is required")
		return
	}
	var req struct {
		Reason  string `json:"reason"`
		Deposit int64  `json:"deposit"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	deal, err := s.escrowService.RaiseDispute(r.Context(), id, callerID(r), req.Reason, req.Deposit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealResponse(deal))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		writeError(w, http.StatusBadRequest, "escrow id is required")
		return
	}
	var req struct {
		Outcome string `json:"outcome"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	outcome, err := escrow.ParseOutcome(req.Outcome)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	deal, err := s.escrowService.ResolveDispute(r.Context(), id, callerID(r), outcome)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealResponse(deal))
}

func (s *Server) handleAssignArbitrator(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		writeError(w, http.StatusBadRequest, "escrow id is required")
		return
	}
	arb, err := s.factoryService.AssignArbitrator(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toArbitratorResponse(arb))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.factoryService.GetStats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		TotalCreated:       stats.TotalCreated,
		TotalValueLocked:   stats.TotalValueLocked,
		TotalFeesCollected: stats.TotalFeesCollected,
		ActiveCount:        stats.ActiveCount,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.factoryService.GetConfig(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse{
		Paused:            cfg.Paused,
		DefaultDisputeFee: cfg.DefaultDisputeFee,
		PlatformFeeBps:    cfg.PlatformFeeBps,
		FeeRecipient:      cfg.FeeRecipient,
	})
}

func (s *Server) handleArbitrators(w http.ResponseWriter, r *http.Request) {
	arbs, err := s.registryService.ActiveList(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	total, err := s.registryService.Count(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]arbitratorResponse, 0, len(arbs))
	for _, a := range arbs {
		items = append(items, toArbitratorResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (s *Server) handleBestArbitrator(w http.ResponseWriter, r *http.Request) {
	arb, err := s.registryService.BestArbitrator(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toArbitratorResponse(arb))
}

func (s *Server) handleRandomArbitrator(w http.ResponseWriter, r *http.Request) {
	arb, err := s.registryService.RandomArbitrator(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toArbitratorResponse(arb))
}

func (s *Server) handleArbitratorDetail(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		writeError(w, http.StatusBadRequest, "arbitrator id is required")
		return
	}
	arb, err := s.registryService.Info(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toArbitratorResponse(arb))
}

// handleUpdateArbitratorFee changes the authenticated arbitrator's own fee.
func (s *Server) handleUpdateArbitratorFee(w http.ResponseWriter, r *http.Request) {
	if role, _ := r.Context().Value(ctxKeyRole).(auth.Role); role != auth.RoleArbitrator {
		writeError(w, http.StatusForbidden, "arbitrator role required")
		return
	}
	var req struct {
		FeePerCase int64 `json:"feePerCase"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.registryService.UpdateFee(r.Context(), callerID(r), req.FeePerCase); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRegisterArbitrator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID         string `json:"id"`
		FeePerCase int64  `json:"feePerCase"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	arb, err := s.registryService.Register(r.Context(), req.ID, req.FeePerCase)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toArbitratorResponse(arb))
}

func (s *Server) handleDeactivateArbitrator(w http.ResponseWriter, r *http.Request, id string) {
	s.adminToggle(w, r, id, s.registryService.Deactivate)
}

func (s *Server) handleReactivateArbitrator(w http.ResponseWriter, r *http.Request, id string) {
	s.adminToggle(w, r, id, s.registryService.Reactivate)
}

func (s *Server) adminToggle(w http.ResponseWriter, r *http.Request, id string, fn func(ctx context.Context, id string) error) {
	if id == "" {
		writeError(w, http.StatusBadRequest, "arbitrator id is required")
		return
	}
	if err := fn(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleArbitratorComplaint records an upheld complaint as an unsatisfactory
// resolution against the arbitrator.
func (s *Server) handleArbitratorComplaint(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		writeError(w, http.StatusBadRequest, "arbitrator id is required")
		return
	}
	if err := s.registryService.RecordResolution(r.Context(), id, false); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSetPaused(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool `json:"paused"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.factoryService.SetPaused(r.Context(), req.Paused); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": req.Paused})
}

func (s *Server) handleSetDisputeFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fee int64 `json:"fee"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.factoryService.SetDefaultDisputeFee(r.Context(), req.Fee); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fee": req.Fee})
}

func (s *Server) handleSetPlatformFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Bps int `json:"bps"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.factoryService.SetPlatformFee(r.Context(), req.Bps); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bps": req.Bps})
}

func (s *Server) handleSetFeeRecipient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipient string `json:"recipient"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.factoryService.SetFeeRecipient(r.Context(), req.Recipient); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipient": req.Recipient})
}

func (s *Server) handleSetUnitSupport(w http.ResponseWriter, r *http.Request) {
	unit := chi.URLParam(r, "unit")
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.factoryService.SetUnitSupport(r.Context(), unit, req.Enabled); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unit": unit, "enabled": req.Enabled})
}

func (s *Server) handleWithdrawFees(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Unit string `json:"unit"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Unit == "" {
		req.Unit = ledger.NativeUnit
	}

	amount, err := s.factoryService.WithdrawFees(r.Context(), req.Unit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unit": req.Unit, "amount": amount})
}
