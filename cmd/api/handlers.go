package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"covenant/agreement"
	"covenant/auth"
	"covenant/channel"
	"covenant/dispute"
	"covenant/domain"
	"covenant/signing"
)

type accountResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"createdAt"`
}

func toAccountResponse(acc domain.Account) accountResponse {
	return accountResponse{
		ID:        string(acc.ID),
		Role:      string(acc.Role),
		Active:    acc.Active,
		CreatedAt: acc.CreatedAt.Format(time.RFC3339),
	}
}

type agreementResponse struct {
	ID                    int64  `json:"id"`
	Status                string `json:"status"`
	Outcome               string `json:"outcome"`
	CommonType            uint8  `json:"commonType"`
	DisputeType           uint8  `json:"disputeType"`
	Initiator             string `json:"initiator"`
	Respondent            string `json:"respondent"`
	SignedCount           int    `json:"signedCount"`
	VerifierQuota         int    `json:"verifierQuota"`
	ApproveCount          int    `json:"approveCount"`
	RejectCount           int    `json:"rejectCount"`
	PendingCompletion     bool   `json:"pendingCompletion"`
	CompletionRequestedBy string `json:"completionRequestedBy,omitempty"`
	DisputeRef            string `json:"disputeRef,omitempty"`
	CreatedAt             string `json:"createdAt"`
	VerificationOpenedAt  string `json:"verificationOpenedAt"`
}

func toAgreementResponse(rec domain.Agreement) agreementResponse {
	return agreementResponse{
		ID:                    rec.ID,
		Status:                rec.Status.String(),
		Outcome:               rec.Outcome.String(),
		CommonType:            rec.CommonType,
		DisputeType:           rec.DisputeType,
		Initiator:             string(rec.Parties.Initiator),
		Respondent:            string(rec.Parties.Respondent),
		SignedCount:           rec.Parties.SignedCount,
		VerifierQuota:         rec.VerifierQuota,
		ApproveCount:          rec.ApproveCount,
		RejectCount:           rec.RejectCount,
		PendingCompletion:     rec.PendingCompletion,
		CompletionRequestedBy: string(rec.CompletionRequestedBy),
		DisputeRef:            rec.DisputeRef,
		CreatedAt:             rec.CreatedAt.Format(time.RFC3339),
		VerificationOpenedAt:  rec.VerificationWindowStart.Format(time.RFC3339),
	}
}

type messageResponse struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
	SentAt string `json:"sentAt"`
}

func toMessageResponse(m channel.Message) messageResponse {
	return messageResponse{Sender: string(m.Sender), Text: m.Text, SentAt: m.SentAt.Format(time.RFC3339)}
}

type disputeResponse struct {
	ID                string          `json:"id"`
	AgreementID       int64           `json:"agreementId"`
	Initiator         string          `json:"initiator"`
	Respondent        string          `json:"respondent"`
	Title             string          `json:"title,omitempty"`
	Description       string          `json:"description,omitempty"`
	InitiatorOutcome  string          `json:"initiatorOutcome,omitempty"`
	RespondentOutcome string          `json:"respondentOutcome,omitempty"`
	State             string          `json:"state"`
	FinalOutcome      string          `json:"finalOutcome,omitempty"`
	CreatedAt         string          `json:"createdAt"`
	VotingOpenedAt    *string         `json:"votingOpenedAt,omitempty"`
	ConcludedAt       *string         `json:"concludedAt,omitempty"`
	Ballots           []ballotPayload `json:"ballots,omitempty"`
}

type ballotPayload struct {
	Voter             string `json:"voter"`
	SupportsInitiator bool   `json:"supportsInitiator"`
	Weight            int    `json:"weight"`
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.Format(time.RFC3339)
	return &v
}

func toDisputeResponse(sess domain.DisputeSession, ballots []domain.DisputeBallot) disputeResponse {
	resp := disputeResponse{
		ID:                sess.ID,
		AgreementID:       sess.AgreementID,
		Initiator:         string(sess.Initiator),
		Respondent:        string(sess.Respondent),
		Title:             sess.Title,
		Description:       sess.Description,
		InitiatorOutcome:  sess.InitiatorOutcome,
		RespondentOutcome: sess.RespondentOutcome,
		State:             sess.State.String(),
		FinalOutcome:      sess.FinalOutcome,
		CreatedAt:         sess.CreatedAt.Format(time.RFC3339),
		VotingOpenedAt:    formatOptional(sess.VotingOpenedAt),
		ConcludedAt:       formatOptional(sess.ConcludedAt),
	}
	for _, b := range ballots {
		resp.Ballots = append(resp.Ballots, ballotPayload{Voter: string(b.Voter), SupportsInitiator: b.SupportsInitiator, Weight: b.Weight})
	}
	return resp
}

func agreementID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "invalid agreement id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleRegisterAccount(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	acc, err := s.sys.Directory.Register(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(*acc))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := s.sys.Directory.Login(r.Context(), req)
	if errors.Is(err, domain.ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   res.Token,
		"account": toAccountResponse(res.Account),
	})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	subject := domain.Identity(chi.URLParam(r, "subject"))
	score, err := s.sys.Reputation.Score(r.Context(), subject)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subject": subject, "score": score})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	holder := domain.Identity(chi.URLParam(r, "holder"))
	balance, err := s.sys.Tokens.BalanceOf(r.Context(), holder)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"holder": holder, "balance": balance})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Spender string `json:"spender"`
		Amount  int64  `json:"amount"`
	}
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Spender == "" {
		badRequest(w, "spender is required")
		return
	}
	if err := s.sys.Tokens.Approve(r.Context(), caller, domain.Identity(req.Spender), req.Amount); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateAgreement(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Ref         string `json:"ref"`
		CommonType  uint8  `json:"commonType"`
		DisputeType uint8  `json:"disputeType"`
		Initiator   string `json:"initiator"`
		Respondent  string `json:"respondent"`
	}
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	id, err := s.sys.Registry.Register(r.Context(), caller, agreement.RegisterParams{
		Ref:         req.Ref,
		CommonType:  req.CommonType,
		DisputeType: req.DisputeType,
		Initiator:   domain.Identity(req.Initiator),
		Respondent:  domain.Identity(req.Respondent),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.sys.Registry.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgreementResponse(rec))
}

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	recs, err := s.sys.Registry.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]agreementResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, toAgreementResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleAgreement(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	rec, err := s.sys.Registry.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(rec))
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	var req struct {
		Nonce   uint64 `json:"nonce"`
		Role    uint8  `json:"role"`
		Payload string `json:"payload"`
		Terms   string `json:"terms"`
	}
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	hash, err := s.sys.Signer.Sign(r.Context(), caller, signing.Message{
		AgreementID: id,
		Nonce:       req.Nonce,
		Role:        req.Role,
		Payload:     []byte(req.Payload),
		Terms:       []byte(req.Terms),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hash": hash})
}

// transition runs a party action where the caller acts for itself.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, act func(domain.Caller, int64) error) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	if err := act(caller, id); err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.sys.Registry.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(rec))
}

func (s *Server) handleProceed(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(c domain.Caller, id int64) error {
		return s.sys.Registry.Proceed(r.Context(), c, id, c.ID)
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(c domain.Caller, id int64) error {
		return s.sys.Registry.RequestCompletion(r.Context(), c, id, c.ID)
	})
}

func (s *Server) handleVoid(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(c domain.Caller, id int64) error {
		return s.sys.Registry.Void(r.Context(), c, id, c.ID)
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	msgs, err := s.sys.Channel.Messages(r.Context(), caller, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	msg, err := s.sys.Channel.Send(r.Context(), caller, id, req.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func parseSide(v string) (domain.Side, bool) {
	switch v {
	case "approve":
		return domain.SideApprove, true
	case "reject":
		return domain.SideReject, true
	default:
		return 0, false
	}
}

func (s *Server) handleVerificationVote(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	var req struct {
		Side string `json:"side"`
	}
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	side, ok := parseSide(req.Side)
	if !ok {
		badRequest(w, "side must be approve or reject")
		return
	}
	if err := s.sys.Verification.CastVote(r.Context(), caller, id, side); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := agreementID(w, r)
	if !ok {
		return
	}
	outcome, err := s.sys.Verification.Resolve(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.sys.Registry.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome":   outcome.String(),
		"agreement": toAgreementResponse(rec),
	})
}

func (s *Server) handleFileDispute(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		AgreementID int64  `json:"agreementId"`
		DisputeType uint8  `json:"disputeType"`
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.AgreementID <= 0 {
		badRequest(w, "agreementId is required")
		return
	}
	sess, err := s.sys.Disputes.File(r.Context(), caller, dispute.FileParams{
		AgreementID: req.AgreementID,
		DisputeType: req.DisputeType,
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(sess, nil))
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sys.Disputes.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ballots, err := s.sys.Disputes.Ballots(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(sess, ballots))
}

// sessionAction runs a dispute step and renders the updated session.
func (s *Server) sessionAction(w http.ResponseWriter, r *http.Request, act func(domain.Caller, string) (domain.DisputeSession, error)) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	sess, err := act(caller, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(sess, nil))
}

func (s *Server) handleSubmitOutcome(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	s.sessionAction(w, r, func(c domain.Caller, id string) (domain.DisputeSession, error) {
		return s.sys.Disputes.SubmitOutcome(r.Context(), c, id, req.Outcome)
	})
}

func (s *Server) handleOpenVoting(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, func(c domain.Caller, id string) (domain.DisputeSession, error) {
		return s.sys.Disputes.OpenVoting(r.Context(), c, id)
	})
}

func (s *Server) handleDisputeVote(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		SupportsInitiator bool `json:"supportsInitiator"`
		Weight            int  `json:"weight"`
	}
	if err := readJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.sys.Disputes.Vote(r.Context(), caller, chi.URLParam(r, "id"), req.SupportsInitiator, req.Weight); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCloseVoting closes an elapsed session, or any open session when the
// body asks for force and the caller is an administrator.
func (s *Server) handleCloseVoting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force bool `json:"force"`
	}
	if err := readOptionalJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	s.sessionAction(w, r, func(c domain.Caller, id string) (domain.DisputeSession, error) {
		if req.Force {
			return s.sys.Disputes.ForceCloseVoting(r.Context(), c, id)
		}
		return s.sys.Disputes.CloseVoting(r.Context(), id)
	})
}

func (s *Server) handleConclude(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, func(c domain.Caller, id string) (domain.DisputeSession, error) {
		return s.sys.Disputes.Conclude(r.Context(), c, id)
	})
}

func (s *Server) handleCancelDispute(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, func(c domain.Caller, id string) (domain.DisputeSession, error) {
		return s.sys.Disputes.Cancel(r.Context(), c, id)
	})
}
