/*
handlers.go - HTTP API handlers for the rewards ledger

PURPOSE:
  Exposes the ledger, streaks and achievements via REST API. Handles HTTP
  request/response and JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                       Open account
    GET    /api/accounts/{id}/balance          Balance projection
    GET    /api/accounts/{id}/history          Paged entries (page_token, limit)
    GET    /api/accounts/{id}/audit            Audit trail (from, to: RFC 3339)
    GET    /api/accounts/{id}/verify           Replay history and check conservation
    POST   /api/families/{familyID}/archive    Soft-archive a family

  Ledger:
    POST   /api/tasks/{taskID}/approved        Award points for an approved task
    POST   /api/rewards/{rewardID}/redemptions Redeem points for a reward

  Members:
    PUT    /api/members/{memberID}             Set timezone
    GET    /api/members/{memberID}/streak      Streak state
    GET    /api/members/{memberID}/achievements Achievement progress

  Scenarios:
    GET    /api/scenarios                      List demo scenarios
    POST   /api/scenarios/load                 Run one (see scenarios.go)

ERROR HANDLING:
  Errors are returned as JSON with kind and safe-to-retry flag:
  - 200: Duplicate operation (original receipt, replayed=true)
  - 400: Invariant violation, malformed input
  - 404: Account not found
  - 409: Account archived, account exists with another owner
  - 410: Stale idempotency key
  - 422: Insufficient balance
  - 503: Contention (Retry-After set)
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Actor ids are taken from the request as given; an
  auth layer in front of this service is expected to set them.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/chore-rewards/achievement"
	"github.com/warp/chore-rewards/ledger"
	"github.com/warp/chore-rewards/streak"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger       *ledger.Ledger
	Streaks      *streak.Engine
	Achievements *achievement.Evaluator
	Log          *zap.Logger
}

// NewHandler creates a handler.
func NewHandler(l *ledger.Ledger, streaks *streak.Engine, achievements *achievement.Evaluator, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Ledger: l, Streaks: streaks, Achievements: achievements, Log: log}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// OpenAccount creates (or returns) a member's account.
// POST /api/accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if !decode(w, r, &req) {
		return
	}
	acct, err := h.Ledger.OpenAccount(r.Context(), ledger.OpenAccountRequest{
		AccountID: ledger.AccountID(req.AccountID),
		FamilyID:  ledger.FamilyID(req.FamilyID),
		MemberID:  ledger.MemberID(req.MemberID),
		ActorID:   req.ActorID,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

// GetBalance returns the account projection.
// GET /api/accounts/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Ledger.Balance(r.Context(), ledger.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetHistory returns one page of entries, oldest first.
// GET /api/accounts/{id}/history?page_token=&limit=
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, ledger.KindInvariantViolation, "Invalid limit", err)
			return
		}
		limit = n
	}

	page, err := h.Ledger.History(r.Context(), ledger.AccountID(chi.URLParam(r, "id")), r.URL.Query().Get("page_token"), limit)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dto := HistoryDTO{Entries: make([]EntryDTO, len(page.Entries)), NextPageToken: page.NextPageToken}
	for i, e := range page.Entries {
		dto.Entries[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetAudit returns audit lines in [from, to).
// GET /api/accounts/{id}/audit?from=&to=
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	filter := ledger.AuditFilter{AccountID: ledger.AccountID(chi.URLParam(r, "id"))}
	var err error
	if filter.From, err = parseTimeParam(r, "from"); err != nil {
		writeError(w, http.StatusBadRequest, ledger.KindInvariantViolation, "Invalid from (use RFC 3339)", err)
		return
	}
	if filter.To, err = parseTimeParam(r, "to"); err != nil {
		writeError(w, http.StatusBadRequest, ledger.KindInvariantViolation, "Invalid to (use RFC 3339)", err)
		return
	}

	lines, err := h.Ledger.Audit(r.Context(), filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]AuditEntryDTO, len(lines))
	for i, a := range lines {
		dtos[i] = toAuditDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// VerifyAccount replays the account's history.
// GET /api/accounts/{id}/verify
func (h *Handler) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	report, err := h.Ledger.Verify(r.Context(), ledger.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyDTO{
		AccountID: string(report.AccountID),
		OK:        report.OK(),
		Entries:   report.Entries,
		Earned:    report.Earned,
		Redeemed:  report.Redeemed,
		Balance:   report.Balance,
		Problems:  report.Problems,
	})
}

// ArchiveFamily soft-archives every account of a family.
// POST /api/families/{familyID}/archive
func (h *Handler) ArchiveFamily(w http.ResponseWriter, r *http.Request) {
	var req ArchiveRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	family := chi.URLParam(r, "familyID")
	n, err := h.Ledger.ArchiveFamily(r.Context(), ledger.FamilyID(family), req.ActorID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ArchiveDTO{FamilyID: family, Archived: n})
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// ApproveTask awards points for an approved task.
// POST /api/tasks/{taskID}/approved
func (h *Handler) ApproveTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSubmit(w, r)
	if !ok {
		return
	}
	receipt, err := h.Ledger.Award(r.Context(), ledger.AwardRequest{
		AccountID:      ledger.AccountID(req.AccountID),
		SourceRef:      chi.URLParam(r, "taskID"),
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		ActorID:        req.ActorID,
		Note:           req.Note,
	})
	h.writeReceipt(w, r, receipt, err)
}

// RequestRedemption spends points on a reward.
// POST /api/rewards/{rewardID}/redemptions
func (h *Handler) RequestRedemption(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSubmit(w, r)
	if !ok {
		return
	}
	receipt, err := h.Ledger.Redeem(r.Context(), ledger.RedeemRequest{
		AccountID:      ledger.AccountID(req.AccountID),
		RewardRef:      chi.URLParam(r, "rewardID"),
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		ActorID:        req.ActorID,
		Note:           req.Note,
	})
	h.writeReceipt(w, r, receipt, err)
}

func decodeSubmit(w http.ResponseWriter, r *http.Request) (SubmitRequest, bool) {
	var req SubmitRequest
	if !decode(w, r, &req) {
		return req, false
	}
	header := r.Header.Get("Idempotency-Key")
	switch {
	case req.IdempotencyKey == "":
		req.IdempotencyKey = header
	case header != "" && header != req.IdempotencyKey:
		writeError(w, http.StatusBadRequest, ledger.KindInvariantViolation,
			"Idempotency-Key header does not match body", nil)
		return req, false
	}
	return req, true
}

func (h *Handler) writeReceipt(w http.ResponseWriter, r *http.Request, receipt ledger.Receipt, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, ReceiptDTO{
			Status:  "committed",
			Entry:   toEntryDTO(receipt.Entry),
			Account: toAccountDTO(receipt.Account),
		})
	case ledger.IsDuplicate(err):
		writeJSON(w, http.StatusOK, ReceiptDTO{
			Status:   "replayed",
			Replayed: true,
			Entry:    toEntryDTO(receipt.Entry),
			Account:  toAccountDTO(receipt.Account),
		})
	default:
		h.writeLedgerError(w, r, err)
	}
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// SetMember updates a member's timezone.
// PUT /api/members/{memberID}
func (h *Handler) SetMember(w http.ResponseWriter, r *http.Request) {
	var req SetTimezoneRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.Ledger.SetMemberTimezone(r.Context(), ledger.MemberID(chi.URLParam(r, "memberID")), req.Timezone)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MemberDTO{ID: string(m.ID), Timezone: m.Timezone, UpdatedAt: m.UpdatedAt})
}

// GetStreak returns a member's streak.
// GET /api/members/{memberID}/streak
func (h *Handler) GetStreak(w http.ResponseWriter, r *http.Request) {
	st, err := h.Streaks.State(r.Context(), ledger.MemberID(chi.URLParam(r, "memberID")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStreakDTO(st))
}

// GetAchievements lists every achievement with the member's progress.
// GET /api/members/{memberID}/achievements
func (h *Handler) GetAchievements(w http.ResponseWriter, r *http.Request) {
	list, err := h.Achievements.List(r.Context(), ledger.MemberID(chi.URLParam(r, "memberID")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]AchievementDTO, len(list))
	for i, s := range list {
		dtos[i] = toAchievementDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ledger.KindInvariantViolation, "Invalid request body", err)
		return false
	}
	return true
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind ledger.ErrorKind) int {
	switch kind {
	case ledger.KindDuplicateOperation:
		return http.StatusOK
	case ledger.KindInvariantViolation:
		return http.StatusBadRequest
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindArchived, ledger.KindAccountExists:
		return http.StatusConflict
	case ledger.KindStaleKey:
		return http.StatusGone
	case ledger.KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	case ledger.KindContention:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var messages = map[ledger.ErrorKind]string{
	ledger.KindInvariantViolation:  "Invalid request",
	ledger.KindNotFound:            "Account not found",
	ledger.KindArchived:            "Account is archived",
	ledger.KindAccountExists:       "Account already exists",
	ledger.KindStaleKey:            "Request expired, submit it again",
	ledger.KindInsufficientBalance: "Not enough points",
	ledger.KindContention:          "Busy, try again",
	ledger.KindInternal:            "Internal error",
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	kind := ledger.KindOf(err)
	status := statusFor(kind)
	switch {
	case status >= 500:
		h.Log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.Error(err))
	case kind == ledger.KindInsufficientBalance:
		var ie *ledger.InsufficientBalanceError
		if errors.As(err, &ie) {
			h.Log.Info("redemption rejected",
				zap.String("account", string(ie.AccountID)),
				zap.Int64("available", ie.Available),
				zap.Int64("requested", ie.Requested))
		}
	}
	if kind == ledger.KindContention {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, kind, messages[kind], err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind ledger.ErrorKind, message string, err error) {
	resp := ErrorResponse{Error: message, Kind: string(kind), Retryable: kind.Retryable()}
	if resp.Error == "" {
		resp.Error = http.StatusText(status)
	}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, ledger.KindNotFound, fmt.Sprintf("No route for %s %s", r.Method, r.URL.Path), nil)
}
