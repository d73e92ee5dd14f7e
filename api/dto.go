/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP API. Kept apart from the ledger types so the
  wire contract can stay stable while the domain model moves.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done by the ledger, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - offline/transport.go: Client side of SubmitRequest / ErrorResponse
*/
package api

import (
	"time"

	"github.com/warp/chore-rewards/achievement"
	"github.com/warp/chore-rewards/ledger"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

// OpenAccountRequest opens a member's account within a family.
type OpenAccountRequest struct {
	AccountID string `json:"account_id,omitempty"`
	FamilyID  string `json:"family_id"`
	MemberID  string `json:"member_id"`
	ActorID   string `json:"actor_id,omitempty"`
}

// AccountDTO is an account balance projection.
type AccountDTO struct {
	ID            string    `json:"id"`
	FamilyID      string    `json:"family_id"`
	MemberID      string    `json:"member_id"`
	Balance       int64     `json:"balance"`
	TotalEarned   int64     `json:"total_earned"`
	TotalRedeemed int64     `json:"total_redeemed"`
	Version       int64     `json:"version"`
	Archived      bool      `json:"archived"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:            string(a.ID),
		FamilyID:      string(a.FamilyID),
		MemberID:      string(a.MemberID),
		Balance:       a.Balance,
		TotalEarned:   a.TotalEarned,
		TotalRedeemed: a.TotalRedeemed,
		Version:       a.Version,
		Archived:      a.Archived,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

// ArchiveRequest soft-archives every account of a family.
type ArchiveRequest struct {
	ActorID string `json:"actor_id,omitempty"`
}

// ArchiveDTO reports how many accounts changed.
type ArchiveDTO struct {
	FamilyID string `json:"family_id"`
	Archived int    `json:"archived"`
}

// =============================================================================
// AWARD / REDEEM
// =============================================================================

// SubmitRequest is the body of a task approval or a redemption request.
// The idempotency key may come from the body or the Idempotency-Key header.
type SubmitRequest struct {
	AccountID      string `json:"account_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	ActorID        string `json:"actor_id,omitempty"`
	Note           string `json:"note,omitempty"`
}

// EntryDTO is one committed ledger entry.
type EntryDTO struct {
	ID           string    `json:"id"`
	Seq          int64     `json:"seq"`
	AccountID    string    `json:"account_id"`
	MemberID     string    `json:"member_id"`
	Kind         string    `json:"kind"`
	Amount       int64     `json:"amount"`
	SourceRef    string    `json:"source_ref"`
	ActorID      string    `json:"actor_id,omitempty"`
	Note         string    `json:"note,omitempty"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:           string(e.ID),
		Seq:          e.Seq,
		AccountID:    string(e.AccountID),
		MemberID:     string(e.MemberID),
		Kind:         string(e.Kind),
		Amount:       e.Amount,
		SourceRef:    e.SourceRef,
		ActorID:      e.ActorID,
		Note:         e.AuditNote,
		BalanceAfter: e.BalanceAfter,
		CreatedAt:    e.CreatedAt,
	}
}

// ReceiptDTO is returned for committed and replayed operations.
type ReceiptDTO struct {
	Status   string     `json:"status"` // "committed" or "replayed"
	Replayed bool       `json:"replayed"`
	Entry    EntryDTO   `json:"entry"`
	Account  AccountDTO `json:"account"`
}

// HistoryDTO is one page of ledger history.
type HistoryDTO struct {
	Entries       []EntryDTO `json:"entries"`
	NextPageToken string     `json:"next_page_token,omitempty"`
}

// AuditEntryDTO is one audit line.
type AuditEntryDTO struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	EntryID      string    `json:"entry_id,omitempty"`
	Action       string    `json:"action"`
	ActorID      string    `json:"actor_id,omitempty"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Note         string    `json:"note,omitempty"`
	At           time.Time `json:"at"`
}

func toAuditDTO(a ledger.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:           a.ID,
		AccountID:    string(a.AccountID),
		EntryID:      string(a.EntryID),
		Action:       string(a.Action),
		ActorID:      a.ActorID,
		Amount:       a.Amount,
		BalanceAfter: a.BalanceAfter,
		Note:         a.Note,
		At:           a.At,
	}
}

// VerifyDTO is the result of replaying an account's history.
type VerifyDTO struct {
	AccountID string   `json:"account_id"`
	OK        bool     `json:"ok"`
	Entries   int      `json:"entries"`
	Earned    int64    `json:"earned"`
	Redeemed  int64    `json:"redeemed"`
	Balance   int64    `json:"balance"`
	Problems  []string `json:"problems,omitempty"`
}

// =============================================================================
// MEMBERS AND DERIVED STATE
// =============================================================================

// SetTimezoneRequest sets the IANA timezone a member's streak days use.
type SetTimezoneRequest struct {
	Timezone string `json:"timezone"`
}

// MemberDTO is a member's settings.
type MemberDTO struct {
	ID        string    `json:"id"`
	Timezone  string    `json:"timezone"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StreakDTO is a member's streak.
type StreakDTO struct {
	MemberID             string `json:"member_id"`
	Current              int    `json:"current"`
	Longest              int    `json:"longest"`
	LastActiveDate       string `json:"last_active_date,omitempty"`
	FreezesAvailable     int    `json:"freezes_available"`
	FreezesUsedThisMonth int    `json:"freezes_used_this_month"`
}

func toStreakDTO(s ledger.StreakState) StreakDTO {
	dto := StreakDTO{
		MemberID:             string(s.MemberID),
		Current:              s.CurrentCount,
		Longest:              s.LongestCount,
		FreezesAvailable:     s.FreezesAvailable,
		FreezesUsedThisMonth: s.FreezesUsedThisMonth,
	}
	if !s.LastActiveDate.IsZero() {
		dto.LastActiveDate = s.LastActiveDate.String()
	}
	return dto
}

// AchievementDTO is one achievement with the member's progress.
type AchievementDTO struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Metric      string     `json:"metric"`
	Threshold   int64      `json:"threshold"`
	Resettable  bool       `json:"resettable"`
	Progress    int64      `json:"progress"`
	Window      string     `json:"window,omitempty"`
	Unlocked    bool       `json:"unlocked"`
	UnlockedAt  *time.Time `json:"unlocked_at,omitempty"`
}

func toAchievementDTO(s achievement.Status) AchievementDTO {
	return AchievementDTO{
		ID:          s.Definition.ID,
		Name:        s.Definition.Name,
		Description: s.Definition.Description,
		Metric:      string(s.Definition.Metric),
		Threshold:   s.Definition.Threshold,
		Resettable:  s.Definition.Resettable,
		Progress:    s.Progress.ProgressValue,
		Window:      s.Progress.Window,
		Unlocked:    s.Progress.Unlocked(),
		UnlockedAt:  s.Progress.UnlockedAt,
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
	Details   string `json:"details,omitempty"`
}
