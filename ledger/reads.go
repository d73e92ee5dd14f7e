package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
)

// =============================================================================
// READ PROJECTIONS - Committed state only
// =============================================================================

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Balance returns the committed account projection.
func (l *Ledger) Balance(ctx context.Context, id AccountID) (Account, error) {
	return l.Store.GetAccount(ctx, id)
}

// Page is one page of ledger history.
type Page struct {
	Entries       []Entry
	NextPageToken string // empty on the last page
}

// History returns entries of an account oldest first, one page at a time.
// pageToken is the NextPageToken of the previous page, or empty.
func (l *Ledger) History(ctx context.Context, id AccountID, pageToken string, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	after, err := DecodePageToken(pageToken)
	if err != nil {
		return Page{}, err
	}
	if _, err := l.Store.GetAccount(ctx, id); err != nil {
		return Page{}, err
	}

	entries, err := l.Store.ListEntries(ctx, id, after, limit+1)
	if err != nil {
		return Page{}, err
	}
	page := Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.NextPageToken = EncodePageToken(page.Entries[limit-1].Seq)
	}
	return page, nil
}

// EncodePageToken turns a sequence cursor into an opaque token.
func EncodePageToken(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte("seq:" + strconv.FormatInt(seq, 10)))
}

// DecodePageToken reverses EncodePageToken. The empty token is the start.
func DecodePageToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < 5 || string(raw[:4]) != "seq:" {
		return 0, &InvariantError{Reason: "malformed page token"}
	}
	seq, err := strconv.ParseInt(string(raw[4:]), 10, 64)
	if err != nil || seq < 0 {
		return 0, &InvariantError{Reason: "malformed page token"}
	}
	return seq, nil
}

// Audit returns the audit trail of one account.
func (l *Ledger) Audit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	if filter.AccountID == "" {
		return nil, &InvariantError{Reason: "account id is required"}
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, &InvariantError{Reason: "audit range ends before it starts"}
	}
	return l.Store.QueryAudit(ctx, filter)
}

// =============================================================================
// VERIFY - Conservation check by replaying history
// =============================================================================

// VerifyReport is the result of replaying an account's full history.
type VerifyReport struct {
	AccountID AccountID
	Entries   int
	Earned    int64
	Redeemed  int64
	Balance   int64
	Problems  []string
}

// OK reports whether the account is consistent with its history.
func (r VerifyReport) OK() bool { return len(r.Problems) == 0 }

// Verify recomputes the account from its entries and checks that the
// projection matches and that the running balance never went negative.
func (l *Ledger) Verify(ctx context.Context, id AccountID) (VerifyReport, error) {
	acct, err := l.Store.GetAccount(ctx, id)
	if err != nil {
		return VerifyReport{}, err
	}

	report := VerifyReport{AccountID: id}
	var after int64
	for {
		entries, err := l.Store.ListEntries(ctx, id, after, MaxPageSize)
		if err != nil {
			return VerifyReport{}, err
		}
		for _, e := range entries {
			report.Entries++
			switch e.Kind {
			case KindAward:
				report.Earned += e.Amount
			case KindRedeem:
				report.Redeemed += e.Amount
			default:
				report.Problems = append(report.Problems, fmt.Sprintf("entry %s: unknown kind %q", e.ID, e.Kind))
			}
			report.Balance += e.Signed()
			if report.Balance < 0 {
				report.Problems = append(report.Problems, fmt.Sprintf("entry %s: running balance %d", e.ID, report.Balance))
			}
			if e.BalanceAfter != report.Balance {
				report.Problems = append(report.Problems, fmt.Sprintf("entry %s: recorded balance %d, replayed %d", e.ID, e.BalanceAfter, report.Balance))
			}
			after = e.Seq
		}
		if len(entries) < MaxPageSize {
			break
		}
	}

	if acct.TotalEarned != report.Earned {
		report.Problems = append(report.Problems, fmt.Sprintf("total earned %d, replayed %d", acct.TotalEarned, report.Earned))
	}
	if acct.TotalRedeemed != report.Redeemed {
		report.Problems = append(report.Problems, fmt.Sprintf("total redeemed %d, replayed %d", acct.TotalRedeemed, report.Redeemed))
	}
	if acct.Balance != report.Balance {
		report.Problems = append(report.Problems, fmt.Sprintf("balance %d, replayed %d", acct.Balance, report.Balance))
	}
	if err := acct.CheckInvariants(); err != nil {
		report.Problems = append(report.Problems, err.Error())
	}
	return report, nil
}
