package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

// OpenAccountRequest creates the account of a member joining a family.
type OpenAccountRequest struct {
	AccountID AccountID
	FamilyID  FamilyID
	MemberID  MemberID
	ActorID   string
}

// AccountIDFor is the conventional account id of a member within a family.
func AccountIDFor(family FamilyID, member MemberID) AccountID {
	return AccountID(fmt.Sprintf("%s:%s", family, member))
}

// OpenAccount creates an empty account. Opening an account that already
// exists for the same family and member returns the existing account.
func (l *Ledger) OpenAccount(ctx context.Context, req OpenAccountRequest) (Account, error) {
	if req.FamilyID == "" || req.MemberID == "" {
		return Account{}, &InvariantError{Reason: "family id and member id are required"}
	}
	if req.AccountID == "" {
		req.AccountID = AccountIDFor(req.FamilyID, req.MemberID)
	}

	var acct Account
	err := l.withRetry(ctx, "open_account", func(tx Tx) error {
		existing, err := tx.Account(ctx, req.AccountID)
		switch {
		case err == nil:
			if existing.FamilyID != req.FamilyID || existing.MemberID != req.MemberID {
				return fmt.Errorf("%w: %s belongs to %s/%s", ErrAccountExists, existing.ID, existing.FamilyID, existing.MemberID)
			}
			acct = existing
			return nil
		case !isNotFound(err):
			return err
		}

		now := l.now()
		acct = Account{
			ID:        req.AccountID,
			FamilyID:  req.FamilyID,
			MemberID:  req.MemberID,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.CreateAccount(ctx, acct); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, AuditEntry{
			ID:        ulid.Make().String(),
			AccountID: acct.ID,
			Action:    AuditAccountOpened,
			ActorID:   req.ActorID,
			At:        now,
		})
	})
	if err != nil {
		return Account{}, err
	}
	l.Log.Info("account ready",
		zap.String("account", string(acct.ID)),
		zap.String("family", string(acct.FamilyID)),
		zap.String("member", string(acct.MemberID)))
	return acct, nil
}

// ArchiveFamily soft-archives every account of a family. Archived accounts
// keep their history and balance but reject new awards and redemptions.
func (l *Ledger) ArchiveFamily(ctx context.Context, family FamilyID, actorID string) (int, error) {
	if family == "" {
		return 0, &InvariantError{Reason: "family id is required"}
	}

	var archived int
	err := l.withRetry(ctx, "archive_family", func(tx Tx) error {
		archived = 0
		accounts, err := tx.FamilyAccounts(ctx, family)
		if err != nil {
			return err
		}
		now := l.now()
		for _, acct := range accounts {
			if acct.Archived {
				continue
			}
			prev := acct.Version
			acct.Archived = true
			acct.Version = prev + 1
			acct.UpdatedAt = now
			if err := tx.SaveAccount(ctx, acct, prev); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, AuditEntry{
				ID:           ulid.Make().String(),
				AccountID:    acct.ID,
				Action:       AuditFamilyArchived,
				ActorID:      actorID,
				BalanceAfter: acct.Balance,
				At:           now,
			}); err != nil {
				return err
			}
			archived++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	l.Log.Info("family archived", zap.String("family", string(family)), zap.Int("accounts", archived))
	return archived, nil
}

// SetMemberTimezone stores the IANA timezone used for the member's streak days.
func (l *Ledger) SetMemberTimezone(ctx context.Context, member MemberID, tz string) (Member, error) {
	if member == "" {
		return Member{}, &InvariantError{Reason: "member id is required"}
	}
	if _, err := time.LoadLocation(tz); err != nil || tz == "" {
		return Member{}, &InvariantError{Reason: fmt.Sprintf("unknown timezone %q", tz)}
	}
	m := Member{ID: member, Timezone: tz, UpdatedAt: l.now()}
	err := l.Store.RunTx(ctx, func(tx Tx) error {
		return tx.SaveMember(ctx, m)
	})
	if err != nil {
		return Member{}, err
	}
	return m, nil
}

func isNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
