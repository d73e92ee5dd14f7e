package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/warp/chore-rewards/ledger"
)

// Transport delivers one action to the ledger. A nil error means the
// operation is committed (or was already committed under the same key).
type Transport interface {
	Submit(ctx context.Context, a Action) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, a Action) error

func (f TransportFunc) Submit(ctx context.Context, a Action) error { return f(ctx, a) }

// =============================================================================
// REMOTE ERROR - Server error body mapped back to the ledger taxonomy
// =============================================================================

// RemoteError is a non-success response from the API.
type RemoteError struct {
	Status    int
	Kind      ledger.ErrorKind
	Message   string
	Retryable bool
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Kind, e.Message)
}

// Unwrap exposes the matching ledger sentinel so ledger.KindOf works on
// both sides of the wire.
func (e *RemoteError) Unwrap() error {
	switch e.Kind {
	case ledger.KindDuplicateOperation:
		return ledger.ErrDuplicateOperation
	case ledger.KindInsufficientBalance:
		return ledger.ErrInsufficientBalance
	case ledger.KindContention:
		return ledger.ErrContention
	case ledger.KindStaleKey:
		return ledger.ErrStaleIdempotencyKey
	case ledger.KindInvariantViolation:
		return ledger.ErrInvariantViolation
	case ledger.KindNotFound:
		return ledger.ErrAccountNotFound
	case ledger.KindArchived:
		return ledger.ErrAccountArchived
	case ledger.KindAccountExists:
		return ledger.ErrAccountExists
	}
	return nil
}

// =============================================================================
// HTTP TRANSPORT
// =============================================================================

// HTTPTransport posts actions to the rewards API.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
	Token   string // bearer token, optional
}

// NewHTTPTransport creates a transport for the API at baseURL.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type submitBody struct {
	AccountID      string `json:"account_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	ActorID        string `json:"actor_id,omitempty"`
	Note           string `json:"note,omitempty"`
}

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

// Submit sends a with its idempotency key in both the body and the
// Idempotency-Key header.
func (t *HTTPTransport) Submit(ctx context.Context, a Action) error {
	var path string
	switch a.Kind {
	case ledger.KindAward:
		path = "/api/tasks/" + url.PathEscape(a.Ref) + "/approved"
	case ledger.KindRedeem:
		path = "/api/rewards/" + url.PathEscape(a.Ref) + "/redemptions"
	default:
		return &ledger.InvariantError{Reason: fmt.Sprintf("unknown action kind %q", a.Kind)}
	}

	body, err := json.Marshal(submitBody{
		AccountID:      string(a.AccountID),
		Amount:         a.Amount,
		IdempotencyKey: a.Key,
		ActorID:        a.ActorID,
		Note:           a.Note,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", a.Key)
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	var eb errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &eb); err != nil || eb.Kind == "" {
		return &RemoteError{
			Status:    resp.StatusCode,
			Kind:      ledger.KindInternal,
			Message:   strings.TrimSpace(string(raw)),
			Retryable: true,
		}
	}
	return &RemoteError{
		Status:    resp.StatusCode,
		Kind:      ledger.ParseErrorKind(eb.Kind),
		Message:   eb.Error,
		Retryable: eb.Retryable,
	}
}

// =============================================================================
// LEDGER TRANSPORT - In-process delivery
// =============================================================================

// LedgerTransport submits directly to a Ledger in the same process.
type LedgerTransport struct {
	Ledger *ledger.Ledger
}

func (t LedgerTransport) Submit(ctx context.Context, a Action) error {
	var err error
	switch a.Kind {
	case ledger.KindAward:
		_, err = t.Ledger.Award(ctx, ledger.AwardRequest{
			AccountID: a.AccountID, SourceRef: a.Ref, Amount: a.Amount,
			IdempotencyKey: a.Key, ActorID: a.ActorID, Note: a.Note,
		})
	case ledger.KindRedeem:
		_, err = t.Ledger.Redeem(ctx, ledger.RedeemRequest{
			AccountID: a.AccountID, RewardRef: a.Ref, Amount: a.Amount,
			IdempotencyKey: a.Key, ActorID: a.ActorID, Note: a.Note,
		})
	default:
		return &ledger.InvariantError{Reason: fmt.Sprintf("unknown action kind %q", a.Kind)}
	}
	if ledger.IsDuplicate(err) {
		return nil
	}
	return err
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Outcome is what the queue does with an action after one attempt.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeRetryable Outcome = "retryable"
	OutcomeTerminal  Outcome = "terminal"
)

// Classify maps a Submit error to an outcome. Transport failures and
// unrecognized server errors are retryable; the idempotency key makes a
// resend safe.
func Classify(err error) (Outcome, ledger.ErrorKind) {
	if err == nil {
		return OutcomeConfirmed, ledger.KindNone
	}
	kind := ledger.KindOf(err)
	switch {
	case kind == ledger.KindDuplicateOperation:
		return OutcomeConfirmed, kind
	case kind.Retryable():
		return OutcomeRetryable, kind
	}
	var re *RemoteError
	if errors.As(err, &re) && re.Retryable {
		return OutcomeRetryable, kind
	}
	return OutcomeTerminal, kind
}
