/*
scenarios.go - Demo scenarios for testing and demonstrations

PURPOSE:
  Runs the failure modes the ledger is built to survive against the live
  service and reports every step. Useful for demos and smoke tests of a
  fresh deployment.

AVAILABLE SCENARIOS:
  double-approval:  same task approved twice with one key, paid once
  race-redemption:  two redemptions race for one balance, one wins
  streak-freeze:    Monday award, Wednesday award, freeze bridges Tuesday
  streak-reset:     same as above with no freeze left, streak restarts

HOW SCENARIOS WORK:
  Ledger scenarios open a fresh family ("demo-<ulid>") so they never touch
  real accounts; nothing is reset because the ledger is append-only.
  Streak scenarios run the transition function on a scratch state and
  write nothing.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "race-redemption"}

SEE ALSO:
  - handlers.go: Handler
  - streak/streak.go: Advance
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/warp/chore-rewards/ledger"
	"github.com/warp/chore-rewards/streak"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes a runnable scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest selects a scenario to run.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioStepDTO is one observed step.
type ScenarioStepDTO struct {
	Step    string `json:"step"`
	Outcome string `json:"outcome"`
	Balance *int64 `json:"balance,omitempty"`
	Streak  *int   `json:"streak,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// ScenarioResultDTO is the report of one run.
type ScenarioResultDTO struct {
	ScenarioID string            `json:"scenario_id"`
	FamilyID   string            `json:"family_id,omitempty"`
	Steps      []ScenarioStepDTO `json:"steps"`
	Account    *AccountDTO       `json:"account,omitempty"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "double-approval",
		Name:        "Double Approval",
		Description: "A parent's approval is retried after a dropped response; the task is paid once",
		Category:    "ledger",
	},
	{
		ID:          "race-redemption",
		Name:        "Race Redemption",
		Description: "Two redemptions of 8 points race against a balance of 10; exactly one commits",
		Category:    "ledger",
	},
	{
		ID:          "streak-freeze",
		Name:        "Streak Freeze",
		Description: "Awards on Monday and Wednesday with a freeze available keep the streak",
		Category:    "streak",
	},
	{
		ID:          "streak-reset",
		Name:        "Streak Reset",
		Description: "Awards on Monday and Wednesday with no freeze left restart the streak",
		Category:    "streak",
	},
}

// ListScenarios returns the available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario runs one scenario and reports its steps.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	var (
		result ScenarioResultDTO
		err    error
	)
	switch req.ScenarioID {
	case "double-approval":
		result, err = h.runDoubleApproval(r.Context())
	case "race-redemption":
		result, err = h.runRaceRedemption(r.Context())
	case "streak-freeze":
		result = runStreakGap(req.ScenarioID, 1)
	case "streak-reset":
		result = runStreakGap(req.ScenarioID, 0)
	default:
		writeError(w, http.StatusNotFound, ledger.KindNotFound, fmt.Sprintf("Unknown scenario %q", req.ScenarioID), nil)
		return
	}
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// LEDGER SCENARIOS
// =============================================================================

func (h *Handler) openDemoAccount(ctx context.Context, scenarioID string) (ledger.Account, ScenarioResultDTO, error) {
	family := ledger.FamilyID("demo-" + ulid.Make().String())
	acct, err := h.Ledger.OpenAccount(ctx, ledger.OpenAccountRequest{
		FamilyID: family,
		MemberID: ledger.MemberID(string(family) + "-kid"),
		ActorID:  "scenario",
	})
	return acct, ScenarioResultDTO{ScenarioID: scenarioID, FamilyID: string(family)}, err
}

func (h *Handler) runDoubleApproval(ctx context.Context) (ScenarioResultDTO, error) {
	acct, result, err := h.openDemoAccount(ctx, "double-approval")
	if err != nil {
		return result, err
	}

	req := ledger.AwardRequest{
		AccountID:      acct.ID,
		SourceRef:      "dishes",
		Amount:         10,
		IdempotencyKey: "approve-" + ulid.Make().String(),
		ActorID:        "parent-1",
	}
	for _, step := range []string{"first approval", "retried approval"} {
		receipt, err := h.Ledger.Award(ctx, req)
		if err != nil && !ledger.IsDuplicate(err) {
			return result, err
		}
		result.Steps = append(result.Steps, ScenarioStepDTO{
			Step:    step,
			Outcome: receiptOutcome(err),
			Balance: ptr(receipt.Account.Balance),
			Detail:  "entry " + string(receipt.Entry.ID),
		})
	}
	return h.finish(ctx, acct.ID, result)
}

func (h *Handler) runRaceRedemption(ctx context.Context) (ScenarioResultDTO, error) {
	acct, result, err := h.openDemoAccount(ctx, "race-redemption")
	if err != nil {
		return result, err
	}
	receipt, err := h.Ledger.Award(ctx, ledger.AwardRequest{
		AccountID: acct.ID, SourceRef: "lawn", Amount: 10,
		IdempotencyKey: "award-" + ulid.Make().String(), ActorID: "parent-1",
	})
	if err != nil {
		return result, err
	}
	result.Steps = append(result.Steps, ScenarioStepDTO{Step: "award 10", Outcome: "committed", Balance: ptr(receipt.Account.Balance)})

	steps := make([]ScenarioStepDTO, 2)
	var wg sync.WaitGroup
	for i, device := range []string{"phone", "tablet"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Ledger.Redeem(ctx, ledger.RedeemRequest{
				AccountID: acct.ID, RewardRef: "screen-time", Amount: 8,
				IdempotencyKey: device + "-" + ulid.Make().String(), ActorID: device,
			})
			steps[i] = ScenarioStepDTO{Step: "redeem 8 from " + device, Outcome: receiptOutcome(err)}
			if err != nil {
				steps[i].Detail = err.Error()
			}
		}()
	}
	wg.Wait()
	result.Steps = append(result.Steps, steps...)
	return h.finish(ctx, acct.ID, result)
}

func (h *Handler) finish(ctx context.Context, id ledger.AccountID, result ScenarioResultDTO) (ScenarioResultDTO, error) {
	acct, err := h.Ledger.Balance(ctx, id)
	if err != nil {
		return result, err
	}
	dto := toAccountDTO(acct)
	result.Account = &dto
	return result, nil
}

func receiptOutcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case ledger.IsDuplicate(err):
		return "replayed"
	}
	return string(ledger.KindOf(err))
}

// =============================================================================
// STREAK SCENARIOS
// =============================================================================

func runStreakGap(id string, freezes int) ScenarioResultDTO {
	policy := streak.DefaultPolicy()
	policy.InitialFreezes = freezes

	result := ScenarioResultDTO{ScenarioID: id}
	state := streak.NewState("demo", policy)
	monday := ledger.NewDate(2025, time.March, 3)
	for _, day := range []ledger.Date{monday.AddDays(-1), monday, monday.AddDays(2)} {
		var t streak.Transition
		state, t = streak.Advance(state, day, policy)
		result.Steps = append(result.Steps, ScenarioStepDTO{
			Step:    "award on " + day.Weekday().String() + " " + day.String(),
			Outcome: string(t),
			Streak:  ptr(state.CurrentCount),
			Detail:  fmt.Sprintf("%d freezes left", state.FreezesAvailable),
		})
	}
	return result
}

func ptr[T any](v T) *T { return &v }
