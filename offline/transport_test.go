package offline_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/chore-rewards/ledger"
	"github.com/warp/chore-rewards/offline"
)

func TestHTTPTransport_PostsWithIdempotencyKey(t *testing.T) {
	var (
		gotPath string
		gotKey  string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tr := offline.NewHTTPTransport(srv.URL + "/")
	err := tr.Submit(context.Background(), offline.Action{
		Key: "k1", Kind: ledger.KindRedeem, AccountID: "fam-1:kid-1", Ref: "reward-9", Amount: 5, ActorID: "kid-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/rewards/reward-9/redemptions", gotPath)
	assert.Equal(t, "k1", gotKey)
	assert.Equal(t, "k1", gotBody["idempotency_key"])
	assert.Equal(t, "fam-1:kid-1", gotBody["account_id"])
	assert.Equal(t, float64(5), gotBody["amount"])
}

func TestHTTPTransport_MapsErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"not enough points","kind":"insufficient_balance","retryable":false}`))
	}))
	defer srv.Close()

	err := offline.NewHTTPTransport(srv.URL).Submit(context.Background(), offline.Action{
		Key: "k1", Kind: ledger.KindRedeem, AccountID: "a", Ref: "r", Amount: 50,
	})

	var re *offline.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusUnprocessableEntity, re.Status)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	outcome, kind := offline.Classify(err)
	assert.Equal(t, offline.OutcomeTerminal, outcome)
	assert.Equal(t, ledger.KindInsufficientBalance, kind)
}

func TestHTTPTransport_GatewayErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := offline.NewHTTPTransport(srv.URL).Submit(context.Background(), offline.Action{
		Key: "k1", Kind: ledger.KindAward, AccountID: "a", Ref: "t", Amount: 1,
	})

	outcome, _ := offline.Classify(err)
	assert.Equal(t, offline.OutcomeRetryable, outcome)
}
