package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/chore-rewards/config"
	"github.com/warp/chore-rewards/ledger"
	"github.com/warp/chore-rewards/metrics"
)

func TestBuildServices_CommitWakesProjector(t *testing.T) {
	st, closer, err := openStore(":memory:")
	require.NoError(t, err)
	defer closer.Close()

	svc, err := buildServices(config.Default(), st, zap.NewNop(), metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.projector.Interval = time.Hour // only a wake can trigger a pass
	svc.projector.Start(ctx)
	defer svc.projector.Stop()

	acct, err := svc.ledger.OpenAccount(ctx, ledger.OpenAccountRequest{FamilyID: "fam-1", MemberID: "kid-1", ActorID: "parent-1"})
	require.NoError(t, err)
	_, err = svc.ledger.Award(ctx, ledger.AwardRequest{
		AccountID: acct.ID, SourceRef: "dishes", Amount: 10, IdempotencyKey: "k1", ActorID: "parent-1",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := svc.streaks.State(ctx, "kid-1")
		return err == nil && s.CurrentCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBuildServices_BadAchievementsFile(t *testing.T) {
	cfg := config.Default()
	cfg.Achievements.File = "/does/not/exist.yaml"

	_, err := buildServices(cfg, nil, zap.NewNop(), nil)
	assert.Error(t, err)
}

func TestVerifyCommand_EmptyStore(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"verify", "--db", ":memory:"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "ACCOUNT")
}
