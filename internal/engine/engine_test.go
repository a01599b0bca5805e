package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rugplay/crash-engine/internal/bets"
	"github.com/rugplay/crash-engine/internal/config"
	"github.com/rugplay/crash-engine/internal/events"
	"github.com/rugplay/crash-engine/internal/fairness"
	"github.com/rugplay/crash-engine/internal/payout"
	"github.com/rugplay/crash-engine/internal/store"
	"github.com/rugplay/crash-engine/internal/treasury"
)

func fastConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.Countdown = 60 * time.Millisecond
	cfg.Engine.EntryGrace = 20 * time.Millisecond
	cfg.Engine.TickInterval = 5 * time.Millisecond
	cfg.Engine.InterRoundDelay = 30 * time.Millisecond
	cfg.Engine.WatchdogInterval = 50 * time.Millisecond
	cfg.Engine.RequestRate = 1000 // throttling has its own test
	cfg.Engine.RequestBurst = 1000
	cfg.Treasury.CallTimeout = time.Second
	cfg.Treasury.RetryInterval = 5 * time.Millisecond
	return cfg
}

func startEngine(t *testing.T, cfg *config.Config, capital string) (*Engine, *treasury.Memory) {
	t.Helper()
	tr := treasury.NewMemory(decimal.RequireFromString(capital))
	e := New(Deps{
		Config:   cfg,
		Treasury: tr,
		Emitter:  events.Noop{},
	}, WithRand(rand.New(rand.NewSource(42))))
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return e, tr
}

// placeInWaiting places a bet in the current waiting phase, cycling rounds
// until one admits it. Fails the test if no round ever does.
func placeInWaiting(t *testing.T, e *Engine, player, stake string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := e.Snapshot()
		if snap.Status == StatusWaiting {
			_, err := e.PlaceBet(context.Background(), player, "w-"+player, decimal.RequireFromString(stake))
			if err == nil {
				return
			}
			if !errors.Is(err, ErrEntryWindowClosed) && !errors.Is(err, ErrNoRound) {
				t.Fatalf("place bet: %v", err)
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no waiting round admitted the bet")
}

func TestRoundLifecycle(t *testing.T) {
	e, _ := startEngine(t, fastConfig(), "1000")

	snap := e.Snapshot()
	require.Equal(t, StatusWaiting, snap.Status, "rounds open in the waiting phase")
	assert.Equal(t, 1, snap.Number)
	assert.Len(t, snap.Commitment, 64)

	// Poll through several rounds and check phase ordering per round.
	rank := map[Status]int{StatusWaiting: 0, StatusActive: 1, StatusCrashed: 2}
	last := map[int]int{}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		s := e.Snapshot()
		if s.Number >= 4 {
			return
		}
		if s.Number > 0 {
			r := rank[s.Status]
			assert.GreaterOrEqual(t, r, last[s.Number],
				"round %d went backwards to %s", s.Number, s.Status)
			if r > last[s.Number] {
				last[s.Number] = r
			}
			assert.GreaterOrEqual(t, s.Multiplier, 1.0)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("engine did not progress through three rounds")
}

func TestCommitmentChangesPerRound(t *testing.T) {
	e, _ := startEngine(t, fastConfig(), "1000")

	first := e.Snapshot().Commitment
	require.Eventually(t, func() bool {
		s := e.Snapshot()
		return s.Number >= 2 && s.Commitment != ""
	}, 5*time.Second, 2*time.Millisecond)

	assert.NotEqual(t, first, e.Snapshot().Commitment)
}

func TestLateEntryRejected(t *testing.T) {
	cfg := fastConfig()
	cfg.Engine.Countdown = 2 * time.Second
	cfg.Engine.EntryGrace = 1900 * time.Millisecond // window open 100ms
	e, _ := startEngine(t, cfg, "1000")

	time.Sleep(300 * time.Millisecond)
	require.Equal(t, StatusWaiting, e.Snapshot().Status)

	_, err := e.PlaceBet(context.Background(), "alice", "w", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrEntryWindowClosed)
	assert.Equal(t, 0, e.Snapshot().Bets)
}

func TestStakeBoundsRejection(t *testing.T) {
	cfg := fastConfig()
	cfg.Engine.Countdown = 2 * time.Second
	cfg.Engine.EntryGrace = 100 * time.Millisecond
	e, _ := startEngine(t, cfg, "1000")

	// Normal table caps stakes at 5.
	_, err := e.PlaceBet(context.Background(), "whale", "w", decimal.NewFromInt(100))
	assert.ErrorIs(t, err, bets.ErrStakeTooLarge)

	_, err = e.PlaceBet(context.Background(), "dust", "w", decimal.RequireFromString("0.001"))
	assert.ErrorIs(t, err, bets.ErrStakeTooSmall)

	assert.Equal(t, 0, e.Snapshot().Bets)
	assert.True(t, e.Snapshot().TotalStake.IsZero())
}

func TestInsufficientFundsRejection(t *testing.T) {
	cfg := fastConfig()
	cfg.Engine.Countdown = 2 * time.Second
	cfg.Engine.EntryGrace = 100 * time.Millisecond
	e, tr := startEngine(t, cfg, "1000")
	tr.SetBalance("broke", decimal.RequireFromString("0.01"))

	_, err := e.PlaceBet(context.Background(), "broke", "w", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, treasury.ErrInsufficientFunds)
	assert.Equal(t, 0, e.Snapshot().Bets, "failed collection must not leave a bet behind")
}

func TestBetRateLimited(t *testing.T) {
	cfg := fastConfig()
	cfg.Engine.Countdown = 2 * time.Second
	cfg.Engine.EntryGrace = 100 * time.Millisecond
	cfg.Engine.RequestRate = 0.001
	cfg.Engine.RequestBurst = 1
	e, _ := startEngine(t, cfg, "1000")

	_, err := e.PlaceBet(context.Background(), "alice", "w", decimal.NewFromInt(1))
	require.NoError(t, err)
	_, err = e.PlaceBet(context.Background(), "alice", "w", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrRateLimited)

	// Other participants keep their own buckets.
	_, err = e.PlaceBet(context.Background(), "bob", "w", decimal.NewFromInt(1))
	assert.NoError(t, err)
}

func TestDuplicateBetRejected(t *testing.T) {
	cfg := fastConfig()
	cfg.Engine.Countdown = 2 * time.Second
	cfg.Engine.EntryGrace = 100 * time.Millisecond
	e, _ := startEngine(t, cfg, "1000")

	_, err := e.PlaceBet(context.Background(), "alice", "w", decimal.NewFromInt(1))
	require.NoError(t, err)
	_, err = e.PlaceBet(context.Background(), "alice", "w", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, bets.ErrDuplicateBet)
	assert.Equal(t, 1, e.Snapshot().Bets)
}

func TestCashOut(t *testing.T) {
	e, tr := startEngine(t, fastConfig(), "1000")

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		placeInWaiting(t, e, "alice", "1")
		require.Eventually(t, func() bool {
			return e.Snapshot().Status != StatusWaiting
		}, 5*time.Second, time.Millisecond)

		bet, err := e.CashOut(context.Background(), "alice")
		if errors.Is(err, ErrRoundNotActive) || errors.Is(err, bets.ErrNoActiveBet) {
			continue // round busted before the request landed, go again
		}
		require.NoError(t, err)
		assert.True(t, bet.CashedOut)
		assert.True(t, bet.ExitAmount.IsPositive())
		assert.GreaterOrEqual(t, bet.ExitMult, 1.0)
		assert.NotEmpty(t, bet.SettlementRef)

		// A second attempt cannot pay twice.
		_, err = e.CashOut(context.Background(), "alice")
		assert.Error(t, err)

		capital, cerr := tr.CurrentCapital(context.Background())
		require.NoError(t, cerr)
		assert.True(t, capital.IsPositive())
		return
	}
	t.Fatal("never completed a cash-out")
}

func TestConcurrentCashOutsPayOnce(t *testing.T) {
	e, _ := startEngine(t, fastConfig(), "1000")

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		placeInWaiting(t, e, "alice", "1")
		require.Eventually(t, func() bool {
			return e.Snapshot().Status != StatusWaiting
		}, 5*time.Second, time.Millisecond)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := e.CashOut(context.Background(), "alice"); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.LessOrEqual(t, wins.Load(), int32(1), "at most one cash-out may pay")
		if wins.Load() == 1 {
			return
		}
		// Round crashed under all racers; run another one.
	}
	t.Fatal("no round survived long enough to race cash-outs")
}

func TestPayoutLimitForcesCrash(t *testing.T) {
	cfg := fastConfig()
	cfg.Risk.Normal.MaxSinglePayout = config.Amount{Decimal: decimal.RequireFromString("0.1")}
	e, _ := startEngine(t, cfg, "1000")

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		placeInWaiting(t, e, "alice", "1")
		require.Eventually(t, func() bool {
			return e.Snapshot().Status != StatusWaiting
		}, 5*time.Second, time.Millisecond)

		snap := e.Snapshot()
		_, err := e.CashOut(context.Background(), "alice")
		if errors.Is(err, ErrRoundNotActive) || errors.Is(err, bets.ErrNoActiveBet) {
			continue
		}

		// Any honored exit would exceed the 0.1 cap, so the request must
		// end the round instead of paying.
		require.ErrorIs(t, err, payout.ErrLimitExceeded)
		require.Eventually(t, func() bool {
			s := e.Snapshot()
			return s.Number != snap.Number || s.Status == StatusCrashed
		}, 5*time.Second, time.Millisecond)
		return
	}
	t.Fatal("never exercised the payout limit")
}

func TestHouseCapacityRejection(t *testing.T) {
	cfg := fastConfig()
	cfg.Engine.ReserveFraction = 0.999 // almost nothing committable
	cfg.Engine.ExposureMultiple = 1e6  // keep the exposure guard out of the way
	e, _ := startEngine(t, cfg, "1000")

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		placeInWaiting(t, e, "alice", "5")
		require.Eventually(t, func() bool {
			return e.Snapshot().Status != StatusWaiting
		}, 5*time.Second, time.Millisecond)

		_, err := e.CashOut(context.Background(), "alice")
		if errors.Is(err, ErrRoundNotActive) || errors.Is(err, bets.ErrNoActiveBet) {
			continue
		}
		// Available capital is roughly 1, a 5-stake exit cannot fit.
		assert.ErrorIs(t, err, ErrHouseCapacity)
		return
	}
	t.Fatal("never reached the capacity boundary")
}

func TestResumeRoundNumber(t *testing.T) {
	kv, err := store.NewBadgerKV(t.TempDir())
	require.NoError(t, err)
	archive := store.NewRoundStore(kv)
	t.Cleanup(func() { _ = archive.Close() })

	cfg := fastConfig()
	tr := treasury.NewMemory(decimal.NewFromInt(1000))

	e1 := New(Deps{Config: cfg, Treasury: tr, Emitter: events.Noop{}, Archive: archive})
	require.NoError(t, e1.Start(context.Background()))
	require.Eventually(t, func() bool {
		n, err := archive.LatestNumber()
		return err == nil && n >= 2
	}, 10*time.Second, 5*time.Millisecond)
	e1.Stop()

	latest, err := archive.LatestNumber()
	require.NoError(t, err)

	e2 := New(Deps{Config: cfg, Treasury: tr, Emitter: events.Noop{}, Archive: archive})
	require.NoError(t, e2.Start(context.Background()))
	t.Cleanup(e2.Stop)

	assert.Equal(t, latest+1, e2.Snapshot().Number, "cycle resumes where the archive left off")
}

func TestArchivedRoundRevealsSeed(t *testing.T) {
	kv, err := store.NewBadgerKV(t.TempDir())
	require.NoError(t, err)
	archive := store.NewRoundStore(kv)
	t.Cleanup(func() { _ = archive.Close() })

	cfg := fastConfig()
	e := New(Deps{
		Config:   cfg,
		Treasury: treasury.NewMemory(decimal.NewFromInt(1000)),
		Emitter:  events.Noop{},
		Archive:  archive,
	})
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)

	require.Eventually(t, func() bool {
		n, err := archive.LatestNumber()
		return err == nil && n >= 1
	}, 10*time.Second, 5*time.Millisecond)

	r, err := archive.GetRound(1)
	require.NoError(t, err)
	assert.NotEmpty(t, r.Seed)
	assert.Equal(t, r.Commitment, fairness.Commitment(r.Seed), "revealed seed must match the commitment")
	assert.GreaterOrEqual(t, r.CrashPoint, 1.0)
}

func TestStopHaltsCycle(t *testing.T) {
	e, _ := startEngine(t, fastConfig(), "1000")

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not drain background loops")
	}

	n := e.Snapshot().Number
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, n, e.Snapshot().Number, "no new rounds after Stop")
}
