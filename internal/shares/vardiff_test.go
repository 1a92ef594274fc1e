package shares

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/bardlex/poolcore/pkg/log"
)

// simulate runs vardiff windows for a worker whose share rate is
// hashFactor/difficulty per minute and returns the difficulty after each
// window.
func simulate(t *testing.T, m *Manager, start, hashFactor float64, windows int) []float64 {
	t.Helper()
	const window = 10 * time.Minute

	now := time.Unix(1_700_000_000, 0)
	m.workers[workerKey("addr", "rig")] = &WorkerStats{
		Address:      "addr",
		Worker:       "rig",
		VarDiffStart: now,
		MinDiff:      start,
		Sessions:     1,
	}

	out := []float64{start}
	for range windows {
		ws := m.workers[workerKey("addr", "rig")]
		ws.VarDiffShares = uint64(math.Round(hashFactor / ws.MinDiff * window.Minutes()))
		now = now.Add(window)
		m.AdjustDifficulties(now)
		// the miner picks up the new difficulty right away
		ws.VarDiffPending = false
		out = append(out, ws.MinDiff)
	}
	return out
}

func TestVardiff_Converges(t *testing.T) {
	cfg := testConfig()
	// the ideal difficulty puts the worker at exactly the target rate
	const ideal = 50.0
	hashFactor := ideal * cfg.TargetSharesPerMinute

	tests := []struct {
		name       string
		start      float64
		increasing bool
	}{
		{"rate above target", 1, true},
		{"rate below target", 1000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(cfg, nil, &countingRecorder{}, testLogger())
			diffs := simulate(t, m, tt.start, hashFactor, 12)

			settled := false
			for i := 1; i < len(diffs); i++ {
				prev, cur := diffs[i-1], diffs[i]
				if cur == prev {
					settled = true
					continue
				}
				if settled {
					t.Fatalf("difficulty moved again after settling: %v", diffs)
				}
				if tt.increasing && (cur < prev || cur > ideal) {
					t.Fatalf("step %d: %g -> %g, want increase without overshoot: %v", i, prev, cur, diffs)
				}
				if !tt.increasing && (cur > prev || cur < ideal) {
					t.Fatalf("step %d: %g -> %g, want decrease without overshoot: %v", i, prev, cur, diffs)
				}
			}

			final := diffs[len(diffs)-1]
			rate := hashFactor / final
			if math.Abs(rate/cfg.TargetSharesPerMinute-1) > 0.15 {
				t.Errorf("final rate %.2f/min not near target %.0f: %v", rate, cfg.TargetSharesPerMinute, diffs)
			}
		})
	}
}

func TestAdjustDifficulties(t *testing.T) {
	cfg := testConfig()
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name     string
		elapsed  time.Duration
		shares   uint64
		minDiff  float64
		sessions int
		pending  bool
		wantDiff float64
		changed  bool
	}{
		{"window not elapsed", 30 * time.Second, 1000, 16, 1, false, 16, false},
		{"inside noise band", time.Minute, 21, 16, 1, false, 16, false},
		{"step limited increase", time.Minute, 2000, 16, 1, false, 64, true},
		{"no shares halves", time.Minute, 0, 16, 1, false, 8, true},
		{"clamped at minimum", time.Minute, 0, 1, 1, false, 1, false},
		{"clamped at maximum", time.Minute, 2000, 1 << 40, 1, false, 1 << 40, false},
		{"no open session", time.Hour, 0, 16, 0, false, 16, false},
		{"last change not yet applied", 90 * time.Second, 0, 16, 2, true, 16, false},
		{"unapplied change expires", 2 * time.Minute, 0, 16, 1, true, 8, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &countingRecorder{}
			m := New(cfg, nil, rec, testLogger())
			m.workers[workerKey("a", "w")] = &WorkerStats{
				Address:        "a",
				Worker:         "w",
				VarDiffStart:   now.Add(-tt.elapsed),
				VarDiffShares:  tt.shares,
				MinDiff:        tt.minDiff,
				Sessions:       tt.sessions,
				VarDiffPending: tt.pending,
			}

			updates := m.AdjustDifficulties(now)
			ws := m.workers[workerKey("a", "w")]
			if ws.MinDiff != tt.wantDiff {
				t.Errorf("difficulty = %g, want %g", ws.MinDiff, tt.wantDiff)
			}
			if (len(updates) == 1) != tt.changed {
				t.Fatalf("updates = %v, changed %v", updates, tt.changed)
			}
			if tt.changed {
				if ws.VarDiffShares != 0 || !ws.VarDiffStart.Equal(now) || !ws.VarDiffPending {
					t.Error("window should reset and wait for the new difficulty")
				}
				if updates[0].Difficulty != tt.wantDiff || len(rec.varDiff) != 1 {
					t.Errorf("update = %+v, recorded %v", updates[0], rec.varDiff)
				}
			}
		})
	}
}

func TestVardiff_RaiseSurvivesGraceShares(t *testing.T) {
	clock := time.Unix(testCurTime, 0)
	h := newHarness(t, shareBits, 8, WithClock(func() time.Time { return clock }))
	h.manager.cfg.MinDifficulty = easyDifficulty / 4
	ctx := context.Background()
	h.manager.RegisterWorker(ctx, "addr1", "rig1")

	old := easyDifficulty
	h.manager.statsMu.Lock()
	ws := h.manager.workers[workerKey("addr1", "rig1")]
	ws.MinDiff = old
	ws.VarDiffShares = 10_000
	h.manager.statsMu.Unlock()

	clock = clock.Add(time.Minute)
	updates := h.manager.AdjustDifficulties(clock)
	if len(updates) != 1 || updates[0].Difficulty != 4*old {
		t.Fatalf("updates = %+v, want one raise to %g", updates, 4*old)
	}
	raised := updates[0].Difficulty

	var nonce uint32
	submit := func(difficulty float64) WorkerStats {
		t.Helper()
		nonce++
		if err := h.manager.AddShare(ctx, submission(h.job.ID, difficulty, work(nonce))); err != nil {
			t.Fatalf("AddShare(%g) unexpected error: %v", difficulty, err)
		}
		got, _ := h.manager.Worker("addr1", "rig1")
		return got
	}

	// the session checks shares at the old difficulty until the next job
	for range 5 {
		got := submit(old)
		if got.MinDiff != raised || !got.VarDiffPending || got.VarDiffShares != 0 {
			t.Fatalf("after grace share: diff %g pending %v shares %d, want %g true 0",
				got.MinDiff, got.VarDiffPending, got.VarDiffShares, raised)
		}
	}

	clock = clock.Add(10 * time.Second)
	got := submit(raised)
	if got.VarDiffPending || !got.VarDiffStart.Equal(clock) || got.VarDiffShares != 0 {
		t.Fatalf("first share at new difficulty: %+v, want window restarted", got)
	}
	if got = submit(raised); got.VarDiffShares != 1 || got.MinDiff != raised {
		t.Fatalf("second share: %+v", got)
	}

	// a window at the target rate keeps the raised difficulty
	h.manager.statsMu.Lock()
	ws.VarDiffShares = uint64(h.manager.cfg.TargetSharesPerMinute)
	h.manager.statsMu.Unlock()
	clock = clock.Add(time.Minute)
	if updates := h.manager.AdjustDifficulties(clock); len(updates) != 0 {
		t.Errorf("difficulty moved again: %+v", updates)
	}
}

func TestVardiff_ReleasedWorker(t *testing.T) {
	clock := time.Unix(testCurTime, 0)
	cfg := testConfig()
	cfg.WorkerIdleTTL = time.Hour
	m := New(cfg, nil, &countingRecorder{}, testLogger(), WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	m.RegisterWorker(ctx, "a", "w")
	m.RegisterWorker(ctx, "a", "w")
	m.ReleaseWorker("a", "w")
	if ws, _ := m.Worker("a", "w"); ws.Sessions != 1 {
		t.Fatalf("sessions = %d, want 1", ws.Sessions)
	}
	m.ReleaseWorker("a", "w")

	// silence from a worker that left is not a zero share rate
	for range 5 {
		clock = clock.Add(cfg.VardiffInterval)
		if updates := m.AdjustDifficulties(clock); len(updates) != 0 {
			t.Fatalf("adjusted a worker without sessions: %+v", updates)
		}
	}
	if got := m.RegisterWorker(ctx, "a", "w"); got != cfg.BaseDifficulty {
		t.Errorf("RegisterWorker() after idle = %g, want %g", got, cfg.BaseDifficulty)
	}
	if ws, _ := m.Worker("a", "w"); !ws.VarDiffStart.Equal(clock) || ws.Sessions != 1 {
		t.Errorf("revived stats = %+v, want a fresh window", ws)
	}
	m.ReleaseWorker("a", "w")

	if n := m.PruneIdle(clock.Add(59 * time.Minute)); n != 0 {
		t.Errorf("PruneIdle() before TTL = %d", n)
	}
	if n := m.PruneIdle(clock.Add(time.Hour)); n != 1 {
		t.Errorf("PruneIdle() after TTL = %d, want 1", n)
	}
	if _, ok := m.Worker("a", "w"); ok {
		t.Error("idle worker stats kept")
	}
	m.ReleaseWorker("a", "w")
}

func TestRunVardiff_PersistsAndEmits(t *testing.T) {
	store := &memoryDifficulties{}
	base := time.Unix(1_700_000_000, 0)
	clock := base
	cfg := testConfig()
	cfg.VardiffInterval = 2 * time.Second
	m := New(cfg, nil, &countingRecorder{}, testLogger(),
		WithDifficultyStore(store),
		WithClock(func() time.Time { return clock }),
	)
	m.RegisterWorker(context.Background(), "addr", "rig")
	m.statsMu.Lock()
	m.workers[workerKey("addr", "rig")].VarDiffShares = 10_000
	m.statsMu.Unlock()
	clock = base.Add(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = m.RunVardiff(ctx) }()

	select {
	case u := <-m.Updates():
		if u.Address != "addr" || u.Worker != "rig" || u.Difficulty != 4096 {
			t.Errorf("update = %+v, want 4x base difficulty", u)
		}
	case <-ctx.Done():
		t.Fatal("no difficulty update emitted")
	}

	d, ok, _ := store.LoadDifficulty(ctx, "addr", "rig")
	if !ok || d != 4096 {
		t.Errorf("stored difficulty = %g (%v), want 4096", d, ok)
	}
}

func TestHashrates(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := New(testConfig(), nil, &countingRecorder{}, testLogger())
	m.workers[workerKey("a", "w1")] = &WorkerStats{Address: "a", Worker: "w1", VarDiffStart: now.Add(-time.Minute), VarDiffShares: 30, MinDiff: 2}
	m.workers[workerKey("a", "w2")] = &WorkerStats{Address: "a", Worker: "w2", VarDiffStart: now, VarDiffShares: 5, MinDiff: 2}

	rates, total := m.Hashrates(now)
	if len(rates) != 2 {
		t.Fatalf("rates = %v", rates)
	}
	// 2 * 30 shares over 60 s is one difficulty-1 share per second
	if total != hashesPerDifficulty {
		t.Errorf("total = %g, want %d", total, hashesPerDifficulty)
	}
}

func TestFormatHashrate(t *testing.T) {
	tests := []struct {
		hps  float64
		want string
	}{
		{0, "0.00 H/s"},
		{999, "999.00 H/s"},
		{1500, "1.50 KH/s"},
		{hashesPerDifficulty, "4.29 GH/s"},
		{2.5e18, "2.50 EH/s"},
		{3e21, "3000.00 EH/s"},
	}
	for _, tt := range tests {
		if got := FormatHashrate(tt.hps); got != tt.want {
			t.Errorf("FormatHashrate(%g) = %q, want %q", tt.hps, got, tt.want)
		}
	}
}

func TestLogStats(t *testing.T) {
	var buf bytes.Buffer
	now := time.Unix(1_700_000_000, 0)
	m := New(testConfig(), nil, &countingRecorder{}, log.New("test", "test", "info", "text", log.WithOutput(&buf)))
	m.workers[workerKey("a", "rig")] = &WorkerStats{
		Address:      "a",
		Worker:       "rig",
		SharesFound:  7,
		StaleShares:  1,
		StartTime:    now.Add(-90 * time.Minute),
		VarDiffStart: now.Add(-time.Minute),
		MinDiff:      1,
	}

	m.logStats(now, now.Add(-2*time.Hour))

	out := buf.String()
	for _, want := range []string{"worker stats", "acc_stl_inv=7/1/0", "pool stats", "uptime=\"1 hour 30 minutes\""} {
		if !strings.Contains(out, want) {
			t.Errorf("stats log missing %q:\n%s", want, out)
		}
	}
}
