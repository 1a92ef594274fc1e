package shares

import (
	"context"
	"math"
	"time"
)

// vardiffNoise is the relative rate error inside which difficulty is left
// alone.
const vardiffNoise = 0.1

// DifficultyUpdate tells the protocol layer to push a new difficulty.
type DifficultyUpdate struct {
	Address    string
	Worker     string
	Difficulty float64
}

// Updates delivers vardiff decisions. There is one consumer, the stratum
// server.
func (m *Manager) Updates() <-chan DifficultyUpdate {
	return m.updates
}

// RunVardiff re-evaluates every worker's difficulty until ctx ends. It
// ticks more often than the window so a worker is adjusted soon after its
// window has elapsed.
func (m *Manager) RunVardiff(ctx context.Context) error {
	ticker := time.NewTicker(max(m.cfg.VardiffInterval/4, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := m.now()
			if n := m.PruneIdle(now); n > 0 {
				m.logger.Debug("dropped idle worker stats", "workers", n)
			}
			for _, u := range m.AdjustDifficulties(now) {
				m.persistDifficulty(ctx, u)
				select {
				case m.updates <- u:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// AdjustDifficulties moves each connected worker whose window has elapsed
// toward the target share rate and returns the workers that changed. A
// worker whose last adjustment has not been applied yet is skipped for up
// to two windows; after that its silence counts as a zero share rate.
func (m *Manager) AdjustDifficulties(now time.Time) []DifficultyUpdate {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	var out []DifficultyUpdate
	for _, ws := range m.workers {
		if ws.Sessions == 0 {
			continue
		}
		elapsed := now.Sub(ws.VarDiffStart)
		if elapsed < m.cfg.VardiffInterval || elapsed <= 0 {
			continue
		}
		if ws.VarDiffPending {
			if elapsed < 2*m.cfg.VardiffInterval {
				continue
			}
			ws.VarDiffPending = false
		}

		next, ok := m.nextDifficulty(ws.MinDiff, float64(ws.VarDiffShares)/elapsed.Minutes())
		if !ok {
			continue
		}

		ws.MinDiff = next
		ws.VarDiffStart = now
		ws.VarDiffShares = 0
		ws.VarDiffPending = true
		out = append(out, DifficultyUpdate{Address: ws.Address, Worker: ws.Worker, Difficulty: next})
		m.recorder.VarDiff(ws.Worker, ws.Address, next)
	}
	return out
}

// nextDifficulty is a damped proportional step toward the difficulty that
// would yield the target rate. With damping at most 1 it never overshoots.
func (m *Manager) nextDifficulty(current, sharesPerMinute float64) (float64, bool) {
	ratio := sharesPerMinute / m.cfg.TargetSharesPerMinute
	if math.Abs(ratio-1) <= vardiffNoise {
		return current, false
	}

	factor := 1 + m.cfg.VardiffDamping*(ratio-1)
	factor = math.Min(math.Max(factor, 1/m.cfg.VardiffStep), m.cfg.VardiffStep)

	next := m.clampDifficulty(current * factor)
	return next, next != current
}

func (m *Manager) clampDifficulty(d float64) float64 {
	return math.Min(math.Max(d, m.cfg.MinDifficulty), m.cfg.MaxDifficulty)
}

func (m *Manager) persistDifficulty(ctx context.Context, u DifficultyUpdate) {
	if m.difficulties == nil {
		return
	}
	if err := m.difficulties.SaveDifficulty(ctx, u.Address, u.Worker, u.Difficulty); err != nil {
		m.logger.WithMiner(u.Address, u.Worker).WithError(err).Warn("failed to store difficulty")
	}
}
