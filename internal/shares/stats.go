package shares

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hako/durafmt"
)

// hashesPerDifficulty is the expected number of hashes per difficulty-1 share.
const hashesPerDifficulty = 1 << 32

// Hashrate is one worker's estimated rate.
type Hashrate struct {
	Address         string
	Worker          string
	HashesPerSecond float64
}

// Hashrates estimates every worker's rate from its current vardiff window
// and returns the pool total.
func (m *Manager) Hashrates(now time.Time) ([]Hashrate, float64) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	out := make([]Hashrate, 0, len(m.workers))
	var total float64
	for _, ws := range m.workers {
		rate := workerHashrate(ws, now)
		total += rate
		out = append(out, Hashrate{Address: ws.Address, Worker: ws.Worker, HashesPerSecond: rate})
	}
	return out, total
}

func workerHashrate(ws *WorkerStats, now time.Time) float64 {
	elapsed := now.Sub(ws.VarDiffStart).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return ws.MinDiff * float64(ws.VarDiffShares) / elapsed * hashesPerDifficulty
}

// RunHashrate publishes hashrates on every HashrateInterval and writes the
// worker table on every StatsLogInterval.
func (m *Manager) RunHashrate(ctx context.Context) error {
	rates := time.NewTicker(m.cfg.HashrateInterval)
	defer rates.Stop()
	table := time.NewTicker(m.cfg.StatsLogInterval)
	defer table.Stop()
	started := m.now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rates.C:
			m.publishHashrates(m.now())
		case <-table.C:
			m.logStats(m.now(), started)
		}
	}
}

func (m *Manager) publishHashrates(now time.Time) {
	workers, total := m.Hashrates(now)
	for _, w := range workers {
		m.recorder.WorkerHashrate(w.Worker, w.Address, w.HashesPerSecond)
	}
	m.recorder.PoolHashrate(total)
	m.logger.Debug("hashrate updated", "workers", len(workers), "pool_hashrate", FormatHashrate(total))
}

func (m *Manager) logStats(now, started time.Time) {
	stats := m.Workers()
	slices.SortFunc(stats, func(a, b WorkerStats) int {
		return cmp.Or(strings.Compare(a.Worker, b.Worker), strings.Compare(a.Address, b.Address))
	})

	var (
		totalRate                float64
		accepted, stale, invalid uint64
		blocks                   uint64
	)
	for i := range stats {
		ws := &stats[i]
		rate := workerHashrate(ws, now)
		totalRate += rate
		accepted += ws.SharesFound
		stale += ws.StaleShares
		invalid += ws.InvalidShares
		blocks += ws.BlocksFound

		m.logger.Info("worker stats",
			"worker", ws.Worker,
			"address", ws.Address,
			"hashrate", FormatHashrate(rate),
			"acc_stl_inv", fmt.Sprintf("%d/%d/%d", ws.SharesFound, ws.StaleShares, ws.InvalidShares),
			"blocks", ws.BlocksFound,
			"uptime", durafmt.Parse(now.Sub(ws.StartTime)).LimitFirstN(2).String(),
		)
	}

	m.logger.Info("pool stats",
		"workers", len(stats),
		"hashrate", FormatHashrate(totalRate),
		"acc_stl_inv", fmt.Sprintf("%d/%d/%d", accepted, stale, invalid),
		"blocks", blocks,
		"uptime", durafmt.Parse(now.Sub(started)).LimitFirstN(2).String(),
	)
}

// FormatHashrate renders hashes per second with an SI unit.
func FormatHashrate(hps float64) string {
	units := []string{"H/s", "KH/s", "MH/s", "GH/s", "TH/s", "PH/s", "EH/s"}
	i := 0
	for hps >= 1000 && i < len(units)-1 {
		hps /= 1000
		i++
	}
	return fmt.Sprintf("%.2f %s", hps, units[i])
}
