// Package shares validates submitted work, keeps the contribution ledger
// that payouts are computed from and tracks per-worker statistics,
// including the variable difficulty controller.
package shares

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/internal/templates"
	"github.com/bardlex/poolcore/pkg/log"
)

var (
	ErrDuplicateShare = errors.New("duplicate share")
	ErrStaleJob       = errors.New("stale job")
	ErrInvalidShare   = errors.New("invalid share")
)

// Jobs is the view of the template cache the validator needs.
type Jobs interface {
	PoWState(jobID string) (*templates.PoWState, error)
	SubmitBlock(ctx context.Context, state *templates.PoWState, w templates.Work) (*templates.FoundBlock, error)
}

// BlockObserver is told about every block candidate handed to the node.
type BlockObserver interface {
	BlockFound(ctx context.Context, block *templates.FoundBlock, worker, address string)
	BlockSubmissionFailed(ctx context.Context, block *templates.FoundBlock, worker, address string, err error)
}

// DifficultyStore remembers worker difficulty across reconnects.
type DifficultyStore interface {
	LoadDifficulty(ctx context.Context, address, worker string) (float64, bool, error)
	SaveDifficulty(ctx context.Context, address, worker string, difficulty float64) error
}

// Submission is one mining.submit after protocol decoding.
type Submission struct {
	Address    string
	Worker     string
	JobID      string
	Difficulty float64
	Work       templates.Work
}

// Contribution is an accepted share's weight toward the next payout.
type Contribution struct {
	NonceKey   string
	Address    string
	Worker     string
	Difficulty float64
	Timestamp  time.Time
}

// WorkerStats is a snapshot of one worker's counters.
type WorkerStats struct {
	Address         string
	Worker          string
	SharesFound     uint64
	StaleShares     uint64
	InvalidShares   uint64
	DuplicateShares uint64
	BlocksFound     uint64
	StartTime       time.Time
	LastShare       time.Time
	VarDiffStart    time.Time
	VarDiffShares   uint64
	MinDiff         float64
	// VarDiffPending is set from an adjustment until the first share at
	// the new difficulty. Shares checked at the previous difficulty in
	// between neither count toward the window nor change MinDiff.
	VarDiffPending  bool
	Sessions        int
	ReleasedAt      time.Time
}

// Config holds validator and vardiff settings.
type Config struct {
	BaseDifficulty        float64
	MinDifficulty         float64
	MaxDifficulty         float64
	TargetSharesPerMinute float64
	VardiffInterval       time.Duration
	VardiffStep           float64
	VardiffDamping        float64
	HashrateInterval      time.Duration
	StatsLogInterval      time.Duration
	// WorkerIdleTTL is how long stats of a worker without sessions are
	// kept. Zero keeps them forever.
	WorkerIdleTTL         time.Duration
}

// Option customizes a Manager.
type Option func(*Manager)

// WithBlockObserver reports block candidates to o.
func WithBlockObserver(o BlockObserver) Option {
	return func(m *Manager) { m.blocks = o }
}

// WithDifficultyStore persists vardiff results to s.
func WithDifficultyStore(s DifficultyStore) Option {
	return func(m *Manager) { m.difficulties = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is the share validator and contribution ledger.
type Manager struct {
	cfg          Config
	jobs         Jobs
	recorder     metrics.Recorder
	logger       *log.Logger
	blocks       BlockObserver
	difficulties DifficultyStore
	now          func() time.Time

	ledgerMu      sync.Mutex
	contributions map[string]Contribution

	statsMu sync.Mutex
	workers map[string]*WorkerStats

	updates chan DifficultyUpdate
}

// New creates a Manager.
func New(cfg Config, jobs Jobs, recorder metrics.Recorder, logger *log.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:           cfg,
		jobs:          jobs,
		recorder:      recorder,
		logger:        logger.WithComponent("shares"),
		now:           time.Now,
		contributions: make(map[string]Contribution),
		workers:       make(map[string]*WorkerStats),
		updates:       make(chan DifficultyUpdate, 256),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func workerKey(address, worker string) string {
	return address + "." + worker
}

// RegisterWorker creates or revives the stats of a worker, counts one more
// open session for it and returns the difficulty that session should start
// at. Every call must be paired with ReleaseWorker.
func (m *Manager) RegisterWorker(ctx context.Context, address, worker string) float64 {
	m.statsMu.Lock()
	if ws, ok := m.workers[workerKey(address, worker)]; ok {
		diff := m.reviveLocked(ws)
		m.statsMu.Unlock()
		return diff
	}
	m.statsMu.Unlock()

	diff := m.cfg.BaseDifficulty
	if m.difficulties != nil {
		stored, found, err := m.difficulties.LoadDifficulty(ctx, address, worker)
		switch {
		case err != nil:
			m.logger.WithMiner(address, worker).WithError(err).Warn("failed to load stored difficulty")
		case found:
			diff = m.clampDifficulty(stored)
		}
	}

	now := m.now()
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	// a concurrent session for the same worker may have won the race
	if ws, ok := m.workers[workerKey(address, worker)]; ok {
		return m.reviveLocked(ws)
	}
	m.workers[workerKey(address, worker)] = &WorkerStats{
		Address:      address,
		Worker:       worker,
		StartTime:    now,
		LastShare:    now,
		VarDiffStart: now,
		MinDiff:      diff,
		Sessions:     1,
	}
	m.recorder.VarDiff(worker, address, diff)
	return diff
}

// reviveLocked adds a session to known stats. A worker coming back after
// all its sessions closed starts a fresh vardiff window at the difficulty
// it left with.
func (m *Manager) reviveLocked(ws *WorkerStats) float64 {
	if ws.Sessions == 0 {
		ws.VarDiffStart = m.now()
		ws.VarDiffShares = 0
		ws.VarDiffPending = false
	}
	ws.Sessions++
	return ws.MinDiff
}

// ReleaseWorker records that one session of the worker closed. Vardiff
// leaves workers without sessions alone, and their stats are dropped once
// idle for WorkerIdleTTL.
func (m *Manager) ReleaseWorker(address, worker string) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	ws, ok := m.workers[workerKey(address, worker)]
	if !ok || ws.Sessions == 0 {
		return
	}
	ws.Sessions--
	if ws.Sessions == 0 {
		ws.ReleasedAt = m.now()
	}
}

// PruneIdle drops the stats of workers that have had no session for
// WorkerIdleTTL and returns how many were dropped.
func (m *Manager) PruneIdle(now time.Time) int {
	if m.cfg.WorkerIdleTTL <= 0 {
		return 0
	}
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	pruned := 0
	for key, ws := range m.workers {
		if ws.Sessions > 0 {
			continue
		}
		if now.Sub(ws.ReleasedAt) >= m.cfg.WorkerIdleTTL && now.Sub(ws.LastShare) >= m.cfg.WorkerIdleTTL {
			delete(m.workers, key)
			pruned++
		}
	}
	return pruned
}

// AddShare validates a submission and records it as a contribution.
func (m *Manager) AddShare(ctx context.Context, sub Submission) error {
	m.recorder.JobSubmitted(sub.Worker, sub.Address)
	key := sub.Work.Key(sub.JobID)

	if m.hasContribution(key) {
		m.reject(sub, ErrDuplicateShare)
		return ErrDuplicateShare
	}

	state, err := m.jobs.PoWState(sub.JobID)
	if err != nil {
		m.reject(sub, ErrStaleJob)
		return fmt.Errorf("%w: %w", ErrStaleJob, err)
	}

	isBlock, measured, err := state.CheckWork(sub.Work)
	if err != nil {
		m.reject(sub, ErrInvalidShare)
		return fmt.Errorf("%w: %w", ErrInvalidShare, err)
	}

	if isBlock {
		m.submitBlock(ctx, state, sub)
	}

	if measured.Cmp(bitcoin.DifficultyToTarget(sub.Difficulty)) > 0 {
		m.reject(sub, ErrInvalidShare)
		return fmt.Errorf("%w: hash above target for difficulty %g", ErrInvalidShare, sub.Difficulty)
	}

	now := m.now()
	m.ledgerMu.Lock()
	if _, dup := m.contributions[key]; dup {
		m.ledgerMu.Unlock()
		m.reject(sub, ErrDuplicateShare)
		return ErrDuplicateShare
	}
	m.contributions[key] = Contribution{
		NonceKey:   key,
		Address:    sub.Address,
		Worker:     sub.Worker,
		Difficulty: sub.Difficulty,
		Timestamp:  now,
	}
	m.ledgerMu.Unlock()

	m.updateStats(sub, func(ws *WorkerStats) {
		ws.SharesFound++
		ws.LastShare = now
		switch {
		case ws.VarDiffPending && sub.Difficulty != ws.MinDiff:
			// still checked at the difficulty before the last adjustment
		case ws.VarDiffPending:
			ws.VarDiffPending = false
			ws.VarDiffStart = now
			ws.VarDiffShares = 0
		default:
			ws.VarDiffShares++
			ws.MinDiff = sub.Difficulty
		}
	})
	m.recorder.ShareAdded(sub.Worker, sub.Address, sub.Difficulty)
	m.logger.LogShareSubmission(sub.Address, sub.Worker, sub.JobID, sub.Difficulty, "accepted")
	return nil
}

func (m *Manager) submitBlock(ctx context.Context, state *templates.PoWState, sub Submission) {
	m.recorder.BlockShare(sub.Worker, sub.Address)

	logger := m.logger.WithContext(ctx)
	block, err := m.jobs.SubmitBlock(ctx, state, sub.Work)
	if err != nil {
		logger.WithMiner(sub.Address, sub.Worker).WithError(err).Error("block candidate lost",
			"job_id", sub.JobID, "critical", true)
		if m.blocks != nil && block != nil {
			m.blocks.BlockSubmissionFailed(ctx, block, sub.Worker, sub.Address, err)
		}
		return
	}

	m.updateStats(sub, func(ws *WorkerStats) { ws.BlocksFound++ })
	m.recorder.BlockMined(sub.Worker, sub.Address, block.Height, block.Hash)
	logger.LogBlockFound(block.Hash, block.Height, sub.Address, sub.Worker, sub.Difficulty)
	if m.blocks != nil {
		m.blocks.BlockFound(ctx, block, sub.Worker, sub.Address)
	}
}

func (m *Manager) hasContribution(key string) bool {
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()
	_, ok := m.contributions[key]
	return ok
}

func (m *Manager) reject(sub Submission, reason error) {
	m.updateStats(sub, func(ws *WorkerStats) {
		switch reason {
		case ErrDuplicateShare:
			ws.DuplicateShares++
		case ErrStaleJob:
			ws.StaleShares++
		default:
			ws.InvalidShares++
		}
	})

	switch reason {
	case ErrDuplicateShare:
		m.recorder.ShareDuplicate(sub.Worker, sub.Address)
	case ErrStaleJob:
		m.recorder.ShareStale(sub.Worker, sub.Address)
	default:
		m.recorder.ShareInvalid(sub.Worker, sub.Address)
	}
	m.logger.LogShareSubmission(sub.Address, sub.Worker, sub.JobID, sub.Difficulty, reason.Error())
}

// updateStats applies fn to the worker's stats, creating them for workers
// that submit without a prior RegisterWorker.
func (m *Manager) updateStats(sub Submission, fn func(*WorkerStats)) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	key := workerKey(sub.Address, sub.Worker)
	ws, ok := m.workers[key]
	if !ok {
		now := m.now()
		ws = &WorkerStats{
			Address:      sub.Address,
			Worker:       sub.Worker,
			StartTime:    now,
			LastShare:    now,
			VarDiffStart: now,
			MinDiff:      sub.Difficulty,
		}
		m.workers[key] = ws
	}
	fn(ws)
}

// DrainContributions atomically empties the ledger and returns what it
// held.
func (m *Manager) DrainContributions() []Contribution {
	m.ledgerMu.Lock()
	drained := m.contributions
	m.contributions = make(map[string]Contribution, len(drained))
	m.ledgerMu.Unlock()

	out := make([]Contribution, 0, len(drained))
	for _, c := range drained {
		out = append(out, c)
	}
	return out
}

// PendingContributions is the size of the live ledger.
func (m *Manager) PendingContributions() int {
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()
	return len(m.contributions)
}

// Worker returns a copy of one worker's stats.
func (m *Manager) Worker(address, worker string) (WorkerStats, bool) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	ws, ok := m.workers[workerKey(address, worker)]
	if !ok {
		return WorkerStats{}, false
	}
	return *ws, true
}

// Workers returns a copy of every worker's stats.
func (m *Manager) Workers() []WorkerStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	out := make([]WorkerStats, 0, len(m.workers))
	for _, ws := range m.workers {
		out = append(out, *ws)
	}
	return out
}
