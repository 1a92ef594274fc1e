package treasury

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/pkg/log"
)

// BlockStatus is the lifecycle of a found block.
type BlockStatus string

const (
	BlockPending  BlockStatus = "pending"
	BlockMatured  BlockStatus = "matured"
	BlockOrphaned BlockStatus = "orphaned"
)

// FoundBlock is a block accepted by the node whose reward is not yet
// spendable.
type FoundBlock struct {
	Hash    string
	Height  int64
	Reward  int64
	Address string
	Worker  string
	FoundAt time.Time
	Status  BlockStatus
}

// BlockStore keeps found blocks across restarts.
type BlockStore interface {
	PendingFoundBlocks(ctx context.Context) ([]FoundBlock, error)
	UpdateFoundBlockStatus(ctx context.Context, hash string, status BlockStatus) error
}

// BlockSource looks up a block's confirmations.
type BlockSource interface {
	GetBlock(ctx context.Context, hash string) (*btcjson.GetBlockVerboseResult, error)
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Maturity is the confirmation count at which a coinbase can be spent.
	Maturity     int64
	PollInterval time.Duration
	// LostAfter is how long a block the node has never seen stays pending
	// before it is marked orphaned. A candidate handed to the fallback
	// submitter is unknown until that submission lands.
	LostAfter time.Duration
}

// DefaultLostAfter is used when WatcherConfig.LostAfter is zero.
const DefaultLostAfter = 2 * time.Hour

// Watcher follows found blocks until their coinbase matures and emits one
// Maturity per block. A block's status is stored before its event is
// emitted, so a restart can lose an event but never repeat one.
type Watcher struct {
	cfg      WatcherConfig
	node     BlockSource
	store    BlockStore
	recorder metrics.Recorder
	logger   *log.Logger

	events  chan Maturity
	trigger chan struct{}
	now     func() time.Time
}

// NewWatcher creates a Watcher.
func NewWatcher(cfg WatcherConfig, node BlockSource, store BlockStore, recorder metrics.Recorder, logger *log.Logger) *Watcher {
	if cfg.LostAfter <= 0 {
		cfg.LostAfter = DefaultLostAfter
	}
	return &Watcher{
		cfg:      cfg,
		node:     node,
		store:    store,
		recorder: recorder,
		logger:   logger.WithComponent("maturity"),
		events:   make(chan Maturity, 16),
		trigger:  make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Events delivers matured rewards.
func (w *Watcher) Events() <-chan Maturity {
	return w.events
}

// OnNewBlock requests a check on the next loop iteration. It never blocks
// and is meant for the hashblock notification callback.
func (w *Watcher) OnNewBlock(string) {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run checks pending blocks on every poll tick and new-block trigger.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	if err := w.Check(ctx); err != nil {
		w.logger.WithError(err).Warn("maturity check failed")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.trigger:
		}
		if err := w.Check(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.WithError(err).Warn("maturity check failed")
		}
	}
}

// Check looks at every pending block once.
func (w *Watcher) Check(ctx context.Context) error {
	pending, err := w.store.PendingFoundBlocks(ctx)
	if err != nil {
		return err
	}

	for _, fb := range pending {
		block, err := w.node.GetBlock(ctx, fb.Hash)
		if errors.Is(err, bitcoin.ErrBlockNotFound) {
			if w.now().Sub(fb.FoundAt) < w.cfg.LostAfter {
				continue
			}
			if err := w.store.UpdateFoundBlockStatus(ctx, fb.Hash, BlockOrphaned); err != nil {
				return err
			}
			w.logger.Warn("found block never reached the chain", "block_hash", fb.Hash,
				"block_height", fb.Height, "found_at", fb.FoundAt)
			continue
		}
		if err != nil {
			w.logger.WithError(err).Warn("failed to look up found block", "block_hash", fb.Hash)
			continue
		}

		switch {
		case block.Confirmations < 0:
			if err := w.store.UpdateFoundBlockStatus(ctx, fb.Hash, BlockOrphaned); err != nil {
				return err
			}
			w.logger.Warn("found block orphaned", "block_hash", fb.Hash, "block_height", fb.Height)

		case block.Confirmations >= w.cfg.Maturity:
			if err := w.store.UpdateFoundBlockStatus(ctx, fb.Hash, BlockMatured); err != nil {
				return err
			}
			w.recorder.BlockMatured(fb.Hash, fb.Reward)
			select {
			case w.events <- Maturity{BlockHash: fb.Hash, Height: fb.Height, Reward: fb.Reward}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
