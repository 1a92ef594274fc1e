package pool

import (
	"context"
	"time"

	"github.com/bardlex/poolcore/internal/shares"
	"github.com/bardlex/poolcore/internal/templates"
	"github.com/bardlex/poolcore/internal/treasury"
	"github.com/bardlex/poolcore/pkg/log"
	"github.com/bardlex/poolcore/pkg/retry"
)

// FoundBlockStore records blocks for the maturity watcher.
type FoundBlockStore interface {
	AddFoundBlock(ctx context.Context, block treasury.FoundBlock) error
}

// CandidatePublisher hands a block the node rejected to the fallback
// submitter.
type CandidatePublisher interface {
	PublishBlockCandidate(ctx context.Context, block *templates.FoundBlock, worker, address string, cause error) error
}

// BlockTracker is the validator's BlockObserver. It stores every solved
// block for the maturity watcher, republishes failed submissions and
// forwards both to an alert sink.
type BlockTracker struct {
	store     FoundBlockStore
	publisher CandidatePublisher
	alerts    shares.BlockObserver
	logger    *log.Logger
	retry     *retry.Config
}

var _ shares.BlockObserver = (*BlockTracker)(nil)

// NewBlockTracker creates a BlockTracker. publisher and alerts may be nil.
func NewBlockTracker(store FoundBlockStore, publisher CandidatePublisher, alerts shares.BlockObserver, logger *log.Logger) *BlockTracker {
	return &BlockTracker{
		store:     store,
		publisher: publisher,
		alerts:    alerts,
		logger:    logger.WithComponent("blocks"),
		retry:     retry.DatabaseConfig(),
	}
}

// BlockFound stores the block as pending maturity.
func (t *BlockTracker) BlockFound(ctx context.Context, block *templates.FoundBlock, worker, address string) {
	t.record(ctx, block, worker, address)
	if t.alerts != nil {
		t.alerts.BlockFound(ctx, block, worker, address)
	}
}

// BlockSubmissionFailed stores the block as pending too, since a failed
// submitblock may still have reached the chain and the fallback submitter
// may land it later. The watcher orphans it if the node never learns of it.
// The raw block is then republished so another submitter can retry it.
func (t *BlockTracker) BlockSubmissionFailed(ctx context.Context, block *templates.FoundBlock, worker, address string, cause error) {
	t.record(ctx, block, worker, address)
	if t.publisher != nil {
		if err := t.publisher.PublishBlockCandidate(ctx, block, worker, address, cause); err != nil {
			t.logger.WithMiner(address, worker).WithError(err).Error("failed to republish block candidate",
				"block_hash", block.Hash, "critical", true)
		}
	}
	if t.alerts != nil {
		t.alerts.BlockSubmissionFailed(ctx, block, worker, address, cause)
	}
}

func (t *BlockTracker) record(ctx context.Context, block *templates.FoundBlock, worker, address string) {
	fb := treasury.FoundBlock{
		Hash:    block.Hash,
		Height:  block.Height,
		Reward:  block.Reward,
		Address: address,
		Worker:  worker,
		FoundAt: time.Now(),
		Status:  treasury.BlockPending,
	}
	err := retry.Do(ctx, t.retry, func() error {
		return t.store.AddFoundBlock(ctx, fb)
	})
	if err != nil {
		t.logger.WithMiner(address, worker).WithError(err).Error("failed to record found block",
			"block_hash", block.Hash, "block_height", block.Height, "critical", true)
	}
}
