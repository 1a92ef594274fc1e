package templates

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/pkg/log"
)

// Config configures a Cache.
type Config struct {
	Capacity        int
	PayoutScript    []byte
	CoinbaseTag     string
	PollInterval    time.Duration
	RefreshInterval time.Duration
}

// FoundBlock describes a block handed to the node.
type FoundBlock struct {
	Hash   string
	Height int64
	Reward int64
	JobID  string
	Raw    []byte
}

// Cache holds the current job and a bounded window of recent ones.
type Cache struct {
	cfg    Config
	node   bitcoin.Node
	logger *log.Logger

	jobs    *lru.Cache[string, *Job]
	counter atomic.Uint64

	// updateMu serializes template fetches from the poll loop and ZMQ.
	updateMu sync.Mutex

	mu      sync.RWMutex
	current *Job
	subs    []chan *Job

	newBlock chan struct{}
}

// New creates an empty cache. Run must be called to populate it.
func New(cfg Config, node bitcoin.Node, logger *log.Logger) (*Cache, error) {
	jobs, err := lru.NewWithEvict(cfg.Capacity, func(_ string, job *Job) {
		job.markStale()
	})
	if err != nil {
		return nil, fmt.Errorf("job cache: %w", err)
	}
	return &Cache{
		cfg:      cfg,
		node:     node,
		logger:   logger.WithComponent("templates"),
		jobs:     jobs,
		newBlock: make(chan struct{}, 1),
	}, nil
}

// Current returns the latest job, or nil before the first fetch.
func (c *Cache) Current() *Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// PoWState looks up an active job.
func (c *Cache) PoWState(jobID string) (*PoWState, error) {
	job, ok := c.jobs.Get(jobID)
	if !ok || job.State() != StateActive {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return &PoWState{job: job}, nil
}

// Subscribe returns a channel that receives every new job. Slow readers
// only ever see the most recent one.
func (c *Cache) Subscribe() <-chan *Job {
	ch := make(chan *Job, 1)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// OnNewBlock requests an immediate template fetch. It never blocks and is
// meant as a ZMQ hashblock callback.
func (c *Cache) OnNewBlock(string) {
	select {
	case c.newBlock <- struct{}{}:
	default:
	}
}

// Run fetches the first template and then keeps the current job fresh
// until ctx is cancelled. A failed first fetch is returned.
func (c *Cache) Run(ctx context.Context) error {
	if _, err := c.Update(ctx, true); err != nil {
		return err
	}

	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()
	refresh := time.NewTicker(c.cfg.RefreshInterval)
	defer refresh.Stop()

	for {
		var force bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.newBlock:
		case <-poll.C:
		case <-refresh.C:
			force = true
		}
		if _, err := c.Update(ctx, force); err != nil {
			c.logger.WithError(err).Warn("template update failed")
		}
	}
}

// Update fetches a template and publishes a new job when the chain tip
// moved or force is set. It returns the new job, or nil when nothing
// changed.
func (c *Cache) Update(ctx context.Context, force bool) (*Job, error) {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	res, err := c.node.GetBlockTemplate(ctx)
	if err != nil {
		return nil, err
	}
	tmpl, err := bitcoin.ParseTemplate(res)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	prev := c.Current()
	newTip := prev == nil || prev.Template.PrevHash != tmpl.PrevHash
	if !newTip && !force {
		return nil, nil
	}

	job, err := c.buildJob(tmpl, newTip)
	if err != nil {
		return nil, err
	}

	// jobs on the old tip can no longer produce blocks
	if newTip {
		c.jobs.Purge()
	}
	c.jobs.Add(job.ID, job)

	c.mu.Lock()
	c.current = job
	subs := c.subs
	c.mu.Unlock()

	for _, ch := range subs {
		publishLatest(ch, job)
	}

	c.logger.WithJob(job.ID, tmpl.Height).Info("new job",
		"prev_hash", tmpl.PrevHash.String(),
		"transactions", len(tmpl.Transactions),
		"coinbase_value", tmpl.CoinbaseValue,
		"clean_jobs", newTip,
	)
	return job, nil
}

func publishLatest(ch chan *Job, job *Job) {
	for {
		select {
		case ch <- job:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (c *Cache) buildJob(tmpl *bitcoin.Template, clean bool) (*Job, error) {
	coinbase, err := bitcoin.BuildCoinbase(bitcoin.CoinbaseParams{
		Height:            tmpl.Height,
		Value:             tmpl.CoinbaseValue,
		PayoutScript:      c.cfg.PayoutScript,
		Tag:               c.cfg.CoinbaseTag,
		WitnessCommitment: tmpl.WitnessCommitment,
	})
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:        strconv.FormatUint(c.counter.Add(1), 16),
		Template:  tmpl,
		Coinbase:  coinbase,
		Branch:    bitcoin.MerkleBranch(tmpl.TxHashes),
		CleanJobs: clean,
		CreatedAt: time.Now(),
	}
	return job, nil
}

// SubmitBlock rebuilds the block for w and sends it to the node. The
// returned FoundBlock is populated even on failure so the caller can
// republish the raw block elsewhere.
func (c *Cache) SubmitBlock(ctx context.Context, state *PoWState, w Work) (*FoundBlock, error) {
	job := state.job
	header, coinbase, err := state.Header(w)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBlockSubmission, err)
	}
	block, err := job.Template.BuildBlock(header, coinbase)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBlockSubmission, err)
	}
	raw, err := bitcoin.SerializeBlock(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBlockSubmission, err)
	}

	found := &FoundBlock{
		Hash:   block.BlockHash().String(),
		Height: job.Template.Height,
		Reward: job.Template.CoinbaseValue,
		JobID:  job.ID,
		Raw:    raw,
	}

	if err := c.node.SubmitBlock(ctx, block); err != nil {
		c.logger.WithJob(job.ID, found.Height).WithError(err).Error("block submission failed",
			"block_hash", found.Hash,
			"critical", true,
			"block_hex", hex.EncodeToString(raw),
		)
		return found, fmt.Errorf("%w: %w", ErrBlockSubmission, err)
	}

	job.markSubmitted()
	return found, nil
}
