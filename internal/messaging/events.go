package messaging

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/poolcore/internal/pool"
	"github.com/bardlex/poolcore/internal/shares"
	"github.com/bardlex/poolcore/internal/stratum"
	"github.com/bardlex/poolcore/internal/templates"
	"github.com/bardlex/poolcore/pkg/log"
)

var codec = sonic.ConfigStd

// Share result statuses.
const (
	ShareAccepted  = "accepted"
	ShareDuplicate = "duplicate"
	ShareStale     = "stale"
	ShareInvalid   = "invalid"
	ShareError     = "error"
)

// BlockCandidateMessage carries a solved block the node did not accept so
// the fallback submitter can retry it.
type BlockCandidateMessage struct {
	JobID        string    `json:"job_id"`
	BlockHash    string    `json:"block_hash"`
	BlockHex     string    `json:"block_hex"`
	BlockHeight  int64     `json:"block_height"`
	Reward       int64     `json:"reward"`
	MinerAddress string    `json:"miner_address"`
	WorkerName   string    `json:"worker_name"`
	Cause        string    `json:"cause,omitempty"`
	FoundAt      time.Time `json:"found_at"`
}

// BlockSubmissionResult reports what the fallback submitter achieved.
type BlockSubmissionResult struct {
	BlockHash      string    `json:"block_hash"`
	BlockHeight    int64     `json:"block_height"`
	Status         string    `json:"status"` // "accepted", "rejected"
	ErrorMessage   string    `json:"error_message,omitempty"`
	SubmissionTime time.Time `json:"submission_time"`
	LatencyMs      float64   `json:"latency_ms"`
}

// DecodeBlockCandidate parses a block candidate message.
func DecodeBlockCandidate(data []byte) (*BlockCandidateMessage, error) {
	var msg BlockCandidateMessage
	if err := codec.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.BlockHex == "" || msg.BlockHash == "" {
		return nil, errors.New("block candidate without block data")
	}
	return &msg, nil
}

// EncodeJSON encodes v with the messaging codec.
func EncodeJSON(v any) ([]byte, error) {
	return codec.Marshal(v)
}

// ShareStatus names the outcome of a submission.
func ShareStatus(err error) string {
	switch {
	case err == nil:
		return ShareAccepted
	case errors.Is(err, shares.ErrDuplicateShare):
		return ShareDuplicate
	case errors.Is(err, shares.ErrStaleJob), errors.Is(err, templates.ErrJobNotFound):
		return ShareStale
	case errors.Is(err, shares.ErrInvalidShare), errors.Is(err, templates.ErrMalformedWork):
		return ShareInvalid
	default:
		return ShareError
	}
}

// Producer is the publishing side of KafkaClient.
type Producer interface {
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
	PublishJSON(ctx context.Context, topic, key string, data []byte) error
}

type shareEvent struct {
	sessionID string
	sub       shares.Submission
	status    string
	errMsg    string
	at        time.Time
}

// Events publishes payouts, block candidates and share results. Share
// results are queued and published by Run so the submit path never waits
// on Kafka; they are dropped when the queue is full.
type Events struct {
	producer Producer
	logger   *log.Logger
	shares   chan shareEvent
	dropped  atomic.Uint64
	now      func() time.Time
}

var (
	_ pool.Publisher          = (*Events)(nil)
	_ pool.CandidatePublisher = (*Events)(nil)
	_ stratum.ShareObserver   = (*Events)(nil)
)

// NewEvents creates an Events publisher with room for queueSize share
// results.
func NewEvents(producer Producer, queueSize int, logger *log.Logger) *Events {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Events{
		producer: producer,
		logger:   logger.WithComponent("events"),
		shares:   make(chan shareEvent, queueSize),
		now:      time.Now,
	}
}

// Dropped is the number of share results lost to a full queue.
func (e *Events) Dropped() uint64 { return e.dropped.Load() }

// ShareProcessed queues the submission outcome.
func (e *Events) ShareProcessed(_ context.Context, sessionID string, sub shares.Submission, err error) {
	ev := shareEvent{sessionID: sessionID, sub: sub, status: ShareStatus(err), at: e.now()}
	if err != nil {
		ev.errMsg = err.Error()
	}
	select {
	case e.shares <- ev:
	default:
		if e.dropped.Add(1)%1000 == 1 {
			e.logger.Warn("share result queue full, dropping", "dropped", e.dropped.Load())
		}
	}
}

// Run publishes queued share results until ctx ends.
func (e *Events) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.shares:
			msg, err := shareResult(ev)
			if err != nil {
				e.logger.WithError(err).Warn("failed to encode share result")
				continue
			}
			if err := e.producer.PublishProto(ctx, TopicShareResults, ev.sub.Address, msg); err != nil && ctx.Err() == nil {
				e.logger.WithError(err).Warn("failed to publish share result", "session_id", ev.sessionID)
			}
		}
	}
}

func shareResult(ev shareEvent) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"session_id":   ev.sessionID,
		"address":      ev.sub.Address,
		"worker":       ev.sub.Worker,
		"job_id":       ev.sub.JobID,
		"difficulty":   ev.sub.Difficulty,
		"nonce_key":    ev.sub.Work.Key(ev.sub.JobID),
		"status":       ev.status,
		"error":        ev.errMsg,
		"processed_at": ev.at.UTC().Format(time.RFC3339Nano),
	})
}

// PublishPayout announces a distribution keyed by its timestamp.
func (e *Events) PublishPayout(ctx context.Context, d *pool.Distribution) error {
	msg, err := PayoutStruct(d)
	if err != nil {
		return err
	}
	return e.producer.PublishProto(ctx, TopicPayouts, d.At.UTC().Format(time.RFC3339Nano), msg)
}

// PayoutStruct converts a distribution to its wire form. Pool-wide amounts
// are decimal strings; per-payment amounts fit a JSON number exactly.
func PayoutStruct(d *pool.Distribution) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"miner_payable":    decimal(d.MinerPayable),
		"pool_fee":         decimal(d.PoolFee),
		"carried_in":       decimal(d.CarriedIn),
		"carried":          decimal(d.Carried),
		"owed":             decimal(d.Owed),
		"total_difficulty": d.TotalDifficulty,
		"contributions":    d.Contributions,
		"recipients":       d.Recipients(),
		"payments":         paymentList(d.Payments),
		"settled":          paymentList(d.Settled),
		"at":               d.At.UTC().Format(time.RFC3339Nano),
	})
}

func paymentList(in []pool.Payment) []any {
	out := make([]any, 0, len(in))
	for _, p := range in {
		out = append(out, map[string]any{
			"address":    p.Address,
			"miner_id":   p.MinerID,
			"amount":     p.Amount,
			"difficulty": p.Difficulty,
		})
	}
	return out
}

func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// PublishConfig announces the settings the pool started with, keyed by the
// pool address.
func (e *Events) PublishConfig(ctx context.Context, poolAddress string, settings map[string]any) error {
	msg, err := structpb.NewStruct(map[string]any{
		"config":     settings,
		"started_at": e.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return e.producer.PublishProto(ctx, TopicPoolConfig, poolAddress, msg)
}

// PublishBlockCandidate hands a block the node rejected to blocksubmit.
func (e *Events) PublishBlockCandidate(ctx context.Context, block *templates.FoundBlock, worker, address string, cause error) error {
	msg := BlockCandidateMessage{
		JobID:        block.JobID,
		BlockHash:    block.Hash,
		BlockHex:     hex.EncodeToString(block.Raw),
		BlockHeight:  block.Height,
		Reward:       block.Reward,
		MinerAddress: address,
		WorkerName:   worker,
		FoundAt:      e.now(),
	}
	if cause != nil {
		msg.Cause = cause.Error()
	}
	data, err := EncodeJSON(msg)
	if err != nil {
		return err
	}
	return e.producer.PublishJSON(ctx, TopicBlockCandidates, block.Hash, data)
}
