// Command blocksubmit retries block candidates the pool could not hand to
// its node. It consumes mining.block_candidates and reports every attempt
// on mining.block_results.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/segmentio/kafka-go"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/config"
	"github.com/bardlex/poolcore/internal/messaging"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New("blocksubmit", cfg.Version, cfg.LogLevel, cfg.LogFormat,
		log.WithRotatingFile(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays))
	defer logger.Close()

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("blocksubmit failed")
		os.Exit(1)
	}
	logger.Info("blocksubmit stopped")
}

func run(cfg *config.Config, logger *log.Logger) error {
	if !cfg.KafkaEnabled() {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	logger.Info("starting blocksubmit", "version", cfg.Version, "node", cfg.NodeRPCAddr())

	node, err := bitcoin.NewRPCClient(cfg.NodeRPCHost, cfg.NodeRPCPort, cfg.NodeRPCUser, cfg.NodeRPCPassword)
	if err != nil {
		return err
	}
	defer node.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := node.Ping(pingCtx); err != nil {
		return fmt.Errorf("failed to connect to node: %w", err)
	}
	logger.Info("connected to node")

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer kafkaClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	submitter := NewBlockSubmitter(node, kafkaClient, logger)
	err = kafkaClient.StartConsumer(ctx, messaging.TopicBlockCandidates, cfg.KafkaGroupID+"-blocksubmit", submitter.Handle)

	st := submitter.Stats()
	logger.Info("submission totals",
		"submitted", st.TotalSubmitted,
		"accepted", st.TotalAccepted,
		"rejected", st.TotalRejected,
		"average_latency_ms", st.AverageLatencyMs,
	)
	if err != nil && !stderrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Node is the node call blocksubmit needs.
type Node interface {
	SubmitBlock(ctx context.Context, block *wire.MsgBlock) error
}

// BlockSubmitter submits decoded block candidates and publishes the outcome.
type BlockSubmitter struct {
	node     Node
	producer messaging.Producer
	logger   *log.Logger
	now      func() time.Time

	mu    sync.Mutex
	stats SubmissionStats
}

// SubmissionStats summarises the attempts made so far.
type SubmissionStats struct {
	TotalSubmitted   int64
	TotalAccepted    int64
	TotalRejected    int64
	AverageLatencyMs float64
	LastSubmissionAt time.Time
}

// NewBlockSubmitter creates a BlockSubmitter.
func NewBlockSubmitter(node Node, producer messaging.Producer, logger *log.Logger) *BlockSubmitter {
	return &BlockSubmitter{
		node:     node,
		producer: producer,
		logger:   logger.WithComponent("blocksubmit"),
		now:      time.Now,
	}
}

// Handle is the consumer handler for block candidates. Malformed candidates
// are dropped; a failed result publish is returned so it is retried.
func (bs *BlockSubmitter) Handle(ctx context.Context, msg kafka.Message) error {
	candidate, err := messaging.DecodeBlockCandidate(msg.Value)
	if err != nil {
		return malformed(err, "decode_candidate", "malformed block candidate").
			WithContext("offset", msg.Offset)
	}

	block, err := decodeBlock(candidate)
	if err != nil {
		return err
	}

	result := bs.submit(ctx, candidate, block)
	data, err := messaging.EncodeJSON(result)
	if err != nil {
		return err
	}
	return bs.producer.PublishJSON(ctx, messaging.TopicBlockResults, candidate.BlockHash, data)
}

// malformed wraps a decoding failure that no retry can fix, even when its
// text looks transient ("unexpected EOF").
func malformed(err error, op, msg string) *errors.ServiceError {
	se := errors.Wrap(err, errors.ErrorTypeValidation, op, msg)
	se.Retryable = false
	return se
}

func decodeBlock(c *messaging.BlockCandidateMessage) (*wire.MsgBlock, error) {
	raw, err := hex.DecodeString(c.BlockHex)
	if err != nil {
		return nil, malformed(err, "decode_block", "block hex is invalid").
			WithContext("block_hash", c.BlockHash)
	}
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, malformed(err, "decode_block", "block does not deserialize").
			WithContext("block_hash", c.BlockHash)
	}
	if got := block.BlockHash().String(); got != c.BlockHash {
		return nil, errors.New(errors.ErrorTypeValidation, "decode_block", "block hash mismatch").
			WithContext("block_hash", c.BlockHash).
			WithContext("computed_hash", got)
	}
	return &block, nil
}

func (bs *BlockSubmitter) submit(ctx context.Context, c *messaging.BlockCandidateMessage, block *wire.MsgBlock) *messaging.BlockSubmissionResult {
	logger := bs.logger.WithMiner(c.MinerAddress, c.WorkerName).WithFields(
		"block_hash", c.BlockHash,
		"block_height", c.BlockHeight,
	)
	logger.Info("submitting block candidate", "cause", c.Cause, "found_at", c.FoundAt)

	start := bs.now()
	err := bs.node.SubmitBlock(ctx, block)
	latency := bs.now().Sub(start)

	result := &messaging.BlockSubmissionResult{
		BlockHash:      c.BlockHash,
		BlockHeight:    c.BlockHeight,
		Status:         submissionStatus(err),
		SubmissionTime: bs.now(),
		LatencyMs:      float64(latency.Nanoseconds()) / 1e6,
	}
	if err != nil {
		result.ErrorMessage = err.Error()
	}
	bs.record(result)

	switch result.Status {
	case "accepted":
		logger.LogBlockFound(c.BlockHash, c.BlockHeight, c.MinerAddress, c.WorkerName, 0)
	case "duplicate":
		logger.Info("node already has block")
	default:
		logger.WithError(err).Error("block candidate rejected", "critical", true)
	}
	return result
}

// submissionStatus treats a block the node already knows as delivered.
func submissionStatus(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case strings.Contains(err.Error(), "duplicate"):
		return "duplicate"
	default:
		return "rejected"
	}
}

func (bs *BlockSubmitter) record(r *messaging.BlockSubmissionResult) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	s := &bs.stats
	s.TotalSubmitted++
	if r.Status == "rejected" {
		s.TotalRejected++
	} else {
		s.TotalAccepted++
	}
	s.AverageLatencyMs += (r.LatencyMs - s.AverageLatencyMs) / float64(s.TotalSubmitted)
	s.LastSubmissionAt = r.SubmissionTime
}

// Stats returns a snapshot of the submission counters.
func (bs *BlockSubmitter) Stats() SubmissionStats {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.stats
}
