// Package redis remembers worker difficulty across reconnects and keeps a
// rolling window of hashrate samples per worker.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/internal/shares"
	"github.com/bardlex/poolcore/pkg/log"
)

const (
	difficultyTTL  = 7 * 24 * time.Hour
	sampleBuffer   = 1024
	poolWorkerName = "_pool"
)

// Client wraps Redis operations for the mining pool
type Client struct {
	rdb     *redis.Client
	window  time.Duration
	samples chan sample
	logger  *log.Logger
	now     func() time.Time
}

type sample struct {
	address  string
	worker   string
	hashrate float64
}

var _ shares.DifficultyStore = (*Client)(nil)

// Config holds Redis connection configuration
type Config struct {
	URL string
	// Window is how long hashrate samples are kept.
	Window time.Duration
}

// NewClient parses the redis:// URL and pings the server.
func NewClient(ctx context.Context, cfg *Config, logger *log.Logger) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	window := cfg.Window
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Client{
		rdb:     rdb,
		window:  window,
		samples: make(chan sample, sampleBuffer),
		logger:  logger.WithComponent("redis"),
		now:     time.Now,
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func difficultyKey(address string) string {
	return "difficulty:" + address
}

func hashrateKey(address, worker string) string {
	return fmt.Sprintf("hashrate:%s:%s", address, worker)
}

// LoadDifficulty returns the last difficulty vardiff settled on for the
// worker.
func (c *Client) LoadDifficulty(ctx context.Context, address, worker string) (float64, bool, error) {
	d, err := c.rdb.HGet(ctx, difficultyKey(address), worker).Float64()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to load difficulty: %w", err)
	}
	return d, true, nil
}

// SaveDifficulty stores the worker's difficulty and refreshes the address
// key's expiry.
func (c *Client) SaveDifficulty(ctx context.Context, address, worker string, difficulty float64) error {
	key := difficultyKey(address)
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, worker, difficulty)
	pipe.Expire(ctx, key, difficultyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save difficulty: %w", err)
	}
	return nil
}

// SetHashrate adds a sample to the worker's sorted set and trims samples
// older than the window.
func (c *Client) SetHashrate(ctx context.Context, address, worker string, hashrate float64) error {
	key := hashrateKey(address, worker)
	now := c.now()
	timestamp := now.UnixNano()

	// the member carries the timestamp so equal rates don't collapse
	member := &redis.Z{
		Score:  float64(now.Unix()),
		Member: strconv.FormatInt(timestamp, 10) + ":" + strconv.FormatFloat(hashrate, 'f', -1, 64),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, *member)
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(now.Add(-c.window).Unix(), 10))
	pipe.Expire(ctx, key, c.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set hashrate: %w", err)
	}
	return nil
}

// AverageHashrate averages the worker's samples inside the window.
func (c *Client) AverageHashrate(ctx context.Context, address, worker string) (float64, error) {
	minScore := c.now().Add(-c.window).Unix()

	values, err := c.rdb.ZRangeByScore(ctx, hashrateKey(address, worker), &redis.ZRangeBy{
		Min: strconv.FormatInt(minScore, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}
	return averageSamples(values), nil
}

// PoolAverageHashrate averages the pool-wide samples inside the window.
func (c *Client) PoolAverageHashrate(ctx context.Context) (float64, error) {
	return c.AverageHashrate(ctx, "", poolWorkerName)
}

func averageSamples(values []string) float64 {
	var total float64
	var n int
	for _, val := range values {
		_, rate, ok := cutSample(val)
		if !ok {
			continue
		}
		total += rate
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

func cutSample(member string) (int64, float64, bool) {
	tsPart, ratePart, ok := strings.Cut(member, ":")
	if !ok {
		return 0, 0, false
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	rate, err := strconv.ParseFloat(ratePart, 64)
	if err != nil {
		return 0, 0, false
	}
	return ts, rate, true
}

// Recorder returns a metrics.Recorder that queues hashrate samples for Run.
// Samples are dropped when the queue is full.
func (c *Client) Recorder() metrics.Recorder {
	return hashrateRecorder{c: c}
}

type hashrateRecorder struct {
	metrics.Nop
	c *Client
}

func (r hashrateRecorder) WorkerHashrate(worker, address string, hashesPerSecond float64) {
	r.c.enqueue(sample{address: address, worker: worker, hashrate: hashesPerSecond})
}

func (r hashrateRecorder) PoolHashrate(hashesPerSecond float64) {
	r.c.enqueue(sample{worker: poolWorkerName, hashrate: hashesPerSecond})
}

func (c *Client) enqueue(s sample) {
	select {
	case c.samples <- s:
	default:
	}
}

// Run writes queued hashrate samples until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-c.samples:
			if err := c.SetHashrate(ctx, s.address, s.worker, s.hashrate); err != nil {
				c.logger.WithMiner(s.address, s.worker).WithError(err).Warn("failed to store hashrate sample")
			}
		}
	}
}
