// Package influx writes mining events to InfluxDB as time-series points.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/pkg/log"
)

// Client is a metrics.Recorder backed by the non-blocking InfluxDB write API.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
	now      func() time.Time
}

var _ metrics.Recorder = (*Client)(nil)

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// BatchSize defaults to the client library's default when zero.
	BatchSize uint
}

// NewClient creates a new InfluxDB client and checks the server is healthy.
// Asynchronous write errors are logged.
func NewClient(ctx context.Context, cfg *Config, logger *log.Logger) (*Client, error) {
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c := &Client{client: client, bucket: cfg.Bucket, org: cfg.Org, now: time.Now}
	if err := c.Health(ctx); err != nil {
		client.Close()
		return nil, err
	}

	c.writeAPI = client.WriteAPI(cfg.Org, cfg.Bucket)
	errs := c.writeAPI.Errors()
	influxLog := logger.WithComponent("influx")
	go func() {
		for err := range errs {
			influxLog.WithError(err).Warn("influx write failed")
		}
	}()
	return c, nil
}

// Close flushes pending points and closes the connection.
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

func (c *Client) share(worker, address, result string, difficulty float64) {
	tags := map[string]string{
		"address": address,
		"worker":  worker,
		"result":  result,
	}
	fields := map[string]any{
		"difficulty": difficulty,
		"count":      1,
	}
	c.writeAPI.WritePoint(write.NewPoint("shares", tags, fields, c.now()))
}

func (c *Client) JobSubmitted(worker, address string) {
	c.share(worker, address, "submitted", 0)
}

func (c *Client) ShareAdded(worker, address string, difficulty float64) {
	c.share(worker, address, "accepted", difficulty)
}

func (c *Client) ShareInvalid(worker, address string) {
	c.share(worker, address, "invalid", 0)
}

func (c *Client) ShareDuplicate(worker, address string) {
	c.share(worker, address, "duplicate", 0)
}

func (c *Client) ShareStale(worker, address string) {
	c.share(worker, address, "stale", 0)
}

func (c *Client) BlockShare(worker, address string) {
	c.share(worker, address, "block", 0)
}

// BlockMined writes a block discovery point.
func (c *Client) BlockMined(worker, address string, height int64, hash string) {
	tags := map[string]string{
		"status":  "mined",
		"address": address,
		"worker":  worker,
	}
	fields := map[string]any{
		"height": height,
		"hash":   hash,
		"count":  1,
	}
	c.writeAPI.WritePoint(write.NewPoint("blocks", tags, fields, c.now()))
}

// BlockMatured writes a block maturity point.
func (c *Client) BlockMatured(hash string, reward int64) {
	tags := map[string]string{"status": "matured"}
	fields := map[string]any{
		"hash":   hash,
		"reward": reward,
		"count":  1,
	}
	c.writeAPI.WritePoint(write.NewPoint("blocks", tags, fields, c.now()))
}

// WorkerHashrate writes a hashrate measurement
func (c *Client) WorkerHashrate(worker, address string, hashesPerSecond float64) {
	tags := map[string]string{
		"address": address,
		"worker":  worker,
	}
	fields := map[string]any{"hashrate": hashesPerSecond}
	c.writeAPI.WritePoint(write.NewPoint("hashrate", tags, fields, c.now()))
}

func (c *Client) PoolHashrate(hashesPerSecond float64) {
	fields := map[string]any{"total_hashrate": hashesPerSecond}
	c.writeAPI.WritePoint(write.NewPoint("pool_stats", map[string]string{}, fields, c.now()))
}

func (c *Client) VarDiff(worker, address string, difficulty float64) {
	tags := map[string]string{
		"address": address,
		"worker":  worker,
	}
	fields := map[string]any{"difficulty": difficulty}
	c.writeAPI.WritePoint(write.NewPoint("difficulty", tags, fields, c.now()))
}

// Payout writes one balance credit in satoshis.
func (c *Client) Payout(address string, amount int64) {
	tags := map[string]string{"address": address}
	fields := map[string]any{
		"amount": amount,
		"count":  1,
	}
	c.writeAPI.WritePoint(write.NewPoint("payouts", tags, fields, c.now()))
}
