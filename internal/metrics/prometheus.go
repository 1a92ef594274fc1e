package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/bardlex/poolcore/pkg/log"
)

// PushJob is the Pushgateway job name.
const PushJob = "mining_metrics"

// PoolMinerID labels pool-wide series.
const PoolMinerID = "pool"

// MinerWallet is one (worker, payout address) pair known to storage.
type MinerWallet struct {
	MinerID string
	Wallet  string
}

// MetricStore keeps the last pushed value of every gauge so counts survive
// restarts.
type MetricStore interface {
	SaveMetric(ctx context.Context, name, minerID, wallet string, value float64) error
	GetLastMetric(ctx context.Context, name, minerID, wallet string) (float64, bool, error)
	GetMinerIDsAndWallets(ctx context.Context) ([]MinerWallet, error)
}

type gauge struct {
	name string
	vec  *prometheus.GaugeVec
	// pool-scoped gauges carry pool_address instead of wallet_address
	pool bool
}

// Prometheus records into gauges on a private registry and pushes them to
// a Pushgateway.
type Prometheus struct {
	registry    *prometheus.Registry
	poolAddress string
	store       MetricStore
	pusher      *push.Pusher
	logger      *log.Logger

	minerHashrate *prometheus.GaugeVec
	poolHashrate  *prometheus.GaugeVec
	jobs          *prometheus.GaugeVec
	added         *prometheus.GaugeVec
	invalid       *prometheus.GaugeVec
	duplicated    *prometheus.GaugeVec
	blockShares   *prometheus.GaugeVec
	stale         *prometheus.GaugeVec
	minedBlocks   *prometheus.GaugeVec
	paidBlocks    *prometheus.GaugeVec
	jobsNotFound  *prometheus.GaugeVec
	varDiff       *prometheus.GaugeVec
	shares        *prometheus.GaugeVec

	gauges []gauge
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus creates the gauges. pushURL may be empty to disable
// pushing; store may be nil to disable persistence.
func NewPrometheus(poolAddress, pushURL string, store MetricStore, logger *log.Logger) *Prometheus {
	p := &Prometheus{
		registry:    prometheus.NewRegistry(),
		poolAddress: poolAddress,
		store:       store,
		logger:      logger.WithComponent("prometheus"),
	}

	minerLabels := []string{"miner_id", "wallet_address"}
	poolLabels := []string{"miner_id", "pool_address"}
	newVec := func(name, help string, pool bool) *prometheus.GaugeVec {
		labels := minerLabels
		if pool {
			labels = poolLabels
		}
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
		p.gauges = append(p.gauges, gauge{name: name, vec: vec, pool: pool})
		return vec
	}

	p.minerHashrate = newVec("miner_hash_rate_GHps", "Hash rate of each miner", false)
	p.poolHashrate = newVec("pool_hash_rate_GHps", "Overall hash rate of the pool", true)
	p.jobs = newVec("miner_job_submissions_1min_count", "Job submitted per miner", false)
	p.added = newVec("added_miner_shares_1min_count", "Added shares per miner", false)
	p.invalid = newVec("miner_invalid_shares_1min_count", "Invalid shares per miner", false)
	p.duplicated = newVec("miner_duplicated_shares_1min_count", "Duplicated shares per miner", false)
	p.blockShares = newVec("miner_isblock_shares_1min_count", "Is Block shares per miner", false)
	p.stale = newVec("miner_stale_shares_1min_count", "Stale shares per miner", false)
	p.minedBlocks = newVec("mined_blocks_1min_count", "Total number of mined blocks", true)
	p.paidBlocks = newVec("paid_blocks_1min_count", "Total number of paid blocks", true)
	p.jobsNotFound = newVec("jobs_not_found_1min_count", "Total jobs not found for registered template", true)
	p.varDiff = newVec("var_diff", "Difficulty per miner over time", false)

	// not persisted
	p.shares = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shares",
		Help: "Total number of shares",
	}, []string{"pool_address"})

	for _, g := range p.gauges {
		p.registry.MustRegister(g.vec)
	}
	p.registry.MustRegister(
		p.shares,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if pushURL != "" {
		p.pusher = push.New(pushURL, PushJob).Gatherer(p.registry)
	}
	return p
}

// Registry exposes the private registry, mainly for tests.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry for scraping.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prometheus) JobSubmitted(worker, address string) {
	p.jobs.WithLabelValues(worker, address).Inc()
}

func (p *Prometheus) ShareAdded(worker, address string, _ float64) {
	p.added.WithLabelValues(worker, address).Inc()
	p.shares.WithLabelValues(address).Inc()
}

func (p *Prometheus) ShareInvalid(worker, address string) {
	p.invalid.WithLabelValues(worker, address).Inc()
}

func (p *Prometheus) ShareDuplicate(worker, address string) {
	p.duplicated.WithLabelValues(worker, address).Inc()
}

// ShareStale counts the share as stale and its job as not found.
func (p *Prometheus) ShareStale(worker, address string) {
	p.stale.WithLabelValues(worker, address).Inc()
	p.jobsNotFound.WithLabelValues(worker, p.poolAddress).Inc()
}

func (p *Prometheus) BlockShare(worker, address string) {
	p.blockShares.WithLabelValues(worker, address).Inc()
}

func (p *Prometheus) BlockMined(worker, _ string, _ int64, _ string) {
	p.minedBlocks.WithLabelValues(worker, p.poolAddress).Inc()
}

func (p *Prometheus) BlockMatured(string, int64) {
	p.paidBlocks.WithLabelValues(PoolMinerID, p.poolAddress).Inc()
}

func (p *Prometheus) WorkerHashrate(worker, address string, hashesPerSecond float64) {
	p.minerHashrate.WithLabelValues(worker, address).Set(hashesPerSecond / 1e9)
}

func (p *Prometheus) PoolHashrate(hashesPerSecond float64) {
	p.poolHashrate.WithLabelValues(PoolMinerID, p.poolAddress).Set(hashesPerSecond / 1e9)
}

func (p *Prometheus) VarDiff(worker, address string, difficulty float64) {
	p.varDiff.WithLabelValues(worker, address).Set(difficulty)
}

func (p *Prometheus) Payout(string, int64) {}

// Push sends every series to the Pushgateway and then saves the gauge
// values through the store. A push failure does not prevent saving.
func (p *Prometheus) Push(ctx context.Context) error {
	var pushErr error
	if p.pusher != nil {
		if pushErr = p.pusher.AddContext(ctx); pushErr != nil {
			p.logger.WithError(pushErr).Warn("failed to push metrics to pushgateway")
		} else {
			p.logger.Debug("metrics pushed to pushgateway")
		}
	}
	if err := p.save(ctx); err != nil {
		return err
	}
	return pushErr
}

func (p *Prometheus) save(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	families, err := p.registry.Gather()
	if err != nil {
		return err
	}

	persisted := make(map[string]bool, len(p.gauges))
	for _, g := range p.gauges {
		persisted[g.name] = true
	}

	for _, mf := range families {
		if !persisted[mf.GetName()] {
			continue
		}
		for _, m := range mf.GetMetric() {
			minerID, wallet := "unknown_miner", "unknown_wallet"
			for _, lp := range m.GetLabel() {
				switch lp.GetName() {
				case "miner_id":
					minerID = lp.GetValue()
				case "wallet_address", "pool_address":
					wallet = lp.GetValue()
				}
			}
			if err := p.store.SaveMetric(ctx, mf.GetName(), minerID, wallet, m.GetGauge().GetValue()); err != nil {
				p.logger.WithError(err).Warn("failed to save metric", "metric", mf.GetName(), "miner_id", minerID)
			}
		}
	}
	return nil
}

// Restore seeds every gauge from the last saved value for each known
// (worker, wallet) pair. Pool-scoped gauges are seeded against the pool
// address.
func (p *Prometheus) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	pairs, err := p.store.GetMinerIDsAndWallets(ctx)
	if err != nil {
		return err
	}
	pairs = append(pairs, MinerWallet{MinerID: PoolMinerID, Wallet: p.poolAddress})

	restored := 0
	for _, g := range p.gauges {
		for _, mw := range pairs {
			wallet := mw.Wallet
			if g.pool {
				wallet = p.poolAddress
			} else if mw.MinerID == PoolMinerID {
				continue
			}
			value, ok, err := p.store.GetLastMetric(ctx, g.name, mw.MinerID, wallet)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			g.vec.WithLabelValues(mw.MinerID, wallet).Set(value)
			restored++
		}
	}
	p.logger.Info("restored metrics", "series", restored, "miners", len(pairs)-1)
	return nil
}

// Run pushes every interval until ctx ends, with a final push on the way
// out.
func (p *Prometheus) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = p.Push(flushCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			_ = p.Push(ctx)
		}
	}
}
