// Package pool turns payout signals into per-miner balances and keeps the
// bookkeeping for blocks the pool finds.
package pool

import (
	"cmp"
	"context"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/internal/shares"
	"github.com/bardlex/poolcore/internal/treasury"
	poolerrors "github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
	"github.com/bardlex/poolcore/pkg/retry"
)

// Ledger is the contribution source drained once per payout.
type Ledger interface {
	DrainContributions() []shares.Contribution
}

// Balances credits miners.
type Balances interface {
	AddBalance(ctx context.Context, minerID, wallet string, delta int64) error
}

// CarryStore persists what a cycle could not credit: the pool-wide carry
// joins the next cycle's payable, owed payments stay with their miner.
type CarryStore interface {
	LoadCarry(ctx context.Context) (int64, error)
	SaveCarry(ctx context.Context, amount int64) error
	LoadOwed(ctx context.Context) ([]Payment, error)
	SaveOwed(ctx context.Context, owed []Payment) error
}

// Publisher announces completed distributions.
type Publisher interface {
	PublishPayout(ctx context.Context, d *Distribution) error
}

// PayoutAlerter is told about every distribution.
type PayoutAlerter interface {
	PayoutDistributed(ctx context.Context, d *Distribution)
}

// Payment is one balance credit. MinerID is the worker name.
type Payment struct {
	Address    string
	MinerID    string
	Amount     int64
	Difficulty float64
}

// Distribution is the outcome of one payout cycle.
type Distribution struct {
	// MinerPayable includes the amount carried in from earlier cycles.
	MinerPayable    *big.Int
	PoolFee         *big.Int
	CarriedIn       *big.Int
	Carried         *big.Int
	// Owed is what failed to credit and is still held for its miners.
	Owed            *big.Int
	TotalDifficulty float64
	Contributions   int
	Payments        []Payment
	// Settled are owed payments from earlier cycles credited in this one.
	Settled         []Payment
	At              time.Time
}

// Recipients is the number of distinct addresses paid.
func (d *Distribution) Recipients() int {
	seen := make(map[string]struct{}, len(d.Payments))
	for _, p := range d.Payments {
		seen[p.Address] = struct{}{}
	}
	return len(seen)
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCarryStore persists the carried amount across restarts.
func WithCarryStore(s CarryStore) CoordinatorOption {
	return func(c *Coordinator) { c.carryStore = s }
}

// WithPublisher announces distributions.
func WithPublisher(p Publisher) CoordinatorOption {
	return func(c *Coordinator) { c.publisher = p }
}

// WithPayoutAlerter reports distributions to a.
func WithPayoutAlerter(a PayoutAlerter) CoordinatorOption {
	return func(c *Coordinator) { c.alerts = a }
}

// WithRetry overrides the retry policy for balance writes.
func WithRetry(cfg *retry.Config) CoordinatorOption {
	return func(c *Coordinator) { c.retry = cfg }
}

// Coordinator splits each payout over the drained contributions in
// proportion to difficulty. Amounts lost to rounding and cycles without
// contributions are carried into the next cycle's payable. A failed balance
// write is owed to that miner and retried before the next split.
type Coordinator struct {
	ledger     Ledger
	balances   Balances
	carryStore CarryStore
	publisher  Publisher
	alerts     PayoutAlerter
	recorder   metrics.Recorder
	logger     *log.Logger
	retry      *retry.Config
	now        func() time.Time

	mu    sync.Mutex
	carry *big.Int
	owed  map[owedKey]int64
}

type owedKey struct {
	address string
	minerID string
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(ledger Ledger, balances Balances, recorder metrics.Recorder, logger *log.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		ledger:   ledger,
		balances: balances,
		recorder: recorder,
		logger:   logger.WithComponent("payout"),
		retry:    retry.DatabaseConfig(),
		now:      time.Now,
		carry:    new(big.Int),
		owed:     make(map[owedKey]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Restore loads the carried amount from the carry store.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.carryStore == nil {
		return nil
	}
	amount, err := c.carryStore.LoadCarry(ctx)
	if err != nil {
		return fmt.Errorf("load carried payout: %w", err)
	}
	if amount < 0 {
		return poolerrors.Wrap(treasury.ErrPayoutInconsistency, poolerrors.ErrorTypePayout, "restore_carry",
			"negative carried amount").WithContext("carry", amount).AsCritical()
	}

	owed, err := c.carryStore.LoadOwed(ctx)
	if err != nil {
		return fmt.Errorf("load owed payments: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.carry.SetInt64(amount)
	clear(c.owed)
	for _, p := range owed {
		if p.Amount < 0 {
			return poolerrors.Wrap(treasury.ErrPayoutInconsistency, poolerrors.ErrorTypePayout, "restore_owed",
				"negative owed amount").WithContext("address", p.Address).WithContext("owed", p.Amount).AsCritical()
		}
		c.owed[owedKey{p.Address, p.MinerID}] += p.Amount
	}
	c.logger.Info("restored carried payout", "carry", amount, "owed_miners", len(c.owed))
	return nil
}

// Carry is the amount waiting for the next cycle.
func (c *Coordinator) Carry() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.carry)
}

// Owed is what failed to credit and is still held per miner.
func (c *Coordinator) Owed() []Payment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owedPayments()
}

// Run distributes every payout until ctx ends or an invariant breaks.
func (c *Coordinator) Run(ctx context.Context, payouts <-chan treasury.Payout) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-payouts:
			if !ok {
				return nil
			}
			if _, err := c.Distribute(ctx, p); err != nil {
				return err
			}
		}
	}
}

type workerShare struct {
	minerID    string
	difficulty *big.Rat
	approx     float64
}

type addressShare struct {
	address    string
	difficulty *big.Rat
	workers    []*workerShare
}

// Distribute drains the ledger and credits every contributing address.
func (c *Coordinator) Distribute(ctx context.Context, p treasury.Payout) (*Distribution, error) {
	if p.MinerPayable == nil || p.PoolFee == nil || p.MinerPayable.Sign() < 0 || p.PoolFee.Sign() < 0 {
		return nil, poolerrors.Wrap(treasury.ErrPayoutInconsistency, poolerrors.ErrorTypePayout, "distribute",
			"invalid payout signal").AsCritical()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	settled := c.settleOwed(ctx)
	carriedIn := new(big.Int).Set(c.carry)
	payable := new(big.Int).Add(p.MinerPayable, carriedIn)
	contributions := c.ledger.DrainContributions()
	addresses, total, totalApprox := groupContributions(contributions)

	d := &Distribution{
		MinerPayable:    payable,
		PoolFee:         new(big.Int).Set(p.PoolFee),
		CarriedIn:       carriedIn,
		TotalDifficulty: totalApprox,
		Contributions:   len(contributions),
		Settled:         settled,
		At:              c.now(),
	}

	remaining := new(big.Int).Set(payable)
	if total.Sign() > 0 {
		for _, as := range addresses {
			amount := floorShare(payable, as.difficulty, total)
			for _, pay := range splitAddress(as, amount) {
				if pay.Amount == 0 {
					continue
				}
				remaining.Sub(remaining, big.NewInt(pay.Amount))
				if err := c.credit(ctx, pay); err != nil {
					c.logger.WithMiner(pay.Address, pay.MinerID).WithError(err).
						Error("balance credit failed, holding amount for the miner", "amount", pay.Amount, "critical", true)
					c.owed[owedKey{pay.Address, pay.MinerID}] += pay.Amount
					continue
				}
				d.Payments = append(d.Payments, pay)
				c.recorder.Payout(pay.Address, pay.Amount)
			}
		}
	}

	if remaining.Sign() < 0 || remaining.Cmp(payable) > 0 {
		return nil, poolerrors.Wrap(treasury.ErrPayoutInconsistency, poolerrors.ErrorTypePayout, "distribute",
			"credited more than payable").
			WithContext("payable", payable.String()).
			WithContext("remaining", remaining.String()).
			AsCritical()
	}

	c.carry = remaining
	d.Carried = new(big.Int).Set(remaining)
	d.Owed = c.owedTotal()
	c.persistCarry(ctx)

	c.logger.LogPayout(payable.String(), p.PoolFee.String(), remaining.String(), d.Recipients())
	if d.Owed.Sign() > 0 {
		c.logger.Warn("payments held for miners after failed credits", "owed", d.Owed.String(), "owed_miners", len(c.owed))
	}
	if c.publisher != nil {
		if err := c.publisher.PublishPayout(ctx, d); err != nil {
			c.logger.WithError(err).Warn("failed to publish payout")
		}
	}
	if c.alerts != nil {
		c.alerts.PayoutDistributed(ctx, d)
	}
	return d, nil
}

func (c *Coordinator) credit(ctx context.Context, pay Payment) error {
	return retry.Do(ctx, c.retry, func() error {
		return c.balances.AddBalance(ctx, pay.MinerID, pay.Address, pay.Amount)
	})
}

// settleOwed credits what earlier cycles could not. Payments that fail
// again stay owed.
func (c *Coordinator) settleOwed(ctx context.Context) []Payment {
	var settled []Payment
	for _, pay := range c.owedPayments() {
		if err := c.credit(ctx, pay); err != nil {
			c.logger.WithMiner(pay.Address, pay.MinerID).WithError(err).
				Error("owed balance credit failed again", "amount", pay.Amount, "critical", true)
			continue
		}
		delete(c.owed, owedKey{pay.Address, pay.MinerID})
		settled = append(settled, pay)
		c.recorder.Payout(pay.Address, pay.Amount)
	}
	return settled
}

func (c *Coordinator) owedPayments() []Payment {
	out := make([]Payment, 0, len(c.owed))
	for k, amount := range c.owed {
		out = append(out, Payment{Address: k.address, MinerID: k.minerID, Amount: amount})
	}
	slices.SortFunc(out, func(a, b Payment) int {
		return cmp.Or(cmp.Compare(a.Address, b.Address), cmp.Compare(a.MinerID, b.MinerID))
	})
	return out
}

func (c *Coordinator) owedTotal() *big.Int {
	total := new(big.Int)
	for _, amount := range c.owed {
		total.Add(total, big.NewInt(amount))
	}
	return total
}

func (c *Coordinator) persistCarry(ctx context.Context) {
	if c.carryStore == nil {
		return
	}
	if c.carry.IsInt64() {
		if err := c.carryStore.SaveCarry(ctx, c.carry.Int64()); err != nil {
			c.logger.WithError(err).Warn("failed to persist carried payout", "carry", c.carry.String())
		}
	}
	if err := c.carryStore.SaveOwed(ctx, c.owedPayments()); err != nil {
		c.logger.WithError(err).Error("failed to persist owed payments", "owed", c.owedTotal().String(), "critical", true)
	}
}

// groupContributions sums difficulty exactly per address and per worker.
// Addresses and workers are returned in a stable order.
func groupContributions(contributions []shares.Contribution) ([]*addressShare, *big.Rat, float64) {
	byAddress := make(map[string]*addressShare)
	byWorker := make(map[string]*workerShare)
	total := new(big.Rat)
	var approx float64

	for _, ct := range contributions {
		if ct.Difficulty <= 0 {
			continue
		}
		d := new(big.Rat).SetFloat64(ct.Difficulty)
		if d == nil {
			continue
		}
		total.Add(total, d)
		approx += ct.Difficulty

		as, ok := byAddress[ct.Address]
		if !ok {
			as = &addressShare{address: ct.Address, difficulty: new(big.Rat)}
			byAddress[ct.Address] = as
		}
		as.difficulty.Add(as.difficulty, d)

		key := ct.Address + "\x00" + ct.Worker
		ws, ok := byWorker[key]
		if !ok {
			ws = &workerShare{minerID: ct.Worker, difficulty: new(big.Rat)}
			byWorker[key] = ws
			as.workers = append(as.workers, ws)
		}
		ws.difficulty.Add(ws.difficulty, d)
		ws.approx += ct.Difficulty
	}

	out := make([]*addressShare, 0, len(byAddress))
	for _, as := range byAddress {
		slices.SortFunc(as.workers, func(a, b *workerShare) int {
			return cmp.Compare(a.minerID, b.minerID)
		})
		out = append(out, as)
	}
	slices.SortFunc(out, func(a, b *addressShare) int {
		return cmp.Compare(a.address, b.address)
	})
	return out, total, approx
}

// floorShare is floor(amount * part / whole).
func floorShare(amount *big.Int, part, whole *big.Rat) *big.Int {
	r := new(big.Rat).SetInt(amount)
	r.Mul(r, part)
	r.Quo(r, whole)
	return new(big.Int).Quo(r.Num(), r.Denom())
}

// splitAddress divides an address's amount over its workers. Rounding
// leftovers go to the worker with the most difficulty, so the address
// total is exact.
func splitAddress(as *addressShare, amount *big.Int) []Payment {
	out := make([]Payment, len(as.workers))
	rest := new(big.Int).Set(amount)
	top := 0
	for i, ws := range as.workers {
		part := floorShare(amount, ws.difficulty, as.difficulty)
		rest.Sub(rest, part)
		out[i] = Payment{Address: as.address, MinerID: ws.minerID, Amount: part.Int64(), Difficulty: ws.approx}
		if ws.difficulty.Cmp(as.workers[top].difficulty) > 0 {
			top = i
		}
	}
	out[top].Amount += rest.Int64()
	return out
}
