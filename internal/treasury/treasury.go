// Package treasury turns matured block rewards into payout signals. A
// cycle closes after a fixed number of maturity events; the accumulated
// reward is then split into the pool fee and the amount owed to miners.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"

	poolerrors "github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

// ErrPayoutInconsistency means the reward arithmetic broke an invariant.
// It is never recovered from.
var ErrPayoutInconsistency = errors.New("payout inconsistency")

// DefaultThreshold is the number of maturity events per payout cycle.
const DefaultThreshold = 10

// Maturity is a found block whose coinbase can now be spent.
type Maturity struct {
	BlockHash string
	Height    int64
	Reward    int64
}

// Payout is the signal that closes a cycle. MinerPayable + PoolFee equals
// the rewards accumulated during the cycle.
type Payout struct {
	MinerPayable *big.Int
	PoolFee      *big.Int
	Blocks       int
}

// Config configures an Accumulator.
type Config struct {
	Threshold  int
	FeePercent float64
}

// Accumulator collects rewards until the cycle threshold is reached.
type Accumulator struct {
	threshold      int
	feeBasisPoints int64
	logger         *log.Logger

	mu          sync.Mutex
	count       int
	accumulated *big.Int

	payouts chan Payout
}

// NewAccumulator validates cfg and returns an empty Accumulator.
func NewAccumulator(cfg Config, logger *log.Logger) (*Accumulator, error) {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.FeePercent < 0 || cfg.FeePercent > 100 || math.IsNaN(cfg.FeePercent) {
		return nil, fmt.Errorf("fee percent %g out of range [0, 100]", cfg.FeePercent)
	}
	return &Accumulator{
		threshold:      cfg.Threshold,
		feeBasisPoints: int64(math.Round(cfg.FeePercent * 100)),
		logger:         logger.WithComponent("treasury"),
		accumulated:    new(big.Int),
		payouts:        make(chan Payout, 1),
	}, nil
}

// Payouts delivers one value per completed cycle.
func (a *Accumulator) Payouts() <-chan Payout {
	return a.payouts
}

// State returns the events and reward counted in the open cycle.
func (a *Accumulator) State() (int, *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count, new(big.Int).Set(a.accumulated)
}

// AddReward counts one maturity event. On the event that completes the
// cycle it emits a Payout, blocking until it is taken or ctx ends.
func (a *Accumulator) AddReward(ctx context.Context, m Maturity) error {
	if m.Reward < 0 {
		return poolerrors.Wrap(ErrPayoutInconsistency, poolerrors.ErrorTypePayout, "add_reward",
			"negative block reward").WithContext("block_hash", m.BlockHash).AsCritical()
	}

	a.mu.Lock()
	a.accumulated.Add(a.accumulated, big.NewInt(m.Reward))
	a.count++
	a.logger.Info("reward matured",
		"block_hash", m.BlockHash,
		"block_height", m.Height,
		"reward", m.Reward,
		"cycle_events", a.count,
		"cycle_reward", a.accumulated.String(),
	)
	if a.count < a.threshold {
		a.mu.Unlock()
		return nil
	}

	total := a.accumulated
	blocks := a.count
	a.accumulated = new(big.Int)
	a.count = 0
	a.mu.Unlock()

	payable, fee, err := Split(total, a.feeBasisPoints)
	if err != nil {
		return err
	}
	a.logger.Info("payout cycle complete",
		"miner_payable", payable.String(),
		"pool_fee", fee.String(),
		"blocks", blocks,
	)

	select {
	case a.payouts <- Payout{MinerPayable: payable, PoolFee: fee, Blocks: blocks}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run feeds maturity events into the accumulator until ctx ends or an
// invariant is violated.
func (a *Accumulator) Run(ctx context.Context, events <-chan Maturity) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-events:
			if !ok {
				return nil
			}
			if err := a.AddReward(ctx, m); err != nil {
				return err
			}
		}
	}
}

// Split divides total into the miners' part and the pool fee using integer
// arithmetic only. The fee is rounded down.
func Split(total *big.Int, feeBasisPoints int64) (minerPayable, poolFee *big.Int, err error) {
	if total.Sign() < 0 || feeBasisPoints < 0 || feeBasisPoints > 10_000 {
		return nil, nil, poolerrors.Wrap(ErrPayoutInconsistency, poolerrors.ErrorTypePayout, "split",
			"invalid split input").
			WithContext("total", total.String()).
			WithContext("fee_basis_points", feeBasisPoints).
			AsCritical()
	}

	poolFee = new(big.Int).Mul(total, big.NewInt(feeBasisPoints))
	poolFee.Quo(poolFee, big.NewInt(10_000))
	minerPayable = new(big.Int).Sub(total, poolFee)

	if minerPayable.Sign() < 0 || new(big.Int).Add(minerPayable, poolFee).Cmp(total) != 0 {
		return nil, nil, poolerrors.Wrap(ErrPayoutInconsistency, poolerrors.ErrorTypePayout, "split",
			"fee split does not sum to total").
			WithContext("total", total.String()).
			AsCritical()
	}
	return minerPayable, poolFee, nil
}
