// Package notify posts block and payout alerts to a Discord channel.
package notify

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/bwmarrin/discordgo"

	"github.com/bardlex/poolcore/internal/pool"
	"github.com/bardlex/poolcore/internal/shares"
	"github.com/bardlex/poolcore/internal/templates"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

// Sender is the part of a discordgo session the notifier uses.
type Sender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord queues alerts and posts them from Run so callers never wait on
// the Discord API.
type Discord struct {
	sender    Sender
	channelID string
	logger    *log.Logger
	queue     chan string
	closer    func() error
}

var (
	_ shares.BlockObserver = (*Discord)(nil)
	_ pool.PayoutAlerter   = (*Discord)(nil)
)

// NewDiscord opens a bot session for token. It returns nil, nil when token
// or channelID is empty.
func NewDiscord(token, channelID string, logger *log.Logger) (*Discord, error) {
	token = strings.TrimSpace(token)
	channelID = strings.TrimSpace(channelID)
	if token == "" || channelID == "" {
		return nil, nil
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "discord_connect", "failed to create Discord session")
	}
	dg.Identify.Intents = discordgo.MakeIntent(discordgo.IntentsGuilds)
	if err := dg.Open(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "discord_connect", "failed to open Discord session")
	}
	d := NewDiscordWithSender(dg, channelID, logger)
	d.closer = dg.Close
	return d, nil
}

// NewDiscordWithSender creates a notifier posting through sender.
func NewDiscordWithSender(sender Sender, channelID string, logger *log.Logger) *Discord {
	return &Discord{
		sender:    sender,
		channelID: channelID,
		logger:    logger.WithComponent("discord"),
		queue:     make(chan string, 64),
	}
}

// Run posts queued alerts until ctx ends, then closes the session.
func (d *Discord) Run(ctx context.Context) error {
	defer d.close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-d.queue:
			if _, err := d.sender.ChannelMessageSend(d.channelID, msg); err != nil {
				d.logger.WithError(err).Warn("failed to post Discord alert")
			}
		}
	}
}

func (d *Discord) close() {
	if d.closer != nil {
		if err := d.closer(); err != nil {
			d.logger.WithError(err).Warn("failed to close Discord session")
		}
	}
}

func (d *Discord) post(msg string) {
	select {
	case d.queue <- msg:
	default:
		d.logger.Warn("Discord alert queue full, dropping", "message", msg)
	}
}

// BlockFound announces a block the node accepted.
func (d *Discord) BlockFound(_ context.Context, block *templates.FoundBlock, worker, address string) {
	d.post(fmt.Sprintf(":tada: Block %d found by %s.%s\nhash `%s`\nreward %s",
		block.Height, address, worker, block.Hash, btcutil.Amount(block.Reward)))
}

// BlockSubmissionFailed warns that a solved block could not be submitted.
func (d *Discord) BlockSubmissionFailed(_ context.Context, block *templates.FoundBlock, worker, address string, err error) {
	d.post(fmt.Sprintf(":warning: Submitting block %d from %s.%s failed: %v\nhash `%s`",
		block.Height, address, worker, err, block.Hash))
}

// PayoutDistributed summarises a payout cycle.
func (d *Discord) PayoutDistributed(_ context.Context, dist *pool.Distribution) {
	var paid int64
	for _, p := range dist.Payments {
		paid += p.Amount
	}
	msg := fmt.Sprintf(":moneybag: Paid %s to %d addresses (%d shares), pool fee %s, carried %s",
		btcutil.Amount(paid), dist.Recipients(), dist.Contributions,
		amount(dist.PoolFee), amount(dist.Carried))
	if dist.Owed != nil && dist.Owed.Sign() > 0 {
		msg += fmt.Sprintf("\n:warning: %s held for miners after failed balance credits", amount(dist.Owed))
	}
	d.post(msg)
}

func amount(v *big.Int) string {
	if v == nil {
		return "0 BTC"
	}
	if v.IsInt64() {
		return btcutil.Amount(v.Int64()).String()
	}
	return v.String() + " sat"
}
