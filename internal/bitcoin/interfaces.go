package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/wire"
)

// Node is the subset of node RPC the pool depends on. RPCClient implements
// it; tests substitute fakes.
type Node interface {
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)
	GetBlock(ctx context.Context, hash string) (*btcjson.GetBlockVerboseResult, error)
	SubmitBlock(ctx context.Context, block *wire.MsgBlock) error
	CheckServer(ctx context.Context, requireIndex string) (*ServerInfo, error)
}

// Notifier is a source of raw ZMQ messages.
type Notifier interface {
	Subscribe(topic string) error
	Connect() error
	Listen(ctx context.Context, handler func(topic string, data []byte) error) error
	Close() error
}

var (
	_ Node     = (*RPCClient)(nil)
	_ Notifier = (*ZMQNotifier)(nil)
)
