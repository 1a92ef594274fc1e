package bitcoin

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/poolcore/pkg/circuit"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/retry"
)

// ErrNodeDesync is returned by CheckServer when the node is still syncing
// or lacks the index the pool needs. It is fatal at startup.
var ErrNodeDesync = stderrors.New("node is not ready for mining")

// ErrBlockNotFound is returned by GetBlock for a hash the node has never
// seen.
var ErrBlockNotFound = stderrors.New("block not found")

// ServerInfo summarizes the node state relevant to startup.
type ServerInfo struct {
	Chain    string
	Blocks   int32
	IsSynced bool
	HasIndex bool
}

// IndexInfo is one entry of the getindexinfo result.
type IndexInfo struct {
	Synced          bool  `json:"synced"`
	BestBlockHeight int64 `json:"best_block_height"`
}

// RPCClient talks to a Bitcoin Core compatible node over JSON-RPC. Every
// call runs behind a shared circuit breaker with exponential backoff.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	submitConfig   *retry.Config
}

// NewRPCClient creates a client in HTTP POST mode. No connection is made
// until the first call.
func NewRPCClient(host string, port int, username, password string, opts ...RPCOption) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", host, port),
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNode, "rpc_client_creation",
			"failed to create node RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}

	c := &RPCClient{
		client:       client,
		retryConfig:  retry.NodeConfig(),
		submitConfig: retry.BlockSubmitConfig(),
	}
	cbConfig := circuit.NodeConfig()
	for _, opt := range opts {
		opt(c, cbConfig)
	}
	c.circuitBreaker = circuit.New(cbConfig)
	return c, nil
}

// RPCOption customizes an RPCClient.
type RPCOption func(*RPCClient, *circuit.Config)

// WithBreakerObserver reports breaker transitions, typically to the log.
func WithBreakerObserver(fn func(name string, from, to circuit.State)) RPCOption {
	return func(_ *RPCClient, cfg *circuit.Config) { cfg.OnStateChange = fn }
}

// WithRetry overrides the retry policy for ordinary calls.
func WithRetry(cfg *retry.Config) RPCOption {
	return func(c *RPCClient, _ *circuit.Config) { c.retryConfig = cfg }
}

// Close shuts down the underlying client.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

func call[T any](ctx context.Context, c *RPCClient, cfg *retry.Config, fn func() (T, error)) (T, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (T, error) {
		return retry.DoWithResult(ctx, cfg, fn)
	})
}

// GetBlockTemplate requests a segwit template.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return call(ctx, c, c.retryConfig, func() (*btcjson.GetBlockTemplateResult, error) {
		req := &btcjson.TemplateRequest{
			Mode:         "template",
			Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
			Rules:        []string{"segwit"},
		}

		template, err := c.client.GetBlockTemplateAsync(req).Receive()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeNode, "get_block_template",
				"failed to retrieve block template")
		}
		return template, nil
	})
}

// GetBlockchainInfo returns chain state including initial block download.
func (c *RPCClient) GetBlockchainInfo(ctx context.Context) (*btcjson.GetBlockChainInfoResult, error) {
	return call(ctx, c, c.retryConfig, func() (*btcjson.GetBlockChainInfoResult, error) {
		info, err := c.client.GetBlockChainInfoAsync().Receive()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeNode, "get_blockchain_info",
				"failed to retrieve blockchain information")
		}
		return info, nil
	})
}

// GetIndexInfo returns the node's optional indexes keyed by name.
func (c *RPCClient) GetIndexInfo(ctx context.Context) (map[string]IndexInfo, error) {
	return call(ctx, c, c.retryConfig, func() (map[string]IndexInfo, error) {
		raw, err := c.client.RawRequest("getindexinfo", nil)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeNode, "get_index_info",
				"failed to retrieve index information")
		}
		var out map[string]IndexInfo
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "get_index_info",
				"unexpected getindexinfo result")
		}
		return out, nil
	})
}

// GetServerInfo reports whether the node is synced and, when requireIndex
// is non-empty, whether that index exists and is synced.
func (c *RPCClient) GetServerInfo(ctx context.Context, requireIndex string) (*ServerInfo, error) {
	chain, err := c.GetBlockchainInfo(ctx)
	if err != nil {
		return nil, err
	}

	info := &ServerInfo{
		Chain:    chain.Chain,
		Blocks:   chain.Blocks,
		IsSynced: !chain.InitialBlockDownload,
		HasIndex: true,
	}

	if requireIndex != "" {
		indexes, err := c.GetIndexInfo(ctx)
		if err != nil {
			return nil, err
		}
		idx, ok := indexes[requireIndex]
		info.HasIndex = ok && idx.Synced
	}

	return info, nil
}

// CheckServer returns ErrNodeDesync unless the node is synced and has the
// required index.
func (c *RPCClient) CheckServer(ctx context.Context, requireIndex string) (*ServerInfo, error) {
	info, err := c.GetServerInfo(ctx, requireIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNodeDesync, err)
	}
	if !info.IsSynced {
		return info, fmt.Errorf("%w: chain %s still syncing at height %d", ErrNodeDesync, info.Chain, info.Blocks)
	}
	if !info.HasIndex {
		return info, fmt.Errorf("%w: index %q missing or not synced", ErrNodeDesync, requireIndex)
	}
	return info, nil
}

// GetBlock returns the verbose block, including confirmations. Orphaned
// blocks report -1 confirmations.
func (c *RPCClient) GetBlock(ctx context.Context, hash string) (*btcjson.GetBlockVerboseResult, error) {
	blockHash, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "hash_parsing",
			"failed to parse block hash").
			WithContext("hash", hash)
	}

	// an unknown hash is an answer, not a node failure
	var notFound error
	block, err := call(ctx, c, c.retryConfig, func() (*btcjson.GetBlockVerboseResult, error) {
		block, err := c.client.GetBlockVerboseAsync(blockHash).Receive()
		var rpcErr *btcjson.RPCError
		if stderrors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCBlockNotFound {
			notFound = err
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeNode, "get_block",
				"failed to retrieve block information").
				WithContext("block_hash", hash)
		}
		return block, nil
	})
	if err != nil {
		return nil, err
	}
	if notFound != nil {
		return nil, errors.Wrap(fmt.Errorf("%w: %w", ErrBlockNotFound, notFound), errors.ErrorTypeNode,
			"get_block", "node does not know the block").
			WithContext("block_hash", hash)
	}
	return block, nil
}

// SubmitBlock sends a solved block to the node. A node rejection is not
// retried; transport failures are. Every failure is flagged critical.
func (c *RPCClient) SubmitBlock(ctx context.Context, block *wire.MsgBlock) error {
	hash := block.BlockHash().String()

	_, err := call(ctx, c, c.submitConfig, func() (struct{}, error) {
		if err := c.client.SubmitBlockAsync(btcutil.NewBlock(block), nil).Receive(); err != nil {
			return struct{}{}, errors.Wrap(err, errors.ErrorTypeNode, "submit_block",
				"node did not accept block")
		}
		return struct{}{}, nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNode, "submit_block", "block submission failed").
			WithContext("block_hash", hash).
			AsCritical()
	}
	return nil
}

// Ping tests connectivity.
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			if err := c.client.PingAsync().Receive(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "ping",
					"node connectivity check failed")
			}
			return nil
		})
	})
}

// BreakerStats exposes the node breaker for status logging.
func (c *RPCClient) BreakerStats() circuit.Stats {
	return c.circuitBreaker.GetStats()
}
