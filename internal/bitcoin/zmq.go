package bitcoin

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// TopicHashBlock is the ZMQ topic announcing a new chain tip.
const TopicHashBlock = "hashblock"

// ZMQNotifier subscribes to the node's ZMQ publisher.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *slog.Logger
}

// NewZMQNotifier creates a SUB socket. Receives time out every second so
// Listen can observe context cancellation.
func NewZMQNotifier(endpoint string, logger *slog.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetRcvtimeo(time.Second); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set ZMQ receive timeout: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger,
	}, nil
}

// Subscribe subscribes to a specific topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the ZMQ endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen delivers messages to handler until ctx is done.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			z.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}

		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		if err := handler(topic, msg[1]); err != nil {
			z.logger.Error("failed to handle ZMQ message", "topic", topic, "error", err)
		}
	}
}

// Close closes the ZMQ socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// BlockNotificationHandler decodes hashblock messages and passes the
// display-order hash to every registered callback.
type BlockNotificationHandler struct {
	logger     *slog.Logger
	onNewBlock []func(blockHash string)
}

// NewBlockNotificationHandler creates a handler with the given callbacks.
func NewBlockNotificationHandler(logger *slog.Logger, onNewBlock ...func(blockHash string)) *BlockNotificationHandler {
	return &BlockNotificationHandler{
		logger:     logger,
		onNewBlock: onNewBlock,
	}
}

// HandleMessage is a Listen handler.
func (h *BlockNotificationHandler) HandleMessage(topic string, data []byte) error {
	if topic != TopicHashBlock {
		h.logger.Debug("ignoring ZMQ topic", "topic", topic)
		return nil
	}
	if len(data) != 32 {
		return fmt.Errorf("invalid block hash length: %d", len(data))
	}

	blockHash := reverseHex(data)
	h.logger.Info("new block notification", "hash", blockHash)

	for _, fn := range h.onNewBlock {
		fn(blockHash)
	}
	return nil
}

func reverseHex(data []byte) string {
	reversed := slices.Clone(data)
	slices.Reverse(reversed)
	return hex.EncodeToString(reversed)
}
