package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bardlex/poolcore/pkg/log"
)

// SessionConfig bounds the I/O of one session.
type SessionConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int
}

// State is the protocol stage of a session.
type State int

const (
	StateConnected State = iota
	StateSubscribed
	StateAuthorized
	StateMining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateMining:
		return "mining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session represents a Stratum mining session
type Session struct {
	id          string
	conn        net.Conn
	logger      *log.Logger
	extraNonce1 []byte

	mu         sync.RWMutex
	state      State
	address    string
	worker     string
	userAgent  string
	difficulty float64
	// grace is the previous difficulty, still honoured until the next job
	// reaches the miner.
	grace    float64
	invalids int

	cfg SessionConfig

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a new Stratum session
func NewSession(id string, conn net.Conn, extraNonce1 []byte, cfg SessionConfig, logger *log.Logger) *Session {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	return &Session{
		id:          id,
		conn:        conn,
		extraNonce1: extraNonce1,
		logger:      logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		state:       StateConnected,
		cfg:         cfg,
		outbound:    make(chan []byte, 100),
		done:        make(chan struct{}),
	}
}

// Start serves the connection until the miner leaves, ctx ends or the
// session is closed.
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.RemoteAddr())

	go s.writeLoop(ctx)
	return s.readLoop(log.ContextWithSession(ctx, s.id), handler)
}

func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, min(4096, s.cfg.MaxMessageSize)), s.cfg.MaxMessageSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				select {
				case <-s.done:
					return nil
				default:
				}
				s.logger.WithError(err).Warn("read failed")
				return err
			}
			s.logger.Info("client disconnected")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		s.logger.LogStratumMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			s.logger.WithError(err).Warn("failed to parse message")
			if sendErr := s.SendError(nil, ErrorParseError, "Parse error"); sendErr != nil {
				s.logger.WithError(sendErr).Error("failed to send parse error")
			}
			continue
		}

		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Warn("failed to handle message")
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			s.flush()
			return
		case data := <-s.outbound:
			if !s.write(data) {
				s.Close()
				return
			}
		}
	}
}

// flush writes whatever was queued before Close, so a final error reaches
// the miner.
func (s *Session) flush() {
	for {
		select {
		case data := <-s.outbound:
			if !s.write(data) {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(data []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		s.logger.WithError(err).Error("failed to set write deadline")
		return false
	}
	if _, err := s.conn.Write(append(data, '\n')); err != nil {
		s.logger.WithError(err).Warn("failed to write message")
		return false
	}
	s.logger.LogStratumMessage("sent", string(data))
	return true
}

// SendMessage queues msg for the miner without blocking.
func (s *Session) SendMessage(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
	}

	select {
	case s.outbound <- data:
		return nil
	default:
		return fmt.Errorf("outbound channel full")
	}
}

// SendResponse sends a response message
func (s *Session) SendResponse(id any, result any) error {
	return s.SendMessage(NewResponse(id, result))
}

// SendError sends an error response
func (s *Session) SendError(id any, code int, message string) error {
	return s.SendMessage(NewErrorResponse(id, code, message))
}

// SendNotification sends a notification message
func (s *Session) SendNotification(method string, params []any) error {
	return s.SendMessage(NewNotification(method, params))
}

// Close ends the session. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
		s.logger.LogConnection("disconnected", s.RemoteAddr())
	})
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// ExtraNonce1 is the session's unique coinbase prefix.
func (s *Session) ExtraNonce1() []byte {
	return s.extraNonce1
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// subscribe moves a fresh session to Subscribed.
func (s *Session) subscribe(userAgent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return false
	}
	s.state = StateSubscribed
	s.userAgent = userAgent
	return true
}

// authorize binds the session to a payout address and worker.
func (s *Session) authorize(address, worker string, difficulty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateAuthorized
	s.address = address
	s.worker = worker
	s.difficulty = difficulty
}

// jobSent marks the session Mining and retires the grace difficulty.
func (s *Session) jobSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthorized {
		s.state = StateMining
	}
	s.grace = 0
}

// canMine reports whether the session should receive jobs and may submit.
func (s *Session) canMine() bool {
	st := s.State()
	return st == StateAuthorized || st == StateMining
}

// Miner returns the bound address and worker.
func (s *Session) Miner() (address, worker string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address, s.worker
}

// Difficulty returns the current difficulty target for this session.
func (s *Session) Difficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// shareDifficulty is the difficulty a submission is checked against.
func (s *Session) shareDifficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.grace > 0 && s.grace < s.difficulty {
		return s.grace
	}
	return s.difficulty
}

// setDifficulty changes the difficulty and reports whether it moved.
func (s *Session) setDifficulty(d float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == s.difficulty {
		return false
	}
	if s.grace == 0 {
		s.grace = s.difficulty
	}
	s.difficulty = d
	return true
}

// recordInvalid counts a rejected share and returns the running total.
func (s *Session) recordInvalid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalids++
	return s.invalids
}

func (s *Session) resetInvalid() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalids = 0
}

// MessageHandler interface for handling Stratum messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}
