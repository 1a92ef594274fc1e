package stratum

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/shares"
	"github.com/bardlex/poolcore/internal/templates"
	"github.com/bardlex/poolcore/pkg/log"
)

const extraNonce2Size = 4

// Shares is the validator the server hands submissions to.
type Shares interface {
	RegisterWorker(ctx context.Context, address, worker string) float64
	ReleaseWorker(address, worker string)
	AddShare(ctx context.Context, sub shares.Submission) error
	Updates() <-chan shares.DifficultyUpdate
}

// Jobs is the source of mining.notify payloads.
type Jobs interface {
	Current() *templates.Job
	Subscribe() <-chan *templates.Job
}

// ShareObserver sees the outcome of every decoded submission.
type ShareObserver interface {
	ShareProcessed(ctx context.Context, sessionID string, sub shares.Submission, err error)
}

// Config configures a Server.
type Config struct {
	ListenAddr        string
	MaxConnections    int
	InvalidShareLimit int
	BroadcastWorkers  int
	Session           SessionConfig
	Params            *chaincfg.Params
}

// Option customizes a Server.
type Option func(*Server)

// WithShareObserver reports share outcomes to o.
func WithShareObserver(o ShareObserver) Option {
	return func(s *Server) { s.observer = o }
}

// Server accepts miner connections and drives their sessions.
type Server struct {
	cfg      Config
	shares   Shares
	jobs     Jobs
	logger   *log.Logger
	observer ShareObserver

	nextExtraNonce atomic.Uint32

	mu       sync.RWMutex
	listener net.Listener
	cancel   context.CancelFunc
	sessions map[string]*Session
	miners   *connectionSet

	wg sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(cfg Config, sh Shares, jobs Jobs, logger *log.Logger, opts ...Option) *Server {
	if cfg.BroadcastWorkers <= 0 {
		cfg.BroadcastWorkers = 1
	}
	if cfg.Params == nil {
		cfg.Params = &chaincfg.MainNetParams
	}
	s := &Server{
		cfg:      cfg,
		shares:   sh,
		jobs:     jobs,
		logger:   logger.WithComponent("stratum"),
		sessions: make(map[string]*Session),
		miners:   newConnectionSet(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on cfg.ListenAddr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln and distributes jobs and difficulty
// changes to them until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()
	s.logger.Info("server listening", "address", ln.Addr().String())

	s.wg.Add(2)
	go s.broadcastLoop(ctx)
	go s.difficultyLoop(ctx)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		if s.cfg.MaxConnections > 0 && s.SessionCount() >= s.cfg.MaxConnections {
			s.logger.Warn("connection limit reached", "remote_addr", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	extraNonce1 := make([]byte, 4)
	binary.BigEndian.PutUint32(extraNonce1, s.nextExtraNonce.Add(1))
	session := NewSession(uuid.NewString(), conn, extraNonce1, s.cfg.Session, s.logger)

	s.mu.Lock()
	s.sessions[session.ID()] = session
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, session.ID())
		s.mu.Unlock()
		if address, worker := session.Miner(); address != "" {
			s.miners.remove(address, session)
			s.shares.ReleaseWorker(address, worker)
		}
	}()

	if err := session.Start(ctx, s); err != nil && !errors.Is(err, context.Canceled) {
		session.logger.WithError(err).Debug("session ended")
	}
}

// Shutdown closes the listener and every session, then waits for them to
// finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.RLock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.WithError(err).Warn("failed to close listener")
		}
	}
	for _, session := range s.sessions {
		session.Close()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}

// SessionCount is the number of open connections.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Connections is the number of authorized sessions mining to address.
func (s *Server) Connections(address string) int {
	return s.miners.count(address)
}

// HandleMessage dispatches one miner request.
func (s *Server) HandleMessage(ctx context.Context, session *Session, msg *Message) error {
	if !msg.IsRequest() {
		session.logger.Debug("ignoring non-request message", "method", msg.Method)
		return nil
	}

	switch msg.Method {
	case MethodSubscribe:
		return s.handleSubscribe(session, msg)
	case MethodAuthorize:
		return s.handleAuthorize(ctx, session, msg)
	case MethodSubmit:
		return s.handleSubmit(ctx, session, msg)
	case MethodExtranonce:
		return session.SendResponse(msg.ID, false)
	default:
		session.logger.Debug("unknown method", "method", msg.Method)
		return session.SendError(msg.ID, ErrorMethodNotFound, "Method not found")
	}
}

func (s *Server) handleSubscribe(session *Session, msg *Message) error {
	req, _ := ParseSubscribeRequest(msg.Params)
	if !session.subscribe(req.UserAgent) {
		return session.SendError(msg.ID, ErrorOther, "Already subscribed")
	}

	session.logger.Info("miner subscribed", "user_agent", req.UserAgent)

	subscriptions := [][]string{
		{MethodSetDifficulty, session.ID()},
		{MethodNotify, session.ID()},
	}
	return session.SendResponse(msg.ID, []any{
		subscriptions,
		hex.EncodeToString(session.ExtraNonce1()),
		extraNonce2Size,
	})
}

func (s *Server) handleAuthorize(ctx context.Context, session *Session, msg *Message) error {
	switch session.State() {
	case StateConnected:
		return session.SendError(msg.ID, ErrorNotSubscribed, "Not subscribed")
	case StateAuthorized, StateMining:
		return session.SendError(msg.ID, ErrorOther, "Already authorized")
	}

	req, err := ParseAuthorizeRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, ErrorInvalidParams, "Invalid parameters")
	}

	address, worker := req.Address(), req.Worker()
	if err := s.validateAddress(address); err != nil {
		session.logger.WithError(err).Info("authorization refused", "username", req.Username)
		return session.SendError(msg.ID, ErrorUnauthorized, "Invalid payout address")
	}

	difficulty := s.shares.RegisterWorker(ctx, address, worker)
	session.authorize(address, worker, difficulty)
	s.miners.add(address, session)

	session.logger.WithMiner(address, worker).Info("miner authorized", "difficulty", difficulty)

	if err := session.SendResponse(msg.ID, true); err != nil {
		return err
	}
	if err := session.SendNotification(MethodSetDifficulty, []any{difficulty}); err != nil {
		return err
	}
	if job := s.jobs.Current(); job != nil {
		return s.sendJob(session, notifyParams(job.Notify()))
	}
	return nil
}

func (s *Server) validateAddress(address string) error {
	addr, err := btcutil.DecodeAddress(address, s.cfg.Params)
	if err != nil {
		return err
	}
	if !addr.IsForNet(s.cfg.Params) {
		return fmt.Errorf("address is not for %s", s.cfg.Params.Name)
	}
	return nil
}

func (s *Server) handleSubmit(ctx context.Context, session *Session, msg *Message) error {
	switch session.State() {
	case StateConnected:
		return session.SendError(msg.ID, ErrorNotSubscribed, "Not subscribed")
	case StateSubscribed:
		return session.SendError(msg.ID, ErrorUnauthorized, "Unauthorized worker")
	}

	req, err := ParseSubmitRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, ErrorInvalidParams, "Invalid parameters")
	}

	address, worker := session.Miner()
	if submitted, _, _ := strings.Cut(req.Username, "."); submitted != address {
		return session.SendError(msg.ID, ErrorUnauthorized, "Unauthorized worker")
	}

	work, err := decodeWork(session.ExtraNonce1(), req)
	if err != nil {
		s.countInvalid(session)
		return session.SendError(msg.ID, ErrorOther, "Malformed share")
	}

	sub := shares.Submission{
		Address:    address,
		Worker:     worker,
		JobID:      req.JobID,
		Difficulty: session.shareDifficulty(),
		Work:       work,
	}
	err = s.shares.AddShare(ctx, sub)
	if s.observer != nil {
		s.observer.ShareProcessed(ctx, session.ID(), sub, err)
	}

	if err == nil {
		session.resetInvalid()
		return session.SendResponse(msg.ID, true)
	}

	code, text := shareError(err)
	sendErr := session.SendError(msg.ID, code, text)
	if code != ErrorJobNotFound {
		s.countInvalid(session)
	}
	return sendErr
}

// countInvalid disconnects a session that keeps sending bad work.
func (s *Server) countInvalid(session *Session) {
	n := session.recordInvalid()
	if s.cfg.InvalidShareLimit > 0 && n >= s.cfg.InvalidShareLimit {
		session.logger.Warn("too many invalid shares, disconnecting", "invalid_shares", n)
		session.Close()
	}
}

func shareError(err error) (int, string) {
	switch {
	case errors.Is(err, shares.ErrStaleJob):
		return ErrorJobNotFound, "Job not found"
	case errors.Is(err, shares.ErrDuplicateShare):
		return ErrorDuplicateShare, "Duplicate share"
	case errors.Is(err, shares.ErrInvalidShare):
		return ErrorLowDifficulty, "Low difficulty share"
	default:
		return ErrorOther, "Other/Unknown"
	}
}

func decodeWork(extraNonce1 []byte, req *SubmitRequest) (templates.Work, error) {
	en2, err := hex.DecodeString(req.ExtraNonce2)
	if err != nil {
		return templates.Work{}, fmt.Errorf("extranonce2: %w", err)
	}
	ntime, err := bitcoin.ParseUint32BE(req.NTime)
	if err != nil {
		return templates.Work{}, fmt.Errorf("ntime: %w", err)
	}
	nonce, err := bitcoin.ParseUint32BE(req.Nonce)
	if err != nil {
		return templates.Work{}, fmt.Errorf("nonce: %w", err)
	}
	return templates.Work{
		ExtraNonce1: extraNonce1,
		ExtraNonce2: en2,
		NTime:       ntime,
		Nonce:       nonce,
	}, nil
}

func notifyParams(n templates.Notify) []any {
	return []any{
		n.JobID,
		n.PrevHash,
		n.Coinb1,
		n.Coinb2,
		n.MerkleBranch,
		n.Version,
		n.NBits,
		n.NTime,
		n.CleanJobs,
	}
}

func (s *Server) sendJob(session *Session, params []any) error {
	if err := session.SendNotification(MethodNotify, params); err != nil {
		return err
	}
	session.jobSent()
	return nil
}

func (s *Server) broadcastLoop(ctx context.Context) {
	defer s.wg.Done()
	updates := s.jobs.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-updates:
			s.broadcast(job)
		}
	}
}

// broadcast pushes job to every session that may mine.
func (s *Server) broadcast(job *templates.Job) {
	params := notifyParams(job.Notify())

	s.mu.RLock()
	targets := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if session.canMine() {
			targets = append(targets, session)
		}
	}
	s.mu.RUnlock()

	swg := sizedwaitgroup.New(s.cfg.BroadcastWorkers)
	for _, session := range targets {
		swg.Add()
		go func() {
			defer swg.Done()
			if err := s.sendJob(session, params); err != nil {
				session.logger.WithError(err).Warn("failed to send job")
			}
		}()
	}
	swg.Wait()

	s.logger.LogJobDistribution(job.ID, job.Template.Height, job.CleanJobs, len(targets))
}

func (s *Server) difficultyLoop(ctx context.Context) {
	defer s.wg.Done()
	updates := s.shares.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			for _, session := range s.miners.sessions(u.Address) {
				if _, worker := session.Miner(); worker != u.Worker {
					continue
				}
				if !session.setDifficulty(u.Difficulty) {
					continue
				}
				if err := session.SendNotification(MethodSetDifficulty, []any{u.Difficulty}); err != nil {
					session.logger.WithError(err).Warn("failed to send difficulty")
				}
			}
		}
	}
}
