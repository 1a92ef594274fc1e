package stratum

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/shares"
	"github.com/bardlex/poolcore/internal/templates"
	"github.com/bardlex/poolcore/pkg/log"
)

type fakeShares struct {
	mu         sync.Mutex
	results    []error
	subs       []shares.Submission
	registered []string
	released   []string
	difficulty float64
	updates    chan shares.DifficultyUpdate
}

func (f *fakeShares) RegisterWorker(_ context.Context, address, worker string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, address+"."+worker)
	return f.difficulty
}

func (f *fakeShares) ReleaseWorker(address, worker string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, address+"."+worker)
}

func (f *fakeShares) releasedWorkers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func (f *fakeShares) AddShare(_ context.Context, sub shares.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	f.results = f.results[1:]
	return err
}

func (f *fakeShares) Updates() <-chan shares.DifficultyUpdate {
	return f.updates
}

func (f *fakeShares) submissions() []shares.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]shares.Submission(nil), f.subs...)
}

func (f *fakeShares) queue(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, errs...)
}

type fakeJobs struct {
	mu      sync.Mutex
	current *templates.Job
	ch      chan *templates.Job
}

func (f *fakeJobs) Current() *templates.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeJobs) Subscribe() <-chan *templates.Job {
	return f.ch
}

type outcome struct {
	sessionID string
	err       error
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []outcome
}

func (o *recordingObserver) ShareProcessed(_ context.Context, sessionID string, _ shares.Submission, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome{sessionID, err})
}

func testJob(id string, clean bool) *templates.Job {
	return &templates.Job{
		ID: id,
		Template: &bitcoin.Template{
			Height:  840_000,
			Version: 0x20000000,
			Bits:    0x17034219,
			CurTime: 1_700_000_000,
		},
		Coinbase:  &bitcoin.Coinbase{Coinb1: []byte{0x01, 0x02}, Coinb2: []byte{0x03}},
		CleanJobs: clean,
	}
}

var (
	regtestAddr = mustAddr(&chaincfg.RegressionNetParams)
	mainnetAddr = mustAddr(&chaincfg.MainNetParams)
)

func mustAddr(params *chaincfg.Params) string {
	addr, err := btcutil.NewAddressPubKeyHash(make([]byte, 20), params)
	if err != nil {
		panic(err)
	}
	return addr.EncodeAddress()
}

type harness struct {
	srv    *Server
	shares *fakeShares
	jobs   *fakeJobs
	ctx    context.Context
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sh := &fakeShares{difficulty: 1024, updates: make(chan shares.DifficultyUpdate, 4)}
	jobs := &fakeJobs{current: testJob("1", true), ch: make(chan *templates.Job, 1)}
	cfg := Config{
		ListenAddr:        "127.0.0.1:0",
		InvalidShareLimit: 3,
		BroadcastWorkers:  4,
		Session:           SessionConfig{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, MaxMessageSize: 4096},
		Params:            &chaincfg.RegressionNetParams,
	}
	logger := log.New("test", "test", "error", "json", log.WithOutput(io.Discard))
	return &harness{
		srv:    NewServer(cfg, sh, jobs, logger, opts...),
		shares: sh,
		jobs:   jobs,
		ctx:    ctx,
	}
}

// connect attaches a client to the server over an in-memory pipe.
func (h *harness) connect(t *testing.T) *client {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	h.srv.wg.Add(1)
	go h.srv.handleConnection(h.ctx, serverConn)
	t.Cleanup(func() { _ = clientConn.Close() })
	return &client{t: t, conn: clientConn, r: bufio.NewReader(clientConn)}
}

type client struct {
	t      *testing.T
	conn   net.Conn
	r      *bufio.Reader
	nextID int
}

func (c *client) send(method string, params ...any) int {
	c.t.Helper()
	c.nextID++
	if params == nil {
		params = []any{}
	}
	data, err := MarshalMessage(&Message{ID: c.nextID, Method: method, Params: params})
	if err != nil {
		c.t.Fatal(err)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.t.Fatalf("write %s: %v", method, err)
	}
	return c.nextID
}

func (c *client) read() *Message {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	msg, err := ParseMessage(line)
	if err != nil {
		c.t.Fatalf("parse %q: %v", line, err)
	}
	return msg
}

// call sends a request and returns its response.
func (c *client) call(method string, params ...any) *Message {
	c.t.Helper()
	id := c.send(method, params...)
	msg := c.read()
	if msg.ID != float64(id) {
		c.t.Fatalf("response id = %v, want %d (%+v)", msg.ID, id, msg)
	}
	return msg
}

func (c *client) expectNotification(method string) *Message {
	c.t.Helper()
	msg := c.read()
	if !msg.IsNotification() || msg.Method != method {
		c.t.Fatalf("got %+v, want %s notification", msg, method)
	}
	return msg
}

func (c *client) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, err := c.r.ReadBytes('\n'); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.t.Fatalf("read error = %v, want connection closed", err)
			}
			return
		}
	}
}

func expectError(t *testing.T, msg *Message, code int) {
	t.Helper()
	if msg.Error == nil || msg.Error.Code != code {
		t.Fatalf("response = %+v (error %+v), want error code %d", msg, msg.Error, code)
	}
}

// handshake subscribes and authorizes, consuming the initial difficulty
// and job.
func (c *client) handshake(username string) {
	c.t.Helper()
	if resp := c.call(MethodSubscribe, "test/1.0"); resp.Error != nil {
		c.t.Fatalf("subscribe: %+v", resp.Error)
	}
	if resp := c.call(MethodAuthorize, username, "x"); resp.Result != true {
		c.t.Fatalf("authorize: %+v", resp)
	}
	c.expectNotification(MethodSetDifficulty)
	c.expectNotification(MethodNotify)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_Handshake(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)

	resp := c.call(MethodSubscribe, "cgminer/4.12")
	result, ok := resp.Result.([]any)
	if !ok || len(result) != 3 {
		t.Fatalf("subscribe result = %#v", resp.Result)
	}
	if result[1] != "00000001" || result[2] != float64(4) {
		t.Errorf("extranonce1/size = %v/%v, want 00000001/4", result[1], result[2])
	}

	resp = c.call(MethodAuthorize, regtestAddr+".rig1", "x")
	if resp.Result != true || resp.Error != nil {
		t.Fatalf("authorize = %+v", resp)
	}

	diff := c.expectNotification(MethodSetDifficulty)
	if len(diff.Params) != 1 || diff.Params[0] != float64(1024) {
		t.Errorf("set_difficulty params = %v", diff.Params)
	}

	notify := c.expectNotification(MethodNotify)
	if len(notify.Params) != 9 || notify.Params[0] != "1" || notify.Params[8] != true {
		t.Errorf("notify params = %v", notify.Params)
	}
	if notify.Params[6] != "17034219" {
		t.Errorf("nbits = %v", notify.Params[6])
	}

	waitFor(t, func() bool { return h.srv.Connections(regtestAddr) == 1 })
	if got := h.shares.registered; len(got) != 1 || got[0] != regtestAddr+".rig1" {
		t.Errorf("registered = %v", got)
	}
}

func TestServer_DisconnectReleasesWorker(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	c.handshake(regtestAddr + ".rig1")

	// unauthorized sessions hold no worker
	other := h.connect(t)
	other.call(MethodSubscribe, "test/1.0")
	_ = other.conn.Close()
	waitFor(t, func() bool { return h.srv.SessionCount() == 1 })
	if got := h.shares.releasedWorkers(); len(got) != 0 {
		t.Fatalf("released = %v before the miner left", got)
	}

	_ = c.conn.Close()
	waitFor(t, func() bool { return len(h.shares.releasedWorkers()) == 1 })
	if got := h.shares.releasedWorkers()[0]; got != regtestAddr+".rig1" {
		t.Errorf("released = %q", got)
	}
}

func TestServer_StateOrdering(t *testing.T) {
	tests := []struct {
		name     string
		setup    []string
		method   string
		wantCode int
	}{
		{"authorize before subscribe", nil, MethodAuthorize, ErrorNotSubscribed},
		{"submit before subscribe", nil, MethodSubmit, ErrorNotSubscribed},
		{"submit before authorize", []string{MethodSubscribe}, MethodSubmit, ErrorUnauthorized},
		{"subscribe twice", []string{MethodSubscribe}, MethodSubscribe, ErrorOther},
		{"unknown method", nil, "mining.get_transactions", ErrorMethodNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			c := h.connect(t)
			for _, m := range tt.setup {
				c.call(m)
			}

			var resp *Message
			switch tt.method {
			case MethodAuthorize:
				resp = c.call(tt.method, regtestAddr, "x")
			case MethodSubmit:
				resp = c.call(tt.method, regtestAddr, "1", "00000000", "6553f100", "00000000")
			default:
				resp = c.call(tt.method)
			}
			expectError(t, resp, tt.wantCode)
			if len(h.shares.submissions()) != 0 {
				t.Error("share reached the validator")
			}
		})
	}
}

func TestServer_AuthorizeRejectsForeignAddress(t *testing.T) {
	tests := []struct {
		name     string
		username string
	}{
		{"other network", mainnetAddr + ".rig"},
		{"not an address", "alice.rig"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			c := h.connect(t)
			c.call(MethodSubscribe)

			expectError(t, c.call(MethodAuthorize, tt.username, "x"), ErrorUnauthorized)
			if len(h.shares.registered) != 0 {
				t.Errorf("worker registered: %v", h.shares.registered)
			}

			// the session may still authorize correctly afterwards
			if resp := c.call(MethodAuthorize, regtestAddr, "x"); resp.Result != true {
				t.Errorf("second authorize = %+v", resp)
			}
		})
	}
}

func TestServer_SubmitOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"accepted", nil, 0},
		{"stale job", shares.ErrStaleJob, ErrorJobNotFound},
		{"duplicate", shares.ErrDuplicateShare, ErrorDuplicateShare},
		{"above target", fmt.Errorf("%w: hash above target", shares.ErrInvalidShare), ErrorLowDifficulty},
		{"unexpected", errors.New("boom"), ErrorOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &recordingObserver{}
			h := newHarness(t, WithShareObserver(obs))
			c := h.connect(t)
			c.handshake(regtestAddr + ".rig1")

			h.shares.queue(tt.err)
			resp := c.call(MethodSubmit, regtestAddr+".rig1", "1", "0000002a", "6553f100", "deadbeef")
			if tt.wantCode == 0 {
				if resp.Result != true || resp.Error != nil {
					t.Fatalf("response = %+v, want accepted", resp)
				}
			} else {
				expectError(t, resp, tt.wantCode)
			}

			subs := h.shares.submissions()
			if len(subs) != 1 {
				t.Fatalf("submissions = %d, want 1", len(subs))
			}
			sub := subs[0]
			if sub.Address != regtestAddr || sub.Worker != "rig1" || sub.JobID != "1" || sub.Difficulty != 1024 {
				t.Errorf("submission = %+v", sub)
			}
			if sub.Work.Nonce != 0xdeadbeef || sub.Work.NTime != 0x6553f100 {
				t.Errorf("work = %+v", sub.Work)
			}
			if string(sub.Work.ExtraNonce2) != "\x00\x00\x00\x2a" || len(sub.Work.ExtraNonce1) != 4 {
				t.Errorf("extranonces = %x/%x", sub.Work.ExtraNonce1, sub.Work.ExtraNonce2)
			}

			obs.mu.Lock()
			defer obs.mu.Unlock()
			if len(obs.outcomes) != 1 || !errors.Is(obs.outcomes[0].err, tt.err) {
				t.Errorf("observed = %+v", obs.outcomes)
			}
		})
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Share outcomes are logged by the validator, not again by the session.
func TestServer_SubmitLeavesShareLoggingToValidator(t *testing.T) {
	h := newHarness(t)
	out := &lockedBuffer{}
	h.srv.logger = log.New("test", "test", "debug", "json", log.WithOutput(out)).WithComponent("stratum")
	c := h.connect(t)
	c.handshake(regtestAddr + ".rig1")

	h.shares.queue(nil, shares.ErrDuplicateShare)
	c.call(MethodSubmit, regtestAddr+".rig1", "1", "0000002a", "6553f100", "deadbeef")
	c.call(MethodSubmit, regtestAddr+".rig1", "1", "0000002a", "6553f100", "deadbeef")

	if len(h.shares.submissions()) != 2 {
		t.Fatalf("submissions = %d, want 2", len(h.shares.submissions()))
	}
	if strings.Contains(out.String(), "share submission") {
		t.Errorf("server logged share outcomes:\n%s", out.String())
	}
}

func TestServer_SubmitMalformed(t *testing.T) {
	tests := []struct {
		name   string
		params []any
		code   int
	}{
		{"bad extranonce2 hex", []any{regtestAddr, "1", "zz", "6553f100", "00000000"}, ErrorOther},
		{"short nonce", []any{regtestAddr, "1", "00000000", "6553f100", "00"}, ErrorOther},
		{"missing fields", []any{regtestAddr, "1"}, ErrorInvalidParams},
		{"other miner's address", []any{mainnetAddr, "1", "00000000", "6553f100", "00000000"}, ErrorUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			c := h.connect(t)
			c.handshake(regtestAddr)

			expectError(t, c.call(MethodSubmit, tt.params...), tt.code)
			if len(h.shares.submissions()) != 0 {
				t.Error("malformed share reached the validator")
			}
		})
	}
}

func TestServer_InvalidShareLimit(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	c.handshake(regtestAddr)

	submit := func() *Message {
		return c.call(MethodSubmit, regtestAddr, "1", "00000000", "6553f100", "00000000")
	}

	// stale shares and an accepted share in between do not add up
	h.shares.queue(shares.ErrInvalidShare, shares.ErrInvalidShare, nil,
		shares.ErrStaleJob, shares.ErrStaleJob, shares.ErrInvalidShare, shares.ErrDuplicateShare)
	for range 7 {
		submit()
	}

	h.shares.queue(shares.ErrInvalidShare)
	expectError(t, submit(), ErrorLowDifficulty)
	c.expectClosed()
	waitFor(t, func() bool { return h.srv.SessionCount() == 0 && h.srv.Connections(regtestAddr) == 0 })
}

func TestServer_DifficultyUpdate(t *testing.T) {
	h := newHarness(t)
	h.srv.wg.Add(1)
	go h.srv.difficultyLoop(h.ctx)

	c := h.connect(t)
	c.handshake(regtestAddr + ".rig1")
	waitFor(t, func() bool { return h.srv.Connections(regtestAddr) == 1 })

	h.shares.updates <- shares.DifficultyUpdate{Address: regtestAddr, Worker: "other", Difficulty: 8}
	h.shares.updates <- shares.DifficultyUpdate{Address: regtestAddr, Worker: "rig1", Difficulty: 4096}

	msg := c.expectNotification(MethodSetDifficulty)
	if msg.Params[0] != float64(4096) {
		t.Fatalf("set_difficulty = %v, want 4096", msg.Params)
	}

	// work on the previous job is still judged at the old difficulty
	c.call(MethodSubmit, regtestAddr+".rig1", "1", "00000000", "6553f100", "00000001")
	h.srv.broadcast(testJob("2", false))
	c.expectNotification(MethodNotify)
	c.call(MethodSubmit, regtestAddr+".rig1", "2", "00000000", "6553f100", "00000002")

	subs := h.shares.submissions()
	if len(subs) != 2 || subs[0].Difficulty != 1024 || subs[1].Difficulty != 4096 {
		t.Errorf("submission difficulties = %+v", subs)
	}
}

func TestServer_ServeBroadcastShutdown(t *testing.T) {
	h := newHarness(t)
	h.jobs.current = nil

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- h.srv.Serve(context.Background(), ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	c := &client{t: t, conn: conn, r: bufio.NewReader(conn)}

	c.call(MethodSubscribe)
	if resp := c.call(MethodAuthorize, regtestAddr, "x"); resp.Result != true {
		t.Fatalf("authorize = %+v", resp)
	}
	c.expectNotification(MethodSetDifficulty)

	h.jobs.ch <- testJob("9", true)
	notify := c.expectNotification(MethodNotify)
	if notify.Params[0] != "9" || notify.Params[8] != true {
		t.Errorf("notify = %v", notify.Params)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if err := <-served; err != nil {
		t.Errorf("Serve() = %v", err)
	}
	c.expectClosed()
}
