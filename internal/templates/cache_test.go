package templates

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/pkg/log"
)

const testCurTime = 1_700_000_000

// fakeNode serves a mutable regtest template and records submitted blocks.
type fakeNode struct {
	mu        sync.Mutex
	prevHash  string
	tmplErr   error
	submitErr error
	submitted []*wire.MsgBlock
}

func newFakeNode() *fakeNode {
	return &fakeNode{prevHash: chainhash.Hash{0x01}.String()}
}

func (f *fakeNode) setTip(b byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prevHash = chainhash.Hash{b}.String()
}

func (f *fakeNode) GetBlockTemplate(context.Context) (*btcjson.GetBlockTemplateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tmplErr != nil {
		return nil, f.tmplErr
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0xaa}, Index: 0},
		SignatureScript:  []byte{0x51},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(5000, []byte{0x51}))
	var buf bytes.Buffer
	_ = tx.Serialize(&buf)

	value := int64(5_000_000_000)
	return &btcjson.GetBlockTemplateResult{
		Height:        101,
		PreviousHash:  f.prevHash,
		Version:       0x20000000,
		Bits:          "207fffff",
		CurTime:       testCurTime,
		CoinbaseValue: &value,
		Transactions: []btcjson.GetBlockTemplateResultTx{
			{Data: hex.EncodeToString(buf.Bytes()), Hash: tx.TxHash().String()},
		},
	}, nil
}

func (f *fakeNode) SubmitBlock(_ context.Context, block *wire.MsgBlock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, block)
	return f.submitErr
}

func (f *fakeNode) GetBlock(context.Context, string) (*btcjson.GetBlockVerboseResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeNode) CheckServer(context.Context, string) (*bitcoin.ServerInfo, error) {
	return &bitcoin.ServerInfo{IsSynced: true, HasIndex: true}, nil
}

func testLogger() *log.Logger {
	return log.New("test", "test", "error", "json", log.WithOutput(io.Discard))
}

func newTestCache(t *testing.T, node *fakeNode, capacity int) *Cache {
	t.Helper()
	c, err := New(Config{
		Capacity:        capacity,
		PayoutScript:    []byte{0x51},
		CoinbaseTag:     "/poolcore-test/",
		PollInterval:    time.Hour,
		RefreshInterval: time.Hour,
	}, node, testLogger())
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	return c
}

func mustUpdate(t *testing.T, c *Cache, force bool) *Job {
	t.Helper()
	job, err := c.Update(context.Background(), force)
	if err != nil {
		t.Fatalf("Update() unexpected error: %v", err)
	}
	return job
}

func testWork(nonce uint32) Work {
	return Work{
		ExtraNonce1: []byte{0, 0, 0, 1},
		ExtraNonce2: []byte{0, 0, 0, 2},
		NTime:       testCurTime,
		Nonce:       nonce,
	}
}

// grind returns the first nonce whose block-candidate result equals want.
func grind(t *testing.T, state *PoWState, want bool) Work {
	t.Helper()
	for nonce := uint32(0); nonce < 1000; nonce++ {
		w := testWork(nonce)
		isBlock, _, err := state.CheckWork(w)
		if err != nil {
			t.Fatalf("CheckWork() unexpected error: %v", err)
		}
		if isBlock == want {
			return w
		}
	}
	t.Fatalf("no nonce with isBlock=%v in 1000 tries", want)
	return Work{}
}

func TestNew_InvalidCapacity(t *testing.T) {
	if _, err := New(Config{Capacity: 0}, newFakeNode(), testLogger()); err == nil {
		t.Error("New() with zero capacity expected error")
	}
}

func TestCache_Update(t *testing.T) {
	node := newFakeNode()
	c := newTestCache(t, node, 8)
	sub := c.Subscribe()

	if c.Current() != nil {
		t.Fatal("Current() should be nil before the first update")
	}

	first := mustUpdate(t, c, false)
	if first == nil || !first.CleanJobs {
		t.Fatalf("first job = %+v, want clean job", first)
	}
	if c.Current() != first {
		t.Error("Current() should return the first job")
	}
	if got := <-sub; got != first {
		t.Error("subscriber did not receive the first job")
	}

	if job := mustUpdate(t, c, false); job != nil {
		t.Errorf("Update() without tip change = %v, want nil", job.ID)
	}

	refreshed := mustUpdate(t, c, true)
	if refreshed == nil || refreshed.CleanJobs {
		t.Fatalf("forced update = %+v, want non-clean job", refreshed)
	}
	if _, err := c.PoWState(first.ID); err != nil {
		t.Errorf("job on the same tip should stay valid: %v", err)
	}

	node.setTip(0x02)
	next := mustUpdate(t, c, false)
	if next == nil || !next.CleanJobs {
		t.Fatalf("tip change = %+v, want clean job", next)
	}
	for _, old := range []*Job{first, refreshed} {
		if old.State() != StateStale {
			t.Errorf("job %s state = %s, want stale", old.ID, old.State())
		}
		if _, err := c.PoWState(old.ID); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("PoWState(%s) = %v, want ErrJobNotFound", old.ID, err)
		}
	}
	if got := <-sub; got != next {
		t.Error("subscriber should see only the latest job")
	}
}

func TestCache_UpdateError(t *testing.T) {
	node := newFakeNode()
	node.tmplErr = errors.New("node down")
	c := newTestCache(t, node, 8)

	if _, err := c.Update(context.Background(), true); err == nil {
		t.Error("Update() expected error")
	}
	if err := c.Run(context.Background()); err == nil {
		t.Error("Run() should fail when the first template cannot be fetched")
	}
}

func TestCache_EvictionMakesJobStale(t *testing.T) {
	c := newTestCache(t, newFakeNode(), 2)

	first := mustUpdate(t, c, true)
	state, err := c.PoWState(first.ID)
	if err != nil {
		t.Fatalf("PoWState() unexpected error: %v", err)
	}
	mustUpdate(t, c, true)
	mustUpdate(t, c, true)

	if first.State() != StateStale {
		t.Errorf("evicted job state = %s, want stale", first.State())
	}
	if _, err := c.PoWState(first.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("PoWState() after eviction = %v, want ErrJobNotFound", err)
	}

	// state taken before the eviction still evaluates
	if _, _, err := state.CheckWork(testWork(1)); err != nil {
		t.Errorf("CheckWork() on evicted state: %v", err)
	}
}

func TestPoWState_CheckWork(t *testing.T) {
	c := newTestCache(t, newFakeNode(), 8)
	job := mustUpdate(t, c, true)
	state, err := c.PoWState(job.ID)
	if err != nil {
		t.Fatalf("PoWState() unexpected error: %v", err)
	}

	block := grind(t, state, true)
	share := grind(t, state, false)

	isBlock, measured, _ := state.CheckWork(block)
	again, measuredAgain, _ := state.CheckWork(block)
	if !isBlock || !again || measured.Cmp(measuredAgain) != 0 {
		t.Error("CheckWork() must be deterministic")
	}
	if measured.Cmp(job.Template.Target) > 0 {
		t.Error("block candidate above network target")
	}

	_, shareMeasured, _ := state.CheckWork(share)
	if shareMeasured.Cmp(job.Template.Target) <= 0 {
		t.Error("non-candidate at or below network target")
	}
}

func TestPoWState_CheckWorkMalformed(t *testing.T) {
	c := newTestCache(t, newFakeNode(), 8)
	job := mustUpdate(t, c, true)
	state, _ := c.PoWState(job.ID)

	tests := []struct {
		name string
		work Work
	}{
		{"short extranonce1", Work{ExtraNonce1: []byte{1}, ExtraNonce2: make([]byte, 4), NTime: testCurTime}},
		{"long extranonce2", Work{ExtraNonce1: make([]byte, 4), ExtraNonce2: make([]byte, 8), NTime: testCurTime}},
		{"ntime before template", Work{ExtraNonce1: make([]byte, 4), ExtraNonce2: make([]byte, 4), NTime: testCurTime - 1}},
		{"ntime too far ahead", Work{ExtraNonce1: make([]byte, 4), ExtraNonce2: make([]byte, 4), NTime: testCurTime + maxNTimeDrift + 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := state.CheckWork(tt.work); !errors.Is(err, ErrMalformedWork) {
				t.Errorf("CheckWork() = %v, want ErrMalformedWork", err)
			}
		})
	}
}

func TestCache_SubmitBlock(t *testing.T) {
	node := newFakeNode()
	c := newTestCache(t, node, 8)
	job := mustUpdate(t, c, true)
	state, _ := c.PoWState(job.ID)
	work := grind(t, state, true)

	found, err := c.SubmitBlock(context.Background(), state, work)
	if err != nil {
		t.Fatalf("SubmitBlock() unexpected error: %v", err)
	}
	if len(node.submitted) != 1 {
		t.Fatalf("node received %d blocks, want 1", len(node.submitted))
	}
	if job.State() != StateSubmitted {
		t.Errorf("job state = %s, want submitted", job.State())
	}
	if _, err := c.PoWState(job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("PoWState() after block = %v, want ErrJobNotFound", err)
	}

	block := node.submitted[0]
	if found.Hash != block.BlockHash().String() || found.Reward != job.Template.CoinbaseValue {
		t.Errorf("found block = %+v", found)
	}

	// the header the miner hashed must commit to the transactions we sent
	txs := make([]*btcutil.Tx, len(block.Transactions))
	for i, tx := range block.Transactions {
		txs[i] = btcutil.NewTx(tx)
	}
	store := blockchain.BuildMerkleTreeStore(txs, false)
	if root := store[len(store)-1]; *root != block.Header.MerkleRoot {
		t.Errorf("merkle root %s, header commits to %s", root, block.Header.MerkleRoot)
	}

	var decoded wire.MsgBlock
	if err := decoded.Deserialize(bytes.NewReader(found.Raw)); err != nil {
		t.Fatalf("raw block does not decode: %v", err)
	}
	if decoded.BlockHash() != block.BlockHash() {
		t.Error("raw block differs from submitted block")
	}
}

func TestCache_SubmitBlockFailure(t *testing.T) {
	node := newFakeNode()
	node.submitErr = errors.New("high-hash")
	c := newTestCache(t, node, 8)
	job := mustUpdate(t, c, true)
	state, _ := c.PoWState(job.ID)

	found, err := c.SubmitBlock(context.Background(), state, grind(t, state, true))
	if !errors.Is(err, ErrBlockSubmission) {
		t.Fatalf("SubmitBlock() = %v, want ErrBlockSubmission", err)
	}
	if found == nil || len(found.Raw) == 0 {
		t.Error("failed submission should still return the raw block")
	}
	if job.State() != StateActive {
		t.Errorf("job state = %s, want active after a failed submission", job.State())
	}
}

func TestCache_RunStopsOnCancel(t *testing.T) {
	c := newTestCache(t, newFakeNode(), 8)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.OnNewBlock("00")
	c.OnNewBlock("00")

	deadline := time.After(2 * time.Second)
	for c.Current() == nil {
		select {
		case <-deadline:
			t.Fatal("Run() never fetched a template")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestWork_Key(t *testing.T) {
	a := testWork(1).Key("1")
	tests := []struct {
		name string
		key  string
	}{
		{"different nonce", testWork(2).Key("1")},
		{"different job", testWork(1).Key("2")},
		{"different ntime", Work{ExtraNonce1: []byte{0, 0, 0, 1}, ExtraNonce2: []byte{0, 0, 0, 2}, NTime: testCurTime + 1, Nonce: 1}.Key("1")},
		{"different extranonce2", Work{ExtraNonce1: []byte{0, 0, 0, 1}, ExtraNonce2: []byte{0, 0, 0, 3}, NTime: testCurTime, Nonce: 1}.Key("1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.key == a {
				t.Errorf("key collision: %s", a)
			}
		})
	}
	if testWork(1).Key("1") != a {
		t.Error("Key() must be stable")
	}
}

func TestJob_Notify(t *testing.T) {
	c := newTestCache(t, newFakeNode(), 8)
	job := mustUpdate(t, c, true)
	n := job.Notify()

	if n.JobID != job.ID || n.NBits != "207fffff" || n.Version != "20000000" {
		t.Errorf("notify = %+v", n)
	}
	if len(n.MerkleBranch) != 1 || n.MerkleBranch[0] != hex.EncodeToString(job.Template.TxHashes[0][:]) {
		t.Errorf("merkle branch = %v", n.MerkleBranch)
	}
	if n.Coinb1 != hex.EncodeToString(job.Coinbase.Coinb1) {
		t.Error("coinb1 mismatch")
	}
}
