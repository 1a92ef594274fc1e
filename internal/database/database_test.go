package database

import (
	"context"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/internal/pool"
	"github.com/bardlex/poolcore/internal/shares"
	"github.com/bardlex/poolcore/internal/treasury"
	"github.com/bardlex/poolcore/pkg/log"
)

func testLogger() *log.Logger {
	return log.New("test", "test", "error", "json", log.WithOutput(io.Discard))
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), &SQLConfig{Driver: DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), &Config{SQL: &SQLConfig{Driver: DriverSQLite, DSN: ":memory:"}}, testLogger())
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestRebind(t *testing.T) {
	tests := []struct {
		driver string
		in     string
		want   string
	}{
		{DriverPostgres, "SELECT 1 WHERE a = $1 AND b = $2", "SELECT 1 WHERE a = $1 AND b = $2"},
		{DriverSQLite, "SELECT 1 WHERE a = $1 AND b = $2", "SELECT 1 WHERE a = ?1 AND b = ?2"},
		{DriverSQLite, "VALUES ($10, $1)", "VALUES (?10, ?1)"},
	}
	for _, tt := range tests {
		d := &DB{driver: tt.driver}
		if got := d.rebind(tt.in); got != tt.want {
			t.Errorf("rebind(%s, %q) = %q, want %q", tt.driver, tt.in, got, tt.want)
		}
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), &SQLConfig{Driver: "mysql"}); err == nil {
		t.Fatal("Open() accepted an unsupported driver")
	}
}

func TestBalances(t *testing.T) {
	ctx := context.Background()
	r := NewBalanceRepository(openTestDB(t))

	credits := []struct {
		miner, wallet string
		delta         int64
	}{
		{"rig1", "addrA", 100},
		{"rig2", "addrA", 50},
		{"rig1", "addrA", 25},
		{"rig1", "addrB", 7},
	}
	for _, c := range credits {
		if err := r.AddBalance(ctx, c.miner, c.wallet, c.delta); err != nil {
			t.Fatalf("AddBalance(%+v) = %v", c, err)
		}
	}

	u, err := r.GetUser(ctx, "rig1", "addrA")
	if err != nil || u.Balance != 125 {
		t.Fatalf("GetUser(rig1, addrA) = %+v, %v, want 125", u, err)
	}
	u, err = r.GetUser(ctx, "nobody", "addrZ")
	if err != nil || u.Balance != 0 {
		t.Fatalf("GetUser(unknown) = %+v, %v, want 0", u, err)
	}

	all, err := r.GetAllBalances(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []Balance{
		{"rig1", "addrA", 125},
		{"rig2", "addrA", 50},
		{"rig1", "addrB", 7},
	}
	if len(all) != len(want) {
		t.Fatalf("GetAllBalances() = %+v", all)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Errorf("balance[%d] = %+v, want %+v", i, all[i], want[i])
		}
	}

	if err := r.ResetBalanceByAddress(ctx, "addrA"); err != nil {
		t.Fatal(err)
	}
	u, _ = r.GetUser(ctx, "rig2", "addrA")
	if u.Balance != 0 {
		t.Errorf("balance after reset = %d", u.Balance)
	}

	totals, err := r.GetWalletTotals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(totals) != 2 || totals[0] != (WalletTotal{"addrA", 175}) || totals[1] != (WalletTotal{"addrB", 7}) {
		t.Errorf("wallet totals = %+v, want lifetime totals untouched by reset", totals)
	}

	pairs, err := r.GetMinerIDsAndWallets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 3 || pairs[0] != (metrics.MinerWallet{MinerID: "rig1", Wallet: "addrA"}) {
		t.Errorf("pairs = %+v", pairs)
	}
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	r := NewMetricRepository(openTestDB(t))

	if _, ok, err := r.GetLastMetric(ctx, "var_diff", "rig", "addr"); err != nil || ok {
		t.Fatalf("GetLastMetric(empty) = %v, %v", ok, err)
	}
	for _, v := range []float64{1, 2, 3.5} {
		if err := r.SaveMetric(ctx, "var_diff", "rig", "addr", v); err != nil {
			t.Fatal(err)
		}
	}
	v, ok, err := r.GetLastMetric(ctx, "var_diff", "rig", "addr")
	if err != nil || !ok || v != 3.5 {
		t.Errorf("GetLastMetric() = %v, %v, %v, want 3.5", v, ok, err)
	}
}

func TestFoundBlocks(t *testing.T) {
	ctx := context.Background()
	r := NewBlockRepository(openTestDB(t))

	found := time.Unix(1_700_000_000, 0)
	blocks := []treasury.FoundBlock{
		{Hash: "bb", Height: 11, Reward: 50, Address: "addr", Worker: "rig", FoundAt: found, Status: treasury.BlockPending},
		{Hash: "aa", Height: 10, Reward: 60, Address: "addr", Worker: "rig", FoundAt: found, Status: treasury.BlockPending},
	}
	for _, b := range blocks {
		if err := r.AddFoundBlock(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	// same hash again is ignored
	if err := r.AddFoundBlock(ctx, blocks[0]); err != nil {
		t.Fatalf("duplicate AddFoundBlock() = %v", err)
	}

	pending, err := r.PendingFoundBlocks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].Hash != "aa" || !pending[0].FoundAt.Equal(found) || pending[0].Reward != 60 {
		t.Fatalf("pending = %+v", pending)
	}

	if err := r.UpdateFoundBlockStatus(ctx, "aa", treasury.BlockMatured); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateFoundBlockStatus(ctx, "zz", treasury.BlockMatured); err == nil {
		t.Error("UpdateFoundBlockStatus(unknown) = nil")
	}
	pending, _ = r.PendingFoundBlocks(ctx)
	if len(pending) != 1 || pending[0].Hash != "bb" {
		t.Errorf("pending after update = %+v", pending)
	}
}

func TestCarry(t *testing.T) {
	ctx := context.Background()
	r := NewStateRepository(openTestDB(t))

	if v, err := r.LoadCarry(ctx); err != nil || v != 0 {
		t.Fatalf("LoadCarry(empty) = %d, %v", v, err)
	}
	for _, v := range []int64{17, 3} {
		if err := r.SaveCarry(ctx, v); err != nil {
			t.Fatal(err)
		}
	}
	if v, err := r.LoadCarry(ctx); err != nil || v != 3 {
		t.Errorf("LoadCarry() = %d, %v, want 3", v, err)
	}
	if owed, err := r.LoadOwed(ctx); err != nil || len(owed) != 0 {
		t.Fatalf("LoadOwed(empty) = %v, %v", owed, err)
	}
	first := []pool.Payment{
		{Address: "addrB", MinerID: "rig1", Amount: 100},
		{Address: "addrA", MinerID: "rig2", Amount: 5},
	}
	if err := r.SaveOwed(ctx, first); err != nil {
		t.Fatal(err)
	}
	owed, err := r.LoadOwed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(owed) != 2 || owed[0] != (pool.Payment{Address: "addrA", MinerID: "rig2", Amount: 5}) || owed[1].Amount != 100 {
		t.Errorf("LoadOwed() = %+v", owed)
	}

	// a save replaces what was owed before
	if err := r.SaveOwed(ctx, first[:1]); err != nil {
		t.Fatal(err)
	}
	if owed, _ := r.LoadOwed(ctx); len(owed) != 1 || owed[0].Address != "addrB" {
		t.Errorf("LoadOwed() after replace = %+v", owed)
	}
	if err := r.SaveOwed(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if owed, _ := r.LoadOwed(ctx); len(owed) != 0 {
		t.Errorf("LoadOwed() after clear = %+v", owed)
	}
}

type staticLedger []shares.Contribution

func (l *staticLedger) DrainContributions() []shares.Contribution {
	out := *l
	*l = nil
	return out
}

func TestManager_PayoutCycleIsPersisted(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	if m.DifficultyStore() != nil || len(m.Recorders()) != 0 {
		t.Fatal("optional backends should be disabled")
	}

	ledger := &staticLedger{
		{NonceKey: "1", Address: "addrA", Worker: "rig1", Difficulty: 1},
		{NonceKey: "2", Address: "addrB", Worker: "rig1", Difficulty: 1},
		{NonceKey: "3", Address: "addrC", Worker: "rig1", Difficulty: 1},
	}
	c := pool.NewCoordinator(ledger, m, metrics.Nop{}, testLogger(), pool.WithCarryStore(m))
	if _, err := c.Distribute(ctx, treasury.Payout{MinerPayable: big.NewInt(100), PoolFee: big.NewInt(1)}); err != nil {
		t.Fatal(err)
	}

	u, err := m.GetUser(ctx, "rig1", "addrB")
	if err != nil || u.Balance != 33 {
		t.Errorf("GetUser() = %+v, %v, want 33", u, err)
	}
	if carry, err := m.LoadCarry(ctx); err != nil || carry != 1 {
		t.Errorf("LoadCarry() = %d, %v, want 1", carry, err)
	}

	restarted := pool.NewCoordinator(&staticLedger{}, m, metrics.Nop{}, testLogger(), pool.WithCarryStore(m))
	if err := restarted.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if restarted.Carry().Int64() != 1 {
		t.Errorf("restored carry = %s, want 1", restarted.Carry())
	}
}

func TestManager_GaugesSurviveRestart(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	if err := m.AddBalance(ctx, "rig1", "addrA", 10); err != nil {
		t.Fatal(err)
	}

	before := metrics.NewPrometheus("pooladdr", "", m, testLogger())
	before.ShareAdded("rig1", "addrA", 1)
	before.ShareAdded("rig1", "addrA", 1)
	before.VarDiff("rig1", "addrA", 2048)
	before.BlockMatured("00", 50)
	if err := before.Push(ctx); err != nil {
		t.Fatal(err)
	}

	after := metrics.NewPrometheus("pooladdr", "", m, testLogger())
	if err := after.Restore(ctx); err != nil {
		t.Fatal(err)
	}

	checks := []struct {
		name, miner, wallet string
		want                float64
	}{
		{"added_miner_shares_1min_count", "rig1", "addrA", 2},
		{"var_diff", "rig1", "addrA", 2048},
		{"paid_blocks_1min_count", metrics.PoolMinerID, "pooladdr", 1},
	}
	for _, c := range checks {
		v, ok, err := m.GetLastMetric(ctx, c.name, c.miner, c.wallet)
		if err != nil || !ok || v != c.want {
			t.Errorf("%s = %v, %v, %v, want %v", c.name, v, ok, err, c.want)
		}
	}
}
