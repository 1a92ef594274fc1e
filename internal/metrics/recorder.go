// Package metrics defines the pool's metrics sink and its Prometheus,
// InfluxDB and Redis implementations.
package metrics

// Recorder receives mining events. Worker is the stratum worker name and
// address the payout address it mines for. Implementations must be safe
// for concurrent use and must not block.
type Recorder interface {
	JobSubmitted(worker, address string)
	ShareAdded(worker, address string, difficulty float64)
	ShareInvalid(worker, address string)
	ShareDuplicate(worker, address string)
	ShareStale(worker, address string)
	BlockShare(worker, address string)
	BlockMined(worker, address string, height int64, hash string)
	BlockMatured(hash string, reward int64)
	WorkerHashrate(worker, address string, hashesPerSecond float64)
	PoolHashrate(hashesPerSecond float64)
	VarDiff(worker, address string, difficulty float64)
	Payout(address string, amount int64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) JobSubmitted(string, string) {}
func (Nop) ShareAdded(string, string, float64) {}
func (Nop) ShareInvalid(string, string) {}
func (Nop) ShareDuplicate(string, string) {}
func (Nop) ShareStale(string, string) {}
func (Nop) BlockShare(string, string) {}
func (Nop) BlockMined(string, string, int64, string) {}
func (Nop) BlockMatured(string, int64) {}
func (Nop) WorkerHashrate(string, string, float64) {}
func (Nop) PoolHashrate(float64) {}
func (Nop) VarDiff(string, string, float64) {}
func (Nop) Payout(string, int64) {}

// Multi fans every event out to each recorder in order.
type Multi []Recorder

func (m Multi) JobSubmitted(worker, address string) {
	for _, r := range m {
		r.JobSubmitted(worker, address)
	}
}

func (m Multi) ShareAdded(worker, address string, difficulty float64) {
	for _, r := range m {
		r.ShareAdded(worker, address, difficulty)
	}
}

func (m Multi) ShareInvalid(worker, address string) {
	for _, r := range m {
		r.ShareInvalid(worker, address)
	}
}

func (m Multi) ShareDuplicate(worker, address string) {
	for _, r := range m {
		r.ShareDuplicate(worker, address)
	}
}

func (m Multi) ShareStale(worker, address string) {
	for _, r := range m {
		r.ShareStale(worker, address)
	}
}

func (m Multi) BlockShare(worker, address string) {
	for _, r := range m {
		r.BlockShare(worker, address)
	}
}

func (m Multi) BlockMined(worker, address string, height int64, hash string) {
	for _, r := range m {
		r.BlockMined(worker, address, height, hash)
	}
}

func (m Multi) BlockMatured(hash string, reward int64) {
	for _, r := range m {
		r.BlockMatured(hash, reward)
	}
}

func (m Multi) WorkerHashrate(worker, address string, hashesPerSecond float64) {
	for _, r := range m {
		r.WorkerHashrate(worker, address, hashesPerSecond)
	}
}

func (m Multi) PoolHashrate(hashesPerSecond float64) {
	for _, r := range m {
		r.PoolHashrate(hashesPerSecond)
	}
}

func (m Multi) VarDiff(worker, address string, difficulty float64) {
	for _, r := range m {
		r.VarDiff(worker, address, difficulty)
	}
}

func (m Multi) Payout(address string, amount int64) {
	for _, r := range m {
		r.Payout(address, amount)
	}
}

var (
	_ Recorder = Nop{}
	_ Recorder = Multi(nil)
)
