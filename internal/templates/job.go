// Package templates turns node block templates into stratum jobs, keeps a
// bounded window of recent jobs for share validation, and forwards solved
// blocks back to the node.
package templates

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/poolcore/internal/bitcoin"
)

// maxNTimeDrift bounds how far a miner may roll ntime past the template.
const maxNTimeDrift = 7200

var (
	// ErrJobNotFound means the job was evicted, superseded by a new block,
	// or already produced a block. Callers treat it as a stale share.
	ErrJobNotFound = errors.New("job not found")
	// ErrMalformedWork covers submissions that cannot form a header.
	ErrMalformedWork = errors.New("malformed work")
	// ErrBlockSubmission wraps every failure to hand a solved block to the node.
	ErrBlockSubmission = errors.New("block submission failed")
)

// State is the lifecycle of a job.
type State int32

const (
	StateActive State = iota
	StateStale
	StateSubmitted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateSubmitted:
		return "submitted"
	default:
		return "unknown"
	}
}

// Job is one unit of stratum work.
type Job struct {
	ID        string
	Template  *bitcoin.Template
	Coinbase  *bitcoin.Coinbase
	Branch    []chainhash.Hash
	CleanJobs bool
	CreatedAt time.Time

	state atomic.Int32
}

// State reports the job lifecycle state.
func (j *Job) State() State {
	return State(j.state.Load())
}

func (j *Job) markStale() {
	j.state.CompareAndSwap(int32(StateActive), int32(StateStale))
}

func (j *Job) markSubmitted() {
	j.state.Store(int32(StateSubmitted))
}

// Notify holds the mining.notify fields of a job, hex encoded for the wire.
type Notify struct {
	JobID        string
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
}

// Notify renders the job for mining.notify.
func (j *Job) Notify() Notify {
	branch := make([]string, len(j.Branch))
	for i, h := range j.Branch {
		branch[i] = hex.EncodeToString(h[:])
	}
	return Notify{
		JobID:        j.ID,
		PrevHash:     bitcoin.StratumPrevHash(j.Template.PrevHash),
		Coinb1:       hex.EncodeToString(j.Coinbase.Coinb1),
		Coinb2:       hex.EncodeToString(j.Coinbase.Coinb2),
		MerkleBranch: branch,
		Version:      bitcoin.FormatUint32BE(uint32(j.Template.Version)),
		NBits:        bitcoin.FormatUint32BE(j.Template.Bits),
		NTime:        bitcoin.FormatUint32BE(j.Template.CurTime),
		CleanJobs:    j.CleanJobs,
	}
}

// Work is what a miner submits against a job.
type Work struct {
	ExtraNonce1 []byte
	ExtraNonce2 []byte
	NTime       uint32
	Nonce       uint32
}

// Key names the exact header the work describes. It is the ledger's
// deduplication key.
func (w Work) Key(jobID string) string {
	return jobID + ":" + hex.EncodeToString(w.ExtraNonce1) + hex.EncodeToString(w.ExtraNonce2) +
		":" + bitcoin.FormatUint32BE(w.NTime) + ":" + bitcoin.FormatUint32BE(w.Nonce)
}

// PoWState is the evaluation state of one job.
type PoWState struct {
	job *Job
}

// Job returns the job this state evaluates.
func (s *PoWState) Job() *Job {
	return s.job
}

// Header rebuilds the header and full coinbase described by w.
func (s *PoWState) Header(w Work) (wire.BlockHeader, []byte, error) {
	if len(w.ExtraNonce1) != bitcoin.ExtraNonce1Size || len(w.ExtraNonce2) != bitcoin.ExtraNonce2Size {
		return wire.BlockHeader{}, nil, fmt.Errorf("%w: extranonce sizes %d/%d",
			ErrMalformedWork, len(w.ExtraNonce1), len(w.ExtraNonce2))
	}

	t := s.job.Template
	if w.NTime < t.CurTime || w.NTime > t.CurTime+maxNTimeDrift {
		return wire.BlockHeader{}, nil, fmt.Errorf("%w: ntime %d outside [%d, %d]",
			ErrMalformedWork, w.NTime, t.CurTime, t.CurTime+maxNTimeDrift)
	}

	coinbase := s.job.Coinbase.Assemble(w.ExtraNonce1, w.ExtraNonce2)
	root := bitcoin.MerkleRootFromBranch(bitcoin.DoubleSHA256(coinbase), s.job.Branch)
	return bitcoin.NewHeader(t.Version, t.PrevHash, root, w.NTime, t.Bits, w.Nonce), coinbase, nil
}

// CheckWork hashes the header described by w. It reports whether the hash
// meets the network target and returns the hash as a number so callers can
// compare it with a share target.
func (s *PoWState) CheckWork(w Work) (bool, *big.Int, error) {
	header, _, err := s.Header(w)
	if err != nil {
		return false, nil, err
	}
	hash, err := bitcoin.HeaderHash(&header)
	if err != nil {
		return false, nil, err
	}
	measured := bitcoin.HashToBig(hash)
	return measured.Cmp(s.job.Template.Target) <= 0, measured, nil
}
