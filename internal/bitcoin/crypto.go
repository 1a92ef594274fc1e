// Package bitcoin holds the chain-facing half of the pool: coinbase and
// merkle construction, header hashing and target arithmetic, plus the node
// RPC and ZMQ clients.
package bitcoin

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	sha256 "github.com/minio/sha256-simd"
)

const (
	// ExtraNonce1Size is the per-session extranonce prefix length in bytes.
	ExtraNonce1Size = 4
	// ExtraNonce2Size is the miner-rolled extranonce length in bytes.
	ExtraNonce2Size = 4

	extraNonceSize = ExtraNonce1Size + ExtraNonce2Size

	// maxCoinbaseScript is the consensus limit on the coinbase scriptSig.
	maxCoinbaseScript = 100
)

// bufferPool provides reusable buffers for header, coinbase and block
// serialization on the share path.
var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	// oversized block buffers are left to the GC
	if buf.Cap() < 1<<20 {
		bufferPool.Put(buf)
	}
}

// DoubleSHA256 returns sha256(sha256(b)).
func DoubleSHA256(b []byte) chainhash.Hash {
	first := sha256.Sum256(b)
	return chainhash.Hash(sha256.Sum256(first[:]))
}

// Coinbase is the pool's coinbase transaction for one job, pre-split around
// the extranonce so sessions can hand out Coinb1/Coinb2 unchanged.
type Coinbase struct {
	Tx     *wire.MsgTx
	Coinb1 []byte
	Coinb2 []byte
}

// CoinbaseParams describe the coinbase to build.
type CoinbaseParams struct {
	Height            int64
	Value             int64
	PayoutScript      []byte
	Tag               string
	WitnessCommitment []byte
}

// PayoutScript returns the output script paying addr on the given network.
func PayoutScript(addr string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("decode pool address: %w", err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address %s is not for %s", addr, params.Name)
	}
	return txscript.PayToAddrScript(decoded)
}

// BuildCoinbase creates a BIP 34 coinbase whose scriptSig ends with an
// extranonce placeholder, and splits its legacy serialization around it.
func BuildCoinbase(p CoinbaseParams) (*Coinbase, error) {
	heightScript, err := txscript.NewScriptBuilder().AddInt64(p.Height).Script()
	if err != nil {
		return nil, fmt.Errorf("height script: %w", err)
	}

	prefix := append(heightScript, []byte(p.Tag)...)
	if len(prefix)+extraNonceSize > maxCoinbaseScript {
		prefix = prefix[:maxCoinbaseScript-extraNonceSize]
	}
	script := make([]byte, 0, len(prefix)+extraNonceSize)
	script = append(script, prefix...)
	script = append(script, make([]byte, extraNonceSize)...)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: wire.MaxPrevOutIndex},
		SignatureScript:  script,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(p.Value, p.PayoutScript))
	if len(p.WitnessCommitment) > 0 {
		tx.AddTxOut(wire.NewTxOut(0, p.WitnessCommitment))
	}

	buf := getBuffer()
	defer putBuffer(buf)
	if err := tx.SerializeNoWitness(buf); err != nil {
		return nil, fmt.Errorf("serialize coinbase: %w", err)
	}
	raw := buf.Bytes()

	// version | input count | prevout hash | prevout index | script length
	split := 4 + 1 + chainhash.HashSize + 4 + wire.VarIntSerializeSize(uint64(len(script))) + len(prefix)
	if split+extraNonceSize > len(raw) {
		return nil, fmt.Errorf("coinbase split %d out of range for %d bytes", split, len(raw))
	}

	return &Coinbase{
		Tx:     tx,
		Coinb1: bytes.Clone(raw[:split]),
		Coinb2: bytes.Clone(raw[split+extraNonceSize:]),
	}, nil
}

// Assemble joins the coinbase halves with both extranonces.
func (c *Coinbase) Assemble(extraNonce1, extraNonce2 []byte) []byte {
	out := make([]byte, 0, len(c.Coinb1)+len(extraNonce1)+len(extraNonce2)+len(c.Coinb2))
	out = append(out, c.Coinb1...)
	out = append(out, extraNonce1...)
	out = append(out, extraNonce2...)
	return append(out, c.Coinb2...)
}

// MerkleBranch returns the hashes a miner folds into the coinbase hash to
// reach the merkle root. txHashes excludes the coinbase itself.
func MerkleBranch(txHashes []chainhash.Hash) []chainhash.Hash {
	if len(txHashes) == 0 {
		return nil
	}

	// level[0] is the unknown coinbase-side node
	level := make([]chainhash.Hash, 1, len(txHashes)+2)
	level = append(level, txHashes...)

	var branch []chainhash.Hash
	for len(level) > 1 {
		branch = append(branch, level[1])
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]chainhash.Hash, 1, len(level)/2+1)
		for i := 2; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return branch
}

// MerkleRootFromBranch folds the branch into the coinbase hash.
func MerkleRootFromBranch(coinbaseHash chainhash.Hash, branch []chainhash.Hash) chainhash.Hash {
	root := coinbaseHash
	for _, h := range branch {
		root = hashPair(root, h)
	}
	return root
}

func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var concat [chainhash.HashSize * 2]byte
	copy(concat[:chainhash.HashSize], left[:])
	copy(concat[chainhash.HashSize:], right[:])
	return DoubleSHA256(concat[:])
}

// NewHeader builds a block header from stratum work values.
func NewHeader(version int32, prev, merkleRoot chainhash.Hash, ntime, bits, nonce uint32) wire.BlockHeader {
	return wire.BlockHeader{
		Version:    version,
		PrevBlock:  prev,
		MerkleRoot: merkleRoot,
		Timestamp:  time.Unix(int64(ntime), 0),
		Bits:       bits,
		Nonce:      nonce,
	}
}

// HeaderHash double-hashes the 80-byte serialized header.
func HeaderHash(h *wire.BlockHeader) (chainhash.Hash, error) {
	buf := getBuffer()
	defer putBuffer(buf)
	if err := h.Serialize(buf); err != nil {
		return chainhash.Hash{}, fmt.Errorf("serialize header: %w", err)
	}
	return DoubleSHA256(buf.Bytes()), nil
}

// HashToBig interprets a block hash as the number compared against targets.
func HashToBig(h chainhash.Hash) *big.Int {
	return blockchain.HashToBig(&h)
}

// Diff1Target is the target of difficulty 1 (0x00000000FFFF0000...).
var Diff1Target = blockchain.CompactToBig(0x1d00ffff)

var diff1Float = new(big.Float).SetInt(Diff1Target)

// DifficultyToTarget returns floor(Diff1Target / difficulty). Non-positive
// difficulties yield Diff1Target.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 || math.IsNaN(difficulty) || math.IsInf(difficulty, 0) {
		return new(big.Int).Set(Diff1Target)
	}
	q := new(big.Float).SetPrec(256).Quo(diff1Float, big.NewFloat(difficulty))
	target, _ := q.Int(nil)
	return target
}

// TargetToDifficulty is the inverse of DifficultyToTarget. A zero target
// reports +Inf.
func TargetToDifficulty(target *big.Int) float64 {
	if target.Sign() <= 0 {
		return math.Inf(1)
	}
	d, _ := new(big.Float).Quo(diff1Float, new(big.Float).SetInt(target)).Float64()
	return d
}

// CompactToTarget expands nbits.
func CompactToTarget(bits uint32) *big.Int {
	return blockchain.CompactToBig(bits)
}

// ParseUint32BE decodes an 8-character big-endian hex word as sent by
// stratum clients for ntime, nonce and version.
func ParseUint32BE(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("expected 8 hex characters, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return binary.BigEndian.Uint32(b), nil
}

// FormatUint32BE is the inverse of ParseUint32BE.
func FormatUint32BE(v uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return hex.EncodeToString(b[:])
}

// StratumPrevHash encodes a previous block hash the way stratum v1 expects:
// internal byte order with every 4-byte word reversed.
func StratumPrevHash(h chainhash.Hash) string {
	var out [chainhash.HashSize]byte
	for i := 0; i < chainhash.HashSize; i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = h[i+3], h[i+2], h[i+1], h[i]
	}
	return hex.EncodeToString(out[:])
}

// SerializeBlock returns the full witness serialization of block.
func SerializeBlock(block *wire.MsgBlock) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(block.SerializeSize())
	if err := block.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize block: %w", err)
	}
	return buf.Bytes(), nil
}
