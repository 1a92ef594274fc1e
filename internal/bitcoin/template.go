package bitcoin

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Template is a decoded getblocktemplate result. Transactions are
// deserialized once here so the share path never touches hex.
type Template struct {
	Height            int64
	PrevHash          chainhash.Hash
	Version           int32
	Bits              uint32
	CurTime           uint32
	CoinbaseValue     int64
	Transactions      []*wire.MsgTx
	TxHashes          []chainhash.Hash
	WitnessCommitment []byte
	Target            *big.Int
}

// ParseTemplate converts the RPC result into a Template.
func ParseTemplate(res *btcjson.GetBlockTemplateResult) (*Template, error) {
	if res == nil {
		return nil, fmt.Errorf("nil block template")
	}
	if res.CoinbaseValue == nil {
		return nil, fmt.Errorf("template at height %d has no coinbasevalue", res.Height)
	}

	prev, err := chainhash.NewHashFromStr(res.PreviousHash)
	if err != nil {
		return nil, fmt.Errorf("previousblockhash: %w", err)
	}

	bits, err := strconv.ParseUint(res.Bits, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("bits %q: %w", res.Bits, err)
	}

	t := &Template{
		Height:        res.Height,
		PrevHash:      *prev,
		Version:       res.Version,
		Bits:          uint32(bits),
		CurTime:       uint32(res.CurTime),
		CoinbaseValue: *res.CoinbaseValue,
		Transactions:  make([]*wire.MsgTx, 0, len(res.Transactions)),
		TxHashes:      make([]chainhash.Hash, 0, len(res.Transactions)),
		Target:        CompactToTarget(uint32(bits)),
	}

	for i, rtx := range res.Transactions {
		raw, err := hex.DecodeString(rtx.Data)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		tx := &wire.MsgTx{}
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		t.Transactions = append(t.Transactions, tx)
		t.TxHashes = append(t.TxHashes, tx.TxHash())
	}

	if res.DefaultWitnessCommitment != "" {
		t.WitnessCommitment, err = hex.DecodeString(res.DefaultWitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("default_witness_commitment: %w", err)
		}
	}

	return t, nil
}

// HasWitness reports whether blocks built from t need a segwit coinbase.
func (t *Template) HasWitness() bool {
	return len(t.WitnessCommitment) > 0
}

// BuildBlock assembles the block for a solved header. The coinbase is the
// fully assembled legacy serialization; when the template carries a
// witness commitment the coinbase gets the reserved all-zero witness.
func (t *Template) BuildBlock(header wire.BlockHeader, coinbase []byte) (*wire.MsgBlock, error) {
	cb := &wire.MsgTx{}
	if err := cb.DeserializeNoWitness(bytes.NewReader(coinbase)); err != nil {
		return nil, fmt.Errorf("coinbase: %w", err)
	}
	if t.HasWitness() {
		cb.TxIn[0].Witness = wire.TxWitness{make([]byte, 32)}
	}

	block := &wire.MsgBlock{
		Header:       header,
		Transactions: make([]*wire.MsgTx, 0, len(t.Transactions)+1),
	}
	block.Transactions = append(block.Transactions, cb)
	block.Transactions = append(block.Transactions, t.Transactions...)
	return block, nil
}
