package core

// types.go defines the wire/data model shared by the storage, consensus and
// chain layers: blocks, transactions, accounts and the chain-wide
// configuration record. The record types here implement Serializable so they
// can be round-tripped through the big-endian archive codec in serializer.go.

import "time"

// Well-known account ids (§3 Data Model).
const (
	IDGenesis uint64 = 0
	IDFee     uint64 = 1
	IDReserve uint64 = 2
	IDRecycle uint64 = 3

	IDFirstUser uint64 = 1 << 20

	InitialTokenSupply int64 = 1 << 30
)

// TxType enumerates the transaction kinds recognised by Chain.
type TxType uint8

const (
	TDefault TxType = iota
	TGenesis
	TNewUser
	TConfig
	TUser
	TRenewal
	TEndUser
)

func (t TxType) String() string {
	switch t {
	case TDefault:
		return "DEFAULT"
	case TGenesis:
		return "GENESIS"
	case TNewUser:
		return "NEW_USER"
	case TConfig:
		return "CONFIG"
	case TUser:
		return "USER"
	case TRenewal:
		return "RENEWAL"
	case TEndUser:
		return "END_USER"
	default:
		return "UNKNOWN"
	}
}

// Transaction is the unsigned transaction body. Message bytes for signing
// are binaryPack(Transaction) — i.e. the output of Serialize, not the
// enclosing SignedTx envelope.
type Transaction struct {
	Type         TxType
	TokenID      uint64
	FromWalletID uint64
	ToWalletID   uint64
	Amount       int64
	Fee          int64
	Meta         []byte
}

func (tx *Transaction) Serialize(ar Archive) error {
	var typ uint16
	if ar.IsOutput() {
		typ = uint16(tx.Type)
	}
	if err := ar.U16(&typ); err != nil {
		return err
	}
	tx.Type = TxType(typ)
	if err := ar.U64(&tx.TokenID); err != nil {
		return err
	}
	if err := ar.U64(&tx.FromWalletID); err != nil {
		return err
	}
	if err := ar.U64(&tx.ToWalletID); err != nil {
		return err
	}
	if err := ar.I64(&tx.Amount); err != nil {
		return err
	}
	if err := ar.I64(&tx.Fee); err != nil {
		return err
	}
	return ar.Bytes(&tx.Meta)
}

// SignedTx pairs a Transaction with the signatures authorizing it.
type SignedTx struct {
	Obj        Transaction
	Signatures [][]byte
}

func (s *SignedTx) Serialize(ar Archive) error {
	if err := s.Obj.Serialize(ar); err != nil {
		return err
	}
	var n uint64
	if ar.IsOutput() {
		n = uint64(len(s.Signatures))
	}
	if err := ar.U64(&n); err != nil {
		return err
	}
	if !ar.IsOutput() {
		s.Signatures = make([][]byte, n)
	}
	for i := range s.Signatures {
		if err := ar.Bytes(&s.Signatures[i]); err != nil {
			return err
		}
	}
	return nil
}

// Block is the unit of consensus: a slot-leader-produced, timestamped list
// of signed transactions chained by previousHash.
type Block struct {
	Index         uint64
	Timestamp     int64
	PreviousHash  string
	Nonce         uint64
	Slot          uint64
	SlotLeader    uint64
	SignedTxes    []SignedTx
}

func (b *Block) Serialize(ar Archive) error {
	if err := ar.U64(&b.Index); err != nil {
		return err
	}
	if err := ar.I64(&b.Timestamp); err != nil {
		return err
	}
	if err := ar.String(&b.PreviousHash); err != nil {
		return err
	}
	if err := ar.U64(&b.Nonce); err != nil {
		return err
	}
	if err := ar.U64(&b.Slot); err != nil {
		return err
	}
	if err := ar.U64(&b.SlotLeader); err != nil {
		return err
	}
	var n uint64
	if ar.IsOutput() {
		n = uint64(len(b.SignedTxes))
	}
	if err := ar.U64(&n); err != nil {
		return err
	}
	if !ar.IsOutput() {
		b.SignedTxes = make([]SignedTx, n)
	}
	for i := range b.SignedTxes {
		if err := b.SignedTxes[i].Serialize(ar); err != nil {
			return err
		}
	}
	return nil
}

// ChainNode is the durable ledger record: a block alongside its
// already-computed hash, as persisted by Ledger.
type ChainNode struct {
	Hash  string
	Block Block
}

func (c *ChainNode) Serialize(ar Archive) error {
	if err := ar.String(&c.Hash); err != nil {
		return err
	}
	return c.Block.Serialize(ar)
}

// CheckpointConfig governs the renewal deadline computation (§4.7).
type CheckpointConfig struct {
	MinBlocks     uint64
	MinAgeSeconds int64
}

// BlockChainConfig is the chain-wide parameter set, first established by the
// genesis T_GENESIS transaction and subsequently adjustable (within
// monotonicity constraints) via T_CONFIG.
type BlockChainConfig struct {
	GenesisTime             int64
	SlotDuration            uint64
	SlotsPerEpoch           uint64
	MaxTransactionsPerBlock uint64
	MinFeePerTransaction    int64
	Checkpoint              CheckpointConfig
}

func (c *BlockChainConfig) Serialize(ar Archive) error {
	if err := ar.I64(&c.GenesisTime); err != nil {
		return err
	}
	if err := ar.U64(&c.SlotDuration); err != nil {
		return err
	}
	if err := ar.U64(&c.SlotsPerEpoch); err != nil {
		return err
	}
	if err := ar.U64(&c.MaxTransactionsPerBlock); err != nil {
		return err
	}
	if err := ar.I64(&c.MinFeePerTransaction); err != nil {
		return err
	}
	if err := ar.U64(&c.Checkpoint.MinBlocks); err != nil {
		return err
	}
	return ar.I64(&c.Checkpoint.MinAgeSeconds)
}

// Wallet is the multi-signature key material attached to an Account.
type Wallet struct {
	PublicKeys    [][]byte
	MinSignatures uint32
}

func (w *Wallet) Serialize(ar Archive) error {
	var n uint64
	if ar.IsOutput() {
		n = uint64(len(w.PublicKeys))
	}
	if err := ar.U64(&n); err != nil {
		return err
	}
	if !ar.IsOutput() {
		w.PublicKeys = make([][]byte, n)
	}
	for i := range w.PublicKeys {
		if err := ar.Bytes(&w.PublicKeys[i]); err != nil {
			return err
		}
	}
	return ar.U32(&w.MinSignatures)
}

// Account is the Bank's in-memory representation of one ledger participant.
type Account struct {
	ID       uint64
	BlockID  uint64
	Wallet   Wallet
	Balances map[uint64]int64 // tokenId -> balance
}

func (a *Account) Serialize(ar Archive) error {
	if err := ar.U64(&a.ID); err != nil {
		return err
	}
	if err := ar.U64(&a.BlockID); err != nil {
		return err
	}
	if err := a.Wallet.Serialize(ar); err != nil {
		return err
	}
	var n uint64
	if ar.IsOutput() {
		n = uint64(len(a.Balances))
	}
	if err := ar.U64(&n); err != nil {
		return err
	}
	if ar.IsOutput() {
		for tok, bal := range a.Balances {
			t, b := tok, bal
			if err := ar.U64(&t); err != nil {
				return err
			}
			if err := ar.I64(&b); err != nil {
				return err
			}
		}
		return nil
	}
	a.Balances = make(map[uint64]int64, n)
	for i := uint64(0); i < n; i++ {
		var tok uint64
		var bal int64
		if err := ar.U64(&tok); err != nil {
			return err
		}
		if err := ar.I64(&bal); err != nil {
			return err
		}
		a.Balances[tok] = bal
	}
	return nil
}

// CloneBalances returns an independent copy of the account's balance map.
func (a *Account) CloneBalances() map[uint64]int64 {
	out := make(map[uint64]int64, len(a.Balances))
	for k, v := range a.Balances {
		out[k] = v
	}
	return out
}

// nowUnix returns the wall-clock time in unix seconds straight from
// time.Now; it does not go through Ouroboros' injected Clock.
func nowUnix() int64 { return time.Now().Unix() }
