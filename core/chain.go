package core

// chain.go implements the block acceptance pipeline: genesis and normal
// block validation, per-transaction dispatch against the Bank, renewal
// bookkeeping, and deterministic replay from the Ledger. This is the
// largest and most safety-critical component: any error aborts the whole
// block atomically — Bank and Ledger are never left partially updated.

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"

	logrus "github.com/sirupsen/logrus"
)

// Chain owns the account Bank and the durable Ledger, and holds the active
// chain-wide configuration.
type Chain struct {
	bank       *Bank
	ledger     *Ledger
	ouroboros  *Ouroboros
	cfg        BlockChainConfig
	lastBlock  *ChainNode
	log        *logrus.Entry
}

// NewChain wires a fresh Bank to the given Ledger and Ouroboros engine. The
// caller must still call LoadFromLedger to replay any existing history.
func NewChain(l *Ledger, o *Ouroboros) *Chain {
	return &Chain{
		bank:      NewBank(),
		ledger:    l,
		ouroboros: o,
		log:       logrus.WithField("component", "chain"),
	}
}

// Bank exposes the live account buffer for read-only queries. Callers on a
// serving thread must synchronize externally per the concurrency model.
func (c *Chain) Bank() *Bank { return c.bank }

// Config returns the active chain-wide configuration.
func (c *Chain) Config() BlockChainConfig { return c.cfg }

// LastBlockHash returns the hash of the most recently accepted block, or
// the empty string before genesis.
func (c *Chain) LastBlockHash() string {
	if c.lastBlock == nil {
		return ""
	}
	return c.lastBlock.Hash
}

// LastBlockIndex returns the index of the most recently accepted block, or
// -1 before genesis.
func (c *Chain) LastBlockIndex() int64 {
	if c.lastBlock == nil {
		return -1
	}
	return int64(c.lastBlock.Block.Index)
}

// NextBlockID returns the index the next accepted block must carry.
func (c *Chain) NextBlockID() uint64 {
	if c.lastBlock == nil {
		return 0
	}
	return c.lastBlock.Block.Index + 1
}

// hashBlock computes sha256(serialize(block)) hex-encoded lowercase.
func hashBlock(b *Block) (string, error) {
	data, err := Encode(b)
	if err != nil {
		return "", newErrf(ErrDeserialization, err, "chain: serialize block for hashing")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// AddBlock validates node's asserted Hash against a freshly computed hash
// of its Block and, if accepted, applies the block then durably appends
// it to the ledger. Validation failures never mutate Bank or Ledger.
func (c *Chain) AddBlock(node *ChainNode) error {
	if node.Block.Index == 0 {
		return c.addGenesisBlock(node, true, true)
	}
	return c.addNormalBlock(node, true, true)
}

// addGenesisBlock validates and applies the exactly-four-transaction
// genesis layout (§4.7.1), rejecting node if its asserted Hash does not
// match the block content. persist controls whether the accepted block is
// appended to the ledger (false during replay, where it is already stored).
func (c *Chain) addGenesisBlock(node *ChainNode, strict, persist bool) error {
	block := &node.Block
	if c.lastBlock != nil {
		return newErrf(ErrInvalidSequence, nil, "chain: genesis block rejected, chain already has blocks")
	}
	if block.PreviousHash != "0" || block.Nonce != 0 || block.Slot != 0 || block.SlotLeader != 0 {
		return newErrf(ErrGenesisValidation, nil, "chain: genesis block header fields invalid")
	}
	if len(block.SignedTxes) != 4 {
		return newErrf(ErrGenesisValidation, nil, "chain: genesis block must have exactly 4 transactions, got %d", len(block.SignedTxes))
	}
	kinds := []TxType{TGenesis, TNewUser, TNewUser, TNewUser}
	for i, want := range kinds {
		if block.SignedTxes[i].Obj.Type != want {
			return newErrf(ErrGenesisValidation, nil, "chain: genesis tx %d must be %s, got %s", i, want, block.SignedTxes[i].Obj.Type)
		}
	}

	hash, err := hashBlock(block)
	if err != nil {
		return err
	}
	if hash != node.Hash {
		return newErrf(ErrInvalidHash, nil, "chain: genesis block hash validation failed")
	}

	trial := NewBank()
	for i, stx := range block.SignedTxes {
		if err := c.dispatchTx(trial, block, 0, stx, strict, i == 0); err != nil {
			return err
		}
	}

	applied := ChainNode{Hash: hash, Block: *block}
	if persist {
		if err := c.ledger.AddBlock(&applied); err != nil {
			return newErrf(ErrLedgerWrite, err, "chain: append genesis block")
		}
	}
	c.bank = trial
	c.lastBlock = &applied
	c.log.WithField("hash", hash).Info("accepted genesis block")
	return nil
}

// addNormalBlock validates and applies a non-genesis block, rejecting node
// if its asserted Hash does not match the block content. strict controls
// whether a missing signer account is fatal (live acceptance) or tolerated
// (replay, where the account may be created by a later block already on
// disk). persist controls whether the accepted block is appended to the
// ledger (false during replay, where it is already stored).
func (c *Chain) addNormalBlock(node *ChainNode, strict, persist bool) error {
	block := &node.Block
	if c.lastBlock == nil {
		return newErrf(ErrInvalidSequence, nil, "chain: normal block rejected before genesis")
	}
	prev := c.lastBlock
	if block.Index != prev.Block.Index+1 {
		return newErrf(ErrIndexMismatch, nil, "chain: expected index %d, got %d", prev.Block.Index+1, block.Index)
	}
	if block.PreviousHash != prev.Hash {
		return newErrf(ErrPreviousHashMismatch, nil, "chain: previousHash mismatch at block %d", block.Index)
	}

	if err := c.ouroboros.ValidateSlotLeader(block.SlotLeader, block.Slot); err != nil {
		return err
	}
	if err := c.ouroboros.ValidateBlockTiming(block.Timestamp, block.Slot); err != nil {
		return err
	}

	hash, err := hashBlock(block)
	if err != nil {
		return err
	}
	if hash != node.Hash {
		return newErrf(ErrInvalidHash, nil, "chain: block hash validation failed at block %d", block.Index)
	}

	if err := c.checkRenewalCompleteness(block); err != nil {
		return err
	}

	trial := cloneBank(c.bank)
	for _, stx := range block.SignedTxes {
		if err := c.dispatchTx(trial, block, block.Index, stx, strict, false); err != nil {
			return err
		}
	}

	applied := ChainNode{Hash: hash, Block: *block}
	if persist {
		if err := c.ledger.AddBlock(&applied); err != nil {
			return newErrf(ErrLedgerWrite, err, "chain: append block %d", block.Index)
		}
	}
	c.bank = trial
	c.lastBlock = &applied
	c.log.WithField("index", block.Index).WithField("hash", hash).Debug("accepted block")
	return nil
}

// cloneBank deep-copies a Bank so a rejected block never leaves partial
// mutations visible.
func cloneBank(b *Bank) *Bank {
	nb := NewBank()
	for id, a := range b.accounts {
		cp := *a
		cp.Balances = a.CloneBalances()
		pk := make([][]byte, len(a.Wallet.PublicKeys))
		copy(pk, a.Wallet.PublicKeys)
		cp.Wallet.PublicKeys = pk
		nb.accounts[id] = &cp
	}
	return nb
}

// checkRenewalCompleteness enforces §4.7 Renewal completeness: every account
// whose blockId predates the computed deadline must renew or end exactly
// once in this block, and no account may renew more than one block ahead of
// its own deadline.
func (c *Chain) checkRenewalCompleteness(block *Block) error {
	deadline := c.maxBlockIDForRenewal(block.Index)

	renewed := make(map[uint64]int)
	for _, stx := range block.SignedTxes {
		t := stx.Obj.Type
		if t == TRenewal || t == TEndUser {
			renewed[stx.Obj.FromWalletID]++
		}
	}
	for id, n := range renewed {
		if n > 1 {
			return newErrf(ErrRenewalViolation, nil, "chain: account %d renews more than once in block %d", id, block.Index)
		}
	}

	for _, id := range c.bank.GetAccountIdsBeforeBlockId(deadline) {
		if renewed[id] != 1 {
			return newErrf(ErrRenewalViolation, nil, "chain: account %d missed mandatory renewal by block %d", id, block.Index)
		}
	}
	for _, stx := range block.SignedTxes {
		if stx.Obj.Type != TRenewal {
			continue
		}
		acct, err := c.bank.GetAccount(stx.Obj.FromWalletID)
		if err == nil && acct.BlockID > deadline {
			return newErrf(ErrRenewalViolation, nil, "chain: account %d renewed more than one block ahead of deadline", stx.Obj.FromWalletID)
		}
	}
	return nil
}

// maxBlockIDForRenewal computes the renewal deadline for the block being
// validated at atBlockId, clamped to [0, atBlockId-1].
func (c *Chain) maxBlockIDForRenewal(atBlockID uint64) uint64 {
	byCount := int64(atBlockID) - int64(c.cfg.Checkpoint.MinBlocks) + 1
	byAge := c.firstBlockIDAtOrAfter(nowUnix() - c.cfg.Checkpoint.MinAgeSeconds)

	deadline := byCount
	if int64(byAge) < deadline {
		deadline = int64(byAge)
	}
	if deadline < 0 {
		deadline = 0
	}
	if deadline > int64(atBlockID)-1 {
		deadline = int64(atBlockID) - 1
	}
	if deadline < 0 {
		deadline = 0
	}
	return uint64(deadline)
}

func (c *Chain) firstBlockIDAtOrAfter(ts int64) uint64 {
	if c.ledger == nil {
		return 0
	}
	id, err := c.ledger.FindBlockByTimestamp(ts)
	if err != nil {
		return 0
	}
	return id
}

// dispatchTx verifies signatures then applies stx to bank, which may be a
// trial copy (acceptance) or the live bank (never directly — AddBlock
// always swaps in the trial copy only after full success).
func (c *Chain) dispatchTx(bank *Bank, block *Block, atBlockID uint64, stx SignedTx, strict, isGenesisTx bool) error {
	if !isGenesisTx {
		if err := c.verifySignatures(bank, block, stx, strict); err != nil {
			return err
		}
	}
	tx := stx.Obj
	switch tx.Type {
	case TGenesis:
		return c.applyGenesis(bank, tx)
	case TConfig:
		return c.applyConfig(bank, tx)
	case TNewUser:
		return c.applyNewUser(bank, atBlockID, tx)
	case TUser, TRenewal:
		return c.applyUserOrRenewal(bank, atBlockID, tx)
	case TEndUser:
		return c.applyEndUser(bank, tx)
	case TDefault:
		return c.applyDefault(bank, tx)
	default:
		return newErrf(ErrUnknownTxType, nil, "chain: unknown transaction type %v", tx.Type)
	}
}

// verifySignatures checks that the designated signer (slot leader for
// renewal/end-user, else `from`) has supplied at least minSignatures
// distinct valid signatures over binaryPack(tx).
func (c *Chain) verifySignatures(bank *Bank, block *Block, stx SignedTx, strict bool) error {
	signer := stx.Obj.FromWalletID
	if stx.Obj.Type == TRenewal || stx.Obj.Type == TEndUser {
		signer = block.SlotLeader
	}

	acct, err := bank.GetAccount(signer)
	if err != nil {
		if !strict {
			return nil
		}
		return newErrf(ErrTxSignature, err, "chain: signer %d not found", signer)
	}

	msg, err := Encode(&stx.Obj)
	if err != nil {
		return newErrf(ErrDeserialization, err, "chain: serialize tx for signature check")
	}

	used := make([]bool, len(acct.Wallet.PublicKeys))
	valid := 0
	for _, sig := range stx.Signatures {
		for i, pub := range acct.Wallet.PublicKeys {
			if used[i] {
				continue
			}
			if len(pub) == ed25519.PublicKeySize && len(sig) == ed25519.SignatureSize && ed25519.Verify(pub, msg, sig) {
				used[i] = true
				valid++
				break
			}
		}
	}
	if uint32(valid) < acct.Wallet.MinSignatures {
		return newErrf(ErrTxSignature, nil, "chain: signer %d has %d/%d required valid signatures", signer, valid, acct.Wallet.MinSignatures)
	}
	return nil
}

func (c *Chain) applyGenesis(bank *Bank, tx Transaction) error {
	if tx.FromWalletID != IDGenesis || tx.ToWalletID != IDGenesis || tx.Amount != 0 || tx.Fee != 0 {
		return newErrf(ErrGenesisValidation, nil, "chain: malformed T_GENESIS transaction")
	}
	var payload struct {
		Config  BlockChainConfig
		Genesis Account
	}
	if err := decodeGenesisMeta(tx.Meta, &payload.Config, &payload.Genesis); err != nil {
		return newErrf(ErrGenesisValidation, err, "chain: decode genesis meta")
	}
	c.cfg = payload.Config
	c.ouroboros.SetConfig(OuroborosConfig{
		GenesisTime:   payload.Config.GenesisTime,
		SlotDuration:  payload.Config.SlotDuration,
		SlotsPerEpoch: payload.Config.SlotsPerEpoch,
	})
	if err := bank.Add(payload.Genesis); err != nil {
		return newErrf(ErrGenesisValidation, err, "chain: install genesis account")
	}
	return nil
}

// decodeGenesisMeta decodes the concatenated (BlockChainConfig, Account)
// record carried in the T_GENESIS transaction's meta field.
func decodeGenesisMeta(meta []byte, cfg *BlockChainConfig, acct *Account) error {
	ar := NewInputArchive(meta)
	if err := cfg.Serialize(ar); err != nil {
		return err
	}
	if err := acct.Serialize(ar); err != nil {
		return err
	}
	return ar.Failed()
}

// EncodeGenesisMeta is the inverse of decodeGenesisMeta, used by block
// producers to build the genesis block's T_GENESIS transaction.
func EncodeGenesisMeta(cfg BlockChainConfig, acct Account) ([]byte, error) {
	ar := NewOutputArchive()
	if err := cfg.Serialize(ar); err != nil {
		return nil, err
	}
	if err := acct.Serialize(ar); err != nil {
		return nil, err
	}
	return ar.Bytes(), nil
}

func (c *Chain) applyConfig(bank *Bank, tx Transaction) error {
	var newCfg BlockChainConfig
	if err := Decode(tx.Meta, &newCfg); err != nil {
		return newErrf(ErrTxValidation, err, "chain: decode T_CONFIG meta")
	}
	if newCfg.SlotDuration > c.cfg.SlotDuration {
		return newErrf(ErrTxValidation, nil, "chain: slotDuration may only decrease")
	}
	if newCfg.SlotsPerEpoch < c.cfg.SlotsPerEpoch {
		return newErrf(ErrTxValidation, nil, "chain: slotsPerEpoch may only increase")
	}
	if newCfg.GenesisTime != c.cfg.GenesisTime {
		return newErrf(ErrTxValidation, nil, "chain: genesisTime cannot change")
	}
	before := bank.GetBalance(IDGenesis, IDGenesis)
	c.cfg = newCfg
	c.ouroboros.SetConfig(OuroborosConfig{
		GenesisTime:   newCfg.GenesisTime,
		SlotDuration:  newCfg.SlotDuration,
		SlotsPerEpoch: newCfg.SlotsPerEpoch,
	})
	after := bank.GetBalance(IDGenesis, IDGenesis)
	if before != after {
		return newErrf(ErrTxValidation, nil, "chain: T_CONFIG must preserve ID_GENESIS balance")
	}
	return nil
}

func (c *Chain) applyNewUser(bank *Bank, atBlockID uint64, tx Transaction) error {
	if tx.Fee < c.cfg.MinFeePerTransaction {
		return newErrf(ErrFeeTooLow, nil, "chain: T_NEW_USER fee %d below minimum %d", tx.Fee, c.cfg.MinFeePerTransaction)
	}
	if bank.Has(tx.ToWalletID) {
		return newErrf(ErrAccountExists, nil, "chain: account %d already exists", tx.ToWalletID)
	}
	if tx.ToWalletID < IDFirstUser && tx.FromWalletID != IDGenesis {
		return newErrf(ErrTxValidation, nil, "chain: only ID_GENESIS may create reserved account %d", tx.ToWalletID)
	}

	var wallet Wallet
	var balances map[uint64]int64
	if err := decodeUserMeta(tx.Meta, &wallet, &balances); err != nil {
		return newErrf(ErrTxValidation, err, "chain: decode T_NEW_USER meta")
	}
	if len(wallet.PublicKeys) < 1 || wallet.MinSignatures < 1 {
		return newErrf(ErrTxValidation, nil, "chain: new wallet needs >=1 public key and threshold >=1")
	}
	if len(balances) != 1 || balances[IDGenesis] != tx.Amount {
		return newErrf(ErrTxValidation, nil, "chain: T_NEW_USER meta must carry a single ID_GENESIS balance equal to amount")
	}

	if err := bank.Withdraw(tx.FromWalletID, IDGenesis, tx.Amount+tx.Fee); err != nil {
		return newErrf(ErrTransferFailed, err, "chain: debit source for new account funding")
	}

	acct := Account{
		ID:      tx.ToWalletID,
		BlockID: atBlockID,
		Wallet:  wallet,
		Balances: map[uint64]int64{
			IDGenesis: tx.Amount,
		},
	}
	if err := bank.Add(acct); err != nil {
		return newErrf(ErrTxValidation, err, "chain: install new account")
	}
	return nil
}

func (c *Chain) applyUserOrRenewal(bank *Bank, atBlockID uint64, tx Transaction) error {
	if tx.FromWalletID != tx.ToWalletID {
		return newErrf(ErrTxValidation, nil, "chain: T_USER/T_RENEWAL must have from == to")
	}
	if tx.TokenID != IDGenesis || tx.Amount != 0 {
		return newErrf(ErrTxValidation, nil, "chain: T_USER/T_RENEWAL must move zero amount of ID_GENESIS")
	}
	if tx.Fee < c.cfg.MinFeePerTransaction {
		return newErrf(ErrFeeTooLow, nil, "chain: T_USER/T_RENEWAL fee %d below minimum", tx.Fee)
	}
	old, err := bank.GetAccount(tx.FromWalletID)
	if err != nil {
		return err
	}

	var payload struct {
		Wallet   Wallet
		Balances map[uint64]int64
	}
	if err := decodeUserMeta(tx.Meta, &payload.Wallet, &payload.Balances); err != nil {
		return newErrf(ErrTxValidation, err, "chain: decode T_USER/T_RENEWAL meta")
	}
	for tok, bal := range payload.Balances {
		if old.Balances[tok] != bal {
			return newErrf(ErrTxValidation, nil, "chain: asserted balance for token %d does not match bank", tok)
		}
	}

	if err := bank.Withdraw(tx.FromWalletID, IDGenesis, tx.Fee); err != nil {
		return newErrf(ErrTransferFailed, err, "chain: debit renewal fee")
	}
	balances := old.CloneBalances()
	bank.Remove(tx.FromWalletID)
	newAcct := Account{ID: tx.FromWalletID, BlockID: atBlockID, Wallet: payload.Wallet, Balances: balances}
	if err := bank.Add(newAcct); err != nil {
		return newErrf(ErrTxValidation, err, "chain: reinstall renewed account")
	}
	return nil
}

func decodeUserMeta(meta []byte, w *Wallet, balances *map[uint64]int64) error {
	ar := NewInputArchive(meta)
	if err := w.Serialize(ar); err != nil {
		return err
	}
	var n uint64
	if err := ar.U64(&n); err != nil {
		return err
	}
	m := make(map[uint64]int64, n)
	for i := uint64(0); i < n; i++ {
		var tok uint64
		var bal int64
		if err := ar.U64(&tok); err != nil {
			return err
		}
		if err := ar.I64(&bal); err != nil {
			return err
		}
		m[tok] = bal
	}
	*balances = m
	return ar.Failed()
}

// EncodeUserMeta builds the meta payload for a T_USER/T_RENEWAL transaction.
func EncodeUserMeta(w Wallet, balances map[uint64]int64) ([]byte, error) {
	ar := NewOutputArchive()
	if err := w.Serialize(ar); err != nil {
		return nil, err
	}
	n := uint64(len(balances))
	if err := ar.U64(&n); err != nil {
		return nil, err
	}
	for tok, bal := range balances {
		t, b := tok, bal
		if err := ar.U64(&t); err != nil {
			return nil, err
		}
		if err := ar.I64(&b); err != nil {
			return nil, err
		}
	}
	return ar.Bytes(), nil
}

func (c *Chain) applyEndUser(bank *Bank, tx Transaction) error {
	if tx.Amount != 0 || tx.Fee != 0 {
		return newErrf(ErrTxValidation, nil, "chain: T_END_USER must carry zero amount and fee")
	}
	acct, err := bank.GetAccount(tx.FromWalletID)
	if err != nil {
		return err
	}
	if acct.Balances[IDGenesis] >= c.cfg.MinFeePerTransaction {
		return newErrf(ErrTxValidation, nil, "chain: T_END_USER requires remaining ID_GENESIS balance below minimum fee")
	}
	return bank.WriteOff(tx.FromWalletID)
}

func (c *Chain) applyDefault(bank *Bank, tx Transaction) error {
	if tx.Fee < c.cfg.MinFeePerTransaction {
		return newErrf(ErrFeeTooLow, nil, "chain: fee %d below minimum %d", tx.Fee, c.cfg.MinFeePerTransaction)
	}
	return bank.TransferBalance(tx.FromWalletID, tx.ToWalletID, tx.TokenID, tx.Amount, tx.Fee)
}

// LoadFromLedger resets the Bank and replays ledger blocks from
// startingBlockId onward, stopping at the first missing block. Replay is
// strict (missing signer is fatal) only when starting from genesis;
// otherwise a missing account is tolerated since it may be created by a
// later block already on disk.
func (c *Chain) LoadFromLedger(startingBlockID uint64) error {
	c.bank = NewBank()
	c.lastBlock = nil
	strict := startingBlockID == 0

	if startingBlockID > 0 {
		prevNode, err := c.ledger.ReadBlock(startingBlockID - 1)
		if err != nil {
			return newErrf(ErrLedgerRead, err, "chain: read block preceding replay start")
		}
		c.lastBlock = prevNode
	}

	for id := startingBlockID; ; id++ {
		node, err := c.ledger.ReadBlock(id)
		if err != nil {
			break // first missing block stops replay
		}
		if node.Block.Index != id {
			return newErrf(ErrIndexMismatch, nil, "chain: ledger record %d has index %d", id, node.Block.Index)
		}
		if id == 0 {
			if err := c.addGenesisBlock(node, true, false); err != nil {
				return newErrf(ErrDeserialization, err, "chain: replay genesis block")
			}
			continue
		}
		if err := c.addNormalBlock(node, strict, false); err != nil {
			return newErrf(ErrDeserialization, err, "chain: replay block %d", id)
		}
	}
	c.log.WithField("nextBlockId", c.NextBlockID()).Info("replay complete")
	return nil
}

// ProposeBlock assembles a new block for the given producer, prepending the
// transactions mandated by renewal completeness ahead of the caller's
// admissible user transactions (which do not themselves count renewals
// toward maxTransactionsPerBlock).
func (c *Chain) ProposeBlock(producerID uint64, slot uint64, timestamp int64, userTxes []SignedTx, renewals []SignedTx) (*Block, error) {
	if uint64(len(userTxes)) > c.cfg.MaxTransactionsPerBlock {
		return nil, newErrf(ErrTxValidation, nil, "chain: %d user transactions exceeds max %d", len(userTxes), c.cfg.MaxTransactionsPerBlock)
	}
	if c.lastBlock == nil {
		return nil, newErrf(ErrInvalidSequence, nil, "chain: cannot propose before genesis")
	}
	all := make([]SignedTx, 0, len(renewals)+len(userTxes))
	all = append(all, renewals...)
	all = append(all, userTxes...)

	return &Block{
		Index:        c.lastBlock.Block.Index + 1,
		Timestamp:    timestamp,
		PreviousHash: c.lastBlock.Hash,
		Nonce:        0,
		Slot:         slot,
		SlotLeader:   producerID,
		SignedTxes:   all,
	}, nil
}
