package core

import (
	"crypto/ed25519"
	"testing"

	"synnergy-network/internal/testutil"
)

type chainFixtureKeys struct {
	genesisPriv, feePriv, reservePriv, recyclePriv ed25519.PrivateKey
	genesisPub, feePub, reservePub, recyclePub     ed25519.PublicKey
}

func newChainFixtureKeys(t *testing.T) chainFixtureKeys {
	t.Helper()
	gen := func() (ed25519.PublicKey, ed25519.PrivateKey) {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		return pub, priv
	}
	gp, gk := gen()
	fp, fk := gen()
	rp, rk := gen()
	cp, ck := gen()
	return chainFixtureKeys{
		genesisPriv: gk, feePriv: fk, reservePriv: rk, recyclePriv: ck,
		genesisPub: gp, feePub: fp, reservePub: rp, recyclePub: cp,
	}
}

func sign(t *testing.T, priv ed25519.PrivateKey, tx Transaction) []byte {
	t.Helper()
	msg, err := Encode(&tx)
	if err != nil {
		t.Fatalf("encode tx for signing: %v", err)
	}
	return ed25519.Sign(priv, msg)
}

// mustNode wraps block into a ChainNode asserting its correctly computed
// hash, the shape every ingestion path (live or replayed) now validates.
func mustNode(t *testing.T, block *Block) *ChainNode {
	t.Helper()
	hash, err := hashBlock(block)
	if err != nil {
		t.Fatalf("hash block: %v", err)
	}
	return &ChainNode{Hash: hash, Block: *block}
}

func testChainConfig() BlockChainConfig {
	return BlockChainConfig{
		GenesisTime:             1_700_000_000,
		SlotDuration:            10,
		SlotsPerEpoch:           100,
		MaxTransactionsPerBlock: 10,
		MinFeePerTransaction:    0,
		Checkpoint:              CheckpointConfig{MinBlocks: 1 << 40, MinAgeSeconds: 1 << 40},
	}
}

// buildGenesisBlock assembles a spec-shaped genesis block: T_GENESIS
// installing the ID_GENESIS account, followed by three T_NEW_USER
// transactions funding ID_FEE, ID_RESERVE and ID_RECYCLE, each signed by the
// genesis wallet. Returned as a ChainNode with a correctly computed hash.
func buildGenesisBlock(t *testing.T, k chainFixtureKeys, cfg BlockChainConfig) *ChainNode {
	t.Helper()
	genesisWallet := Wallet{PublicKeys: [][]byte{k.genesisPub}, MinSignatures: 1}
	genesisAccount := Account{ID: IDGenesis, BlockID: 0, Wallet: genesisWallet, Balances: map[uint64]int64{IDGenesis: 0}}

	meta, err := EncodeGenesisMeta(cfg, genesisAccount)
	if err != nil {
		t.Fatalf("encode genesis meta: %v", err)
	}
	tGenesis := Transaction{Type: TGenesis, TokenID: IDGenesis, FromWalletID: IDGenesis, ToWalletID: IDGenesis, Meta: meta}

	newUser := func(to uint64, amount int64, pub ed25519.PublicKey) SignedTx {
		userMeta, err := EncodeUserMeta(Wallet{PublicKeys: [][]byte{pub}, MinSignatures: 1}, map[uint64]int64{IDGenesis: amount})
		if err != nil {
			t.Fatalf("encode user meta: %v", err)
		}
		tx := Transaction{Type: TNewUser, TokenID: IDGenesis, FromWalletID: IDGenesis, ToWalletID: to, Amount: amount, Fee: 0, Meta: userMeta}
		return SignedTx{Obj: tx, Signatures: [][]byte{sign(t, k.genesisPriv, tx)}}
	}

	block := &Block{
		Index:        0,
		Timestamp:    cfg.GenesisTime,
		PreviousHash: "0",
		Nonce:        0,
		Slot:         0,
		SlotLeader:   0,
		SignedTxes: []SignedTx{
			{Obj: tGenesis, Signatures: nil},
			newUser(IDFee, 1000, k.feePub),
			newUser(IDReserve, 1000, k.reservePub),
			newUser(IDRecycle, 0, k.recyclePub),
		},
	}
	return mustNode(t, block)
}

func newTestChain(t *testing.T, dir string) (*Chain, *Ledger, *Ouroboros) {
	t.Helper()
	ledger, err := InitLedger(DirDirConfig{DirPath: dir, MaxFileCount: 4, MaxFileSize: 1 << 20, MaxDirCount: 4, MaxLevel: 1})
	if err != nil {
		t.Fatalf("init ledger: %v", err)
	}
	ouro := NewOuroboros(OuroborosConfig{GenesisTime: 0, SlotDuration: 1, SlotsPerEpoch: 1}, fixedClock{})
	chain := NewChain(ledger, ouro)
	return chain, ledger, ouro
}

func TestChainAddGenesisBlockHappyPath(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	chain, _, _ := newTestChain(t, sb.Path("ledger"))
	k := newChainFixtureKeys(t)
	cfg := testChainConfig()
	node := buildGenesisBlock(t, k, cfg)

	if err := chain.AddBlock(node); err != nil {
		t.Fatalf("add genesis block: %v", err)
	}
	if chain.LastBlockIndex() != 0 {
		t.Fatalf("expected last block index 0, got %d", chain.LastBlockIndex())
	}
	for _, id := range []uint64{IDGenesis, IDFee, IDReserve, IDRecycle} {
		if !chain.Bank().Has(id) {
			t.Fatalf("expected account %d to exist after genesis", id)
		}
	}
	if chain.Bank().GetBalance(IDFee, IDGenesis) != 1000 {
		t.Fatalf("expected ID_FEE funded with 1000, got %d", chain.Bank().GetBalance(IDFee, IDGenesis))
	}
	if chain.Config().SlotDuration != cfg.SlotDuration {
		t.Fatalf("expected chain config adopted from genesis meta")
	}
}

func TestChainAddGenesisBlockRejectsBadHeader(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()
	chain, _, _ := newTestChain(t, sb.Path("ledger"))
	k := newChainFixtureKeys(t)
	node := buildGenesisBlock(t, k, testChainConfig())
	node.Block.Nonce = 1 // header must be all-zero/sentinel for genesis
	if err := chain.AddBlock(node); err == nil {
		t.Fatal("expected malformed genesis header to be rejected")
	}
	if chain.LastBlockIndex() != -1 {
		t.Fatal("expected no block accepted after rejection")
	}
}

func TestChainAddGenesisBlockRejectsWrongTxCount(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()
	chain, _, _ := newTestChain(t, sb.Path("ledger"))
	k := newChainFixtureKeys(t)
	node := buildGenesisBlock(t, k, testChainConfig())
	node.Block.SignedTxes = node.Block.SignedTxes[:3]
	if err := chain.AddBlock(node); err == nil {
		t.Fatal("expected genesis block with 3 transactions to be rejected")
	}
}

// An asserted hash that does not match the recomputed hash of the genesis
// block's content must be rejected, independent of every other check.
func TestChainAddGenesisBlockRejectsHashMismatch(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()
	chain, _, _ := newTestChain(t, sb.Path("ledger"))
	k := newChainFixtureKeys(t)
	node := buildGenesisBlock(t, k, testChainConfig())
	node.Hash = "bad-hash"
	if err := chain.AddBlock(node); CodeOf(err) != ErrInvalidHash {
		t.Fatalf("expected ErrInvalidHash, got %v", err)
	}
	if chain.LastBlockIndex() != -1 {
		t.Fatal("expected no block accepted after a hash mismatch")
	}
}

// A normal block whose previousHash does not match the chain tip must be
// rejected outright, leaving the chain state untouched.
func TestChainAddNormalBlockRejectsPreviousHashMismatch(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()
	chain, _, ouro := newTestChain(t, sb.Path("ledger"))
	k := newChainFixtureKeys(t)
	cfg := testChainConfig()
	if err := chain.AddBlock(buildGenesisBlock(t, k, cfg)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	ouro.SetStakeholders([]StakeholderInfo{{ID: IDFee, Stake: 1}})
	leader, err := ouro.GetSlotLeader(1)
	if err != nil {
		t.Fatalf("slot leader: %v", err)
	}

	bad := &Block{
		Index:        1,
		Timestamp:    cfg.GenesisTime + int64(cfg.SlotDuration),
		PreviousHash: "not-the-real-hash",
		Slot:         1,
		SlotLeader:   leader,
		SignedTxes:   nil,
	}
	if err := chain.AddBlock(mustNode(t, bad)); CodeOf(err) != ErrPreviousHashMismatch {
		t.Fatalf("expected ErrPreviousHashMismatch, got %v", err)
	}
	if chain.LastBlockIndex() != 0 {
		t.Fatalf("expected chain tip unchanged at 0, got %d", chain.LastBlockIndex())
	}
}

func TestChainAddNormalBlockRejectsIndexGap(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()
	chain, _, ouro := newTestChain(t, sb.Path("ledger"))
	k := newChainFixtureKeys(t)
	cfg := testChainConfig()
	if err := chain.AddBlock(buildGenesisBlock(t, k, cfg)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	ouro.SetStakeholders([]StakeholderInfo{{ID: IDFee, Stake: 1}})
	leader, _ := ouro.GetSlotLeader(2)

	bad := &Block{
		Index:        2, // should be 1
		Timestamp:    cfg.GenesisTime + int64(cfg.SlotDuration)*2,
		PreviousHash: chain.LastBlockHash(),
		Slot:         2,
		SlotLeader:   leader,
	}
	if err := chain.AddBlock(mustNode(t, bad)); CodeOf(err) != ErrIndexMismatch {
		t.Fatalf("expected ErrIndexMismatch, got %v", err)
	}
}

// An asserted hash that does not match the recomputed hash of a normal
// block's content must be rejected even though every other check passes.
func TestChainAddNormalBlockRejectsHashMismatch(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()
	chain, _, ouro := newTestChain(t, sb.Path("ledger"))
	k := newChainFixtureKeys(t)
	cfg := testChainConfig()
	if err := chain.AddBlock(buildGenesisBlock(t, k, cfg)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	ouro.SetStakeholders([]StakeholderInfo{{ID: IDFee, Stake: 1}})
	leader, err := ouro.GetSlotLeader(1)
	if err != nil {
		t.Fatalf("slot leader: %v", err)
	}

	block := &Block{
		Index:        1,
		Timestamp:    cfg.GenesisTime + int64(cfg.SlotDuration),
		PreviousHash: chain.LastBlockHash(),
		Slot:         1,
		SlotLeader:   leader,
		SignedTxes:   nil,
	}
	node := mustNode(t, block)
	node.Hash = "bad-hash"
	if err := chain.AddBlock(node); CodeOf(err) != ErrInvalidHash {
		t.Fatalf("expected ErrInvalidHash, got %v", err)
	}
	if chain.LastBlockIndex() != 0 {
		t.Fatalf("expected chain tip unchanged at 0, got %d", chain.LastBlockIndex())
	}
}

// Property: a valid transfer in a normal block applies to the Bank and the
// block becomes durably readable from the ledger.
func TestChainNormalBlockTransferAppliesAndPersists(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()
	chain, ledger, ouro := newTestChain(t, sb.Path("ledger"))
	k := newChainFixtureKeys(t)
	cfg := testChainConfig()
	if err := chain.AddBlock(buildGenesisBlock(t, k, cfg)); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	ouro.SetStakeholders([]StakeholderInfo{{ID: IDFee, Stake: 1}})
	leader, err := ouro.GetSlotLeader(1)
	if err != nil {
		t.Fatalf("slot leader: %v", err)
	}

	transfer := Transaction{Type: TDefault, TokenID: IDGenesis, FromWalletID: IDFee, ToWalletID: IDReserve, Amount: 100, Fee: 0}
	stx := SignedTx{Obj: transfer, Signatures: [][]byte{sign(t, k.feePriv, transfer)}}
	block := &Block{
		Index:        1,
		Timestamp:    cfg.GenesisTime + int64(cfg.SlotDuration),
		PreviousHash: chain.LastBlockHash(),
		Slot:         1,
		SlotLeader:   leader,
		SignedTxes:   []SignedTx{stx},
	}
	if err := chain.AddBlock(mustNode(t, block)); err != nil {
		t.Fatalf("add normal block: %v", err)
	}
	if chain.Bank().GetBalance(IDFee, IDGenesis) != 900 {
		t.Fatalf("expected ID_FEE left with 900, got %d", chain.Bank().GetBalance(IDFee, IDGenesis))
	}
	if chain.Bank().GetBalance(IDReserve, IDGenesis) != 1100 {
		t.Fatalf("expected ID_RESERVE credited to 1100, got %d", chain.Bank().GetBalance(IDReserve, IDGenesis))
	}
	if ledger.BlockCount() != 2 {
		t.Fatalf("expected 2 blocks durably stored, got %d", ledger.BlockCount())
	}
}

func TestChainNormalBlockRejectsBadSignature(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()
	chain, _, ouro := newTestChain(t, sb.Path("ledger"))
	k := newChainFixtureKeys(t)
	cfg := testChainConfig()
	if err := chain.AddBlock(buildGenesisBlock(t, k, cfg)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	ouro.SetStakeholders([]StakeholderInfo{{ID: IDFee, Stake: 1}})
	leader, _ := ouro.GetSlotLeader(1)

	transfer := Transaction{Type: TDefault, TokenID: IDGenesis, FromWalletID: IDFee, ToWalletID: IDReserve, Amount: 100, Fee: 0}
	// Signed with the wrong key (reserve's, not fee's).
	stx := SignedTx{Obj: transfer, Signatures: [][]byte{sign(t, k.reservePriv, transfer)}}
	block := &Block{
		Index: 1, Timestamp: cfg.GenesisTime + int64(cfg.SlotDuration),
		PreviousHash: chain.LastBlockHash(), Slot: 1, SlotLeader: leader,
		SignedTxes: []SignedTx{stx},
	}
	if err := chain.AddBlock(mustNode(t, block)); CodeOf(err) != ErrTxSignature {
		t.Fatalf("expected ErrTxSignature, got %v", err)
	}
	if chain.Bank().GetBalance(IDFee, IDGenesis) != 1000 {
		t.Fatal("expected no mutation from a rejected block")
	}
}

// Replay from the ledger must reproduce the same bank state reached live.
func TestChainLoadFromLedgerReplaysState(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()
	dir := sb.Path("ledger")
	dirDirCfg := DirDirConfig{DirPath: dir, MaxFileCount: 4, MaxFileSize: 1 << 20, MaxDirCount: 4, MaxLevel: 1}

	chain, ledger, ouro := newTestChain(t, dir)
	k := newChainFixtureKeys(t)
	cfg := testChainConfig()
	if err := chain.AddBlock(buildGenesisBlock(t, k, cfg)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	ouro.SetStakeholders([]StakeholderInfo{{ID: IDFee, Stake: 1}})
	leader, _ := ouro.GetSlotLeader(1)
	transfer := Transaction{Type: TDefault, TokenID: IDGenesis, FromWalletID: IDFee, ToWalletID: IDReserve, Amount: 250, Fee: 0}
	stx := SignedTx{Obj: transfer, Signatures: [][]byte{sign(t, k.feePriv, transfer)}}
	block := &Block{
		Index: 1, Timestamp: cfg.GenesisTime + int64(cfg.SlotDuration),
		PreviousHash: chain.LastBlockHash(), Slot: 1, SlotLeader: leader,
		SignedTxes: []SignedTx{stx},
	}
	if err := chain.AddBlock(mustNode(t, block)); err != nil {
		t.Fatalf("normal block: %v", err)
	}
	if err := ledger.Close(); err != nil {
		t.Fatalf("close ledger: %v", err)
	}

	mountedLedger, err := MountLedger(dir, dirDirCfg)
	if err != nil {
		t.Fatalf("mount ledger: %v", err)
	}
	freshOuro := NewOuroboros(OuroborosConfig{}, fixedClock{})
	freshOuro.SetStakeholders([]StakeholderInfo{{ID: IDFee, Stake: 1}})
	replayed := NewChain(mountedLedger, freshOuro)
	if err := replayed.LoadFromLedger(0); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.NextBlockID() != 2 {
		t.Fatalf("expected replay to reach next block id 2, got %d", replayed.NextBlockID())
	}
	if replayed.Bank().GetBalance(IDFee, IDGenesis) != 750 {
		t.Fatalf("expected replayed ID_FEE balance 750, got %d", replayed.Bank().GetBalance(IDFee, IDGenesis))
	}
	if replayed.Bank().GetBalance(IDReserve, IDGenesis) != 1250 {
		t.Fatalf("expected replayed ID_RESERVE balance 1250, got %d", replayed.Bank().GetBalance(IDReserve, IDGenesis))
	}
}

func TestChainProposeBlockRejectsTooManyUserTxes(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()
	chain, _, _ := newTestChain(t, sb.Path("ledger"))
	k := newChainFixtureKeys(t)
	cfg := testChainConfig()
	cfg.MaxTransactionsPerBlock = 1
	if err := chain.AddBlock(buildGenesisBlock(t, k, cfg)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	txes := make([]SignedTx, 2)
	if _, err := chain.ProposeBlock(IDFee, 1, cfg.GenesisTime+10, txes, nil); err == nil {
		t.Fatal("expected proposal exceeding maxTransactionsPerBlock to be rejected")
	}
}

func TestChainProposeBlockPrependsRenewalsAheadOfUserTxes(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()
	chain, _, _ := newTestChain(t, sb.Path("ledger"))
	k := newChainFixtureKeys(t)
	cfg := testChainConfig()
	if err := chain.AddBlock(buildGenesisBlock(t, k, cfg)); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	renewal := SignedTx{Obj: Transaction{Type: TRenewal}}
	user := SignedTx{Obj: Transaction{Type: TDefault}}
	block, err := chain.ProposeBlock(IDFee, 1, cfg.GenesisTime+10, []SignedTx{user}, []SignedTx{renewal})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(block.SignedTxes) != 2 || block.SignedTxes[0].Obj.Type != TRenewal || block.SignedTxes[1].Obj.Type != TDefault {
		t.Fatalf("expected renewal prepended ahead of user tx, got %+v", block.SignedTxes)
	}
	if block.Index != 1 || block.PreviousHash != chain.LastBlockHash() {
		t.Fatalf("expected proposed block to chain off the tip")
	}
}
