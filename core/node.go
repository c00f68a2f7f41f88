package core

// node.go provides the role-specific glue around Chain: a beacon node
// (full validation, producing nothing), a relay node (chain
// read access plus peer/tx forwarding, producing nothing) and a miner node
// (full validation plus block production when it is the current slot
// leader). All three share the same startup sequence: mount Ledger, build
// Ouroboros, replay into Chain, then serve.

import (
	"context"
	"fmt"
	"sync"
	"time"

	logrus "github.com/sirupsen/logrus"

	Nodes "synnergy-network/core/Nodes"
)

// NodeConfig bundles what every node kind needs to start serving.
type NodeConfig struct {
	WorkDir  string
	Store    DirDirConfig
	Ouro     OuroborosConfig
	Peers    PeerSource
	SlotPoll time.Duration // how often a miner checks whether it is the current leader
}

// beaconBase holds the shared lifecycle state for every node kind.
type beaconBase struct {
	mu      sync.Mutex
	cfg     NodeConfig
	ledger  *Ledger
	ouro    *Ouroboros
	chain   *Chain
	cancel  context.CancelFunc
	log     *logrus.Entry
	running bool
}

func newBeaconBase(cfg NodeConfig, kind string) (*beaconBase, error) {
	ledger, err := openOrInitLedger(cfg.Store)
	if err != nil {
		return nil, err
	}
	ouro := NewOuroboros(cfg.Ouro, RealClock{})
	chain := NewChain(ledger, ouro)
	if err := chain.LoadFromLedger(0); err != nil {
		ledger.Close()
		return nil, newErrf(ErrLedgerMountFailed, err, "node: replay ledger on startup")
	}
	ouro.SetStakeholders(chain.Bank().GetStakeholders())
	return &beaconBase{
		cfg:    cfg,
		ledger: ledger,
		ouro:   ouro,
		chain:  chain,
		log:    logrus.WithFields(logrus.Fields{"component": "node", "kind": kind}),
	}, nil
}

func openOrInitLedger(cfg DirDirConfig) (*Ledger, error) {
	if l, err := MountLedger(cfg.DirPath, cfg); err == nil {
		return l, nil
	}
	return InitLedger(cfg)
}

// Chain exposes the node's validated chain state.
func (b *beaconBase) Chain() *Chain { return b.chain }

func (b *beaconBase) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("running=%t height=%d", b.running, b.chain.LastBlockIndex())
}

func (b *beaconBase) stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.running = false
	return b.ledger.Close()
}

// refreshStakeLoop refreshes the Ouroboros stake snapshot once per epoch
// boundary, per the concurrency model's guidance that callers refresh at
// epoch boundaries.
func (b *beaconBase) refreshStakeLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Ouro.slotDurationOrDefault())
	defer ticker.Stop()
	var lastEpoch uint64 = ^uint64(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			epoch := b.ouro.GetCurrentEpoch()
			if epoch != lastEpoch {
				b.mu.Lock()
				b.ouro.SetStakeholders(b.chain.Bank().GetStakeholders())
				b.mu.Unlock()
				lastEpoch = epoch
				b.log.WithField("epoch", epoch).Debug("refreshed stake snapshot")
			}
		}
	}
}

func (cfg OuroborosConfig) slotDurationOrDefault() time.Duration {
	if cfg.SlotDuration == 0 {
		return time.Second
	}
	return time.Duration(cfg.SlotDuration) * time.Second
}

// BeaconNode fully validates and replays the chain but never produces
// blocks; it is the read/query role of the network.
type BeaconNode struct{ *beaconBase }

// NewBeaconNode builds a beacon node on the ledger at cfg.Store.DirPath and
// replays it; serving begins with Start.
func NewBeaconNode(cfg NodeConfig) (*BeaconNode, error) {
	b, err := newBeaconBase(cfg, "beacon")
	if err != nil {
		return nil, err
	}
	return &BeaconNode{b}, nil
}

func (n *BeaconNode) Start() error {
	n.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.running = true
	n.mu.Unlock()
	go n.refreshStakeLoop(ctx)
	return nil
}

func (n *BeaconNode) Stop() error { return n.stop() }

var _ Nodes.NodeRole = (*BeaconNode)(nil)

// RelayNode validates and replays the chain like a beacon node, and
// additionally forwards accepted blocks and submitted transactions to a
// random sample of its known peers.
type RelayNode struct {
	*beaconBase
	fanout int
}

// NewRelayNode builds a relay node that forwards to up to fanout peers per
// broadcast; serving begins with Start.
func NewRelayNode(cfg NodeConfig, fanout int) (*RelayNode, error) {
	b, err := newBeaconBase(cfg, "relay")
	if err != nil {
		return nil, err
	}
	return &RelayNode{beaconBase: b, fanout: fanout}, nil
}

func (n *RelayNode) Start() error {
	n.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.running = true
	n.mu.Unlock()
	go n.refreshStakeLoop(ctx)
	return nil
}

func (n *RelayNode) Stop() error { return n.stop() }

// ForwardBlock picks a random sample of peers and returns them as the
// forwarding targets for block; actual wire transmission is an external
// HTTP/RPC adapter concern.
func (n *RelayNode) ForwardBlock(block *Block) ([]PeerInfo, error) {
	return SamplePeers(n.cfg.Peers, n.fanout)
}

var _ Nodes.NodeRole = (*RelayNode)(nil)

// MinerNode validates and replays the chain and, when it holds the current
// slot's leadership, proposes and accepts a new block built from the
// transactions supplied to Propose.
type MinerNode struct {
	*beaconBase
	producerID uint64
	signer     signFunc
	pending    []SignedTx
	pendingMu  sync.Mutex
}

type signFunc func(tx *Transaction) ([]byte, error)

// NewMinerNode builds a miner node identified by producerID, signing
// self-originated transactions (e.g. its own renewals) with signer.
func NewMinerNode(cfg NodeConfig, producerID uint64, signer signFunc) (*MinerNode, error) {
	b, err := newBeaconBase(cfg, "miner")
	if err != nil {
		return nil, err
	}
	return &MinerNode{beaconBase: b, producerID: producerID, signer: signer}, nil
}

func (n *MinerNode) Start() error {
	n.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.running = true
	n.mu.Unlock()
	go n.refreshStakeLoop(ctx)
	go n.produceLoop(ctx)
	return nil
}

func (n *MinerNode) Stop() error { return n.stop() }

// Submit queues a signed transaction for inclusion in the next block this
// node produces.
func (n *MinerNode) Submit(stx SignedTx) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	n.pending = append(n.pending, stx)
}

func (n *MinerNode) produceLoop(ctx context.Context) {
	poll := n.cfg.SlotPoll
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.tryProduce()
		}
	}
}

func (n *MinerNode) tryProduce() {
	slot := n.ouro.GetCurrentSlot()
	if !n.ouro.IsSlotLeader(slot, n.producerID) {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.pendingMu.Lock()
	userTxes := n.pending
	n.pending = nil
	n.pendingMu.Unlock()

	renewals, err := n.buildRenewals(slot)
	if err != nil {
		n.log.WithError(err).Warn("failed building mandatory renewals")
		return
	}

	block, err := n.chain.ProposeBlock(n.producerID, slot, time.Now().Unix(), userTxes, renewals)
	if err != nil {
		n.log.WithError(err).Warn("failed proposing block")
		return
	}
	hash, err := hashBlock(block)
	if err != nil {
		n.log.WithError(err).Warn("failed hashing produced block")
		return
	}
	if err := n.chain.AddBlock(&ChainNode{Hash: hash, Block: *block}); err != nil {
		n.log.WithError(err).Warn("produced block rejected on self-acceptance")
		return
	}
	n.log.WithField("index", block.Index).Info("produced block")
}

// buildRenewals assembles the mandatory T_RENEWAL transactions for every
// account past its renewal deadline, re-asserting their current wallet and
// balances unchanged. Real wallet rotation is left to the account holder;
// this default renewal simply refreshes blockId.
func (n *MinerNode) buildRenewals(slot uint64) ([]SignedTx, error) {
	atBlockID := n.chain.NextBlockID()
	deadline := n.chain.maxBlockIDForRenewal(atBlockID)
	var out []SignedTx
	for _, id := range n.chain.Bank().GetAccountIdsBeforeBlockId(deadline) {
		acct, err := n.chain.Bank().GetAccount(id)
		if err != nil {
			continue
		}
		meta, err := EncodeUserMeta(acct.Wallet, acct.CloneBalances())
		if err != nil {
			return nil, err
		}
		tx := Transaction{
			Type:         TRenewal,
			TokenID:      IDGenesis,
			FromWalletID: id,
			ToWalletID:   id,
			Amount:       0,
			Fee:          n.chain.Config().MinFeePerTransaction,
			Meta:         meta,
		}
		sig, err := n.signer(&tx)
		if err != nil {
			return nil, err
		}
		out = append(out, SignedTx{Obj: tx, Signatures: [][]byte{sig}})
	}
	return out, nil
}

var _ Nodes.NodeRole = (*MinerNode)(nil)
