package core

// network.go defines the minimal peer-surfacing boundary the core consumes.
// Peer-to-peer discovery, gossip and transport are external collaborators;
// the core only needs something that can list known peers and dial/accept
// raw connections to relay blocks and transactions, so no P2P/gossip stack
// is wired in here.

import (
	"context"
	"net"
	"sync"
	"time"
)

// PeerInfo is the information the core consumes about a known peer.
type PeerInfo struct {
	ID      string
	Addr    string
	Updated int64 // unix seconds of the last successful contact
}

// PeerSource surfaces the current peer list to node-kind glue code.
type PeerSource interface {
	Peers() []PeerInfo
}

// PeerSet is a concurrency-safe, in-memory PeerSource. It has no discovery
// logic of its own; peers are added and removed explicitly by the node's
// bootstrap/connection-handling code.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[string]PeerInfo
}

// NewPeerSet returns an empty peer set.
func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[string]PeerInfo)}
}

// Upsert records or refreshes a peer's info.
func (s *PeerSet) Upsert(p PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.ID] = p
}

// Remove drops a peer from the set.
func (s *PeerSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

// Peers returns a snapshot of every known peer.
func (s *PeerSet) Peers() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Dialer opens outbound TCP connections used to relay blocks and
// transactions to a known peer address. Higher-level wire framing belongs
// to the external HTTP/RPC adapter, not the core.
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// NewDialer builds a Dialer with the given timeout and TCP keepalive.
func NewDialer(timeout, keepAlive time.Duration) *Dialer {
	return &Dialer{Timeout: timeout, KeepAlive: keepAlive}
}

// Dial connects to addr over TCP.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newErrf(ErrInternal, err, "network: dial %s", addr)
	}
	return conn, nil
}
