package core

// peer_management.go adapts the teacher's peer-sampling helper to the
// minimal PeerSet: relay nodes forwarding a block or transaction pick a
// random subset of known peers rather than broadcasting to all of them.

import (
	crand "crypto/rand"
	"math/big"
)

// SamplePeers returns up to n peers chosen uniformly at random from src,
// without replacement.
func SamplePeers(src PeerSource, n int) ([]PeerInfo, error) {
	peers := src.Peers()
	if n > len(peers) {
		n = len(peers)
	}
	if err := shufflePeers(peers); err != nil {
		return nil, newErrf(ErrInternal, err, "network: shuffle peers")
	}
	return peers[:n], nil
}

// shufflePeers performs a Fisher-Yates shuffle using crypto/rand so peer
// sampling is not predictable to an observer probing which peers a relay
// favors.
func shufflePeers(peers []PeerInfo) error {
	for i := len(peers) - 1; i > 0; i-- {
		jBig, err := crand.Int(crand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return err
		}
		j := int(jBig.Int64())
		peers[i], peers[j] = peers[j], peers[i]
	}
	return nil
}
