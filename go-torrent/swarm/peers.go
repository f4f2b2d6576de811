package swarm

import (
	"context"
	"net"
	"sort"

	"github.com/Charana123/bitswarm/go-torrent/peer"
	"github.com/samber/lo"
)

type peerEntry struct {
	peer        *peer.Peer
	unsubscribe func()
}

// AddPeer connects to addr, or takes over conn for an inbound peer. It
// reports false if the peer is already known, is ourselves, or the peer cap
// is reached.
func (s *Swarm) AddPeer(ctx context.Context, addr string, conn net.Conn) bool {
	if s.isSelf(addr) {
		if conn != nil {
			conn.Close()
		}
		return false
	}

	s.mu.Lock()
	if _, ok := s.peers[addr]; ok || len(s.peers) >= s.cfg.MaxPeers {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return false
	}
	p := peer.NewPeer(addr, conn, s.store)
	if s.cfg.ConnectTimeout > 0 {
		p.ConnectTimeout = s.cfg.ConnectTimeout
	}
	s.peers[addr] = &peerEntry{peer: p, unsubscribe: p.Subscribe(s)}
	s.mu.Unlock()

	go func() {
		if conn == nil {
			if err := s.dialLimiter.Wait(ctx); err != nil {
				p.Disconnect()
				return
			}
		}
		p.Start(ctx)
	}()
	return true
}

// removePeer detaches the swarm from p's events before p leaves any
// collection.
func (s *Swarm) removePeer(p *peer.Peer) {
	s.mu.Lock()
	entry, ok := s.peers[p.Addr()]
	if !ok || entry.peer != p {
		s.mu.Unlock()
		return
	}
	entry.unsubscribe()
	delete(s.peers, p.Addr())
	s.mu.Unlock()
	s.leechers.Remove(p)
	s.seeders.Remove(p)
}

// attached reports whether events from p should still be acted on. A
// callback already in flight when p was removed is dropped here.
func (s *Swarm) attached(p *peer.Peer) bool {
	if p.State() == peer.Disconnected {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.peers[p.Addr()]
	return ok && entry.peer == p
}

// activePeers returns the peers that completed both handshakes.
func (s *Swarm) activePeers() []*peer.Peer {
	return lo.Filter(s.peerList(), func(p *peer.Peer, _ int) bool {
		return p.IsHandshakeSent() && p.IsHandshakeReceived() && p.State() != peer.Disconnected
	})
}

func (s *Swarm) peerList() []*peer.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]*peer.Peer, 0, len(s.peers))
	for _, entry := range s.peers {
		peers = append(peers, entry.peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Addr() < peers[j].Addr()
	})
	return peers
}

func (s *Swarm) NumPeers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Swarm) Peer(addr string) *peer.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.peers[addr]; ok {
		return entry.peer
	}
	return nil
}

func (s *Swarm) stopPeers() {
	for _, p := range s.peerList() {
		p.Disconnect()
	}
}

func (s *Swarm) broadcastHave(pieceIndex int) {
	for _, p := range s.peerList() {
		if p.IsHandshakeSent() && p.IsHandshakeReceived() {
			p.SendHave(pieceIndex)
		}
	}
}

// StateChanged, BlockRequested, BlockCancelled, BlockReceived and
// Disconnected make the swarm a peer.Handler.

func (s *Swarm) StateChanged(p *peer.Peer) {
	if !s.attached(p) {
		return
	}
	go s.processPeers()
}

func (s *Swarm) Disconnected(p *peer.Peer) {
	s.removePeer(p)
}

func (s *Swarm) pieceVerified(pieceIndex int) {
	s.broadcastHave(pieceIndex)
	go s.processPeers()
}
