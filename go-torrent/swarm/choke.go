package swarm

import (
	"sort"
	"time"

	"github.com/Charana123/bitswarm/go-torrent/peer"
	"github.com/samber/lo"
)

// processPeers is the bookkeeping pass: it drops stale and finished peers,
// keeps our interest current, and fills the leecher and seeder slots.
func (s *Swarm) processPeers() {
	guard(s.processingPeers, s.bookkeeping)
}

func (s *Swarm) bookkeeping() {
	peers := s.peerList()
	wanted := make(map[*peer.Peer]int, len(peers))
	for _, p := range peers {
		wanted[p] = s.piecesWanted(p)
	}
	sort.SliceStable(peers, func(i, j int) bool {
		return wanted[peers[i]] > wanted[peers[j]]
	})

	completed := s.store.IsCompleted()
	for _, p := range peers {
		if p.State() == peer.Disconnected {
			continue
		}
		if time.Since(p.LastActive()) > s.cfg.PeerTimeout {
			s.logger.Info().Str("peer", p.Addr()).Msg("peer timed out")
			p.Disconnect()
			continue
		}
		if !p.IsHandshakeSent() || !p.IsHandshakeReceived() {
			continue
		}

		if completed {
			p.SendNotInterested()
		} else {
			p.SendInterested()
		}
		if completed && p.IsCompleted() {
			s.logger.Debug().Str("peer", p.Addr()).Msg("both sides complete")
			p.Disconnect()
			continue
		}
		p.SendKeepAlive()

		s.updateLeecher(p)
		s.updateSeeder(p, completed)
	}
}

func (s *Swarm) updateLeecher(p *peer.Peer) {
	if s.leechers.Contains(p) && !p.IsInterestedReceived() {
		p.SendChoke()
		s.leechers.Remove(p)
		return
	}
	if s.store.IsStarted() &&
		s.leechers.Cardinality() < s.cfg.MaxLeechers &&
		p.IsInterestedReceived() &&
		p.IsChokeSent() {
		p.SendUnchoke()
		s.leechers.Add(p)
	}
}

func (s *Swarm) updateSeeder(p *peer.Peer, completed bool) {
	if completed || p.IsChokeReceived() {
		s.seeders.Remove(p)
		return
	}
	if s.seeders.Cardinality() < s.cfg.MaxSeeders {
		s.seeders.Add(p)
	}
}

// piecesWanted counts the pieces p has that we still need.
func (s *Swarm) piecesWanted(p *peer.Peer) int {
	n := 0
	for i := 0; i < s.torrent.NumPieces(); i++ {
		if p.HasPiece(i) && !s.store.IsVerified(i) {
			n++
		}
	}
	return n
}

// rarity scores a piece by the share of peers missing it.
func rarity(peers []*peer.Peer) func(pieceIndex int) float64 {
	return func(pieceIndex int) float64 {
		if len(peers) == 0 {
			return 0
		}
		missing := lo.CountBy(peers, func(p *peer.Peer) bool {
			return !p.HasPiece(pieceIndex)
		})
		return float64(missing) / float64(len(peers))
	}
}
