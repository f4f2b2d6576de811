package swarm

import (
	"github.com/Charana123/bitswarm/go-torrent/peer"
	"github.com/Charana123/bitswarm/go-torrent/piece"
	"github.com/samber/lo"
)

func (s *Swarm) BlockRequested(r *peer.Request) {
	if !s.attached(r.Peer) {
		return
	}
	s.uploadsMu.Lock()
	s.uploads.Enqueue(r)
	s.uploadsMu.Unlock()
	go s.processUploads()
}

func (s *Swarm) BlockCancelled(r *peer.Request) {
	if !s.attached(r.Peer) {
		return
	}
	s.uploadsMu.Lock()
	defer s.uploadsMu.Unlock()
	it := s.uploads.Iterator()
	for it.Next() {
		if queued := it.Value().(*peer.Request); queued.Matches(r) {
			queued.Cancel()
		}
	}
}

// BlockReceived queues the block for the store and withdraws the same
// request from every other peer still holding it.
func (s *Swarm) BlockReceived(b *peer.Block) {
	if !s.attached(b.Peer) {
		return
	}
	s.downloadsMu.Lock()
	s.downloads.Enqueue(b)
	s.downloadsMu.Unlock()

	for _, p := range s.peerList() {
		if p != b.Peer && p.IsBlockRequested(b.Piece, b.Block) {
			p.SendCancel(b.Piece, b.Block)
		}
	}
	go s.processDownloads()
}

func (s *Swarm) processUploads() {
	guard(s.processingUploads, s.serveUploads)
}

func (s *Swarm) serveUploads() {
	for !s.uploadThrottle.IsThrottled() {
		s.uploadsMu.Lock()
		v, ok := s.uploads.Dequeue()
		s.uploadsMu.Unlock()
		if !ok {
			return
		}
		r := v.(*peer.Request)
		if r.IsCancelled() || r.Peer.State() == peer.Disconnected {
			continue
		}
		if !s.store.IsVerified(r.Piece) {
			continue
		}
		data, ok := s.store.ReadBlock(r.Piece, r.Begin, r.Length)
		if !ok {
			continue
		}
		if r.Peer.SendBlock(r.Piece, r.Begin, data) {
			s.uploadThrottle.Add(len(data))
			s.stats.AddUploaded(len(data))
		}
	}
}

func (s *Swarm) processDownloads() {
	guard(s.processingDownloads, s.requestBlocks)
}

func (s *Swarm) requestBlocks() {
	s.drainDownloads()
	if s.store.IsCompleted() {
		return
	}

	seeders := []*peer.Peer{}
	for _, v := range s.seeders.ToSlice() {
		seeders = append(seeders, v.(*peer.Peer))
	}
	if len(seeders) == 0 {
		return
	}
	peers := s.activePeers()

	for _, pieceIndex := range piece.RarestFirst(s.store, rarity(peers)) {
		for _, p := range lo.Shuffle(append([]*peer.Peer{}, seeders...)) {
			if !p.HasPiece(pieceIndex) {
				continue
			}
			for b := 0; b < s.torrent.BlockCount(pieceIndex); b++ {
				size := s.torrent.BlockSize(pieceIndex, b)
				if !s.downloadThrottle.HasBudget(size) {
					return
				}
				if s.store.IsBlockAcquired(pieceIndex, b) ||
					p.BlocksRequested() > 0 ||
					requestedAnywhere(peers, pieceIndex, b) {
					continue
				}
				p.SendRequest(pieceIndex, b)
				s.downloadThrottle.Add(size)
			}
		}
	}
}

func (s *Swarm) drainDownloads() {
	for {
		s.downloadsMu.Lock()
		v, ok := s.downloads.Dequeue()
		s.downloadsMu.Unlock()
		if !ok {
			return
		}
		b := v.(*peer.Block)
		if err := s.store.WriteBlock(b.Piece, b.Block, b.Data); err != nil {
			s.logger.Warn().Err(err).Int("piece", b.Piece).Int("block", b.Block).Msg("failed to store block")
		}
	}
}

func requestedAnywhere(peers []*peer.Peer, pieceIndex, blockIndex int) bool {
	return lo.SomeBy(peers, func(p *peer.Peer) bool {
		return p.IsBlockRequested(pieceIndex, blockIndex)
	})
}
