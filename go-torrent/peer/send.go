package peer

import (
	"time"

	"github.com/Charana123/bitswarm/go-torrent/torrent"
	"github.com/Charana123/bitswarm/go-torrent/wire"
)

// send runs fn against the wire once the connection exists. A failed send
// ends the connection.
func (p *Peer) send(fn func(w wire.Wire) error) bool {
	p.mu.Lock()
	w, state := p.wire, p.state
	p.mu.Unlock()
	if w == nil || state == Disconnected {
		return false
	}
	if err := fn(w); err != nil {
		p.logger.Debug().Err(err).Msg("send failed")
		p.Disconnect()
		return false
	}
	return true
}

func (p *Peer) sendHandshake() {
	if !p.flip(&p.handshakeSent, true) {
		return
	}
	p.logger.Debug().Msg("-> handshake")
	p.send(func(w wire.Wire) error {
		return w.SendHandshake(p.torrent.InfoHash, torrent.PEER_ID)
	})
}

func (p *Peer) sendBitfield() {
	verified := p.store.Bitfield()
	p.logger.Debug().Msg("-> bitfield")
	p.send(func(w wire.Wire) error {
		return w.SendBitField(wire.PackBitfield(verified, p.torrent.NumPieces()))
	})
}

// SendKeepAlive sends a keep-alive unless one went out within
// KEEP_ALIVE_INTERVAL.
func (p *Peer) SendKeepAlive() {
	p.mu.Lock()
	if time.Since(p.lastKeepAlive) < KEEP_ALIVE_INTERVAL {
		p.mu.Unlock()
		return
	}
	p.lastKeepAlive = time.Now()
	p.mu.Unlock()
	p.logger.Debug().Msg("-> keep alive")
	p.send(func(w wire.Wire) error { return w.SendKeepAlive() })
}

func (p *Peer) SendChoke() {
	if !p.flip(&p.chokeSent, true) {
		return
	}
	p.logger.Debug().Msg("-> choke")
	p.send(func(w wire.Wire) error { return w.SendChoke() })
}

func (p *Peer) SendUnchoke() {
	if !p.flip(&p.chokeSent, false) {
		return
	}
	p.logger.Debug().Msg("-> unchoke")
	p.send(func(w wire.Wire) error { return w.SendUnchoke() })
}

func (p *Peer) SendInterested() {
	if !p.flip(&p.interestedSent, true) {
		return
	}
	p.logger.Debug().Msg("-> interested")
	p.send(func(w wire.Wire) error { return w.SendInterested() })
}

func (p *Peer) SendNotInterested() {
	if !p.flip(&p.interestedSent, false) {
		return
	}
	p.logger.Debug().Msg("-> not interested")
	p.send(func(w wire.Wire) error { return w.SendNotInterested() })
}

func (p *Peer) SendHave(pieceIndex int) {
	p.logger.Debug().Int("piece", pieceIndex).Msg("-> have")
	p.send(func(w wire.Wire) error { return w.SendHave(pieceIndex) })
}

// SendRequest asks for one block and marks it requested from this peer.
func (p *Peer) SendRequest(pieceIndex, blockIndex int) {
	p.mu.Lock()
	p.requested[pieceIndex].Set(blockIndex, true)
	p.mu.Unlock()
	length := p.torrent.BlockSize(pieceIndex, blockIndex)
	p.logger.Debug().Int("piece", pieceIndex).Int("block", blockIndex).Msg("-> request")
	p.send(func(w wire.Wire) error {
		return w.SendRequest(pieceIndex, blockIndex*torrent.BLOCK_SIZE, length)
	})
}

// SendCancel withdraws a request and clears its requested flag.
func (p *Peer) SendCancel(pieceIndex, blockIndex int) {
	p.mu.Lock()
	p.requested[pieceIndex].Set(blockIndex, false)
	p.mu.Unlock()
	length := p.torrent.BlockSize(pieceIndex, blockIndex)
	p.logger.Debug().Int("piece", pieceIndex).Int("block", blockIndex).Msg("-> cancel")
	p.send(func(w wire.Wire) error {
		return w.SendCancel(pieceIndex, blockIndex*torrent.BLOCK_SIZE, length)
	})
}

func (p *Peer) SendBlock(pieceIndex, begin int, data []byte) bool {
	p.logger.Debug().Int("piece", pieceIndex).Int("begin", begin).Int("length", len(data)).Msg("-> piece")
	ok := p.send(func(w wire.Wire) error { return w.SendBlock(pieceIndex, begin, data) })
	if ok {
		p.uploaded.Add(int64(len(data)))
	}
	return ok
}
