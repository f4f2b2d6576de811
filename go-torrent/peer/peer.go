package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Charana123/bitswarm/go-torrent/piece"
	"github.com/Charana123/bitswarm/go-torrent/torrent"
	"github.com/Charana123/bitswarm/go-torrent/wire"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

const (
	KEEP_ALIVE_INTERVAL = 30 * time.Second
	CONNECT_TIMEOUT     = 5 * time.Second
	WRITE_TIMEOUT       = 10 * time.Second
)

var newWire = wire.NewWire
var dialContext = (&net.Dialer{}).DialContext

type Peer struct {
	addr    string
	store   piece.Store
	torrent *torrent.Torrent
	logger  zerolog.Logger

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	mu                 sync.Mutex
	conn               net.Conn
	wire               wire.Wire
	cancel             context.CancelFunc
	id                 [20]byte
	state              State
	handshakeSent      bool
	handshakeReceived  bool
	chokeSent          bool
	chokeReceived      bool
	interestedSent     bool
	interestedReceived bool
	has                bitmap.Bitmap
	requested          []bitmap.Bitmap
	lastKeepAlive      time.Time

	lastActive *atomic.Time
	uploaded   *atomic.Int64
	downloaded *atomic.Int64

	handlerMu sync.Mutex
	handlerID int
	handlers  map[int]Handler
	closeOnce sync.Once
}

// NewPeer creates a peer for addr. conn is the accepted connection of an
// inbound peer, or nil for an outbound peer which is dialed by Start.
func NewPeer(addr string, conn net.Conn, store piece.Store) *Peer {
	tor := store.Torrent()
	p := &Peer{
		addr:           addr,
		conn:           conn,
		store:          store,
		torrent:        tor,
		logger:         log.With().Str("component", "peer").Str("peer", addr).Logger(),
		ConnectTimeout: CONNECT_TIMEOUT,
		WriteTimeout:   WRITE_TIMEOUT,
		chokeSent:      true,
		chokeReceived:  true,
		has:            bitmap.New(tor.NumPieces()),
		requested:      make([]bitmap.Bitmap, tor.NumPieces()),
		lastActive:     atomic.NewTime(time.Now()),
		uploaded:       atomic.NewInt64(0),
		downloaded:     atomic.NewInt64(0),
		handlers:       make(map[int]Handler),
	}
	for i := range p.requested {
		p.requested[i] = bitmap.New(tor.BlockCount(i))
	}
	return p
}

func (p *Peer) String() string {
	return p.addr
}

// Subscribe attaches h to the peer's events until the returned function is
// called.
func (p *Peer) Subscribe(h Handler) (unsubscribe func()) {
	p.handlerMu.Lock()
	defer p.handlerMu.Unlock()
	id := p.handlerID
	p.handlerID++
	p.handlers[id] = h
	return func() {
		p.handlerMu.Lock()
		defer p.handlerMu.Unlock()
		delete(p.handlers, id)
	}
}

func (p *Peer) eachHandler(fn func(Handler)) {
	p.handlerMu.Lock()
	hs := make([]Handler, 0, len(p.handlers))
	for _, h := range p.handlers {
		hs = append(hs, h)
	}
	p.handlerMu.Unlock()
	for _, h := range hs {
		fn(h)
	}
}

// Start connects, exchanges handshakes and then reads messages until the
// connection ends or ctx is done.
func (p *Peer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, p.Disconnect)
	defer stop()

	p.mu.Lock()
	if p.state == Disconnected {
		p.mu.Unlock()
		return
	}
	p.cancel = cancel
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		dialCtx, dialCancel := context.WithTimeout(ctx, p.ConnectTimeout)
		c, err := dialContext(dialCtx, "tcp", p.addr)
		dialCancel()
		if err != nil {
			p.logger.Debug().Err(err).Msg("connect failed")
			p.Disconnect()
			return
		}
		conn = c
	}

	p.mu.Lock()
	if p.state == Disconnected {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.conn = conn
	p.wire = newWire(conn, p.torrent.NumPieces(), p.WriteTimeout)
	p.state = AwaitingHandshake
	p.mu.Unlock()
	p.logger.Debug().Msg("connected")

	p.sendHandshake()

	h, err := p.wire.ReadHandshake()
	if err != nil {
		p.readFailed(err)
		return
	}
	if h.InfoHash != p.torrent.InfoHash {
		p.logger.Warn().Hex("infohash", h.InfoHash[:]).Msg("handshake for another torrent")
		p.Disconnect()
		return
	}
	p.mu.Lock()
	p.id = h.PeerID
	p.handshakeReceived = true
	if p.state == AwaitingHandshake {
		p.state = SteadyState
	}
	p.mu.Unlock()
	p.lastActive.Store(time.Now())
	p.logger.Debug().Hex("id", h.PeerID[:]).Msg("<- handshake")

	p.sendBitfield()
	p.eachHandler(func(h Handler) { h.StateChanged(p) })

	for {
		m, err := p.wire.ReadMessage()
		if err != nil {
			p.readFailed(err)
			return
		}
		p.lastActive.Store(time.Now())
		if m == nil {
			p.logger.Debug().Msg("<- keep alive")
			continue
		}
		if err := p.handleMessage(m); err != nil {
			p.logger.Warn().Err(err).Msg("closing connection")
			p.Disconnect()
			return
		}
	}
}

func (p *Peer) readFailed(err error) {
	if p.State() != Disconnected {
		if errors.Is(err, wire.ErrProtocolViolation) {
			p.logger.Warn().Err(err).Msg("closing connection")
		} else if err != io.EOF {
			p.logger.Debug().Err(err).Msg("read failed")
		}
	}
	p.Disconnect()
}

// Disconnect closes the connection and notifies handlers once. A
// disconnected peer never reconnects.
func (p *Peer) Disconnect() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = Disconnected
		conn, cancel := p.conn, p.cancel
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Close()
		}
		p.logger.Debug().Int64("down", p.Downloaded()).Int64("up", p.Uploaded()).Msg("disconnected")
		p.eachHandler(func(h Handler) { h.Disconnected(p) })
	})
}

func violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", wire.ErrProtocolViolation, fmt.Sprintf(format, args...))
}

func (p *Peer) handleMessage(m *wire.Message) error {
	switch m.ID {
	case wire.CHOKE:
		p.logger.Debug().Msg("<- choke")
		p.mu.Lock()
		p.chokeReceived = true
		for i := range p.requested {
			p.requested[i] = bitmap.New(p.torrent.BlockCount(i))
		}
		p.mu.Unlock()
	case wire.UNCHOKE:
		p.logger.Debug().Msg("<- unchoke")
		p.setFlag(&p.chokeReceived, false)
	case wire.INTERESTED:
		p.logger.Debug().Msg("<- interested")
		p.setFlag(&p.interestedReceived, true)
	case wire.NOT_INTERESTED:
		p.logger.Debug().Msg("<- not interested")
		p.setFlag(&p.interestedReceived, false)
	case wire.HAVE:
		if m.Index < 0 || m.Index >= p.torrent.NumPieces() {
			return violation("have for piece %d", m.Index)
		}
		p.mu.Lock()
		p.has.Set(m.Index, true)
		p.mu.Unlock()
		p.logger.Debug().Int("piece", m.Index).Msg("<- have")
	case wire.BITFIELD:
		has := wire.UnpackBitfield(m.Bitfield, p.torrent.NumPieces())
		p.mu.Lock()
		for i := 0; i < p.torrent.NumPieces(); i++ {
			if has.Get(i) {
				p.has.Set(i, true)
			}
		}
		p.mu.Unlock()
		p.logger.Debug().Int("pieces", p.NumPieces()).Msg("<- bitfield")
	case wire.REQUEST, wire.CANCEL:
		if !p.validRange(m.Index, m.Begin, m.Length) {
			return violation("%s for piece %d [%d+%d]", m.ID, m.Index, m.Begin, m.Length)
		}
		r := &Request{Peer: p, Piece: m.Index, Begin: m.Begin, Length: m.Length}
		p.logger.Debug().Int("piece", m.Index).Int("begin", m.Begin).Int("length", m.Length).Msgf("<- %s", m.ID)
		if m.ID == wire.REQUEST {
			p.eachHandler(func(h Handler) { h.BlockRequested(r) })
		} else {
			p.eachHandler(func(h Handler) { h.BlockCancelled(r) })
		}
		return nil
	case wire.BLOCK:
		block := m.Begin / torrent.BLOCK_SIZE
		if !p.validRange(m.Index, m.Begin, len(m.Block)) ||
			m.Begin%torrent.BLOCK_SIZE != 0 ||
			len(m.Block) != p.torrent.BlockSize(m.Index, block) {
			return violation("piece %d [%d+%d]", m.Index, m.Begin, len(m.Block))
		}
		p.mu.Lock()
		p.requested[m.Index].Set(block, false)
		p.mu.Unlock()
		p.downloaded.Add(int64(len(m.Block)))
		p.logger.Debug().Int("piece", m.Index).Int("block", block).Msg("<- piece")
		b := &Block{Peer: p, Piece: m.Index, Block: block, Data: m.Block}
		p.eachHandler(func(h Handler) { h.BlockReceived(b) })
		return nil
	case wire.PORT:
		p.logger.Debug().Uint16("port", m.Port).Msg("<- port")
		return nil
	default:
		p.logger.Debug().Stringer("type", m.ID).Msg("ignoring message")
		return nil
	}
	p.eachHandler(func(h Handler) { h.StateChanged(p) })
	return nil
}

func (p *Peer) validRange(pieceIndex, begin, length int) bool {
	return pieceIndex >= 0 && pieceIndex < p.torrent.NumPieces() &&
		begin >= 0 && length > 0 && length <= wire.MAX_BLOCK_LENGTH &&
		begin+length <= p.torrent.PieceSize(pieceIndex)
}

func (p *Peer) setFlag(flag *bool, v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*flag = v
}

// flip sets flag to v and reports whether it changed.
func (p *Peer) flip(flag *bool, v bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if *flag == v {
		return false
	}
	*flag = v
	return true
}

func (p *Peer) getFlag(flag *bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *flag
}

func (p *Peer) Addr() string {
	return p.addr
}

func (p *Peer) ID() [20]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) IsHandshakeSent() bool      { return p.getFlag(&p.handshakeSent) }
func (p *Peer) IsHandshakeReceived() bool  { return p.getFlag(&p.handshakeReceived) }
func (p *Peer) IsChokeSent() bool          { return p.getFlag(&p.chokeSent) }
func (p *Peer) IsChokeReceived() bool      { return p.getFlag(&p.chokeReceived) }
func (p *Peer) IsInterestedSent() bool     { return p.getFlag(&p.interestedSent) }
func (p *Peer) IsInterestedReceived() bool { return p.getFlag(&p.interestedReceived) }

func (p *Peer) LastActive() time.Time {
	return p.lastActive.Load()
}

func (p *Peer) Uploaded() int64 {
	return p.uploaded.Load()
}

func (p *Peer) Downloaded() int64 {
	return p.downloaded.Load()
}

func (p *Peer) HasPiece(pieceIndex int) bool {
	if pieceIndex < 0 || pieceIndex >= p.torrent.NumPieces() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.has.Get(pieceIndex)
}

// NumPieces is the number of pieces the peer has advertised.
func (p *Peer) NumPieces() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := 0; i < p.torrent.NumPieces(); i++ {
		if p.has.Get(i) {
			n++
		}
	}
	return n
}

func (p *Peer) IsCompleted() bool {
	return p.NumPieces() == p.torrent.NumPieces()
}

func (p *Peer) IsBlockRequested(pieceIndex, blockIndex int) bool {
	if pieceIndex < 0 || pieceIndex >= p.torrent.NumPieces() ||
		blockIndex < 0 || blockIndex >= p.torrent.BlockCount(pieceIndex) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requested[pieceIndex].Get(blockIndex)
}

// BlocksRequested is the number of requests outstanding at this peer.
func (p *Peer) BlocksRequested() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i, r := range p.requested {
		for b := 0; b < p.torrent.BlockCount(i); b++ {
			if r.Get(b) {
				n++
			}
		}
	}
	return n
}
