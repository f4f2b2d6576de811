package peer

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/Charana123/bitswarm/go-torrent/piece"
	"github.com/Charana123/bitswarm/go-torrent/storage"
	"github.com/Charana123/bitswarm/go-torrent/torrent"
	"github.com/Charana123/bitswarm/go-torrent/wire"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var remoteID = [20]byte{'-', 'T', 'T', '0', '0', '0', '1', '-'}

func newTestStore(t *testing.T) piece.Store {
	tor := &torrent.Torrent{
		Name:        "file.bin",
		PieceLength: 32768,
		Length:      40000,
		Files:       []torrent.File{{Path: []string{"file.bin"}, Length: 40000}},
		Pieces:      make([][20]byte, 2),
		InfoHash:    [20]byte{1, 2, 3},
	}
	s, err := storage.NewRandomAccessStorage(afero.NewMemMapFs(), "/dl", tor)
	require.NoError(t, err)
	return piece.NewStore(tor, s)
}

type recorder struct {
	states       chan State
	requests     chan *Request
	cancels      chan *Request
	blocks       chan *Block
	disconnected chan *Peer
}

func newRecorder() *recorder {
	return &recorder{
		states:       make(chan State, 100),
		requests:     make(chan *Request, 100),
		cancels:      make(chan *Request, 100),
		blocks:       make(chan *Block, 100),
		disconnected: make(chan *Peer, 1),
	}
}

func (r *recorder) StateChanged(p *Peer)       { r.states <- p.State() }
func (r *recorder) BlockRequested(rq *Request) { r.requests <- rq }
func (r *recorder) BlockCancelled(rq *Request) { r.cancels <- rq }
func (r *recorder) BlockReceived(b *Block)     { r.blocks <- b }
func (r *recorder) Disconnected(p *Peer)       { r.disconnected <- p }

func waitDisconnected(t *testing.T, r *recorder) {
	select {
	case <-r.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not disconnect")
	}
}

// connect starts an inbound peer and completes the handshake from the remote
// side, returning the remote end of the connection.
func connect(t *testing.T, store piece.Store, r *recorder) (*Peer, wire.Wire, context.CancelFunc) {
	local, remote := net.Pipe()
	p := NewPeer("10.0.0.1:6881", local, store)
	p.Subscribe(r)
	ctx, cancel := context.WithCancel(context.Background())
	go p.Start(ctx)

	rw := wire.NewWire(remote, store.Torrent().NumPieces(), time.Second)
	h, err := rw.ReadHandshake()
	require.NoError(t, err)
	assert.Equal(t, store.Torrent().InfoHash, h.InfoHash)
	assert.Equal(t, torrent.PEER_ID, h.PeerID)
	require.NoError(t, rw.SendHandshake(store.Torrent().InfoHash, remoteID))

	m, err := rw.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.BITFIELD, m.ID)
	assert.Equal(t, []byte{0}, m.Bitfield)

	assert.Equal(t, SteadyState, <-r.states)
	return p, rw, cancel
}

func TestHandshakeAndMessages(t *testing.T) {
	r := newRecorder()
	p, rw, cancel := connect(t, newTestStore(t), r)
	defer cancel()
	assert.True(t, p.IsHandshakeSent())
	assert.True(t, p.IsHandshakeReceived())
	assert.Equal(t, remoteID, p.ID())

	require.NoError(t, rw.SendBitField([]byte{0x40}))
	<-r.states
	assert.False(t, p.HasPiece(0))
	assert.True(t, p.HasPiece(1))

	require.NoError(t, rw.SendHave(0))
	<-r.states
	assert.True(t, p.IsCompleted())

	require.NoError(t, rw.SendInterested())
	<-r.states
	assert.True(t, p.IsInterestedReceived())

	require.NoError(t, rw.SendUnchoke())
	<-r.states
	assert.False(t, p.IsChokeReceived())

	require.NoError(t, rw.SendRequest(1, 0, 7232))
	rq := <-r.requests
	assert.Equal(t, &Request{Peer: p, Piece: 1, Begin: 0, Length: 7232}, rq)

	require.NoError(t, rw.SendCancel(1, 0, 7232))
	assert.True(t, rq.Matches(<-r.cancels))

	go p.SendRequest(0, 1)
	m, err := rw.ReadMessage()
	require.NoError(t, err)
	assert.True(t, p.IsBlockRequested(0, 1))
	assert.Equal(t, &wire.Message{ID: wire.REQUEST, Index: 0, Begin: torrent.BLOCK_SIZE, Length: torrent.BLOCK_SIZE}, m)

	data := make([]byte, torrent.BLOCK_SIZE)
	require.NoError(t, rw.SendBlock(0, torrent.BLOCK_SIZE, data))
	b := <-r.blocks
	assert.Equal(t, 0, b.Piece)
	assert.Equal(t, 1, b.Block)
	assert.False(t, p.IsBlockRequested(0, 1))
	assert.Equal(t, int64(torrent.BLOCK_SIZE), p.Downloaded())

	require.NoError(t, rw.SendKeepAlive())
	assert.Equal(t, SteadyState, p.State())
}

func TestHandshakeMismatchDisconnects(t *testing.T) {
	store := newTestStore(t)
	r := newRecorder()
	local, remote := net.Pipe()
	p := NewPeer("10.0.0.2:6881", local, store)
	p.Subscribe(r)
	go p.Start(context.Background())

	rw := wire.NewWire(remote, 2, time.Second)
	_, err := rw.ReadHandshake()
	require.NoError(t, err)
	require.NoError(t, rw.SendHandshake([20]byte{9, 9, 9}, remoteID))

	waitDisconnected(t, r)
	assert.Equal(t, Disconnected, p.State())
	assert.False(t, p.IsHandshakeReceived())
	assert.Error(t, rw.SendHave(0))
	assert.Empty(t, r.states)
	assert.False(t, p.HasPiece(0))
}

func TestBadFrameDisconnects(t *testing.T) {
	r := newRecorder()
	p, rw, cancel := connect(t, newTestStore(t), r)
	defer cancel()

	require.NoError(t, rw.SendHave(7))
	waitDisconnected(t, r)
	assert.Equal(t, Disconnected, p.State())
}

func TestSendGatesAreIdempotent(t *testing.T) {
	r := newRecorder()
	p, rw, cancel := connect(t, newTestStore(t), r)
	defer cancel()

	go func() {
		p.SendChoke() // already choking
		p.SendInterested()
		p.SendInterested()
		p.SendUnchoke()
		p.SendUnchoke()
		p.SendHave(1)
	}()
	ids := []wire.MessageID{}
	for i := 0; i < 3; i++ {
		m, err := rw.ReadMessage()
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []wire.MessageID{wire.INTERESTED, wire.UNCHOKE, wire.HAVE}, ids)
	assert.True(t, p.IsInterestedSent())
	assert.False(t, p.IsChokeSent())
}

func TestChokeClearsRequests(t *testing.T) {
	r := newRecorder()
	p, rw, cancel := connect(t, newTestStore(t), r)
	defer cancel()

	go p.SendRequest(0, 0)
	_, err := rw.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, 1, p.BlocksRequested())

	require.NoError(t, rw.SendChoke())
	<-r.states
	assert.Equal(t, 0, p.BlocksRequested())
	assert.True(t, p.IsChokeReceived())
}

func TestContextCancelDisconnects(t *testing.T) {
	r := newRecorder()
	p, _, cancel := connect(t, newTestStore(t), r)
	cancel()
	waitDisconnected(t, r)
	assert.Equal(t, Disconnected, p.State())

	// only the first disconnect notifies
	p.Disconnect()
	assert.Empty(t, r.disconnected)
}

func TestOutboundDialFailure(t *testing.T) {
	orig := dialContext
	defer func() { dialContext = orig }()
	dialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}

	r := newRecorder()
	p := NewPeer("10.0.0.3:6881", nil, newTestStore(t))
	p.Subscribe(r)
	p.Start(context.Background())
	waitDisconnected(t, r)
	assert.Equal(t, Disconnected, p.State())
	assert.False(t, p.IsHandshakeSent())
}
