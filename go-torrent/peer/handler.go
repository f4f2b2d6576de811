package peer

import (
	"fmt"

	"go.uber.org/atomic"
)

type State int32

const (
	Connecting State = iota
	AwaitingHandshake
	SteadyState
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case AwaitingHandshake:
		return "awaiting-handshake"
	case SteadyState:
		return "steady"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handler receives a peer's protocol events. Callbacks run on the peer's
// read goroutine, except Disconnected which runs on whichever goroutine
// ended the connection.
type Handler interface {
	StateChanged(p *Peer)
	BlockRequested(r *Request)
	BlockCancelled(r *Request)
	BlockReceived(b *Block)
	Disconnected(p *Peer)
}

// Request is a block the remote peer asked us for.
type Request struct {
	Peer      *Peer
	Piece     int
	Begin     int
	Length    int
	cancelled atomic.Bool
}

func (r *Request) Cancel() {
	r.cancelled.Store(true)
}

func (r *Request) IsCancelled() bool {
	return r.cancelled.Load()
}

// Matches reports whether o names the same block from the same peer.
func (r *Request) Matches(o *Request) bool {
	return r.Peer == o.Peer && r.Piece == o.Piece && r.Begin == o.Begin && r.Length == o.Length
}

// Block is block data the remote peer sent us.
type Block struct {
	Peer  *Peer
	Piece int
	Block int
	Data  []byte
}
