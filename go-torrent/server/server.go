package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PeerAdder takes ownership of accepted connections.
type PeerAdder interface {
	AddPeer(ctx context.Context, addr string, conn net.Conn) bool
}

type Server interface {
	Serve(ctx context.Context) error
	GetServerPort() int
}

type server struct {
	port     int
	listener net.Listener
	peers    PeerAdder
	logger   zerolog.Logger
}

var (
	listen = net.Listen
)

// NewServer listens on port, or on an ephemeral port when port is 0.
func NewServer(peers PeerAdder, port int) (Server, error) {
	listener, err := listen("tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	sv := &server{
		listener: listener,
		peers:    peers,
		port:     listener.Addr().(*net.TCPAddr).Port,
	}
	sv.logger = log.With().Str("component", "server").Int("port", sv.port).Logger()
	return sv, nil
}

// Serve accepts inbound peers until ctx is done or the listener fails.
func (sv *server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		sv.listener.Close()
	})
	defer stop()
	sv.logger.Info().Msg("listening for peers")

	for {
		conn, err := sv.listener.Accept()
		if err != nil {
			var neterr net.Error
			if errors.As(err, &neterr) && neterr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				sv.logger.Info().Msg("peer listener stopped")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		addr := conn.RemoteAddr().String()
		if !sv.peers.AddPeer(ctx, addr, conn) {
			sv.logger.Debug().Str("peer", addr).Msg("rejected inbound peer")
		}
	}
}

func (sv *server) GetServerPort() int {
	return sv.port
}

// PeerAdderFunc adapts a function to PeerAdder.
type PeerAdderFunc func(ctx context.Context, addr string, conn net.Conn) bool

func (f PeerAdderFunc) AddPeer(ctx context.Context, addr string, conn net.Conn) bool {
	return f(ctx, addr, conn)
}
