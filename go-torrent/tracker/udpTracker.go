package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"
)

const (
	UDP_PROTOCOL_ID = 0x41727101980 // magic constant
	UDP_CONNECT     = 0
	UDP_ANNOUNCE    = 1
	UDP_ERROR       = 3
	UDP_TIMEOUT     = 15 * time.Second
)

var dialUDP = func(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "udp", address)
}

// BEP 0015 - UDP Tracker Protocol for BitTorrent
func queryUDPTracker(ctx context.Context, u *url.URL, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, UDP_TIMEOUT)
	defer cancel()
	conn, err := dialUDP(ctx, u.Host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	connectionID, err := connectUDP(conn)
	if err != nil {
		return nil, err
	}
	return announceUDP(conn, connectionID, req)
}

func roundTrip(conn net.Conn, request []byte, action, transactionID int32) (*bytes.Reader, error) {
	if _, err := conn.Write(request); err != nil {
		return nil, err
	}
	data := make([]byte, 2048)
	n, err := conn.Read(data)
	if err != nil {
		return nil, err
	}
	if n < 8 {
		return nil, fmt.Errorf("malformed response of %d bytes", n)
	}
	resp := bytes.NewReader(data[:n])
	var actionResp, transactionIDResp int32
	binary.Read(resp, binary.BigEndian, &actionResp)
	binary.Read(resp, binary.BigEndian, &transactionIDResp)
	if transactionID != transactionIDResp {
		return nil, fmt.Errorf("transaction id doesn't match")
	}
	if actionResp == UDP_ERROR {
		msg := make([]byte, resp.Len())
		resp.Read(msg)
		return nil, fmt.Errorf("tracker failure: %s", msg)
	}
	if actionResp != action {
		return nil, fmt.Errorf("response action %d, want %d", actionResp, action)
	}
	return resp, nil
}

func connectUDP(conn net.Conn) (int64, error) {
	connectRequest := &bytes.Buffer{}
	binary.Write(connectRequest, binary.BigEndian, int64(UDP_PROTOCOL_ID))
	binary.Write(connectRequest, binary.BigEndian, int32(UDP_CONNECT))
	transactionID := rand.Int31()
	binary.Write(connectRequest, binary.BigEndian, transactionID)

	resp, err := roundTrip(conn, connectRequest.Bytes(), UDP_CONNECT, transactionID)
	if err != nil {
		return 0, err
	}
	var connectionID int64
	if err := binary.Read(resp, binary.BigEndian, &connectionID); err != nil {
		return 0, fmt.Errorf("malformed connect response")
	}
	return connectionID, nil
}

func announceUDP(conn net.Conn, connectionID int64, req *Request) (*Response, error) {
	event := req.Event
	if event == PAUSED {
		event = NONE
	}
	numWant := req.NumWant
	if numWant == 0 {
		numWant = -1
	}

	announceRequest := &bytes.Buffer{}
	binary.Write(announceRequest, binary.BigEndian, connectionID)
	binary.Write(announceRequest, binary.BigEndian, int32(UDP_ANNOUNCE))
	transactionID := rand.Int31()
	binary.Write(announceRequest, binary.BigEndian, transactionID)
	binary.Write(announceRequest, binary.BigEndian, req.InfoHash)
	binary.Write(announceRequest, binary.BigEndian, req.PeerID)
	binary.Write(announceRequest, binary.BigEndian, req.Downloaded)
	binary.Write(announceRequest, binary.BigEndian, req.Left)
	binary.Write(announceRequest, binary.BigEndian, req.Uploaded)
	binary.Write(announceRequest, binary.BigEndian, int32(event))
	binary.Write(announceRequest, binary.BigEndian, int32(0)) // default ip
	binary.Write(announceRequest, binary.BigEndian, req.Key)
	binary.Write(announceRequest, binary.BigEndian, numWant)
	binary.Write(announceRequest, binary.BigEndian, req.Port)

	resp, err := roundTrip(conn, announceRequest.Bytes(), UDP_ANNOUNCE, transactionID)
	if err != nil {
		return nil, err
	}
	var interval, leechers, seeders int32
	binary.Read(resp, binary.BigEndian, &interval)
	binary.Read(resp, binary.BigEndian, &leechers)
	if err := binary.Read(resp, binary.BigEndian, &seeders); err != nil {
		return nil, fmt.Errorf("malformed announce response")
	}
	peerAddrs := make([]byte, resp.Len())
	resp.Read(peerAddrs)
	peers, err := compactPeers(peerAddrs)
	if err != nil {
		return nil, err
	}
	return &Response{
		Interval: time.Duration(interval) * time.Second,
		Leechers: int(leechers),
		Seeders:  int(seeders),
		Peers:    peers,
	}, nil
}
