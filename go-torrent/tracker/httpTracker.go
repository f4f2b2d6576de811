package tracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Charana123/bitswarm/go-torrent/bencode"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

func queryHTTPTracker(ctx context.Context, u *url.URL, req *Request) (*Response, error) {
	q := u.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(req.NumWant)))
	}
	if req.Key != 0 {
		q.Set("key", strconv.Itoa(int(req.Key)))
	}
	if event := req.Event.String(); event != "" {
		q.Set("event", event)
	}
	announceURL := *u
	announceURL.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker responded %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return parseHTTPResponse(body)
}

func parseHTTPResponse(body []byte) (*Response, error) {
	v, err := bencode.Decode(body)
	if err != nil {
		return nil, err
	}
	d, ok := v.(bencode.Dict)
	if !ok {
		return nil, fmt.Errorf("tracker response is not a dictionary")
	}
	if reason, ok := d.String("failure reason"); ok {
		return nil, fmt.Errorf("tracker failure: %s", reason)
	}
	resp := &Response{}
	if interval, ok := d.Int("interval"); ok {
		resp.Interval = time.Duration(interval) * time.Second
	}
	if n, ok := d.Int("incomplete"); ok {
		resp.Leechers = int(n)
	}
	if n, ok := d.Int("complete"); ok {
		resp.Seeders = int(n)
	}
	if compact, ok := d.Bytes("peers"); ok {
		resp.Peers, err = compactPeers(compact)
		if err != nil {
			return nil, err
		}
	} else if list, ok := d.List("peers"); ok {
		for _, item := range list {
			peer, ok := item.(bencode.Dict)
			if !ok {
				continue
			}
			ip, ok1 := peer.String("ip")
			port, ok2 := peer.Int("port")
			if ok1 && ok2 {
				resp.Peers = append(resp.Peers, net.JoinHostPort(ip, strconv.FormatInt(port, 10)))
			}
		}
	}
	return resp, nil
}
