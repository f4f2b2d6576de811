package tracker

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Event int32

// Values follow the UDP tracker protocol; PAUSED is sent as NONE over UDP.
const (
	NONE      Event = 0
	COMPLETED Event = 1
	STARTED   Event = 2
	STOPPED   Event = 3
	PAUSED    Event = 4
)

func (e Event) String() string {
	switch e {
	case COMPLETED:
		return "completed"
	case STARTED:
		return "started"
	case STOPPED:
		return "stopped"
	case PAUSED:
		return "paused"
	}
	return ""
}

type Request struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int32
	Key        int32
}

type Response struct {
	Interval time.Duration
	Leechers int
	Seeders  int
	Peers    []string
}

type Announcer interface {
	Announce(ctx context.Context, trackerURL string, req *Request) (*Response, error)
}

type tracker struct {
	logger zerolog.Logger
}

func NewTracker() Announcer {
	return &tracker{
		logger: log.With().Str("component", "tracker").Logger(),
	}
}

func (tr *tracker) Announce(ctx context.Context, trackerURL string, req *Request) (*Response, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}
	var resp *Response
	switch u.Scheme {
	case "http", "https":
		resp, err = queryHTTPTracker(ctx, u, req)
	case "udp":
		resp, err = queryUDPTracker(ctx, u, req)
	default:
		return nil, fmt.Errorf("unsupported tracker scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("announce to %s: %w", u.Host, err)
	}
	tr.logger.Debug().Str("tracker", trackerURL).Stringer("event", req.Event).
		Int("peers", len(resp.Peers)).Dur("interval", resp.Interval).Msg("announced")
	return resp, nil
}

// AnnounceAll announces to every URL and merges the returned peers. The
// returned error collects every failed announce; the response is non-nil if
// any announce succeeded.
func AnnounceAll(ctx context.Context, a Announcer, urls []string, req *Request) (*Response, error) {
	var result *multierror.Error
	var merged *Response
	seen := mapset.NewSet()
	for _, u := range urls {
		resp, err := a.Announce(ctx, u, req)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if merged == nil {
			merged = &Response{Interval: resp.Interval}
		}
		if resp.Interval > 0 && (merged.Interval == 0 || resp.Interval < merged.Interval) {
			merged.Interval = resp.Interval
		}
		merged.Leechers += resp.Leechers
		merged.Seeders += resp.Seeders
		for _, p := range resp.Peers {
			if seen.Add(p) {
				merged.Peers = append(merged.Peers, p)
			}
		}
	}
	return merged, result.ErrorOrNil()
}

func compactPeers(b []byte) ([]string, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("compact peers of %d bytes", len(b))
	}
	peers := make([]string, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := int(b[i+4])<<8 | int(b[i+5])
		peers = append(peers, net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	}
	return peers, nil
}
