package swarm

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Charana123/bitswarm/go-torrent/piece"
	"github.com/Charana123/bitswarm/go-torrent/stats"
	"github.com/Charana123/bitswarm/go-torrent/torrent"
	"github.com/Charana123/bitswarm/go-torrent/tracker"
	mapset "github.com/deckarep/golang-set"
	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

const (
	ACTIVITY_INTERVAL     = 1500 * time.Millisecond
	ANNOUNCE_INTERVAL     = 30 * time.Second
	ANNOUNCE_INTERVAL_FEW = 2 * time.Second
	STOP_ANNOUNCE_TIMEOUT = 5 * time.Second
)

type Config struct {
	Port           int
	MaxPeers       int
	MaxLeechers    int
	MaxSeeders     int
	UploadRate     int64 // bytes per second, 0 is unlimited
	DownloadRate   int64
	PeerTimeout    time.Duration
	ConnectTimeout time.Duration
	DialRate       float64 // outbound connection attempts per second, 0 is unlimited
}

func DefaultConfig() Config {
	return Config{
		Port:           6881,
		MaxPeers:       100,
		MaxLeechers:    5,
		MaxSeeders:     5,
		UploadRate:     16384,
		DownloadRate:   131072,
		PeerTimeout:    30 * time.Second,
		ConnectTimeout: 5 * time.Second,
		DialRate:       10,
	}
}

var interfaceAddrs = net.InterfaceAddrs

// Swarm coordinates the peers of one torrent: it decides whom to serve and
// whom to request from, and moves blocks between peers and the piece store.
type Swarm struct {
	cfg       Config
	store     piece.Store
	torrent   *torrent.Torrent
	stats     stats.Stats
	announcer tracker.Announcer
	key       int32
	logger    zerolog.Logger

	mu       sync.RWMutex
	peers    map[string]*peerEntry
	leechers mapset.Set
	seeders  mapset.Set

	uploadsMu   sync.Mutex
	uploads     *linkedlistqueue.Queue
	downloadsMu sync.Mutex
	downloads   *linkedlistqueue.Queue

	uploadThrottle   *stats.Throttle
	downloadThrottle *stats.Throttle
	dialLimiter      *rate.Limiter
	localIPs         mapset.Set

	announcing          *atomic.Bool
	processingPeers     *atomic.Bool
	processingUploads   *atomic.Bool
	processingDownloads *atomic.Bool
}

func NewSwarm(
	cfg Config,
	store piece.Store,
	st stats.Stats,
	announcer tracker.Announcer) *Swarm {

	limit := rate.Inf
	if cfg.DialRate > 0 {
		limit = rate.Limit(cfg.DialRate)
	}
	s := &Swarm{
		cfg:                 cfg,
		store:               store,
		torrent:             store.Torrent(),
		stats:               st,
		announcer:           announcer,
		key:                 rand.Int31(),
		logger:              log.With().Str("component", "swarm").Str("torrent", store.Torrent().Name).Logger(),
		peers:               make(map[string]*peerEntry),
		leechers:            mapset.NewSet(),
		seeders:             mapset.NewSet(),
		uploads:             linkedlistqueue.New(),
		downloads:           linkedlistqueue.New(),
		uploadThrottle:      stats.NewThrottle(cfg.UploadRate, time.Second),
		downloadThrottle:    stats.NewThrottle(cfg.DownloadRate, time.Second),
		dialLimiter:         rate.NewLimiter(limit, 1),
		localIPs:            mapset.NewSet(),
		announcing:          atomic.NewBool(false),
		processingPeers:     atomic.NewBool(false),
		processingUploads:   atomic.NewBool(false),
		processingDownloads: atomic.NewBool(false),
	}
	if addrs, err := interfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok {
				s.localIPs.Add(ipnet.IP.String())
			}
		}
	}
	return s
}

// Run drives the swarm until ctx is done, then announces stopped and
// disconnects every peer.
func (s *Swarm) Run(ctx context.Context) error {
	unsubscribe := s.store.Subscribe(s.pieceVerified)
	defer unsubscribe()

	wg := &sync.WaitGroup{}
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	spawn(s.uploadThrottle.Run)
	spawn(s.downloadThrottle.Run)
	spawn(s.runAnnounces)
	spawn(func(ctx context.Context) { s.every(ctx, s.processPeers) })
	spawn(func(ctx context.Context) { s.every(ctx, s.processUploads) })
	spawn(func(ctx context.Context) { s.every(ctx, s.processDownloads) })
	s.logger.Info().Int("port", s.cfg.Port).Msg("swarm started")

	<-ctx.Done()
	wg.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), STOP_ANNOUNCE_TIMEOUT)
	defer cancel()
	s.announce(stopCtx, tracker.STOPPED)
	s.stopPeers()
	s.logger.Info().Msg("swarm stopped")
	return nil
}

func (s *Swarm) every(ctx context.Context, activity func()) {
	ticker := time.NewTicker(ACTIVITY_INTERVAL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			activity()
		}
	}
}

// guard runs fn unless a previous run still holds flag. Overlapping runs are
// dropped, not queued.
func guard(flag *atomic.Bool, fn func()) bool {
	if !flag.CompareAndSwap(false, true) {
		return false
	}
	defer flag.Store(false)
	fn()
	return true
}

func (s *Swarm) isSelf(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	return port == strconv.Itoa(s.cfg.Port) && s.localIPs.Contains(host)
}
