package download

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Charana123/bitswarm/go-torrent/config"
	"github.com/Charana123/bitswarm/go-torrent/piece"
	"github.com/Charana123/bitswarm/go-torrent/server"
	"github.com/Charana123/bitswarm/go-torrent/stats"
	"github.com/Charana123/bitswarm/go-torrent/storage"
	"github.com/Charana123/bitswarm/go-torrent/swarm"
	"github.com/Charana123/bitswarm/go-torrent/torrent"
	"github.com/Charana123/bitswarm/go-torrent/tracker"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	TICK_INTERVAL = time.Second
	STATUS_TICKS  = 10
)

type Download interface {
	Torrent() *torrent.Torrent
	Store() piece.Store
	Port() int
	// Run downloads and seeds until ctx is done.
	Run(ctx context.Context) error
}

type download struct {
	tor    *torrent.Torrent
	store  piece.Store
	stats  stats.Stats
	swarm  *swarm.Swarm
	server server.Server
	logger zerolog.Logger
}

// NewDownload loads the torrent at torrentPath, checks what is already in
// the download directory and opens the peer listener.
func NewDownload(fs afero.Fs, cfg *config.Config, torrentPath string) (Download, error) {
	tor, err := torrent.LoadFile(fs, torrentPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", torrentPath, err)
	}
	logger := log.With().Str("component", "download").Str("torrent", tor.Name).Logger()
	logger.Info().Hex("infohash", tor.InfoHash[:]).Int("pieces", tor.NumPieces()).
		Str("size", humanize.Bytes(uint64(tor.Length))).Msg("loaded torrent")

	sc, err := swarmConfig(cfg)
	if err != nil {
		return nil, err
	}

	disk, err := storage.NewRandomAccessStorage(fs, cfg.DownloadDirectory, tor)
	if err != nil {
		return nil, err
	}
	store := piece.NewStore(tor, disk)
	if store.VerifyAll() > 0 {
		logger.Info().Str("left", humanize.Bytes(uint64(store.Left()))).Msg("resuming")
	}
	st := stats.NewStats(store)

	d := &download{tor: tor, store: store, stats: st, logger: logger}
	sv, err := server.NewServer(server.PeerAdderFunc(func(ctx context.Context, addr string, conn net.Conn) bool {
		return d.swarm.AddPeer(ctx, addr, conn)
	}), cfg.IncomingPort)
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", cfg.IncomingPort, err)
	}
	sc.Port = sv.GetServerPort()
	d.server = sv
	d.swarm = swarm.NewSwarm(sc, store, st, tracker.NewTracker())
	return d, nil
}

func swarmConfig(cfg *config.Config) (swarm.Config, error) {
	if err := cfg.Validate(); err != nil {
		return swarm.Config{}, err
	}
	up, _ := config.ParseRate(cfg.UploadRate)
	down, _ := config.ParseRate(cfg.DownloadRate)
	sc := swarm.DefaultConfig()
	sc.Port = cfg.IncomingPort
	sc.MaxPeers = cfg.MaxPeers
	sc.MaxLeechers = cfg.MaxLeechers
	sc.MaxSeeders = cfg.MaxSeeders
	sc.UploadRate = up
	sc.DownloadRate = down
	sc.PeerTimeout = cfg.PeerTimeout
	sc.ConnectTimeout = cfg.ConnectTimeout
	sc.DialRate = cfg.DialRate
	return sc, nil
}

func (d *download) Torrent() *torrent.Torrent {
	return d.tor
}

func (d *download) Store() piece.Store {
	return d.store
}

func (d *download) Port() int {
	return d.server.GetServerPort()
}

func (d *download) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var result *multierror.Error
	serveErr := make(chan error, 1)
	go func() {
		err := d.server.Serve(ctx)
		if err != nil {
			cancel()
		}
		serveErr <- err
	}()
	go d.report(ctx)

	if err := d.swarm.Run(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := <-serveErr; err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// report logs transfer rates every STATUS_TICKS ticks and once when the
// torrent completes.
func (d *download) report(ctx context.Context) {
	ticker := time.NewTicker(TICK_INTERVAL)
	defer ticker.Stop()
	completed := d.store.IsCompleted()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		up, down := d.stats.Tick()
		if !completed && d.store.IsCompleted() {
			completed = true
			d.logger.Info().Msg("download complete, seeding")
		}
		if n%STATUS_TICKS != 0 {
			continue
		}
		uploaded, downloaded, left := d.stats.GetTrackerStats()
		d.logger.Info().
			Str("up", humanize.Bytes(uint64(up))+"/s").
			Str("down", humanize.Bytes(uint64(down))+"/s").
			Str("uploaded", humanize.Bytes(uint64(uploaded))).
			Str("downloaded", humanize.Bytes(uint64(downloaded))).
			Str("left", humanize.Bytes(uint64(left))).
			Int("peers", d.swarm.NumPeers()).
			Msgf("%d/%d pieces", d.store.NumVerified(), d.tor.NumPieces())
	}
}
