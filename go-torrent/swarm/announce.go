package swarm

import (
	"context"
	"time"

	"github.com/Charana123/bitswarm/go-torrent/torrent"
	"github.com/Charana123/bitswarm/go-torrent/tracker"
)

func (s *Swarm) runAnnounces(ctx context.Context) {
	for {
		s.announce(ctx, tracker.STARTED)
		interval := ANNOUNCE_INTERVAL_FEW
		if s.NumPeers() > 1 {
			interval = ANNOUNCE_INTERVAL
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// announce reports our progress to every tracker and adds the peers they
// return.
func (s *Swarm) announce(ctx context.Context, event tracker.Event) {
	guard(s.announcing, func() {
		if len(s.torrent.Announce) == 0 {
			return
		}
		uploaded, downloaded, left := s.stats.GetTrackerStats()
		req := &tracker.Request{
			InfoHash:   s.torrent.InfoHash,
			PeerID:     torrent.PEER_ID,
			Port:       uint16(s.cfg.Port),
			Uploaded:   uploaded,
			Downloaded: downloaded,
			Left:       left,
			Event:      event,
			NumWant:    -1,
			Key:        s.key,
		}
		resp, err := tracker.AnnounceAll(ctx, s.announcer, s.torrent.Announce, req)
		if err != nil {
			s.logger.Warn().Err(err).Stringer("event", event).Msg("announce failed")
		}
		if resp == nil || event == tracker.STOPPED {
			return
		}
		added := 0
		for _, addr := range resp.Peers {
			if s.AddPeer(ctx, addr, nil) {
				added++
			}
		}
		s.logger.Debug().Int("returned", len(resp.Peers)).Int("added", added).
			Int("seeders", resp.Seeders).Int("leechers", resp.Leechers).Msg("announced")
	})
}
