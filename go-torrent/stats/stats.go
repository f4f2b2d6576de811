package stats

import (
	"sync"

	"github.com/samber/lo"
	"go.uber.org/atomic"
)

const (
	PONDERATION_TIME = 10
)

// Progress is the source of the downloaded and left counters.
type Progress interface {
	Downloaded() int64
	Left() int64
}

type Stats interface {
	GetTrackerStats() (uploaded, downloaded, left int64)
	AddUploaded(n int)
	Tick() (uploadRate, downloadRate int64)
}

type stats struct {
	progress Progress
	uploaded *atomic.Int64

	sync.Mutex
	uploadActivity   [PONDERATION_TIME]int64
	downloadActivity [PONDERATION_TIME]int64
	lastUploaded     int64
	lastDownloaded   int64
	i                int
}

func NewStats(progress Progress) Stats {
	return &stats{
		progress:       progress,
		uploaded:       atomic.NewInt64(0),
		lastDownloaded: progress.Downloaded(),
	}
}

func (s *stats) GetTrackerStats() (int64, int64, int64) {
	return s.uploaded.Load(), s.progress.Downloaded(), s.progress.Left()
}

func (s *stats) AddUploaded(n int) {
	s.uploaded.Add(int64(n))
}

// Tick records the bytes moved since the previous tick and returns the
// average per tick over the last PONDERATION_TIME ticks.
func (s *stats) Tick() (int64, int64) {
	s.Lock()
	defer s.Unlock()

	uploaded, downloaded := s.uploaded.Load(), s.progress.Downloaded()
	s.uploadActivity[s.i] = uploaded - s.lastUploaded
	s.downloadActivity[s.i] = lo.Max([]int64{downloaded - s.lastDownloaded, 0})
	s.lastUploaded, s.lastDownloaded = uploaded, downloaded
	s.i = (s.i + 1) % PONDERATION_TIME

	return lo.Sum(s.uploadActivity[:]) / PONDERATION_TIME, lo.Sum(s.downloadActivity[:]) / PONDERATION_TIME
}
