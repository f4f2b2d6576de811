package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sync"

	"github.com/Charana123/bitswarm/go-torrent/storage"
	"github.com/Charana123/bitswarm/go-torrent/torrent"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Store owns the download state of a torrent: which pieces are verified and
// which blocks of each piece have been acquired.
type Store interface {
	Torrent() *torrent.Torrent
	ReadBlock(pieceIndex, begin, length int) (data []byte, ok bool)
	WriteBlock(pieceIndex, blockIndex int, data []byte) error
	Verify(pieceIndex int) bool
	VerifyAll() int
	IsVerified(pieceIndex int) bool
	IsBlockAcquired(pieceIndex, blockIndex int) bool
	IsFullyAcquired(pieceIndex int) bool
	BlockProgress(pieceIndex int) float64
	IsStarted() bool
	IsCompleted() bool
	NumVerified() int
	Bitfield() bitmap.Bitmap
	Downloaded() int64
	Left() int64
	Subscribe(func(pieceIndex int)) (unsubscribe func())
}

type store struct {
	sync.RWMutex
	tor        *torrent.Torrent
	storage    storage.Storage
	verified   bitmap.Bitmap
	acquired   []bitmap.Bitmap
	pieceLocks []sync.Mutex
	downloaded int64
	started    bool

	subMu  sync.Mutex
	subID  int
	subs   map[int]func(int)
	logger zerolog.Logger
}

func NewStore(tor *torrent.Torrent, s storage.Storage) Store {
	st := &store{
		tor:        tor,
		storage:    s,
		verified:   bitmap.New(tor.NumPieces()),
		acquired:   make([]bitmap.Bitmap, tor.NumPieces()),
		pieceLocks: make([]sync.Mutex, tor.NumPieces()),
		subs:       make(map[int]func(int)),
		logger:     log.With().Str("component", "piece").Str("torrent", tor.Name).Logger(),
	}
	for i := range st.acquired {
		st.acquired[i] = bitmap.New(tor.BlockCount(i))
	}
	return st
}

func (st *store) Torrent() *torrent.Torrent {
	return st.tor
}

func (st *store) validPiece(pieceIndex int) bool {
	return pieceIndex >= 0 && pieceIndex < st.tor.NumPieces()
}

func (st *store) validBlock(pieceIndex, blockIndex int) bool {
	return st.validPiece(pieceIndex) && blockIndex >= 0 && blockIndex < st.tor.BlockCount(pieceIndex)
}

// ReadBlock returns ok=false when the range is not on disk yet.
func (st *store) ReadBlock(pieceIndex, begin, length int) ([]byte, bool) {
	if !st.validPiece(pieceIndex) || begin < 0 || length <= 0 || begin+length > st.tor.PieceSize(pieceIndex) {
		return nil, false
	}
	data, err := st.storage.Read(st.tor.PieceOffset(pieceIndex)+int64(begin), length)
	if err != nil {
		if err != storage.ErrUnavailable {
			st.logger.Warn().Err(err).Int("piece", pieceIndex).Msg("read block")
		}
		return nil, false
	}
	return data, true
}

// WriteBlock stores one block and, once every block of the piece has been
// acquired, verifies the piece.
func (st *store) WriteBlock(pieceIndex, blockIndex int, data []byte) error {
	if !st.validBlock(pieceIndex, blockIndex) {
		return fmt.Errorf("block %d of piece %d out of range", blockIndex, pieceIndex)
	}
	if want := st.tor.BlockSize(pieceIndex, blockIndex); len(data) != want {
		return fmt.Errorf("block %d of piece %d: got %d bytes, want %d", blockIndex, pieceIndex, len(data), want)
	}

	st.pieceLocks[pieceIndex].Lock()
	defer st.pieceLocks[pieceIndex].Unlock()

	if st.IsVerified(pieceIndex) {
		return nil
	}
	offset := st.tor.PieceOffset(pieceIndex) + int64(blockIndex*torrent.BLOCK_SIZE)
	if err := st.storage.Write(offset, data); err != nil {
		return err
	}

	st.Lock()
	st.acquired[pieceIndex].Set(blockIndex, true)
	st.started = true
	st.Unlock()

	if st.IsFullyAcquired(pieceIndex) {
		st.verify(pieceIndex)
	}
	return nil
}

func (st *store) Verify(pieceIndex int) bool {
	if !st.validPiece(pieceIndex) {
		return false
	}
	st.pieceLocks[pieceIndex].Lock()
	defer st.pieceLocks[pieceIndex].Unlock()
	return st.verify(pieceIndex)
}

// verify must be called with the piece lock held.
func (st *store) verify(pieceIndex int) bool {
	size := st.tor.PieceSize(pieceIndex)
	data, err := st.storage.Read(st.tor.PieceOffset(pieceIndex), size)
	if err != nil {
		if err != storage.ErrUnavailable {
			st.logger.Warn().Err(err).Int("piece", pieceIndex).Msg("verify")
		}
		return st.IsVerified(pieceIndex)
	}
	sum := sha1.Sum(data)
	want := st.tor.PieceHash(pieceIndex)
	match := bytes.Equal(sum[:], want[:])

	st.Lock()
	wasVerified := st.verified.Get(pieceIndex)
	blocks := st.tor.BlockCount(pieceIndex)
	if match {
		st.verified.Set(pieceIndex, true)
		for b := 0; b < blocks; b++ {
			st.acquired[pieceIndex].Set(b, true)
		}
		if !wasVerified {
			st.downloaded += int64(size)
		}
		st.started = true
	} else {
		st.verified.Set(pieceIndex, false)
		if wasVerified {
			st.downloaded -= int64(size)
		}
		if st.fullyAcquired(pieceIndex) {
			for b := 0; b < blocks; b++ {
				st.acquired[pieceIndex].Set(b, false)
			}
		}
	}
	st.Unlock()

	if match && !wasVerified {
		st.logger.Debug().Int("piece", pieceIndex).Str("size", humanize.Bytes(uint64(size))).Msg("piece verified")
		st.notify(pieceIndex)
	} else if !match {
		st.logger.Info().Int("piece", pieceIndex).Msg("piece failed verification")
	}
	return match
}

// VerifyAll checks every piece against what is already on disk and returns
// the number of verified pieces.
func (st *store) VerifyAll() int {
	for i := 0; i < st.tor.NumPieces(); i++ {
		st.Verify(i)
	}
	n := st.NumVerified()
	st.logger.Info().Int("verified", n).Int("pieces", st.tor.NumPieces()).Msg("checked existing data")
	return n
}

func (st *store) IsVerified(pieceIndex int) bool {
	if !st.validPiece(pieceIndex) {
		return false
	}
	st.RLock()
	defer st.RUnlock()
	return st.verified.Get(pieceIndex)
}

func (st *store) IsBlockAcquired(pieceIndex, blockIndex int) bool {
	if !st.validBlock(pieceIndex, blockIndex) {
		return false
	}
	st.RLock()
	defer st.RUnlock()
	return st.acquired[pieceIndex].Get(blockIndex)
}

func (st *store) IsFullyAcquired(pieceIndex int) bool {
	if !st.validPiece(pieceIndex) {
		return false
	}
	st.RLock()
	defer st.RUnlock()
	return st.fullyAcquired(pieceIndex)
}

func (st *store) fullyAcquired(pieceIndex int) bool {
	for b := 0; b < st.tor.BlockCount(pieceIndex); b++ {
		if !st.acquired[pieceIndex].Get(b) {
			return false
		}
	}
	return true
}

// BlockProgress is the fraction of the piece's blocks acquired.
func (st *store) BlockProgress(pieceIndex int) float64 {
	if !st.validPiece(pieceIndex) {
		return 0
	}
	st.RLock()
	defer st.RUnlock()
	blocks := st.tor.BlockCount(pieceIndex)
	if blocks == 0 {
		return 0
	}
	n := 0
	for b := 0; b < blocks; b++ {
		if st.acquired[pieceIndex].Get(b) {
			n++
		}
	}
	return float64(n) / float64(blocks)
}

// IsStarted reports whether any block has been acquired.
func (st *store) IsStarted() bool {
	st.RLock()
	defer st.RUnlock()
	return st.started
}

func (st *store) IsCompleted() bool {
	return st.NumVerified() == st.tor.NumPieces()
}

func (st *store) NumVerified() int {
	st.RLock()
	defer st.RUnlock()
	n := 0
	for i := 0; i < st.tor.NumPieces(); i++ {
		if st.verified.Get(i) {
			n++
		}
	}
	return n
}

// Bitfield returns a copy of the verified flags.
func (st *store) Bitfield() bitmap.Bitmap {
	st.RLock()
	defer st.RUnlock()
	b := bitmap.New(st.tor.NumPieces())
	copy(b, st.verified)
	return b
}

func (st *store) Downloaded() int64 {
	st.RLock()
	defer st.RUnlock()
	return st.downloaded
}

func (st *store) Left() int64 {
	return st.tor.Length - st.Downloaded()
}

// Subscribe registers fn to be called with the index of every newly verified
// piece.
func (st *store) Subscribe(fn func(pieceIndex int)) func() {
	st.subMu.Lock()
	defer st.subMu.Unlock()
	id := st.subID
	st.subID++
	st.subs[id] = fn
	return func() {
		st.subMu.Lock()
		defer st.subMu.Unlock()
		delete(st.subs, id)
	}
}

func (st *store) notify(pieceIndex int) {
	st.subMu.Lock()
	fns := make([]func(int), 0, len(st.subs))
	for _, fn := range st.subs {
		fns = append(fns, fn)
	}
	st.subMu.Unlock()
	for _, fn := range fns {
		fn(pieceIndex)
	}
}
