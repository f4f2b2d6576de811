package piece

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/Charana123/bitswarm/go-torrent/storage"
	"github.com/Charana123/bitswarm/go-torrent/torrent"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// content spans two files and three pieces; the last piece is short and has
// two blocks.
func newTestStore(t *testing.T) (Store, afero.Fs, []byte) {
	content := make([]byte, 2*32768+20000)
	for i := range content {
		content[i] = byte(i * 7)
	}
	tor := &torrent.Torrent{
		Name:        "data",
		MultiFile:   true,
		PieceLength: 32768,
		Length:      int64(len(content)),
		Files: []torrent.File{
			{Path: []string{"a"}, Length: 40000},
			{Path: []string{"b"}, Length: int64(len(content)) - 40000, Offset: 40000},
		},
	}
	for i := 0; i < 3; i++ {
		end := (i + 1) * 32768
		if end > len(content) {
			end = len(content)
		}
		tor.Pieces = append(tor.Pieces, sha1.Sum(content[i*32768:end]))
	}
	fs := afero.NewMemMapFs()
	s, err := storage.NewRandomAccessStorage(fs, "/dl", tor)
	require.NoError(t, err)
	return NewStore(tor, s), fs, content
}

func block(content []byte, tor *torrent.Torrent, p, b int) []byte {
	start := int(tor.PieceOffset(p)) + b*torrent.BLOCK_SIZE
	return content[start : start+tor.BlockSize(p, b)]
}

func TestWriteBlocksVerifies(t *testing.T) {
	st, _, content := newTestStore(t)
	tor := st.Torrent()
	verified := []int{}
	unsubscribe := st.Subscribe(func(p int) { verified = append(verified, p) })

	require.NoError(t, st.WriteBlock(1, 0, block(content, tor, 1, 0)))
	assert.True(t, st.IsBlockAcquired(1, 0))
	assert.False(t, st.IsVerified(1))
	assert.Equal(t, 0.5, st.BlockProgress(1))
	assert.True(t, st.IsStarted())

	require.NoError(t, st.WriteBlock(1, 1, block(content, tor, 1, 1)))
	assert.True(t, st.IsVerified(1))
	assert.Equal(t, []int{1}, verified)
	assert.Equal(t, int64(32768), st.Downloaded())
	assert.Equal(t, tor.Length-32768, st.Left())

	data, ok := st.ReadBlock(1, 100, 1000)
	require.True(t, ok)
	assert.Equal(t, content[32768+100:32768+1100], data)

	unsubscribe()
	for p := 0; p < 3; p++ {
		for b := 0; b < tor.BlockCount(p); b++ {
			require.NoError(t, st.WriteBlock(p, b, block(content, tor, p, b)))
		}
	}
	assert.True(t, st.IsCompleted())
	assert.Equal(t, tor.Length, st.Downloaded())
	assert.Equal(t, int64(0), st.Left())
	assert.Equal(t, []int{1}, verified)
}

func TestWriteBlockRejectsBadInput(t *testing.T) {
	st, _, _ := newTestStore(t)
	assert.Error(t, st.WriteBlock(3, 0, make([]byte, torrent.BLOCK_SIZE)))
	assert.Error(t, st.WriteBlock(0, 2, make([]byte, torrent.BLOCK_SIZE)))
	assert.Error(t, st.WriteBlock(0, 0, make([]byte, 10)))
}

func TestReadBlockUnavailable(t *testing.T) {
	st, _, _ := newTestStore(t)
	_, ok := st.ReadBlock(0, 0, torrent.BLOCK_SIZE)
	assert.False(t, ok)
	_, ok = st.ReadBlock(2, 0, 30000)
	assert.False(t, ok)
}

func TestFullPieceMismatchResets(t *testing.T) {
	st, _, content := newTestStore(t)
	tor := st.Torrent()
	require.NoError(t, st.WriteBlock(0, 0, block(content, tor, 0, 0)))
	corrupt := bytes.Repeat([]byte{0xff}, torrent.BLOCK_SIZE)
	require.NoError(t, st.WriteBlock(0, 1, corrupt))

	assert.False(t, st.IsVerified(0))
	assert.False(t, st.IsBlockAcquired(0, 0))
	assert.False(t, st.IsBlockAcquired(0, 1))
	assert.Equal(t, float64(0), st.BlockProgress(0))
	assert.Equal(t, int64(0), st.Downloaded())
}

func TestVerifyAllExistingData(t *testing.T) {
	st, fs, content := newTestStore(t)
	require.NoError(t, afero.WriteFile(fs, "/dl/data/a", content[:40000], 0644))
	require.NoError(t, afero.WriteFile(fs, "/dl/data/b", content[40000:], 0644))

	assert.Equal(t, 3, st.VerifyAll())
	assert.True(t, st.IsCompleted())
	for p := 0; p < 3; p++ {
		for b := 0; b < st.Torrent().BlockCount(p); b++ {
			assert.True(t, st.IsBlockAcquired(p, b))
		}
	}
}

func TestVerifyOnlyOnMatch(t *testing.T) {
	st, fs, content := newTestStore(t)
	other := append([]byte{}, content...)
	other[5] ^= 0x01
	require.NoError(t, afero.WriteFile(fs, "/dl/data/a", other[:40000], 0644))

	// piece 0 is on disk but corrupt, piece 1 is short
	assert.False(t, st.Verify(0))
	assert.False(t, st.Verify(1))
	assert.False(t, st.IsBlockAcquired(0, 0))

	require.NoError(t, afero.WriteFile(fs, "/dl/data/a", content[:40000], 0644))
	assert.True(t, st.Verify(0))
	assert.True(t, st.IsBlockAcquired(0, 0))
	assert.True(t, st.IsBlockAcquired(0, 1))
}

func TestRarestFirst(t *testing.T) {
	st, _, content := newTestStore(t)
	tor := st.Torrent()
	orig := jitter
	jitter = func() float64 { return 0 }
	defer func() { jitter = orig }()

	rarity := map[int]float64{0: 0.25, 1: 0.8, 2: 0.5}
	order := RarestFirst(st, func(p int) float64 { return rarity[p] })
	assert.Equal(t, []int{1, 2, 0}, order)

	// progress lifts a partly downloaded piece
	require.NoError(t, st.WriteBlock(0, 0, block(content, tor, 0, 0)))
	order = RarestFirst(st, func(p int) float64 { return rarity[p] })
	assert.Equal(t, []int{1, 0, 2}, order)

	// verified pieces are not candidates
	require.NoError(t, st.WriteBlock(0, 1, block(content, tor, 0, 1)))
	order = RarestFirst(st, func(p int) float64 { return rarity[p] })
	assert.Equal(t, []int{1, 2}, order)
}
