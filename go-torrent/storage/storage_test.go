package storage

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/Charana123/bitswarm/go-torrent/torrent"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var multiFile = &torrent.Torrent{
	Name:        "root",
	MultiFile:   true,
	PieceLength: 256,
	Length:      600,
	Files: []torrent.File{
		{Length: 300, Path: []string{"sub1", "name1"}},
		{Length: 0, Path: []string{"empty"}, Offset: 300},
		{Length: 300, Path: []string{"sub1", "sub2", "name2"}, Offset: 300},
	},
}

func newStorage(t *testing.T, fs afero.Fs, tor *torrent.Torrent) Storage {
	s, err := NewRandomAccessStorage(fs, "/dl", tor)
	require.NoError(t, err)
	return s
}

func TestPaths(t *testing.T) {
	s := newStorage(t, afero.NewMemMapFs(), multiFile)
	assert.Equal(t, []string{"/dl/root/sub1/name1", "/dl/root/empty", "/dl/root/sub1/sub2/name2"}, s.Paths())

	single := &torrent.Torrent{Name: "file.bin", Length: 10, Files: []torrent.File{{Path: []string{"file.bin"}, Length: 10}}}
	s = newStorage(t, afero.NewMemMapFs(), single)
	assert.Equal(t, []string{"/dl/file.bin"}, s.Paths())
}

func TestWriteReadAcrossFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newStorage(t, fs, multiFile)

	data := bytes.Repeat([]byte{0xcd}, 100)
	require.NoError(t, s.Write(250, data))

	first, err := afero.ReadFile(fs, "/dl/root/sub1/name1")
	require.NoError(t, err)
	assert.Len(t, first, 300)
	assert.Equal(t, data[:50], first[250:])
	second, err := afero.ReadFile(fs, "/dl/root/sub1/sub2/name2")
	require.NoError(t, err)
	assert.Equal(t, data[50:], second)

	got, err := s.Read(250, 100)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPathsStayInsideDownloadDirectory(t *testing.T) {
	cases := map[string]*torrent.Torrent{
		"parent segments": {Name: "root", MultiFile: true, Length: 5, Files: []torrent.File{
			{Length: 5, Path: []string{"..", "..", "etc", "evil"}},
		}},
		"parent name":   {Name: "..", Length: 5, Files: []torrent.File{{Length: 5, Path: []string{".."}}}},
		"relative name": {Name: "../etc/evil", Length: 5, Files: []torrent.File{{Length: 5, Path: []string{"evil"}}}},
		"empty name":    {Name: "", Length: 5, Files: []torrent.File{{Length: 5, Path: []string{""}}}},
		"file is the root": {Name: "root", MultiFile: true, Length: 5, Files: []torrent.File{
			{Length: 5, Path: []string{"sub", ".."}},
		}},
	}
	for name, tor := range cases {
		fs := afero.NewMemMapFs()
		_, err := NewRandomAccessStorage(fs, "/home/u/downloads", tor)
		assert.Error(t, err, name)
		ok, _ := afero.Exists(fs, "/home/u/etc/evil")
		assert.False(t, ok, name)
	}
}

func TestWriteCreatesEmptyFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newStorage(t, fs, multiFile)
	ok, _ := afero.Exists(fs, "/dl/root/empty")
	assert.False(t, ok)

	require.NoError(t, s.Write(0, []byte{1}))
	fi, err := fs.Stat("/dl/root/empty")
	require.NoError(t, err)
	assert.Equal(t, int64(0), fi.Size())
}

func TestReadUnavailable(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newStorage(t, fs, multiFile)

	_, err := s.Read(0, 10)
	assert.Equal(t, ErrUnavailable, err)

	// short file
	require.NoError(t, s.Write(0, make([]byte, 20)))
	_, err = s.Read(0, 40)
	assert.Equal(t, ErrUnavailable, err)
	_, err = s.Read(0, 20)
	assert.NoError(t, err)
}

func TestOutOfRange(t *testing.T) {
	s := newStorage(t, afero.NewMemMapFs(), multiFile)
	assert.Error(t, s.Write(590, make([]byte, 20)))
	_, err := s.Read(-1, 1)
	assert.Error(t, err)
}

type mockFile struct {
	mock.Mock
	afero.File
}

func (m *mockFile) ReadAt(b []byte, off int64) (int, error) {
	args := m.Called(b, off)
	return args.Int(0), args.Error(1)
}

func (m *mockFile) WriteAt(b []byte, off int64) (int, error) {
	args := m.Called(b, off)
	return args.Int(0), args.Error(1)
}

func (m *mockFile) Close() error {
	return nil
}

func TestSegmentOffsets(t *testing.T) {
	s := newStorage(t, afero.NewMemMapFs(), multiFile).(*randomAccessStorage)
	files := map[string]*mockFile{}
	s.openFile = func(name string, flag int, perm os.FileMode) (afero.File, error) {
		if files[name] == nil {
			files[name] = &mockFile{}
		}
		return files[name], nil
	}
	s.openFile("/dl/root/sub1/name1", 0, 0)
	s.openFile("/dl/root/sub1/sub2/name2", 0, 0)

	// read at offset 281, length 128 spans 19 bytes of name1 and 109 of name2
	files["/dl/root/sub1/name1"].On("ReadAt", mock.MatchedBy(func(buf []byte) bool {
		return len(buf) == 19
	}), int64(281)).Return(19, nil)
	files["/dl/root/sub1/sub2/name2"].On("ReadAt", mock.MatchedBy(func(buf []byte) bool {
		return len(buf) == 109
	}), int64(0)).Return(109, nil)

	data, err := s.Read(281, 128)
	require.NoError(t, err)
	assert.Len(t, data, 128)
	files["/dl/root/sub1/name1"].AssertExpectations(t)
	files["/dl/root/sub1/sub2/name2"].AssertExpectations(t)

	diskErr := errors.New("disk failure")
	files["/dl/root/sub1/name1"].On("WriteAt", mock.Anything, int64(0)).Return(0, diskErr)
	assert.Equal(t, diskErr, s.Write(0, make([]byte, 10)))
}
