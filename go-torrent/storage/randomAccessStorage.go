package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Charana123/bitswarm/go-torrent/torrent"
	"github.com/spf13/afero"
)

type randomAccessStorage struct {
	fs        afero.Fs
	openFile  openFileFunc
	files     []torrent.File
	paths     []string
	length    int64
	fileLocks []sync.RWMutex

	emptyMu      sync.Mutex
	emptyCreated bool
}

type segment struct {
	file   int
	offset int64
	length int
}

// NewRandomAccessStorage lays out tor under dir: dir/name for a single file
// torrent and dir/name/path... for each file of a multi-file torrent. Files
// are opened per operation and created on first write. Paths that resolve
// outside dir/name are refused.
func NewRandomAccessStorage(fs afero.Fs, dir string, tor *torrent.Torrent) (Storage, error) {
	d := &randomAccessStorage{
		fs:        fs,
		openFile:  fs.OpenFile,
		files:     tor.Files,
		length:    tor.Length,
		fileLocks: make([]sync.RWMutex, len(tor.Files)),
	}
	base := filepath.Clean(filepath.Join(dir, tor.Name))
	if parent := filepath.Clean(dir); tor.Name == "" || filepath.Dir(base) != parent {
		return nil, fmt.Errorf("storage: torrent name %q escapes %s", tor.Name, dir)
	}
	for _, file := range tor.Files {
		path := base
		if tor.MultiFile {
			path = filepath.Join(append([]string{base}, file.Path...)...)
			if !strings.HasPrefix(path, base+string(filepath.Separator)) {
				return nil, fmt.Errorf("storage: file %s escapes %s", file, base)
			}
		}
		d.paths = append(d.paths, path)
	}
	return d, nil
}

func (d *randomAccessStorage) Paths() []string {
	return d.paths
}

func (d *randomAccessStorage) segments(offset int64, length int) ([]segment, error) {
	end := offset + int64(length)
	if offset < 0 || length < 0 || end > d.length {
		return nil, fmt.Errorf("storage: range [%d, %d) outside [0, %d)", offset, end, d.length)
	}
	segs := []segment{}
	for i, f := range d.files {
		start := offset
		if f.Offset > start {
			start = f.Offset
		}
		stop := end
		if f.Offset+f.Length < stop {
			stop = f.Offset + f.Length
		}
		if start < stop {
			segs = append(segs, segment{file: i, offset: start - f.Offset, length: int(stop - start)})
		}
	}
	return segs, nil
}

func (d *randomAccessStorage) Read(offset int64, length int) ([]byte, error) {
	segs, err := d.segments(offset, length)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, length)
	for _, seg := range segs {
		buf, err := d.readSegment(seg)
		if err != nil {
			return nil, err
		}
		data = append(data, buf...)
	}
	return data, nil
}

func (d *randomAccessStorage) readSegment(seg segment) ([]byte, error) {
	d.fileLocks[seg.file].RLock()
	defer d.fileLocks[seg.file].RUnlock()

	file, err := d.openFile(d.paths[seg.file], os.O_RDONLY, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	buf := make([]byte, seg.length)
	n, err := file.ReadAt(buf, seg.offset)
	if n < seg.length {
		if err == nil || err == io.EOF {
			return nil, ErrUnavailable
		}
		return nil, err
	}
	return buf, nil
}

func (d *randomAccessStorage) Write(offset int64, data []byte) error {
	segs, err := d.segments(offset, len(data))
	if err != nil {
		return err
	}
	if err := d.createEmptyFiles(); err != nil {
		return err
	}
	for _, seg := range segs {
		if err := d.writeSegment(seg, data[:seg.length]); err != nil {
			return err
		}
		data = data[seg.length:]
	}
	return nil
}

func (d *randomAccessStorage) writeSegment(seg segment, data []byte) error {
	d.fileLocks[seg.file].Lock()
	defer d.fileLocks[seg.file].Unlock()

	path := d.paths[seg.file]
	if err := d.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	file, err := d.openFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	_, err = file.WriteAt(data, seg.offset)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	return err
}

// createEmptyFiles creates the zero-length files of the torrent, which no
// block ever touches.
func (d *randomAccessStorage) createEmptyFiles() error {
	d.emptyMu.Lock()
	defer d.emptyMu.Unlock()
	if d.emptyCreated {
		return nil
	}
	for i, f := range d.files {
		if f.Length != 0 {
			continue
		}
		if err := d.fs.MkdirAll(filepath.Dir(d.paths[i]), 0755); err != nil {
			return err
		}
		file, err := d.openFile(d.paths[i], os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return err
		}
		file.Close()
	}
	d.emptyCreated = true
	return nil
}
