package storage

import (
	"errors"
	"os"

	"github.com/spf13/afero"
)

// ErrUnavailable is returned for reads of data that is not on disk, such as
// a missing or short file.
var ErrUnavailable = errors.New("storage: data unavailable")

type openFileFunc func(name string, flag int, perm os.FileMode) (afero.File, error)

// Storage maps the torrent's contiguous byte range onto its files.
type Storage interface {
	Read(offset int64, length int) ([]byte, error)
	Write(offset int64, data []byte) error
	Paths() []string
}
