package torrent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const DEFAULT_PIECE_LENGTH = 32768

type CreateOptions struct {
	Trackers    []string
	PieceLength int64
	Comment     string
	Private     *bool
}

// Create builds a torrent for the file or directory at root. Directory
// entries whose path relative to root starts with "." are skipped.
func Create(fs afero.Fs, root string, opts CreateOptions) (*Torrent, error) {
	if opts.PieceLength <= 0 {
		opts.PieceLength = DEFAULT_PIECE_LENGTH
	}
	fi, err := fs.Stat(root)
	if err != nil {
		return nil, err
	}

	tor := &Torrent{
		Name:         fi.Name(),
		PieceLength:  opts.PieceLength,
		Private:      opts.Private,
		Announce:     opts.Trackers,
		Comment:      opts.Comment,
		CreatedBy:    "bitswarm",
		CreationDate: time.Now().Truncate(time.Second),
		Encoding:     "UTF-8",
	}

	paths := []string{}
	if !fi.IsDir() {
		tor.Files = []File{{Path: []string{fi.Name()}, Length: fi.Size()}}
		tor.Length = fi.Size()
		paths = append(paths, root)
	} else {
		tor.MultiFile = true
		err = afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if p == root {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			if strings.HasPrefix(rel, ".") {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			tor.Files = append(tor.Files, File{
				Path:   strings.Split(filepath.ToSlash(rel), "/"),
				Length: info.Size(),
				Offset: tor.Length,
			})
			tor.Length += info.Size()
			paths = append(paths, p)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(tor.Files) == 0 {
			return nil, fmt.Errorf("%s: no files to add", root)
		}
	}

	tor.Pieces, err = hashPieces(fs, paths, tor.PieceLength)
	if err != nil {
		return nil, err
	}
	data, err := tor.Marshal()
	if err != nil {
		return nil, err
	}
	// Reload so the infohash and the retained info dictionary come from the
	// encoded bytes.
	return Load(data)
}
