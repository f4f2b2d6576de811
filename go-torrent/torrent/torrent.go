package torrent

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"io"
	"log"
	"path"
	"strings"
	"time"

	"github.com/Charana123/bitswarm/go-torrent/bencode"
	"github.com/samber/lo"
	"github.com/spf13/afero"
)

const (
	BLOCK_SIZE = 16384 // 2^14
	HASH_SIZE  = 20
)

var (
	PEER_ID [20]byte
)

func init() {
	copy(PEER_ID[:8], []byte("-BS0001-"))
	_, err := rand.Read(PEER_ID[8:])
	if err != nil {
		log.Fatalln(err)
	}
}

type Torrent struct {
	Name         string
	Files        []File
	MultiFile    bool
	Length       int64
	PieceLength  int64
	Pieces       [][HASH_SIZE]byte
	InfoHash     [HASH_SIZE]byte
	Private      *bool
	Announce     []string
	Comment      string
	CreatedBy    string
	CreationDate time.Time
	Encoding     string

	// info dictionary as read, re-emitted verbatim by Marshal
	info bencode.Dict
}

type File struct {
	Path   []string
	Length int64
	Offset int64
}

func (f File) String() string {
	return path.Join(f.Path...)
}

type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid torrent: %s", e.Reason)
	}
	return fmt.Sprintf("invalid torrent: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func LoadFile(fs afero.Fs, filename string) (*Torrent, error) {
	data, err := afero.ReadFile(fs, filename)
	if err != nil {
		return nil, err
	}
	return Load(data)
}

// Load parses a .torrent byte stream. The infohash is the SHA-1 of the info
// dictionary's bytes exactly as they appear in data.
func Load(data []byte) (*Torrent, error) {
	v, err := bencode.Decode(data)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error(), Err: err}
	}
	metaInfo, ok := v.(bencode.Dict)
	if !ok {
		return nil, invalid("", "not a dictionary")
	}
	info, ok := metaInfo.Dict("info")
	if !ok {
		return nil, invalid("info", "missing info dictionary")
	}
	rawInfo, err := bencode.RawField(data, "info")
	if err != nil {
		return nil, &ValidationError{Field: "info", Reason: err.Error(), Err: err}
	}

	tor, err := fromInfo(info)
	if err != nil {
		return nil, err
	}
	tor.InfoHash = sha1.Sum(rawInfo)

	tor.Announce = announceURLs(metaInfo)
	tor.Comment, _ = metaInfo.String("comment")
	tor.CreatedBy, _ = metaInfo.String("created by")
	tor.Encoding, _ = metaInfo.String("encoding")
	if cd, ok := metaInfo.Int("creation date"); ok {
		tor.CreationDate = time.Unix(cd, 0)
	}
	return tor, nil
}

func fromInfo(info bencode.Dict) (*Torrent, error) {
	tor := &Torrent{info: info}

	name, ok := info.String("name")
	if !ok {
		return nil, invalid("name", "missing")
	}
	if !safeSegment(name) {
		return nil, invalid("name", "unsafe file name %q", name)
	}
	tor.Name = name

	if files, ok := info.List("files"); ok {
		// Multiple File Mode
		tor.MultiFile = true
		if len(files) == 0 {
			return nil, invalid("files", "empty file list")
		}
		for i, item := range files {
			fileDict, ok := item.(bencode.Dict)
			if !ok {
				return nil, invalid("files", "entry %d is not a dictionary", i)
			}
			length, ok := fileDict.Int("length")
			if !ok || length < 0 {
				return nil, invalid("files", "entry %d has no valid length", i)
			}
			segments, ok := fileDict.List("path")
			if !ok || len(segments) == 0 {
				return nil, invalid("files", "entry %d has no path", i)
			}
			file := File{Length: length, Offset: tor.Length}
			for _, seg := range segments {
				s, ok := seg.(bencode.String)
				if !ok {
					return nil, invalid("files", "entry %d has a non-string path segment", i)
				}
				if !safeSegment(string(s)) {
					return nil, invalid("files", "entry %d has unsafe path segment %q", i, s)
				}
				file.Path = append(file.Path, string(s))
			}
			tor.Files = append(tor.Files, file)
			tor.Length += length
		}
	} else if length, ok := info.Int("length"); ok {
		// Single File Mode
		if length < 0 {
			return nil, invalid("length", "negative")
		}
		tor.Files = []File{{Path: []string{name}, Length: length}}
		tor.Length = length
	} else {
		return nil, invalid("info", "neither length nor files present")
	}

	pieceLength, ok := info.Int("piece length")
	if !ok || pieceLength <= 0 {
		return nil, invalid("piece length", "missing or not positive")
	}
	tor.PieceLength = pieceLength

	pieces, ok := info.Bytes("pieces")
	if !ok {
		return nil, invalid("pieces", "missing")
	}
	if len(pieces)%HASH_SIZE != 0 {
		return nil, invalid("pieces", "length %d is not a multiple of %d", len(pieces), HASH_SIZE)
	}
	tor.Pieces = make([][HASH_SIZE]byte, len(pieces)/HASH_SIZE)
	for i := range tor.Pieces {
		copy(tor.Pieces[i][:], pieces[i*HASH_SIZE:])
	}
	if want := numPieces(tor.Length, tor.PieceLength); want != len(tor.Pieces) {
		return nil, invalid("pieces", "%d hashes for %d pieces", len(tor.Pieces), want)
	}

	if p, ok := info.Int("private"); ok {
		private := p == 1
		tor.Private = &private
	}
	return tor, nil
}

// safeSegment reports whether s can be used as one path element below the
// download directory.
func safeSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/\\\x00")
}

func announceURLs(metaInfo bencode.Dict) []string {
	urls := []string{}
	if s, ok := metaInfo.String("announce"); ok {
		urls = append(urls, s)
	} else if l, ok := metaInfo.List("announce"); ok {
		urls = append(urls, stringsOf(l)...)
	}
	if tiers, ok := metaInfo.List("announce-list"); ok {
		for _, tier := range tiers {
			if l, ok := tier.(bencode.List); ok {
				urls = append(urls, stringsOf(l)...)
			}
		}
	}
	return lo.Uniq(urls)
}

func stringsOf(l bencode.List) []string {
	out := []string{}
	for _, v := range l {
		if s, ok := v.(bencode.String); ok {
			out = append(out, string(s))
		}
	}
	return out
}

func (t *Torrent) infoDict() bencode.Dict {
	if t.info != nil {
		return t.info
	}
	pieces := make([]byte, 0, len(t.Pieces)*HASH_SIZE)
	for _, h := range t.Pieces {
		pieces = append(pieces, h[:]...)
	}
	info := bencode.Dict{
		"name":         bencode.String(t.Name),
		"piece length": bencode.Int(t.PieceLength),
		"pieces":       bencode.String(pieces),
	}
	if t.Private != nil {
		info["private"] = bencode.Int(lo.Ternary(*t.Private, 1, 0))
	}
	if !t.MultiFile {
		info["length"] = bencode.Int(t.Files[0].Length)
		return info
	}
	files := bencode.List{}
	for _, f := range t.Files {
		segments := bencode.List{}
		for _, seg := range f.Path {
			segments = append(segments, bencode.String(seg))
		}
		files = append(files, bencode.Dict{
			"length": bencode.Int(f.Length),
			"path":   segments,
		})
	}
	info["files"] = files
	return info
}

// Marshal encodes t as a .torrent file.
func (t *Torrent) Marshal() ([]byte, error) {
	metaInfo := bencode.Dict{"info": t.infoDict()}
	switch len(t.Announce) {
	case 0:
	case 1:
		metaInfo["announce"] = bencode.String(t.Announce[0])
	default:
		urls := bencode.List{}
		for _, u := range t.Announce {
			urls = append(urls, bencode.String(u))
		}
		metaInfo["announce"] = urls
	}
	if t.Comment != "" {
		metaInfo["comment"] = bencode.String(t.Comment)
	}
	if t.CreatedBy != "" {
		metaInfo["created by"] = bencode.String(t.CreatedBy)
	}
	if !t.CreationDate.IsZero() {
		metaInfo["creation date"] = bencode.Int(t.CreationDate.Unix())
	}
	if t.Encoding != "" {
		metaInfo["encoding"] = bencode.String(t.Encoding)
	}
	return bencode.Encode(metaInfo)
}

func (t *Torrent) WriteFile(fs afero.Fs, filename string) error {
	data, err := t.Marshal()
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, filename, data, 0644)
}

func (t *Torrent) String() string {
	return fmt.Sprintf("%s (%x, %d files, %d pieces of %d)", t.Name, t.InfoHash, len(t.Files), t.NumPieces(), t.PieceLength)
}

func hashPieces(fs afero.Fs, paths []string, pieceLength int64) ([][HASH_SIZE]byte, error) {
	pieces := [][HASH_SIZE]byte{}
	h := sha1.New()
	filled := int64(0)
	flush := func() {
		var sum [HASH_SIZE]byte
		copy(sum[:], h.Sum(nil))
		pieces = append(pieces, sum)
		h.Reset()
		filled = 0
	}
	for _, p := range paths {
		f, err := fs.Open(p)
		if err != nil {
			return nil, err
		}
		for {
			n, err := io.CopyN(h, f, pieceLength-filled)
			filled += n
			if filled == pieceLength {
				flush()
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				f.Close()
				return nil, err
			}
		}
		f.Close()
	}
	if filled > 0 {
		flush()
	}
	return pieces, nil
}
