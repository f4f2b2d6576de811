package bencode

import (
	"fmt"
	"strconv"
)

// MAX_DEPTH bounds the nesting of lists and dictionaries.
const MAX_DEPTH = 512

type decoder struct {
	data []byte
	pos  int
	// spans of the top-level dictionary's values, recorded when non-nil
	spans map[string][2]int
}

// Decode parses exactly one value from data. Dictionaries whose keys are not
// in strictly ascending byte order are rejected, so a decoded value always
// re-encodes to the bytes it came from.
func Decode(data []byte) (Value, error) {
	d := &decoder{data: data}
	return d.decodeAll()
}

// RawField returns the exact bytes of the value stored under key in the
// top-level dictionary of data.
func RawField(data []byte, key string) ([]byte, error) {
	d := &decoder{data: data, spans: make(map[string][2]int)}
	v, err := d.decodeAll()
	if err != nil {
		return nil, err
	}
	if _, ok := v.(Dict); !ok {
		return nil, fmt.Errorf("%w: top-level value is not a dictionary", ErrSyntax)
	}
	span, ok := d.spans[key]
	if !ok {
		return nil, fmt.Errorf("bencode: key %q not found", key)
	}
	return data[span[0]:span[1]], nil
}

func (d *decoder) decodeAll() (Value, error) {
	v, err := d.decodeValue(0)
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.data) {
		return nil, d.errorf("%d trailing bytes", len(d.data)-d.pos)
	}
	return v, nil
}

func (d *decoder) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, d.pos, fmt.Sprintf(format, args...))
}

func (d *decoder) peek() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, d.errorf("unexpected end of input")
	}
	return d.data[d.pos], nil
}

func (d *decoder) decodeValue(depth int) (Value, error) {
	c, err := d.peek()
	if err != nil {
		return nil, err
	}
	if depth >= MAX_DEPTH && (c == 'd' || c == 'l') {
		return nil, d.errorf("nesting deeper than %d", MAX_DEPTH)
	}
	switch {
	case c == 'd':
		return d.decodeDict(depth)
	case c == 'l':
		return d.decodeList(depth)
	case c == 'i':
		return d.decodeInt()
	case c >= '0' && c <= '9':
		return d.decodeString()
	default:
		return nil, d.errorf("unexpected byte %q", c)
	}
}

func (d *decoder) decodeInt() (Value, error) {
	d.pos++ // 'i'
	end := d.indexFrom('e')
	if end < 0 {
		return nil, d.errorf("unterminated integer")
	}
	digits := d.data[d.pos:end]
	if !canonicalInt(digits) {
		return nil, d.errorf("malformed integer %q", digits)
	}
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return nil, d.errorf("integer %q: %v", digits, err)
	}
	d.pos = end + 1
	return Int(n), nil
}

func (d *decoder) decodeString() (Value, error) {
	colon := d.indexFrom(':')
	if colon < 0 {
		return nil, d.errorf("unterminated string length")
	}
	digits := d.data[d.pos:colon]
	if len(digits) == 0 || digits[0] == '-' || !canonicalInt(digits) {
		return nil, d.errorf("malformed string length %q", digits)
	}
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return nil, d.errorf("string length %q: %v", digits, err)
	}
	start := colon + 1
	if n > int64(len(d.data)-start) {
		return nil, d.errorf("string length %d exceeds remaining %d bytes", n, len(d.data)-start)
	}
	d.pos = start + int(n)
	s := make([]byte, n)
	copy(s, d.data[start:d.pos])
	return String(s), nil
}

func (d *decoder) decodeList(depth int) (Value, error) {
	d.pos++ // 'l'
	list := List{}
	for {
		c, err := d.peek()
		if err != nil {
			return nil, d.errorf("unterminated list")
		}
		if c == 'e' {
			d.pos++
			return list, nil
		}
		v, err := d.decodeValue(depth + 1)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
}

func (d *decoder) decodeDict(depth int) (Value, error) {
	d.pos++ // 'd'
	dict := Dict{}
	var prev string
	first := true
	for {
		c, err := d.peek()
		if err != nil {
			return nil, d.errorf("unterminated dictionary")
		}
		if c == 'e' {
			d.pos++
			return dict, nil
		}
		if c < '0' || c > '9' {
			return nil, d.errorf("dictionary key is not a string")
		}
		k, err := d.decodeString()
		if err != nil {
			return nil, err
		}
		key := string(k.(String))
		if !first && key <= prev {
			if key == prev {
				return nil, d.errorf("duplicate dictionary key %q", key)
			}
			return nil, d.errorf("dictionary key %q out of order after %q", key, prev)
		}
		start := d.pos
		v, err := d.decodeValue(depth + 1)
		if err != nil {
			return nil, err
		}
		if depth == 0 && d.spans != nil {
			d.spans[key] = [2]int{start, d.pos}
		}
		dict[key] = v
		prev, first = key, false
	}
}

func (d *decoder) indexFrom(c byte) int {
	for i := d.pos; i < len(d.data); i++ {
		if d.data[i] == c {
			return i
		}
	}
	return -1
}

// canonicalInt accepts an optional '-' followed by digits with no leading
// zeros, and rejects "-0".
func canonicalInt(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	neg := b[0] == '-'
	if neg {
		b = b[1:]
	}
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	if b[0] == '0' {
		return len(b) == 1 && !neg
	}
	return true
}
