package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var (
	ErrSyntax = errors.New("bencode: syntax error")
)

// Value is one of Int, String, List or Dict.
type Value interface {
	isValue()
}

type Int int64

type String []byte

type List []Value

// Dict keys are raw byte strings held in Go strings.
type Dict map[string]Value

func (Int) isValue()    {}
func (String) isValue() {}
func (List) isValue()   {}
func (Dict) isValue()   {}

func (d Dict) Int(key string) (int64, bool) {
	v, ok := d[key].(Int)
	return int64(v), ok
}

func (d Dict) String(key string) (string, bool) {
	v, ok := d[key].(String)
	return string(v), ok
}

func (d Dict) Bytes(key string) ([]byte, bool) {
	v, ok := d[key].(String)
	return []byte(v), ok
}

func (d Dict) List(key string) (List, bool) {
	v, ok := d[key].(List)
	return v, ok
}

func (d Dict) Dict(key string) (Dict, bool) {
	v, ok := d[key].(Dict)
	return v, ok
}

// Keys returns the dictionary keys in canonical order.
func (d Dict) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Encode returns the canonical encoding of v.
func Encode(v Value) ([]byte, error) {
	b := &bytes.Buffer{}
	if err := encodeValue(b, v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func encodeValue(b *bytes.Buffer, v Value) error {
	switch v := v.(type) {
	case Int:
		b.WriteByte('i')
		b.WriteString(strconv.FormatInt(int64(v), 10))
		b.WriteByte('e')
	case String:
		encodeString(b, v)
	case List:
		b.WriteByte('l')
		for _, item := range v {
			if err := encodeValue(b, item); err != nil {
				return err
			}
		}
		b.WriteByte('e')
	case Dict:
		b.WriteByte('d')
		for _, k := range v.Keys() {
			encodeString(b, []byte(k))
			if err := encodeValue(b, v[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		b.WriteByte('e')
	default:
		return fmt.Errorf("bencode: cannot encode %T", v)
	}
	return nil
}

func encodeString(b *bytes.Buffer, s []byte) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.Write(s)
}
