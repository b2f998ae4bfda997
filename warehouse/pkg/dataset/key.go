package dataset

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// NaturalKey is the projection of a row onto its key columns.
type NaturalKey struct {
	Values []any
}

// KeyEncoding is the comparable form of a NaturalKey.
type KeyEncoding string

func NewNaturalKey(values ...any) *NaturalKey {
	return &NaturalKey{
		Values: values,
	}
}

// Encode converts a natural key to a deterministic string usable as a map key.
// Uses a length-delimited encoding to avoid collisions from fmt.Sprintf("%v") and "|" separator.
// Format: typeTag + ":" + length + ":" + payload for each value.
// Values must already be normalized to their column type; int32(1) and
// int64(1) encode differently.
func (p *NaturalKey) Encode() KeyEncoding {
	var buf strings.Builder
	for _, val := range p.Values {
		if val == nil {
			buf.WriteString("nil:0:")
			continue
		}

		var tag string
		var payload []byte
		switch v := val.(type) {
		case string:
			tag = "string"
			payload = []byte(v)
		case int32:
			tag = "int32"
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], uint32(v))
			payload = b[:]
		case int64:
			tag = "int64"
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(v))
			payload = b[:]
		case float32:
			tag = "float32"
			if v == 0 {
				v = 0 // fold -0
			}
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], math.Float32bits(v))
			payload = b[:]
		case float64:
			tag = "float64"
			if v == 0 {
				v = 0
			}
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
			payload = b[:]
		case time.Time:
			tag = "timestamp"
			payload = []byte(v.UTC().Format(time.RFC3339Nano))
		default:
			tag = fmt.Sprintf("%T", v)
			payload = []byte(fmt.Sprintf("%v", v))
		}

		buf.WriteString(tag)
		buf.WriteString(":")
		buf.WriteString(strconv.Itoa(len(payload)))
		buf.WriteString(":")
		buf.Write(payload)
	}
	return KeyEncoding(buf.String())
}

// KeyOf encodes the key of row at the given column positions.
func KeyOf(row []any, idx []int) KeyEncoding {
	values := make([]any, len(idx))
	for i, j := range idx {
		values[i] = row[j]
	}
	return NewNaturalKey(values...).Encode()
}

// KeySet is a set of key tuples over a fixed list of key columns.
type KeySet struct {
	columns []string
	keys    map[KeyEncoding]struct{}
}

func NewKeySet(columns []string) *KeySet {
	return &KeySet{
		columns: append([]string(nil), columns...),
		keys:    make(map[KeyEncoding]struct{}),
	}
}

// KeySetFromBatch collects the distinct key tuples of b over columns.
func KeySetFromBatch(b *Batch, columns []string) (*KeySet, error) {
	idx, err := b.Schema.Indexes(columns)
	if err != nil {
		return nil, err
	}
	ks := NewKeySet(columns)
	for _, row := range b.Rows {
		ks.keys[KeyOf(row, idx)] = struct{}{}
	}
	return ks, nil
}

// Add inserts a tuple whose values are ordered like Columns.
func (k *KeySet) Add(values ...any) error {
	if len(values) != len(k.columns) {
		return fmt.Errorf("key tuple has %d values, expected %d", len(values), len(k.columns))
	}
	k.keys[NewNaturalKey(values...).Encode()] = struct{}{}
	return nil
}

func (k *KeySet) Columns() []string {
	return append([]string(nil), k.columns...)
}

func (k *KeySet) Len() int {
	return len(k.keys)
}

func (k *KeySet) Contains(key KeyEncoding) bool {
	_, ok := k.keys[key]
	return ok
}
