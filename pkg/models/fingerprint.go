package models

import (
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/zeebo/xxh3"
)

// Fingerprint is a 128-bit xxh3 hash of a record's identity.
type Fingerprint struct {
	Hi, Lo uint64
}

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool {
	return f.Hi == 0 && f.Lo == 0
}

// String returns the fingerprint as 32 hex digits.
func (f Fingerprint) String() string {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], f.Hi)
	binary.BigEndian.PutUint64(b[8:], f.Lo)
	return hex.EncodeToString(b[:])
}

// IdentityFingerprint hashes the named identity fields in the given order.
// A missing identity field hashes as null. With no names the fingerprint
// falls back to ContentHash.
func IdentityFingerprint(r *Record, names []string) Fingerprint {
	if len(names) == 0 {
		return ContentHash(r)
	}
	buf := make([]byte, 0, 64)
	for _, name := range names {
		v, _ := r.Get(name)
		buf = appendField(buf, name, v)
	}
	return sum(buf)
}

// ContentHash hashes every field of the record. Fields are visited in name
// order, so two documents with the same content in a different field order
// hash equally.
func ContentHash(r *Record) Fingerprint {
	idx := make([]int, len(r.Fields))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return r.Fields[idx[a]].Name < r.Fields[idx[b]].Name
	})

	buf := make([]byte, 0, 32*len(r.Fields)+8)
	for _, i := range idx {
		buf = appendField(buf, r.Fields[i].Name, r.Fields[i].Value)
	}
	return sum(buf)
}

func appendField(buf []byte, name string, v Value) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(name)))
	buf = append(buf, name...)
	return v.appendCanonical(buf)
}

func sum(buf []byte) Fingerprint {
	h := xxh3.Hash128(buf)
	return Fingerprint{Hi: h.Hi, Lo: h.Lo}
}
