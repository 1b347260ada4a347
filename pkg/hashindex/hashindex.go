// Package hashindex provides an open addressing hash map keyed by record
// fingerprints.
//
// The map uses linear probing over a power-of-two table and grows when the
// load factor would exceed 7/8. Entries are never removed individually;
// Reset drops every entry at once to start a new epoch. The map is not safe
// for concurrent use; the reader goroutine owns it.
package hashindex

import (
	"github.com/ajitpratap0/duckbridge/pkg/models"
)

const (
	minCapacity = 16
	// grow when len > cap * loadNum / loadDen
	loadNum = 7
	loadDen = 8
)

type slot[V any] struct {
	key   models.Fingerprint
	value V
	used  bool
}

// Map maps fingerprints to values of type V.
type Map[V any] struct {
	slots []slot[V]
	mask  uint64
	size  int
	limit int

	probes  uint64
	lookups uint64
}

// New creates a map sized to hold hint entries without growing.
func New[V any](hint int) *Map[V] {
	m := &Map[V]{}
	m.alloc(capacityFor(hint))
	return m
}

func capacityFor(n int) int {
	c := minCapacity
	for c*loadNum/loadDen < n {
		c <<= 1
	}
	return c
}

func (m *Map[V]) alloc(capacity int) {
	m.slots = make([]slot[V], capacity)
	m.mask = uint64(capacity - 1)
	m.limit = capacity * loadNum / loadDen
	m.size = 0
}

// find returns the slot index holding key, or the empty slot where it
// would be inserted.
func (m *Map[V]) find(key models.Fingerprint) (int, bool) {
	m.lookups++
	i := mix(key) & m.mask
	for {
		m.probes++
		s := &m.slots[i]
		if !s.used {
			return int(i), false
		}
		if s.key == key {
			return int(i), true
		}
		i = (i + 1) & m.mask
	}
}

// mix folds both halves so keys that differ only in Hi still spread.
func mix(k models.Fingerprint) uint64 {
	return k.Lo ^ (k.Hi * 0x9E3779B97F4A7C15)
}

// Get returns a pointer to the value stored for key. The pointer is valid
// until the next Put or Reset.
func (m *Map[V]) Get(key models.Fingerprint) (*V, bool) {
	i, ok := m.find(key)
	if !ok {
		return nil, false
	}
	return &m.slots[i].value, true
}

// Put stores value for key and reports whether the key was new.
func (m *Map[V]) Put(key models.Fingerprint, value V) bool {
	i, ok := m.find(key)
	if ok {
		m.slots[i].value = value
		return false
	}
	if m.size+1 > m.limit {
		m.grow()
		i, _ = m.find(key)
	}
	m.slots[i] = slot[V]{key: key, value: value, used: true}
	m.size++
	return true
}

func (m *Map[V]) grow() {
	old := m.slots
	m.alloc(len(old) * 2)
	for _, s := range old {
		if !s.used {
			continue
		}
		i := mix(s.key) & m.mask
		for m.slots[i].used {
			i = (i + 1) & m.mask
		}
		m.slots[i] = s
		m.size++
	}
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	return m.size
}

// Capacity returns the number of slots in the table.
func (m *Map[V]) Capacity() int {
	return len(m.slots)
}

// LoadFactor returns Len / Capacity.
func (m *Map[V]) LoadFactor() float64 {
	return float64(m.size) / float64(len(m.slots))
}

// AvgProbe returns the mean number of slots visited per lookup.
func (m *Map[V]) AvgProbe() float64 {
	if m.lookups == 0 {
		return 0
	}
	return float64(m.probes) / float64(m.lookups)
}

// Reset removes every entry, keeping the current table size.
func (m *Map[V]) Reset() {
	clear(m.slots)
	m.size = 0
	m.probes, m.lookups = 0, 0
}

// Range calls fn for every entry in table order until fn returns false.
func (m *Map[V]) Range(fn func(key models.Fingerprint, value *V) bool) {
	for i := range m.slots {
		if m.slots[i].used && !fn(m.slots[i].key, &m.slots[i].value) {
			return
		}
	}
}
