package pipeline

import (
	"github.com/ajitpratap0/duckbridge/pkg/config"
	"github.com/ajitpratap0/duckbridge/pkg/hashindex"
	"github.com/ajitpratap0/duckbridge/pkg/models"
)

// Outcome is the result of Dedup.Upsert.
type Outcome int

const (
	// Inserted means the fingerprint was new in the current epoch.
	Inserted Outcome = iota
	// UpdatedMerged means the fingerprint was known and its state changed.
	UpdatedMerged
	// Unchanged means the record repeats the known state and is suppressed.
	Unchanged
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case UpdatedMerged:
		return "updated"
	case Unchanged:
		return "unchanged"
	}
	return "unknown"
}

// Dedup is the reader's fingerprint index. It is confined to the reader
// goroutine and must not be shared.
//
// In last-write mode it remembers the content hash of the latest record
// per fingerprint and suppresses exact repeats. In merge mode it keeps an
// accumulator record per fingerprint and folds every repeat into it with
// the merge function; the emitted record is a copy of the accumulator.
type Dedup struct {
	mode       config.DedupMode
	fn         config.MergeFunction
	identity   map[string]struct{}
	maxEntries int
	epochs     int

	hashes *hashindex.Map[models.Fingerprint]
	accs   *hashindex.Map[*models.Record]
}

// NewDedup creates an index. identity lists the fields that make up the
// fingerprint; they are never merged. maxEntries > 0 starts a new epoch
// when the index reaches that size (last-write only).
func NewDedup(mode config.DedupMode, fn config.MergeFunction, identity []string, maxEntries, hint int) *Dedup {
	d := &Dedup{
		mode:       mode,
		fn:         fn,
		identity:   make(map[string]struct{}, len(identity)),
		maxEntries: maxEntries,
	}
	for _, name := range identity {
		d.identity[name] = struct{}{}
	}
	if mode == config.DedupMerge {
		d.accs = hashindex.New[*models.Record](hint)
	} else {
		d.hashes = hashindex.New[models.Fingerprint](hint)
	}
	return d
}

// Upsert folds rec into the index and returns the record to emit, or nil
// with Unchanged. rec must carry its fingerprint.
func (d *Dedup) Upsert(rec *models.Record) (*models.Record, Outcome) {
	if d.mode == config.DedupMerge {
		return d.merge(rec)
	}

	content := models.ContentHash(rec)
	if prev, ok := d.hashes.Get(rec.Fingerprint); ok {
		if *prev == content {
			return nil, Unchanged
		}
		*prev = content
		return rec, UpdatedMerged
	}
	if d.maxEntries > 0 && d.hashes.Len() >= d.maxEntries {
		d.Reset()
	}
	d.hashes.Put(rec.Fingerprint, content)
	return rec, Inserted
}

func (d *Dedup) merge(rec *models.Record) (*models.Record, Outcome) {
	slot, ok := d.accs.Get(rec.Fingerprint)
	if !ok {
		acc := rec.Clone()
		d.accs.Put(rec.Fingerprint, acc)
		return acc.Clone(), Inserted
	}

	acc := *slot
	changed := false
	for _, f := range rec.Fields {
		if _, isKey := d.identity[f.Name]; isKey {
			continue
		}
		cur, present := acc.Get(f.Name)
		if !present {
			acc.Set(f.Name, f.Value)
			changed = true
			continue
		}
		next := Combine(d.fn, cur, f.Value)
		if !next.Equal(cur) {
			acc.Set(f.Name, next)
			changed = true
		}
	}
	if !changed {
		return nil, Unchanged
	}
	return acc.Clone(), UpdatedMerged
}

// Len returns the number of fingerprints in the current epoch.
func (d *Dedup) Len() int {
	if d.accs != nil {
		return d.accs.Len()
	}
	return d.hashes.Len()
}

// AvgProbe returns the mean probe length of the current epoch.
func (d *Dedup) AvgProbe() float64 {
	if d.accs != nil {
		return d.accs.AvgProbe()
	}
	return d.hashes.AvgProbe()
}

// Epochs returns how many times the index was reset.
func (d *Dedup) Epochs() int {
	return d.epochs
}

// Reset starts a new epoch with an empty index.
func (d *Dedup) Reset() {
	d.epochs++
	if d.accs != nil {
		d.accs.Reset()
		return
	}
	d.hashes.Reset()
}

// Combine merges two values of one field. Null is the identity. Numbers
// are summed, or reduced with min or max; other values reduce to the
// larger (min: smaller) one in models.Compare order. Every branch is
// associative and commutative.
func Combine(fn config.MergeFunction, a, b models.Value) models.Value {
	switch {
	case a.IsNull():
		return b
	case b.IsNull():
		return a
	}

	if a.IsNumeric() && b.IsNumeric() {
		switch fn {
		case config.MergeSum:
			if a.Kind() == models.KindInt && b.Kind() == models.KindInt {
				return models.Int(a.AsInt() + b.AsInt())
			}
			return models.Float(a.AsFloat() + b.AsFloat())
		case config.MergeMin:
			if compareNumeric(b, a) < 0 {
				return b
			}
			return a
		default:
			if compareNumeric(b, a) > 0 {
				return b
			}
			return a
		}
	}

	c := models.Compare(b, a)
	if fn == config.MergeMin {
		if c < 0 {
			return b
		}
		return a
	}
	if c > 0 {
		return b
	}
	return a
}

func compareNumeric(a, b models.Value) int {
	if a.Kind() == models.KindInt && b.Kind() == models.KindInt {
		switch {
		case a.AsInt() < b.AsInt():
			return -1
		case a.AsInt() > b.AsInt():
			return 1
		}
		return 0
	}
	x, y := a.AsFloat(), b.AsFloat()
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}
