package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/duckbridge/pkg/config"
	"github.com/ajitpratap0/duckbridge/pkg/models"
)

func keyed(id int64, kv ...interface{}) *models.Record {
	r := models.NewRecord(1 + len(kv)/2)
	r.Set("id", models.Int(id))
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(kv[i].(string), models.ToValue(kv[i+1]))
	}
	r.Fingerprint = models.IdentityFingerprint(r, []string{"id"})
	return r
}

func field(t *testing.T, r *models.Record, name string) models.Value {
	t.Helper()
	v, ok := r.Get(name)
	require.True(t, ok, "field %s", name)
	return v
}

func TestDedupLastWrite(t *testing.T) {
	d := NewDedup(config.DedupLastWrite, config.MergeSum, []string{"id"}, 0, 8)

	out, outcome := d.Upsert(keyed(1, "name", "a"))
	assert.Equal(t, Inserted, outcome)
	assert.Equal(t, "a", field(t, out, "name").AsString())

	_, outcome = d.Upsert(keyed(1, "name", "a"))
	assert.Equal(t, Unchanged, outcome)

	out, outcome = d.Upsert(keyed(1, "name", "b"))
	assert.Equal(t, UpdatedMerged, outcome)
	assert.Equal(t, "b", field(t, out, "name").AsString())

	_, outcome = d.Upsert(keyed(1, "name", "b"))
	assert.Equal(t, Unchanged, outcome)
	_, outcome = d.Upsert(keyed(1, "name", "a"))
	assert.Equal(t, UpdatedMerged, outcome)
	assert.Equal(t, 1, d.Len())
	assert.GreaterOrEqual(t, d.AvgProbe(), 1.0)

	d.Reset()
	assert.Zero(t, d.AvgProbe())
}

func TestDedupMergeFunctions(t *testing.T) {
	tests := []struct {
		fn   config.MergeFunction
		want models.Value
	}{
		{config.MergeSum, models.Int(6)},
		{config.MergeMin, models.Int(1)},
		{config.MergeMax, models.Int(3)},
	}
	for _, tt := range tests {
		t.Run(string(tt.fn), func(t *testing.T) {
			d := NewDedup(config.DedupMerge, tt.fn, []string{"id"}, 0, 8)
			var last *models.Record
			for _, n := range []int64{2, 1, 3} {
				out, _ := d.Upsert(keyed(7, "count", n))
				if out != nil {
					last = out
				}
			}
			require.NotNil(t, last)
			assert.True(t, tt.want.Equal(field(t, last, "count")), "got %s", field(t, last, "count"))
			assert.Equal(t, int64(7), field(t, last, "id").AsInt())
		})
	}
}

func TestDedupMergeSuppressesNoOps(t *testing.T) {
	d := NewDedup(config.DedupMerge, config.MergeMax, []string{"id"}, 0, 8)
	_, outcome := d.Upsert(keyed(1, "v", 5))
	require.Equal(t, Inserted, outcome)
	_, outcome = d.Upsert(keyed(1, "v", 3))
	assert.Equal(t, Unchanged, outcome)
	_, outcome = d.Upsert(keyed(1, "v", nil))
	assert.Equal(t, Unchanged, outcome)
}

func TestDedupMergeEmitsCopies(t *testing.T) {
	d := NewDedup(config.DedupMerge, config.MergeSum, []string{"id"}, 0, 8)
	first, _ := d.Upsert(keyed(1, "count", 1))
	second, _ := d.Upsert(keyed(1, "count", 1))

	assert.Equal(t, int64(1), field(t, first, "count").AsInt(), "emitted record must not change afterwards")
	assert.Equal(t, int64(2), field(t, second, "count").AsInt())
}

func TestDedupMergeIsOrderIndependent(t *testing.T) {
	values := []interface{}{int64(4), 2.5, nil, int64(-1), 10.0}
	perms := [][]int{{0, 1, 2, 3, 4}, {4, 3, 2, 1, 0}, {2, 0, 4, 1, 3}}

	for _, fn := range []config.MergeFunction{config.MergeSum, config.MergeMin, config.MergeMax} {
		var results []models.Value
		for _, perm := range perms {
			d := NewDedup(config.DedupMerge, fn, []string{"id"}, 0, 8)
			var last *models.Record
			for _, i := range perm {
				if out, _ := d.Upsert(keyed(1, "x", values[i])); out != nil {
					last = out
				}
			}
			results = append(results, field(t, last, "x"))
		}
		for _, r := range results[1:] {
			assert.Equal(t, results[0].AsFloat(), r.AsFloat(), "merge %s depends on order", fn)
		}
	}
}

func TestCombineNonNumeric(t *testing.T) {
	a, b := models.String("apple"), models.String("banana")
	assert.Equal(t, "banana", Combine(config.MergeSum, a, b).AsString())
	assert.Equal(t, "banana", Combine(config.MergeMax, b, a).AsString())
	assert.Equal(t, "apple", Combine(config.MergeMin, b, a).AsString())
	assert.Equal(t, "apple", Combine(config.MergeSum, models.Null(), a).AsString())
	assert.Equal(t, 3.5, Combine(config.MergeSum, models.Int(1), models.Float(2.5)).AsFloat())
}

func TestDedupEpochReset(t *testing.T) {
	d := NewDedup(config.DedupLastWrite, config.MergeSum, []string{"id"}, 2, 8)
	d.Upsert(keyed(1))
	d.Upsert(keyed(2))
	assert.Equal(t, 2, d.Len())

	_, outcome := d.Upsert(keyed(3))
	assert.Equal(t, Inserted, outcome)
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, 1, d.Epochs())

	// forgotten in the new epoch
	_, outcome = d.Upsert(keyed(1))
	assert.Equal(t, Inserted, outcome)
}
