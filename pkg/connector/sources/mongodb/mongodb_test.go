package mongodb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/duckbridge/pkg/config"
	"github.com/ajitpratap0/duckbridge/pkg/connector/core"
	"github.com/ajitpratap0/duckbridge/pkg/errors"
	"github.com/ajitpratap0/duckbridge/pkg/models"
)

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter(`{"deleted": {"$exists": false}, "channel": {"$nin": [1, 2]}}`)
	require.NoError(t, err)
	require.Len(t, f, 2)
	assert.Equal(t, "deleted", f[0].Key)

	empty, err := ParseFilter("  ")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ParseFilter(`{bad`)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestPositionRoundTripKeepsType(t *testing.T) {
	oid := primitive.NewObjectID()
	_, raw, err := bson.MarshalValue(oid)
	require.NoError(t, err)

	pos, err := EncodePosition(bson.RawValue{Type: bson.TypeObjectID, Value: raw})
	require.NoError(t, err)

	back, err := DecodePosition(pos)
	require.NoError(t, err)
	assert.Equal(t, bson.TypeObjectID, back.Type)
	assert.Equal(t, oid, back.ObjectID())
}

func TestFindFilter(t *testing.T) {
	user := bson.D{{Key: "deleted", Value: bson.D{{Key: "$exists", Value: false}}}}

	f, err := FindFilter(user, "_id", nil)
	require.NoError(t, err)
	assert.Equal(t, user, f)

	_, raw, err := bson.MarshalValue(int64(42))
	require.NoError(t, err)
	pos, err := EncodePosition(bson.RawValue{Type: bson.TypeInt64, Value: raw})
	require.NoError(t, err)

	f, err = FindFilter(user, "_id", pos)
	require.NoError(t, err)
	require.Len(t, f, 1)
	assert.Equal(t, "$and", f[0].Key)
	clauses := f[0].Value.(bson.A)
	require.Len(t, clauses, 2)
	after := clauses[1].(bson.D)
	assert.Equal(t, "_id", after[0].Key)
	gt := after[0].Value.(bson.D)[0]
	assert.Equal(t, "$gt", gt.Key)
	assert.Equal(t, int64(42), gt.Value.(bson.RawValue).Int64())

	f, err = FindFilter(nil, "_id", pos)
	require.NoError(t, err)
	assert.Equal(t, "_id", f[0].Key)

	_, err = FindFilter(user, "_id", []byte{1, 2})
	assert.Error(t, err)
}

func TestWatchPipelinePrefixesFields(t *testing.T) {
	user := bson.D{
		{Key: "channel", Value: 3},
		{Key: "$or", Value: bson.A{bson.D{{Key: "a", Value: 1}}, bson.D{{Key: "b", Value: 2}}}},
	}
	p := WatchPipeline(user)
	require.Len(t, p, 1)
	match := p[0][0].Value.(bson.D)
	require.Len(t, match, 3)
	assert.Equal(t, "operationType", match[0].Key)
	assert.Equal(t, "fullDocument.channel", match[1].Key)
	or := match[2].Value.(bson.A)
	assert.Equal(t, "fullDocument.a", or[0].(bson.D)[0].Key)
	assert.Equal(t, "fullDocument.b", or[1].(bson.D)[0].Key)
}

func TestConvertDocument(t *testing.T) {
	oid := primitive.NewObjectID()
	at := time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC)
	dec, err := primitive.ParseDecimal128("12.5")
	require.NoError(t, err)

	doc := ConvertDocument(bson.D{
		{Key: "_id", Value: oid},
		{Key: "at", Value: primitive.NewDateTimeFromTime(at)},
		{Key: "ts", Value: primitive.Timestamp{T: uint32(at.Unix())}},
		{Key: "price", Value: dec},
		{Key: "n", Value: int32(4)},
		{Key: "tags", Value: bson.A{"x", bson.D{{Key: "k", Value: "v"}}}},
		{Key: "nested", Value: bson.M{"b": 1, "a": 2}},
		{Key: "nothing", Value: primitive.Null{}},
	})

	get := func(k string) interface{} {
		v, ok := doc.Get(k)
		require.True(t, ok, k)
		return v
	}
	assert.Equal(t, oid.Hex(), get("_id"))
	assert.Equal(t, at, get("at"))
	assert.Equal(t, at, get("ts"))
	assert.Equal(t, 12.5, get("price"))
	assert.Equal(t, int32(4), get("n"))
	assert.Nil(t, get("nothing"))

	tags := get("tags").([]interface{})
	assert.Equal(t, models.Document{{Key: "k", Value: "v"}}, tags[1])
	nested := get("nested").(models.Document)
	assert.Equal(t, "a", nested[0].Key)

	v, ok := doc.Lookup("tags.-1.k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestNewRejectsBadFilter(t *testing.T) {
	_, err := New(config.SourceConfig{Filter: "{"}, time.Second, zaptest.NewLogger(t))
	assert.Error(t, err)

	s, err := New(config.SourceConfig{Mode: config.SourceModeFind, ResumeKey: "_id"}, time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = s.Open(context.Background(), nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvariantViolation))
}

// stubCursor replays marshaled documents. With block set, Next waits for
// its context like a getMore the server never answers.
type stubCursor struct {
	docs  []bson.Raw
	i     int
	block bool
	err   error
}

func (c *stubCursor) Next(ctx context.Context) bool {
	if c.block {
		<-ctx.Done()
		return false
	}
	if c.i >= len(c.docs) {
		return false
	}
	c.i++
	return true
}

func (c *stubCursor) Err() error { return c.err }

func (c *stubCursor) Decode(val interface{}) error {
	*val.(*bson.Raw) = c.docs[c.i-1]
	return nil
}

func (c *stubCursor) Close(context.Context) error { return nil }

func marshalDocs(t *testing.T, docs ...bson.D) []bson.Raw {
	t.Helper()
	out := make([]bson.Raw, len(docs))
	for i, d := range docs {
		raw, err := bson.Marshal(d)
		require.NoError(t, err)
		out[i] = raw
	}
	return out
}

func TestFindCursorReadsInOrder(t *testing.T) {
	cur := &findCursor{
		cur: &stubCursor{docs: marshalDocs(t,
			bson.D{{Key: "_id", Value: int64(1)}, {Key: "text", Value: "a"}},
			bson.D{{Key: "_id", Value: int64(2)}, {Key: "text", Value: "b"}},
		)},
		key:   "_id",
		stall: time.Second,
	}
	ctx := context.Background()

	doc, err := cur.Next(ctx)
	require.NoError(t, err)
	v, _ := doc.Get("text")
	assert.Equal(t, "a", v)

	_, err = cur.Next(ctx)
	require.NoError(t, err)
	pos, err := DecodePosition(cur.Position())
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos.Int64())

	_, err = cur.Next(ctx)
	assert.ErrorIs(t, err, core.ErrEndOfStream)
}

func TestFindCursorStallIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"cursor reports the deadline", context.DeadlineExceeded},
		{"cursor reports nothing", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := &findCursor{cur: &stubCursor{block: true, err: tt.err}, key: "_id", stall: 20 * time.Millisecond}
			start := time.Now()
			_, err := cur.Next(context.Background())
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeTransientIO), err.Error())
			assert.Less(t, time.Since(start), 5*time.Second)
		})
	}
}

func TestFindCursorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cur := &findCursor{cur: &stubCursor{block: true}, key: "_id", stall: time.Minute}
	_, err := cur.Next(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))
}
