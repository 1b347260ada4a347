package mongodb

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ajitpratap0/duckbridge/pkg/connector/core"
	"github.com/ajitpratap0/duckbridge/pkg/errors"
	"github.com/ajitpratap0/duckbridge/pkg/models"
)

// batchCursor is the part of *mongo.Cursor that findCursor uses.
type batchCursor interface {
	Next(ctx context.Context) bool
	Err() error
	Decode(val interface{}) error
	Close(ctx context.Context) error
}

var _ batchCursor = (*mongo.Cursor)(nil)

// findCursor walks a sorted find cursor. Every read is bounded by stall,
// so a getMore that never answers surfaces as a transient error and the
// caller reopens after the last position.
type findCursor struct {
	cur      batchCursor
	key      string
	stall    time.Duration
	position []byte
}

func (c *findCursor) Next(ctx context.Context) (models.Document, error) {
	nextCtx, cancel := context.WithTimeout(ctx, c.stall)
	defer cancel()
	if !c.cur.Next(nextCtx) {
		if err := c.cur.Err(); err != nil {
			return nil, classify(ctx, err, "find cursor failed")
		}
		if nextCtx.Err() != nil {
			return nil, classify(ctx, nextCtx.Err(), "find cursor stalled")
		}
		return nil, core.ErrEndOfStream
	}

	var raw bson.Raw
	if err := c.cur.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode document")
	}
	key, err := raw.LookupErr(strings.Split(c.key, ".")...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "document has no resume key "+c.key)
	}
	position, err := EncodePosition(key)
	if err != nil {
		return nil, err
	}

	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode document")
	}
	c.position = position
	return ConvertDocument(doc), nil
}

func (c *findCursor) Position() []byte {
	return c.position
}

func (c *findCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

// changeEvent is the part of a change event the source needs.
type changeEvent struct {
	OperationType string `bson:"operationType"`
	FullDocument  bson.D `bson:"fullDocument,omitempty"`
}

// watchCursor tails a change stream.
type watchCursor struct {
	cs       *mongo.ChangeStream
	position []byte
}

func (c *watchCursor) Next(ctx context.Context) (models.Document, error) {
	for {
		if !c.cs.TryNext(ctx) {
			if err := c.cs.Err(); err != nil {
				return nil, classify(ctx, err, "change stream failed")
			}
			if err := ctx.Err(); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeCancelled, "change stream read cancelled")
			}
			return nil, errors.New(errors.ErrorTypeTimeout, "no change events within poll interval")
		}

		var ev changeEvent
		if err := c.cs.Decode(&ev); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode change event")
		}
		// The token is reused by the driver, keep a copy.
		c.position = append([]byte(nil), c.cs.ResumeToken()...)

		// deletes and invalidations carry no document
		if ev.FullDocument == nil {
			continue
		}
		return ConvertDocument(ev.FullDocument), nil
	}
}

func (c *watchCursor) Position() []byte {
	return c.position
}

func (c *watchCursor) Close(ctx context.Context) error {
	return c.cs.Close(ctx)
}

func classify(ctx context.Context, err error, msg string) error {
	if ctx.Err() != nil {
		return errors.Wrap(err, errors.ErrorTypeCancelled, msg)
	}
	return errors.Wrap(err, errors.ErrorTypeTransientIO, msg)
}
