// Package mongodb implements the MongoDB source.
//
// Two modes are supported. In find mode the source scans the collection
// sorted ascending on a unique, monotonic resume key and resumes with a
// $gt predicate on the last key it handed out. In watch mode it tails a
// change stream and resumes with the stream's resume token. In both modes
// the position is an opaque byte string for the caller.
package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/ajitpratap0/duckbridge/pkg/config"
	"github.com/ajitpratap0/duckbridge/pkg/connector/core"
	"github.com/ajitpratap0/duckbridge/pkg/errors"
)

// Source reads documents from one MongoDB collection.
type Source struct {
	cfg    config.SourceConfig
	poll   time.Duration
	logger *zap.Logger
	filter bson.D
	client *mongo.Client
	coll   *mongo.Collection
}

var _ core.Source = (*Source)(nil)

// New creates a source. poll bounds how long a change stream waits for new
// events before Next reports a timeout. Call Connect before Open.
func New(cfg config.SourceConfig, poll time.Duration, logger *zap.Logger) (*Source, error) {
	filter, err := ParseFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}
	return &Source{
		cfg:    cfg,
		poll:   poll,
		logger: logger.With(zap.String("connector", "mongodb")),
		filter: filter,
	}, nil
}

// Connect establishes the client connection and pings the primary.
func (s *Source) Connect(ctx context.Context) error {
	clientOpts := options.Client().
		ApplyURI(s.cfg.URI).
		SetConnectTimeout(time.Duration(s.cfg.ConnectTimeoutMs) * time.Millisecond).
		SetSocketTimeout(s.cfg.SocketTimeout())

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransientIO, "failed to connect to MongoDB")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return errors.Wrap(err, errors.ErrorTypeTransientIO, "failed to ping MongoDB")
	}

	s.client = client
	s.coll = client.Database(s.cfg.Database).Collection(s.cfg.Collection)

	var serverStatus bson.M
	err = client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&serverStatus)
	if err != nil {
		s.logger.Warn("failed to get server version", zap.Error(err))
	} else if version, ok := serverStatus["version"].(string); ok {
		s.logger.Info("connected to MongoDB",
			zap.String("version", version),
			zap.String("database", s.cfg.Database),
			zap.String("collection", s.cfg.Collection),
			zap.String("mode", s.cfg.Mode))
	}
	return nil
}

// Open implements core.Source.
func (s *Source) Open(ctx context.Context, position []byte) (core.Cursor, error) {
	if s.coll == nil {
		return nil, errors.New(errors.ErrorTypeInvariantViolation, "mongodb source used before Connect")
	}
	if s.cfg.Mode == config.SourceModeWatch {
		return s.openWatch(ctx, position)
	}
	return s.openFind(ctx, position)
}

func (s *Source) openFind(ctx context.Context, position []byte) (core.Cursor, error) {
	filter, err := FindFilter(s.filter, s.cfg.ResumeKey, position)
	if err != nil {
		return nil, err
	}
	opts := options.Find().
		SetSort(bson.D{{Key: s.cfg.ResumeKey, Value: 1}}).
		SetBatchSize(s.cfg.FetchSize)

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransientIO, "failed to open find cursor")
	}
	s.logger.Info("opened find cursor", zap.Bool("resumed", position != nil))
	return &findCursor{cur: cur, key: s.cfg.ResumeKey, stall: s.cfg.SocketTimeout(), position: position}, nil
}

func (s *Source) openWatch(ctx context.Context, position []byte) (core.Cursor, error) {
	opts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetMaxAwaitTime(s.poll)
	if s.cfg.FetchSize > 0 {
		opts.SetBatchSize(s.cfg.FetchSize)
	}
	if position != nil {
		opts.SetResumeAfter(bson.Raw(position))
	}

	cs, err := s.coll.Watch(ctx, WatchPipeline(s.filter), opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransientIO, "failed to start change stream")
	}
	s.logger.Info("started MongoDB change stream", zap.Bool("resumed", position != nil))
	return &watchCursor{cs: cs, position: position}, nil
}

// Close disconnects the client.
func (s *Source) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransientIO, "failed to disconnect from MongoDB")
	}
	return nil
}
