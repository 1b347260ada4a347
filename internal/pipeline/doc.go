// Package pipeline is the bridge between the document store and the
// analytical engine.
//
// # Architecture
//
// A pipeline runs exactly two long-lived goroutines:
//
//   - Reader: pulls documents from a core.Source, normalizes them into
//     records, deduplicates them through a thread-confined Dedup index and
//     seals records into batches.
//   - Writer: maps sealed batches into rows and lands each batch in one
//     transaction of a core.Engine, then advances the durable checkpoint.
//
// They meet only at a bounded single-producer single-consumer Channel.
// Ownership of a batch moves with the push: the reader never touches a
// batch after PushAccepted. A full channel blocks the reader, which is the
// pipeline's backpressure.
//
// # Lifecycle
//
// The Coordinator owns the state machine:
//
//	Idle --Start--> Running --source exhausted, drained--> Stopped
//	Running --Stop--> Draining --drained--> Stopped
//	Running|Draining --unrecoverable error--> Failed
//
// Stopped and Failed are terminal. A Stop lets the reader seal and push its
// open batch, closes the channel and lets the writer commit everything that
// is queued before the pipeline stops.
//
// # Basic Usage
//
//	coord, err := pipeline.New(cfg, pipeline.Options{
//	    Source:      source,
//	    Engine:      engine,
//	    Checkpoints: store,
//	    Logger:      logger,
//	})
//	if err := coord.Start(ctx); err != nil {
//	    return err
//	}
//	err = coord.Wait(ctx)
//	summary := coord.Summary()
package pipeline
