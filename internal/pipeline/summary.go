package pipeline

import (
	"time"

	"github.com/ajitpratap0/duckbridge/pkg/errors"
	"github.com/ajitpratap0/duckbridge/pkg/schema"
)

// Summary is the structured result of a run.
type Summary struct {
	Pipeline          string             `json:"pipeline"`
	State             State              `json:"state"`
	ResumedFromSeq    uint64             `json:"resumed_from_seq"`
	LastCommittedSeq  uint64             `json:"last_committed_seq"`
	BatchesCommitted  uint64             `json:"batches_committed"`
	BatchesSkipped    uint64             `json:"batches_skipped"`
	RowsLanded        uint64             `json:"rows_landed"`
	RecordsRead       uint64             `json:"records_read"`
	RecordsFiltered   uint64             `json:"records_filtered"`
	RecordsSuppressed uint64             `json:"records_suppressed"`
	RecordsRejected   uint64             `json:"records_rejected"`
	Warnings          uint64             `json:"warnings"`
	Retries           uint64             `json:"retries"`
	Rejections        []schema.Rejection `json:"rejections,omitempty"`
	Error             string             `json:"error,omitempty"`
	ErrorType         string             `json:"error_type,omitempty"`
	StartedAt         time.Time          `json:"started_at"`
	Duration          string             `json:"duration"`
}

// Summary reports the counters of the run so far.
func (c *Coordinator) Summary() Summary {
	c.mu.Lock()
	started, ended, err := c.startedAt, c.endedAt, c.err
	c.mu.Unlock()

	s := Summary{
		Pipeline:         c.cfg.Name,
		State:            c.State(),
		ResumedFromSeq:   c.resumed.Seq,
		LastCommittedSeq: c.resumed.Seq,
		StartedAt:        started,
	}
	if !started.IsZero() {
		if ended.IsZero() {
			ended = time.Now()
		}
		s.Duration = ended.Sub(started).Round(time.Millisecond).String()
	}
	if err != nil {
		s.Error = err.Error()
		s.ErrorType = string(errors.TypeOf(err))
	}

	if r := c.reader; r != nil {
		st := r.Stats()
		s.RecordsRead = st.Read.Get()
		s.RecordsFiltered = st.Filtered.Get()
		s.RecordsSuppressed = st.Suppressed.Get()
		s.Retries += st.Reopens.Get()
	}
	if w := c.writer; w != nil {
		st := w.Stats()
		s.LastCommittedSeq = st.LastSeq.Get()
		s.BatchesCommitted = st.Batches.Get()
		s.BatchesSkipped = st.Skipped.Get()
		s.RowsLanded = st.Rows.Get()
		s.RecordsRejected = st.Rejected.Get()
		s.Warnings = st.Warnings.Get()
		s.Retries += st.Retries.Get()
		s.Rejections = st.Rejections()
	}
	return s
}
