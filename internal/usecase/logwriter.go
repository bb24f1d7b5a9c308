package usecase

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chat-relay/internal/domain"
	"chat-relay/internal/metrics"
)

type ConversationLogStore interface {
	Upsert(ctx context.Context, key domain.LogKey, fields domain.LogFields, pair domain.QAPair) (domain.ConversationLog, error)
}

// Job is a unit of background persistence work.
type Job func(ctx context.Context) error

// WriteQueue runs jobs one at a time per session, in submission order. A
// session's worker exists only while it has pending jobs. Jobs of different
// sessions run concurrently.
type WriteQueue struct {
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionJobs
	wg       sync.WaitGroup
}

type sessionJobs struct {
	pending []queuedJob
}

type queuedJob struct {
	ctx context.Context
	run Job
}

func NewWriteQueue(log zerolog.Logger) *WriteQueue {
	return &WriteQueue{
		log:      log.With().Str("component", "write_queue").Logger(),
		sessions: make(map[string]*sessionJobs),
	}
}

// Submit enqueues job for sessionID and returns immediately. The job runs with
// ctx's values but not its cancellation, so a client disconnect never drops a
// write.
func (q *WriteQueue) Submit(ctx context.Context, sessionID string, job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, running := q.sessions[sessionID]
	if !running {
		s = &sessionJobs{}
		q.sessions[sessionID] = s
	}
	s.pending = append(s.pending, queuedJob{ctx: context.WithoutCancel(ctx), run: job})
	if !running {
		q.wg.Add(1)
		go q.drain(sessionID, s)
	}
}

func (q *WriteQueue) drain(sessionID string, s *sessionJobs) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(s.pending) == 0 {
			delete(q.sessions, sessionID)
			q.mu.Unlock()
			return
		}
		next := s.pending[0]
		s.pending = s.pending[1:]
		q.mu.Unlock()

		if err := next.run(next.ctx); err != nil {
			q.log.Error().Err(err).Str("session_id", sessionID).Msg("background write failed")
		}
	}
}

// Flush blocks until every job submitted for sessionID before the call has
// finished, or ctx is done.
func (q *WriteQueue) Flush(ctx context.Context, sessionID string) error {
	done := make(chan struct{})
	q.Submit(ctx, sessionID, func(context.Context) error {
		close(done)
		return nil
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until all queued jobs of all sessions have run.
func (q *WriteQueue) Wait() {
	q.wg.Wait()
}

// LogWriter appends completed question/answer pairs to the durable
// conversation log.
type LogWriter struct {
	logs ConversationLogStore
	log  zerolog.Logger
}

func NewLogWriter(logs ConversationLogStore, log zerolog.Logger) (*LogWriter, error) {
	if logs == nil {
		return nil, errors.New("usecase: conversation log store must not be nil")
	}
	return &LogWriter{logs: logs, log: log.With().Str("component", "log_writer").Logger()}, nil
}

func (w *LogWriter) Append(ctx context.Context, key domain.LogKey, fields domain.LogFields, pair domain.QAPair) error {
	rec, err := w.logs.Upsert(ctx, key, fields, pair)
	if err != nil {
		metrics.RecordLogWrite("error")
		return errors.Wrap(err, "usecase: upsert conversation log")
	}
	metrics.RecordLogWrite("ok")
	w.log.Debug().
		Str("tenant", key.Tenant).
		Str("user_id", key.UserID).
		Str("business_session_id", key.BusinessSessionID).
		Int("pairs", len(rec.Pairs)).
		Msg("conversation log updated")
	return nil
}
