package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

func TestWriteQueue_RunsJobsInOrderPerSession(t *testing.T) {
	q := NewWriteQueue(zerolog.Nop())
	var mu sync.Mutex
	got := map[string][]int{}
	for i := range 50 {
		for _, sid := range []string{"a", "b"} {
			q.Submit(context.Background(), sid, func(context.Context) error {
				mu.Lock()
				defer mu.Unlock()
				got[sid] = append(got[sid], i)
				return nil
			})
		}
	}
	q.Wait()

	for _, sid := range []string{"a", "b"} {
		require.Len(t, got[sid], 50)
		for i, v := range got[sid] {
			require.Equal(t, i, v)
		}
	}
}

func TestWriteQueue_FlushWaitsForEarlierJobs(t *testing.T) {
	q := NewWriteQueue(zerolog.Nop())
	release := make(chan struct{})
	var done bool
	q.Submit(context.Background(), "s1", func(context.Context) error {
		<-release
		done = true
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Flush(ctx, "s1"), context.DeadlineExceeded)

	close(release)
	require.NoError(t, q.Flush(context.Background(), "s1"))
	require.True(t, done)
	q.Wait()
}

func TestWriteQueue_JobsSurviveCallerCancellation(t *testing.T) {
	q := NewWriteQueue(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var jobErr error
	q.Submit(ctx, "s1", func(jobCtx context.Context) error {
		close(started)
		time.Sleep(5 * time.Millisecond)
		jobErr = jobCtx.Err()
		return nil
	})
	<-started
	cancel()
	q.Wait()
	require.NoError(t, jobErr)
}

func TestWriteQueue_FailedJobDoesNotStopQueue(t *testing.T) {
	q := NewWriteQueue(zerolog.Nop())
	ran := false
	q.Submit(context.Background(), "s1", func(context.Context) error { return errors.New("boom") })
	q.Submit(context.Background(), "s1", func(context.Context) error {
		ran = true
		return nil
	})
	q.Wait()
	require.True(t, ran)
}

func TestLogWriter_Append(t *testing.T) {
	logs := newMockLogs()
	w, err := NewLogWriter(logs, zerolog.Nop())
	require.NoError(t, err)
	key := domain.LogKey{Tenant: "acme", UserID: "u1", BusinessSessionID: "b1"}

	require.NoError(t, w.Append(context.Background(), key, domain.LogFields{ScenarioID: "swot"}, domain.QAPair{Question: "q1", Answer: "a1"}))
	require.NoError(t, w.Append(context.Background(), key, domain.LogFields{ScenarioID: "swot", Summary: "s"}, domain.QAPair{Question: "q2", Answer: "a2"}))

	recs := logs.snapshot()
	require.Len(t, recs, 1)
	require.Equal(t, "s", recs[0].Summary)
	require.Equal(t, []domain.QAPair{{Question: "q1", Answer: "a1"}, {Question: "q2", Answer: "a2"}}, recs[0].Pairs)

	logs.err = errors.New("throttled")
	require.ErrorContains(t, w.Append(context.Background(), key, domain.LogFields{}, domain.QAPair{}), "throttled")

	_, err = NewLogWriter(nil, zerolog.Nop())
	require.Error(t, err)
}
