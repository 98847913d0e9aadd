package statusstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore opens an in-memory store with all migrations applied.
// The store is closed when the test finishes.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StartRun(ctx, "run-1", "llama3-benchmarks"))
	r, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "llama3-benchmarks", r.Name)
	assert.False(t, r.FinishedAt.Valid)

	require.NoError(t, s.FinishRun(ctx, "run-1", 2, 1, 0))
	r, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, r.FinishedAt.Valid)
	assert.Equal(t, 2, r.Succeeded)
	assert.Equal(t, 1, r.Failed)

	assert.ErrorIs(t, s.FinishRun(ctx, "missing", 0, 0, 0), sql.ErrNoRows)
	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestStartRunTwice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.StartRun(ctx, "run-1", "a"))
	assert.Error(t, s.StartRun(ctx, "run-1", "a"))
}

func TestRecordRequiresRun(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.Record(context.Background(), "unknown", "i-1", "provisioning", ""))
}

func TestEventsAndLatest(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()
	require.NoError(t, s.StartRun(ctx, "run-1", "a"))

	rec := s.Recorder("run-1")
	require.NoError(t, rec.RecordStep(ctx, "g5", "provisioning", ""))
	require.NoError(t, rec.RecordStep(ctx, "p4d", "provisioning", ""))
	require.NoError(t, rec.RecordStep(ctx, "g5", "awaiting-startup", "i-0abc"))
	require.NoError(t, rec.RecordStep(ctx, "g5", "terminal", "succeeded"))

	events, err := s.Events(ctx, "run-1", "g5")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"provisioning", "awaiting-startup", "terminal"}, []string{events[0].Step, events[1].Step, events[2].Step})
	assert.Equal(t, "i-0abc", events[1].Detail)
	assert.True(t, events[0].CreatedAt.Equal(base.Add(2*time.Second)))

	all, err := s.Events(ctx, "run-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	latest, err := s.Latest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "terminal", latest["g5"].Step)
	assert.Equal(t, "provisioning", latest["p4d"].Step)
}

func TestConcurrentRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.StartRun(ctx, "run-1", "a"))
	rec := s.Recorder("run-1")

	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				assert.NoError(t, rec.RecordStep(ctx, fmt.Sprintf("instance-%d", i), "running", fmt.Sprint(j)))
			}
		}()
	}
	wg.Wait()

	all, err := s.Events(ctx, "run-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 50)
}
