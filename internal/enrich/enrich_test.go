package enrich

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

func TestHeuristicExtractsDatesAndTags(t *testing.T) {
	t.Parallel()

	h := NewHeuristic()
	enr, err := h.Enrich(context.Background(), pipeline.ClaimedNotice{
		ID:    1,
		Title: "2026학년도 1학기 장학금 신청 안내",
		RawBody: `<p>신청 기간: 2026.03.01 ~ 2026-03-15</p>
			<p>결과 발표: 2026.03.01</p>`,
	})
	require.NoError(t, err)

	require.Equal(t, []pipeline.NoticeDate{
		{Type: "mentioned", Date: "2026-03-01"},
		{Type: "mentioned", Date: "2026-03-15"},
	}, enr.Dates)
	require.Equal(t, []string{"장학금"}, enr.Hashtags)
	require.NotEmpty(t, enr.Raw)
}

func TestHeuristicEmptyInput(t *testing.T) {
	t.Parallel()

	h := NewHeuristic()
	enr, err := h.Enrich(context.Background(), pipeline.ClaimedNotice{Title: "공지", RawBody: "없음"})
	require.NoError(t, err)
	require.Empty(t, enr.Dates)
	require.Empty(t, enr.Hashtags)
}

type scriptedClaimer struct {
	mu        sync.Mutex
	notices   []pipeline.ClaimedNotice
	completed []int64
	reclaims  int
}

func (c *scriptedClaimer) ClaimNext(context.Context) (pipeline.ClaimedNotice, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.notices) == 0 {
		return pipeline.ClaimedNotice{}, false, nil
	}
	n := c.notices[0]
	c.notices = c.notices[1:]
	return n, true, nil
}

func (c *scriptedClaimer) Complete(_ context.Context, noticeID int64, _ pipeline.Enrichment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, noticeID)
	return nil
}

func (c *scriptedClaimer) ReclaimStale(context.Context, time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reclaims++
	return 0, nil
}

func (c *scriptedClaimer) completedIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.completed...)
}

type failingEnricher struct{ err error }

func (f failingEnricher) Enrich(context.Context, pipeline.ClaimedNotice) (pipeline.Enrichment, error) {
	if f.err != nil {
		return pipeline.Enrichment{}, f.err
	}
	return pipeline.Enrichment{}, nil
}

func TestLoopDrainsBacklog(t *testing.T) {
	t.Parallel()

	claimer := &scriptedClaimer{notices: []pipeline.ClaimedNotice{
		{ID: 1, Title: "a"},
		{ID: 2, Title: "b"},
	}}
	loop := New(claimer, NewHeuristic(), Config{
		ClaimsPerSecond: 1000,
		IdleSleep:       time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(claimer.completedIDs()) == 2
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	require.Equal(t, []int64{1, 2}, claimer.completedIDs())
}

func TestLoopLeavesClaimOnEnricherFailure(t *testing.T) {
	t.Parallel()

	claimer := &scriptedClaimer{notices: []pipeline.ClaimedNotice{{ID: 1}}}
	loop := New(claimer, failingEnricher{err: errors.New("backend down")}, Config{
		ClaimsPerSecond: 1000,
		IdleSleep:       time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	// The failed notice is never completed; it stays in processing for
	// the stale sweep.
	require.Empty(t, claimer.completedIDs())
}
