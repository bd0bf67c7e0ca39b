package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campusfeed/notice-crawler/internal/archive"
	"github.com/campusfeed/notice-crawler/internal/fetch"
	"github.com/campusfeed/notice-crawler/internal/payload"
	"github.com/campusfeed/notice-crawler/internal/pipeline"
	"github.com/campusfeed/notice-crawler/internal/publisher"
)

type fakeRegistry struct {
	source    pipeline.Source
	extractor pipeline.Extractor
}

func (f *fakeRegistry) Source(code string) (pipeline.Source, error) {
	if code != f.source.Code {
		return pipeline.Source{}, fmt.Errorf("%w: %s", pipeline.ErrUnknownSource, code)
	}
	return f.source, nil
}

func (f *fakeRegistry) Extractor(code string) (pipeline.Extractor, error) {
	if code != f.source.Code {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrUnknownSource, code)
	}
	return f.extractor, nil
}

type scriptedExtractor struct {
	links    []pipeline.Link
	listErr  error
	details  map[string]pipeline.Detail
	failures map[string]error
}

func (s *scriptedExtractor) List(context.Context, string) ([]pipeline.Link, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.links, nil
}

func (s *scriptedExtractor) Detail(_ context.Context, url string) (pipeline.Detail, error) {
	if err, ok := s.failures[url]; ok {
		return pipeline.Detail{}, err
	}
	return s.details[url], nil
}

type recordingStore struct {
	batches [][]pipeline.IngestionRecord
	nextID  int64
	// changedPerBatch overrides the default "every row changed" reply.
	changedPerBatch map[int]int
	err             error
}

func (r *recordingStore) UpsertBatch(_ context.Context, records []pipeline.IngestionRecord) ([]int64, error) {
	if r.err != nil {
		return nil, r.err
	}
	batchIdx := len(r.batches)
	r.batches = append(r.batches, append([]pipeline.IngestionRecord(nil), records...))
	n := len(records)
	if override, ok := r.changedPerBatch[batchIdx]; ok {
		n = override
	}
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		r.nextID++
		ids = append(ids, r.nextID)
	}
	return ids, nil
}

type recordingLedger struct {
	started  []string
	finished []finishCall
}

type finishCall struct {
	jobID    string
	status   pipeline.RunStatus
	upserted int
	errMsg   string
}

func (r *recordingLedger) Start(_ context.Context, _ int64, jobID string) error {
	r.started = append(r.started, jobID)
	return nil
}

func (r *recordingLedger) Finish(_ context.Context, jobID string, status pipeline.RunStatus, upserted int, errMsg string) error {
	r.finished = append(r.finished, finishCall{jobID, status, upserted, errMsg})
	return nil
}

func (r *recordingLedger) Recent(context.Context, int) ([]pipeline.RunSummary, error) {
	return nil, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func detail(title, body string) pipeline.Detail {
	return pipeline.Detail{Title: title, DateText: "2026.01.15", BodyHTML: body}
}

func newTestExecutor(
	reg *fakeRegistry,
	store *recordingStore,
	ledger *recordingLedger,
	blobs pipeline.BlobStore,
	events pipeline.Publisher,
	chunk int,
) *Executor {
	return New(
		reg,
		payload.New(1<<20, nil),
		store,
		ledger,
		blobs,
		events,
		fixedClock{now: time.Unix(1700000000, 0)},
		Config{PoliteDelay: 0, ChunkSize: chunk},
		zap.NewNop(),
	)
}

func job(source string) pipeline.QueueItem {
	return pipeline.QueueItem{JobID: "job-1", SourceCode: source, LockToken: "tok", Attempt: 1}
}

func TestRunAbsorbsPerItemFailures(t *testing.T) {
	t.Parallel()

	src := pipeline.Source{ID: 1, Code: "cs", ListURL: "https://example.ac.kr/cs"}
	ex := &scriptedExtractor{
		links: []pipeline.Link{
			{SeqNo: "1", URL: "https://example.ac.kr/cs/1"},
			{SeqNo: "2", URL: "https://example.ac.kr/cs/2"},
			{SeqNo: "3", URL: "https://example.ac.kr/cs/3"},
		},
		details: map[string]pipeline.Detail{
			"https://example.ac.kr/cs/1": detail("공지 하나", "<p>a</p>"),
			"https://example.ac.kr/cs/3": detail("공지 셋", "<p>c</p>"),
		},
		failures: map[string]error{
			"https://example.ac.kr/cs/2": &fetch.Error{Kind: fetch.KindNetwork, URL: "https://example.ac.kr/cs/2", Err: errors.New("timeout")},
		},
	}
	store := &recordingStore{}
	ledger := &recordingLedger{}

	e := newTestExecutor(&fakeRegistry{source: src, extractor: ex}, store, ledger, archive.NewNoop(), publisher.NewNoop(), 50)
	res, err := e.Run(context.Background(), job("cs"))
	require.NoError(t, err)

	require.Equal(t, 3, res.Listed)
	require.Equal(t, 2, res.Ingested)
	require.Equal(t, 1, res.Skipped)
	require.Len(t, store.batches, 1)
	require.Len(t, store.batches[0], 2)

	require.Equal(t, []string{"job-1"}, ledger.started)
	require.Len(t, ledger.finished, 1)
	require.Equal(t, pipeline.RunSuccess, ledger.finished[0].status)
	require.Equal(t, 2, ledger.finished[0].upserted)
	require.Empty(t, ledger.finished[0].errMsg)
}

func TestRunSkipsPlaceholderAndDuplicateItems(t *testing.T) {
	t.Parallel()

	src := pipeline.Source{ID: 1, Code: "cs", ListURL: "https://example.ac.kr/cs"}
	ex := &scriptedExtractor{
		links: []pipeline.Link{
			{SeqNo: "1", URL: "https://example.ac.kr/cs/1"},
			{SeqNo: "1", URL: "https://example.ac.kr/cs/1"}, // pinned row repeats
			{URL: "https://example.ac.kr/cs/broken"},
		},
		details: map[string]pipeline.Detail{
			"https://example.ac.kr/cs/1":      detail("공지", "<p>a</p>"),
			"https://example.ac.kr/cs/broken": detail("제목 없음", "<p>b</p>"),
		},
	}
	store := &recordingStore{}
	ledger := &recordingLedger{}

	e := newTestExecutor(&fakeRegistry{source: src, extractor: ex}, store, ledger, archive.NewNoop(), publisher.NewNoop(), 50)
	res, err := e.Run(context.Background(), job("cs"))
	require.NoError(t, err)

	require.Equal(t, 1, res.Ingested)
	require.Equal(t, 2, res.Skipped)
	require.Len(t, store.batches, 1)
	require.Len(t, store.batches[0], 1)
}

func TestRunFlushesInChunks(t *testing.T) {
	t.Parallel()

	src := pipeline.Source{ID: 1, Code: "cs", ListURL: "https://example.ac.kr/cs"}
	ex := &scriptedExtractor{details: map[string]pipeline.Detail{}}
	for i := 1; i <= 5; i++ {
		url := fmt.Sprintf("https://example.ac.kr/cs/%d", i)
		ex.links = append(ex.links, pipeline.Link{SeqNo: fmt.Sprint(i), URL: url})
		ex.details[url] = detail(fmt.Sprintf("공지 %d", i), "<p>x</p>")
	}
	store := &recordingStore{}
	ledger := &recordingLedger{}

	e := newTestExecutor(&fakeRegistry{source: src, extractor: ex}, store, ledger, archive.NewNoop(), publisher.NewNoop(), 2)
	res, err := e.Run(context.Background(), job("cs"))
	require.NoError(t, err)

	require.Equal(t, 5, res.Ingested)
	require.Len(t, store.batches, 3)
	require.Len(t, store.batches[0], 2)
	require.Len(t, store.batches[1], 2)
	require.Len(t, store.batches[2], 1)
}

func TestRunAbsorbsListFetchFailure(t *testing.T) {
	t.Parallel()

	src := pipeline.Source{ID: 1, Code: "cs", ListURL: "https://example.ac.kr/cs"}
	ex := &scriptedExtractor{
		listErr: &fetch.Error{Kind: fetch.KindNetwork, URL: src.ListURL, Err: errors.New("refused")},
	}
	store := &recordingStore{}
	ledger := &recordingLedger{}
	events := publisher.NewMemory()

	// An unreachable list page ends the pass with nothing ingested; the
	// next trigger tries again.
	e := newTestExecutor(&fakeRegistry{source: src, extractor: ex}, store, ledger, archive.NewNoop(), events, 50)
	res, err := e.Run(context.Background(), job("cs"))
	require.NoError(t, err)

	require.Equal(t, 0, res.Listed)
	require.Equal(t, 0, res.Ingested)
	require.Empty(t, store.batches)

	require.Len(t, ledger.finished, 1)
	require.Equal(t, pipeline.RunSuccess, ledger.finished[0].status)
	require.Equal(t, 0, ledger.finished[0].upserted)
	require.Empty(t, ledger.finished[0].errMsg)
	require.Empty(t, events.Payloads())
}

func TestRunCancelledListIsNotAbsorbed(t *testing.T) {
	t.Parallel()

	src := pipeline.Source{ID: 1, Code: "cs", ListURL: "https://example.ac.kr/cs"}
	ex := &scriptedExtractor{
		listErr: fmt.Errorf("list: %w", context.Canceled),
	}
	ledger := &recordingLedger{}

	e := newTestExecutor(&fakeRegistry{source: src, extractor: ex}, &recordingStore{}, ledger, archive.NewNoop(), publisher.NewNoop(), 50)
	_, err := e.Run(context.Background(), job("cs"))
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, pipeline.RunFailed, ledger.finished[0].status)
}

func TestRunPublishesChangedIDs(t *testing.T) {
	t.Parallel()

	src := pipeline.Source{ID: 1, Code: "cs", ListURL: "https://example.ac.kr/cs"}
	ex := &scriptedExtractor{
		links: []pipeline.Link{{SeqNo: "1", URL: "https://example.ac.kr/cs/1"}},
		details: map[string]pipeline.Detail{
			"https://example.ac.kr/cs/1": detail("공지", "<p>a</p>"),
		},
	}
	store := &recordingStore{}
	ledger := &recordingLedger{}
	events := publisher.NewMemory()

	e := newTestExecutor(&fakeRegistry{source: src, extractor: ex}, store, ledger, archive.NewNoop(), events, 50)
	res, err := e.Run(context.Background(), job("cs"))
	require.NoError(t, err)
	require.Equal(t, []int64{1}, res.ChangedIDs)

	payloads := events.Payloads()
	require.Len(t, payloads, 1)
	event, ok := payloads[0].(changedEvent)
	require.True(t, ok)
	require.Equal(t, "cs", event.SourceCode)
	require.Equal(t, "job-1", event.JobID)
	require.Equal(t, []int64{1}, event.ChangedIDs)
}

func TestRunDoesNotPublishWhenNothingChanged(t *testing.T) {
	t.Parallel()

	src := pipeline.Source{ID: 1, Code: "cs", ListURL: "https://example.ac.kr/cs"}
	ex := &scriptedExtractor{
		links: []pipeline.Link{{SeqNo: "1", URL: "https://example.ac.kr/cs/1"}},
		details: map[string]pipeline.Detail{
			"https://example.ac.kr/cs/1": detail("공지", "<p>a</p>"),
		},
	}
	// The store reports zero changed rows: fingerprints all matched.
	store := &recordingStore{changedPerBatch: map[int]int{0: 0}}
	ledger := &recordingLedger{}
	events := publisher.NewMemory()

	e := newTestExecutor(&fakeRegistry{source: src, extractor: ex}, store, ledger, archive.NewNoop(), events, 50)
	res, err := e.Run(context.Background(), job("cs"))
	require.NoError(t, err)
	require.Equal(t, 0, res.Ingested)
	require.Empty(t, events.Payloads())

	require.Equal(t, pipeline.RunSuccess, ledger.finished[0].status)
	require.Equal(t, 0, ledger.finished[0].upserted)
}

func TestRunArchivesSnapshotsWhenEnabled(t *testing.T) {
	t.Parallel()

	src := pipeline.Source{ID: 1, Code: "cs", ListURL: "https://example.ac.kr/cs", Archive: true}
	ex := &scriptedExtractor{
		links: []pipeline.Link{{SeqNo: "42", URL: "https://example.ac.kr/cs/42"}},
		details: map[string]pipeline.Detail{
			"https://example.ac.kr/cs/42": detail("공지", "<p>body</p>"),
		},
	}
	blobs := archive.NewMemory()

	e := newTestExecutor(&fakeRegistry{source: src, extractor: ex}, &recordingStore{}, &recordingLedger{}, blobs, publisher.NewNoop(), 50)
	_, err := e.Run(context.Background(), job("cs"))
	require.NoError(t, err)

	data, ok := blobs.Get("cs/job-1/42.html")
	require.True(t, ok)
	require.Equal(t, "<p>body</p>", string(data))
}

func TestRunCancelledContextIsNotAbsorbed(t *testing.T) {
	t.Parallel()

	src := pipeline.Source{ID: 1, Code: "cs", ListURL: "https://example.ac.kr/cs"}
	ex := &scriptedExtractor{
		links: []pipeline.Link{{SeqNo: "1", URL: "https://example.ac.kr/cs/1"}},
		failures: map[string]error{
			"https://example.ac.kr/cs/1": fmt.Errorf("detail: %w", context.Canceled),
		},
	}
	ledger := &recordingLedger{}

	e := newTestExecutor(&fakeRegistry{source: src, extractor: ex}, &recordingStore{}, ledger, archive.NewNoop(), publisher.NewNoop(), 50)
	_, err := e.Run(context.Background(), job("cs"))
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, pipeline.RunFailed, ledger.finished[0].status)
}
