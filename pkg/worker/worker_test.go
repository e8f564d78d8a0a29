package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaden/nomarr/pkg/docstore"
	"github.com/xiaden/nomarr/pkg/types"
)

func openTestStore(t *testing.T) *docstore.Store {
	t.Helper()
	store, err := docstore.Open(t.TempDir(), docstore.CoreCollections()...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func insertFile(t *testing.T, store *docstore.Store, key string, needsTagging, isValid int) {
	t.Helper()
	require.NoError(t, store.Insert(docstore.CollLibraryFiles, docstore.Document{
		"_key":          key,
		"needs_tagging": needsTagging,
		"tagged":        0,
		"is_valid":      isValid,
	}))
}

type fakePipeline struct {
	mu      sync.Mutex
	calls   []string
	err     error
	perCall func(fileKey string) error
}

func (p *fakePipeline) Process(ctx context.Context, fileKey string) error {
	p.mu.Lock()
	p.calls = append(p.calls, fileKey)
	p.mu.Unlock()
	if p.perCall != nil {
		return p.perCall(fileKey)
	}
	return p.err
}

func (p *fakePipeline) Version() string { return "test-v1" }

func (p *fakePipeline) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func newTestWorker(store *docstore.Store, pipeline Pipeline, id string) *Worker {
	return New(store, pipeline, nil, Config{
		ComponentID:  id,
		IdleInterval: 10 * time.Millisecond,
	})
}

func TestDiscoverySkipsIneligibleAndClaimed(t *testing.T) {
	store := openTestStore(t)
	insertFile(t, store, "a", 0, 1) // already tagged out
	insertFile(t, store, "b", 1, 0) // invalid
	insertFile(t, store, "c", 1, 1) // claimed below
	insertFile(t, store, "d", 1, 1) // the one

	require.NoError(t, store.Insert(docstore.CollWorkerClaims, docstore.Document{
		"_key": types.ClaimKey("c"), "file_id": "c", "worker_id": "other",
	}))

	w := newTestWorker(store, &fakePipeline{}, "w0")
	key, err := w.discoverOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "d", key)
}

func TestDiscoveryPrefersSmallestKey(t *testing.T) {
	store := openTestStore(t)
	insertFile(t, store, "track-09", 1, 1)
	insertFile(t, store, "track-01", 1, 1)
	insertFile(t, store, "track-05", 1, 1)

	w := newTestWorker(store, &fakePipeline{}, "w0")
	key, err := w.discoverOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "track-01", key)
}

func TestSingleFileLifecycle(t *testing.T) {
	store := openTestStore(t)
	insertFile(t, store, "song", 1, 1)

	pipeline := &fakePipeline{}
	w := newTestWorker(store, pipeline, "w0")

	key, err := w.discoverOne(context.Background())
	require.NoError(t, err)
	require.Equal(t, "song", key)

	claimed, err := w.tryClaim(key)
	require.NoError(t, err)
	require.True(t, claimed)

	// Claim exists while processing.
	has, err := store.Has(docstore.CollWorkerClaims, types.ClaimKey("song"))
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, w.processOne(context.Background(), key))
	assert.Equal(t, 1, pipeline.callCount())

	doc, err := store.Get(docstore.CollLibraryFiles, "song")
	require.NoError(t, err)
	file, err := docstore.As[types.LibraryFile](doc)
	require.NoError(t, err)
	assert.Equal(t, 0, file.NeedsTagging)
	assert.Equal(t, 1, file.Tagged)
	assert.Equal(t, "test-v1", file.TaggedVersion)
	assert.NotZero(t, file.LastTaggedAt)

	// Claim removed after the file update.
	has, err = store.Has(docstore.CollWorkerClaims, types.ClaimKey("song"))
	require.NoError(t, err)
	assert.False(t, has)

	// Nothing left to discover.
	key, err = w.discoverOne(context.Background())
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestClaimRaceHasOneWinner(t *testing.T) {
	store := openTestStore(t)
	insertFile(t, store, "song", 1, 1)

	w0 := newTestWorker(store, &fakePipeline{}, "w0")
	w1 := newTestWorker(store, &fakePipeline{}, "w1")

	won0, err := w0.tryClaim("song")
	require.NoError(t, err)
	won1, err := w1.tryClaim("song")
	require.NoError(t, err)

	assert.True(t, won0 != won1, "exactly one worker wins the unique insert")

	docs, err := store.Find(docstore.CollWorkerClaims, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1, "at most one claim per file")
}

func TestConcurrentWorkersProcessOnce(t *testing.T) {
	store := openTestStore(t)
	insertFile(t, store, "song", 1, 1)

	pipeline := &fakePipeline{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		w := newTestWorker(store, pipeline, fmt.Sprintf("w%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	require.Eventually(t, func() bool {
		doc, err := store.Get(docstore.CollLibraryFiles, "song")
		if err != nil {
			return false
		}
		file, err := docstore.As[types.LibraryFile](doc)
		return err == nil && file.Tagged == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()

	assert.Equal(t, 1, pipeline.callCount(), "pipeline invoked exactly once")
}

func TestMarkFileTaggedIdempotent(t *testing.T) {
	store := openTestStore(t)
	insertFile(t, store, "song", 1, 1)

	w := newTestWorker(store, &fakePipeline{}, "w0")
	require.NoError(t, w.markFileTagged("song"))

	first, err := store.Get(docstore.CollLibraryFiles, "song")
	require.NoError(t, err)

	require.NoError(t, w.markFileTagged("song"))
	second, err := store.Get(docstore.CollLibraryFiles, "song")
	require.NoError(t, err)

	assert.EqualValues(t, first["needs_tagging"], second["needs_tagging"])
	assert.EqualValues(t, first["tagged"], second["tagged"])
	assert.EqualValues(t, first["tagged_version"], second["tagged_version"])
}

func TestToxicPipelineParksFile(t *testing.T) {
	store := openTestStore(t)
	insertFile(t, store, "bad", 1, 1)

	pipeline := &fakePipeline{err: fmt.Errorf("%w: undecodable audio", ErrToxicFile)}
	w := newTestWorker(store, pipeline, "w0")

	claimed, err := w.tryClaim("bad")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, w.processOne(context.Background(), "bad"))

	doc, err := store.Get(docstore.CollLibraryFiles, "bad")
	require.NoError(t, err)
	file, err := docstore.As[types.LibraryFile](doc)
	require.NoError(t, err)
	assert.Equal(t, 0, file.NeedsTagging)
	assert.Equal(t, 0, file.Tagged)
	assert.NotEmpty(t, file.TagError)

	// Claim released; the file does not re-enter discovery.
	has, err := store.Has(docstore.CollWorkerClaims, types.ClaimKey("bad"))
	require.NoError(t, err)
	assert.False(t, has)

	key, err := w.discoverOne(context.Background())
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestUnattributableErrorReleasesClaim(t *testing.T) {
	store := openTestStore(t)
	insertFile(t, store, "song", 1, 1)

	pipeline := &fakePipeline{err: errors.New("backend unavailable")}
	w := newTestWorker(store, pipeline, "w0")

	claimed, err := w.tryClaim("song")
	require.NoError(t, err)
	require.True(t, claimed)

	err = w.processOne(context.Background(), "song")
	require.Error(t, err)

	// Claim released, file untouched and rediscoverable.
	has, err := store.Has(docstore.CollWorkerClaims, types.ClaimKey("song"))
	require.NoError(t, err)
	assert.False(t, has)

	key, err := w.discoverOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "song", key)
}

func TestSelfTerminationAfterConsecutiveFailures(t *testing.T) {
	store := openTestStore(t)
	for i := 0; i < 12; i++ {
		insertFile(t, store, fmt.Sprintf("song-%02d", i), 1, 1)
	}

	pipeline := &fakePipeline{err: errors.New("backend unavailable")}
	w := New(store, pipeline, nil, Config{
		ComponentID:          "w0",
		IdleInterval:         5 * time.Millisecond,
		MaxConsecutiveErrors: 3,
	})

	// Failure backoff sleeps one second per error; cap the run.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := w.Run(ctx)
	assert.ErrorIs(t, err, ErrTooManyFailures)
	assert.Equal(t, 3, pipeline.callCount())
}

func TestPauseFlagIdlesWorker(t *testing.T) {
	store := openTestStore(t)
	insertFile(t, store, "song", 1, 1)
	require.NoError(t, store.Meta().SetWorkerEnabled(false))

	pipeline := &fakePipeline{}
	w := New(store, pipeline, nil, Config{
		ComponentID:   "w0",
		PauseInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.Zero(t, pipeline.callCount(), "paused worker claims nothing")

	count, err := store.Count(docstore.CollWorkerClaims)
	require.NoError(t, err)
	assert.Zero(t, count)
}
