package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/frontbase/frontbase/pkg/models"
	"github.com/frontbase/frontbase/pkg/store/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	kinds    []string
	modelHit int
}

func (f *fakeDispatcher) Trigger(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	return 1
}

func (f *fakeDispatcher) TriggerModelListeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modelHit++
	return 1
}

func (f *fakeDispatcher) snapshot() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.kinds...), f.modelHit
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		name  string
		event models.ChangeEvent
		want  string
	}{
		{"from document", models.ChangeEvent{Document: []byte(`{"_meta":{"modelId":"task"}}`), Kind: "other"}, "task"},
		{"delete falls back", models.ChangeEvent{Kind: "task"}, "task"},
		{"document without meta", models.ChangeEvent{Document: []byte(`{"title":"x"}`), Kind: "note"}, "note"},
		{"nothing", models.ChangeEvent{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, kindOf(tc.event))
		})
	}
}

func TestHandleEntityChangeSkipsUnknownKind(t *testing.T) {
	d := &fakeDispatcher{}
	w := New(memory.New(), d, zerolog.Nop())
	w.HandleEntityChange(models.ChangeEvent{DocumentID: "x"})
	kinds, _ := d.snapshot()
	assert.Empty(t, kinds)
}

func TestRunDispatchesFeeds(t *testing.T) {
	s := memory.New()
	d := &fakeDispatcher{}
	w := New(s, d, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done, err := w.Start(ctx)
	require.NoError(t, err)

	bg := context.Background()
	task := models.NewEntity("task", models.JSONMap{"title": "one"})
	require.NoError(t, s.CreateEntity(bg, task))
	require.NoError(t, s.UpdateEntity(bg, task.ID, models.JSONMap{"title": "uno"}))
	require.NoError(t, s.DeleteEntity(bg, task.ID))
	require.NoError(t, s.CreateKind(bg, &models.Kind{Key: "note", KeyPlural: "notes"}))

	require.Eventually(t, func() bool {
		kinds, modelHits := d.snapshot()
		return countOf(kinds, "task") == 3 && modelHits == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

// Closing the store stops the watcher whether it was already subscribed or not.
func TestStartFailsOnClosedStore(t *testing.T) {
	s := memory.New()
	require.NoError(t, s.Close())
	_, err := New(s, &fakeDispatcher{}, zerolog.Nop()).Start(context.Background())
	assert.ErrorIs(t, err, memory.ErrClosed)
}

func TestRunStopsWhenStoreCloses(t *testing.T) {
	s := memory.New()
	w := New(s, &fakeDispatcher{}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		_ = s.Close()
		select {
		case err := <-done:
			return errors.Is(err, ErrFeedClosed) || errors.Is(err, memory.ErrClosed)
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func countOf(values []string, v string) int {
	n := 0
	for _, s := range values {
		if s == v {
			n++
		}
	}
	return n
}
