// Package storetest runs the same behavioural checks against every store.Store.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/buger/jsonparser"
	"github.com/frontbase/frontbase/pkg/constants"
	"github.com/frontbase/frontbase/pkg/models"
	"github.com/frontbase/frontbase/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// EventTimeout bounds how long the suite waits for a change event.
var EventTimeout = 5 * time.Second

// Run exercises s. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("entities", func(t *testing.T) { testEntities(t, newStore(t)) })
	t.Run("kinds", func(t *testing.T) { testKinds(t, newStore(t)) })
	t.Run("entity feed", func(t *testing.T) { testEntityFeed(t, newStore(t)) })
	t.Run("kind feed", func(t *testing.T) { testKindFeed(t, newStore(t)) })
}

// NextEvent waits for one event on ch.
func NextEvent(t *testing.T, ch <-chan models.ChangeEvent) models.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "feed closed")
		return ev
	case <-time.After(EventTimeout):
		require.FailNow(t, "timed out waiting for change event")
		return models.ChangeEvent{}
	}
}

func titles(entities []*models.Entity) []string {
	var out []string
	for _, e := range entities {
		out = append(out, e.String("title"))
	}
	return out
}

func testEntities(t *testing.T, s store.Store) {
	ctx := context.Background()

	first := models.NewEntity("task", models.JSONMap{"title": "one", "done": false})
	second := models.NewEntity("task", models.JSONMap{"title": "two", "done": true})
	note := models.NewEntity("note", models.JSONMap{"title": "memo"})
	for _, e := range []*models.Entity{first, second, note} {
		require.NoError(t, s.CreateEntity(ctx, e))
	}

	tasks, err := s.FindEntities(ctx, "task", models.Filter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"one", "two"}, titles(tasks))

	done, err := s.FindEntities(ctx, "task", models.Filter{"done": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"two"}, titles(done))

	byID, err := s.FindEntities(ctx, "task", models.Filter{models.IDField: first.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, titles(byID))

	none, err := s.FindEntities(ctx, "task", models.Filter{models.IDField: note.ID})
	require.NoError(t, err)
	assert.Empty(t, none)

	got, err := s.GetEntity(ctx, note.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "note", got.Kind)
	assert.Equal(t, "memo", got.String("title"))

	missing, err := s.GetEntity(ctx, models.NewObjectID())
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.UpdateEntity(ctx, first.ID, models.JSONMap{"done": true}))
	got, err = s.GetEntity(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, true, got.Fields["done"])
	assert.Equal(t, "one", got.String("title"))

	require.NoError(t, s.DeleteEntity(ctx, second.ID))
	tasks, err = s.FindEntities(ctx, "task", models.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, titles(tasks))

	assert.ErrorIs(t, s.DeleteEntity(ctx, second.ID), constants.ErrEntityNotFound)
	assert.ErrorIs(t, s.UpdateEntity(ctx, second.ID, models.JSONMap{"x": 1}), constants.ErrEntityNotFound)

	found, err := store.FindOne(ctx, s, "note", models.Filter{"title": "memo"})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, note.ID, found.ID)
}

func testKinds(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateKind(ctx, &models.Kind{Key: "task", KeyPlural: "tasks", Fields: models.JSONMap{"label": "Task"}}))
	require.NoError(t, s.CreateKind(ctx, &models.Kind{Key: "note", KeyPlural: "notes"}))

	for _, ref := range []string{"task", "tasks"} {
		k, err := s.ResolveKind(ctx, ref)
		require.NoError(t, err)
		require.NotNil(t, k, ref)
		assert.Equal(t, "task", k.Key)
	}
	unknown, err := s.ResolveKind(ctx, "widgets")
	require.NoError(t, err)
	assert.Nil(t, unknown)

	all, err := s.FindKinds(ctx, models.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	labelled, err := s.FindKinds(ctx, models.Filter{"label": "Task"})
	require.NoError(t, err)
	require.Len(t, labelled, 1)
	assert.Equal(t, "task", labelled[0].Key)

	res, err := s.UpdateKind(ctx, "task", models.JSONMap{"label": "Todo"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)

	k, err := s.ResolveKind(ctx, "task")
	require.NoError(t, err)
	assert.Equal(t, "Todo", k.Fields["label"])
	assert.Equal(t, "tasks", k.KeyPlural)

	res, err = s.UpdateKind(ctx, "missing", models.JSONMap{"label": "x"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matched)
}

func testEntityFeed(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := s.Watch(ctx, models.CollectionEntities)
	require.NoError(t, err)

	e := models.NewEntity("task", models.JSONMap{"title": "one"})
	require.NoError(t, s.CreateEntity(ctx, e))
	require.NoError(t, s.UpdateEntity(ctx, e.ID, models.JSONMap{"title": "uno"}))
	require.NoError(t, s.DeleteEntity(ctx, e.ID))

	created := NextEvent(t, feed)
	assert.Equal(t, models.ChangeOperationCreate, created.Operation)
	assert.Equal(t, e.ID.String(), created.DocumentID)
	kind, err := jsonparser.GetString(created.Document, models.MetaField, models.KindField)
	require.NoError(t, err)
	assert.Equal(t, "task", kind)

	updated := NextEvent(t, feed)
	assert.Equal(t, models.ChangeOperationUpdate, updated.Operation)
	title, err := jsonparser.GetString(updated.Document, "title")
	require.NoError(t, err)
	assert.Equal(t, "uno", title)

	deleted := NextEvent(t, feed)
	assert.Equal(t, models.ChangeOperationDelete, deleted.Operation)
	assert.Equal(t, "task", deleted.Kind)
	assert.Nil(t, deleted.Document)

	cancel()
	select {
	case _, open := <-feed:
		assert.False(t, open)
	case <-time.After(EventTimeout):
		t.Fatal("feed not closed after cancel")
	}
}

func testKindFeed(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entities, err := s.Watch(ctx, models.CollectionEntities)
	require.NoError(t, err)
	kinds, err := s.Watch(ctx, models.CollectionKinds)
	require.NoError(t, err)

	require.NoError(t, s.CreateKind(ctx, &models.Kind{Key: "task", KeyPlural: "tasks"}))
	_, err = s.UpdateKind(ctx, "task", models.JSONMap{"label": "Task"})
	require.NoError(t, err)

	assert.Equal(t, models.ChangeOperationCreate, NextEvent(t, kinds).Operation)
	ev := NextEvent(t, kinds)
	assert.Equal(t, models.ChangeOperationUpdate, ev.Operation)
	assert.Equal(t, models.CollectionKinds, ev.Collection)
	assert.Equal(t, "task", ev.Kind)

	select {
	case ev := <-entities:
		t.Fatalf("kind change leaked into entity feed: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
