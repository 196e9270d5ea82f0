// Package watcher turns the store's change feeds into registry triggers.
package watcher

import (
	"context"
	"errors"

	"github.com/buger/jsonparser"
	"github.com/frontbase/frontbase/pkg/models"
	"github.com/frontbase/frontbase/pkg/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrFeedClosed = errors.New("change feed closed")

// Dispatcher is the part of the registry the watcher drives.
type Dispatcher interface {
	Trigger(kind string) int
	TriggerModelListeners() int
}

type Watcher struct {
	store      store.Store
	dispatcher Dispatcher
	log        zerolog.Logger
}

func New(s store.Store, d Dispatcher, log zerolog.Logger) *Watcher {
	return &Watcher{
		store:      s,
		dispatcher: d,
		log:        log.With().Str("component", "watcher").Logger(),
	}
}

// Run subscribes to the entity and kind feeds and dispatches every event until
// ctx ends. It returns ErrFeedClosed if a feed ends while ctx is still live.
func (w *Watcher) Run(ctx context.Context) error {
	done, err := w.Start(ctx)
	if err != nil {
		return err
	}
	return <-done
}

// Start subscribes to both feeds before returning, so no change committed
// after Start returns is missed. Dispatching continues in the background; the
// returned channel yields Run's result once it stops.
func (w *Watcher) Start(ctx context.Context) (<-chan error, error) {
	entities, err := w.store.Watch(ctx, models.CollectionEntities)
	if err != nil {
		return nil, err
	}
	kinds, err := w.store.Watch(ctx, models.CollectionKinds)
	if err != nil {
		return nil, err
	}
	w.log.Info().Msg("watching change feeds")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.consume(gctx, entities, w.HandleEntityChange) })
	g.Go(func() error { return w.consume(gctx, kinds, w.HandleKindChange) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	return done, nil
}

func (w *Watcher) consume(ctx context.Context, feed <-chan models.ChangeEvent, handle func(models.ChangeEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-feed:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrFeedClosed
			}
			handle(event)
		}
	}
}

// HandleEntityChange triggers the listeners of the changed entity's kind.
// Inserts, updates and deletes are treated alike.
func (w *Watcher) HandleEntityChange(event models.ChangeEvent) {
	kind := kindOf(event)
	if kind == "" {
		w.log.Warn().
			Str("document_id", event.DocumentID).
			Str("operation", string(event.Operation)).
			Msg("change without kind, skipping")
		return
	}
	n := w.dispatcher.Trigger(kind)
	w.log.Debug().
		Str("kind", kind).
		Str("operation", string(event.Operation)).
		Int("listeners", n).
		Msg("entity changed")
}

// HandleKindChange triggers every model listener; kind changes are not scoped.
func (w *Watcher) HandleKindChange(event models.ChangeEvent) {
	n := w.dispatcher.TriggerModelListeners()
	w.log.Debug().
		Str("kind", event.DocumentID).
		Str("operation", string(event.Operation)).
		Int("listeners", n).
		Msg("kind changed")
}

// kindOf reads _meta.modelId from the post-change document, falling back to
// the kind the store attached when there is no document.
func kindOf(event models.ChangeEvent) string {
	if len(event.Document) > 0 {
		kind, err := jsonparser.GetString(event.Document, models.MetaField, models.KindField)
		if err == nil && kind != "" {
			return kind
		}
	}
	return event.Kind
}
