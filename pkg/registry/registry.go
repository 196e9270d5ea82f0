// Package registry binds registered queries to the change notifications that
// should re-run them.
package registry

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// Entry is one listener: a job owned by a connection and the sink that
// connection drains.
type Entry struct {
	Owner string
	Job   Job
	Sink  Sink
}

// Registration identifies an entry for removal.
type Registration struct {
	Owner   string
	QueryID string
	// Kind is the bucket the entry lives in; empty for model listeners.
	Kind  string
	Model bool
}

type Stats struct {
	Kinds          int `json:"kinds"`
	Entries        int `json:"entries"`
	ModelListeners int `json:"modelListeners"`
}

// Registry maps kind keys to listener entries, plus one global list of
// listeners for kind descriptor changes.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string][]Entry
	models  []Entry
	log     zerolog.Logger
}

func New(log zerolog.Logger) *Registry {
	return &Registry{
		buckets: make(map[string][]Entry),
		log:     log.With().Str("component", "registry").Logger(),
	}
}

// Register appends entry to the bucket for kind.
func (r *Registry) Register(kind string, entry Entry) Registration {
	r.mu.Lock()
	r.buckets[kind] = append(r.buckets[kind], entry)
	r.mu.Unlock()

	r.log.Debug().Str("kind", kind).Str("owner", entry.Owner).Str("query_id", entry.Job.QueryID).Msg("registered listener")
	return Registration{Owner: entry.Owner, QueryID: entry.Job.QueryID, Kind: kind}
}

// RegisterModelListener appends entry to the global kind-change list.
func (r *Registry) RegisterModelListener(entry Entry) Registration {
	r.mu.Lock()
	r.models = append(r.models, entry)
	r.mu.Unlock()

	r.log.Debug().Str("owner", entry.Owner).Str("query_id", entry.Job.QueryID).Msg("registered model listener")
	return Registration{Owner: entry.Owner, QueryID: entry.Job.QueryID, Model: true}
}

// Trigger hands every entry registered under kind its job, in registration
// order. It never waits for a job to run and returns how many were accepted.
func (r *Registry) Trigger(kind string) int {
	r.mu.RLock()
	entries := slices.Clone(r.buckets[kind])
	r.mu.RUnlock()

	return r.dispatch(entries, kind)
}

// TriggerModelListeners hands every model listener its job.
func (r *Registry) TriggerModelListeners() int {
	r.mu.RLock()
	entries := slices.Clone(r.models)
	r.mu.RUnlock()

	return r.dispatch(entries, "")
}

func (r *Registry) dispatch(entries []Entry, kind string) int {
	accepted := 0
	for _, e := range entries {
		if e.Sink.Enqueue(e.Job) {
			accepted++
			continue
		}
		r.log.Debug().
			Str("kind", kind).
			Str("owner", e.Owner).
			Str("query_id", e.Job.QueryID).
			Msg("listener is closing, job not accepted")
	}
	return accepted
}

// Remove deletes the entry reg points at. It reports whether one was found.
func (r *Registry) Remove(reg Registration) bool {
	match := func(e Entry) bool {
		return e.Owner == reg.Owner && e.Job.QueryID == reg.QueryID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if reg.Model {
		before := len(r.models)
		r.models = slices.DeleteFunc(r.models, match)
		return len(r.models) != before
	}

	bucket, ok := r.buckets[reg.Kind]
	if !ok {
		return false
	}
	before := len(bucket)
	bucket = slices.DeleteFunc(bucket, match)
	if len(bucket) == 0 {
		delete(r.buckets, reg.Kind)
	} else {
		r.buckets[reg.Kind] = bucket
	}
	return len(bucket) != before
}

// Unregister removes every entry owned by owner from all buckets and the
// model list. It returns the number removed.
func (r *Registry) Unregister(owner string) int {
	byOwner := func(e Entry) bool { return e.Owner == owner }

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for kind, bucket := range r.buckets {
		before := len(bucket)
		bucket = slices.DeleteFunc(bucket, byOwner)
		removed += before - len(bucket)
		if len(bucket) == 0 {
			delete(r.buckets, kind)
		} else {
			r.buckets[kind] = bucket
		}
	}
	before := len(r.models)
	r.models = slices.DeleteFunc(r.models, byOwner)
	removed += before - len(r.models)
	return removed
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Kinds: len(r.buckets), ModelListeners: len(r.models)}
	for _, bucket := range r.buckets {
		s.Entries += len(bucket)
	}
	return s
}
