package registry

import (
	"github.com/frontbase/frontbase/pkg/models"
)

// JobType tags what a Job re-executes.
type JobType int

const (
	CollectionJob JobType = iota
	EntityJob
	KindJob
)

func (t JobType) String() string {
	switch t {
	case CollectionJob:
		return "collection"
	case EntityJob:
		return "entity"
	case KindJob:
		return "kinds"
	default:
		return "unknown"
	}
}

// Job is a registered query in a form that can be queued and run again.
type Job struct {
	Type    JobType
	QueryID string
	// Kind is the canonical kind key the job is filed under. Empty for KindJob.
	Kind     string
	Filter   models.Filter
	EntityID models.ObjectID
}

// Sink receives jobs for one connection. Enqueue must not block; it reports
// false when the job was not accepted.
type Sink interface {
	Enqueue(job Job) bool
}
