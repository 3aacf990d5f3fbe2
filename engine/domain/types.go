// Package domain holds the shared data model and error taxonomy for the
// ingestion core: entities, edges, episodes, ingestion tasks, and the
// queue's wire-level message shape.
package domain

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// Entity is a node in the temporal knowledge graph.
type Entity struct {
	ID             string            `json:"id" msgpack:"id"`
	Name           string            `json:"name" msgpack:"name"`
	Tenant         string            `json:"tenant" msgpack:"tenant"`
	Labels         []string          `json:"labels" msgpack:"labels"`
	Summary        string            `json:"summary,omitempty" msgpack:"summary,omitempty"`
	NameEmbedding  []float32         `json:"name_embedding,omitempty" msgpack:"name_embedding,omitempty"`
	Attributes     map[string]any    `json:"attributes,omitempty" msgpack:"attributes,omitempty"`
	CreatedAt      time.Time         `json:"created_at" msgpack:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" msgpack:"updated_at"`
	Degree         float64           `json:"degree_centrality" msgpack:"degree_centrality"`
	PageRank       float64           `json:"pagerank_centrality" msgpack:"pagerank_centrality"`
	Betweenness    float64           `json:"betweenness_centrality" msgpack:"betweenness_centrality"`
	Eigenvector    float64           `json:"eigenvector_centrality" msgpack:"eigenvector_centrality"`
	Importance     float64           `json:"importance_score" msgpack:"importance_score"`
	IsMerged       bool              `json:"is_merged,omitempty" msgpack:"is_merged,omitempty"`
	MergedInto     string            `json:"merged_into,omitempty" msgpack:"merged_into,omitempty"`
	MergedAt       *time.Time        `json:"merged_at,omitempty" msgpack:"merged_at,omitempty"`
	ConnectionsLen int               `json:"-" msgpack:"-"` // set by callers that know degree without a query
	Extra          map[string]string `json:"-" msgpack:"-"`
}

// HasLabel reports whether l is present among e's labels.
func (e *Entity) HasLabel(l string) bool {
	for _, x := range e.Labels {
		if x == l {
			return true
		}
	}
	return false
}

// Edge is a directed, typed relationship between two entities.
type Edge struct {
	ID            string         `json:"id" msgpack:"id"`
	SourceID      string         `json:"source_id" msgpack:"source_id"`
	TargetID      string         `json:"target_id" msgpack:"target_id"`
	Tenant        string         `json:"tenant" msgpack:"tenant"`
	Name          string         `json:"name" msgpack:"name"`
	Fact          string         `json:"fact,omitempty" msgpack:"fact,omitempty"`
	FactEmbedding []float32      `json:"fact_embedding,omitempty" msgpack:"fact_embedding,omitempty"`
	Episodes      []string       `json:"episodes,omitempty" msgpack:"episodes,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty" msgpack:"attributes,omitempty"`
	CreatedAt     time.Time      `json:"created_at" msgpack:"created_at"`
	ValidAt       time.Time      `json:"valid_at" msgpack:"valid_at"`
	InvalidAt     *time.Time     `json:"invalid_at,omitempty" msgpack:"invalid_at,omitempty"`
}

const DefaultRelationName = "RELATES_TO"

// RelationName returns n normalized to upper snake case, or the default
// relation name when n has no letters or digits.
func RelationName(n string) string {
	var b strings.Builder
	sep := false
	for _, r := range strings.ToUpper(strings.TrimSpace(n)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			sep = false
		} else {
			sep = true
		}
	}
	if b.Len() == 0 {
		return DefaultRelationName
	}
	return b.String()
}

// EpisodeSource enumerates the kinds of episode content.
type EpisodeSource string

const (
	EpisodeSourceMessage EpisodeSource = "message"
	EpisodeSourceText    EpisodeSource = "text"
	EpisodeSourceJSON    EpisodeSource = "json"
)

// Episode is a single ingested event from which entities and edges are extracted.
type Episode struct {
	ID                string        `json:"id" msgpack:"id"`
	Tenant            string        `json:"tenant" msgpack:"tenant"`
	Name              string        `json:"name" msgpack:"name"`
	Content           string        `json:"content" msgpack:"content"`
	Source            EpisodeSource `json:"source" msgpack:"source"`
	SourceDescription string        `json:"source_description,omitempty" msgpack:"source_description,omitempty"`
	ValidAt           time.Time     `json:"valid_at" msgpack:"valid_at"`
	CreatedAt         time.Time     `json:"created_at" msgpack:"created_at"`
}

// TaskKind is the closed set of ingestion task payload shapes.
type TaskKind string

const (
	TaskKindEpisode       TaskKind = "episode"
	TaskKindEntity        TaskKind = "entity"
	TaskKindBatch         TaskKind = "batch"
	TaskKindRelationship  TaskKind = "relationship"
	TaskKindDeduplication TaskKind = "deduplication"
)

// TaskPriority orders delivery within a poll batch, highest first.
type TaskPriority int

const (
	PriorityLow      TaskPriority = 0
	PriorityNormal   TaskPriority = 10
	PriorityHigh     TaskPriority = 20
	PriorityCritical TaskPriority = 30
)

// ParsePriority maps the spec's string priorities onto TaskPriority.
func ParsePriority(s string) TaskPriority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// IngestionTask is the unit of work flowing through the queue.
type IngestionTask struct {
	ID                     string         `json:"id" msgpack:"id"`
	Kind                   TaskKind       `json:"type" msgpack:"type"`
	Payload                map[string]any `json:"payload" msgpack:"payload"`
	Tenant                 string         `json:"group_id,omitempty" msgpack:"group_id,omitempty"`
	Priority               TaskPriority   `json:"priority" msgpack:"priority"`
	RetryCount             int            `json:"retry_count" msgpack:"retry_count"`
	MaxRetries             int            `json:"max_retries" msgpack:"max_retries"`
	CreatedAt              time.Time      `json:"created_at" msgpack:"created_at"`
	VisibilityTimeoutSecs  int            `json:"visibility_timeout" msgpack:"visibility_timeout"`
	Metadata               map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// DLQEntry is a permanently failed or retry-exhausted task, annotated with
// why it ended up in the dead-letter queue.
type DLQEntry struct {
	Task        IngestionTask `json:"task" msgpack:"task"`
	ErrorType   string        `json:"error_type" msgpack:"error_type"`
	ErrorMessage string       `json:"error_message" msgpack:"error_message"`
	FailedAt    time.Time     `json:"failed_at" msgpack:"failed_at"`
	WorkerID    string        `json:"worker_id" msgpack:"worker_id"`
}

// QueueMessage is the broker's storage-level representation of an
// enqueued item: opaque bytes plus delivery bookkeeping.
type QueueMessage struct {
	ID        int64     `msgpack:"id"`
	Contents  []byte    `msgpack:"contents"`
	PollTag   string    `msgpack:"poll_tag"`
	PollCount int       `msgpack:"poll_count"`
	Created   time.Time `msgpack:"created"`
}

// Envelope is what actually gets packed into QueueMessage.Contents: the
// task plus the priority the queue client sorts on after poll, since the
// broker itself has no concept of priority.
type Envelope struct {
	Priority int           `json:"priority" msgpack:"priority"`
	Task     IngestionTask `json:"task" msgpack:"task"`
}

// Embedder is the opaque text-to-vector collaborator (spec: out of scope,
// interface only).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
