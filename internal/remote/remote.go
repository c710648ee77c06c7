// Package remote defines the contracts of the remote stores the engine talks to:
// a queryable document store with live subscriptions and an ephemeral key/value
// store with disconnect hooks.
package remote

import (
	"context"
	"time"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEq            Op = "=="
	OpLt            Op = "<"
	OpLte           Op = "<="
	OpGt            Op = ">"
	OpGte           Op = ">="
	OpArrayContains Op = "array-contains"
)

// Filter restricts a query to documents whose Field compares to Value under Op.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Order sorts query results by a field.
type Order struct {
	Field string
	Desc  bool
}

// Query selects documents of one collection.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    []Order
	Limit      int

	// ChangesOnly makes Subscribe skip the initial result set. Matching
	// documents written afterwards arrive as Added when created and Modified
	// when they already existed. Query ignores it.
	ChangesOnly bool
}

// Where returns a copy of q with an extra filter.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// Document is a single remote document.
type Document struct {
	Collection string
	ID         string
	Data       map[string]any
	UpdateTime time.Time
}

// Path returns the full document path.
func (d Document) Path() string {
	return d.Collection + "/" + d.ID
}

// ChangeKind says how a document changed relative to a subscription's result set.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Removed  ChangeKind = "removed"
)

// Change is one event of a document subscription.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Subscription is a live query. Changes closes when the subscription ends;
// Err then reports why, or nil after Close.
type Subscription interface {
	Changes() <-chan Change
	Err() error
	Close()
}

// DocumentStore is the remote real-time document database.
type DocumentStore interface {
	// Query runs a one-shot query.
	Query(ctx context.Context, q Query) ([]Document, error)
	// Subscribe emits the current matches as Added, then every later change.
	// A document that stops matching is reported as Removed. See
	// Query.ChangesOnly for subscriptions without the initial read.
	Subscribe(ctx context.Context, q Query) (Subscription, error)
	// Write merges data into the document at path (collection/id), creating it
	// if needed, and returns the stored document.
	Write(ctx context.Context, path string, data map[string]any) (Document, error)
	// Update merges fields into an existing document.
	Update(ctx context.Context, path string, fields map[string]any) error
}

// Value is a snapshot of an ephemeral path. Exists is false once it is removed.
type Value struct {
	Path   string
	Data   map[string]any
	Exists bool
}

// ValueStream delivers snapshots of one ephemeral path.
type ValueStream interface {
	Values() <-chan Value
	Err() error
	Close()
}

// EphemeralStore holds short-lived presence-style records.
type EphemeralStore interface {
	Set(ctx context.Context, path string, value map[string]any) error
	Remove(ctx context.Context, path string) error
	// OnDisconnectRemove registers a cleanup that removes path when this client's
	// connection is lost, whether or not the client gets to run any more code.
	OnDisconnectRemove(ctx context.Context, path string) error
	Subscribe(ctx context.Context, path string) (ValueStream, error)
}
