// Package graph abstracts the property-graph backend that holds all
// orchestration state. Every node and relationship is scoped by a
// namespace (graph_id) checked on every query, which is how tenant
// isolation works: one store, namespaced rows.
package graph

import (
	"context"
	"time"
)

// Node is a property-graph node. Props holds the node's property bag;
// the (Label, Key, Namespace) triple is unique within a store.
type Node struct {
	Label     string         `json:"label"`
	Key       string         `json:"key"`
	Namespace string         `json:"namespace"`
	Props     map[string]any `json:"props"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// StringProp returns the named property as a string, or "" if absent
// or not a string.
func (n *Node) StringProp(name string) string {
	s, _ := n.Props[name].(string)
	return s
}

// Order names a property to sort query results by.
type Order struct {
	Prop string
	Desc bool
}

// Query selects nodes of one label within one namespace. Filters are
// conjunctive equality matches on properties.
type Query struct {
	Label   string
	Filters map[string]any
	OrderBy []Order
	Limit   int
	Offset  int
}

// Tx is a single transaction against one namespace. All reads and
// writes inside it see and touch only that namespace's rows.
type Tx interface {
	// GetNode returns the node with the given label and key, or a
	// not_found error.
	GetNode(label, key string) (*Node, error)

	// NodeExists reports whether a node with the given label and key exists.
	NodeExists(label, key string) (bool, error)

	// CreateNode inserts a new node. If a node with the same
	// (label, key, namespace) already exists it returns a conflict
	// error; callers implementing an upsert fall back to the match
	// path on conflict.
	CreateNode(label, key string, props map[string]any) (*Node, error)

	// SetNodeProps merges props into an existing node's property bag
	// and bumps updated_at. Returns a not_found error if the node
	// does not exist.
	SetNodeProps(label, key string, props map[string]any) error

	// UpdateNodeWhere merges set into the node's properties only if
	// every guard property currently has the given value. The guard
	// check and the write are one statement, so concurrent callers
	// cannot both observe the pre-transition state. Returns false if
	// the node is missing or the guard did not hold.
	UpdateNodeWhere(label, key string, guard, set map[string]any) (bool, error)

	// UpsertRelationship creates the relationship if it does not
	// exist. Returns true when a new relationship row was created.
	UpsertRelationship(fromLabel, fromKey, relType, toLabel, toKey string) (bool, error)

	// CountRelationships returns the number of relationships matching
	// the given endpoints and type.
	CountRelationships(fromLabel, fromKey, relType, toLabel, toKey string) (int, error)

	// QueryNodes returns one page of matching nodes plus the total
	// match count before limit/offset.
	QueryNodes(q Query) ([]*Node, int, error)
}

// Store is the graph backend. Writes happen inside WithTx; a returned
// error rolls the transaction back, nil commits it.
type Store interface {
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// WithTx runs fn inside a single transaction scoped to namespace.
	WithTx(ctx context.Context, namespace string, fn func(tx Tx) error) error

	// Close releases the backend connection.
	Close() error
}
