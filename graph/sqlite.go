package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	label      TEXT NOT NULL,
	key        TEXT NOT NULL,
	namespace  TEXT NOT NULL,
	props      TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (label, key, namespace)
);

CREATE INDEX IF NOT EXISTS idx_nodes_label_ns ON nodes(label, namespace);

CREATE TABLE IF NOT EXISTS relationships (
	from_label TEXT NOT NULL,
	from_key   TEXT NOT NULL,
	rel_type   TEXT NOT NULL,
	to_label   TEXT NOT NULL,
	to_key     TEXT NOT NULL,
	namespace  TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (from_label, from_key, rel_type, to_label, to_key, namespace)
);

CREATE INDEX IF NOT EXISTS idx_rels_from ON relationships(from_label, from_key, namespace);
`

// SQLiteStore implements Store over a SQLite database. Nodes are rows
// with a JSON property bag; relationships are rows keyed by their
// endpoint pair plus type.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and
// ensures the graph schema exists. The caller is responsible for
// calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, Unavailablef("open graph store").Wrap(err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, Unavailablef("configure graph store").Wrap(err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, Internalf("create graph schema").Wrap(err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping reports whether the backend is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return Unavailablef("graph store unreachable").Wrap(err)
	}
	return nil
}

// WithTx runs fn inside one transaction scoped to namespace. fn
// returning an error rolls back; nil commits.
func (s *SQLiteStore) WithTx(ctx context.Context, namespace string, fn func(tx Tx) error) error {
	if namespace == "" {
		return Validationf("namespace is required")
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Unavailablef("begin transaction").Wrap(err)
	}
	t := &sqliteTx{tx: sqlTx, ns: namespace}
	if err := fn(t); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return Internalf("commit transaction").Wrap(err)
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
	ns string
}

// isConstraintErr reports whether err is a unique-key violation.
func isConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}

// validProp restricts property names to identifier characters; prop
// names are interpolated into json_extract paths.
func validProp(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

func (t *sqliteTx) GetNode(label, key string) (*Node, error) {
	row := t.tx.QueryRow(
		`SELECT label, key, namespace, props, created_at, updated_at
		 FROM nodes WHERE label=? AND key=? AND namespace=?`,
		label, key, t.ns)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, NotFoundf("%s %s not found", label, key)
	}
	if err != nil {
		return nil, Internalf("get node").Wrap(err)
	}
	return n, nil
}

func (t *sqliteTx) NodeExists(label, key string) (bool, error) {
	var one int
	err := t.tx.QueryRow(
		`SELECT 1 FROM nodes WHERE label=? AND key=? AND namespace=?`,
		label, key, t.ns).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, Internalf("node exists").Wrap(err)
	}
	return true, nil
}

func (t *sqliteTx) CreateNode(label, key string, props map[string]any) (*Node, error) {
	data, err := json.Marshal(props)
	if err != nil {
		return nil, Internalf("encode props").Wrap(err)
	}
	now := time.Now().UTC()
	_, err = t.tx.Exec(
		`INSERT INTO nodes (label, key, namespace, props, created_at, updated_at)
		 VALUES (?,?,?,?,?,?)`,
		label, key, t.ns, string(data), now, now)
	if isConstraintErr(err) {
		return nil, Conflictf("%s %s already exists", label, key)
	}
	if err != nil {
		return nil, Internalf("create node").Wrap(err)
	}
	return &Node{Label: label, Key: key, Namespace: t.ns, Props: props, CreatedAt: now, UpdatedAt: now}, nil
}

func (t *sqliteTx) SetNodeProps(label, key string, props map[string]any) error {
	data, err := json.Marshal(props)
	if err != nil {
		return Internalf("encode props").Wrap(err)
	}
	res, err := t.tx.Exec(
		`UPDATE nodes SET props = json_patch(props, ?), updated_at = ?
		 WHERE label=? AND key=? AND namespace=?`,
		string(data), time.Now().UTC(), label, key, t.ns)
	if err != nil {
		return Internalf("set node props").Wrap(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Internalf("set node props").Wrap(err)
	}
	if rows == 0 {
		return NotFoundf("%s %s not found", label, key)
	}
	return nil
}

// UpdateNodeWhere is the conditional-write primitive: the guard is part
// of the UPDATE's WHERE clause, so the state check and the transition
// are a single statement.
func (t *sqliteTx) UpdateNodeWhere(label, key string, guard, set map[string]any) (bool, error) {
	data, err := json.Marshal(set)
	if err != nil {
		return false, Internalf("encode props").Wrap(err)
	}
	q := strings.Builder{}
	q.WriteString(`UPDATE nodes SET props = json_patch(props, ?), updated_at = ? WHERE label=? AND key=? AND namespace=?`)
	args := []any{string(data), time.Now().UTC(), label, key, t.ns}
	for prop, val := range guard {
		if !validProp(prop) {
			return false, Validationf("invalid property name %q", prop)
		}
		fmt.Fprintf(&q, " AND json_extract(props, '$.%s') = ?", prop)
		args = append(args, val)
	}
	res, err := t.tx.Exec(q.String(), args...)
	if err != nil {
		return false, Internalf("update node").Wrap(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, Internalf("update node").Wrap(err)
	}
	return rows > 0, nil
}

func (t *sqliteTx) UpsertRelationship(fromLabel, fromKey, relType, toLabel, toKey string) (bool, error) {
	res, err := t.tx.Exec(
		`INSERT INTO relationships (from_label, from_key, rel_type, to_label, to_key, namespace, created_at)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT DO NOTHING`,
		fromLabel, fromKey, relType, toLabel, toKey, t.ns, time.Now().UTC())
	if err != nil {
		return false, Internalf("upsert relationship").Wrap(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, Internalf("upsert relationship").Wrap(err)
	}
	return rows > 0, nil
}

func (t *sqliteTx) CountRelationships(fromLabel, fromKey, relType, toLabel, toKey string) (int, error) {
	var n int
	err := t.tx.QueryRow(
		`SELECT COUNT(*) FROM relationships
		 WHERE from_label=? AND from_key=? AND rel_type=? AND to_label=? AND to_key=? AND namespace=?`,
		fromLabel, fromKey, relType, toLabel, toKey, t.ns).Scan(&n)
	if err != nil {
		return 0, Internalf("count relationships").Wrap(err)
	}
	return n, nil
}

func (t *sqliteTx) QueryNodes(q Query) ([]*Node, int, error) {
	where := strings.Builder{}
	where.WriteString(" WHERE label=? AND namespace=?")
	args := []any{q.Label, t.ns}
	for prop, val := range q.Filters {
		if !validProp(prop) {
			return nil, 0, Validationf("invalid property name %q", prop)
		}
		fmt.Fprintf(&where, " AND json_extract(props, '$.%s') = ?", prop)
		args = append(args, val)
	}

	var total int
	if err := t.tx.QueryRow("SELECT COUNT(*) FROM nodes"+where.String(), args...).Scan(&total); err != nil {
		return nil, 0, Internalf("count nodes").Wrap(err)
	}

	sel := strings.Builder{}
	sel.WriteString("SELECT label, key, namespace, props, created_at, updated_at FROM nodes")
	sel.WriteString(where.String())
	if len(q.OrderBy) > 0 {
		sel.WriteString(" ORDER BY ")
		for i, o := range q.OrderBy {
			if i > 0 {
				sel.WriteString(", ")
			}
			expr, err := orderExpr(o.Prop)
			if err != nil {
				return nil, 0, err
			}
			sel.WriteString(expr)
			if o.Desc {
				sel.WriteString(" DESC")
			}
		}
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sel, " LIMIT %d", q.Limit)
		if q.Offset > 0 {
			fmt.Fprintf(&sel, " OFFSET %d", q.Offset)
		}
	}

	rows, err := t.tx.Query(sel.String(), args...)
	if err != nil {
		return nil, 0, Internalf("query nodes").Wrap(err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, 0, Internalf("scan node").Wrap(err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, Internalf("query nodes").Wrap(err)
	}
	return nodes, total, nil
}

// orderExpr maps an order property to a SQL expression. The node's own
// columns sort as real values; everything else goes through the
// property bag.
func orderExpr(prop string) (string, error) {
	switch prop {
	case "key", "created_at", "updated_at":
		return prop, nil
	}
	if !validProp(prop) {
		return "", Validationf("invalid property name %q", prop)
	}
	return fmt.Sprintf("json_extract(props, '$.%s')", prop), nil
}

// scanner abstracts sql.Row and sql.Rows for scanNode.
type scanner interface {
	Scan(dest ...any) error
}

func scanNode(s scanner) (*Node, error) {
	var n Node
	var propsJSON string
	err := s.Scan(&n.Label, &n.Key, &n.Namespace, &propsJSON, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(propsJSON), &n.Props); err != nil {
		return nil, fmt.Errorf("decode props: %w", err)
	}
	return &n, nil
}
