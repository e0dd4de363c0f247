// Package analytical implements the analytical store adapter over SQLite.
// The packets relation is the per-packet index of record: every routed
// packet gets a row here regardless of which content sections it carries.
// The adapter also owns the pending_compensation table, the single source of
// truth for what a partially committed packet still needs.
package analytical

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/bruised-ego-labs/nancy/engine/packet"
	"github.com/bruised-ego-labs/nancy/engine/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS packets (
	packet_id     TEXT PRIMARY KEY,
	plugin        TEXT NOT NULL,
	content_type  TEXT NOT NULL,
	origin        TEXT NOT NULL,
	created_at    TEXT,
	ingested_at   TEXT NOT NULL,
	title         TEXT,
	author        TEXT,
	tags          TEXT,
	metadata_json TEXT,
	packet_json   TEXT
);
CREATE TABLE IF NOT EXISTS packet_tables (
	packet_id    TEXT NOT NULL,
	table_name   TEXT NOT NULL,
	columns_json TEXT NOT NULL,
	PRIMARY KEY (packet_id, table_name)
);
CREATE TABLE IF NOT EXISTS packet_rows (
	packet_id   TEXT NOT NULL,
	table_name  TEXT NOT NULL,
	row_ordinal INTEGER NOT NULL,
	row_json    TEXT NOT NULL,
	PRIMARY KEY (packet_id, table_name, row_ordinal)
);
CREATE TABLE IF NOT EXISTS pending_compensation (
	packet_id       TEXT PRIMARY KEY,
	adapters        TEXT NOT NULL,
	first_failed_at TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_packets_author ON packets(author);
CREATE INDEX IF NOT EXISTS idx_packets_created ON packets(created_at);
`

// queryColumns is the closed set of columns a predicate may reference.
var queryColumns = map[string]bool{
	"packet_id": true, "plugin": true, "content_type": true, "origin": true,
	"created_at": true, "title": true, "author": true, "tags": true,
}

// ErrBadColumn rejects predicates referencing unknown columns.
var ErrBadColumn = errors.New("unknown query column")

// Store is the SQLite-backed analytical adapter.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the analytical database at path. Use ":memory:"
// for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("analytical: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("analytical: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// wrap classifies a sqlite failure for the router's retry policy.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrError:
			return store.NewPermanent(store.NameAnalytical, err)
		}
	}
	return store.NewTransient(store.NameAnalytical, err)
}

// UpsertPacketRow writes the index-of-record row for a packet, idempotent on
// packet_id.
func (s *Store) UpsertPacketRow(ctx context.Context, p packet.KnowledgePacket) error {
	tags, _ := json.Marshal(p.Metadata.Tags)
	extra, _ := json.Marshal(p.Metadata.Extra)
	full, err := json.Marshal(p)
	if err != nil {
		return store.NewPermanent(store.NameAnalytical, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO packets
			(packet_id, plugin, content_type, origin, created_at, ingested_at, title, author, tags, metadata_json, packet_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(packet_id) DO UPDATE SET
			plugin = excluded.plugin,
			content_type = excluded.content_type,
			origin = excluded.origin,
			created_at = excluded.created_at,
			title = excluded.title,
			author = excluded.author,
			tags = excluded.tags,
			metadata_json = excluded.metadata_json,
			packet_json = excluded.packet_json`,
		p.PacketID, p.Source.PluginName, string(p.Source.ContentType), p.Source.OriginLocator,
		p.Metadata.CreatedAt, time.Now().UTC().Format(time.RFC3339),
		p.Metadata.Title, p.Metadata.Author, string(tags), string(extra), string(full),
	)
	return wrap(err)
}

// LoadPacket returns the full stored packet, primarily for the compensation
// sweeper to re-route content without a fresh submission.
func (s *Store) LoadPacket(ctx context.Context, packetID string) (packet.KnowledgePacket, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT packet_json FROM packets WHERE packet_id = ?`, packetID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return packet.KnowledgePacket{}, store.NewPermanent(store.NameAnalytical,
			fmt.Errorf("packet %s: %w", packetID, store.ErrNotFound))
	}
	if err != nil {
		return packet.KnowledgePacket{}, wrap(err)
	}
	var p packet.KnowledgePacket
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return packet.KnowledgePacket{}, store.NewPermanent(store.NameAnalytical, err)
	}
	return p, nil
}

// UpsertTable replaces the named table payload of one packet.
func (s *Store) UpsertTable(ctx context.Context, packetID, tableName string, columns []packet.Column, rows [][]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err)
	}
	defer tx.Rollback()

	cols, _ := json.Marshal(columns)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO packet_tables (packet_id, table_name, columns_json)
		VALUES (?, ?, ?)
		ON CONFLICT(packet_id, table_name) DO UPDATE SET columns_json = excluded.columns_json`,
		packetID, tableName, string(cols)); err != nil {
		return wrap(err)
	}

	// Packets are immutable, so stale rows only exist from an identical
	// earlier attempt; a full replace keeps the write idempotent.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM packet_rows WHERE packet_id = ? AND table_name = ?`,
		packetID, tableName); err != nil {
		return wrap(err)
	}
	for i, row := range rows {
		rowJSON, _ := json.Marshal(row)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO packet_rows (packet_id, table_name, row_ordinal, row_json)
			VALUES (?, ?, ?, ?)`,
			packetID, tableName, i, string(rowJSON)); err != nil {
			return wrap(err)
		}
	}
	return wrap(tx.Commit())
}

// compile translates a predicate tree to a SQL fragment with bound args.
func compile(p store.Predicate) (string, []any, error) {
	switch t := p.(type) {
	case store.All:
		return "1=1", nil, nil
	case store.Eq:
		if !queryColumns[t.Column] {
			return "", nil, fmt.Errorf("%w: %s", ErrBadColumn, t.Column)
		}
		return t.Column + " = ?", []any{t.Value}, nil
	case store.In:
		if !queryColumns[t.Column] {
			return "", nil, fmt.Errorf("%w: %s", ErrBadColumn, t.Column)
		}
		if len(t.Values) == 0 {
			return "1=0", nil, nil
		}
		return t.Column + " IN (?" + strings.Repeat(",?", len(t.Values)-1) + ")", t.Values, nil
	case store.Range:
		if !queryColumns[t.Column] {
			return "", nil, fmt.Errorf("%w: %s", ErrBadColumn, t.Column)
		}
		var parts []string
		var args []any
		if t.Low != nil {
			parts = append(parts, t.Column+" >= ?")
			args = append(args, t.Low)
		}
		if t.High != nil {
			parts = append(parts, t.Column+" <= ?")
			args = append(args, t.High)
		}
		if len(parts) == 0 {
			return "1=1", nil, nil
		}
		return "(" + strings.Join(parts, " AND ") + ")", args, nil
	case store.And:
		return compileJoin(t.Preds, " AND ")
	case store.Or:
		return compileJoin(t.Preds, " OR ")
	case store.Not:
		inner, args, err := compile(t.Pred)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + inner + ")", args, nil
	default:
		return "", nil, fmt.Errorf("analytical: unsupported predicate %T", p)
	}
}

func compileJoin(preds []store.Predicate, sep string) (string, []any, error) {
	if len(preds) == 0 {
		return "1=1", nil, nil
	}
	var parts []string
	var args []any
	for _, p := range preds {
		frag, a, err := compile(p)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, frag)
		args = append(args, a...)
	}
	return "(" + strings.Join(parts, sep) + ")", args, nil
}

// RunStructuredQuery evaluates a predicate tree over the packets relation.
func (s *Store) RunStructuredQuery(ctx context.Context, pred store.Predicate) ([]store.Row, error) {
	where, args, err := compile(pred)
	if err != nil {
		return nil, store.NewPermanent(store.NameAnalytical, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT packet_id, plugin, content_type, origin, created_at, title, author, tags, metadata_json
		FROM packets WHERE `+where+` ORDER BY created_at DESC, packet_id`, args...)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		var packetID, plugin, contentType, origin string
		var createdAt, title, author, tags, metadata sql.NullString
		if err := rows.Scan(&packetID, &plugin, &contentType, &origin, &createdAt, &title, &author, &tags, &metadata); err != nil {
			return nil, wrap(err)
		}
		r := store.Row{
			"packet_id":    packetID,
			"plugin":       plugin,
			"content_type": contentType,
			"origin":       origin,
			"created_at":   createdAt.String,
			"title":        title.String,
			"author":       author.String,
		}
		if tags.Valid && tags.String != "" {
			var tagList []string
			if json.Unmarshal([]byte(tags.String), &tagList) == nil {
				r["tags"] = tagList
			}
		}
		if metadata.Valid && metadata.String != "" {
			var extra map[string]any
			if json.Unmarshal([]byte(metadata.String), &extra) == nil {
				r["metadata"] = extra
			}
		}
		out = append(out, r)
	}
	return out, wrap(rows.Err())
}

// Count returns how many packets match a predicate tree.
func (s *Store) Count(ctx context.Context, pred store.Predicate) (int, error) {
	where, args, err := compile(pred)
	if err != nil {
		return 0, store.NewPermanent(store.NameAnalytical, err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM packets WHERE `+where, args...).Scan(&n); err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

// Delete removes every trace of a packet from the analytical store.
func (s *Store) Delete(ctx context.Context, packetID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM packets WHERE packet_id = ?`,
		`DELETE FROM packet_tables WHERE packet_id = ?`,
		`DELETE FROM packet_rows WHERE packet_id = ?`,
		`DELETE FROM pending_compensation WHERE packet_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, packetID); err != nil {
			return wrap(err)
		}
	}
	return wrap(tx.Commit())
}

// RecordCompensation marks a packet as needing retries on the listed
// adapters. Repeat records bump the attempt count.
func (s *Store) RecordCompensation(ctx context.Context, packetID string, adapters []string) error {
	list, _ := json.Marshal(adapters)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_compensation (packet_id, adapters, first_failed_at, attempts)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(packet_id) DO UPDATE SET
			adapters = excluded.adapters,
			attempts = pending_compensation.attempts + 1`,
		packetID, string(list), time.Now().UTC().Format(time.RFC3339))
	return wrap(err)
}

// PendingCompensation lists packets awaiting additional store writes.
func (s *Store) PendingCompensation(ctx context.Context) ([]store.Compensation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT packet_id, adapters, attempts FROM pending_compensation ORDER BY first_failed_at`)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var out []store.Compensation
	for rows.Next() {
		var c store.Compensation
		var list string
		if err := rows.Scan(&c.PacketID, &list, &c.Attempts); err != nil {
			return nil, wrap(err)
		}
		_ = json.Unmarshal([]byte(list), &c.Adapters)
		out = append(out, c)
	}
	return out, wrap(rows.Err())
}

// ClearCompensation removes a packet's compensation record after the missing
// writes have landed.
func (s *Store) ClearCompensation(ctx context.Context, packetID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_compensation WHERE packet_id = ?`, packetID)
	return wrap(err)
}

// Health checks backend reachability.
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return store.NewCatastrophic(store.NameAnalytical, err)
	}
	return nil
}

var _ store.AnalyticalAdapter = (*Store)(nil)
