// Package accesslog implements the Generation Tracker & Access Logger
// (spec §2.J / §3 "Generation record"): an immutable, append-only record
// of each completed generation, persisted with SQLite/Postgres backends
// and pruned to a fixed retention window on roughly every 50th insert.
package accesslog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// DefaultRetention is how long a generation record is kept before it
// becomes eligible for pruning (spec §3: "default 7 days").
const DefaultRetention = 7 * 24 * time.Hour

// Generation is one immutable completion record (spec §3 "Generation
// record"): id, model, provider, timestamps, finish reason, token
// counts and costs, a masked api-key-id, and the stream flag.
type Generation struct {
	ID               string
	ClientID         string
	APIKeyMasked     string
	Model            string
	Provider         string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	Stream           bool
	DurationMS       int64
	CreatedAt        time.Time
}

// Query filters a generation listing.
type Query struct {
	Limit    int
	Offset   int
	ClientID string
	Model    string
	Provider string
	Since    *time.Time
}

// ListResult is a paginated generation listing.
type ListResult struct {
	Data  []Generation
	Total int
}

// Writer persists generation records.
type Writer interface {
	Write(ctx context.Context, g Generation) error
}

// Reader loads generation records.
type Reader interface {
	List(ctx context.Context, q Query) (ListResult, error)
}

// Tracker is a Writer+Reader pair additionally responsible for
// retention-window pruning, run opportunistically on write (spec §3:
// "periodically pruned on insert").
type Tracker interface {
	Writer
	Reader
}

// NoopTracker discards every write; used when access logging is
// disabled.
type NoopTracker struct{}

func (NoopTracker) Write(context.Context, Generation) error       { return nil }
func (NoopTracker) List(context.Context, Query) (ListResult, error) { return ListResult{}, nil }

// SQLTracker persists generation records to SQLite/Postgres and prunes
// rows older than Retention once every pruneEvery writes.
type SQLTracker struct {
	db        *sql.DB
	dialect   string
	Retention time.Duration

	writesSincePrune int
}

// pruneEvery bounds how often the prune DELETE runs -- every write would
// be wasteful under load, so pruning piggybacks on roughly every Nth
// write instead of a background goroutine (this tracker has no
// lifecycle hook to stop one).
const pruneEvery = 50

func NewSQLiteTracker(dsn string) (*SQLTracker, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "localrouter-access.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite access log tracker: %w", err)
	}
	t := &SQLTracker{db: db, dialect: "sqlite", Retention: DefaultRetention}
	if err := t.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

func NewPostgresTracker(dsn string) (*SQLTracker, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres access log tracker: %w", err)
	}
	t := &SQLTracker{db: db, dialect: "postgres", Retention: DefaultRetention}
	if err := t.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

func (t *SQLTracker) init() error {
	if err := t.db.Ping(); err != nil {
		return fmt.Errorf("ping %s access log tracker: %w", t.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS generations (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	api_key_masked TEXT,
	model TEXT,
	provider TEXT,
	finish_reason TEXT,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	stream INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);`
	if t.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS generations (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	api_key_masked TEXT,
	model TEXT,
	provider TEXT,
	finish_reason TEXT,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	cost_usd DOUBLE PRECISION NOT NULL,
	stream BOOLEAN NOT NULL,
	duration_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`
	}
	if _, err := t.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize access log schema: %w", err)
	}
	return nil
}

func (t *SQLTracker) Write(ctx context.Context, g Generation) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO generations(id, client_id, api_key_masked, model, provider, finish_reason, prompt_tokens, completion_tokens, total_tokens, cost_usd, stream, duration_ms, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if t.dialect == "postgres" {
		query = bindPostgres(query)
	}

	_, err := t.db.ExecContext(ctx, query,
		g.ID, g.ClientID, g.APIKeyMasked, g.Model, g.Provider, g.FinishReason,
		g.PromptTokens, g.CompletionTokens, g.TotalTokens, g.CostUSD, g.Stream, g.DurationMS, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("write generation: %w", err)
	}

	t.writesSincePrune++
	if t.writesSincePrune >= pruneEvery {
		t.writesSincePrune = 0
		if err := t.prune(ctx); err != nil {
			return fmt.Errorf("prune generations: %w", err)
		}
	}
	return nil
}

func (t *SQLTracker) prune(ctx context.Context) error {
	retention := t.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := time.Now().UTC().Add(-retention)
	query := "DELETE FROM generations WHERE created_at < ?"
	if t.dialect == "postgres" {
		query = bindPostgres(query)
	}
	_, err := t.db.ExecContext(ctx, query, cutoff)
	return err
}

// PruneNow forces an immediate retention-window prune, independent of
// the opportunistic on-write cadence (used by tests and by an optional
// periodic caller in cmd/localrouter).
func (t *SQLTracker) PruneNow(ctx context.Context) error { return t.prune(ctx) }

func (t *SQLTracker) List(ctx context.Context, q Query) (ListResult, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	var where []string
	var args []interface{}
	if q.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, q.ClientID)
	}
	if q.Model != "" {
		where = append(where, "model = ?")
		args = append(args, q.Model)
	}
	if q.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, q.Provider)
	}
	if q.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UTC())
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	countQuery := "SELECT COUNT(*) FROM generations" + whereSQL
	if t.dialect == "postgres" {
		countQuery = bindPostgres(countQuery)
	}
	var total int
	if err := t.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("count generations: %w", err)
	}

	listQuery := "SELECT id, client_id, api_key_masked, model, provider, finish_reason, prompt_tokens, completion_tokens, total_tokens, cost_usd, stream, duration_ms, created_at FROM generations" +
		whereSQL + " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	listArgs := append(append([]interface{}{}, args...), q.Limit, q.Offset)
	if t.dialect == "postgres" {
		listQuery = bindPostgres(listQuery)
	}

	rows, err := t.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	data := make([]Generation, 0)
	for rows.Next() {
		var (
			g            Generation
			apiKeyMasked sql.NullString
			model        sql.NullString
			provider     sql.NullString
			finishReason sql.NullString
		)
		if err := rows.Scan(&g.ID, &g.ClientID, &apiKeyMasked, &model, &provider, &finishReason,
			&g.PromptTokens, &g.CompletionTokens, &g.TotalTokens, &g.CostUSD, &g.Stream, &g.DurationMS, &g.CreatedAt); err != nil {
			return ListResult{}, fmt.Errorf("scan generation row: %w", err)
		}
		g.APIKeyMasked = apiKeyMasked.String
		g.Model = model.String
		g.Provider = provider.String
		g.FinishReason = finishReason.String
		data = append(data, g)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("iterate generations: %w", err)
	}

	return ListResult{Data: data, Total: total}, nil
}

func bindPostgres(query string) string {
	var b strings.Builder
	idx := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", idx))
			idx++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// MaskAPIKey renders a display-safe form of a secret: the first 4 and
// last 4 characters, with the middle collapsed to a fixed run of
// asterisks regardless of actual length (spec §3: "masked for display").
func MaskAPIKey(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
