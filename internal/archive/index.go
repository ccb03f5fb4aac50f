// Package archive keeps a SQLite index of archived contracts so finished
// work can be queried without scanning the archive directory.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/animus-coder/taskplane/internal/contract"
)

// ErrNotIndexed is returned by Get for unknown task ids.
var ErrNotIndexed = errors.New("contract not in archive index")

// Entry is one indexed contract.
type Entry struct {
	TaskID           string          `json:"task_id"`
	Title            string          `json:"title,omitempty"`
	Status           contract.Status `json:"status"`
	CostUSD          float64         `json:"cost_usd"`
	TokensUsed       int             `json:"tokens_used"`
	RebuttalCount    int             `json:"rebuttal_count"`
	ReviewCycleCount int             `json:"review_cycle_count"`
	Turns            int             `json:"turns"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ArchivedAt       time.Time       `json:"archived_at"`
}

// Summary aggregates the index per terminal status.
type Summary struct {
	Count    int                     `json:"count"`
	CostUSD  float64                 `json:"cost_usd"`
	ByStatus map[contract.Status]int `json:"by_status"`
}

// Index is a SQLite-backed contract.ArchiveIndex.
type Index struct {
	db   *sql.DB
	path string
}

// Open creates or opens the index database at path.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open archive index: %w", err)
	}
	db.SetMaxOpenConns(1)

	idx := &Index{db: db, path: path}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init archive schema: %w", err)
	}
	return idx, nil
}

// Close closes the database.
func (i *Index) Close() error {
	return i.db.Close()
}

// Path returns the database file path.
func (i *Index) Path() string {
	return i.path
}

func (i *Index) initSchema() error {
	_, err := i.db.Exec(`
	CREATE TABLE IF NOT EXISTS archived_contracts (
		task_id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		cost_usd REAL NOT NULL,
		tokens_used INTEGER NOT NULL,
		rebuttal_count INTEGER NOT NULL,
		review_cycle_count INTEGER NOT NULL,
		turns INTEGER NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		archived_at TEXT NOT NULL,
		document TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archived_status ON archived_contracts(status);
	CREATE INDEX IF NOT EXISTS idx_archived_at ON archived_contracts(archived_at);
	`)
	return err
}

// Record upserts c. The full document is stored alongside the columns.
func (i *Index) Record(ctx context.Context, c *contract.Contract) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode contract: %w", err)
	}
	_, err = i.db.ExecContext(ctx, `
	INSERT INTO archived_contracts (
		task_id, title, status, cost_usd, tokens_used, rebuttal_count,
		review_cycle_count, turns, failure_reason, created_at, archived_at, document
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(task_id) DO UPDATE SET
		title = excluded.title,
		status = excluded.status,
		cost_usd = excluded.cost_usd,
		tokens_used = excluded.tokens_used,
		rebuttal_count = excluded.rebuttal_count,
		review_cycle_count = excluded.review_cycle_count,
		turns = excluded.turns,
		failure_reason = excluded.failure_reason,
		created_at = excluded.created_at,
		archived_at = excluded.archived_at,
		document = excluded.document`,
		c.TaskID, c.Title, string(c.Status), c.Breaker.CostUSD, c.Breaker.TokensUsed,
		c.Breaker.RebuttalCount, c.Breaker.ReviewCycleCount, len(c.Turns), c.FailureReason,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt), string(doc),
	)
	if err != nil {
		return fmt.Errorf("index contract %s: %w", c.TaskID, err)
	}
	return nil
}

const entryColumns = `task_id, title, status, cost_usd, tokens_used, rebuttal_count,
	review_cycle_count, turns, failure_reason, created_at, archived_at`

// List returns entries newest first. An empty status matches all.
func (i *Index) List(ctx context.Context, status contract.Status, limit int) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM archived_contracts`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY archived_at DESC, task_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns one entry and its full archived document.
func (i *Index) Get(ctx context.Context, taskID string) (Entry, *contract.Contract, error) {
	row := i.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+`, document FROM archived_contracts WHERE task_id = ?`, taskID)

	var doc string
	e, err := scanEntry(row, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, nil, fmt.Errorf("%w: %s", ErrNotIndexed, taskID)
	}
	if err != nil {
		return Entry{}, nil, err
	}
	c, err := contract.Decode([]byte(doc))
	if err != nil {
		return e, nil, err
	}
	return e, c, nil
}

// Summarize aggregates counts and spend.
func (i *Index) Summarize(ctx context.Context) (Summary, error) {
	rows, err := i.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(cost_usd), 0) FROM archived_contracts GROUP BY status`)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize archive: %w", err)
	}
	defer rows.Close()

	s := Summary{ByStatus: map[contract.Status]int{}}
	for rows.Next() {
		var (
			status string
			count  int
			spend  float64
		)
		if err := rows.Scan(&status, &count, &spend); err != nil {
			return Summary{}, fmt.Errorf("scan summary: %w", err)
		}
		s.ByStatus[contract.Status(status)] = count
		s.Count += count
		s.CostUSD += spend
	}
	return s, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner, extra ...any) (Entry, error) {
	var (
		e                   Entry
		status              string
		createdAt, archived string
	)
	dest := []any{
		&e.TaskID, &e.Title, &status, &e.CostUSD, &e.TokensUsed, &e.RebuttalCount,
		&e.ReviewCycleCount, &e.Turns, &e.FailureReason, &createdAt, &archived,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan archive entry: %w", err)
	}
	e.Status = contract.Status(status)
	e.CreatedAt = parseTime(createdAt)
	e.ArchivedAt = parseTime(archived)
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
