// Package postgres provides the Postgres-backed record store. Storage is
// billed per row read/write, so every operation here is shaped to touch rows
// exactly once: claims select-and-flip in a single statement, state
// transitions and upserts run in bounded chunks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dhkim0920/termharvest/internal/harvest"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// StatementTimeout caps each statement server-side so a wedged claim or
	// bulk write cannot hold locks past the batch deadline.
	StatementTimeout time.Duration
	TransitionChunk  int
}

type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RecordStore implements harvest.RecordStore and harvest.SettingsStore
// against Postgres.
type RecordStore struct {
	pool            dbConn
	transitionChunk int
}

// NewRecordStore connects a pool and returns the store.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.StatementTimeout > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] =
			strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: pool, transitionChunk: chunkOrDefault(cfg.TransitionChunk)}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewRecordStoreWithPool(pool dbConn, transitionChunk int) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RecordStore{pool: pool, transitionChunk: chunkOrDefault(transitionChunk)}, nil
}

func chunkOrDefault(n int) int {
	if n <= 0 {
		return 200
	}
	return n
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// ClaimExpansion atomically flips up to limit PENDING rows to IN_PROGRESS
// and returns them. Select, update and return happen in one statement, so a
// concurrent claimer can never see the same rows and no separate read is
// charged.
func (s *RecordStore) ClaimExpansion(ctx context.Context, shape harvest.ClaimShape, limit int) ([]harvest.ClaimedItem, error) {
	order := "total_volume DESC"
	if shape == harvest.ClaimRandomSample {
		order = "random()"
	}
	query := fmt.Sprintf(`
UPDATE terms SET expansion_state = 'in_progress', updated_at = now()
WHERE id IN (
	SELECT id FROM terms
	WHERE expansion_state = 'pending'
	ORDER BY %s
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, term, total_volume`, order)

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim expansion: %w", err)
	}
	return scanClaimed(rows)
}

// ClaimDocFill marks the document-count columns of up to limit eligible rows
// with the in-flight sentinel and returns them. Eligible rows are those whose
// counts were never fetched.
func (s *RecordStore) ClaimDocFill(ctx context.Context, limit int) ([]harvest.ClaimedItem, error) {
	query := `
UPDATE terms SET blog_docs = -1, cafe_docs = -1, web_docs = -1, news_docs = -1, updated_at = now()
WHERE id IN (
	SELECT id FROM terms
	WHERE blog_docs IS NULL
	ORDER BY total_volume DESC
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, term, total_volume`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim doc fill: %w", err)
	}
	return scanClaimed(rows)
}

func scanClaimed(rows pgx.Rows) ([]harvest.ClaimedItem, error) {
	defer rows.Close()
	var out []harvest.ClaimedItem
	for rows.Next() {
		var item harvest.ClaimedItem
		if err := rows.Scan(&item.ID, &item.Term, &item.TotalVolume); err != nil {
			return nil, fmt.Errorf("scan claimed row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed rows: %w", err)
	}
	return out, nil
}

// SetExpansionState bulk-moves rows to the given state, chunked to bounded
// statement sizes.
func (s *RecordStore) SetExpansionState(ctx context.Context, ids []int64, state harvest.ExpansionState) error {
	for _, chunk := range chunkIDs(ids, s.transitionChunk) {
		_, err := s.pool.Exec(ctx,
			`UPDATE terms SET expansion_state = $1, updated_at = now() WHERE id = ANY($2)`,
			string(state), chunk,
		)
		if err != nil {
			return fmt.Errorf("set expansion state %s: %w", state, err)
		}
	}
	return nil
}

// ResetDocFill rolls claimed document-count columns back to unfetched so the
// rows re-enter the eligible pool. Leaving the sentinel in place would make
// them permanently invisible to the eligibility query.
func (s *RecordStore) ResetDocFill(ctx context.Context, ids []int64) error {
	for _, chunk := range chunkIDs(ids, s.transitionChunk) {
		_, err := s.pool.Exec(ctx,
			`UPDATE terms SET blog_docs = NULL, cafe_docs = NULL, web_docs = NULL, news_docs = NULL, updated_at = now() WHERE id = ANY($1)`,
			chunk,
		)
		if err != nil {
			return fmt.Errorf("reset doc fill: %w", err)
		}
	}
	return nil
}

// ApplyDocResults writes fetched counts plus derived ratio and tier per row.
func (s *RecordStore) ApplyDocResults(ctx context.Context, results []harvest.DocResult) error {
	for _, r := range results {
		_, err := s.pool.Exec(ctx,
			`UPDATE terms SET blog_docs = $1, cafe_docs = $2, web_docs = $3, news_docs = $4, ratio = $5, tier = $6, updated_at = now() WHERE id = $7`,
			r.Counts.Blog, r.Counts.Cafe, r.Counts.Web, r.Counts.News, r.Ratio, string(r.Tier), r.ID,
		)
		if err != nil {
			return fmt.Errorf("apply doc result for id %d: %w", r.ID, err)
		}
	}
	return nil
}

// UpsertRecords writes one chunk with per-column conflict resolution: metric
// columns are overwritten, document-count columns never regress to NULL, and
// rows with non-positive incoming volume are left untouched.
func (s *RecordStore) UpsertRecords(ctx context.Context, records []harvest.Record) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 16
	var sb strings.Builder
	sb.WriteString(`INSERT INTO terms (term, pc_volume, mobile_volume, total_volume, pc_clicks, mobile_clicks, pc_ctr, mobile_ctr, comp_idx, blog_docs, cafe_docs, web_docs, news_docs, ratio, tier, expansion_state) VALUES `)
	args := make([]any, 0, len(records)*cols)
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * cols
		sb.WriteByte('(')
		for j := 1; j <= cols; j++ {
			if j > 1 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", base+j)
		}
		sb.WriteByte(')')
		args = append(args,
			rec.Term,
			rec.PCVolume,
			rec.MobileVolume,
			rec.TotalVolume,
			rec.PCClicks,
			rec.MobileClicks,
			rec.PCCTR,
			rec.MobileCTR,
			rec.CompIdx,
			docParam(rec.Docs.Blog),
			docParam(rec.Docs.Cafe),
			docParam(rec.Docs.Web),
			docParam(rec.Docs.News),
			rec.Ratio,
			string(rec.Tier),
			string(expansionOrPending(rec.Expansion)),
		)
	}
	sb.WriteString(`
ON CONFLICT (term) DO UPDATE SET
	pc_volume = EXCLUDED.pc_volume,
	mobile_volume = EXCLUDED.mobile_volume,
	total_volume = EXCLUDED.total_volume,
	pc_clicks = EXCLUDED.pc_clicks,
	mobile_clicks = EXCLUDED.mobile_clicks,
	pc_ctr = EXCLUDED.pc_ctr,
	mobile_ctr = EXCLUDED.mobile_ctr,
	comp_idx = EXCLUDED.comp_idx,
	blog_docs = COALESCE(EXCLUDED.blog_docs, terms.blog_docs),
	cafe_docs = COALESCE(EXCLUDED.cafe_docs, terms.cafe_docs),
	web_docs = COALESCE(EXCLUDED.web_docs, terms.web_docs),
	news_docs = COALESCE(EXCLUDED.news_docs, terms.news_docs),
	ratio = CASE WHEN EXCLUDED.blog_docs IS NULL THEN terms.ratio ELSE EXCLUDED.ratio END,
	tier = CASE WHEN EXCLUDED.blog_docs IS NULL THEN terms.tier ELSE EXCLUDED.tier END,
	updated_at = now()
WHERE EXCLUDED.total_volume > 0`)

	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert %d records: %w", len(records), err)
	}
	return nil
}

// docParam encodes the tagged doc count for SQL: only a genuinely fetched
// value is written; everything else stays NULL. The in-flight -1 sentinel is
// set exclusively by ClaimDocFill.
func docParam(dc harvest.DocCount) any {
	if dc.State == harvest.DocFetched {
		return dc.Count
	}
	return nil
}

func expansionOrPending(state harvest.ExpansionState) harvest.ExpansionState {
	if state == "" {
		return harvest.ExpansionPending
	}
	return state
}

// ReclaimExpansion resets IN_PROGRESS rows untouched since cutoff back to
// PENDING and reports how many were reset.
func (s *RecordStore) ReclaimExpansion(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE terms SET expansion_state = 'pending', updated_at = now() WHERE expansion_state = 'in_progress' AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim expansion: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReclaimDocFill resets stale in-flight document-count sentinels to NULL.
func (s *RecordStore) ReclaimDocFill(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE terms SET blog_docs = NULL, cafe_docs = NULL, web_docs = NULL, news_docs = NULL, updated_at = now() WHERE blog_docs = -1 AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim doc fill: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PageKeys returns up to limit natural keys with id greater than afterID,
// along with the last id seen, for membership cache bootstrap.
func (s *RecordStore) PageKeys(ctx context.Context, afterID int64, limit int) ([]string, int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, term FROM terms WHERE id > $1 ORDER BY id LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("page keys: %w", err)
	}
	defer rows.Close()

	var (
		keys   []string
		lastID int64
	)
	for rows.Next() {
		var (
			id   int64
			term string
		)
		if err := rows.Scan(&id, &term); err != nil {
			return nil, 0, fmt.Errorf("scan key row: %w", err)
		}
		keys = append(keys, term)
		lastID = id
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate key rows: %w", err)
	}
	return keys, lastID, nil
}

// CountByState reports record counts for the status endpoint.
func (s *RecordStore) CountByState(ctx context.Context) (harvest.StateCounts, error) {
	var counts harvest.StateCounts
	err := s.pool.QueryRow(ctx, `
SELECT
	count(*) FILTER (WHERE expansion_state = 'pending'),
	count(*) FILTER (WHERE expansion_state = 'in_progress'),
	count(*) FILTER (WHERE expansion_state = 'done'),
	count(*) FILTER (WHERE blog_docs IS NULL)
FROM terms`).Scan(&counts.Pending, &counts.InProgress, &counts.Done, &counts.DocsNull)
	if err != nil {
		return harvest.StateCounts{}, fmt.Errorf("count by state: %w", err)
	}
	return counts, nil
}

// OperatingMode reads the single mode flag from the settings table,
// defaulting to scheduled when unset.
func (s *RecordStore) OperatingMode(ctx context.Context) (harvest.Mode, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = 'operating_mode'`).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.ModeScheduled, nil
	}
	if err != nil {
		return "", fmt.Errorf("read operating mode: %w", err)
	}
	if harvest.Mode(value) == harvest.ModeContinuous {
		return harvest.ModeContinuous, nil
	}
	return harvest.ModeScheduled, nil
}

func chunkIDs(ids []int64, size int) [][]int64 {
	if len(ids) == 0 {
		return nil
	}
	var out [][]int64
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
