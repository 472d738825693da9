package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists tool outcomes, strategy weights and history.
// It implements dragonscale.ToolStats and dragonscale.WeightStore.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *SQLiteStore) {
		s.logger = logger
	}
}

// Open opens the database at path, applies pragmas and runs migrations.
// Use ":memory:" for a throwaway store.
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: log.Logger}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.applyPragmas(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) applyPragmas() error {
	stmts := []string{
		"PRAGMA foreign_keys=ON;",
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			if stmt == "PRAGMA journal_mode=WAL;" {
				s.logger.Warn().Err(err).Msg("sqlite: WAL mode not enabled")
				continue
			}
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// RecordOutcome stores one tool attempt. Write failures are logged; stats
// are advisory and never fail an execution.
func (s *SQLiteStore) RecordOutcome(tool string, success bool, duration time.Duration) {
	if err := s.RecordOutcomeContext(context.Background(), tool, success, duration); err != nil {
		s.logger.Warn().Err(err).Str("tool", tool).Msg("record tool outcome")
	}
}

// RecordOutcomeContext is RecordOutcome with a context and an error result.
func (s *SQLiteStore) RecordOutcomeContext(ctx context.Context, tool string, success bool, duration time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_outcomes(tool, success, duration_ms, recorded_at) VALUES(?, ?, ?, ?)`,
		tool, boolToInt(success), duration.Milliseconds(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert tool outcome: %w", err)
	}
	return nil
}

// SuccessRate returns the stored success rate of tool, or 0 when unknown.
func (s *SQLiteStore) SuccessRate(tool string) float64 {
	var rate sql.NullFloat64
	row := s.db.QueryRow(`SELECT AVG(success) FROM tool_outcomes WHERE tool=?`, tool)
	if err := row.Scan(&rate); err != nil {
		s.logger.Warn().Err(err).Str("tool", tool).Msg("read tool success rate")
		return 0
	}
	if !rate.Valid {
		return 0
	}
	return rate.Float64
}

// ToolStats returns aggregated stats for every recorded tool.
func (s *SQLiteStore) ToolStats(ctx context.Context) ([]ToolStat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool, COUNT(*), SUM(success), AVG(duration_ms)
		FROM tool_outcomes GROUP BY tool ORDER BY tool`)
	if err != nil {
		return nil, fmt.Errorf("query tool stats: %w", err)
	}
	defer rows.Close()

	var out []ToolStat
	for rows.Next() {
		var (
			st     ToolStat
			meanMs float64
		)
		if err := rows.Scan(&st.Tool, &st.Attempts, &st.Successes, &meanMs); err != nil {
			return nil, fmt.Errorf("scan tool stats: %w", err)
		}
		if st.Attempts > 0 {
			st.SuccessRate = float64(st.Successes) / float64(st.Attempts)
		}
		st.MeanDuration = time.Duration(meanMs * float64(time.Millisecond))
		out = append(out, st)
	}
	return out, rows.Err()
}

// SaveWeights replaces the stored strategy weights in one transaction.
func (s *SQLiteStore) SaveWeights(ctx context.Context, weights map[string]float64, successRates map[string]float64) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin save weights: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM strategy_weights`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear weights: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for name, w := range weights {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO strategy_weights(strategy, weight, success_rate, updated_at) VALUES(?, ?, ?, ?)`,
			name, w, successRates[name], now); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert weight %q: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save weights: %w", err)
	}
	return nil
}

// LoadWeights returns the stored strategy weights and success rates.
// Both maps are empty when nothing has been saved.
func (s *SQLiteStore) LoadWeights(ctx context.Context) (map[string]float64, map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT strategy, weight, success_rate FROM strategy_weights`)
	if err != nil {
		return nil, nil, fmt.Errorf("query weights: %w", err)
	}
	defer rows.Close()

	weights := make(map[string]float64)
	rates := make(map[string]float64)
	for rows.Next() {
		var (
			name    string
			w, rate float64
		)
		if err := rows.Scan(&name, &w, &rate); err != nil {
			return nil, nil, fmt.Errorf("scan weight: %w", err)
		}
		weights[name] = w
		rates[name] = rate
	}
	return weights, rates, rows.Err()
}

// AppendHistory stores the history of one execution context, continuing
// its sequence numbers.
func (s *SQLiteStore) AppendHistory(ctx context.Context, contextID string, events []dragonscale.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin append history: %w", err)
	}
	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM history WHERE context_id=?`, contextID).Scan(&seq); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("read history seq: %w", err)
	}
	for _, ev := range events {
		seq++
		var dataJSON sql.NullString
		if len(ev.Data) > 0 {
			b, err := json.Marshal(ev.Data)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("encode history data: %w", err)
			}
			dataJSON = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO history(context_id, seq, ts, kind, plan_id, step_id, tool, strategy, attempt, detail, data_json)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			contextID, seq, ev.Time.UTC().Format(time.RFC3339Nano), string(ev.Kind),
			nullableString(ev.PlanID), nullableString(ev.StepID), nullableString(ev.Tool),
			nullableString(ev.Strategy), ev.Attempt, nullableString(ev.Detail), dataJSON); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert history: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history: %w", err)
	}
	return nil
}

// History returns the stored events of one execution context in order.
func (s *SQLiteStore) History(ctx context.Context, contextID string) ([]dragonscale.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ts, kind, plan_id, step_id, tool, strategy, attempt, detail, data_json
		FROM history WHERE context_id=? ORDER BY seq`, contextID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []dragonscale.HistoryEvent
	for rows.Next() {
		var ev dragonscale.HistoryEvent
		var ts, kind string
		var planID, stepID, tool, strategy, detail, dataJSON sql.NullString
		if err := rows.Scan(&ts, &kind, &planID, &stepID, &tool, &strategy, &ev.Attempt, &detail, &dataJSON); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Time = t
		}
		ev.Kind = dragonscale.HistoryKind(kind)
		ev.PlanID, ev.StepID, ev.Tool = planID.String, stepID.String, tool.String
		ev.Strategy, ev.Detail = strategy.String, detail.String
		if dataJSON.Valid {
			if err := json.Unmarshal([]byte(dataJSON.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("decode history data: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

var (
	_ dragonscale.ToolStats   = (*SQLiteStore)(nil)
	_ dragonscale.WeightStore = (*SQLiteStore)(nil)
	_ dragonscale.ToolStats   = (*MemoryStats)(nil)
)
