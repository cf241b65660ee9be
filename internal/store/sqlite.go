package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/alert"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLite stores records in two tables: one row of counters per user and
// one row per alert, keyed by (username, seq).
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Store", "SQLite database initialized at %s", path)
	return &SQLite{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("Store", "Applied migration %s (%s)", r.Source.Path, r.Duration)
	}
	return nil
}

// Load implements Store.
func (s *SQLite) Load(ctx context.Context) (map[string]alert.Record, error) {
	out := make(map[string]alert.Record)

	rows, err := s.db.QueryContext(ctx, `
		SELECT username, looking_away, multiple_people, no_face, blur_screen, tab_switching
		FROM monitoring_records`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	for rows.Next() {
		var (
			user                                 string
			away, multi, noFace, blur, tabSwitch int
		)
		if err := rows.Scan(&user, &away, &multi, &noFace, &blur, &tabSwitch); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec := alert.NewRecord()
		rec.Counts[types.LookingAway] = away
		rec.Counts[types.MultiplePeople] = multi
		rec.Counts[types.NoFace] = noFace
		rec.Counts[types.BlurScreen] = blur
		rec.Counts[types.TabSwitching] = tabSwitch
		out[user] = rec
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT username, id, timestamp, type, message
		FROM alert_history ORDER BY username, seq`)
	if err != nil {
		return nil, fmt.Errorf("query alert history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var user, id, ts, typ, msg string
		if err := rows.Scan(&user, &id, &ts, &typ, &msg); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		rec, ok := out[user]
		if !ok {
			continue
		}
		a := alert.AlertRecord{ID: id, Message: msg}
		if a.Timestamp, err = alert.ParseTimestamp(ts); err != nil {
			return nil, fmt.Errorf("alert for %s: %w", user, err)
		}
		if a.Category, err = types.ParseCategory(typ); err != nil {
			return nil, fmt.Errorf("alert for %s: %w", user, err)
		}
		rec.AlertHistory = append(rec.AlertHistory, a)
		out[user] = rec
	}
	return out, rows.Err()
}

// Save implements Store. The alert log is append-only, so only entries past
// the stored length are inserted.
func (s *SQLite) Save(ctx context.Context, records map[string]alert.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO monitoring_records (username, looking_away, multiple_people, no_face, blur_screen, tab_switching, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(username) DO UPDATE SET
			looking_away = excluded.looking_away,
			multiple_people = excluded.multiple_people,
			no_face = excluded.no_face,
			blur_screen = excluded.blur_screen,
			tab_switching = excluded.tab_switching,
			updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer upsert.Close()

	insert, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO alert_history (username, seq, id, timestamp, type, message)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	for user, rec := range records {
		if _, err := upsert.ExecContext(ctx, user,
			rec.Counts[types.LookingAway], rec.Counts[types.MultiplePeople], rec.Counts[types.NoFace],
			rec.Counts[types.BlurScreen], rec.Counts[types.TabSwitching]); err != nil {
			return fmt.Errorf("save %s: %w", user, err)
		}

		var stored int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM alert_history WHERE username = ?`, user).Scan(&stored); err != nil {
			return fmt.Errorf("count alerts for %s: %w", user, err)
		}
		for seq := stored; seq < len(rec.AlertHistory); seq++ {
			a := rec.AlertHistory[seq]
			if _, err := insert.ExecContext(ctx, user, seq, a.ID,
				a.Timestamp.Format(time.RFC3339Nano), a.Category.String(), a.Message); err != nil {
				return fmt.Errorf("save alert %d for %s: %w", seq, user, err)
			}
		}
	}
	return tx.Commit()
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, users ...string) error {
	if len(users) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(users)), ",")
	args := make([]any, len(users))
	for i, u := range users {
		args[i] = u
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM alert_history WHERE username IN ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("delete alerts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM monitoring_records WHERE username IN ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return tx.Commit()
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}
