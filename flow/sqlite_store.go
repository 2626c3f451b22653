package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/goliatone/go-safeflow"
)

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// OpenSQLite opens the pure Go sqlite driver at path with a single
// connection, so conditional updates are serialized by the database.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

type sqlExecContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLiteMetadataStore keeps one JSON document per unique key and one per
// activity name. Writes are conditional on the stored sequence number.
type SQLiteMetadataStore struct {
	db            *sql.DB
	recordTable   string
	settingsTable string
	now           func() time.Time

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewSQLiteMetadataStore builds a store on db. The table prefix defaults
// to "activity".
func NewSQLiteMetadataStore(db *sql.DB, prefix string) *SQLiteMetadataStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "activity"
	}
	return &SQLiteMetadataStore{
		db:            db,
		recordTable:   prefix + "_records",
		settingsTable: prefix + "_settings",
		now:           time.Now,
	}
}

func (s *SQLiteMetadataStore) ReadRecord(ctx context.Context, key string) (*safeflow.ActivityRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)
	rec, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return safeflow.NewUnknownRecord(key), nil
	}
	return rec, nil
}

func (s *SQLiteMetadataStore) WriteRecord(ctx context.Context, rec *safeflow.ActivityRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	expected := 0
	if rec != nil {
		expected = rec.SequenceNumber
	}
	// the conditional statement below is the real compare; prepareWrite
	// only validates and builds the next document
	next, err := prepareWrite(rec, expected, expected > 0, s.now())
	if err != nil {
		return err
	}
	document, err := json.Marshal(next)
	if err != nil {
		return err
	}
	updatedAt := next.TimeUpdated.Format(time.RFC3339Nano)

	var result sql.Result
	if expected == 0 {
		q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (unique_key, sequence_number, state, document, updated_at) VALUES (?, 1, ?, ?, ?)`, s.recordTable)
		result, err = s.db.ExecContext(ctx, q, next.UniqueKey, next.State.String(), string(document), updatedAt)
	} else {
		q := fmt.Sprintf(`UPDATE %s SET sequence_number=?, state=?, document=?, updated_at=? WHERE unique_key=? AND sequence_number=?`, s.recordTable)
		result, err = s.db.ExecContext(ctx, q, next.SequenceNumber, next.State.String(), string(document), updatedAt, next.UniqueKey, expected)
	}
	if err != nil {
		return storeUnavailable("write", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		actual := -1
		if current, loadErr := s.load(ctx, next.UniqueKey); loadErr == nil && current != nil {
			actual = current.SequenceNumber
		}
		return sequenceConflict(next.UniqueKey, expected, actual)
	}
	commitWrite(rec, next)
	return nil
}

func (s *SQLiteMetadataStore) ReadSettings(ctx context.Context, activityName string) (safeflow.ActivitySettings, error) {
	name := strings.TrimSpace(activityName)
	if err := s.ready(ctx); err != nil {
		return safeflow.ActivitySettings{}, err
	}
	q := fmt.Sprintf(`SELECT document FROM %s WHERE activity_name = ?`, s.settingsTable)
	var document string
	err := s.db.QueryRowContext(ctx, q, name).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return settingsOrDefault(name, nil), nil
	}
	if err != nil {
		return safeflow.ActivitySettings{}, storeUnavailable("read settings", err)
	}
	var stored safeflow.ActivitySettings
	if err := json.Unmarshal([]byte(document), &stored); err != nil {
		return safeflow.ActivitySettings{}, err
	}
	return settingsOrDefault(name, &stored), nil
}

func (s *SQLiteMetadataStore) WriteSettings(ctx context.Context, settings safeflow.ActivitySettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := s.ready(ctx); err != nil {
		return err
	}
	document, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (activity_name, document, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(activity_name) DO UPDATE SET document=excluded.document, updated_at=excluded.updated_at`, s.settingsTable)
	if _, err := s.db.ExecContext(ctx, q, strings.TrimSpace(settings.Name), string(document), s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return storeUnavailable("write settings", err)
	}
	return nil
}

func (s *SQLiteMetadataStore) load(ctx context.Context, key string) (*safeflow.ActivityRecord, error) {
	if key == "" {
		return nil, nil
	}
	q := fmt.Sprintf(`SELECT sequence_number, document FROM %s WHERE unique_key = ?`, s.recordTable)
	var seq int
	var document string
	err := s.db.QueryRowContext(ctx, q, key).Scan(&seq, &document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeUnavailable("read", err)
	}
	var rec safeflow.ActivityRecord
	if err := json.Unmarshal([]byte(document), &rec); err != nil {
		return nil, err
	}
	rec.SequenceNumber = seq
	return &rec, nil
}

func (s *SQLiteMetadataStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return storeUnavailable("open", errors.New("sqlite store not configured"))
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return storeUnavailable("schema", err)
	}
	s.schemaReady = true
	return nil
}

func (s *SQLiteMetadataStore) ensureSchema(ctx context.Context, exec sqlExecContext) error {
	recordDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		unique_key TEXT PRIMARY KEY,
		sequence_number INTEGER NOT NULL,
		state TEXT NOT NULL,
		document TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.recordTable)
	if _, err := exec.ExecContext(ctx, recordDDL); err != nil {
		return err
	}
	settingsDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		activity_name TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.settingsTable)
	_, err := exec.ExecContext(ctx, settingsDDL)
	return err
}
