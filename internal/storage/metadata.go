package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/codebuildervaibhav/audio-pipeline/internal/types"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrInvalidName is returned for an empty folder name.
var ErrInvalidName = errors.New("folder name is required")

// Folder groups jobs for browsing and search filters.
type Folder struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// SegmentHit is one transcript segment matching a search.
type SegmentHit struct {
	JobID            string  `json:"job_id"`
	OriginalFilename string  `json:"original_filename"`
	Start            float64 `json:"start"`
	End              float64 `json:"end"`
	Text             string  `json:"text"`
}

// MeetingHit is one job whose topic or subtopics match a search.
type MeetingHit struct {
	JobID            string `json:"job_id"`
	OriginalFilename string `json:"original_filename"`
	MainTopic        string `json:"main_topic"`
	Document         string `json:"document"`
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS folders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		folder_id INTEGER,
		original_filename TEXT NOT NULL DEFAULT '',
		file_hash TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_folder_id ON jobs(folder_id)`,
	`CREATE TABLE IF NOT EXISTS job_state (
		job_id TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transcript_segments (
		job_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		start_sec REAL NOT NULL,
		end_sec REAL NOT NULL,
		text TEXT NOT NULL,
		original_filename TEXT NOT NULL DEFAULT '',
		folder_id INTEGER,
		PRIMARY KEY (job_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS meetings (
		job_id TEXT PRIMARY KEY,
		original_filename TEXT NOT NULL DEFAULT '',
		main_topic TEXT NOT NULL DEFAULT '',
		document TEXT NOT NULL,
		folder_id INTEGER
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS folders (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		folder_id BIGINT,
		original_filename TEXT NOT NULL DEFAULT '',
		file_hash TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_folder_id ON jobs(folder_id)`,
	`CREATE TABLE IF NOT EXISTS job_state (
		job_id TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transcript_segments (
		job_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		start_sec DOUBLE PRECISION NOT NULL,
		end_sec DOUBLE PRECISION NOT NULL,
		text TEXT NOT NULL,
		original_filename TEXT NOT NULL DEFAULT '',
		folder_id BIGINT,
		PRIMARY KEY (job_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS meetings (
		job_id TEXT PRIMARY KEY,
		original_filename TEXT NOT NULL DEFAULT '',
		main_topic TEXT NOT NULL DEFAULT '',
		document TEXT NOT NULL,
		folder_id BIGINT
	)`,
}

// MetadataDB is the SQL store for job rows, folders, the search index and
// optionally the durable job records. It runs on SQLite or PostgreSQL.
type MetadataDB struct {
	db     *sql.DB
	driver string
}

// NewMetadataDB opens the database and creates missing tables.
func NewMetadataDB(ctx context.Context, driver, dsn string) (*MetadataDB, error) {
	var schema []string
	switch driver {
	case DriverSQLite:
		schema = sqliteSchema
	case DriverPostgres:
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if driver == DriverSQLite && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}

	return &MetadataDB{db: db, driver: driver}, nil
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (mdb *MetadataDB) rebind(query string) string {
	if mdb.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (mdb *MetadataDB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return mdb.db.ExecContext(ctx, mdb.rebind(query), args...)
}

// UpsertJobRow inserts or replaces the lightweight row of a job.
func (mdb *MetadataDB) UpsertJobRow(ctx context.Context, row types.JobRow) error {
	_, err := mdb.exec(ctx, `
	INSERT INTO jobs (job_id, folder_id, original_filename, file_hash, status, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (job_id) DO UPDATE SET
		folder_id = excluded.folder_id,
		original_filename = excluded.original_filename,
		file_hash = excluded.file_hash,
		status = excluded.status,
		updated_at = excluded.updated_at`,
		row.JobID, nullInt64(row.FolderID), row.OriginalFilename, row.FileHash, string(row.Status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert job row: %w", err)
	}
	return nil
}

// DeleteJobRow removes the job row and the job's search index entries.
func (mdb *MetadataDB) DeleteJobRow(ctx context.Context, jobID string) error {
	tx, err := mdb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"jobs", "transcript_segments", "meetings"} {
		if _, err := tx.ExecContext(ctx, mdb.rebind("DELETE FROM "+table+" WHERE job_id = ?"), jobID); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// JobRow returns the stored row of a job.
func (mdb *MetadataDB) JobRow(ctx context.Context, jobID string) (types.JobRow, error) {
	var (
		row    types.JobRow
		folder sql.NullInt64
		status string
	)
	err := mdb.db.QueryRowContext(ctx, mdb.rebind(`
	SELECT job_id, folder_id, original_filename, file_hash, status FROM jobs WHERE job_id = ?`), jobID).
		Scan(&row.JobID, &folder, &row.OriginalFilename, &row.FileHash, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return types.JobRow{}, ErrNotFound
	}
	if err != nil {
		return types.JobRow{}, fmt.Errorf("failed to get job row: %w", err)
	}
	row.Status = types.JobStatus(status)
	if folder.Valid {
		id := folder.Int64
		row.FolderID = &id
	}
	return row, nil
}

// ListFolders returns all folders ordered by name.
func (mdb *MetadataDB) ListFolders(ctx context.Context) ([]Folder, error) {
	rows, err := mdb.db.QueryContext(ctx, "SELECT id, name, created_at FROM folders ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	folders := []Folder{}
	for rows.Next() {
		var f Folder
		if err := rows.Scan(&f.ID, &f.Name, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// GetFolder returns one folder.
func (mdb *MetadataDB) GetFolder(ctx context.Context, id int64) (Folder, error) {
	var f Folder
	err := mdb.db.QueryRowContext(ctx, mdb.rebind("SELECT id, name, created_at FROM folders WHERE id = ?"), id).
		Scan(&f.ID, &f.Name, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Folder{}, ErrNotFound
	}
	if err != nil {
		return Folder{}, fmt.Errorf("failed to get folder: %w", err)
	}
	return f, nil
}

// CreateFolder inserts a folder with a trimmed, non-empty name.
func (mdb *MetadataDB) CreateFolder(ctx context.Context, name string) (Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Folder{}, ErrInvalidName
	}
	f := Folder{Name: name, CreatedAt: time.Now().UTC()}
	err := mdb.db.QueryRowContext(ctx,
		mdb.rebind("INSERT INTO folders (name, created_at) VALUES (?, ?) RETURNING id"),
		f.Name, f.CreatedAt).Scan(&f.ID)
	if err != nil {
		return Folder{}, fmt.Errorf("failed to create folder: %w", err)
	}
	return f, nil
}

// RenameFolder changes a folder's name.
func (mdb *MetadataDB) RenameFolder(ctx context.Context, id int64, name string) (Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Folder{}, ErrInvalidName
	}
	res, err := mdb.exec(ctx, "UPDATE folders SET name = ? WHERE id = ?", name, id)
	if err != nil {
		return Folder{}, fmt.Errorf("failed to rename folder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Folder{}, ErrNotFound
	}
	return mdb.GetFolder(ctx, id)
}

// DeleteFolder removes a folder and unassigns its jobs and index rows.
func (mdb *MetadataDB) DeleteFolder(ctx context.Context, id int64) error {
	tx, err := mdb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, mdb.rebind("DELETE FROM folders WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	for _, table := range []string{"jobs", "transcript_segments", "meetings"} {
		q := mdb.rebind("UPDATE " + table + " SET folder_id = NULL WHERE folder_id = ?")
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to unassign %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// Index stores a completed job's transcript segments and topics for search.
// Re-indexing a job replaces its previous entries.
func (mdb *MetadataDB) Index(ctx context.Context, req types.IndexRequest) error {
	tx, err := mdb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"transcript_segments", "meetings"} {
		if _, err := tx.ExecContext(ctx, mdb.rebind("DELETE FROM "+table+" WHERE job_id = ?"), req.JobID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	filename := req.OriginalFilename
	if filename == "" {
		filename = req.JobID
	}
	folder := nullInt64(req.FolderID)

	insertSeg := mdb.rebind(`
	INSERT INTO transcript_segments (job_id, seq, start_sec, end_sec, text, original_filename, folder_id)
	VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for i, seg := range req.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, insertSeg, req.JobID, i, seg.Start, seg.End, text, filename, folder); err != nil {
			return fmt.Errorf("failed to index segment: %w", err)
		}
	}

	doc := req.MainTopic
	if len(req.Subtopics) > 0 {
		doc = req.MainTopic + "\n" + strings.Join(req.Subtopics, "\n")
	}
	doc = strings.TrimSpace(doc)
	if doc == "" {
		doc = "(No topic)"
	}
	_, err = tx.ExecContext(ctx, mdb.rebind(`
	INSERT INTO meetings (job_id, original_filename, main_topic, document, folder_id)
	VALUES (?, ?, ?, ?, ?)`), req.JobID, filename, req.MainTopic, doc, folder)
	if err != nil {
		return fmt.Errorf("failed to index meeting: %w", err)
	}
	return tx.Commit()
}

// folderFilter builds an IN clause for folder ids, or nothing when ids is empty.
func folderFilter(ids []int64) (string, []any) {
	if len(ids) == 0 {
		return "", nil
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return " AND folder_id IN (" + strings.Join(marks, ", ") + ")", args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern matches q literally anywhere in the column. Queries using it
// must declare ESCAPE '\'.
func likePattern(q string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(strings.TrimSpace(q))) + "%"
}

// SearchSegments finds transcript segments containing q, case-insensitively.
func (mdb *MetadataDB) SearchSegments(ctx context.Context, q string, limit int, folderIDs []int64) ([]SegmentHit, error) {
	filter, fargs := folderFilter(folderIDs)
	args := append([]any{likePattern(q)}, fargs...)
	args = append(args, limit)

	rows, err := mdb.db.QueryContext(ctx, mdb.rebind(`
	SELECT job_id, original_filename, start_sec, end_sec, text
	FROM transcript_segments
	WHERE LOWER(text) LIKE ? ESCAPE '\'`+filter+`
	ORDER BY job_id, seq
	LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search segments: %w", err)
	}
	defer rows.Close()

	hits := []SegmentHit{}
	for rows.Next() {
		var h SegmentHit
		if err := rows.Scan(&h.JobID, &h.OriginalFilename, &h.Start, &h.End, &h.Text); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchMeetings finds jobs whose topic or subtopics contain q.
func (mdb *MetadataDB) SearchMeetings(ctx context.Context, q string, limit int, folderIDs []int64) ([]MeetingHit, error) {
	filter, fargs := folderFilter(folderIDs)
	args := append([]any{likePattern(q)}, fargs...)
	args = append(args, limit)

	rows, err := mdb.db.QueryContext(ctx, mdb.rebind(`
	SELECT job_id, original_filename, main_topic, document
	FROM meetings
	WHERE LOWER(document) LIKE ? ESCAPE '\'`+filter+`
	ORDER BY job_id
	LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search meetings: %w", err)
	}
	defer rows.Close()

	hits := []MeetingHit{}
	for rows.Next() {
		var h MeetingHit
		if err := rows.Scan(&h.JobID, &h.OriginalFilename, &h.MainTopic, &h.Document); err != nil {
			return nil, fmt.Errorf("failed to scan meeting: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Records returns a RecordStore backed by the job_state table.
func (mdb *MetadataDB) Records() *SQLRecordStore {
	return &SQLRecordStore{mdb: mdb}
}

// Close closes the database connection
func (mdb *MetadataDB) Close() error {
	return mdb.db.Close()
}

// SQLRecordStore keeps serialized terminal job records in the job_state table.
type SQLRecordStore struct {
	mdb *MetadataDB
}

// Write upserts the record of jobID.
func (rs *SQLRecordStore) Write(ctx context.Context, jobID string, data []byte) error {
	_, err := rs.mdb.exec(ctx, `
	INSERT INTO job_state (job_id, state_json, updated_at) VALUES (?, ?, ?)
	ON CONFLICT (job_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		jobID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save job state %s: %w", jobID, err)
	}
	return nil
}

// ReadAll returns every stored record.
func (rs *SQLRecordStore) ReadAll(ctx context.Context) ([][]byte, error) {
	rows, err := rs.mdb.db.QueryContext(ctx, "SELECT state_json FROM job_state ORDER BY job_id")
	if err != nil {
		return nil, fmt.Errorf("failed to load job states: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan job state: %w", err)
		}
		out = append(out, []byte(s))
	}
	return out, rows.Err()
}

// Delete removes the record of jobID.
func (rs *SQLRecordStore) Delete(ctx context.Context, jobID string) error {
	if _, err := rs.mdb.exec(ctx, "DELETE FROM job_state WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("failed to delete job state %s: %w", jobID, err)
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
