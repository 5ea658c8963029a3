package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"facturas/internal"
)

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS approvals (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  provider TEXT NOT NULL,
  messageId TEXT NOT NULL,
  subject TEXT,
  fileName TEXT,
  cufe TEXT,
  number TEXT,
  issueDate TEXT,
  outcome TEXT,
  sourceArchive TEXT,
  status TEXT NOT NULL DEFAULT 'pending',
  runId TEXT,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(provider, messageId)
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
CREATE INDEX IF NOT EXISTS idx_approvals_cufe ON approvals(cufe);

CREATE TABLE IF NOT EXISTS source_documents (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  provider TEXT NOT NULL,
  messageId TEXT NOT NULL,
  attachmentId TEXT NOT NULL,
  fileName TEXT NOT NULL,
  folder TEXT NOT NULL,
  receivedAt TEXT,
  hash TEXT,
  localPath TEXT,
  records INTEGER NOT NULL DEFAULT 0,
  doneAt TEXT,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(provider, messageId, attachmentId)
);
CREATE INDEX IF NOT EXISTS idx_source_documents_folder ON source_documents(folder);

CREATE TABLE IF NOT EXISTS runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  traceId TEXT NOT NULL,
  kind TEXT NOT NULL,
  startedAt TEXT NOT NULL,
  finishedAt TEXT NOT NULL,
  countsJson TEXT NOT NULL,
  errorsJson TEXT NOT NULL,
  stoppedEarly INTEGER NOT NULL DEFAULT 0,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

	_, err := d.conn.Exec(schema)
	return err
}

// UpsertApproval records the latest outcome of an approval. An acknowledged
// approval never goes back to another status.
func (d *DB) UpsertApproval(row internal.ApprovalRow) error {
	if row.Status == "" {
		row.Status = string(internal.ApprovalPending)
	}
	_, err := d.conn.Exec(`
INSERT INTO approvals (provider, messageId, subject, fileName, cufe, number, issueDate, outcome, sourceArchive, status, runId)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, messageId) DO UPDATE SET
  subject=excluded.subject,
  fileName=excluded.fileName,
  cufe=excluded.cufe,
  number=excluded.number,
  issueDate=excluded.issueDate,
  outcome=excluded.outcome,
  sourceArchive=excluded.sourceArchive,
  status=CASE WHEN approvals.status = 'acknowledged' THEN approvals.status ELSE excluded.status END,
  runId=excluded.runId,
  updatedAt=CURRENT_TIMESTAMP
`, row.Provider, row.MessageID, row.Subject, row.FileName, row.CUFE, row.Number, row.IssueDate, row.Outcome, row.SourceArchive, row.Status, row.RunID)
	return err
}

func (d *DB) SetApprovalStatus(provider, messageID string, status internal.ApprovalStatus) error {
	_, err := d.conn.Exec(`
INSERT INTO approvals (provider, messageId, status) VALUES (?, ?, ?)
ON CONFLICT(provider, messageId) DO UPDATE SET status = excluded.status, updatedAt = CURRENT_TIMESTAMP
`, provider, messageID, string(status))
	return err
}

func (d *DB) GetApproval(provider, messageID string) (*internal.ApprovalRow, error) {
	rows, err := d.queryApprovals(`WHERE provider = ? AND messageId = ?`, provider, messageID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListApprovals returns the most recently updated approvals, optionally
// filtered by status.
func (d *DB) ListApprovals(status string, limit int) ([]internal.ApprovalRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	if status == "" {
		return d.queryApprovals(`ORDER BY updatedAt DESC, id DESC LIMIT ?`, limit)
	}
	return d.queryApprovals(`WHERE status = ? ORDER BY updatedAt DESC, id DESC LIMIT ?`, status, limit)
}

func (d *DB) queryApprovals(where string, args ...any) ([]internal.ApprovalRow, error) {
	rows, err := d.conn.Query(`
SELECT provider, messageId, COALESCE(subject, ''), COALESCE(fileName, ''), COALESCE(cufe, ''), COALESCE(number, ''),
  COALESCE(issueDate, ''), COALESCE(outcome, ''), COALESCE(sourceArchive, ''), status, COALESCE(runId, ''), updatedAt
FROM approvals `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []internal.ApprovalRow{}
	for rows.Next() {
		var row internal.ApprovalRow
		if err := rows.Scan(
			&row.Provider, &row.MessageID, &row.Subject, &row.FileName, &row.CUFE, &row.Number,
			&row.IssueDate, &row.Outcome, &row.SourceArchive, &row.Status, &row.RunID, &row.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *DB) UpsertSourceDocument(row internal.SourceDocumentRow) error {
	_, err := d.conn.Exec(`
INSERT INTO source_documents (provider, messageId, attachmentId, fileName, folder, receivedAt, hash, localPath)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, messageId, attachmentId) DO UPDATE SET
  fileName=excluded.fileName,
  folder=excluded.folder,
  receivedAt=excluded.receivedAt,
  hash=excluded.hash,
  localPath=excluded.localPath,
  updatedAt=CURRENT_TIMESTAMP
`, row.Provider, row.MessageID, row.AttachmentID, row.FileName, row.Folder, row.ReceivedAt, row.Hash, row.LocalPath)
	return err
}

func (d *DB) MarkSourceDocumentDone(folder string, records int) error {
	_, err := d.conn.Exec(`
UPDATE source_documents SET records = ?, doneAt = CURRENT_TIMESTAMP, updatedAt = CURRENT_TIMESTAMP
WHERE folder = ? AND doneAt IS NULL
`, records, folder)
	return err
}

func (d *DB) ListSourceDocuments(limit int) ([]internal.SourceDocumentRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := d.conn.Query(`
SELECT provider, messageId, attachmentId, fileName, folder, COALESCE(receivedAt, ''), COALESCE(hash, ''),
  COALESCE(localPath, ''), records, doneAt
FROM source_documents ORDER BY id DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []internal.SourceDocumentRow{}
	for rows.Next() {
		var row internal.SourceDocumentRow
		var doneAt sql.NullString
		if err := rows.Scan(
			&row.Provider, &row.MessageID, &row.AttachmentID, &row.FileName, &row.Folder, &row.ReceivedAt,
			&row.Hash, &row.LocalPath, &row.Records, &doneAt,
		); err != nil {
			return nil, err
		}
		if doneAt.Valid {
			row.DoneAt = &doneAt.String
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *DB) InsertRun(run internal.RunRow) (int64, error) {
	countsJSON, _ := json.Marshal(run.Counts)
	if run.Errors == nil {
		run.Errors = []internal.RunError{}
	}
	errorsJSON, _ := json.Marshal(run.Errors)
	stopped := 0
	if run.StoppedEarly {
		stopped = 1
	}
	res, err := d.conn.Exec(`
INSERT INTO runs (traceId, kind, startedAt, finishedAt, countsJson, errorsJson, stoppedEarly)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, run.TraceID, run.Kind, run.StartedAt, run.FinishedAt, string(countsJSON), string(errorsJSON), stopped)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *DB) ListRuns(limit int) ([]internal.RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.Query(`
SELECT id, traceId, kind, startedAt, finishedAt, countsJson, errorsJson, stoppedEarly
FROM runs ORDER BY id DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []internal.RunRow{}
	for rows.Next() {
		var row internal.RunRow
		var countsJSON, errorsJSON string
		if err := rows.Scan(&row.ID, &row.TraceID, &row.Kind, &row.StartedAt, &row.FinishedAt, &countsJSON, &errorsJSON, &row.StoppedEarly); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(countsJSON), &row.Counts)
		_ = json.Unmarshal([]byte(errorsJSON), &row.Errors)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *DB) SetMetadata(key, value string) error {
	_, err := d.conn.Exec(`
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = CURRENT_TIMESTAMP
`, key, value)
	return err
}

func (d *DB) GetMetadata(key string) (*string, error) {
	var value string
	err := d.conn.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}
