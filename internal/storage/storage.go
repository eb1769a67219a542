package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for build jobs, finalized
// stacks and master frames.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS build_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS stack_records (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            fits_path TEXT NOT NULL,
            png_path TEXT,
            frame_count INTEGER,
            trigger TEXT,
            ra REAL,
            dec REAL,
            has_coords BOOLEAN DEFAULT FALSE,
            started_at TIMESTAMP,
            finished_at TIMESTAMP,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS master_records (
            path TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            settings_key TEXT NOT NULL,
            exposure_time REAL,
            gain INTEGER,
            offset INTEGER,
            readout_mode INTEGER,
            frame_count INTEGER,
            rejected INTEGER,
            mean REAL,
            std REAL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_stack_records_finished ON stack_records(finished_at);`,
		`CREATE INDEX IF NOT EXISTS idx_master_records_kind ON master_records(kind);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// StackRecord captures one finalized stack.
type StackRecord struct {
	ID         int64
	FITSPath   string
	PNGPath    string
	FrameCount int
	Trigger    string
	RA         float64
	Dec        float64
	HasCoords  bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// MasterRecord captures one built master frame.
type MasterRecord struct {
	Path         string
	Kind         string
	SettingsKey  string
	ExposureTime float64
	Gain         int
	Offset       int
	ReadoutMode  int
	FrameCount   int
	Rejected     int64
	Mean         float64
	Std          float64
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO build_jobs (id, job_type, status, input_path, options_json) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE build_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE build_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, options_json, created_at, started_at, completed_at, error_message FROM build_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordStack persists one finalized stack.
func (s *Store) RecordStack(rec StackRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO stack_records (fits_path, png_path, frame_count, trigger, ra, dec, has_coords, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.FITSPath, rec.PNGPath, rec.FrameCount, rec.Trigger, rec.RA, rec.Dec, rec.HasCoords, rec.StartedAt, rec.FinishedAt)
	return err
}

// RecentStacks returns the latest finalized stacks up to limit.
func (s *Store) RecentStacks(limit int) ([]StackRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, fits_path, png_path, frame_count, trigger, ra, dec, has_coords, started_at, finished_at FROM stack_records ORDER BY finished_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []StackRecord
	for rows.Next() {
		var rec StackRecord
		var started, finished sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.FITSPath, &rec.PNGPath, &rec.FrameCount, &rec.Trigger, &rec.RA, &rec.Dec, &rec.HasCoords, &started, &finished); err != nil {
			return nil, err
		}
		if started.Valid {
			rec.StartedAt = started.Time
		}
		if finished.Valid {
			rec.FinishedAt = finished.Time
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// RecordMaster upserts one built master frame.
func (s *Store) RecordMaster(rec MasterRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO master_records (path, kind, settings_key, exposure_time, gain, offset, readout_mode, frame_count, rejected, mean, std)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.Path, rec.Kind, rec.SettingsKey, rec.ExposureTime, rec.Gain, rec.Offset, rec.ReadoutMode, rec.FrameCount, rec.Rejected, rec.Mean, rec.Std)
	return err
}

// Masters returns the recorded masters, optionally filtered by kind.
func (s *Store) Masters(kind string) ([]MasterRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	query := `SELECT path, kind, settings_key, exposure_time, gain, offset, readout_mode, frame_count, rejected, mean, std FROM master_records`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind=?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC;`

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []MasterRecord
	for rows.Next() {
		var rec MasterRecord
		if err := rows.Scan(&rec.Path, &rec.Kind, &rec.SettingsKey, &rec.ExposureTime, &rec.Gain, &rec.Offset, &rec.ReadoutMode, &rec.FrameCount, &rec.Rejected, &rec.Mean, &rec.Std); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
