package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for jobs and their stage results.
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
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
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
		`CREATE TABLE IF NOT EXISTS registration_offsets (
            job_id TEXT NOT NULL,
            frame_index INTEGER NOT NULL,
            dx INTEGER,
            dy INTEGER,
            score REAL,
            accepted BOOLEAN DEFAULT FALSE,
            reason TEXT,
            PRIMARY KEY (job_id, frame_index)
        );`,
		`CREATE TABLE IF NOT EXISTS calibration_entries (
            job_id TEXT NOT NULL,
            position INTEGER NOT NULL,
            pixel REAL NOT NULL,
            wavelength REAL NOT NULL,
            PRIMARY KEY (job_id, position)
        );`,
		`CREATE TABLE IF NOT EXISTS frame_metadata (
            file_path TEXT PRIMARY KEY,
            frame_index INTEGER,
            date_obs TEXT,
            station TEXT,
            width INTEGER,
            height INTEGER,
            channels INTEGER
        );`,
		`CREATE INDEX IF NOT EXISTS idx_job_results_job_id ON job_results(job_id);`,
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
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// OffsetRecord is one registration offset.
type OffsetRecord struct {
	FrameIndex int     `json:"index"`
	DX         int     `json:"dx"`
	DY         int     `json:"dy"`
	Score      float64 `json:"score"`
	Accepted   bool    `json:"accepted"`
	Reason     string  `json:"reason,omitempty"`
}

// CalibrationRecord is one calibration table row.
type CalibrationRecord struct {
	Pixel      float64 `json:"pixel"`
	Wavelength float64 `json:"wavelength"`
}

// FrameMetadata captures acquisition info of a produced frame.
type FrameMetadata struct {
	FilePath   string
	FrameIndex int
	DateObs    string
	Station    string
	Width      int
	Height     int
	Channels   int
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

const jobColumns = `id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (JobRecord, error) {
	var rec JobRecord
	var started, completed sql.NullTime
	var errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	return rec, nil
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+jobColumns+` FROM processing_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job returns one job; sql.ErrNoRows when it is unknown.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	return scanJob(s.DB.QueryRow(`SELECT `+jobColumns+` FROM processing_jobs WHERE id=?;`, id))
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

// RecordOffsets replaces the registration offsets of a job.
func (s *Store) RecordOffsets(jobID string, offsets []OffsetRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM registration_offsets WHERE job_id=?;`, jobID); err != nil {
		return err
	}
	for _, o := range offsets {
		if _, err := tx.Exec(`INSERT INTO registration_offsets (job_id, frame_index, dx, dy, score, accepted, reason) VALUES (?, ?, ?, ?, ?, ?, ?);`,
			jobID, o.FrameIndex, o.DX, o.DY, o.Score, o.Accepted, o.Reason); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Offsets returns the registration offsets of a job ordered by frame.
func (s *Store) Offsets(jobID string) ([]OffsetRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT frame_index, dx, dy, score, accepted, reason FROM registration_offsets WHERE job_id=? ORDER BY frame_index;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []OffsetRecord
	for rows.Next() {
		var rec OffsetRecord
		var reason sql.NullString
		if err := rows.Scan(&rec.FrameIndex, &rec.DX, &rec.DY, &rec.Score, &rec.Accepted, &reason); err != nil {
			return nil, err
		}
		rec.Reason = reason.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordCalibration replaces the calibration table of a job, keeping order.
func (s *Store) RecordCalibration(jobID string, entries []CalibrationRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM calibration_entries WHERE job_id=?;`, jobID); err != nil {
		return err
	}
	for i, e := range entries {
		if _, err := tx.Exec(`INSERT INTO calibration_entries (job_id, position, pixel, wavelength) VALUES (?, ?, ?, ?);`,
			jobID, i, e.Pixel, e.Wavelength); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Calibration returns the calibration table of a job in insertion order.
func (s *Store) Calibration(jobID string) ([]CalibrationRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT pixel, wavelength FROM calibration_entries WHERE job_id=? ORDER BY position;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []CalibrationRecord
	for rows.Next() {
		var rec CalibrationRecord
		if err := rows.Scan(&rec.Pixel, &rec.Wavelength); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordFrameMetadata stores acquisition details of a produced frame.
func (s *Store) RecordFrameMetadata(meta FrameMetadata) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO frame_metadata (file_path, frame_index, date_obs, station, width, height, channels)
        VALUES (?, ?, ?, ?, ?, ?, ?);`,
		meta.FilePath, meta.FrameIndex, meta.DateObs, meta.Station, meta.Width, meta.Height, meta.Channels)
	return err
}
