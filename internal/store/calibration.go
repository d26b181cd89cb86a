package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/ayusman/viewdistance/internal/model"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// Calibration is an accepted calibration together with the data it was derived from.
type Calibration struct {
	ID         string                   `json:"id"`
	SessionID  string                   `json:"sessionId"`
	Method     model.Method             `json:"method"`
	DistanceCm float64                  `json:"distanceCm"`
	FactorCmPx float64                  `json:"factorCmPx"`
	FOverWidth float64                  `json:"fOverWidth"`
	PPI        float64                  `json:"ppi"`
	Attempts   int                      `json:"attempts"`
	CreatedAt  time.Time                `json:"createdAt"`
	Trials     []model.CalibrationTrial `json:"trials,omitempty"`
	Records    []model.LocationRecord   `json:"records,omitempty"`
}

// CalibrationRepository provides CRUD operations for calibrations.
type CalibrationRepository struct {
	db *sql.DB
}

// Calibrations returns the calibration repository for this store.
func (s *Store) Calibrations() *CalibrationRepository {
	return &CalibrationRepository{db: s.db}
}

// Create inserts c and its trials and location records in a single transaction.
func (r *CalibrationRepository) Create(c *Calibration) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Attempts == 0 {
		c.Attempts = 1
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO calibrations (id, session_id, method, distance_cm, factor_cm_px, f_over_width, ppi, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, string(c.Method), c.DistanceCm, c.FactorCmPx, c.FOverWidth, c.PPI, c.Attempts, c.CreatedAt,
	)
	if err != nil {
		return err
	}

	if len(c.Trials) > 0 {
		stmt, err := tx.Prepare(
			`INSERT INTO calibration_trials (calibration_id, trial_index, eye_side, distance_cm, cross_offset_px, timestamp_ms)
			 VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, t := range c.Trials {
			if _, err := stmt.Exec(c.ID, i, string(t.EyeSide), t.DistanceCm, t.CrossOffsetPx, t.TimestampMs); err != nil {
				return err
			}
		}
	}

	if len(c.Records) > 0 {
		stmt, err := tx.Prepare(
			`INSERT INTO location_records (calibration_id, location_index, loc_eye, location, eye, f_over_width, factor_cm_px, timestamp_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, rec := range c.Records {
			_, err := stmt.Exec(c.ID, rec.LocationIndex, rec.LocEye, string(rec.Location), string(rec.Eye),
				rec.FOverWidth, rec.FactorCmPx, rec.TimestampMs)
			if err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

const calibrationColumns = `id, session_id, method, distance_cm, factor_cm_px, f_over_width, ppi, attempts, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCalibration(row rowScanner) (*Calibration, error) {
	c := &Calibration{}
	var method string
	err := row.Scan(&c.ID, &c.SessionID, &method, &c.DistanceCm, &c.FactorCmPx, &c.FOverWidth, &c.PPI, &c.Attempts, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Method = model.Method(method)
	return c, nil
}

// GetByID retrieves a calibration with its trials and location records.
func (r *CalibrationRepository) GetByID(id string) (*Calibration, error) {
	c, err := scanCalibration(r.db.QueryRow(
		`SELECT `+calibrationColumns+` FROM calibrations WHERE id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if c.Trials, err = (&TrialRepository{db: r.db}).GetByCalibrationID(id); err != nil {
		return nil, err
	}
	if c.Records, err = (&RecordRepository{db: r.db}).GetByCalibrationID(id); err != nil {
		return nil, err
	}
	return c, nil
}

// Latest retrieves the most recent calibration, without its child rows.
func (r *CalibrationRepository) Latest() (*Calibration, error) {
	c, err := scanCalibration(r.db.QueryRow(
		`SELECT ` + calibrationColumns + ` FROM calibrations ORDER BY created_at DESC, rowid DESC LIMIT 1`,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// List retrieves all calibrations, newest first, without their child rows.
func (r *CalibrationRepository) List() ([]*Calibration, error) {
	return r.query(`SELECT ` + calibrationColumns + ` FROM calibrations ORDER BY created_at DESC, rowid DESC`)
}

// ListBySession retrieves the calibrations recorded by one session, newest first.
func (r *CalibrationRepository) ListBySession(sessionID string) ([]*Calibration, error) {
	return r.query(`SELECT `+calibrationColumns+` FROM calibrations WHERE session_id = ? ORDER BY created_at DESC, rowid DESC`, sessionID)
}

func (r *CalibrationRepository) query(q string, args ...any) ([]*Calibration, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Calibration
	for rows.Next() {
		c, err := scanCalibration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// Delete removes a calibration and, by cascade, its child rows.
func (r *CalibrationRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM calibrations WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateFactor sets the scale factor of a calibration once tracking has established it.
func (r *CalibrationRepository) UpdateFactor(id string, factorCmPx float64) error {
	result, err := r.db.Exec(`UPDATE calibrations SET factor_cm_px = ? WHERE id = ?`, factorCmPx, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
