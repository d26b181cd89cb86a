package store

import (
	"database/sql"

	"github.com/ayusman/viewdistance/internal/model"
)

// TrialRepository reads the blind-spot trials stored with calibrations.
type TrialRepository struct {
	db *sql.DB
}

// Trials returns the trial repository for this store.
func (s *Store) Trials() *TrialRepository {
	return &TrialRepository{db: s.db}
}

// GetByCalibrationID retrieves the trials of a calibration in recording order.
func (r *TrialRepository) GetByCalibrationID(calibrationID string) ([]model.CalibrationTrial, error) {
	rows, err := r.db.Query(
		`SELECT eye_side, distance_cm, cross_offset_px, timestamp_ms
		 FROM calibration_trials
		 WHERE calibration_id = ?
		 ORDER BY trial_index`,
		calibrationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trials []model.CalibrationTrial
	for rows.Next() {
		var t model.CalibrationTrial
		var side string
		if err := rows.Scan(&side, &t.DistanceCm, &t.CrossOffsetPx, &t.TimestampMs); err != nil {
			return nil, err
		}
		t.EyeSide = model.EyeSide(side)
		trials = append(trials, t)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return trials, nil
}

// RecordRepository reads the location records stored with calibrations.
type RecordRepository struct {
	db *sql.DB
}

// Records returns the location record repository for this store.
func (s *Store) Records() *RecordRepository {
	return &RecordRepository{db: s.db}
}

// GetByCalibrationID retrieves the location records of a calibration by location index.
func (r *RecordRepository) GetByCalibrationID(calibrationID string) ([]model.LocationRecord, error) {
	rows, err := r.db.Query(
		`SELECT location_index, loc_eye, location, eye, f_over_width, factor_cm_px, timestamp_ms
		 FROM location_records
		 WHERE calibration_id = ?
		 ORDER BY location_index`,
		calibrationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.LocationRecord
	for rows.Next() {
		var rec model.LocationRecord
		var location, eye string
		err := rows.Scan(&rec.LocationIndex, &rec.LocEye, &location, &eye, &rec.FOverWidth, &rec.FactorCmPx, &rec.TimestampMs)
		if err != nil {
			return nil, err
		}
		rec.Location = model.Location(location)
		rec.Eye = model.Eye(eye)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}
