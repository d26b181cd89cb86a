package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Calibrations table - one row per accepted calibration
		`CREATE TABLE IF NOT EXISTS calibrations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			method TEXT NOT NULL CHECK(method IN ('BlindSpot', 'Object', 'FaceMesh')),
			distance_cm REAL NOT NULL DEFAULT 0,
			factor_cm_px REAL NOT NULL DEFAULT 0,
			f_over_width REAL NOT NULL DEFAULT 0,
			ppi REAL NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Blind-spot trials behind an accepted calibration
		`CREATE TABLE IF NOT EXISTS calibration_trials (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			calibration_id TEXT NOT NULL REFERENCES calibrations(id) ON DELETE CASCADE,
			trial_index INTEGER NOT NULL,
			eye_side TEXT NOT NULL CHECK(eye_side IN ('left', 'right')),
			distance_cm REAL NOT NULL,
			cross_offset_px REAL NOT NULL,
			timestamp_ms INTEGER NOT NULL
		)`,

		// Accepted location measurements behind a multi-location calibration
		`CREATE TABLE IF NOT EXISTS location_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			calibration_id TEXT NOT NULL REFERENCES calibrations(id) ON DELETE CASCADE,
			location_index INTEGER NOT NULL,
			loc_eye TEXT NOT NULL,
			location TEXT NOT NULL,
			eye TEXT NOT NULL,
			f_over_width REAL NOT NULL,
			factor_cm_px REAL NOT NULL,
			timestamp_ms INTEGER NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_calibrations_session_id ON calibrations(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_calibration_trials_calibration_id ON calibration_trials(calibration_id)`,
		`CREATE INDEX IF NOT EXISTS idx_location_records_calibration_id ON location_records(calibration_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
