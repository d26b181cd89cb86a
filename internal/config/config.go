// Package config defines process configuration and its loading from file and environment.
package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/ayusman/viewdistance/internal/calibration"
)

// Detector backends.
const (
	DetectorYuNet    = "yunet"
	DetectorFaceMesh = "facemesh"
	DetectorMock     = "mock"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8090".
	Addr string `koanf:"addr"`

	// DBPath is the SQLite database file.
	DBPath string `koanf:"db_path"`

	// CameraDevice, VideoWidth and VideoHeight select the webcam and format.
	CameraDevice int `koanf:"camera_device"`
	VideoWidth   int `koanf:"video_width"`
	VideoHeight  int `koanf:"video_height"`

	// Detector selects the eye landmark backend: yunet, facemesh or mock.
	Detector       string  `koanf:"detector"`
	YuNetModel     string  `koanf:"yunet_model"`
	FaceMeshScript string  `koanf:"facemesh_script"`
	MinConfidence  float64 `koanf:"min_confidence"`

	// MotionThresholdPct reuses the previous detection for frames with less change. 0 disables.
	MotionThresholdPct float64 `koanf:"motion_threshold_pct"`

	// ScreenPPI is the screen pixel density. 0 uses the fallback density.
	ScreenPPI float64 `koanf:"screen_ppi"`

	// PDCm is the assumed inter-pupillary distance.
	PDCm float64 `koanf:"pd_cm"`

	// TargetCount, FrameRate and DecimalPlace control the tracking cadence and precision.
	TargetCount  int     `koanf:"target_count"`
	FrameRate    float64 `koanf:"frame_rate"`
	DecimalPlace int     `koanf:"decimal_place"`

	// WebcamAboveScreenCm is the gap between the camera and the top screen edge.
	WebcamAboveScreenCm float64 `koanf:"webcam_above_screen_cm"`

	// DesiredDistanceCm enables move closer/farther signals when > 0.
	DesiredDistanceCm        float64 `koanf:"desired_distance_cm"`
	DesiredDistanceTolerance float64 `koanf:"desired_distance_tolerance"`

	// RepeatTesting is the number of blind-spot trials per eye.
	RepeatTesting int `koanf:"repeat_testing"`

	// AllowedRatio is the tolerance between consecutive location measurements.
	AllowedRatio float64 `koanf:"allowed_ratio"`

	// LocationSequence is the comma-separated list of calibration locations.
	LocationSequence string `koanf:"location_sequence"`

	// ResumeLastCalibration starts tracking from the newest stored calibration.
	ResumeLastCalibration bool `koanf:"resume_last_calibration"`

	// Tray shows a system tray item.
	Tray bool `koanf:"tray"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:                 "info",
		Addr:                     ":8090",
		DBPath:                   "viewdistance.db",
		CameraDevice:             0,
		VideoWidth:               640,
		VideoHeight:              480,
		Detector:                 DetectorYuNet,
		YuNetModel:               "models/face_detection_yunet_2023mar.onnx",
		MinConfidence:            0.6,
		MotionThresholdPct:       0,
		ScreenPPI:                0,
		PDCm:                     6.3,
		TargetCount:              5,
		FrameRate:                3,
		DecimalPlace:             1,
		WebcamAboveScreenCm:      0.5,
		DesiredDistanceCm:        0,
		DesiredDistanceTolerance: 1.2,
		RepeatTesting:            1,
		AllowedRatio:             1.1,
		LocationSequence:         "camera,center",
		ResumeLastCalibration:    true,
		Tray:                     false,
	}
}

// Locations returns the parsed location sequence.
func (c *Config) Locations() []string {
	return calibration.ParseLocationSequence(c.LocationSequence)
}

// Validate reports the first invalid field, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.DBPath == "":
		return fmt.Errorf("%w: db_path must not be empty", ErrInvalidConfig)
	case !(c.AllowedRatio > 1) || math.IsInf(c.AllowedRatio, 0):
		return fmt.Errorf("%w: allowed_ratio must be greater than 1, got %v", ErrInvalidConfig, c.AllowedRatio)
	case c.TargetCount < 1:
		return fmt.Errorf("%w: target_count must be at least 1, got %d", ErrInvalidConfig, c.TargetCount)
	case !(c.FrameRate > 0):
		return fmt.Errorf("%w: frame_rate must be positive, got %v", ErrInvalidConfig, c.FrameRate)
	case c.DecimalPlace < 0:
		return fmt.Errorf("%w: decimal_place must not be negative", ErrInvalidConfig)
	case c.RepeatTesting < 1:
		return fmt.Errorf("%w: repeat_testing must be at least 1, got %d", ErrInvalidConfig, c.RepeatTesting)
	case c.ScreenPPI < 0:
		return fmt.Errorf("%w: screen_ppi must not be negative", ErrInvalidConfig)
	case c.DesiredDistanceCm < 0:
		return fmt.Errorf("%w: desired_distance_cm must not be negative", ErrInvalidConfig)
	case len(c.Locations()) == 0:
		return fmt.Errorf("%w: location_sequence must name at least one location", ErrInvalidConfig)
	}

	switch c.Detector {
	case DetectorYuNet, DetectorFaceMesh, DetectorMock:
	default:
		return fmt.Errorf("%w: unknown detector %q", ErrInvalidConfig, c.Detector)
	}
	return nil
}
