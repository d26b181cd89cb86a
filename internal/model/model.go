// Package model defines the data shared between the calibration, tracking and storage layers.
package model

// Point3 represents a landmark position in camera-pixel units.
// Z is an optional depth proxy and is zero when the detector does not provide one.
type Point3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// EyeSample is one frame's eye measurement as produced by the landmark detector.
type EyeSample struct {
	LeftEye      Point3 `json:"leftEye"`
	RightEye     Point3 `json:"rightEye"`
	CapturedAtMs int64  `json:"capturedAtMs"`
}

// Midpoint returns the point halfway between the two eyes.
func (s EyeSample) Midpoint() Point3 {
	return Point3{
		X: (s.LeftEye.X + s.RightEye.X) / 2,
		Y: (s.LeftEye.Y + s.RightEye.Y) / 2,
		Z: (s.LeftEye.Z + s.RightEye.Z) / 2,
	}
}

// Method identifies how a distance was obtained.
type Method string

const (
	// MethodBlindSpot marks distances derived from the blind-spot protocol.
	MethodBlindSpot Method = "BlindSpot"
	// MethodObject marks distances derived from a physical reference object.
	MethodObject Method = "Object"
	// MethodFaceMesh marks live estimates derived from tracked eye separation.
	MethodFaceMesh Method = "FaceMesh"
)

// NearPoint is the point on the screen nearest the eyes, in cm relative to the
// top-centre of the screen (x to the subject's right, y downward).
type NearPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DistanceEstimate is a live viewing-distance estimate.
type DistanceEstimate struct {
	DistanceCm  float64    `json:"distanceCm"`
	NearPointCm *NearPoint `json:"nearPointCm"`
	LatencyMs   int64      `json:"latencyMs"`
	TimestampMs int64      `json:"timestampMs"`
	Method      Method     `json:"method"`
}

// EyeSide is the eye under test in a blind-spot trial.
type EyeSide string

const (
	EyeLeft  EyeSide = "left"
	EyeRight EyeSide = "right"
)

// Other returns the opposite side.
func (s EyeSide) Other() EyeSide {
	if s == EyeLeft {
		return EyeRight
	}
	return EyeLeft
}

// CalibrationTrial is one blind-spot measurement.
type CalibrationTrial struct {
	DistanceCm    float64 `json:"distanceCm"`
	EyeSide       EyeSide `json:"eyeSide"`
	CrossOffsetPx float64 `json:"crossOffsetPx"`
	TimestampMs   int64   `json:"timestampMs"`
}

// Location is the screen/camera reference point of a location measurement.
type Location string

const (
	LocationCamera Location = "camera"
	LocationCenter Location = "center"
)

// Eye is the eye a location measurement is taken with.
type Eye string

const (
	EyeUnspecified Eye = "unspecified"
	EyeLeftOnly    Eye = "left"
	EyeRightOnly   Eye = "right"
)

// LocationInfo is a decomposed location token.
type LocationInfo struct {
	LocEye   string   `json:"locEye"`
	Location Location `json:"location"`
	Eye      Eye      `json:"eye"`
}

// LocationRecord is one accepted measurement from the location manager.
type LocationRecord struct {
	LocationIndex int      `json:"locationIndex"`
	LocEye        string   `json:"locEye"`
	Location      Location `json:"location"`
	Eye           Eye      `json:"eye"`
	FOverWidth    float64  `json:"fOverWidth"`
	FactorCmPx    float64  `json:"factorCmPx"`
	TimestampMs   int64    `json:"timestampMs"`
}
