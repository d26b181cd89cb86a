package detector

import (
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/viewdistance/internal/model"
)

// YuNet output columns.
const (
	yunetCols      = 15
	yunetRightEyeX = 4
	yunetRightEyeY = 5
	yunetLeftEyeX  = 6
	yunetLeftEyeY  = 7
	yunetScore     = 14
)

// YuNetDetector uses OpenCV's FaceDetectorYN, whose five landmarks include both eye centres.
type YuNetDetector struct {
	detector gocv.FaceDetectorYN
	config   Config
	mu       sync.Mutex // protects inference
}

// NewYuNetDetector loads the YuNet model at cfg.ModelPath.
func NewYuNetDetector(cfg Config) (*YuNetDetector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("yunet model: %w", err)
	}

	d := gocv.NewFaceDetectorYNWithParams(
		cfg.ModelPath,
		"",
		image.Pt(cfg.InputWidth, cfg.InputHeight),
		float32(cfg.MinConfidence),
		0.3,  // NMS threshold
		5000, // top K
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)

	return &YuNetDetector{detector: d, config: cfg}, nil
}

// DetectEyes runs the face detector on frame.
func (d *YuNetDetector) DetectEyes(frame *gocv.Mat) (*EyePair, error) {
	if frame == nil || frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.detector.SetInputSize(image.Pt(frame.Cols(), frame.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()

	d.detector.Detect(*frame, &faces)

	pairs := make([]EyePair, 0, faces.Rows())
	for r := 0; r < faces.Rows(); r++ {
		row := make([]float32, yunetCols)
		for c := 0; c < yunetCols && c < faces.Cols(); c++ {
			row[c] = faces.GetFloatAt(r, c)
		}
		pairs = append(pairs, yunetRowToEyes(row))
	}

	return best(pairs, d.config.MinConfidence), nil
}

// Close releases the detector resources.
func (d *YuNetDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector.Close()
	return nil
}

func yunetRowToEyes(row []float32) EyePair {
	return EyePair{
		RightEye: model.Point3{X: float64(row[yunetRightEyeX]), Y: float64(row[yunetRightEyeY])},
		LeftEye:  model.Point3{X: float64(row[yunetLeftEyeX]), Y: float64(row[yunetLeftEyeY])},
		Score:    float64(row[yunetScore]),
	}
}
