package detector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/viewdistance/internal/model"
)

const faceMeshScript = "facemesh_service.py"

// ErrScriptNotFound is returned when the FaceMesh service script cannot be located.
var ErrScriptNotFound = errors.New(faceMeshScript + " not found")

// FaceMeshDetector implements Detector using a Python MediaPipe FaceMesh subprocess.
// Frames are written as a 4-byte big-endian length followed by JPEG data; the
// service answers with one JSON line per frame holding iris centres in
// normalised image coordinates.
type FaceMeshDetector struct {
	config     Config
	scriptPath string
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *bufio.Reader
	mu         sync.Mutex
	started    bool
	idleTimer  *time.Timer
}

// NewFaceMeshDetector creates a FaceMesh detector.
// The Python process is started lazily on first detection.
func NewFaceMeshDetector(cfg Config) (*FaceMeshDetector, error) {
	scriptPath := cfg.ScriptPath
	if scriptPath == "" {
		scriptPath = findScript(faceMeshScript)
	}
	if scriptPath == "" {
		return nil, ErrScriptNotFound
	}
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, fmt.Errorf("facemesh script: %w", err)
	}

	return &FaceMeshDetector{
		config:     cfg,
		scriptPath: scriptPath,
	}, nil
}

// DetectEyes sends frame to the service and returns the most confident face's eyes.
func (d *FaceMeshDetector) DetectEyes(frame *gocv.Mat) (*EyePair, error) {
	if frame == nil || frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureStarted(); err != nil {
		return nil, err
	}

	buf, err := gocv.IMEncode(".jpg", *frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	if err := writeFrame(d.stdin, buf.GetBytes()); err != nil {
		d.shutdown()
		return nil, err
	}

	faces, err := readFaces(d.stdout, float64(frame.Cols()), float64(frame.Rows()))
	if err != nil {
		d.shutdown()
		return nil, err
	}

	d.resetIdleTimer()
	return best(faces, d.config.MinConfidence), nil
}

// Close shuts down the Python process.
func (d *FaceMeshDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdown()
}

func (d *FaceMeshDetector) ensureStarted() error {
	if d.started {
		return nil
	}

	pythonPath := findScript("venv/bin/python")
	if pythonPath == "" {
		pythonPath = "python3"
	}

	d.cmd = exec.Command(pythonPath, d.scriptPath)

	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	d.cmd.Stderr = os.Stderr

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("start facemesh service: %w", err)
	}

	d.stdin = stdin
	d.stdout = bufio.NewReader(stdout)
	d.started = true

	return nil
}

func (d *FaceMeshDetector) shutdown() error {
	if !d.started {
		return nil
	}

	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}

	if d.stdin != nil {
		d.stdin.Close()
	}

	err := d.cmd.Wait()
	d.started = false
	d.cmd = nil
	d.stdin = nil
	d.stdout = nil

	return err
}

func (d *FaceMeshDetector) resetIdleTimer() {
	if d.config.IdleTimeout <= 0 {
		return
	}
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(d.config.IdleTimeout, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.shutdown()
	})
}

// writeFrame writes one length-prefixed frame.
func writeFrame(w io.Writer, data []byte) error {
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))

	if _, err := w.Write(length); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return nil
}

// readFaces reads one JSON response line and scales the normalised coordinates
// to a width x height frame.
func readFaces(r *bufio.Reader, width, height float64) ([]EyePair, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var response struct {
		Faces []jsonFace `json:"faces"`
		Error string     `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &response); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("facemesh service: %s", response.Error)
	}

	faces := make([]EyePair, len(response.Faces))
	for i, f := range response.Faces {
		faces[i] = f.toEyePair(width, height)
	}
	return faces, nil
}

// jsonFace represents the JSON structure from the Python service.
type jsonFace struct {
	LeftIris  jsonPoint `json:"leftIris"`
	RightIris jsonPoint `json:"rightIris"`
	Score     float64   `json:"score"`
}

type jsonPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// toEyePair scales normalised landmarks to pixels. MediaPipe expresses z in
// roughly the same scale as x, so it is scaled by width as well.
func (f jsonFace) toEyePair(width, height float64) EyePair {
	scale := func(p jsonPoint) model.Point3 {
		return model.Point3{X: p.X * width, Y: p.Y * height, Z: p.Z * width}
	}
	return EyePair{
		LeftEye:  scale(f.LeftIris),
		RightEye: scale(f.RightIris),
		Score:    f.Score,
	}
}

// findScript looks for name relative to the working directory, the executable
// and the per-user data directory.
func findScript(name string) string {
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		filepath.Join("scripts", name),
		filepath.Join("..", "scripts", name),
		name,
		filepath.Join(execDir, "scripts", name),
		filepath.Join(execDir, name),
		filepath.Join(os.Getenv("HOME"), ".viewdistance", "scripts", name),
		filepath.Join(os.Getenv("HOME"), ".viewdistance", name),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}
