package detections

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/tumorscan/tumor-analyzer/models"
)

var (
	ErrWeightsNotFound = errors.New("weights file not found")
	ErrOutputMissing   = errors.New("detection output missing")
)

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

type Config struct {
	WeightsPath    string
	OrtLibrary     string
	Device         string
	Labels         []string
	InputSize      int
	ConfThreshold  float32
	IouThreshold   float32
	MaxDetections  int
	PoolSize       int
	AcquireTimeout time.Duration
	OutputRoot     string
}

// Invoker runs the detection model on image files and saves the annotated
// result under a fresh output directory. The session pool is created on the
// first call; a failed load is retried by the next call.
type Invoker struct {
	cfg     Config
	outputs *OutputDirs
	pre     *Preprocessor
	newPool func() (*ModelSessionPool, error)

	mu   sync.Mutex
	pool *ModelSessionPool

	deviceMu sync.RWMutex
	device   string
}

func NewInvoker(cfg Config) *Invoker {
	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultInputSize
	}
	if cfg.ConfThreshold <= 0 {
		cfg.ConfThreshold = DefaultConfThreshold
	}
	if cfg.IouThreshold <= 0 {
		cfg.IouThreshold = DefaultIouThreshold
	}
	if cfg.MaxDetections <= 0 {
		cfg.MaxDetections = DefaultMaxDetections
	}
	if cfg.Device == "" {
		cfg.Device = DeviceAuto
	}

	inv := &Invoker{
		cfg:     cfg,
		outputs: NewOutputDirs(cfg.OutputRoot),
		pre:     NewPreprocessor(cfg.InputSize, cfg.InputSize),
	}
	inv.newPool = inv.openPool
	return inv
}

func (inv *Invoker) OutputRoot() string {
	return inv.outputs.Root
}

func (inv *Invoker) WeightsPresent() bool {
	info, err := os.Stat(inv.cfg.WeightsPath)
	return err == nil && !info.IsDir()
}

// Device reports the device of the loaded sessions, or the configured
// preference while nothing is loaded.
func (inv *Invoker) Device() string {
	inv.deviceMu.RLock()
	defer inv.deviceMu.RUnlock()
	if inv.device == "" {
		return inv.cfg.Device
	}
	return inv.device
}

func (inv *Invoker) setDevice(device string) {
	inv.deviceMu.Lock()
	inv.device = device
	inv.deviceMu.Unlock()
}

func (inv *Invoker) PoolMetrics() (PoolMetrics, int, bool) {
	inv.mu.Lock()
	pool := inv.pool
	inv.mu.Unlock()
	if pool == nil {
		return PoolMetrics{}, 0, false
	}
	return pool.GetMetrics(), pool.Size(), true
}

func (inv *Invoker) Close() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.pool == nil {
		return nil
	}
	err := inv.pool.Destroy()
	inv.pool = nil
	return err
}

// Detect runs the model on the image at inputPath. The annotated image is
// written to <output dir>/<base name of inputPath>.
func (inv *Invoker) Detect(ctx context.Context, inputPath string) (*models.Result, error) {
	if !inv.WeightsPresent() {
		return nil, fmt.Errorf("%w: %s", ErrWeightsNotFound, inv.cfg.WeightsPath)
	}

	result := &models.Result{Filename: filepath.Base(inputPath)}
	timings := &result.Timings

	decodeStart := time.Now()
	img, err := imaging.Open(inputPath, imaging.AutoOrientation(true))
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return nil, &ProcessingError{Message: "decode image", Cause: err}
	}
	result.Width, result.Height = img.Bounds().Dx(), img.Bounds().Dy()

	pool, err := inv.loadPool()
	if err != nil {
		return nil, &ProcessingError{Message: "load model", Cause: err}
	}

	session, err := pool.Acquire(ctx)
	if err != nil {
		return nil, &ProcessingError{Message: "acquire session", Cause: err}
	}
	result.Device = session.Device.String()
	inv.setDevice(result.Device)

	detections, err := inv.infer(img, session, timings)
	if err != nil {
		pool.Discard(session)
		return nil, err
	}
	pool.Release(session)

	for i := range detections {
		detections[i].Label = inv.label(detections[i].Class)
	}
	result.Detections = detections

	annotateStart := time.Now()
	annotated := Annotate(img, detections)
	timings.Annotate = time.Since(annotateStart)

	saveStart := time.Now()
	if err := inv.save(annotated, result); err != nil {
		return nil, err
	}
	timings.Save = time.Since(saveStart)

	return result, nil
}

func (inv *Invoker) infer(img image.Image, session *ModelSession, timings *models.ProcessingTimings) ([]models.Detection, error) {
	resizeStart := time.Now()
	resized := inv.pre.Resize(img)
	timings.Resize = time.Since(resizeStart)

	prepStart := time.Now()
	if err := inv.pre.Fill(resized, session.Input.GetData()); err != nil {
		return nil, &ProcessingError{Message: "prepare input buffer", Cause: err}
	}
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := session.Session.Run(); err != nil {
		return nil, &ProcessingError{Message: "model inference", Cause: err}
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	detections, err := decodePredictions(session.Output.GetData(), predictionLayout{
		numClasses:     len(inv.cfg.Labels),
		inputWidth:     inv.cfg.InputSize,
		inputHeight:    inv.cfg.InputSize,
		originalWidth:  img.Bounds().Dx(),
		originalHeight: img.Bounds().Dy(),
		threshold:      inv.cfg.ConfThreshold,
	})
	if err != nil {
		return nil, &ProcessingError{Message: "process predictions", Cause: err}
	}
	detections = nonMaxSuppression(detections, float64(inv.cfg.IouThreshold), inv.cfg.MaxDetections)
	timings.Postprocess = time.Since(postStart)

	return detections, nil
}

// save writes the annotated image and checks it landed where the result
// points. A failed save leaves no output directory behind.
func (inv *Invoker) save(img image.Image, result *models.Result) error {
	dir, err := inv.outputs.Next()
	if err != nil {
		return &ProcessingError{Message: "allocate output dir", Cause: err}
	}
	result.SaveDir = dir

	if err := imaging.Save(img, result.OutputPath(), imaging.JPEGQuality(95)); err != nil {
		os.RemoveAll(dir)
		return &ProcessingError{Message: "save output", Cause: err}
	}
	if _, err := os.Stat(result.OutputPath()); err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("%w: %s: %v", ErrOutputMissing, result.OutputPath(), err)
	}
	return nil
}

func (inv *Invoker) label(class int) string {
	if class >= 0 && class < len(inv.cfg.Labels) {
		return inv.cfg.Labels[class]
	}
	return fmt.Sprintf("class%d", class)
}

func (inv *Invoker) loadPool() (*ModelSessionPool, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.pool != nil {
		return inv.pool, nil
	}
	pool, err := inv.newPool()
	if err != nil {
		return nil, err
	}
	if inv.cfg.AcquireTimeout > 0 {
		pool.AcquireTimeout = inv.cfg.AcquireTimeout
	}
	inv.pool = pool
	log.Infof("model loaded from %s on %s (pool size %d)", inv.cfg.WeightsPath, inv.Device(), pool.Size())
	return pool, nil
}

func (inv *Invoker) openPool() (*ModelSessionPool, error) {
	if err := InitializeRuntime(inv.cfg.OrtLibrary); err != nil {
		return nil, err
	}

	poolSize := inv.cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	sessionCfg := SessionConfig{
		WeightsPath: inv.cfg.WeightsPath,
		InputSize:   inv.cfg.InputSize,
		NumClasses:  len(inv.cfg.Labels),
		Device:      inv.cfg.Device,
		Threads:     threadsPerSession(poolSize),
	}
	return NewModelSessionPool(func() (*ModelSession, error) {
		session, err := NewModelSession(sessionCfg)
		if err != nil {
			return nil, err
		}
		inv.setDevice(session.Device.String())
		return session, nil
	}, poolSize)
}

func threadsPerSession(poolSize int) int {
	threads := runtime.NumCPU() / poolSize
	if threads < 1 {
		threads = 1
	}
	return threads
}
