package detections

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/hashicorp/go-multierror"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/tumorscan/tumor-analyzer/logging"
)

var log = logging.Logger("tumor-detections")

var ErrModelShape = errors.New("unexpected model shape")

// Runner is the part of an ONNX Runtime session the pipeline drives.
type Runner interface {
	Run() error
	Destroy() error
}

// Buffer is a tensor whose backing data is shared with the runtime.
type Buffer interface {
	GetData() []float32
	Destroy() error
}

type ModelSession struct {
	Session Runner
	Input   Buffer
	Output  Buffer
	Device  Device
}

func (m *ModelSession) Destroy() error {
	var result error
	if m.Session != nil {
		if err := m.Session.Destroy(); err != nil {
			result = multierror.Append(result, fmt.Errorf("destroy session: %w", err))
		}
	}
	if m.Input != nil {
		if err := m.Input.Destroy(); err != nil {
			result = multierror.Append(result, fmt.Errorf("destroy input tensor: %w", err))
		}
	}
	if m.Output != nil {
		if err := m.Output.Destroy(); err != nil {
			result = multierror.Append(result, fmt.Errorf("destroy output tensor: %w", err))
		}
	}
	return result
}

type SessionConfig struct {
	WeightsPath string
	InputSize   int
	NumClasses  int
	Device      string
	Threads     int
}

var runtimeMu sync.Mutex

// InitializeRuntime loads the ONNX Runtime shared library once per process.
// An empty libPath leaves the library's platform default in place.
func InitializeRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx runtime: %w", err)
	}
	return nil
}

func DestroyRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// NewModelSession builds a session with pre-allocated input and output
// tensors. The runtime must already be initialized.
func NewModelSession(cfg SessionConfig) (*ModelSession, error) {
	inputName, outputName, err := inspectModel(cfg)
	if err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}

	device, err := ResolveDevice(cfg.Device, options)
	if err != nil {
		return nil, err
	}

	size := int64(cfg.InputSize)
	inputShape := ort.NewShape(1, 3, size, size)
	outputShape := ort.NewShape(1, int64(boxChannels+cfg.NumClasses), int64(AnchorCount(cfg.InputSize)))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.WeightsPath,
		[]string{inputName},
		[]string{outputName},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
		Device:  device,
	}, nil
}

// inspectModel reads the tensor names of the exported model and checks that
// its output matches the configured class count and input size.
func inspectModel(cfg SessionConfig) (string, string, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(cfg.WeightsPath)
	if err != nil {
		return "", "", fmt.Errorf("read model info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return "", "", fmt.Errorf("%w: %d inputs, %d outputs", ErrModelShape, len(inputs), len(outputs))
	}

	dims := outputs[0].Dimensions
	if len(dims) == 3 {
		if want := int64(boxChannels + cfg.NumClasses); dims[1] > 0 && dims[1] != want {
			return "", "", fmt.Errorf("%w: output has %d channels, %d labels configured", ErrModelShape, dims[1]-boxChannels, cfg.NumClasses)
		}
		if want := int64(AnchorCount(cfg.InputSize)); dims[2] > 0 && dims[2] != want {
			return "", "", fmt.Errorf("%w: output has %d anchors, want %d for input size %d", ErrModelShape, dims[2], want, cfg.InputSize)
		}
	}
	return inputs[0].Name, outputs[0].Name, nil
}
