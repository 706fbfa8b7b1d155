package detections

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sys/cpu"
)

const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

var (
	ErrUnknownDevice     = errors.New("unknown device")
	ErrDeviceUnavailable = errors.New("device unavailable")
)

type Device struct {
	Name     string
	Features []string
}

func (d Device) String() string {
	if len(d.Features) == 0 {
		return d.Name
	}
	return fmt.Sprintf("%s (%s)", d.Name, strings.Join(d.Features, ","))
}

func ValidateDevice(pref string) error {
	switch pref {
	case DeviceAuto, DeviceCPU, DeviceCUDA:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownDevice, pref)
}

// CPUFeatures lists the vector extensions ONNX Runtime can use on this host.
func CPUFeatures() []string {
	var features []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasAVX512F {
			features = append(features, "avx512")
		}
		if cpu.X86.HasAVX2 {
			features = append(features, "avx2")
		}
		if cpu.X86.HasFMA {
			features = append(features, "fma")
		}
		if cpu.X86.HasSSE41 {
			features = append(features, "sse4.1")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			features = append(features, "neon")
		}
		if cpu.ARM64.HasSVE {
			features = append(features, "sve")
		}
	}
	return features
}

func cpuDevice() Device {
	return Device{Name: DeviceCPU, Features: CPUFeatures()}
}

// ResolveDevice configures the execution provider of options for the
// preferred device. "auto" falls back to the CPU provider when CUDA cannot
// be appended; "cuda" fails instead.
func ResolveDevice(pref string, options *ort.SessionOptions) (Device, error) {
	if err := ValidateDevice(pref); err != nil {
		return Device{}, err
	}
	if pref == DeviceCPU {
		return cpuDevice(), nil
	}

	err := appendCUDA(options)
	if err == nil {
		return Device{Name: DeviceCUDA}, nil
	}
	if pref == DeviceCUDA {
		return Device{}, fmt.Errorf("%w: cuda: %v", ErrDeviceUnavailable, err)
	}
	log.Debugf("cuda execution provider unavailable, using cpu: %v", err)
	return cpuDevice(), nil
}

func appendCUDA(options *ort.SessionOptions) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOptions.Destroy()

	if err := cudaOptions.Update(map[string]string{"device_id": "0"}); err != nil {
		return err
	}
	return options.AppendExecutionProviderCUDA(cudaOptions)
}

// ProbeDevice resolves pref against a throwaway set of session options. The
// runtime must already be initialized.
func ProbeDevice(pref string) (Device, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return Device{}, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()
	return ResolveDevice(pref, options)
}
