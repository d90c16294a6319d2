package models

// Format identifies a model artifact format.
type Format string

// Supported artifact formats.
const (
	FormatGGUF         Format = "gguf"
	FormatLiteRT       Format = "litert"
	FormatONNX         Format = "onnx"
	FormatTensorRT     Format = "tensorrt"
	FormatTorchScript  Format = "torchscript"
	FormatTFSavedModel Format = "tf_saved_model"
	FormatPyTorch      Format = "pytorch"
	FormatSafetensors  Format = "safetensors"
	// FormatRemote marks models served by a remote HTTP provider; there is
	// no local artifact to load.
	FormatRemote Format = "remote"
)

// IsValid checks if the format is a known artifact format.
func (f Format) IsValid() bool {
	switch f {
	case FormatGGUF, FormatLiteRT, FormatONNX, FormatTensorRT,
		FormatTorchScript, FormatTFSavedModel, FormatPyTorch,
		FormatSafetensors, FormatRemote:
		return true
	default:
		return false
	}
}

// DeviceType identifies a compute device class.
type DeviceType string

// Supported device types.
const (
	DeviceCPU   DeviceType = "cpu"
	DeviceCUDA  DeviceType = "cuda"
	DeviceMetal DeviceType = "metal"
	DeviceROCm  DeviceType = "rocm"
	DeviceNPU   DeviceType = "npu"
	DeviceTPU   DeviceType = "tpu"
)

// IsValid checks if the device type is known.
func (d DeviceType) IsValid() bool {
	switch d {
	case DeviceCPU, DeviceCUDA, DeviceMetal, DeviceROCm, DeviceNPU, DeviceTPU:
		return true
	default:
		return false
	}
}

// DeviceSupport declares that a model runs on a device class given a
// minimum amount of device memory (bytes).
type DeviceSupport struct {
	Device    DeviceType `json:"device" yaml:"device"`
	MinMemory int64      `json:"min_memory" yaml:"min_memory"`
}

// ResourceRequirements are host-level requirements for serving a model.
type ResourceRequirements struct {
	MinRAM  int64 `json:"min_ram" yaml:"min_ram"`
	MinVRAM int64 `json:"min_vram" yaml:"min_vram"`
	MinDisk int64 `json:"min_disk" yaml:"min_disk"`
}

// ModelManifest is the immutable descriptor of a logical model for one
// tenant: artifact locations by format, device support, and resource
// requirements.
type ModelManifest struct {
	ModelID          string               `json:"model_id" yaml:"model_id"`
	Name             string               `json:"name" yaml:"name"`
	Version          string               `json:"version" yaml:"version"`
	TenantID         string               `json:"tenant_id" yaml:"tenant_id"`
	Artifacts        map[Format]string    `json:"artifacts" yaml:"artifacts"`
	SupportedDevices []DeviceSupport      `json:"supported_devices" yaml:"supported_devices"`
	Requirements     ResourceRequirements `json:"resource_requirements" yaml:"resource_requirements"`
	Metadata         map[string]string    `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Formats returns the artifact formats present in the manifest. Order is
// not defined; callers that need determinism must sort.
func (m *ModelManifest) Formats() []Format {
	out := make([]Format, 0, len(m.Artifacts))
	for f := range m.Artifacts {
		out = append(out, f)
	}
	return out
}

// HasFormat reports whether the manifest carries an artifact in the format.
func (m *ModelManifest) HasFormat(f Format) bool {
	_, ok := m.Artifacts[f]
	return ok
}

// SupportsDevice reports whether the manifest declares support for the
// device class.
func (m *ModelManifest) SupportsDevice(d DeviceType) bool {
	for _, ds := range m.SupportedDevices {
		if ds.Device == d {
			return true
		}
	}
	return false
}
