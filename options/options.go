package options

import "runtime"

// Options collects runtime configuration for the translation backends.
type Options struct {
	Backend    string
	ORTOptions *OrtOptions
	Destroy    func() error
}

func Defaults() *Options {
	libraryPathDefault := defaultLibraryPath()
	intra := runtime.NumCPU()
	inter := 1
	return &Options{
		Backend: "GO",
		ORTOptions: &OrtOptions{
			LibraryPath:       &libraryPathDefault,
			IntraOpNumThreads: &intra,
			InterOpNumThreads: &inter,
		},
		Destroy: func() error {
			return nil
		},
	}
}

func defaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return `.\onnxruntime.dll`
	case "darwin":
		return "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "/usr/lib/libonnxruntime.so"
	}
}

// OrtOptions controls the onnxruntime environment. Thread counts default to
// one inter-op thread and one intra-op thread per CPU, matching the settings
// the checkpoint was exported to run with.
type OrtOptions struct {
	LibraryPath       *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
	CudaOptions       map[string]string
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath sets the path to the onnxruntime shared library.
func WithOnnxLibraryPath(path string) WithOption {
	return func(o *Options) error {
		o.ORTOptions.LibraryPath = &path
		return nil
	}
}

// WithTelemetry enables onnxruntime telemetry events.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		enabled := true
		o.ORTOptions.Telemetry = &enabled
		return nil
	}
}

// WithIntraOpNumThreads sets the number of threads used within an operator.
func WithIntraOpNumThreads(n int) WithOption {
	return func(o *Options) error {
		o.ORTOptions.IntraOpNumThreads = &n
		return nil
	}
}

// WithInterOpNumThreads sets the number of threads used across operators.
func WithInterOpNumThreads(n int) WithOption {
	return func(o *Options) error {
		o.ORTOptions.InterOpNumThreads = &n
		return nil
	}
}

// WithCPUMemArena toggles the CPU memory arena.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		o.ORTOptions.CPUMemArena = &enable
		return nil
	}
}

// WithMemPattern toggles memory pattern optimization.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		o.ORTOptions.MemPattern = &enable
		return nil
	}
}

// WithCuda runs inference on the CUDA execution provider with the given
// provider options.
func WithCuda(opts map[string]string) WithOption {
	return func(o *Options) error {
		o.ORTOptions.CudaOptions = opts
		return nil
	}
}
