package ml

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/strideapp/localinfer/api"
	"github.com/strideapp/localinfer/discover"
	"github.com/strideapp/localinfer/envconfig"
)

var (
	ortInit sync.Once
	ortErr  error
)

// initRuntime initializes the shared ONNX Runtime environment once per
// process. The library path can be overridden via LOCALINFER_ORT_LIBRARY.
func initRuntime() error {
	ortInit.Do(func() {
		if envconfig.OrtLibrary != "" {
			ort.SetSharedLibraryPath(envconfig.OrtLibrary)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

type onnxSession struct {
	session *ort.DynamicAdvancedSession

	inputs      []string
	outputs     []string
	outputTypes map[string]ort.TensorElementDataType

	closed bool
}

// NewSession compiles modelData into an ONNX Runtime session configured for
// the given backend. Failures to configure or create the session are
// reported as BackendUnavailableError so the pipeline can downgrade.
func NewSession(modelData []byte, backend discover.Backend) (Session, error) {
	if err := initRuntime(); err != nil {
		return nil, &api.BackendUnavailableError{Backend: string(backend), Err: err}
	}

	inputInfo, outputInfo, err := ort.GetInputOutputInfoWithONNXData(modelData)
	if err != nil {
		return nil, fmt.Errorf("inspecting model graph: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, &api.BackendUnavailableError{Backend: string(backend), Err: err}
	}
	defer options.Destroy()

	switch backend {
	case discover.BackendGPU:
		if err := appendGPUProvider(options); err != nil {
			return nil, &api.BackendUnavailableError{Backend: string(backend), Err: err}
		}
	case discover.BackendSIMD:
		if err := options.SetIntraOpNumThreads(runtime.NumCPU()); err != nil {
			return nil, &api.BackendUnavailableError{Backend: string(backend), Err: err}
		}
	case discover.BackendBasic:
		if err := options.SetIntraOpNumThreads(1); err != nil {
			return nil, &api.BackendUnavailableError{Backend: string(backend), Err: err}
		}
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}

	s := &onnxSession{
		inputs:      make([]string, 0, len(inputInfo)),
		outputs:     make([]string, 0, len(outputInfo)),
		outputTypes: make(map[string]ort.TensorElementDataType, len(outputInfo)),
	}
	for _, info := range inputInfo {
		s.inputs = append(s.inputs, info.Name)
	}
	for _, info := range outputInfo {
		s.outputs = append(s.outputs, info.Name)
		s.outputTypes[info.Name] = info.DataType
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(modelData, s.inputs, s.outputs, options)
	if err != nil {
		return nil, &api.BackendUnavailableError{Backend: string(backend), Err: err}
	}
	s.session = session

	slog.Debug("created session", "backend", backend,
		"inputs", len(s.inputs), "outputs", len(s.outputs))
	return s, nil
}

func appendGPUProvider(options *ort.SessionOptions) error {
	if runtime.GOOS == "darwin" {
		return options.AppendExecutionProviderCoreML(0)
	}

	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOptions.Destroy()
	return options.AppendExecutionProviderCUDA(cudaOptions)
}

func (s *onnxSession) Inputs() []string  { return s.inputs }
func (s *onnxSession) Outputs() []string { return s.outputs }

func (s *onnxSession) Run(ctx context.Context, feeds []*Tensor) (map[string]*Tensor, error) {
	if s.closed || s.session == nil {
		return nil, api.ErrNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	byName := make(map[string]*Tensor, len(feeds))
	for _, t := range feeds {
		if err := t.check(); err != nil {
			return nil, err
		}
		byName[t.Name] = t
	}

	inputs := make([]ort.Value, len(s.inputs))
	defer func() {
		for _, v := range inputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	for i, name := range s.inputs {
		feed, ok := byName[name]
		if !ok {
			return nil, &api.ConfigMismatchError{Name: name}
		}

		value, err := toOrtValue(feed)
		if err != nil {
			return nil, err
		}
		inputs[i] = value
	}

	outputs := make([]ort.Value, len(s.outputs))
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	if err := s.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("forward pass: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make(map[string]*Tensor, len(outputs))
	for i, value := range outputs {
		if value == nil {
			continue
		}
		name := s.outputs[i]
		t, err := fromOrtValue(name, value, s.outputTypes[name])
		if err != nil {
			return nil, err
		}
		results[name] = t
	}

	return results, nil
}

func toOrtValue(t *Tensor) (ort.Value, error) {
	shape := ort.NewShape(t.Shape...)
	switch {
	case t.F32 != nil:
		if len(t.F32) == 0 {
			return ort.NewEmptyTensor[float32](shape)
		}
		return ort.NewTensor(shape, t.F32)
	case t.I64 != nil:
		if len(t.I64) == 0 {
			return ort.NewEmptyTensor[int64](shape)
		}
		return ort.NewTensor(shape, t.I64)
	case t.Bool != nil:
		if len(t.Bool) == 0 {
			return ort.NewEmptyTensor[bool](shape)
		}
		return ort.NewTensor(shape, t.Bool)
	}
	return nil, fmt.Errorf("tensor %s has no data", t.Name)
}

func fromOrtValue(name string, value ort.Value, dtype ort.TensorElementDataType) (*Tensor, error) {
	shape := []int64(value.GetShape())

	switch v := value.(type) {
	case *ort.Tensor[float32]:
		data := make([]float32, len(v.GetData()))
		copy(data, v.GetData())
		return &Tensor{Name: name, Shape: shape, F32: data}, nil
	case *ort.Tensor[int64]:
		data := make([]int64, len(v.GetData()))
		copy(data, v.GetData())
		return &Tensor{Name: name, Shape: shape, I64: data}, nil
	case *ort.Tensor[bool]:
		data := make([]bool, len(v.GetData()))
		copy(data, v.GetData())
		return &Tensor{Name: name, Shape: shape, Bool: data}, nil
	case *ort.CustomDataTensor:
		// half precision outputs surface as raw bytes
		switch dtype {
		case ort.TensorElementDataTypeFloat16:
			return fromFloat16(name, shape, v.GetData()), nil
		case ort.TensorElementDataTypeBFloat16:
			return fromBFloat16(name, shape, v.GetData()), nil
		}
	}

	return nil, fmt.Errorf("output %s: unsupported tensor type %T", name, value)
}

func (s *onnxSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.session != nil {
		err := s.session.Destroy()
		s.session = nil
		return err
	}
	return nil
}
