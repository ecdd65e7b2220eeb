package detections

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

var ErrSessionClosed = errors.New("model session closed")

// Runner is one inference slot: fill InputBuffer, call Run, read OutputData.
type Runner interface {
	InputSize() int
	InputBuffer() []float32
	Run() error
	OutputData() ([]float32, []int64)
}

type SessionConfig struct {
	InputName  string
	OutputName string
	InputSize  int
	Threads    int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		InputName:  DefaultInput,
		OutputName: DefaultOutput,
		InputSize:  InputSize,
		Threads:    runtime.NumCPU(),
	}
}

type ModelSession struct {
	Session     *ort.AdvancedSession
	Input       *ort.Tensor[float32]
	Output      *ort.Tensor[float32]
	InputName   string
	OutputName  string
	OutputShape ort.Shape
	size        int

	mu     sync.Mutex
	closed bool
}

// NewModelSession builds a session from ONNX bytes. Tensor names and the
// output shape are read from the model; the configured names win when the
// model has them.
func NewModelSession(onnxData []byte, cfg SessionConfig) (*ModelSession, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxData)
	if err != nil {
		return nil, fmt.Errorf("error reading model inputs/outputs: %w", err)
	}
	inInfo, err := pickTensor(inputs, cfg.InputName)
	if err != nil {
		return nil, fmt.Errorf("model input: %w", err)
	}
	outInfo, err := pickTensor(outputs, cfg.OutputName)
	if err != nil {
		return nil, fmt.Errorf("model output: %w", err)
	}

	size := cfg.InputSize
	if size <= 0 {
		size = InputSize
	}
	if d := inInfo.Dimensions; len(d) == 4 && d[2] > 0 && d[2] == d[3] {
		size = int(d[3])
	}
	outputShape, err := concreteShape(outInfo.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("model output %q: %w", outInfo.Name, err)
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

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, rgbChannels, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSessionWithONNXData(
		onnxData,
		[]string{inInfo.Name},
		[]string{outInfo.Name},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session:     session,
		Input:       inputTensor,
		Output:      outputTensor,
		InputName:   inInfo.Name,
		OutputName:  outInfo.Name,
		OutputShape: outputShape,
		size:        size,
	}, nil
}

func (m *ModelSession) InputSize() int { return m.size }

func (m *ModelSession) InputBuffer() []float32 { return m.Input.GetData() }

func (m *ModelSession) Run() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSessionClosed
	}
	return m.Session.Run()
}

func (m *ModelSession) OutputData() ([]float32, []int64) {
	return m.Output.GetData(), []int64(m.OutputShape)
}

func (m *ModelSession) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var err error
	if m.Session != nil {
		err = multierr.Append(err, m.Session.Destroy())
	}
	if m.Input != nil {
		err = multierr.Append(err, m.Input.Destroy())
	}
	if m.Output != nil {
		err = multierr.Append(err, m.Output.Destroy())
	}
	return err
}

func pickTensor(infos []ort.InputOutputInfo, preferred string) (ort.InputOutputInfo, error) {
	if len(infos) == 0 {
		return ort.InputOutputInfo{}, errors.New("model declares no tensors")
	}
	for _, info := range infos {
		if info.Name == preferred {
			return info, nil
		}
	}
	return infos[0], nil
}

// concreteShape replaces a dynamic batch dimension with 1.
func concreteShape(dims ort.Shape) (ort.Shape, error) {
	shape := make(ort.Shape, len(dims))
	for i, d := range dims {
		switch {
		case d > 0:
			shape[i] = d
		case i == 0:
			shape[i] = 1
		default:
			return nil, fmt.Errorf("dynamic dimension %d in shape %v", i, dims)
		}
	}
	return shape, nil
}
