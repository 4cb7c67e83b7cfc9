package detector

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/dj-oyu/underwater-trash-detector/internal/logger"
	"github.com/dj-oyu/underwater-trash-detector/pkg/types"
)

// ONNXConfig configures the in-process YOLO backend.
type ONNXConfig struct {
	LibraryPath   string
	ModelPath     string
	InputSize     int
	MinConfidence float64 // candidate floor applied before NMS
	IoU           float64
	Threads       int
	Labels        map[int]string // overrides the labels embedded in the model
}

// ONNXModel runs an exported YOLOv8-style detector through onnxruntime.
// The output tensor is [1, 4+classes, anchors] with cx, cy, w, h in input
// pixels followed by per-class scores.
type ONNXModel struct {
	cfg ONNXConfig

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	numClasses int
	anchors    int
	labels     map[int]string
}

var ortInit sync.Once
var ortInitErr error

// NewONNXModel loads the model and allocates its tensors.
func NewONNXModel(cfg ONNXConfig) (*ONNXModel, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model_path is required")
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 640
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.25
	}
	if cfg.IoU <= 0 {
		cfg.IoU = 0.7
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}

	ortInit.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", ortInitErr)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect model: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("expected 1 input and 1 output, got %d and %d", len(inputs), len(outputs))
	}
	outDims := outputs[0].Dimensions
	if len(outDims) != 3 || outDims[1] <= 4 {
		return nil, fmt.Errorf("unexpected output shape %v", outDims)
	}

	m := &ONNXModel{
		cfg:        cfg,
		numClasses: int(outDims[1]) - 4,
		anchors:    int(outDims[2]),
		labels:     cfg.Labels,
	}
	if len(m.labels) == 0 {
		m.labels = readEmbeddedLabels(cfg.ModelPath)
	}

	size := int64(cfg.InputSize)
	m.input, err = ort.NewTensor(ort.NewShape(1, 3, size, size), make([]float32, 3*size*size))
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	m.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, outDims[1], outDims[2]))
	if err != nil {
		m.input.Destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		m.destroyTensors()
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer options.Destroy()
	_ = options.SetIntraOpNumThreads(cfg.Threads)
	_ = options.SetInterOpNumThreads(1)

	m.session, err = ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		[]ort.ArbitraryTensor{m.input},
		[]ort.ArbitraryTensor{m.output},
		options,
	)
	if err != nil {
		m.destroyTensors()
		return nil, fmt.Errorf("create session: %w", err)
	}

	logger.Info("Detector", "ONNX model %s loaded (classes=%d, anchors=%d, input=%d)",
		cfg.ModelPath, m.numClasses, m.anchors, cfg.InputSize)
	return m, nil
}

func readEmbeddedLabels(path string) map[int]string {
	meta, err := ort.GetModelMetadata(path)
	if err != nil {
		logger.Warn("Detector", "Reading model metadata: %v", err)
		return nil
	}
	defer meta.Destroy()

	raw, ok, err := meta.LookupCustomMetadataMap("names")
	if err != nil || !ok {
		return nil
	}
	labels, err := ParseLabelMap(raw)
	if err != nil {
		logger.Warn("Detector", "Model names metadata: %v", err)
		return nil
	}
	return labels
}

// Detect resizes img to the model input, runs the session once and decodes
// the boxes back into image coordinates, highest confidence first.
func (m *ONNXModel) Detect(ctx context.Context, img image.Image) ([]types.RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	size := m.cfg.InputSize

	m.mu.Lock()
	defer m.mu.Unlock()

	fillCHW(m.input.GetData(), resize.Resize(uint(size), uint(size), img, resize.Bilinear), size)
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}

	candidates := decodeYOLO(m.output.GetData(), m.numClasses, m.anchors, m.cfg.MinConfidence,
		float64(b.Dx())/float64(size), float64(b.Dy())/float64(size))
	out := nonMaxSuppression(candidates, m.cfg.IoU)
	for i := range out {
		out[i].X1 += float64(b.Min.X)
		out[i].X2 += float64(b.Min.X)
		out[i].Y1 += float64(b.Min.Y)
		out[i].Y2 += float64(b.Min.Y)
	}
	return out, nil
}

// Labels returns the label set embedded in or configured for the model.
func (m *ONNXModel) Labels() map[int]string {
	out := make(map[int]string, len(m.labels))
	for k, v := range m.labels {
		out[k] = v
	}
	return out
}

// Close releases the session and tensors.
func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.session != nil {
		err = m.session.Destroy()
		m.session = nil
	}
	m.destroyTensors()
	return err
}

func (m *ONNXModel) destroyTensors() {
	if m.input != nil {
		m.input.Destroy()
		m.input = nil
	}
	if m.output != nil {
		m.output.Destroy()
		m.output = nil
	}
}

// fillCHW writes img as planar RGB scaled to [0,1].
func fillCHW(dst []float32, img image.Image, size int) {
	stride := size * size
	b := img.Bounds()
	idx := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			dst[idx] = float32(r>>8) / 255.0
			dst[idx+stride] = float32(g>>8) / 255.0
			dst[idx+2*stride] = float32(bl>>8) / 255.0
			idx++
		}
	}
}
