package vision

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/menta2k/dataset-curator/pkg/types"
)

// ONNXConfig describes a YOLO-style single class face model
type ONNXConfig struct {
	ModelPath      string
	LibraryPath    string // onnxruntime shared library; empty uses the loader default
	InputSize      int
	NumPredictions int
	ConfThreshold  float64
	Logger         zerolog.Logger
}

// DefaultONNXConfig returns settings for a 640x640 YOLOv8 face export
func DefaultONNXConfig(modelPath, libraryPath string) ONNXConfig {
	return ONNXConfig{
		ModelPath:      modelPath,
		LibraryPath:    libraryPath,
		InputSize:      640,
		NumPredictions: 8400,
		ConfThreshold:  0.5,
		Logger:         zerolog.Nop(),
	}
}

// ONNXLocator runs a face model through onnxruntime. The runtime environment
// and session are created lazily and reused; Locate calls are serialized.
type ONNXLocator struct {
	config ONNXConfig

	once    sync.Once
	initErr error

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	closed  bool
}

// NewONNXLocator creates a locator; the model is loaded on first use
func NewONNXLocator(config ONNXConfig) *ONNXLocator {
	if config.InputSize <= 0 {
		config.InputSize = 640
	}
	if config.NumPredictions <= 0 {
		config.NumPredictions = 8400
	}
	return &ONNXLocator{config: config}
}

func (l *ONNXLocator) init() {
	if l.config.LibraryPath != "" {
		ort.SetSharedLibraryPath(l.config.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			l.initErr = fmt.Errorf("failed to initialize onnxruntime: %w", err)
			return
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		l.initErr = fmt.Errorf("error creating session options: %w", err)
		return
	}
	defer options.Destroy()
	options.SetIntraOpNumThreads(runtime.NumCPU())

	size := int64(l.config.InputSize)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		l.initErr = fmt.Errorf("error creating input tensor: %w", err)
		return
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 5, int64(l.config.NumPredictions)))
	if err != nil {
		input.Destroy()
		l.initErr = fmt.Errorf("error creating output tensor: %w", err)
		return
	}

	session, err := ort.NewAdvancedSession(
		l.config.ModelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		l.initErr = fmt.Errorf("error creating session: %w", err)
		return
	}

	l.config.Logger.Debug().Str("model", l.config.ModelPath).Msg("onnx face model loaded")
	l.session, l.input, l.output = session, input, output
}

// Locate implements FaceLocator
func (l *ONNXLocator) Locate(ctx context.Context, img image.Image) ([]types.FaceBox, error) {
	l.once.Do(l.init)
	if l.initErr != nil {
		return nil, l.initErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fmt.Errorf("onnx locator is closed")
	}

	b := img.Bounds()
	if b.Empty() {
		return nil, nil
	}

	size := l.config.InputSize
	resized := imaging.Resize(img, size, size, imaging.Linear)
	fillCHW(resized, l.input.GetData(), size)

	if err := l.session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	faces := decodePredictions(l.output.GetData(), l.config.NumPredictions, size, b.Dx(), b.Dy(), l.config.ConfThreshold)
	l.config.Logger.Debug().Int("faces", len(faces)).Msg("onnx detection finished")
	return faces, nil
}

// Close releases the session and tensors
func (l *ONNXLocator) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	if l.session != nil {
		l.session.Destroy()
	}
	if l.input != nil {
		l.input.Destroy()
	}
	if l.output != nil {
		l.output.Destroy()
	}
	return nil
}

// fillCHW writes pixels as planar RGB floats in [0,1]
func fillCHW(img *image.NRGBA, dst []float32, size int) {
	channel := size * size
	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < size; x++ {
			i := y*size + x
			px := row[x*4 : x*4+3]
			dst[i] = float32(px[0]) / 255.0
			dst[channel+i] = float32(px[1]) / 255.0
			dst[channel*2+i] = float32(px[2]) / 255.0
		}
	}
}

// decodePredictions reads a (1, 5, n) output of [cx, cy, w, h, conf] rows in
// model input pixels and maps boxes back onto a srcW x srcH image
func decodePredictions(pred []float32, n, inputSize, srcW, srcH int, threshold float64) []types.FaceBox {
	if len(pred) < 5*n {
		return nil
	}

	sx := float64(srcW) / float64(inputSize)
	sy := float64(srcH) / float64(inputSize)

	var faces []types.FaceBox
	for i := 0; i < n; i++ {
		conf := float64(pred[4*n+i])
		if conf < threshold {
			continue
		}
		cx, cy := float64(pred[i]), float64(pred[n+i])
		w, h := float64(pred[2*n+i]), float64(pred[3*n+i])

		box := types.FaceBox{
			X:      int((cx - w/2) * sx),
			Y:      int((cy - h/2) * sy),
			Width:  int(w * sx),
			Height: int(h * sy),
			Score:  conf,
		}
		if clamped, ok := clampBox(box, srcW, srcH); ok {
			faces = append(faces, clamped)
		}
	}
	SortFaces(faces)
	return faces
}
