package vision

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/disintegration/imaging"
	pigo "github.com/esimov/pigo/core"
	"github.com/rs/zerolog"

	"github.com/menta2k/dataset-curator/pkg/types"
)

// PigoConfig tunes the pigo cascade detector
type PigoConfig struct {
	CascadePath    string
	MinSize        int
	ShiftFactor    float64
	ScaleFactor    float64
	Angle          float64
	IoUThreshold   float64
	ScoreThreshold float64
	Logger         zerolog.Logger
}

// DefaultPigoConfig returns settings that work for portrait photos
func DefaultPigoConfig(cascadePath string) PigoConfig {
	return PigoConfig{
		CascadePath:    cascadePath,
		MinSize:        30,
		ShiftFactor:    0.1,
		ScaleFactor:    1.1,
		IoUThreshold:   0.2,
		ScoreThreshold: 5.0,
		Logger:         zerolog.Nop(),
	}
}

// PigoLocator detects faces with a pigo pixel-intensity cascade. The cascade
// file is read on the first Locate call and cached afterwards.
type PigoLocator struct {
	config PigoConfig

	once       sync.Once
	classifier *pigo.Pigo
	loadErr    error
}

// NewPigoLocator creates a locator; no file is touched until first use
func NewPigoLocator(config PigoConfig) *PigoLocator {
	return &PigoLocator{config: config}
}

func (l *PigoLocator) load() {
	data, err := os.ReadFile(l.config.CascadePath)
	if err != nil {
		l.loadErr = fmt.Errorf("failed to read cascade: %w", err)
		return
	}

	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		l.loadErr = fmt.Errorf("failed to unpack cascade: %w", err)
		return
	}

	l.config.Logger.Debug().Str("cascade", l.config.CascadePath).Msg("face cascade loaded")
	l.classifier = classifier
}

// Locate implements FaceLocator
func (l *PigoLocator) Locate(ctx context.Context, img image.Image) ([]types.FaceBox, error) {
	l.once.Do(l.load)
	if l.loadErr != nil {
		return nil, l.loadErr
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src := imaging.Clone(img)
	cols, rows := src.Bounds().Dx(), src.Bounds().Dy()
	if cols == 0 || rows == 0 {
		return nil, nil
	}

	params := pigo.CascadeParams{
		MinSize:     l.config.MinSize,
		MaxSize:     min(cols, rows),
		ShiftFactor: l.config.ShiftFactor,
		ScaleFactor: l.config.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(src),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := l.classifier.RunCascade(params, l.config.Angle)
	dets = l.classifier.ClusterDetections(dets, l.config.IoUThreshold)

	faces := detectionsToFaces(dets, l.config.ScoreThreshold, cols, rows)
	l.config.Logger.Debug().Int("faces", len(faces)).Msg("pigo detection finished")
	return faces, nil
}

// detectionsToFaces converts centre/scale detections into clamped boxes
func detectionsToFaces(dets []pigo.Detection, threshold float64, cols, rows int) []types.FaceBox {
	faces := make([]types.FaceBox, 0, len(dets))
	for _, det := range dets {
		if float64(det.Q) < threshold {
			continue
		}
		box := types.FaceBox{
			X:      det.Col - det.Scale/2,
			Y:      det.Row - det.Scale/2,
			Width:  det.Scale,
			Height: det.Scale,
			Score:  float64(det.Q),
		}
		if clamped, ok := clampBox(box, cols, rows); ok {
			faces = append(faces, clamped)
		}
	}
	SortFaces(faces)
	return faces
}
