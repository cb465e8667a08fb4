// Package vision locates faces used as focal points for cropping.
package vision

import (
	"context"
	"image"
	"sort"

	"github.com/menta2k/dataset-curator/pkg/types"
)

// FaceLocator finds frontal faces in a decoded image. Results are ordered by
// detector confidence, then by size, so the first box is the primary face.
type FaceLocator interface {
	Locate(ctx context.Context, img image.Image) ([]types.FaceBox, error)
}

// LocatorFunc adapts a function to FaceLocator
type LocatorFunc func(ctx context.Context, img image.Image) ([]types.FaceBox, error)

// Locate calls f
func (f LocatorFunc) Locate(ctx context.Context, img image.Image) ([]types.FaceBox, error) {
	return f(ctx, img)
}

// SortFaces orders boxes by score (descending), breaking ties by area
func SortFaces(faces []types.FaceBox) {
	sort.SliceStable(faces, func(i, j int) bool {
		if faces[i].Score != faces[j].Score {
			return faces[i].Score > faces[j].Score
		}
		return faces[i].Area() > faces[j].Area()
	})
}

// Primary returns the first face, if any
func Primary(faces []types.FaceBox) (types.FaceBox, bool) {
	if len(faces) == 0 {
		return types.FaceBox{}, false
	}
	return faces[0], true
}

// clampBox keeps a box inside a w x h image, dropping it when nothing is left
func clampBox(b types.FaceBox, w, h int) (types.FaceBox, bool) {
	r := b.Rect().Intersect(image.Rect(0, 0, w, h))
	if r.Empty() {
		return types.FaceBox{}, false
	}
	return types.FaceBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy(), Score: b.Score}, true
}
