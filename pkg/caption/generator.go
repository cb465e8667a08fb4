// Package caption writes one text caption per training image.
package caption

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/menta2k/dataset-curator/pkg/client"
	"github.com/menta2k/dataset-curator/pkg/processing"
)

// DefaultPrompt asks for a single detailed training caption
const DefaultPrompt = `Write one detailed caption for this image, as used to train an image generation model.
Describe the subject, clothing, pose, expression, setting, lighting and camera framing.
Plain text only, one paragraph, no lists, no markdown, no preamble such as "This image shows".`

// Generator produces a caption for a single image file
type Generator interface {
	Generate(ctx context.Context, imagePath string) (string, error)
}

// VisionGenerator captions images through a vision-language model
type VisionGenerator struct {
	client    client.VisionClient
	processor *processing.Processor
	model     string
	prompt    string
	maxSide   int
}

// NewVisionGenerator creates a generator. An empty prompt uses DefaultPrompt;
// maxSide <= 0 sends images at full size.
func NewVisionGenerator(c client.VisionClient, model, prompt string, maxSide int) *VisionGenerator {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return &VisionGenerator{
		client:    c,
		processor: processing.NewProcessor(),
		model:     model,
		prompt:    prompt,
		maxSide:   maxSide,
	}
}

// Generate implements Generator
func (g *VisionGenerator) Generate(ctx context.Context, imagePath string) (string, error) {
	img, err := g.processor.LoadImage(imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to load image: %w", err)
	}

	imgB64, err := g.processor.PrepareImageForModel(img, "jpg", g.maxSide, 90)
	if err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}

	raw, err := g.client.Describe(ctx, g.model, g.prompt, imgB64)
	if err != nil {
		return "", err
	}

	caption := CleanCaption(raw)
	if caption == "" {
		return "", fmt.Errorf("model returned an empty caption")
	}
	return caption, nil
}

var (
	reWhitespace = regexp.MustCompile(`\s+`)
	reMarkdown   = regexp.MustCompile("[*_#`]+")
	rePreamble   = regexp.MustCompile(`(?i)^(caption|description)\s*:\s*`)
)

// CleanCaption flattens model output into a single plain line
func CleanCaption(raw string) string {
	s := strings.TrimSpace(raw)
	s = reMarkdown.ReplaceAllString(s, "")
	s = reWhitespace.ReplaceAllString(s, " ")
	s = rePreamble.ReplaceAllString(s, "")
	s = strings.Trim(s, `"' `)
	return s
}
