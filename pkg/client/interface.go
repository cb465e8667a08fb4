package client

import (
	"context"
)

// VisionClient asks a vision-language model about a base64 encoded image
type VisionClient interface {
	Describe(ctx context.Context, model, prompt, imgB64 string) (string, error)
}

// Pinger is implemented by clients that can check the server is ready
type Pinger interface {
	Ping(ctx context.Context) error
}
