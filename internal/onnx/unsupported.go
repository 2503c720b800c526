//go:build !gocv

package onnx

import (
	"context"
	"errors"
	"image"
)

// ErrUnsupported is returned by binaries built without the gocv tag.
var ErrUnsupported = errors.New("onnx backend not compiled in, rebuild with -tags gocv")

type Provider struct{}

func Open(path string, faceSize int, device string) (*Provider, error) {
	return nil, ErrUnsupported
}

func (p *Provider) Embed(context.Context, image.Image) ([]float32, error) {
	return nil, ErrUnsupported
}

func (p *Provider) Close() error { return nil }
