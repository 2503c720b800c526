//go:build gocv

// Package onnx runs an ArcFace ONNX model in-process through OpenCV's DNN module.
// Build with -tags gocv; without it Open always fails.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Provider embeds aligned faces with a local ArcFace network.
type Provider struct {
	mu   sync.Mutex
	net  gocv.Net
	size image.Point
}

// Open loads the model at path. device is "cpu" or "cuda".
func Open(path string, faceSize int, device string) (*Provider, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model file %s: %w", path, err)
	}
	net := gocv.ReadNet(path, "")
	if net.Empty() {
		return nil, fmt.Errorf("failed to load ArcFace model from %s", path)
	}

	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	if device == "cuda" {
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDA
	}
	if err := net.SetPreferableBackend(backend); err != nil {
		net.Close()
		return nil, fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		net.Close()
		return nil, fmt.Errorf("set target: %w", err)
	}

	log.WithFields(log.Fields{"model": path, "device": device}).Debug("ArcFace model loaded")
	return &Provider{net: net, size: image.Pt(faceSize, faceSize)}, nil
}

// Embed returns the raw network output for one aligned face.
func (p *Provider) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat, err := gocv.ImageToMatRGB(face)
	if err != nil {
		return nil, fmt.Errorf("convert face: %w", err)
	}
	defer mat.Close()

	// Inputs are scaled to [-1, 1] around 127.5.
	blob := gocv.BlobFromImage(mat, 1.0/127.5, p.size, gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.net.SetInput(blob, ""); err != nil {
		return nil, fmt.Errorf("set input: %w", err)
	}
	out := p.net.Forward("")
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read embedding: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("model produced an empty embedding")
	}
	return append([]float32(nil), data...), nil
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.net.Close()
}
