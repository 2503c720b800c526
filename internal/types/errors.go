package types

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidImage      = errors.New("invalid image")
	ErrNoFaceDetected    = errors.New("no face detected")
	ErrGalleryLoad       = errors.New("gallery load failed")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// InvalidImageError is returned when input cannot be interpreted as pixel data.
type InvalidImageError struct {
	Source string
	Err    error
}

func (e *InvalidImageError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("invalid image: %v", e.Err)
	}
	return fmt.Sprintf("invalid image %s: %v", e.Source, e.Err)
}

func (e *InvalidImageError) Unwrap() error { return e.Err }

func (e *InvalidImageError) Is(target error) bool { return target == ErrInvalidImage }

// NoFaceDetectedError is returned when alignment finds zero faces.
type NoFaceDetectedError struct {
	Source string
}

func (e *NoFaceDetectedError) Error() string {
	if e.Source == "" {
		return "no face detected"
	}
	return fmt.Sprintf("no face detected in %s", e.Source)
}

func (e *NoFaceDetectedError) Is(target error) bool { return target == ErrNoFaceDetected }

// GalleryLoadError covers missing, unreadable or inconsistent gallery artifacts.
type GalleryLoadError struct {
	Path string
	Err  error
}

func (e *GalleryLoadError) Error() string {
	return fmt.Sprintf("load gallery %s: %v", e.Path, e.Err)
}

func (e *GalleryLoadError) Unwrap() error { return e.Err }

func (e *GalleryLoadError) Is(target error) bool { return target == ErrGalleryLoad }

// DimensionMismatchError reports disagreeing embedding widths.
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.Want, e.Got)
}

func (e *DimensionMismatchError) Is(target error) bool { return target == ErrDimensionMismatch }
