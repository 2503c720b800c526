package worker

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/facebank/internal/types"
)

// Pool spreads requests across several single-threaded workers.
type Pool struct {
	workers []*PythonWorker
	idle    chan *PythonWorker
}

// NewPool launches n workers. If any fails to start, the ones already
// running are shut down.
func NewPool(n int, opts Options) (*Pool, error) {
	if n <= 0 {
		n = 1
	}
	workers := make([]*PythonWorker, 0, n)
	for i := 0; i < n; i++ {
		w, err := NewPythonWorker(i, opts)
		if err != nil {
			for _, started := range workers {
				started.Close()
			}
			return nil, err
		}
		workers = append(workers, w)
	}
	return NewPoolFrom(workers...), nil
}

// NewPoolFrom wraps already running workers.
func NewPoolFrom(workers ...*PythonWorker) *Pool {
	p := &Pool{workers: workers, idle: make(chan *PythonWorker, len(workers))}
	for _, w := range workers {
		p.idle <- w
	}
	return p
}

func (p *Pool) Size() int { return len(p.workers) }

// Workers exposes the underlying processes so the CLI can dump their stderr.
func (p *Pool) Workers() []*PythonWorker { return p.workers }

func (p *Pool) acquire(ctx context.Context) (*PythonWorker, error) {
	if len(p.workers) == 0 {
		return nil, errors.New("worker pool is empty")
	}
	select {
	case w := <-p.idle:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) release(w *PythonWorker) { p.idle <- w }

func (p *Pool) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	w, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(w)
	return w.Embed(ctx, face)
}

func (p *Pool) AlignMulti(ctx context.Context, img image.Image, limit, minFaceSize int) ([]types.AlignedFace, error) {
	w, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(w)
	return w.AlignMulti(ctx, img, limit, minFaceSize)
}

func (p *Pool) Align(ctx context.Context, img image.Image) (image.Image, error) {
	return firstFace(p.AlignMulti(ctx, img, 1, 0))
}

// Close stops every worker. In-flight requests must have returned.
func (p *Pool) Close() error {
	var errs []error
	for _, w := range p.workers {
		w.Close()
		if w.Cmd != nil && w.Cmd.ProcessState != nil && !w.Cmd.ProcessState.Success() {
			errs = append(errs, fmt.Errorf("worker %d exited: %s", w.ID, w.Cmd.ProcessState))
		}
	}
	return errors.Join(errs...)
}
