package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/facebank/internal/imaging"
	"github.com/andresmejia3/facebank/internal/types"
	"github.com/andresmejia3/facebank/internal/utils" // Using the SafeCommand wrapper
)

// Request opcodes.
const (
	OpEmbed byte = 1
	OpAlign byte = 2
)

// Response status bytes.
const (
	StatusOK     byte = 0
	StatusError  byte = 1
	StatusNoFace byte = 2
)

// ErrWorkerBroken is returned once a worker's stream lost framing (timeout or short read).
var ErrWorkerBroken = errors.New("worker stream out of sync")

// Options describes how to launch a model worker.
type Options struct {
	Python   string
	Script   string
	Device   string
	Detector string
	FaceSize int
	Timeout  time.Duration
}

func (o Options) args() []string {
	args := []string{"-u", o.Script}
	if o.Device != "" {
		args = append(args, "--device", o.Device)
	}
	if o.Detector != "" {
		args = append(args, "--detector", o.Detector)
	}
	if o.FaceSize > 0 {
		args = append(args, "--face-size", strconv.Itoa(o.FaceSize))
	}
	return args
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	mu     sync.Mutex
	broken bool
}

func NewPythonWorker(id int, opts Options) (*PythonWorker, error) {
	python := opts.Python
	if python == "" {
		python = "python3"
	}
	if opts.Script == "" {
		opts.Script = "python/worker.py"
	}
	py := utils.NewSafeCommand(python, opts.args()...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  opts.Timeout,
	}, nil
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Communicate sends one framed request and reads one framed response.
// Protocol: [Length][Data] in both directions.
func (w *PythonWorker) Communicate(ctx context.Context, data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken {
		return nil, fmt.Errorf("worker %d: %w", w.ID, ErrWorkerBroken)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(deadliner); ok {
		deadline := time.Time{}
		if w.Timeout > 0 {
			deadline = time.Now().Add(w.Timeout)
		}
		if cd, ok := ctx.Deadline(); ok && (deadline.IsZero() || cd.Before(deadline)) {
			deadline = cd
		}
		if err := d.SetReadDeadline(deadline); err == nil {
			stop := context.AfterFunc(ctx, func() { d.SetReadDeadline(time.Now()) })
			defer stop()
		}
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Stdin.Write(frame); err != nil {
		w.broken = true
		return nil, fmt.Errorf("worker %d write: %w", w.ID, err)
	}

	// Now we read from our clean DataPipe, so no Magic Byte is needed.
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		w.broken = true
		return nil, w.readErr(ctx, err) // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		w.broken = true
		return nil, w.readErr(ctx, err)
	}
	return respBody, nil
}

func (w *PythonWorker) readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("worker %d read: %w", w.ID, ctxErr)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("worker %d read timed out after %s: %w", w.ID, w.Timeout, err)
	}
	return fmt.Errorf("worker %d read: %w", w.ID, err)
}

// Embed sends an aligned face and returns the raw embedding.
func (w *PythonWorker) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	png, err := imaging.EncodePNG(face)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 0, 1+len(png))
	payload = append(payload, OpEmbed)
	payload = append(payload, png...)

	resp, err := w.Communicate(ctx, payload)
	if err != nil {
		return nil, err
	}
	r, err := checkStatus(resp)
	if err != nil {
		return nil, err
	}

	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("read embedding size: %w", err)
	}
	if int(dim)*4 != r.Len() {
		return nil, fmt.Errorf("embedding of %d values but %d bytes left", dim, r.Len())
	}
	vec := make([]float32, dim)
	if err := binary.Read(r, binary.BigEndian, vec); err != nil {
		return nil, fmt.Errorf("read embedding: %w", err)
	}
	return vec, nil
}

// AlignMulti asks the worker's detector for up to limit faces no smaller
// than minFaceSize pixels.
func (w *PythonWorker) AlignMulti(ctx context.Context, img image.Image, limit, minFaceSize int) ([]types.AlignedFace, error) {
	if limit <= 0 {
		return nil, nil
	}
	png, err := imaging.EncodePNG(img)
	if err != nil {
		return nil, err
	}
	payload := bytes.NewBuffer(make([]byte, 0, 9+len(png)))
	payload.WriteByte(OpAlign)
	binary.Write(payload, binary.BigEndian, uint32(limit))
	binary.Write(payload, binary.BigEndian, uint32(max(minFaceSize, 0)))
	payload.Write(png)

	resp, err := w.Communicate(ctx, payload.Bytes())
	if err != nil {
		return nil, err
	}
	r, err := checkStatus(resp)
	if err != nil {
		return nil, err
	}
	return readFaces(r)
}

// Align returns the highest-ranked face.
func (w *PythonWorker) Align(ctx context.Context, img image.Image) (image.Image, error) {
	return firstFace(w.AlignMulti(ctx, img, 1, 0))
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

func checkStatus(resp []byte) (*bytes.Reader, error) {
	if len(resp) == 0 {
		return nil, errors.New("empty worker response")
	}
	r := bytes.NewReader(resp[1:])
	switch resp[0] {
	case StatusOK:
		return r, nil
	case StatusNoFace:
		return nil, &types.NoFaceDetectedError{Source: "worker"}
	case StatusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, errors.New("python worker error: <unreadable>")
		}
		msg := make([]byte, min(int(msgLen), r.Len()))
		r.Read(msg)
		return nil, fmt.Errorf("python worker error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown worker status %d", resp[0])
	}
}

func readFaces(r *bytes.Reader) ([]types.AlignedFace, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}
	if count == 0 {
		return nil, &types.NoFaceDetectedError{Source: "worker"}
	}

	faces := make([]types.AlignedFace, 0, count)
	for i := uint32(0); i < count; i++ {
		var box [4]int32
		var score float32
		var imgLen uint32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("read face %d box: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &score); err != nil {
			return nil, fmt.Errorf("read face %d score: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &imgLen); err != nil {
			return nil, fmt.Errorf("read face %d length: %w", i, err)
		}
		if int(imgLen) > r.Len() {
			return nil, fmt.Errorf("face %d claims %d bytes, %d left", i, imgLen, r.Len())
		}
		data := make([]byte, imgLen)
		io.ReadFull(r, data)

		img, err := imaging.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		faces = append(faces, types.AlignedFace{
			Box:   types.Box{int(box[0]), int(box[1]), int(box[2]), int(box[3])},
			Score: score,
			Image: img,
		})
	}
	return faces, nil
}

func firstFace(faces []types.AlignedFace, err error) (image.Image, error) {
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, &types.NoFaceDetectedError{Source: "worker"}
	}
	return faces[0].Image, nil
}
