package gallery

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/andresmejia3/facebank/internal/linalg"
)

const (
	artifactMagic   = "FBK1"
	artifactVersion = 1
	matrixMagic     = "FBM1"
)

var le = binary.LittleEndian

// errCorrupt marks artifacts that fail structural or checksum validation.
var errCorrupt = errors.New("corrupt gallery artifact")

// encodeArtifact serialises names and matrix into the combined format:
// magic, version, N, D, N length-prefixed names, N*D float32, crc32.
func encodeArtifact(names []string, m *linalg.Dense[float32]) ([]byte, error) {
	if m.Rows() != len(names) {
		return nil, fmt.Errorf("%d names for %d rows", len(names), m.Rows())
	}
	buf := make([]byte, 0, 16+len(names)*8+len(m.Data())*4+4)
	buf = append(buf, artifactMagic...)
	buf = le.AppendUint32(buf, artifactVersion)
	buf = le.AppendUint32(buf, uint32(len(names)))
	buf = le.AppendUint32(buf, uint32(m.Cols()))
	for _, n := range names {
		if len(n) > math.MaxUint16 {
			return nil, fmt.Errorf("name of %d bytes is too long", len(n))
		}
		buf = le.AppendUint16(buf, uint16(len(n)))
		buf = append(buf, n...)
	}
	buf = appendFloats(buf, m.Data())
	return le.AppendUint32(buf, crc32.ChecksumIEEE(buf)), nil
}

func decodeArtifact(data []byte) ([]string, *linalg.Dense[float32], error) {
	body, err := checkFrame(data, artifactMagic)
	if err != nil {
		return nil, nil, err
	}
	r := bytes.NewReader(body)
	var hdr struct{ Version, N, D uint32 }
	if err := binary.Read(r, le, &hdr); err != nil {
		return nil, nil, fmt.Errorf("header: %w", errCorrupt)
	}
	if hdr.Version != artifactVersion {
		return nil, nil, fmt.Errorf("unsupported artifact version %d", hdr.Version)
	}

	// Every name takes at least its two length bytes, every value four.
	if uint64(hdr.N)*2+uint64(hdr.N)*uint64(hdr.D)*4 > uint64(r.Len()) {
		return nil, nil, fmt.Errorf("%dx%d header for %d bytes: %w", hdr.N, hdr.D, r.Len(), errCorrupt)
	}
	names := make([]string, 0, hdr.N)
	for i := uint32(0); i < hdr.N; i++ {
		var n uint16
		if err := binary.Read(r, le, &n); err != nil {
			return nil, nil, fmt.Errorf("name %d: %w", i, errCorrupt)
		}
		name := make([]byte, n)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, nil, fmt.Errorf("name %d: %w", i, errCorrupt)
		}
		names = append(names, string(name))
	}

	m, err := readFloats(body[len(body)-r.Len():], int(hdr.N), int(hdr.D))
	if err != nil {
		return nil, nil, err
	}
	return names, m, nil
}

// encodeMatrix writes the legacy matrix file: magic, N, D, N*D float32, crc32.
func encodeMatrix(m *linalg.Dense[float32]) []byte {
	buf := make([]byte, 0, 12+len(m.Data())*4+4)
	buf = append(buf, matrixMagic...)
	buf = le.AppendUint32(buf, uint32(m.Rows()))
	buf = le.AppendUint32(buf, uint32(m.Cols()))
	buf = appendFloats(buf, m.Data())
	return le.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

func decodeMatrix(data []byte) (*linalg.Dense[float32], error) {
	body, err := checkFrame(data, matrixMagic)
	if err != nil {
		return nil, err
	}
	if len(body) < 8 {
		return nil, fmt.Errorf("header: %w", errCorrupt)
	}
	return readFloats(body[8:], int(le.Uint32(body)), int(le.Uint32(body[4:])))
}

func encodeNames(names []string) ([]byte, error) {
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

func decodeNames(data []byte) ([]string, error) {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("names: %w", err)
	}
	return names, nil
}

// checkFrame verifies magic and trailing checksum and returns what lies between.
func checkFrame(data []byte, magic string) ([]byte, error) {
	if len(data) < len(magic)+4 || string(data[:len(magic)]) != magic {
		return nil, fmt.Errorf("bad magic: %w", errCorrupt)
	}
	payload, sum := data[:len(data)-4], le.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, fmt.Errorf("checksum mismatch: %w", errCorrupt)
	}
	return payload[len(magic):], nil
}

func appendFloats(buf []byte, vals []float32) []byte {
	for _, v := range vals {
		buf = le.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

func readFloats(data []byte, rows, cols int) (*linalg.Dense[float32], error) {
	if len(data) != rows*cols*4 {
		return nil, fmt.Errorf("%d bytes for a %dx%d matrix: %w", len(data), rows, cols, errCorrupt)
	}
	vals := make([]float32, rows*cols)
	for i := range vals {
		vals[i] = math.Float32frombits(le.Uint32(data[i*4:]))
	}
	if rows == 0 {
		return linalg.WithCols[float32](cols), nil
	}
	return linalg.Wrap(rows, cols, vals)
}
