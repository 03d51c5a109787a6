//go:build gocv
// +build gocv

package detect

import (
	"context"
	"image"
	"math"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teranos/VIGIL/errors"
)

func init() {
	backends[FrameworkONNX] = loadDNN
	backends[FrameworkOpenVINO] = loadDNN
}

// dnnModel wraps an OpenCV DNN network. OpenCV nets are not safe for
// concurrent forward passes, so Infer serializes behind a mutex.
type dnnModel struct {
	cfg ModelConfig
	mu  sync.Mutex
	net gocv.Net
}

func loadDNN(cfg ModelConfig) (Model, error) {
	net := gocv.ReadNet(cfg.Path, "")
	if net.Empty() {
		return nil, errors.Newf("ReadNet returned empty network for %s", cfg.Path)
	}
	return &dnnModel{cfg: cfg, net: net}, nil
}

func (m *dnnModel) Name() string          { return m.cfg.Name }
func (m *dnnModel) InputSize() (int, int) { return m.cfg.InputWidth, m.cfg.InputHeight }
func (m *dnnModel) Classes() []string     { return m.cfg.ClassNames }

func (m *dnnModel) Infer(ctx context.Context, input Tensor) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	matType := gocv.MatTypeCV32FC3
	if input.Channels == 1 {
		matType = gocv.MatTypeCV32F
	}
	blob, err := gocv.NewMatFromBytes(input.Height, input.Width, matType, float32Bytes(input.Data))
	if err != nil {
		return nil, errors.Wrap(err, "build input blob")
	}
	defer blob.Close()

	shaped := gocv.BlobFromImage(blob, 1.0, image.Pt(input.Width, input.Height), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer shaped.Close()

	m.net.SetInput(shaped, "")
	out := m.net.Forward("")
	defer out.Close()

	rows := out.Rows()
	cols := out.Cols()
	result := make([][]float32, 0, rows)
	for i := 0; i < rows; i++ {
		row := make([]float32, cols)
		for j := 0; j < cols; j++ {
			row[j] = out.GetFloatAt(i, j)
		}
		result = append(result, row)
	}
	return result, nil
}

func (m *dnnModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.net.Close()
}

func float32Bytes(data []float32) []byte {
	buf := make([]byte, len(data)*4)
	for i, v := range data {
		bits := math.Float32bits(v)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf
}
