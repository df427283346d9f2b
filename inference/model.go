// Package inference holds the MNIST classifier that runs inside the TA. The
// model is a small multilayer perceptron serialised as a protobuf-wire
// record; the TA treats it as "batch of images in, one class byte per image
// out".
package inference

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"enc-mnist/shared"

	"google.golang.org/protobuf/encoding/protowire"
)

// RecordVersion is the only record layout this package reads.
const RecordVersion = 1

const (
	fieldVersion protowire.Number = 1
	fieldInput   protowire.Number = 2
	fieldHidden  protowire.Number = 3
	fieldClasses protowire.Number = 4
	fieldW1      protowire.Number = 5
	fieldB1      protowire.Number = 6
	fieldW2      protowire.Number = 7
	fieldB2      protowire.Number = 8
)

// ErrInvalidModel is returned for records that cannot be imported.
var ErrInvalidModel = errors.New("invalid model record")

// Image is one 28x28 grayscale picture, row major.
type Image [shared.ImageSize]byte

// ImagesFromBytes splits a flat buffer into images. The length must be a
// non-zero multiple of ImageSize.
func ImagesFromBytes(b []byte) ([]Image, error) {
	if len(b) == 0 || len(b)%shared.ImageSize != 0 {
		return nil, fmt.Errorf("image buffer of %d bytes is not a positive multiple of %d", len(b), shared.ImageSize)
	}
	images := make([]Image, len(b)/shared.ImageSize)
	for i := range images {
		copy(images[i][:], b[i*shared.ImageSize:])
	}
	return images, nil
}

// Flatten concatenates images for transport.
func Flatten(images []Image) []byte {
	out := make([]byte, 0, len(images)*shared.ImageSize)
	for i := range images {
		out = append(out, images[i][:]...)
	}
	return out
}

// Model is an immutable MLP. Hidden may be zero, in which case the input
// feeds the output layer directly.
type Model struct {
	Input   int
	Hidden  int
	Classes int
	W1, B1  []float32
	W2, B2  []float32
}

func (m *Model) outputFanIn() int {
	if m.Hidden == 0 {
		return m.Input
	}
	return m.Hidden
}

func (m *Model) validate() error {
	if m.Input != shared.ImageSize {
		return fmt.Errorf("%w: input width %d, want %d", ErrInvalidModel, m.Input, shared.ImageSize)
	}
	if m.Classes <= 0 || m.Classes > 256 {
		return fmt.Errorf("%w: %d classes", ErrInvalidModel, m.Classes)
	}
	if m.Hidden < 0 {
		return fmt.Errorf("%w: negative hidden width", ErrInvalidModel)
	}
	if m.Hidden > 0 {
		if len(m.W1) != m.Hidden*m.Input || len(m.B1) != m.Hidden {
			return fmt.Errorf("%w: hidden layer shape mismatch", ErrInvalidModel)
		}
	} else if len(m.W1) != 0 || len(m.B1) != 0 {
		return fmt.Errorf("%w: hidden weights without hidden width", ErrInvalidModel)
	}
	if len(m.W2) != m.Classes*m.outputFanIn() || len(m.B2) != m.Classes {
		return fmt.Errorf("%w: output layer shape mismatch", ErrInvalidModel)
	}
	return nil
}

// Import parses and validates a model record.
func Import(record []byte) (*Model, error) {
	var (
		m       Model
		version uint64
	)
	b := record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidModel, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num <= fieldClasses:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidModel, protowire.ParseError(n))
			}
			b = b[n:]
			if v > math.MaxInt32 {
				return nil, fmt.Errorf("%w: field %d out of range", ErrInvalidModel, num)
			}
			switch num {
			case fieldVersion:
				version = v
			case fieldInput:
				m.Input = int(v)
			case fieldHidden:
				m.Hidden = int(v)
			case fieldClasses:
				m.Classes = int(v)
			}
		case typ == protowire.BytesType && num >= fieldW1 && num <= fieldB2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidModel, protowire.ParseError(n))
			}
			b = b[n:]
			t, err := decodeTensor(v)
			if err != nil {
				return nil, err
			}
			switch num {
			case fieldW1:
				m.W1 = t
			case fieldB1:
				m.B1 = t
			case fieldW2:
				m.W2 = t
			case fieldB2:
				m.B2 = t
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidModel, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if version != RecordVersion {
		return nil, fmt.Errorf("%w: record version %d", ErrInvalidModel, version)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Marshal serialises the model into its record form.
func (m *Model) Marshal() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, RecordVersion)
	b = protowire.AppendTag(b, fieldInput, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Input))
	if m.Hidden > 0 {
		b = protowire.AppendTag(b, fieldHidden, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Hidden))
	}
	b = protowire.AppendTag(b, fieldClasses, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Classes))
	if m.Hidden > 0 {
		b = appendTensor(b, fieldW1, m.W1)
		b = appendTensor(b, fieldB1, m.B1)
	}
	b = appendTensor(b, fieldW2, m.W2)
	b = appendTensor(b, fieldB2, m.B2)
	return b, nil
}

func appendTensor(b []byte, num protowire.Number, t []float32) []byte {
	raw := make([]byte, 4*len(t))
	for i, f := range t {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(f))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, raw)
}

func decodeTensor(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: tensor of %d bytes", ErrInvalidModel, len(raw))
	}
	t := make([]float32, len(raw)/4)
	for i := range t {
		f := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return nil, fmt.Errorf("%w: non-finite weight", ErrInvalidModel)
		}
		t[i] = f
	}
	return t, nil
}

// Forward classifies each image and returns the arg-max class per image.
func (m *Model) Forward(images []Image) []byte {
	out := make([]byte, len(images))
	x := make([]float32, m.Input)
	var h []float32
	if m.Hidden > 0 {
		h = make([]float32, m.Hidden)
	}
	logits := make([]float32, m.Classes)

	for n := range images {
		for i, px := range images[n] {
			x[i] = float32(px) / 255
		}
		in := x
		if m.Hidden > 0 {
			dense(h, m.W1, m.B1, x)
			for i := range h {
				if h[i] < 0 {
					h[i] = 0
				}
			}
			in = h
		}
		dense(logits, m.W2, m.B2, in)
		out[n] = byte(argmax(logits))
	}
	return out
}

// dense computes out = W*in + b with W stored row major.
func dense(out, w, b, in []float32) {
	width := len(in)
	for r := range out {
		row := w[r*width : (r+1)*width]
		sum := b[r]
		for c, v := range in {
			sum += row[c] * v
		}
		out[r] = sum
	}
}

func argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// NewRandom builds a deterministic model with small random weights. It is
// used to produce fixture records.
func NewRandom(hidden, classes int, seed int64) *Model {
	rng := rand.New(rand.NewSource(seed))
	fill := func(n int, scale float32) []float32 {
		t := make([]float32, n)
		for i := range t {
			t[i] = (rng.Float32()*2 - 1) * scale
		}
		return t
	}
	m := &Model{Input: shared.ImageSize, Hidden: hidden, Classes: classes}
	fanIn := m.Input
	if hidden > 0 {
		m.W1 = fill(hidden*m.Input, 0.1)
		m.B1 = fill(hidden, 0.1)
		fanIn = hidden
	}
	m.W2 = fill(classes*fanIn, 0.5)
	m.B2 = fill(classes, 0.1)
	return m
}
