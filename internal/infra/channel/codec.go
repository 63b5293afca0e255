package channel

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/gogo/protobuf/proto"

	"github.com/devmesh/devmesh/internal/domain"
)

// ─── Wire Format ────────────────────────────────────────────────────────────
// Every frame is a length-delimited record:
//
//	uvarint(len) | varint(kind) | payload
//
// Payloads use the protobuf primitives: strings and bytes are
// length-prefixed, ints are zigzag varints, floats are fixed64 IEEE bits,
// tensors are varint(ndim) varint(dim)* bytes(float32 little-endian).

// maxFrame bounds a single frame so a corrupt length cannot allocate
// unbounded memory.
const maxFrame = 1 << 31

// Kind tags the payload of a frame.
type Kind uint64

const (
	KindString Kind = iota + 1
	KindInt
	KindFloat
	KindBytes
	KindStrings
	KindNil
	KindTensor
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBytes:
		return "bytes"
	case KindStrings:
		return "strings"
	case KindNil:
		return "nil"
	case KindTensor:
		return "tensor"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

// Frame is one logical value on the channel.
type Frame struct {
	Kind    Kind
	Str     string
	Int     int64
	Float   float64
	Bytes   []byte
	Strings []string
	Tensor  domain.Tensor
}

func encodeFrame(f Frame) ([]byte, error) {
	body := proto.NewBuffer(nil)
	if err := body.EncodeVarint(uint64(f.Kind)); err != nil {
		return nil, err
	}

	var err error
	switch f.Kind {
	case KindString:
		err = body.EncodeStringBytes(f.Str)
	case KindInt:
		err = body.EncodeZigzag64(uint64(f.Int))
	case KindFloat:
		err = body.EncodeFixed64(math.Float64bits(f.Float))
	case KindBytes:
		err = body.EncodeRawBytes(f.Bytes)
	case KindStrings:
		err = body.EncodeVarint(uint64(len(f.Strings)))
		for _, s := range f.Strings {
			if err != nil {
				break
			}
			err = body.EncodeStringBytes(s)
		}
	case KindNil:
	case KindTensor:
		if err = f.Tensor.Validate(); err != nil {
			return nil, err
		}
		err = body.EncodeVarint(uint64(len(f.Tensor.Shape)))
		for _, d := range f.Tensor.Shape {
			if err != nil {
				break
			}
			err = body.EncodeVarint(uint64(d))
		}
		if err == nil {
			err = body.EncodeRawBytes(Float32Bytes(f.Tensor.Data))
		}
	default:
		return nil, fmt.Errorf("%w: cannot encode %s", domain.ErrProtocol, f.Kind)
	}
	if err != nil {
		return nil, err
	}

	out := proto.NewBuffer(make([]byte, 0, len(body.Bytes())+binary.MaxVarintLen64))
	if err := out.EncodeRawBytes(body.Bytes()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func readFrame(r *bufio.Reader) (Frame, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return Frame{}, err
	}
	if n > maxFrame {
		return Frame{}, fmt.Errorf("%w: frame of %d bytes", domain.ErrProtocol, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, err
	}
	return decodeFrame(buf)
}

func decodeFrame(buf []byte) (Frame, error) {
	b := proto.NewBuffer(buf)
	k, err := b.DecodeVarint()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: frame kind: %v", domain.ErrProtocol, err)
	}
	f := Frame{Kind: Kind(k)}

	switch f.Kind {
	case KindString:
		f.Str, err = b.DecodeStringBytes()
	case KindInt:
		var v uint64
		v, err = b.DecodeZigzag64()
		f.Int = int64(v)
	case KindFloat:
		var v uint64
		v, err = b.DecodeFixed64()
		f.Float = math.Float64frombits(v)
	case KindBytes:
		f.Bytes, err = b.DecodeRawBytes(true)
	case KindStrings:
		var count uint64
		count, err = b.DecodeVarint()
		if err == nil && count > uint64(len(buf)) {
			err = fmt.Errorf("string list of %d entries in %d bytes", count, len(buf))
		}
		if err == nil {
			f.Strings = make([]string, 0, count)
		}
		for i := uint64(0); err == nil && i < count; i++ {
			var s string
			s, err = b.DecodeStringBytes()
			f.Strings = append(f.Strings, s)
		}
	case KindNil:
	case KindTensor:
		f.Tensor, err = decodeTensor(b, len(buf))
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame %s", domain.ErrProtocol, f.Kind)
	}
	if err != nil {
		return Frame{}, fmt.Errorf("%w: decode %s: %v", domain.ErrProtocol, f.Kind, err)
	}
	return f, nil
}

func decodeTensor(b *proto.Buffer, limit int) (domain.Tensor, error) {
	ndim, err := b.DecodeVarint()
	if err != nil {
		return domain.Tensor{}, err
	}
	if ndim > uint64(limit) {
		return domain.Tensor{}, fmt.Errorf("tensor rank %d", ndim)
	}
	shape := make([]int, ndim)
	for i := range shape {
		d, err := b.DecodeVarint()
		if err != nil {
			return domain.Tensor{}, err
		}
		shape[i] = int(d)
	}
	raw, err := b.DecodeRawBytes(false)
	if err != nil {
		return domain.Tensor{}, err
	}
	t := domain.Tensor{Shape: shape, Data: BytesFloat32(raw)}
	return t, t.Validate()
}

// Float32Bytes packs values little-endian, 4 bytes each.
func Float32Bytes(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

// BytesFloat32 is the inverse of Float32Bytes. Trailing bytes that do not
// form a whole value are ignored.
func BytesFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}
