package weightcache

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/databloom/snapllm/snaperr"
)

// Scheme names a quantization scheme. Only Q8_0 is implemented; the
// tag is still part of blob_id so adding a scheme never collides with
// blobs produced by another one (spec.md §4.2 step 2).
type Scheme string

// SchemeQ8_0 is row-wise int8 quantization with one f32 scale per row,
// per spec.md §4.2 step 4.
const SchemeQ8_0 Scheme = "Q8_0"

// quantizeRowQ8_0 quantizes one row of float32 values (little-endian,
// as stored by ManifestSource) to int8 plus a single scale, the
// standard "absmax / 127" row quantization.
func quantizeRowQ8_0(row []float32) (scale float32, out []int8) {
	var absMax float32
	for _, v := range row {
		if a := float32(math.Abs(float64(v))); a > absMax {
			absMax = a
		}
	}
	if absMax == 0 {
		return 0, make([]int8, len(row))
	}
	scale = absMax / 127.0
	out = make([]int8, len(row))
	for i, v := range row {
		q := int32(math.Round(float64(v / scale)))
		if q > 127 {
			q = 127
		}
		if q < -128 {
			q = -128
		}
		out[i] = int8(q)
	}
	return scale, out
}

// quantizedTensor is a tensor after Q8_0 quantization: per-row scale
// followed by per-row int8 values, concatenated row-major, aligned to
// 64 bytes per spec.md §3 ("Payload: concatenated tensor bytes, each
// aligned to 64 B").
type quantizedTensor struct {
	name  string
	dtype uint16 // wire dtype tag for Q8_0
	shape []int
	bytes []byte
	crc   uint32 // checksum of bytes, recomputed by validation mode
}

const dtypeQ8_0 = uint16(1)

const alignment = 64

func alignUp(n int) int {
	rem := n % alignment
	if rem == 0 {
		return n
	}
	return n + (alignment - rem)
}

// quantizeQ8_0 quantizes a source tensor row-wise. The source must be
// f32 (ManifestSource passes f16/bf16 tensors through, and they are
// rejected here as Malformed); rows are the product of all but the
// last shape dimension.
func quantizeQ8_0(t SourceTensor) (quantizedTensor, error) {
	if t.DType != "f32" {
		return quantizedTensor{}, snaperr.New("weightcache.quantize", snaperr.KindMalformed, t.Name, fmt.Errorf("unsupported source dtype %q", t.DType))
	}
	if len(t.Shape) == 0 {
		return quantizedTensor{}, snaperr.New("weightcache.quantize", snaperr.KindMalformed, t.Name, fmt.Errorf("scalar tensor not supported"))
	}

	rowLen := t.Shape[len(t.Shape)-1]
	numRows := elementCount(t.Shape) / rowLen
	if numRows*rowLen*4 != len(t.Data) {
		return quantizedTensor{}, snaperr.New("weightcache.quantize", snaperr.KindMalformed, t.Name, fmt.Errorf("data length %d does not match shape %v", len(t.Data), t.Shape))
	}

	out := make([]byte, 0, numRows*(4+rowLen))
	row := make([]float32, rowLen)
	for r := 0; r < numRows; r++ {
		base := r * rowLen * 4
		for i := 0; i < rowLen; i++ {
			bits := binary.LittleEndian.Uint32(t.Data[base+i*4 : base+i*4+4])
			row[i] = math.Float32frombits(bits)
		}
		scale, q := quantizeRowQ8_0(row)

		var scaleBuf [4]byte
		binary.LittleEndian.PutUint32(scaleBuf[:], math.Float32bits(scale))
		out = append(out, scaleBuf[:]...)
		for _, v := range q {
			out = append(out, byte(v))
		}
	}

	padded := make([]byte, alignUp(len(out)))
	copy(padded, out)

	return quantizedTensor{
		name:  t.Name,
		dtype: dtypeQ8_0,
		shape: t.Shape,
		bytes: padded,
		crc:   crc32OfRow(padded),
	}, nil
}
