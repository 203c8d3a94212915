package weightcache

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/databloom/snapllm/snaperr"
)

// SourceTensor is one tensor as declared by the source weight file, in
// the file's declared iteration order (spec.md §4.2 step 4: "iterate
// tensors in declared order").
type SourceTensor struct {
	Name  string
	DType string // source dtype, e.g. "f32", "f16"
	Shape []int
	Data  []byte // raw source bytes, row-major
}

// Source abstracts over a parsed weight file. SnapLLM ships one
// implementation (ManifestSource, below) for a minimal self-describing
// tensor manifest, and WeightCache always quantizes through
// ManifestSource: there is no option for handing it another Source,
// and GGUF/safetensors files are not parsed.
type Source interface {
	Tensors() ([]SourceTensor, error)
}

// ManifestSource parses a plain-text manifest followed by raw tensor
// bytes: each line "name dtype dim0,dim1,... byteOffset" (a tensor's
// byte size follows from its shape and dtype), terminated by a blank
// line, followed by the concatenated tensor payloads at the declared
// offsets. It exists so WeightCache is exercisable without a real
// model runtime.
type ManifestSource struct {
	Path string
}

func (m ManifestSource) Tensors() ([]SourceTensor, error) {
	f, err := os.Open(m.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, snaperr.New("weightcache.source", snaperr.KindNotFound, m.Path, err)
		}
		return nil, snaperr.New("weightcache.source", snaperr.KindIoError, m.Path, err)
	}
	defer f.Close()

	type row struct {
		name   string
		dtype  string
		shape  []int
		offset int64
	}
	var rows []row
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		// "name dtype dim0,dim1,... byteOffset"
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, snaperr.New("weightcache.source", snaperr.KindMalformed, m.Path, fmt.Errorf("bad manifest line %q", line))
		}
		var shape []int
		for _, d := range strings.Split(fields[2], ",") {
			n, err := strconv.Atoi(d)
			if err != nil {
				return nil, snaperr.New("weightcache.source", snaperr.KindMalformed, m.Path, err)
			}
			shape = append(shape, n)
		}
		offset, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return nil, snaperr.New("weightcache.source", snaperr.KindMalformed, m.Path, err)
		}
		rows = append(rows, row{name: fields[0], dtype: fields[1], shape: shape, offset: offset})
	}
	if err := sc.Err(); err != nil {
		return nil, snaperr.New("weightcache.source", snaperr.KindIoError, m.Path, err)
	}

	// The payload section begins immediately after the blank line; find
	// it by re-reading the header bytes.
	raw, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, snaperr.New("weightcache.source", snaperr.KindIoError, m.Path, err)
	}
	sep := []byte("\n\n")
	idx := indexOf(raw, sep)
	if idx < 0 {
		return nil, snaperr.New("weightcache.source", snaperr.KindMalformed, m.Path, fmt.Errorf("missing manifest/payload separator"))
	}
	payload := raw[idx+2:]

	out := make([]SourceTensor, 0, len(rows))
	for _, r := range rows {
		n := elementCount(r.shape) * dtypeSize(r.dtype)
		if r.offset+int64(n) > int64(len(payload)) {
			return nil, snaperr.New("weightcache.source", snaperr.KindMalformed, m.Path, fmt.Errorf("tensor %s extends past payload", r.name))
		}
		out = append(out, SourceTensor{
			Name:  r.name,
			DType: r.dtype,
			Shape: r.shape,
			Data:  payload[r.offset : r.offset+int64(n)],
		})
	}
	return out, nil
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func elementCount(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func dtypeSize(dtype string) int {
	switch dtype {
	case "f32":
		return 4
	case "f16", "bf16":
		return 2
	default:
		return 4
	}
}

// sourceDigest computes a stable fingerprint over the source file's
// metadata plus a content-prefix sample, per spec.md §4.2 step 1. It
// deliberately avoids hashing the whole file (which can be many GB) —
// only the path, size, mtime, and the first 64 KiB feed the hash,
// same "fast, stable, non-cryptographic" tradeoff xxhash is chosen for
// elsewhere in this module (SPEC_FULL.md §11.2).
func sourceDigest(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", snaperr.New("weightcache.digest", snaperr.KindNotFound, path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", snaperr.New("weightcache.digest", snaperr.KindIoError, path, err)
	}
	defer f.Close()

	const sampleSize = 64 * 1024
	sample := make([]byte, sampleSize)
	n, _ := f.Read(sample)

	h := newHasher()
	h.WriteString(path)
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(info.Size()))
	h.Write(sizeBuf[:])
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(info.ModTime().UnixNano()))
	h.Write(sizeBuf[:])
	h.Write(sample[:n])

	return fmt.Sprintf("%016x", h.Sum64()), nil
}
