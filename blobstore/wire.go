package blobstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/databloom/snapllm/snaperr"
)

// magic identifies a SnapLLM blob file, matching the persistent layout
// in SPEC_FULL.md / spec.md §6.
var magic = [8]byte{'S', 'N', 'A', 'P', 'B', 'L', 'O', 'B'}

const wireVersion = 1

const flagCompressed = uint32(1) << 0

// Kind distinguishes weight blobs from KV-context blobs in the header.
type Kind uint16

const (
	// KindWeight marks a blob produced by weightcache.
	KindWeight Kind = 1
	// KindKV marks a blob produced by kvcache.
	KindKV Kind = 2
)

// TensorEntry is one row of the tensor directory (used by weight blobs;
// left empty for plain KV/byte blobs).
type TensorEntry struct {
	Name    string
	DType   uint16
	NDim    uint16
	Shape   [8]uint32
	Offset  uint64
	Size    uint64
	RowCRC  uint32
}

type fileMeta struct {
	ModelID   string
	CreatedAt uint64
	TTL       uint64
}

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// encodeBlob serializes header+meta+dir+payload+trailer into one buffer,
// ready to be staged to disk.
func encodeBlob(kind Kind, meta fileMeta, dir []TensorEntry, payload []byte, compressed bool) []byte {
	var head bytes.Buffer
	head.Write(magic[:])
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], wireVersion)
	head.Write(u32[:])

	flags := uint32(0)
	if compressed {
		flags |= flagCompressed
	}
	binary.LittleEndian.PutUint32(u32[:], flags)
	head.Write(u32[:])

	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(kind))
	head.Write(u16[:])
	binary.LittleEndian.PutUint16(u16[:], 0) // reserved
	head.Write(u16[:])

	var dirBuf bytes.Buffer
	var u32c [4]byte
	binary.LittleEndian.PutUint32(u32c[:], uint32(len(dir)))
	dirBuf.Write(u32c[:])
	for _, t := range dir {
		writeString(&dirBuf, t.Name)
		var b2 [2]byte
		binary.LittleEndian.PutUint16(b2[:], t.DType)
		dirBuf.Write(b2[:])
		binary.LittleEndian.PutUint16(b2[:], t.NDim)
		dirBuf.Write(b2[:])
		for _, s := range t.Shape {
			var b4 [4]byte
			binary.LittleEndian.PutUint32(b4[:], s)
			dirBuf.Write(b4[:])
		}
		var b8 [8]byte
		binary.LittleEndian.PutUint64(b8[:], t.Offset)
		dirBuf.Write(b8[:])
		binary.LittleEndian.PutUint64(b8[:], t.Size)
		dirBuf.Write(b8[:])
		var b4 [4]byte
		binary.LittleEndian.PutUint32(b4[:], t.RowCRC)
		dirBuf.Write(b4[:])
	}

	var metaBuf bytes.Buffer
	writeString(&metaBuf, meta.ModelID)
	// The directory follows the fixed header and this meta section
	// (length-prefixed model id plus five u64 fields).
	tensorDirOffset := uint64(head.Len() + 4 + len(meta.ModelID) + 5*8)
	var b8 [8]byte
	binary.LittleEndian.PutUint64(b8[:], tensorDirOffset)
	metaBuf.Write(b8[:])
	binary.LittleEndian.PutUint64(b8[:], uint64(dirBuf.Len()))
	metaBuf.Write(b8[:])
	binary.LittleEndian.PutUint64(b8[:], uint64(len(payload)))
	metaBuf.Write(b8[:])
	binary.LittleEndian.PutUint64(b8[:], meta.CreatedAt)
	metaBuf.Write(b8[:])
	binary.LittleEndian.PutUint64(b8[:], meta.TTL)
	metaBuf.Write(b8[:])

	headerAndDir := append(append(head.Bytes(), metaBuf.Bytes()...), dirBuf.Bytes()...)
	headerCRC := crc32.ChecksumIEEE(headerAndDir)
	payloadCRC := crc32.ChecksumIEEE(payload)

	var out bytes.Buffer
	out.Write(headerAndDir)
	out.Write(payload)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], headerCRC)
	out.Write(crcBuf[:])
	binary.LittleEndian.PutUint32(crcBuf[:], payloadCRC)
	out.Write(crcBuf[:])
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(out.Len()+8))
	out.Write(sizeBuf[:])

	return out.Bytes()
}

// HeaderInfo is the subset of a decoded blob a zero-copy mmap consumer
// (WeightCache) needs: where the payload starts in the file and the
// tensor directory describing it. It never copies the payload.
type HeaderInfo struct {
	Kind           Kind
	ModelID        string
	Dir            []TensorEntry
	PayloadOffset  int
	PayloadSize    int
	Compressed     bool
}

// DecodeHeader decodes raw in full (including the CRC checks of
// decodeBlob) and returns the header fields plus where the payload
// begins within raw. Used by WeightCache to build tensor-directory
// views directly over an mmapped region without copying.
func DecodeHeader(raw []byte) (HeaderInfo, error) {
	full, err := decodeBlob(raw)
	if err != nil {
		// decodeBlob already copies the payload out; for header-only
		// use this is wasted work but keeps one parser implementation
		// instead of two that could drift apart.
		return HeaderInfo{}, err
	}
	payloadOffset := len(raw) - 16 - len(full.Payload)
	return HeaderInfo{
		Kind:          full.Kind,
		ModelID:       full.Meta.ModelID,
		Dir:           full.Dir,
		PayloadOffset: payloadOffset,
		PayloadSize:   len(full.Payload),
		Compressed:    full.Compressed,
	}, nil
}

type decodedBlob struct {
	Kind       Kind
	Compressed bool
	Meta       fileMeta
	Dir        []TensorEntry
	Payload    []byte
	HeaderCRC  uint32
	PayloadCRC uint32
}

// decodeBlob parses raw bytes into header/meta/dir/payload, checking the
// magic and version and verifying the trailer's header and payload
// CRC32s (a mismatch is a Corrupt error). The trailer's total_size
// field is not checked.
func decodeBlob(raw []byte) (*decodedBlob, error) {
	if len(raw) < 8+4+4+2+2 {
		return nil, fmt.Errorf("blobstore: short read (%d bytes)", len(raw))
	}
	r := bytes.NewReader(raw)

	var gotMagic [8]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil {
		return nil, err
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("blobstore: bad magic")
	}
	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, err
	}
	version := binary.LittleEndian.Uint32(u32[:])
	if version != wireVersion {
		return nil, fmt.Errorf("blobstore: unsupported version %d", version)
	}
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, err
	}
	flags := binary.LittleEndian.Uint32(u32[:])
	var u16 [2]byte
	if _, err := io.ReadFull(r, u16[:]); err != nil {
		return nil, err
	}
	kind := Kind(binary.LittleEndian.Uint16(u16[:]))
	if _, err := io.ReadFull(r, u16[:]); err != nil { // reserved
		return nil, err
	}

	modelID, err := readString(r)
	if err != nil {
		return nil, err
	}
	var u64 [8]byte
	readU64 := func() (uint64, error) {
		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(u64[:]), nil
	}
	if _, err := readU64(); err != nil { // tensorDirOffset, unused on read
		return nil, err
	}
	dirSize, err := readU64()
	if err != nil {
		return nil, err
	}
	payloadSize, err := readU64()
	if err != nil {
		return nil, err
	}
	createdAt, err := readU64()
	if err != nil {
		return nil, err
	}
	ttl, err := readU64()
	if err != nil {
		return nil, err
	}

	dirStart := len(raw) - r.Len()
	headerAndMetaEnd := dirStart
	_ = headerAndMetaEnd

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	dir := make([]TensorEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		var t TensorEntry
		t.Name = name
		if _, err := io.ReadFull(r, u16[:]); err != nil {
			return nil, err
		}
		t.DType = binary.LittleEndian.Uint16(u16[:])
		if _, err := io.ReadFull(r, u16[:]); err != nil {
			return nil, err
		}
		t.NDim = binary.LittleEndian.Uint16(u16[:])
		for s := 0; s < 8; s++ {
			var b4 [4]byte
			if _, err := io.ReadFull(r, b4[:]); err != nil {
				return nil, err
			}
			t.Shape[s] = binary.LittleEndian.Uint32(b4[:])
		}
		off, err := readU64()
		if err != nil {
			return nil, err
		}
		t.Offset = off
		sz, err := readU64()
		if err != nil {
			return nil, err
		}
		t.Size = sz
		var b4 [4]byte
		if _, err := io.ReadFull(r, b4[:]); err != nil {
			return nil, err
		}
		t.RowCRC = binary.LittleEndian.Uint32(b4[:])
		dir = append(dir, t)
	}
	_ = dirSize

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("blobstore: short payload: %w", err)
	}

	trailerStart := len(raw) - r.Len()
	if len(raw)-trailerStart < 16 {
		return nil, fmt.Errorf("blobstore: missing trailer")
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, err
	}
	headerCRC := binary.LittleEndian.Uint32(crcBuf[:])
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, err
	}
	payloadCRC := binary.LittleEndian.Uint32(crcBuf[:])

	headerAndDir := raw[:trailerStart-int(payloadSize)]
	wantHeaderCRC := crc32.ChecksumIEEE(headerAndDir)
	wantPayloadCRC := crc32.ChecksumIEEE(payload)
	if headerCRC != wantHeaderCRC || payloadCRC != wantPayloadCRC {
		return nil, snaperr.New("blobstore.decode", snaperr.KindCorrupt, modelID, fmt.Errorf("crc mismatch"))
	}

	return &decodedBlob{
		Kind:       kind,
		Compressed: flags&flagCompressed != 0,
		Meta:       fileMeta{ModelID: modelID, CreatedAt: createdAt, TTL: ttl},
		Dir:        dir,
		Payload:    payload,
		HeaderCRC:  headerCRC,
		PayloadCRC: payloadCRC,
	}, nil
}
