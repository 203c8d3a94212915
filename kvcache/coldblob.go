package kvcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/databloom/snapllm/blobstore"
	"github.com/databloom/snapllm/snaperr"
)

// Cold-tier payloads are self-describing: a small per-layer length
// table followed by the concatenated key bytes then value bytes for
// every layer, in order. BlobStore's own tensor directory is built for
// WeightCache's named, independently-addressed tensors; a K/V context
// is always read back whole, so a flat length table is simpler and
// avoids overloading TensorEntry with a second, unrelated meaning.
func encodeColdPayload(buf *tierBuffers) []byte {
	var out bytes.Buffer
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(buf.keys)))
	out.Write(u32[:])
	for i := range buf.keys {
		var u64 [8]byte
		binary.LittleEndian.PutUint64(u64[:], uint64(len(buf.keys[i])))
		out.Write(u64[:])
		binary.LittleEndian.PutUint64(u64[:], uint64(len(buf.values[i])))
		out.Write(u64[:])
	}
	for i := range buf.keys {
		out.Write(buf.keys[i])
		out.Write(buf.values[i])
	}
	return out.Bytes()
}

func decodeColdPayload(raw []byte) (*tierBuffers, error) {
	r := bytes.NewReader(raw)
	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(u32[:])
	keyLens := make([]uint64, n)
	valLens := make([]uint64, n)
	for i := uint32(0); i < n; i++ {
		var u64 [8]byte
		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return nil, err
		}
		keyLens[i] = binary.LittleEndian.Uint64(u64[:])
		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return nil, err
		}
		valLens[i] = binary.LittleEndian.Uint64(u64[:])
	}
	buf := &tierBuffers{keys: make([][]byte, n), values: make([][]byte, n)}
	for i := uint32(0); i < n; i++ {
		k := make([]byte, keyLens[i])
		if _, err := io.ReadFull(r, k); err != nil {
			return nil, err
		}
		buf.keys[i] = k
		v := make([]byte, valLens[i])
		if _, err := io.ReadFull(r, v); err != nil {
			return nil, err
		}
		buf.values[i] = v
	}
	return buf, nil
}

func (c *Cache) writeColdBlob(contextID string, desc *Descriptor, buf *tierBuffers) error {
	payload := encodeColdPayload(buf)
	_, err := c.store.Write(contextID, payload, blobstore.WriteOpts{
		Sync:     true,
		Compress: blobstore.CompressLZ4,
		Kind:     blobstore.KindKV,
		ModelID:  desc.ModelKey,
		TTL:      time.Until(desc.TTLDeadline),
	})
	if err != nil {
		return fmt.Errorf("kvcache: writing cold blob for %s: %w", contextID, err)
	}
	return nil
}

func (c *Cache) readColdBlob(contextID string) (*tierBuffers, error) {
	payload, _, err := c.store.Read(contextID, blobstore.ReadOpts{Decompress: true, VerifyChecksum: true})
	if err != nil {
		return nil, err
	}
	buf, err := decodeColdPayload(payload)
	if err != nil {
		return nil, snaperr.New("kvcache.restore", snaperr.KindCorrupt, contextID, err)
	}
	return buf, nil
}
