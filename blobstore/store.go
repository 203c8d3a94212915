// Package blobstore implements SnapLLM's durable, byte-addressable,
// checksummed blob store. Both the weight cache and the KV-context
// cache sit on top of one Store: atomic writes, CRC32-verified reads,
// soft capacity budgets, and compaction.
//
// The on-disk layout is documented in SPEC_FULL.md §11.1 / spec.md §6.
// Atomicity comes from staging to "<id>.tmp" and renaming into place —
// the same pattern the teacher's diskstore uses for local/remote moves,
// generalized here to every write rather than just tier migration.
package blobstore

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/databloom/snapllm/snaperr"
)

// Compress names a payload compression codec.
type Compress string

const (
	CompressNone Compress = "none"
	CompressLZ4  Compress = "lz4"
	CompressZstd Compress = "zstd"
)

// Info mirrors the spec's BlobEntry: the index-visible metadata for one
// stored blob.
type Info struct {
	CacheID      string
	Kind         Kind
	ModelID      string
	Size         int64 // uncompressed payload size
	StoredSize   int64 // on-disk size
	Checksum     uint32
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	Tags         map[string]string
	Compressed   bool
	Corrupt      bool
	TTL          time.Duration
}

func (i Info) expired(now time.Time) bool {
	return i.TTL > 0 && now.After(i.CreatedAt.Add(i.TTL))
}

// WriteOpts configures Store.write.
type WriteOpts struct {
	Sync           bool
	VerifyChecksum bool
	Compress       Compress
	Kind           Kind
	ModelID        string
	Tags           map[string]string
	TTL            time.Duration
	TensorDir      []TensorEntry
}

// ReadOpts configures Store.read / read_into.
type ReadOpts struct {
	Decompress     bool
	VerifyChecksum bool
}

// WriteResult reports what a write actually did.
type WriteResult struct {
	BytesWritten int64
	Checksum     uint32
	Elapsed      time.Duration
}

// Store is the durable blob store.
type Store struct {
	root string

	indexMu sync.Mutex
	index   map[string]*Info

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex

	capacity int64 // 0 = unlimited
	used     int64 // best-effort, updated under indexMu

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

// Config constructs a Store.
type Config struct {
	Root     string // workspace_root
	Capacity int64  // blob_store.capacity; 0 = unlimited
}

// New opens (or creates) a blob store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, snaperr.New("blobstore.New", snaperr.KindInvalid, "", fmt.Errorf("root is required"))
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, snaperr.New("blobstore.New", snaperr.KindIoError, cfg.Root, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, snaperr.New("blobstore.New", snaperr.KindIoError, "", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, snaperr.New("blobstore.New", snaperr.KindIoError, "", err)
	}
	s := &Store{
		root:     cfg.Root,
		index:    make(map[string]*Info),
		locks:    make(map[string]*sync.RWMutex),
		capacity: cfg.Capacity,
		zstdEnc:  enc,
		zstdDec:  dec,
	}
	s.loadIndex()
	return s, nil
}

// Close releases compressor resources and flushes the index.
func (s *Store) Close() error {
	s.saveIndex()
	s.zstdEnc.Close()
	s.zstdDec.Close()
	return nil
}

func (s *Store) lockFor(id string) *sync.RWMutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) path(id string) string {
	// Shard by the first two hex-ish characters to avoid huge flat dirs,
	// the same sharding idea the teacher applies by Seq%256.
	shard := "00"
	if len(id) >= 2 {
		shard = id[:2]
	}
	return filepath.Join(s.root, "blobs", shard, id+".blob")
}

func (s *Store) tmpPath(id string) string {
	return s.path(id) + ".tmp"
}

// FilePath returns the on-disk path for id, for callers (WeightCache)
// that need to mmap the file directly rather than go through Read.
func (s *Store) FilePath(id string) string {
	return s.path(id)
}

// write stores bytes under id, atomically. See spec.md §4.1.
func (s *Store) Write(id string, data []byte, opts WriteOpts) (WriteResult, error) {
	start := time.Now()
	if id == "" {
		return WriteResult{}, snaperr.New("blobstore.write", snaperr.KindInvalid, id, fmt.Errorf("empty id"))
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	payload := data
	compressed := false
	switch opts.Compress {
	case CompressZstd:
		payload = s.zstdEnc.EncodeAll(data, nil)
		compressed = true
	case CompressLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		var c lz4.Compressor
		n, err := c.CompressBlock(data, buf)
		if err != nil {
			return WriteResult{}, snaperr.New("blobstore.write", snaperr.KindIoError, id, err)
		}
		if n > 0 && n < len(data) {
			payload = buf[:n]
			compressed = true
		} // else: incompressible, store raw
	case CompressNone, "":
	default:
		return WriteResult{}, snaperr.New("blobstore.write", snaperr.KindInvalid, id, fmt.Errorf("unknown compress %q", opts.Compress))
	}

	meta := fileMeta{
		ModelID:   opts.ModelID,
		CreatedAt: uint64(time.Now().Unix()),
		TTL:       uint64(opts.TTL / time.Second),
	}
	raw := encodeBlob(opts.Kind, meta, opts.TensorDir, payload, compressed)

	tmp := s.tmpPath(id)
	final := s.path(id)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return WriteResult{}, snaperr.New("blobstore.write", snaperr.KindIoError, id, err)
	}

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return WriteResult{}, snaperr.New("blobstore.write", snaperr.KindIoError, id, err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return WriteResult{}, snaperr.New("blobstore.write", snaperr.KindIoError, id, err)
	}
	if opts.Sync {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return WriteResult{}, snaperr.New("blobstore.write", snaperr.KindIoError, id, err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return WriteResult{}, snaperr.New("blobstore.write", snaperr.KindIoError, id, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return WriteResult{}, snaperr.New("blobstore.write", snaperr.KindIoError, id, err)
	}

	checksum := crc32.ChecksumIEEE(payload)

	if opts.VerifyChecksum {
		reread, err := os.ReadFile(final)
		if err != nil || crc32.ChecksumIEEE(reread) != crc32.ChecksumIEEE(raw) {
			os.Remove(final)
			return WriteResult{}, snaperr.New("blobstore.write", snaperr.KindCorrupt, id, fmt.Errorf("post-write verification failed"))
		}
	}

	now := time.Now()
	info := &Info{
		CacheID:      id,
		Kind:         opts.Kind,
		ModelID:      opts.ModelID,
		Size:         int64(len(data)),
		StoredSize:   int64(len(raw)),
		Checksum:     checksum,
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  0,
		Tags:         opts.Tags,
		Compressed:   compressed,
		TTL:          opts.TTL,
	}

	s.indexMu.Lock()
	if old, ok := s.index[id]; ok {
		s.used -= old.StoredSize
	}
	s.index[id] = info
	s.used += info.StoredSize
	over := s.capacity > 0 && s.used > s.capacity
	s.indexMu.Unlock()

	_ = over // over-capacity writes still succeed; callers consult Used()/Capacity() to react.

	return WriteResult{BytesWritten: int64(len(raw)), Checksum: checksum, Elapsed: time.Since(start)}, nil
}

// Read returns the full payload for id, decompressed when
// opts.Decompress is set (otherwise a compressed entry is returned as
// stored).
func (s *Store) Read(id string, opts ReadOpts) ([]byte, Info, error) {
	lock := s.lockFor(id)
	lock.RLock()
	defer lock.RUnlock()

	s.indexMu.Lock()
	info, ok := s.index[id]
	var infoCopy Info
	if ok {
		infoCopy = *info
	}
	s.indexMu.Unlock()
	if !ok {
		return nil, Info{}, snaperr.New("blobstore.read", snaperr.KindNotFound, id, nil)
	}
	if info.Corrupt {
		return nil, Info{}, snaperr.New("blobstore.read", snaperr.KindCorrupt, id, nil)
	}
	if info.expired(time.Now()) {
		return nil, Info{}, snaperr.New("blobstore.read", snaperr.KindNotFound, id, fmt.Errorf("ttl expired"))
	}

	raw, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, Info{}, snaperr.New("blobstore.read", snaperr.KindIoError, id, err)
	}
	decoded, err := decodeBlob(raw)
	if err != nil {
		s.markCorrupt(id)
		return nil, Info{}, snaperr.New("blobstore.read", snaperr.KindCorrupt, id, err)
	}

	payload := decoded.Payload
	if opts.Decompress && decoded.Compressed {
		payload, err = s.decompress(id, payload, info)
		if err != nil {
			return nil, Info{}, err
		}
	}

	if opts.VerifyChecksum {
		want := info.Checksum
		got := crc32.ChecksumIEEE(decoded.Payload)
		if want != got {
			s.markCorrupt(id)
			return nil, Info{}, snaperr.New("blobstore.read", snaperr.KindCorrupt, id, fmt.Errorf("checksum mismatch"))
		}
	}

	s.touchLocked(id)
	infoCopy.LastAccessed = time.Now()
	return payload, infoCopy, nil
}

func (s *Store) decompress(id string, payload []byte, info *Info) ([]byte, error) {
	if info.Compressed {
		// We don't persist which codec was used per-entry beyond the
		// compressed flag; zstd is tried first, falling back to lz4
		// block decode into a buffer of the entry's recorded
		// uncompressed size.
		if out, err := s.zstdDec.DecodeAll(payload, nil); err == nil {
			return out, nil
		}
		out := make([]byte, info.Size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			s.markCorrupt(id)
			return nil, snaperr.New("blobstore.read", snaperr.KindCorrupt, id, err)
		}
		return out[:n], nil
	}
	return payload, nil
}

// ReadInto reads id's payload into buf, failing with BufferTooSmall
// instead of truncating.
func (s *Store) ReadInto(id string, buf []byte, opts ReadOpts) (int, Info, error) {
	payload, info, err := s.Read(id, opts)
	if err != nil {
		return 0, Info{}, err
	}
	if len(payload) > len(buf) {
		return 0, Info{}, snaperr.New("blobstore.read_into", snaperr.KindBufferTooSmall, id, fmt.Errorf("need %d bytes, have %d", len(payload), len(buf)))
	}
	n := copy(buf, payload)
	return n, info, nil
}

// Exists reports whether id is present and not known-corrupt.
func (s *Store) Exists(id string) bool {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	info, ok := s.index[id]
	return ok && !info.Corrupt && !info.expired(time.Now())
}

// GetInfo returns the index metadata for id.
func (s *Store) GetInfo(id string) (Info, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	info, ok := s.index[id]
	if !ok {
		return Info{}, snaperr.New("blobstore.get_info", snaperr.KindNotFound, id, nil)
	}
	return *info, nil
}

// Touch updates last_accessed monotonically to at least now.
func (s *Store) Touch(id string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	info, ok := s.index[id]
	if !ok {
		return snaperr.New("blobstore.touch", snaperr.KindNotFound, id, nil)
	}
	now := time.Now()
	if now.After(info.LastAccessed) {
		info.LastAccessed = now
	}
	info.AccessCount++
	return nil
}

func (s *Store) touchLocked(id string) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if info, ok := s.index[id]; ok {
		info.LastAccessed = time.Now()
		info.AccessCount++
	}
}

func (s *Store) markCorrupt(id string) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if info, ok := s.index[id]; ok {
		info.Corrupt = true
	}
}

// List returns a snapshot of every entry.
func (s *Store) List() []Info {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	out := make([]Info, 0, len(s.index))
	for _, info := range s.index {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CacheID < out[j].CacheID })
	return out
}

// ListByPrefix filters List by CacheID prefix.
func (s *Store) ListByPrefix(prefix string) []Info {
	var out []Info
	for _, info := range s.List() {
		if len(info.CacheID) >= len(prefix) && info.CacheID[:len(prefix)] == prefix {
			out = append(out, info)
		}
	}
	return out
}

// ListByModel filters List by ModelID.
func (s *Store) ListByModel(modelID string) []Info {
	var out []Info
	for _, info := range s.List() {
		if info.ModelID == modelID {
			out = append(out, info)
		}
	}
	return out
}

// Remove deletes id. It is idempotent: removing an absent id returns
// (false, nil).
func (s *Store) Remove(id string) (bool, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.indexMu.Lock()
	info, ok := s.index[id]
	if !ok {
		s.indexMu.Unlock()
		return false, nil
	}
	delete(s.index, id)
	s.used -= info.StoredSize
	s.indexMu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return true, snaperr.New("blobstore.remove", snaperr.KindIoError, id, err)
	}
	return true, nil
}

// Compact rewrites the on-disk index. It holds the index mutex but does
// not touch already-open file handles held by readers.
func (s *Store) Compact() error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.saveIndexLocked()
}

// VerifyIntegrity scans every entry, recomputing payload CRC32, and
// marks mismatching entries Corrupt. Mismatches are logged-and-continue
// per spec.md §7; the scan never aborts early.
func (s *Store) VerifyIntegrity() []string {
	var bad []string
	for _, info := range s.List() {
		raw, err := os.ReadFile(s.path(info.CacheID))
		if err != nil {
			bad = append(bad, info.CacheID)
			s.markCorrupt(info.CacheID)
			continue
		}
		decoded, err := decodeBlob(raw)
		if err != nil {
			bad = append(bad, info.CacheID)
			s.markCorrupt(info.CacheID)
			continue
		}
		if crc32.ChecksumIEEE(decoded.Payload) != info.Checksum {
			bad = append(bad, info.CacheID)
			s.markCorrupt(info.CacheID)
		}
	}
	return bad
}

// Capacity returns the configured soft capacity (0 = unlimited).
func (s *Store) Capacity() int64 {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.capacity
}

// Used returns the current best-effort on-disk usage.
func (s *Store) Used() int64 {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.used
}

// SetCapacity adjusts the soft capacity at runtime.
func (s *Store) SetCapacity(n int64) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	s.capacity = n
}

// OverCapacity reports whether used() currently exceeds the configured
// capacity. KVContextCache does not consult it: over-capacity writes
// do not by themselves cause any demotion or eviction.
func (s *Store) OverCapacity() bool {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.capacity > 0 && s.used > s.capacity
}

func (s *Store) indexPath() string {
	return filepath.Join(s.root, "index.json")
}
