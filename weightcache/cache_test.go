package weightcache

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/databloom/snapllm/blobstore"
)

func writeManifest(t *testing.T, dir, name string, values []float32, shape []int) string {
	t.Helper()
	path := filepath.Join(dir, name)

	var payload []byte
	for _, v := range values {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		payload = append(payload, buf[:]...)
	}

	dimsStr := ""
	for i, d := range shape {
		if i > 0 {
			dimsStr += ","
		}
		dimsStr += itoa(d)
	}

	header := "w.0 f32 " + dimsStr + " 0\n\n"
	content := append([]byte(header), payload...)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func newTestCache(t *testing.T) (*WeightCache, string) {
	t.Helper()
	root := t.TempDir()
	store, err := blobstore.New(blobstore.Config{Root: filepath.Join(root, "store")})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	wc := New(Config{Store: store, ValidationMode: true})
	return wc, root
}

func TestOpenQuantizesAndMaps(t *testing.T) {
	wc, root := newTestCache(t)
	path := writeManifest(t, root, "model.snapw", []float32{1, 2, 3, 4, 5, 6}, []int{2, 3})

	view, err := wc.Open("m1", path, DomainChat)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer view.Release()

	data, entry, ok := view.Tensor("w.0")
	if !ok {
		t.Fatal("Tensor: w.0 not found")
	}
	if entry.NDim != 2 || entry.Shape[0] != 2 || entry.Shape[1] != 3 {
		t.Errorf("Tensor: shape = %v, want [2 3 ...]", entry.Shape)
	}
	if len(data) != int(entry.Size) {
		t.Errorf("Tensor: data len %d != entry.Size %d", len(data), entry.Size)
	}

	stats := wc.StatsSnapshot()
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
}

func TestOpenIsIdempotentPerModelKey(t *testing.T) {
	wc, root := newTestCache(t)
	path := writeManifest(t, root, "model.snapw", []float32{1, 2, 3, 4}, []int{2, 2})

	v1, err := wc.Open("m1", path, DomainCode)
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	defer v1.Release()

	v2, err := wc.Open("m1", path, DomainCode)
	if err != nil {
		t.Fatalf("Open 2: %v", err)
	}
	defer v2.Release()

	if v1.BlobID != v2.BlobID {
		t.Errorf("BlobID mismatch across repeated Open: %s vs %s", v1.BlobID, v2.BlobID)
	}

	stats := wc.StatsSnapshot()
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1 (only the first Open should quantize)", stats.Misses)
	}
	if stats.Hits != 1 {
		t.Errorf("Hits = %d, want 1", stats.Hits)
	}
}

func TestOpenReusesBlobAcrossFreshCacheInstance(t *testing.T) {
	root := t.TempDir()
	storeRoot := filepath.Join(root, "store")

	store1, err := blobstore.New(blobstore.Config{Root: storeRoot})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	wc1 := New(Config{Store: store1})
	path := writeManifest(t, root, "model.snapw", []float32{1, 2, 3, 4}, []int{2, 2})

	v1, err := wc1.Open("m1", path, DomainGeneral)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	v1.Release()
	store1.Close()

	store2, err := blobstore.New(blobstore.Config{Root: storeRoot})
	if err != nil {
		t.Fatalf("blobstore.New (reopen): %v", err)
	}
	defer store2.Close()
	wc2 := New(Config{Store: store2})

	v2, err := wc2.Open("m2", path, DomainGeneral)
	if err != nil {
		t.Fatalf("Open (fresh cache): %v", err)
	}
	defer v2.Release()

	stats := wc2.StatsSnapshot()
	if stats.Misses != 0 {
		t.Errorf("Misses = %d, want 0 (blob already on disk, no requantization)", stats.Misses)
	}
	if stats.Hits != 1 {
		t.Errorf("Hits = %d, want 1", stats.Hits)
	}
}
