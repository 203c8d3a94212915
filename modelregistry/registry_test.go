package modelregistry

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/databloom/snapllm/blobstore"
	"github.com/databloom/snapllm/snaperr"
	"github.com/databloom/snapllm/weightcache"
)

func writeManifest(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	var payload []byte
	for _, v := range []float32{1, 2, 3, 4} {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		payload = append(payload, buf[:]...)
	}
	content := append([]byte("w.0 f32 2,2 0\n\n"), payload...)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func newViewPair(t *testing.T, wc *weightcache.WeightCache, root, modelKey string) *weightcache.ResidentView {
	t.Helper()
	path := writeManifest(t, root, modelKey+".snapw")
	view, err := wc.Open(modelKey, path, weightcache.DomainChat)
	if err != nil {
		t.Fatalf("Open(%s): %v", modelKey, err)
	}
	return view
}

func newTestSetup(t *testing.T) (*weightcache.WeightCache, string) {
	t.Helper()
	root := t.TempDir()
	store, err := blobstore.New(blobstore.Config{Root: filepath.Join(root, "store")})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return weightcache.New(weightcache.Config{Store: store}), root
}

func TestRegisterAndSwitch(t *testing.T) {
	wc, root := newTestSetup(t)
	r := New()

	v1 := newViewPair(t, wc, root, "m1")
	if err := r.Register("m1", v1); err != nil {
		t.Fatalf("Register: %v", err)
	}

	epoch, err := r.Switch("m1")
	if err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if epoch != 1 {
		t.Errorf("epoch = %d, want 1", epoch)
	}
	if r.ActiveKey() != "m1" {
		t.Errorf("ActiveKey = %s, want m1", r.ActiveKey())
	}

	view, gotEpoch, err := r.ActiveView()
	if err != nil {
		t.Fatalf("ActiveView: %v", err)
	}
	if view.ModelKey != "m1" || gotEpoch != 1 {
		t.Errorf("ActiveView = (%s, %d), want (m1, 1)", view.ModelKey, gotEpoch)
	}
}

func TestSwitchBumpsEpochEachCall(t *testing.T) {
	wc, root := newTestSetup(t)
	r := New()
	v1 := newViewPair(t, wc, root, "m1")
	v2 := newViewPair(t, wc, root, "m2")
	r.Register("m1", v1)
	r.Register("m2", v2)

	for i := 0; i < 10; i++ {
		key := "m1"
		if i%2 == 1 {
			key = "m2"
		}
		if _, err := r.Switch(key); err != nil {
			t.Fatalf("Switch(%s) iteration %d: %v", key, i, err)
		}
	}
	if r.ActiveEpoch() != 10 {
		t.Errorf("ActiveEpoch = %d, want 10", r.ActiveEpoch())
	}
}

func TestUnregisterRefusesActiveModel(t *testing.T) {
	wc, root := newTestSetup(t)
	r := New()
	v1 := newViewPair(t, wc, root, "m1")
	r.Register("m1", v1)
	r.Switch("m1")

	if err := r.Unregister("m1"); !snaperr.Is(err, snaperr.KindInvalid) {
		t.Errorf("Unregister(active): err = %v, want Invalid", err)
	}

	if _, err := r.Switch("m2"); !snaperr.Is(err, snaperr.KindNotFound) {
		t.Errorf("Switch(unregistered): err = %v, want NotFound", err)
	}
}

func TestUnregisterNonActiveSucceeds(t *testing.T) {
	wc, root := newTestSetup(t)
	r := New()
	v1 := newViewPair(t, wc, root, "m1")
	v2 := newViewPair(t, wc, root, "m2")
	r.Register("m1", v1)
	r.Register("m2", v2)
	r.Switch("m1")

	if err := r.Unregister("m2"); err != nil {
		t.Fatalf("Unregister(m2): %v", err)
	}
	if _, ok := r.View("m2"); ok {
		t.Error("View(m2) found after Unregister")
	}
}
