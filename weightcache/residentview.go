package weightcache

import (
	"sync/atomic"

	"github.com/databloom/snapllm/blobstore"
	"github.com/databloom/snapllm/infer"
)

// ResidentView is a handle over an opened WeightBlob: a mapped region
// plus a borrowed tensor directory, ready to hand to INFER.LoadFromView.
// Lifetime: created by WeightCache.Open, torn down when refcount drops
// to zero and the view is not pinned by ModelRegistry's active slot
// (spec.md §3 ResidentView, §9 "mapping lifetime").
type ResidentView struct {
	ModelKey string
	BlobID   string
	Domain   Domain

	region []byte
	dir    []blobstore.TensorEntry

	refcount *atomic.Int64
	release  func() // decrements the owning mapping's refcount
}

// Tensor returns the byte slice for a named tensor within the mapped
// region, or false if it isn't in the directory.
func (v *ResidentView) Tensor(name string) ([]byte, blobstore.TensorEntry, bool) {
	for _, t := range v.dir {
		if t.Name == name {
			return v.region[t.Offset : t.Offset+t.Size], t, true
		}
	}
	return nil, blobstore.TensorEntry{}, false
}

// TensorDirectory returns the full tensor directory, borrowed — valid
// only while the view is held.
func (v *ResidentView) TensorDirectory() []blobstore.TensorEntry {
	return v.dir
}

// Retain increments the reference count and returns a new handle
// sharing the same mapping. Each returned handle must be Released
// independently.
func (v *ResidentView) Retain() *ResidentView {
	v.refcount.Add(1)
	clone := *v
	return &clone
}

// Release drops this handle's reference. The underlying mapping is
// torn down when the last reference is released.
func (v *ResidentView) Release() {
	v.release()
}

// engineView adapts a ResidentView to infer.ResidentViewLike. Kept
// separate from ResidentView itself so Tensor can keep returning the
// richer blobstore.TensorEntry for in-package and test callers.
type engineView struct{ v *ResidentView }

// AsEngineView returns the view INFER.LoadFromView expects.
func (v *ResidentView) AsEngineView() infer.ResidentViewLike {
	return engineView{v}
}

func (e engineView) Tensor(name string) ([]byte, infer.TensorInfo, bool) {
	data, entry, ok := e.v.Tensor(name)
	if !ok {
		return nil, infer.TensorInfo{}, false
	}
	shape := make([]int, entry.NDim)
	for i := range shape {
		shape[i] = int(entry.Shape[i])
	}
	return data, infer.TensorInfo{DType: entry.DType, Shape: shape}, true
}
