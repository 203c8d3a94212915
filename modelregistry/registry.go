// Package modelregistry tracks which models are resident and which one
// is active. Generalized from the "map of named resources + one active
// pointer + monotonic epoch" shape used throughout kthena's datastore
// packages for tracking live backends, simplified to a single-process
// sync.RWMutex registry since there is no informer cache to maintain
// here (spec.md §4.4).
package modelregistry

import (
	"fmt"
	"sync"

	"github.com/databloom/snapllm/snaperr"
	"github.com/databloom/snapllm/weightcache"
)

// Registry tracks resident models and the single active slot.
type Registry struct {
	mu sync.RWMutex

	views       map[string]*weightcache.ResidentView
	activeKey   string
	activeEpoch uint64
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{views: make(map[string]*weightcache.ResidentView)}
}

// Register adds or replaces model_key's resident view. A replaced
// view is released.
func (r *Registry) Register(modelKey string, view *weightcache.ResidentView) error {
	if modelKey == "" {
		return snaperr.New("modelregistry.register", snaperr.KindInvalid, modelKey, fmt.Errorf("empty model_key"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.views[modelKey]; ok {
		old.Release()
	}
	r.views[modelKey] = view
	return nil
}

// Unregister removes model_key, refusing if it is the active model
// (the caller must Switch away first). It is the caller's
// responsibility to cascade-delete the model's KVContextCache entries
// — ModelRegistry owns resident-view bookkeeping only.
func (r *Registry) Unregister(modelKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	view, ok := r.views[modelKey]
	if !ok {
		return snaperr.New("modelregistry.unregister", snaperr.KindNotFound, modelKey, nil)
	}
	if modelKey == r.activeKey {
		return snaperr.New("modelregistry.unregister", snaperr.KindInvalid, modelKey, fmt.Errorf("model is active, switch away first"))
	}
	view.Release()
	delete(r.views, modelKey)
	return nil
}

// Switch atomically replaces the active slot, publishing a new
// active_epoch. It is O(1) and does no I/O — the model must already be
// registered (resident).
func (r *Registry) Switch(modelKey string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.views[modelKey]; !ok {
		return 0, snaperr.New("modelregistry.switch", snaperr.KindNotFound, modelKey, nil)
	}
	r.activeKey = modelKey
	r.activeEpoch++
	return r.activeEpoch, nil
}

// ActiveView returns the active model's resident view (borrowed — do
// not Release it) and the epoch it was active under.
func (r *Registry) ActiveView() (*weightcache.ResidentView, uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.activeKey == "" {
		return nil, 0, snaperr.New("modelregistry.active_view", snaperr.KindNotFound, "", fmt.Errorf("no active model"))
	}
	return r.views[r.activeKey], r.activeEpoch, nil
}

// ActiveKey returns the currently active model_key, or "" if none.
func (r *Registry) ActiveKey() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeKey
}

// ActiveEpoch returns the current active_epoch, used by PromptCache to
// invalidate entries from prior epochs in O(1).
func (r *Registry) ActiveEpoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeEpoch
}

// View returns model_key's resident view (borrowed), if registered.
func (r *Registry) View(modelKey string) (*weightcache.ResidentView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.views[modelKey]
	return v, ok
}

// List returns every registered model_key.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.views))
	for k := range r.views {
		out = append(out, k)
	}
	return out
}
