package kvcache

import (
	"fmt"
	"time"

	"github.com/databloom/snapllm/snaperr"
)

// Promote moves context_id to a lower-numbered (better) tier, e.g.
// Cold -> Warm or Warm -> Hot, respecting the target tier's budget.
// Promoting into an exactly-full tier with no evictable candidates
// fails with Full, leaving the descriptor in its source tier
// (spec.md §4.3 "Local recovery").
func (c *Cache) Promote(contextID string, target Tier) error {
	return c.promote(contextID, target)
}

// Demote moves context_id to a higher-numbered (worse) tier, e.g.
// Hot -> Warm or Hot -> Cold.
func (c *Cache) Demote(contextID string, target Tier) error {
	return c.demote(contextID, target)
}

func (c *Cache) promote(contextID string, target Tier) error {
	lock := c.lockFor(contextID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	desc, ok := c.descriptors[contextID]
	if !ok || desc.Tier == Removed {
		c.mu.Unlock()
		return snaperr.New("kvcache.promote", snaperr.KindNotFound, contextID, nil)
	}
	current := desc.Tier
	c.mu.Unlock()

	if target >= current {
		return nil // not actually a promotion; no-op
	}

	switch {
	case current == Cold && (target == Warm || target == Hot):
		buf, err := c.readColdBlob(contextID)
		if err != nil {
			return err
		}
		if err := c.installBuffer(contextID, desc, buf, target); err != nil {
			return err
		}
		c.store.Remove(contextID)
		return nil

	case current == Warm && target == Hot:
		c.mu.Lock()
		buf := c.warmBuf[contextID]
		c.mu.Unlock()
		if buf == nil {
			return snaperr.New("kvcache.promote", snaperr.KindCorrupt, contextID, fmt.Errorf("warm buffer missing"))
		}
		if err := c.installBuffer(contextID, desc, buf, target); err != nil {
			return err
		}
		c.mu.Lock()
		delete(c.warmBuf, contextID)
		c.warmUsed -= buf.sizeBytes()
		c.mu.Unlock()
		return nil

	default:
		return nil
	}
}

func (c *Cache) demote(contextID string, target Tier) error {
	lock := c.lockFor(contextID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	desc, ok := c.descriptors[contextID]
	if !ok || desc.Tier == Removed {
		c.mu.Unlock()
		return snaperr.New("kvcache.demote", snaperr.KindNotFound, contextID, nil)
	}
	current := desc.Tier
	c.mu.Unlock()

	if target <= current {
		return nil
	}
	return c.demoteLocked(contextID, desc, current, target)
}

// demoteLocked performs the actual tier move; caller holds the
// per-context lock but not c.mu.
func (c *Cache) demoteLocked(contextID string, desc *Descriptor, current, target Tier) error {
	switch {
	case current == Hot && target == Warm:
		c.mu.Lock()
		buf := c.hotBuf[contextID]
		c.mu.Unlock()
		if buf == nil {
			return snaperr.New("kvcache.demote", snaperr.KindCorrupt, contextID, fmt.Errorf("hot buffer missing"))
		}
		c.mu.Lock()
		delete(c.hotBuf, contextID)
		c.hotUsed -= buf.sizeBytes()
		c.warmBuf[contextID] = buf
		c.warmUsed += buf.sizeBytes()
		desc.Tier = Warm
		c.mu.Unlock()
		return nil

	case current == Hot && target == Cold, current == Warm && target == Cold:
		c.mu.Lock()
		buf := c.hotBuf[contextID]
		if buf == nil {
			buf = c.warmBuf[contextID]
		}
		c.mu.Unlock()
		if buf == nil {
			return snaperr.New("kvcache.demote", snaperr.KindCorrupt, contextID, fmt.Errorf("buffer missing"))
		}
		if err := c.writeColdBlob(contextID, desc, buf); err != nil {
			return err
		}
		c.mu.Lock()
		if current == Hot {
			delete(c.hotBuf, contextID)
			c.hotUsed -= buf.sizeBytes()
		} else {
			delete(c.warmBuf, contextID)
			c.warmUsed -= buf.sizeBytes()
		}
		desc.Tier = Cold
		c.mu.Unlock()
		return nil

	default:
		return nil
	}
}

// installBuffer places buf into the hot or warm tier for contextID,
// evicting lower-scored entries from that tier first if it would
// otherwise overflow its budget.
func (c *Cache) installBuffer(contextID string, desc *Descriptor, buf *tierBuffers, target Tier) error {
	needed := buf.sizeBytes()
	budget := c.hotBudget
	if target == Warm {
		budget = c.warmBudget
	}
	if budget > 0 {
		if err := c.makeRoom(target, needed, contextID); err != nil {
			return err
		}
	}
	c.mu.Lock()
	if target == Hot {
		c.hotBuf[contextID] = buf
		c.hotUsed += needed
	} else {
		c.warmBuf[contextID] = buf
		c.warmUsed += needed
	}
	desc.Tier = target
	c.mu.Unlock()
	return nil
}

// makeRoom demotes the lowest-scoring entries out of tier until adding
// needed bytes would not exceed its budget, or fails with Full if every
// remaining candidate is the entry being promoted (its own in-flight
// slot) or there is nothing left to evict.
func (c *Cache) makeRoom(tier Tier, needed int64, exclude string) error {
	budget := c.hotBudget
	if tier == Warm {
		budget = c.warmBudget
	}
	if budget <= 0 {
		return nil
	}
	for {
		c.mu.Lock()
		used := c.hotUsed
		if tier == Warm {
			used = c.warmUsed
		}
		if used+needed <= budget {
			c.mu.Unlock()
			return nil
		}
		victim := c.lowestScoreLocked(tier, exclude)
		c.mu.Unlock()
		if victim == "" {
			return snaperr.New("kvcache.promote", snaperr.KindFull, exclude, fmt.Errorf("%s tier full", tier))
		}
		c.mu.Lock()
		vdesc := c.descriptors[victim]
		c.mu.Unlock()
		if vdesc == nil {
			continue
		}
		downTarget := Warm
		if tier == Warm {
			downTarget = Cold
		}
		if err := c.demoteViaLock(victim, vdesc, tier, downTarget); err != nil {
			return err
		}
	}
}

func (c *Cache) demoteViaLock(contextID string, desc *Descriptor, current, target Tier) error {
	lock := c.lockFor(contextID)
	lock.Lock()
	defer lock.Unlock()
	return c.demoteLocked(contextID, desc, current, target)
}

// lowestScoreLocked returns the context_id with the lowest eviction
// score currently in tier, excluding exclude and any Pending entry.
// Caller holds c.mu.
func (c *Cache) lowestScoreLocked(tier Tier, exclude string) string {
	now := time.Now()
	best := ""
	var bestScore float64
	for id, d := range c.descriptors {
		if id == exclude || d.Tier != tier {
			continue
		}
		score := c.weights.score(now, d)
		if best == "" || score < bestScore {
			best = id
			bestScore = score
		}
	}
	return best
}

// evictTier proactively demotes entries out of tier if it is currently
// over budget — called after Ingest places a new Hot/Warm entry.
func (c *Cache) evictTier(tier Tier) {
	budget := c.hotBudget
	if tier == Warm {
		budget = c.warmBudget
	}
	if budget <= 0 {
		return
	}
	for {
		c.mu.Lock()
		used := c.hotUsed
		if tier == Warm {
			used = c.warmUsed
		}
		if used <= budget {
			c.mu.Unlock()
			return
		}
		victim := c.lowestScoreLocked(tier, "")
		c.mu.Unlock()
		if victim == "" {
			return
		}
		c.mu.Lock()
		vdesc := c.descriptors[victim]
		c.mu.Unlock()
		if vdesc == nil {
			return
		}
		downTarget := Warm
		if tier == Warm {
			downTarget = Cold
		}
		if err := c.demoteViaLock(victim, vdesc, tier, downTarget); err != nil {
			c.log.Warn("kvcache: eviction demote failed", "context_id", victim, "err", err)
			return
		}
	}
}
