package kvcache

// Stats reports aggregate cache effectiveness, per spec.md §4.3
// "list / stats".
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Stats
	for _, d := range c.descriptors {
		switch d.Tier {
		case Hot:
			s.HotContexts++
		case Warm:
			s.WarmContexts++
		case Cold:
			s.ColdContexts++
		}
		s.TotalBytes += d.SizeBytes
	}
	s.CacheHits = c.cacheHits
	s.CacheMisses = c.cacheMisses
	return s
}
