package promptcache

import "testing"

func TestGetMissWhenDisabled(t *testing.T) {
	c := New(Config{Enabled: false})
	c.Put(1, PromptHash([]int32{1, 2, 3}), []int32{9})
	if _, ok := c.Get(1, PromptHash([]int32{1, 2, 3})); ok {
		t.Error("Get: hit on disabled cache, want miss")
	}
}

func TestPutThenGetHits(t *testing.T) {
	c := New(Config{Enabled: true})
	h := PromptHash([]int32{1, 2, 3})
	c.Put(1, h, []int32{9, 10})

	got, ok := c.Get(1, h)
	if !ok {
		t.Fatal("Get: miss, want hit")
	}
	if len(got) != 2 || got[0] != 9 || got[1] != 10 {
		t.Errorf("Get = %v, want [9 10]", got)
	}
}

func TestPriorEpochIsUnreachable(t *testing.T) {
	c := New(Config{Enabled: true})
	h := PromptHash([]int32{1, 2, 3})
	c.Put(1, h, []int32{9})

	if _, ok := c.Get(2, h); ok {
		t.Error("Get under new epoch hit a prior-epoch entry, want miss")
	}
}

func TestByteBudgetEvictsOldest(t *testing.T) {
	c := New(Config{Enabled: true, MaxCount: 100, MaxBytes: 16})
	c.Put(1, 1, []int32{1, 2}) // 8 bytes
	c.Put(1, 2, []int32{3, 4}) // 8 bytes, total 16, at budget
	c.Put(1, 3, []int32{5, 6}) // pushes over budget, should evict key 1

	if _, ok := c.Get(1, 1); ok {
		t.Error("Get(key 1): hit after budget eviction, want miss")
	}
	if _, ok := c.Get(1, 3); !ok {
		t.Error("Get(key 3): miss, want hit (most recently inserted)")
	}
	stats := c.Stats()
	if stats.Bytes > 16 {
		t.Errorf("Stats.Bytes = %d, want <= 16", stats.Bytes)
	}
}

func TestClearEmptiesCache(t *testing.T) {
	c := New(Config{Enabled: true})
	h := PromptHash([]int32{1})
	c.Put(1, h, []int32{2})
	c.Clear()
	if _, ok := c.Get(1, h); ok {
		t.Error("Get after Clear: hit, want miss")
	}
	if stats := c.Stats(); stats.Entries != 0 || stats.Bytes != 0 {
		t.Errorf("Stats after Clear = %+v, want zero", stats)
	}
}
