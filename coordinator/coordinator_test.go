package coordinator

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databloom/snapllm/infer"
	"github.com/databloom/snapllm/kvcache"
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
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func newTestCoordinator(t *testing.T) (*Coordinator, string) {
	t.Helper()
	root := t.TempDir()
	c, err := New(Config{WorkspaceRoot: filepath.Join(root, "store"), KVDefaultTTL: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, root
}

func drain(ch <-chan int32) []int32 {
	var out []int32
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func TestLoadModelThenGenerate(t *testing.T) {
	c, root := newTestCoordinator(t)
	path := writeManifest(t, root, "m1.snapw")

	ok, err := c.LoadModel("m1", path, false, weightcache.DomainChat)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = c.SwitchModel("m1")
	require.NoError(t, err)

	stream, err := c.Generate(context.Background(), []int32{1, 2, 3}, 4)
	require.NoError(t, err)
	assert.Len(t, drain(stream), 4)

	stats := c.PrintCacheStats()
	assert.EqualValues(t, 1, stats.WeightCache.Misses)
}

func TestLoadModelIsCachedOnSecondLoad(t *testing.T) {
	c, root := newTestCoordinator(t)
	path := writeManifest(t, root, "m1.snapw")

	_, err := c.LoadModel("m1", path, false, weightcache.DomainChat)
	require.NoError(t, err)
	_, err = c.UnloadModel("m1")
	require.NoError(t, err)
	_, err = c.LoadModel("m1", path, false, weightcache.DomainChat)
	require.NoError(t, err)

	stats := c.PrintCacheStats()
	assert.EqualValues(t, 1, stats.WeightCache.Hits)
	assert.EqualValues(t, 1, stats.WeightCache.Misses)
}

func TestLoadModelCacheOnlyMissesBeforeFirstQuantize(t *testing.T) {
	c, root := newTestCoordinator(t)
	path := writeManifest(t, root, "m1.snapw")

	_, err := c.LoadModel("m1", path, true, weightcache.DomainChat)
	assert.True(t, snaperr.Is(err, snaperr.KindNotFound), "got %v, want NotFound", err)

	_, err = c.LoadModel("m1", path, false, weightcache.DomainChat)
	require.NoError(t, err)
	_, err = c.UnloadModel("m1")
	require.NoError(t, err)

	ok, err := c.LoadModel("m1", path, true, weightcache.DomainChat)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSwitchModelIsRepeatableAndFast(t *testing.T) {
	c, root := newTestCoordinator(t)
	p1 := writeManifest(t, root, "m1.snapw")
	p2 := writeManifest(t, root, "m2.snapw")
	_, err := c.LoadModel("m1", p1, false, weightcache.DomainChat)
	require.NoError(t, err)
	_, err = c.LoadModel("m2", p2, false, weightcache.DomainChat)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		name := "m1"
		if i%2 == 1 {
			name = "m2"
		}
		start := time.Now()
		ok, err := c.SwitchModel(name)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Lessf(t, time.Since(start), 50*time.Millisecond, "SwitchModel(%s) iteration %d too slow", name, i)
	}
}

func TestUnloadModelCascadeDeletesContexts(t *testing.T) {
	c, root := newTestCoordinator(t)
	path := writeManifest(t, root, "m1.snapw")
	_, err := c.LoadModel("m1", path, false, weightcache.DomainChat)
	require.NoError(t, err)

	stats, err := c.IngestContext(context.Background(), "m1", []int32{1, 2, 3, 4}, kvcache.IngestOpts{})
	require.NoError(t, err)

	_, err = c.UnloadModel("m1")
	require.NoError(t, err)
	assert.Empty(t, c.ListContexts(), "UnloadModel should cascade-delete m1's contexts")

	_, err = c.QueryContext(context.Background(), "m1", stats.ContextID, []int32{9}, kvcache.QueryOpts{})
	assert.Error(t, err, "QueryContext after UnloadModel should fail, entries are cascade-deleted")
}

func TestIngestThenQueryContextReusesTensors(t *testing.T) {
	c, root := newTestCoordinator(t)
	path := writeManifest(t, root, "m1.snapw")
	_, err := c.LoadModel("m1", path, false, weightcache.DomainChat)
	require.NoError(t, err)

	ctx := context.Background()
	stats, err := c.IngestContext(ctx, "m1", []int32{1, 2, 3, 4}, kvcache.IngestOpts{})
	require.NoError(t, err)
	assert.False(t, stats.CacheHit)

	stream, err := c.QueryContext(ctx, "m1", stats.ContextID, []int32{5}, kvcache.QueryOpts{})
	require.NoError(t, err)
	assert.NotEmpty(t, drain(stream))

	again, err := c.IngestContext(ctx, "m1", []int32{1, 2, 3, 4}, kvcache.IngestOpts{})
	require.NoError(t, err)
	assert.True(t, again.CacheHit)
	assert.Equal(t, stats.ContextID, again.ContextID)
}

func TestPromoteDemoteContext(t *testing.T) {
	c, root := newTestCoordinator(t)
	path := writeManifest(t, root, "m1.snapw")
	_, err := c.LoadModel("m1", path, false, weightcache.DomainChat)
	require.NoError(t, err)

	ctx := context.Background()
	stats, err := c.IngestContext(ctx, "m1", []int32{1, 2, 3, 4}, kvcache.IngestOpts{})
	require.NoError(t, err)

	require.NoError(t, c.DemoteContext(stats.ContextID, kvcache.Cold))

	stream, err := c.QueryContext(ctx, "m1", stats.ContextID, []int32{5}, kvcache.QueryOpts{})
	require.NoError(t, err)
	drain(stream)

	require.NoError(t, c.PromoteContext(stats.ContextID, kvcache.Hot))

	infos := c.ListContexts()
	require.Len(t, infos, 1)
	assert.Equal(t, kvcache.Hot, infos[0].Tier)
}

func TestPromptCacheReplaysGeneratedTokensUntilEpochChanges(t *testing.T) {
	c, root := newTestCoordinator(t)
	path := writeManifest(t, root, "m1.snapw")
	_, err := c.LoadModel("m1", path, false, weightcache.DomainChat)
	require.NoError(t, err)
	_, err = c.SwitchModel("m1")
	require.NoError(t, err)
	c.EnableCache(true)

	ctx := context.Background()
	prompt := []int32{7, 8, 9}

	// Drain first so its tokens are in the prompt cache before the
	// second call, which is then served by replay.
	first, err := c.Generate(ctx, prompt, 4)
	require.NoError(t, err)
	firstTokens := drain(first)
	second, err := c.Generate(ctx, prompt, 4)
	require.NoError(t, err)
	assert.Equal(t, firstTokens, drain(second))
	assert.Equal(t, 1, c.PrintCacheStats().PromptCache.Entries)

	p2 := writeManifest(t, root, "m2.snapw")
	_, err = c.LoadModel("m2", p2, false, weightcache.DomainChat)
	require.NoError(t, err)
	_, err = c.SwitchModel("m2") // bumps active_epoch, invalidating m1's prompt-cache entries
	require.NoError(t, err)
	_, err = c.SwitchModel("m1") // back to m1, but under a new epoch
	require.NoError(t, err)

	third, err := c.Generate(ctx, prompt, 4)
	require.NoError(t, err)
	assert.NotEmpty(t, drain(third))
	assert.Equal(t, 2, c.PrintCacheStats().PromptCache.Entries, "the new epoch's generation is cached as a separate entry, not replayed")

	fake, ok := c.engine.(*infer.Fake)
	require.True(t, ok)
	assert.Zero(t, fake.PrefillCalls(), "Generate must never call Prefill")
}
