// deepcorrect/helpers_cache_test.go
package deepcorrect

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateCacheKey(t *testing.T) {
	cfg := getDefaultConfig()
	cfg.Model = "m"
	with := func(mutate func(*Config)) Config {
		c := cfg
		mutate(&c)
		return c
	}

	base := generateCacheKey(cfg, "prompt", "text")
	if base != generateCacheKey(cfg, "prompt", "text") {
		t.Errorf("generateCacheKey() is not deterministic")
	}
	if got := generateCacheKey(with(func(c *Config) { c.PromptTemplate = "" }), "prompt", "text"); got != base {
		t.Errorf("generateCacheKey() with empty template differs from the default template")
	}
	variants := map[string]string{
		"model":       generateCacheKey(with(func(c *Config) { c.Model = "m2" }), "prompt", "text"),
		"temperature": generateCacheKey(with(func(c *Config) { c.Temperature = cfg.Temperature + 0.5 }), "prompt", "text"),
		"max_tokens":  generateCacheKey(with(func(c *Config) { c.MaxTokens = cfg.MaxTokens + 1 }), "prompt", "text"),
		"template":    generateCacheKey(with(func(c *Config) { c.PromptTemplate = "%s\n---\n%s" }), "prompt", "text"),
		"prompt":      generateCacheKey(cfg, "prompt2", "text"),
		"source":      generateCacheKey(cfg, "prompt", "text2"),
		// Field boundaries are part of the key.
		"shifted": generateCacheKey(with(func(c *Config) { c.Model = "mp" }), "rompt", "text"),
	}
	for name, key := range variants {
		if key == base {
			t.Errorf("generateCacheKey() collision when %s changes", name)
		}
	}
}

func TestWithMemoryCache(t *testing.T) {
	c := newCorrectionCache(discardLogger())
	t.Cleanup(c.Close)
	if !c.Enabled() {
		t.Fatal("newCorrectionCache() returned a disabled cache")
	}

	calls := 0
	compute := func() (string, error) { calls++; return "fixed", nil }

	got, hit, err := withMemoryCache(c, "k", time.Minute, compute)
	if err != nil || hit || got != "fixed" {
		t.Fatalf("withMemoryCache() #1 got = (%q, %v, %v)", got, hit, err)
	}
	got, hit, err = withMemoryCache(c, "k", time.Minute, compute)
	if err != nil || !hit || got != "fixed" {
		t.Fatalf("withMemoryCache() #2 got = (%q, %v, %v), want cache hit", got, hit, err)
	}
	if calls != 1 {
		t.Errorf("compute calls got = %d, want 1", calls)
	}

	boom := errors.New("boom")
	_, _, err = withMemoryCache(c, "k-err", time.Minute, func() (string, error) { return "", boom })
	if !errors.Is(err, boom) {
		t.Errorf("withMemoryCache() error = %v, want boom", err)
	}
	if _, ok := c.get("k-err"); ok {
		t.Errorf("failed computation was cached")
	}

	if m := c.Metrics(); m == nil || m.Hits() < 1 {
		t.Errorf("Metrics() got = %v, want at least one hit", m)
	}

	c.Clear()
	if _, ok := c.get("k"); ok {
		t.Errorf("get() after Clear() still returned a value")
	}
}

func TestCorrectionCache_NilAndClosed(t *testing.T) {
	var nilCache *correctionCache
	if nilCache.Enabled() || nilCache.Metrics() != nil {
		t.Errorf("nil cache should be disabled")
	}
	nilCache.Clear()
	nilCache.Close()

	calls := 0
	got, hit, err := withMemoryCache(nilCache, "k", time.Minute, func() (string, error) { calls++; return "v", nil })
	if got != "v" || hit || err != nil || calls != 1 {
		t.Errorf("withMemoryCache(nil) got = (%q, %v, %v) calls=%d", got, hit, err, calls)
	}

	closed := newCorrectionCache(discardLogger())
	closed.Close()
	if closed.Enabled() {
		t.Errorf("closed cache should be disabled")
	}
	if closed.set("k", "v", time.Minute) {
		t.Errorf("set() on closed cache reported success")
	}
}
