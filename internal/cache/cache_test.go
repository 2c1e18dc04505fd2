// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package cache

import (
	"testing"
	"time"
)

func TestCacheBasicOperations(t *testing.T) {
	c := New(1 * time.Minute)

	c.Set("key1", "value1")
	value, exists := c.Get("key1")
	if !exists {
		t.Error("Expected key1 to exist")
	}
	if value != "value1" {
		t.Errorf("Expected value1, got %v", value)
	}

	_, exists = c.Get("key2")
	if exists {
		t.Error("Expected key2 to not exist")
	}
}

func TestCacheExpiration(t *testing.T) {
	c := New(50 * time.Millisecond)

	c.Set("key1", "value1")
	if _, exists := c.Get("key1"); !exists {
		t.Error("Expected key1 to exist immediately after set")
	}

	time.Sleep(80 * time.Millisecond)

	if _, exists := c.Get("key1"); exists {
		t.Error("Expected key1 to be expired")
	}
}

func TestCacheSetWithTTL(t *testing.T) {
	c := New(1 * time.Minute)

	c.SetWithTTL("short", "v", 50*time.Millisecond)
	c.Set("long", "v")

	time.Sleep(80 * time.Millisecond)

	if _, exists := c.Get("short"); exists {
		t.Error("short-TTL entry should have expired")
	}
	if _, exists := c.Get("long"); !exists {
		t.Error("default-TTL entry should still exist")
	}
}

func TestCacheDelete(t *testing.T) {
	c := New(1 * time.Minute)

	c.Set("key1", "value1")
	c.Delete("key1")
	if _, exists := c.Get("key1"); exists {
		t.Error("Expected key1 to be deleted")
	}

	// Deleting a missing key must not panic
	c.Delete("missing")
}

func TestCacheClear(t *testing.T) {
	c := New(1 * time.Minute)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Clear()

	if _, exists := c.Get("a"); exists {
		t.Error("Expected cache to be empty after Clear")
	}
	if got := c.GetStats().TotalKeys; got != 0 {
		t.Errorf("Expected 0 keys after Clear, got %d", got)
	}
}

func TestCacheStats(t *testing.T) {
	c := New(1 * time.Minute)

	c.Set("key1", "value1")
	c.Get("key1") // hit
	c.Get("nope") // miss

	stats := c.GetStats()
	if stats.Hits != 1 {
		t.Errorf("Expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", stats.Misses)
	}
	if rate := c.HitRate(); rate != 50.0 {
		t.Errorf("Expected 50%% hit rate, got %.1f", rate)
	}
}

func TestGenerateKeyDeterministic(t *testing.T) {
	type params struct {
		Model    string   `json:"model"`
		Messages []string `json:"messages"`
	}

	a := GenerateKey("chat", params{Model: "m", Messages: []string{"hi"}})
	b := GenerateKey("chat", params{Model: "m", Messages: []string{"hi"}})
	if a != b {
		t.Errorf("identical params must produce identical keys: %q vs %q", a, b)
	}

	d := GenerateKey("chat", params{Model: "m", Messages: []string{"bye"}})
	if a == d {
		t.Error("different params must produce different keys")
	}

	e := GenerateKey("embeddings", params{Model: "m", Messages: []string{"hi"}})
	if a == e {
		t.Error("different methods must produce different keys")
	}
}
