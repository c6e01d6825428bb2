package engine

import (
	"errors"
	"testing"
)

func TestGenerations(t *testing.T) {
	var g Generations
	npm := NewCacheKey("npm", GlobalScope())
	brew := NewCacheKey("brew", GlobalScope())

	if gen := g.Current(npm); gen != 0 {
		t.Fatalf("expected a new key at generation 0, got %d", gen)
	}

	boom := errors.New("boom")
	if err := g.Invalidate(npm, func() error { return boom }); !errors.Is(err, boom) {
		t.Errorf("expected the drop error, got %v", err)
	}
	if gen := g.Current(npm); gen != 1 {
		t.Errorf("expected generation 1 after Invalidate, got %d", gen)
	}

	ran := false
	stored, err := g.StoreIf(npm, 0, func() error { ran = true; return nil })
	if err != nil || stored || ran {
		t.Errorf("expected a stale store to be skipped, got stored=%v ran=%v err=%v", stored, ran, err)
	}
	stored, err = g.StoreIf(npm, 1, func() error { ran = true; return nil })
	if err != nil || !stored || !ran {
		t.Errorf("expected a current store to run, got stored=%v ran=%v err=%v", stored, ran, err)
	}

	brewGen := g.Current(brew)
	g.InvalidateWhere(func(k CacheKey) bool { return k.Backend == "npm" })
	if gen := g.Current(npm); gen != 2 {
		t.Errorf("expected generation 2 after InvalidateWhere, got %d", gen)
	}
	if gen := g.Current(brew); gen != brewGen {
		t.Errorf("expected unmatched key to stay at %d, got %d", brewGen, gen)
	}
}
