package engine

import "sync"

// Generations tracks an invalidation counter per cache key. Stores embed it
// so a listing that started before an invalidation cannot be written back
// after it. The zero value is ready to use.
type Generations struct {
	mu   sync.Mutex
	keys map[string]*keyGeneration
}

type keyGeneration struct {
	mu  sync.Mutex
	key CacheKey
	n   uint64
}

func (g *Generations) lookup(key CacheKey) *keyGeneration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys == nil {
		g.keys = make(map[string]*keyGeneration)
	}
	kg, ok := g.keys[key.String()]
	if !ok {
		kg = &keyGeneration{key: key}
		g.keys[key.String()] = kg
	}
	return kg
}

// Current returns the generation of key.
func (g *Generations) Current(key CacheKey) uint64 {
	kg := g.lookup(key)
	kg.mu.Lock()
	defer kg.mu.Unlock()
	return kg.n
}

// Invalidate advances the generation of key and runs drop under the key's
// lock, so no conditional store interleaves with it.
func (g *Generations) Invalidate(key CacheKey, drop func() error) error {
	kg := g.lookup(key)
	kg.mu.Lock()
	defer kg.mu.Unlock()
	kg.n++
	return drop()
}

// InvalidateWhere advances the generation of every tracked key accepted by
// match. The caller removes the matching entries afterwards.
func (g *Generations) InvalidateWhere(match func(CacheKey) bool) {
	g.mu.Lock()
	var matched []*keyGeneration
	for _, kg := range g.keys {
		if match(kg.key) {
			matched = append(matched, kg)
		}
	}
	g.mu.Unlock()

	for _, kg := range matched {
		kg.mu.Lock()
		kg.n++
		kg.mu.Unlock()
	}
}

// StoreIf runs store under the key's lock when the generation of key still
// equals gen. It reports whether store ran.
func (g *Generations) StoreIf(key CacheKey, gen uint64, store func() error) (bool, error) {
	kg := g.lookup(key)
	kg.mu.Lock()
	defer kg.mu.Unlock()
	if kg.n != gen {
		return false, nil
	}
	return true, store()
}
