package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/huykn/triage-edge/types"
)

// MemoryBackend keeps cache generations in process memory. Entries keep the
// order in which they were inserted; re-putting a key moves it to the end.
type MemoryBackend struct {
	mu          sync.RWMutex
	generations map[string]*memoryGeneration
	current     *types.CurrentGenerations
	seq         int64
}

type memoryGeneration struct {
	entries map[string]memoryEntry
}

type memoryEntry struct {
	asset types.Asset
	seq   int64
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		generations: make(map[string]*memoryGeneration),
	}
}

// Open creates generation if it does not exist.
func (mb *MemoryBackend) Open(ctx context.Context, generation string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.openLocked(generation)
	return nil
}

func (mb *MemoryBackend) openLocked(generation string) *memoryGeneration {
	gen, ok := mb.generations[generation]
	if !ok {
		gen = &memoryGeneration{entries: make(map[string]memoryEntry)}
		mb.generations[generation] = gen
	}
	return gen
}

// Has reports whether generation exists.
func (mb *MemoryBackend) Has(ctx context.Context, generation string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	_, ok := mb.generations[generation]
	return ok, nil
}

// Match returns the asset stored under key in generation.
func (mb *MemoryBackend) Match(ctx context.Context, generation, key string) (types.Asset, error) {
	if err := ctx.Err(); err != nil {
		return types.Asset{}, err
	}
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	gen, ok := mb.generations[generation]
	if !ok {
		return types.Asset{}, ErrNotFound
	}
	entry, ok := gen.entries[key]
	if !ok {
		return types.Asset{}, ErrNotFound
	}
	return entry.asset, nil
}

// Put stores asset in generation, creating the generation when needed.
func (mb *MemoryBackend) Put(ctx context.Context, generation string, asset types.Asset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	gen := mb.openLocked(generation)
	mb.seq++
	asset.Generation = generation
	gen.entries[asset.Key] = memoryEntry{asset: asset, seq: mb.seq}
	return nil
}

// Delete removes key from generation.
func (mb *MemoryBackend) Delete(ctx context.Context, generation, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if gen, ok := mb.generations[generation]; ok {
		delete(gen.entries, key)
	}
	return nil
}

// Keys returns the keys of generation, oldest insertion first.
func (mb *MemoryBackend) Keys(ctx context.Context, generation string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	gen, ok := mb.generations[generation]
	if !ok {
		return nil, nil
	}
	entries := make([]memoryEntry, 0, len(gen.entries))
	for _, entry := range gen.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	keys := make([]string, len(entries))
	for i, entry := range entries {
		keys[i] = entry.asset.Key
	}
	return keys, nil
}

// Generations lists generation names in lexical order.
func (mb *MemoryBackend) Generations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	names := make([]string, 0, len(mb.generations))
	for name := range mb.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteGeneration drops generation and reports whether it existed.
func (mb *MemoryBackend) DeleteGeneration(ctx context.Context, generation string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	_, ok := mb.generations[generation]
	delete(mb.generations, generation)
	return ok, nil
}

// Current returns the current generation pointer.
func (mb *MemoryBackend) Current(ctx context.Context) (types.CurrentGenerations, error) {
	if err := ctx.Err(); err != nil {
		return types.CurrentGenerations{}, err
	}
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.current == nil {
		return types.CurrentGenerations{}, ErrNotFound
	}
	return *mb.current, nil
}

// SetCurrent replaces the current generation pointer.
func (mb *MemoryBackend) SetCurrent(ctx context.Context, current types.CurrentGenerations) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.current = &current
	return nil
}

// Close releases nothing; it exists to satisfy the backend interface.
func (mb *MemoryBackend) Close() error {
	return nil
}
