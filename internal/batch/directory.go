// Package batch resolves which product batches are open for testing.
package batch

import (
	"slices"
	"strings"
	"sync"
)

// Batch is a product batch that testers may log into.
type Batch struct {
	ID      string `yaml:"id" json:"id"`
	Product string `yaml:"product,omitempty" json:"product,omitempty"`
	Origin  string `yaml:"origin,omitempty" json:"origin,omitempty"`
}

// Directory reports batch eligibility.
type Directory interface {
	IsEligible(batchID string) bool
	List() []Batch
}

// StaticDirectory is a fixed set of eligible batches.
type StaticDirectory struct {
	batches []Batch
	index   map[string]struct{}
}

// NewStaticDirectory creates a directory from batch ids. Blank and duplicate
// ids are ignored.
func NewStaticDirectory(ids ...string) *StaticDirectory {
	batches := make([]Batch, 0, len(ids))
	for _, id := range ids {
		batches = append(batches, Batch{ID: id})
	}
	batches, index := normalize(batches)
	return &StaticDirectory{batches: batches, index: index}
}

// IsEligible reports whether batchID is in the directory.
func (d *StaticDirectory) IsEligible(batchID string) bool {
	_, ok := d.index[batchID]
	return ok
}

// List returns the batches in configuration order.
func (d *StaticDirectory) List() []Batch {
	return slices.Clone(d.batches)
}

// catalog is the swappable state shared by file-backed directories.
type catalog struct {
	mu      sync.RWMutex
	batches []Batch
	index   map[string]struct{}
}

func (s *catalog) IsEligible(batchID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[batchID]
	return ok
}

func (s *catalog) List() []Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.batches)
}

func (s *catalog) replace(batches []Batch, index map[string]struct{}) {
	s.mu.Lock()
	s.batches = batches
	s.index = index
	s.mu.Unlock()
}

func (s *catalog) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.batches)
}

// normalize trims ids and drops blanks and duplicates, keeping first
// occurrence order.
func normalize(in []Batch) ([]Batch, map[string]struct{}) {
	out := make([]Batch, 0, len(in))
	index := make(map[string]struct{}, len(in))
	for _, b := range in {
		b.ID = strings.TrimSpace(b.ID)
		if b.ID == "" {
			continue
		}
		if _, dup := index[b.ID]; dup {
			continue
		}
		index[b.ID] = struct{}{}
		out = append(out, b)
	}
	return out, index
}
