// Package ot implements the operational transform engine: pairwise conflict
// resolution, application of operations to document snapshots, structural
// validation, inversion for undo and history compression.
package ot

import (
	"fmt"
	"slices"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kilupskalvis/coedit/internal/models"
)

const (
	// DefaultMaxContentLength is the largest insert, in runes, accepted by Validate.
	DefaultMaxContentLength = 10000
	// DefaultCacheSize is the number of memoized transform results kept.
	DefaultCacheSize = 4096
)

// Options configures an Engine
type Options struct {
	MaxContentLength int
	CacheSize        int // 0 disables memoization
}

// DefaultOptions returns reasonable defaults
func DefaultOptions() Options {
	return Options{
		MaxContentLength: DefaultMaxContentLength,
		CacheSize:        DefaultCacheSize,
	}
}

// CacheStats reports memoization effectiveness
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

// span is the range of one transformed piece
type span struct {
	pos, length int
}

// shape is the positional outcome of a transform, which is all the cache stores.
// Operations are rebuilt from the caller's inputs so cached values never alias.
type shape struct {
	out1, out2 []span
	priority   Priority
}

// Engine is the transform service shared by sessions. It is safe for
// concurrent use.
type Engine struct {
	maxContent int
	cache      *lru.Cache[string, shape]
	hits       atomic.Uint64
	misses     atomic.Uint64
}

// NewEngine creates an Engine
func NewEngine(opts Options) (*Engine, error) {
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = DefaultMaxContentLength
	}
	e := &Engine{maxContent: opts.MaxContentLength}
	if opts.CacheSize > 0 {
		c, err := lru.New[string, shape](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create transform cache: %w", err)
		}
		e.cache = c
	}
	return e, nil
}

// MaxContentLength returns the insert size ceiling
func (e *Engine) MaxContentLength() int {
	return e.maxContent
}

// Transform resolves two concurrent operations. See Result.
func (e *Engine) Transform(a, b models.Operation) Result {
	key, cacheable := cacheKey(a, b)
	if e.cache == nil || !cacheable {
		return transform(a, b)
	}
	if s, ok := e.cache.Get(key); ok {
		e.hits.Add(1)
		return s.rebuild(a, b)
	}
	e.misses.Add(1)
	res := transform(a, b)
	e.cache.Add(key, shape{
		out1:     spans(res.Transformed1),
		out2:     spans(res.Transformed2),
		priority: res.Priority,
	})
	return res
}

// TransformAgainst rewrites ops, a sequence applied as one edit, so it applies
// after applied, the operations committed after the version ops was based on,
// oldest first. Pieces emptied by the history are dropped, but the result
// always holds at least one operation.
func (e *Engine) TransformAgainst(ops []models.Operation, applied []models.Operation) []models.Operation {
	out, _ := e.TransformSequences(ops, applied)
	return prune(out)
}

// TransformSequences transforms two concurrent operation sequences. The first
// result is a rewritten to apply after b, the second is b rewritten to apply
// after a.
func (e *Engine) TransformSequences(a, b []models.Operation) ([]models.Operation, []models.Operation) {
	switch {
	case len(a) == 0 || len(b) == 0:
		return a, b
	case len(a) == 1 && len(b) == 1:
		res := e.Transform(a[0], b[0])
		return res.Transformed1, res.Transformed2
	case len(a) > 1:
		head, b1 := e.TransformSequences(a[:1], b)
		tail, b2 := e.TransformSequences(a[1:], b1)
		return slices.Concat(head, tail), b2
	default:
		a1, head := e.TransformSequences(a, b[:1])
		a2, tail := e.TransformSequences(a1, b[1:])
		return a2, slices.Concat(head, tail)
	}
}

// prune drops delete and format pieces with nothing left to cover
func prune(ops []models.Operation) []models.Operation {
	out := make([]models.Operation, 0, len(ops))
	for _, op := range ops {
		if op.Type != models.OperationInsert && op.Length == 0 {
			continue
		}
		out = append(out, op)
	}
	if len(out) == 0 && len(ops) > 0 {
		out = append(out, ops[0])
	}
	return out
}

// ClearCache drops every memoized transform. It has no effect on results.
func (e *Engine) ClearCache() {
	if e.cache != nil {
		e.cache.Purge()
	}
	e.hits.Store(0)
	e.misses.Store(0)
}

// Stats returns cache counters
func (e *Engine) Stats() CacheStats {
	s := CacheStats{Hits: e.hits.Load(), Misses: e.misses.Load()}
	if e.cache != nil {
		s.Size = e.cache.Len()
	}
	return s
}

func (s shape) rebuild(a, b models.Operation) Result {
	return Result{Transformed1: place(a, s.out1), Transformed2: place(b, s.out2), Priority: s.priority}
}

func spans(ops []models.Operation) []span {
	out := make([]span, len(ops))
	for i, op := range ops {
		out[i] = span{pos: op.Position, length: op.Length}
	}
	return out
}

func place(op models.Operation, ss []span) []models.Operation {
	out := make([]models.Operation, len(ss))
	for i, s := range ss {
		out[i] = op.Clone()
		out[i].Position, out[i].Length = s.pos, s.length
	}
	return out
}

// cacheKey fingerprints the fields transform depends on. Format operations
// carry attribute maps whose resolution is not positional and are never cached.
func cacheKey(a, b models.Operation) (string, bool) {
	if a.Type == models.OperationFormat || b.Type == models.OperationFormat {
		return "", false
	}
	if a.ID() == "" || b.ID() == "" {
		return "", false
	}
	return fingerprint(a) + "|" + fingerprint(b), true
}

func fingerprint(op models.Operation) string {
	return fmt.Sprintf("%s:%s:%d:%d:%d:%d:%s",
		op.Type, op.ID(), op.Position, op.Length, op.Span(), op.Metadata.Timestamp, op.Metadata.UserID)
}
