// Package expression evaluates guard and condition expressions against a
// RuntimeContext. The production evaluator compiles with expr-lang/expr and
// caches compiled programs in a bounded LRU; a SimpleEvaluator fallback
// exists for environments where embedding a full expression language isn't
// wanted (offline fixtures, minimal test doubles).
package expression

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator is the port the core depends on for guard/condition evaluation.
type Evaluator interface {
	// Evaluate runs expr against env and requires a boolean result.
	Evaluate(expr string, env map[string]any) (bool, error)
	// DryParse compiles expr without running it, used by graph validation
	// to catch malformed guard expressions before publish.
	DryParse(expr string) error
}

// programCache is a thread-safe bounded LRU of compiled expr programs,
// keyed by source text.
type programCache struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List
	mu       sync.RWMutex
}

type cacheEntry struct {
	key     string
	program *vm.Program
}

func newProgramCache(capacity int) *programCache {
	if capacity <= 0 {
		capacity = 512
	}
	return &programCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *programCache) get(key string) (*vm.Program, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).program, true
	}
	return nil, false
}

func (c *programCache) put(key string, program *vm.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).program = program
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, program: program})
	c.items[key] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Len returns the number of cached compiled programs.
func (c *programCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// ExprEvaluator is the expr-lang-backed Evaluator used in production.
// DefaultCacheCapacity matches the bound decided for this orchestrator: a
// graph rarely carries more than a few hundred distinct guard expressions.
const DefaultCacheCapacity = 512

type ExprEvaluator struct {
	cache *programCache
}

// NewExprEvaluator creates an ExprEvaluator with capacity cached compiled
// programs. Pass 0 to use DefaultCacheCapacity.
func NewExprEvaluator(capacity int) *ExprEvaluator {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &ExprEvaluator{cache: newProgramCache(capacity)}
}

func (e *ExprEvaluator) compile(source string, env map[string]any) (*vm.Program, error) {
	if program, ok := e.cache.get(source); ok {
		return program, nil
	}
	program, err := expr.Compile(source, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, err
	}
	e.cache.put(source, program)
	return program, nil
}

// Evaluate compiles (or reuses a cached compile of) source and runs it
// against env, requiring a boolean result.
func (e *ExprEvaluator) Evaluate(source string, env map[string]any) (bool, error) {
	if source == "" {
		return true, nil
	}
	program, err := e.compile(source, env)
	if err != nil {
		return false, fmt.Errorf("compile guard expression: %w", err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate guard expression: %w", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("guard expression must return boolean, got %T", result)
	}
	return b, nil
}

// DryParse compiles source against an empty environment, solely to catch
// syntax errors at graph-validation time.
func (e *ExprEvaluator) DryParse(source string) error {
	if source == "" {
		return nil
	}
	_, err := expr.Compile(source, expr.AsBool())
	return err
}

// CacheLen reports how many compiled programs are currently cached, exposed
// for tests and metrics.
func (e *ExprEvaluator) CacheLen() int { return e.cache.Len() }

// SimpleEvaluator is a minimal, dependency-free fallback: it recognizes only
// "true", "false", and empty strings. Useful for fixtures that don't need
// the full expression language.
type SimpleEvaluator struct{}

func NewSimpleEvaluator() *SimpleEvaluator { return &SimpleEvaluator{} }

func (s *SimpleEvaluator) Evaluate(source string, _ map[string]any) (bool, error) {
	switch source {
	case "", "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("simple evaluator cannot evaluate expression: %q", source)
	}
}

func (s *SimpleEvaluator) DryParse(source string) error {
	switch source {
	case "", "true", "false":
		return nil
	default:
		return fmt.Errorf("simple evaluator cannot parse expression: %q", source)
	}
}
