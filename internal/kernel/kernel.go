// Package kernel is the process-wide library of model and phi kernels.
//
// Kernels register themselves at init. The library is loaded once on
// first use and stays loaded for the life of the process; capsules only
// count references to it.
package kernel

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/model"
)

type ModelFactory func() model.Model

// PhiFactory builds a phi function over a residual of length nr.
type PhiFactory func(nr int) model.Phi

var (
	mu     sync.RWMutex
	models = make(map[string]ModelFactory)
	phis   = make(map[string]PhiFactory)

	loadOnce sync.Once
	parallel bool
	live     atomic.Int64
)

// Register makes a model kernel available by name. It panics if the name
// is registered twice or f is nil.
func Register(name string, f ModelFactory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("kernel: Register factory is nil")
	}
	if _, dup := models[name]; dup {
		panic("kernel: Register called twice for model " + name)
	}
	models[name] = f
}

func RegisterPhi(name string, f PhiFactory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("kernel: RegisterPhi factory is nil")
	}
	if _, dup := phis[name]; dup {
		panic("kernel: RegisterPhi called twice for phi " + name)
	}
	phis[name] = f
}

// Load initializes the library. Only the first call has an effect; the
// parallel flag is fixed from then on.
func Load(logger *zap.Logger) {
	loadOnce.Do(func() {
		parallel = runtime.GOMAXPROCS(0) > 1
		if logger != nil {
			mu.RLock()
			n := len(models)
			mu.RUnlock()
			logger.Debug("kernel library loaded",
				zap.Int("models", n),
				zap.Bool("parallel", parallel))
		}
	})
}

// Parallel reports whether independent stages may be processed
// concurrently. It is read-only after Load.
func Parallel() bool {
	Load(nil)
	return parallel
}

// Acquire returns a fresh instance of the named model and counts one more
// live capsule.
func Acquire(name string) (model.Model, error) {
	Load(nil)
	mu.RLock()
	f, ok := models[name]
	mu.RUnlock()
	if !ok {
		return nil, &dynamo.ConfigError{Field: "model", Reason: fmt.Sprintf("kernel %q is not registered", name)}
	}
	live.Add(1)
	return f(), nil
}

// Release drops one capsule reference. The library itself is never
// unloaded.
func Release() {
	if live.Add(-1) < 0 {
		live.Store(0)
	}
}

// Live is the number of capsules holding a kernel.
func Live() int { return int(live.Load()) }

func Has(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := models[name]
	return ok
}

// Phi builds the named phi function for a residual of length nr.
func Phi(name string, nr int) (model.Phi, error) {
	mu.RLock()
	f, ok := phis[name]
	mu.RUnlock()
	if !ok {
		return nil, &dynamo.ConfigError{Field: "phi", Reason: fmt.Sprintf("phi kernel %q is not registered", name)}
	}
	return f(nr), nil
}

// Names lists the registered model kernels in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(models))
	for n := range models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
