// Package adapter runs credential-pinned WebAssembly modules that derive
// additional policy facts from request bodies. Modules are untrusted: they
// get linear memory and nothing else, bounded execution, and their output
// is schema-validated before a single fact reaches the policy engine.
package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	wazeroapi "github.com/tetratelabs/wazero/api"
)

// Config bounds adapter execution.
type Config struct {
	// MemoryLimitBytes caps the module's linear memory, growth included.
	MemoryLimitBytes uint32
	// ExecTimeout bounds a single extract_facts invocation. The runtime is
	// built with close-on-context-done, so a module spinning past the
	// deadline is torn down rather than merely abandoned.
	ExecTimeout time.Duration
	// MaxOutputBytes caps the JSON the module may hand back.
	MaxOutputBytes uint32
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		MemoryLimitBytes: 16 << 20,
		ExecTimeout:      100 * time.Millisecond,
		MaxOutputBytes:   1 << 20,
	}
}

// Registry maps the SHA-256 of a module's bytes to its compiled form.
// Populated once at startup; immutable afterwards, so request tasks read
// it without locking.
type Registry struct {
	runtime wazero.Runtime
	modules map[string]wazero.CompiledModule
	cfg     Config
	logger  *slog.Logger
}

// NewRegistry builds the wazero runtime and compiles every .wasm file under
// dir, keyed by the hex SHA-256 of its bytes. Files that fail to compile
// are skipped with a warning; they can never be pinned anyway. An empty dir
// yields an empty registry.
func NewRegistry(ctx context.Context, dir string, cfg Config) (*Registry, error) {
	pages := cfg.MemoryLimitBytes / (64 * 1024)
	if pages == 0 {
		pages = 1
	}
	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	r := &Registry{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		modules: make(map[string]wazero.CompiledModule),
		cfg:     cfg,
		logger:  slog.Default().With("component", "adapter"),
	}

	if dir == "" {
		return r, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning adapter dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wasm") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading adapter %s: %w", path, err)
		}
		sum := sha256.Sum256(raw)
		hash := hex.EncodeToString(sum[:])

		compiled, err := r.runtime.CompileModule(ctx, raw)
		if err != nil {
			r.logger.Warn("skipping adapter that failed to compile",
				"file", entry.Name(), "hash", hash, "error", err)
			continue
		}
		r.modules[hash] = compiled
		r.logger.Info("adapter registered", "file", entry.Name(), "hash", hash)
	}
	return r, nil
}

// Lookup reports whether a module with the given hash is pinned.
func (r *Registry) Lookup(hash string) bool {
	_, ok := r.modules[hash]
	return ok
}

// Len returns the number of registered modules.
func (r *Registry) Len() int { return len(r.modules) }

// Close tears down the wazero runtime.
func (r *Registry) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// instantiate builds a fresh instance of the module for one invocation.
// No host modules are registered on the runtime, so a module importing
// WASI or anything else fails right here.
func (r *Registry) instantiate(ctx context.Context, hash string) (wazeroapi.Module, error) {
	compiled, ok := r.modules[hash]
	if !ok {
		return nil, fmt.Errorf("adapter %s not in registry", hash)
	}
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions()
	return r.runtime.InstantiateModule(ctx, compiled, modCfg)
}
