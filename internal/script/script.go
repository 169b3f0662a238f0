// Package script implements C3: named server-side scripts registered at
// build time, SHA-loaded once per pool on first use, with transparent
// reload-and-retry on a NOSCRIPT reply. Grounded on
// internal/resilience/redis_limiter.go (redis.NewScript usage) generalized
// to the pool-keyed cache original_source's queue_manager.py/rate_limiter.py
// both implement ad hoc (_load_lua_scripts, per project or global).
package script

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Runner is the subset of the tenant-isolating proxy every scripted
// operation needs: evaluate by SHA, and load by full text when the SHA is
// unknown to this server. Both connfactory.TenantConn and
// connfactory.AdminConn satisfy this structurally.
type Runner interface {
	EvalSha(ctx context.Context, sha string, keys []string, args ...any) (any, error)
	ScriptLoad(ctx context.Context, body string) (string, error)
}

// Script is a named, registered Lua body.
type Script struct {
	Name string
	Body string
}

// Executor caches the SHA digest of every registered script, scoped to
// whatever pool identity the caller uses as its cache key (a tenant ID, or
// "admin" for globally loaded scripts like the queue's).
type Executor struct {
	mu        sync.RWMutex
	scripts   map[string]Script
	shaByPool map[string]map[string]string // poolKey -> scriptName -> sha
}

// NewExecutor registers the given scripts. Names must be unique.
func NewExecutor(scripts ...Script) *Executor {
	e := &Executor{
		scripts:   make(map[string]Script, len(scripts)),
		shaByPool: make(map[string]map[string]string),
	}
	for _, s := range scripts {
		e.scripts[s.Name] = s
	}
	return e
}

func (e *Executor) shaFor(poolKey, name string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	byName, ok := e.shaByPool[poolKey]
	if !ok {
		return "", false
	}
	sha, ok := byName[name]
	return sha, ok
}

func (e *Executor) setSha(poolKey, name, sha string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byName, ok := e.shaByPool[poolKey]
	if !ok {
		byName = make(map[string]string)
		e.shaByPool[poolKey] = byName
	}
	byName[name] = sha
}

// Run executes the named script against runner, scoped by poolKey. On
// first use for that pool it loads the script by full text and caches the
// digest; on a NOSCRIPT reply (the server forgot it — e.g. after a
// FLUSHALL/restart) it reloads once and retries. Any further failure
// surfaces to the caller.
func (e *Executor) Run(ctx context.Context, runner Runner, poolKey, name string, keys []string, args ...any) (any, error) {
	s, ok := e.scripts[name]
	if !ok {
		return nil, fmt.Errorf("script %q is not registered", name)
	}

	sha, ok := e.shaFor(poolKey, name)
	if !ok {
		loaded, err := runner.ScriptLoad(ctx, s.Body)
		if err != nil {
			return nil, err
		}
		sha = loaded
		e.setSha(poolKey, name, sha)
	}

	result, err := runner.EvalSha(ctx, sha, keys, args...)
	if err == nil {
		return result, nil
	}
	if !isNoScript(err) {
		return nil, err
	}

	loaded, loadErr := runner.ScriptLoad(ctx, s.Body)
	if loadErr != nil {
		return nil, loadErr
	}
	e.setSha(poolKey, name, loaded)
	return runner.EvalSha(ctx, loaded, keys, args...)
}

func isNoScript(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "NOSCRIPT")
}
