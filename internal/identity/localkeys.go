package identity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// localKeyTTL is the effective positive-cache lifetime for keys loaded
// from a local directory override — long enough that it never competes
// with the configured JWKS TTL, since a local override is meant to stay
// in force until the directory changes or the process restarts.
const localKeyTTL = 24 * time.Hour

// LoadLocalKeys populates the positive cache from every *.json JWK file in
// dir, for issuers served by a local or offline signer instead of a
// reachable JWKS endpoint (local development, CI fixtures). Safe to call
// with dir == "" — a no-op.
func (v *Verifier) LoadLocalKeys(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("identity: read local key dir: %w", err)
	}
	now := time.Now()
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("identity: read %s: %w", entry.Name(), err)
		}
		key, err := jwk.ParseKey(body)
		if err != nil {
			return fmt.Errorf("identity: parse %s: %w", entry.Name(), err)
		}
		if key.KeyID() == "" {
			continue
		}
		v.positive[key.KeyID()] = cachedKey{key: key, expiry: now.Add(localKeyTTL)}
		delete(v.negative, key.KeyID())
	}
	return nil
}

// WatchLocalKeys reloads dir on every filesystem event until ctx is
// cancelled, debouncing rapid changes the way
// services/policy-service/main.go's opaManager.Watch debounces rego file
// edits. cb is called with the reload error (nil on success) after every
// debounce window; a nil cb is fine if the caller doesn't care.
func (v *Verifier) WatchLocalKeys(ctx context.Context, dir string, cb func(error)) {
	if dir == "" {
		return
	}
	if cb == nil {
		cb = func(error) {}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cb(err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		cb(err)
		return
	}

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) == ".json" {
				debounce.Reset(200 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			cb(err)
		case <-debounce.C:
			cb(v.LoadLocalKeys(dir))
		}
	}
}
