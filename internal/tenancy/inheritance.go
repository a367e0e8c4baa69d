package tenancy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/voicehive/backend/internal/errdefs"
)

// ============================================================================
// EFFECTIVE CONFIGURATION RESOLUTION
// ============================================================================

// Resolver computes effective property configurations. Resolution is
// deterministic and side-effect-free; results are memoized keyed by the
// version fingerprint of the ancestor path, so any ancestor config bump
// invalidates naturally.
type Resolver struct {
	manager *Manager

	mu    sync.Mutex
	cache map[string]resolvedEntry
}

type resolvedEntry struct {
	fingerprint string
	config      map[string]interface{}
}

func NewResolver(manager *Manager) *Resolver {
	return &Resolver{manager: manager, cache: make(map[string]resolvedEntry)}
}

// EffectiveConfig resolves the configuration for a property:
//  1. start from the property's local config
//  2. apply inheritance per mode against the parent's merged config
//     (recursively; the root folds in chain policies)
//  3. apply explicit local overrides last
func (r *Resolver) EffectiveConfig(ctx context.Context, propertyID string) (map[string]interface{}, error) {
	p, err := r.manager.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, err
	}

	path, err := r.manager.ancestry(ctx, p)
	if err != nil {
		return nil, err
	}
	fp := pathFingerprint(path)

	r.mu.Lock()
	if entry, ok := r.cache[propertyID]; ok && entry.fingerprint == fp {
		cfg := cloneConfig(entry.config)
		r.mu.Unlock()
		return cfg, nil
	}
	r.mu.Unlock()

	chainPolicies := map[string]interface{}{}
	if p.ChainID != "" {
		chain, err := r.manager.store.GetChain(ctx, p.ChainID)
		if err != nil {
			return nil, err
		}
		if chain != nil {
			chainPolicies = chain.Policies
		}
	}

	cfg := resolvePath(path, chainPolicies)

	r.mu.Lock()
	r.cache[propertyID] = resolvedEntry{fingerprint: fp, config: cloneConfig(cfg)}
	r.mu.Unlock()
	return cfg, nil
}

// Invalidate drops one memoized entry; version bumps make this optional.
func (r *Resolver) Invalidate(propertyID string) {
	r.mu.Lock()
	delete(r.cache, propertyID)
	r.mu.Unlock()
}

// GetProperty is a small helper used by the resolver and handlers.
func (m *Manager) GetProperty(ctx context.Context, propertyID string) (*Property, error) {
	p, err := m.store.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errdefs.NotFound("property " + propertyID + " not found")
	}
	return p, nil
}

// resolvePath folds the ancestor path (leaf first) into one config. The
// root ancestor inherits against the chain policies.
func resolvePath(path []*Property, chainPolicies map[string]interface{}) map[string]interface{} {
	// Walk from the root down so each step has its parent's merged view.
	parentMerged := chainPolicies
	for i := len(path) - 1; i >= 0; i-- {
		parentMerged = resolveOne(path[i], parentMerged)
	}
	return parentMerged
}

func resolveOne(p *Property, parent map[string]interface{}) map[string]interface{} {
	effective := cloneConfig(p.LocalConfig)

	switch p.Inheritance {
	case InheritFull:
		// Ancestor values shadow local ones wholesale.
		for k, v := range parent {
			effective[k] = v
		}
	case InheritSelective:
		for _, k := range p.InheritedKeys {
			if v, ok := parent[k]; ok {
				effective[k] = v
			}
		}
	case InheritOverride:
		// Ancestor is the base; local values win per key.
		base := cloneConfig(parent)
		for k, v := range effective {
			base[k] = v
		}
		effective = base
	case InheritNone:
		// Fully independent.
	}

	for k, v := range p.LocalOverrides {
		effective[k] = v
	}
	return effective
}

func cloneConfig(src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// pathFingerprint concatenates property versions leaf-to-root; any ancestor
// change alters it.
func pathFingerprint(path []*Property) string {
	var b strings.Builder
	for _, p := range path {
		fmt.Fprintf(&b, "%s@%d;", p.PropertyID, p.ConfigVersion)
	}
	return b.String()
}
