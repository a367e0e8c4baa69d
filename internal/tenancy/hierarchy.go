package tenancy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voicehive/backend/internal/errdefs"
)

// ============================================================================
// PROPERTY HIERARCHY
// ============================================================================

// AddProperty inserts a property under a parent. The child's level is the
// parent's plus one; depth is bounded by MaxHierarchyDepth. An empty parent
// creates the HQ root at level 0.
func (m *Manager) AddProperty(ctx context.Context, p *Property) error {
	if p.PropertyID == "" || p.ChainID == "" {
		return errdefs.Validation("property_id and chain_id are required")
	}
	if existing, err := m.store.GetProperty(ctx, p.PropertyID); err != nil {
		return err
	} else if existing != nil {
		return errdefs.Conflict("property " + p.PropertyID + " already exists")
	}

	if p.ParentPropertyID == "" {
		p.Level = 0
		if p.Type == "" {
			p.Type = "HQ"
		}
	} else {
		parent, err := m.store.GetProperty(ctx, p.ParentPropertyID)
		if err != nil {
			return err
		}
		if parent == nil {
			return errdefs.NotFound("parent property " + p.ParentPropertyID + " not found")
		}
		if parent.ChainID != p.ChainID {
			return errdefs.Validation("parent belongs to a different chain")
		}
		p.Level = parent.Level + 1
		if p.Level > MaxHierarchyDepth {
			return errdefs.Validation(fmt.Sprintf("hierarchy depth exceeds %d", MaxHierarchyDepth))
		}
	}

	if p.Status == "" {
		p.Status = "active"
	}
	if p.Inheritance == "" {
		p.Inheritance = InheritNone
	}
	if err := m.store.CreateProperty(ctx, p); err != nil {
		return err
	}
	slog.Info("[Tenancy] Property added",
		"property_id", p.PropertyID, "chain_id", p.ChainID,
		"level", p.Level, "inheritance", p.Inheritance)
	return nil
}

// RemoveProperty soft-deletes: the property transitions to status "sold"
// and is rejected while it still has children.
func (m *Manager) RemoveProperty(ctx context.Context, propertyID string) error {
	p, err := m.store.GetProperty(ctx, propertyID)
	if err != nil {
		return err
	}
	if p == nil {
		return errdefs.NotFound("property " + propertyID + " not found")
	}

	children, err := m.store.ListChildren(ctx, propertyID)
	if err != nil {
		return err
	}
	active := 0
	for _, c := range children {
		if c.Status != "sold" {
			active++
		}
	}
	if active > 0 {
		return errdefs.Conflict(fmt.Sprintf("property %s has %d children", propertyID, active))
	}

	p.Status = "sold"
	p.ConfigVersion++
	if err := m.store.UpdateProperty(ctx, p); err != nil {
		return err
	}
	slog.Info("[Tenancy] Property sold", "property_id", propertyID)
	return nil
}

// UpdatePropertyConfig replaces the local config and bumps the version so
// memoized effective configs of descendants invalidate.
func (m *Manager) UpdatePropertyConfig(ctx context.Context, propertyID string, local map[string]interface{}, overrides map[string]interface{}) (*Property, error) {
	p, err := m.store.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errdefs.NotFound("property " + propertyID + " not found")
	}
	if local != nil {
		p.LocalConfig = local
	}
	if overrides != nil {
		p.LocalOverrides = overrides
	}
	p.ConfigVersion++
	if err := m.store.UpdateProperty(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ancestry returns the path from p up to the root, p first.
func (m *Manager) ancestry(ctx context.Context, p *Property) ([]*Property, error) {
	path := []*Property{p}
	current := p
	for current.ParentPropertyID != "" {
		parent, err := m.store.GetProperty(ctx, current.ParentPropertyID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, errdefs.Internal("dangling parent reference "+current.ParentPropertyID, nil)
		}
		path = append(path, parent)
		if len(path) > MaxHierarchyDepth+1 {
			return nil, errdefs.Internal("hierarchy cycle detected at "+parent.PropertyID, nil)
		}
		current = parent
	}
	return path, nil
}
