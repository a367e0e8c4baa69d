package tenancy

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicehive/backend/internal/errdefs"
)

func seedChain(t *testing.T, m *Manager) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.store.CreateChain(ctx, &Chain{
		ChainID: "chain-1", Code: "VH", HQPropertyID: "hq",
		Policies: map[string]interface{}{"greeting": "chain-greeting", "currency": "EUR"},
	}))
	require.NoError(t, m.AddProperty(ctx, &Property{
		PropertyID: "hq", ChainID: "chain-1", Type: "HQ",
		Inheritance: InheritOverride,
		LocalConfig: map[string]interface{}{"timezone": "Europe/Berlin"},
	}))
	require.NoError(t, m.AddProperty(ctx, &Property{
		PropertyID: "regional-1", ChainID: "chain-1", ParentPropertyID: "hq",
		Type: "regional", Inheritance: InheritOverride,
		LocalConfig: map[string]interface{}{"greeting": "regional-greeting"},
	}))
}

func TestAddPropertyLevels(t *testing.T) {
	m := NewManager(NewMemoryStore())
	seedChain(t, m)
	ctx := context.Background()

	require.NoError(t, m.AddProperty(ctx, &Property{
		PropertyID: "hotel-1", ChainID: "chain-1", ParentPropertyID: "regional-1", Type: "hotel",
	}))

	hq, _ := m.GetProperty(ctx, "hq")
	regional, _ := m.GetProperty(ctx, "regional-1")
	hotel, _ := m.GetProperty(ctx, "hotel-1")
	assert.Equal(t, 0, hq.Level)
	assert.Equal(t, 1, regional.Level)
	assert.Equal(t, 2, hotel.Level)
}

func TestAddPropertyDepthBound(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, m.store.CreateChain(ctx, &Chain{ChainID: "c", Code: "C"}))
	require.NoError(t, m.AddProperty(ctx, &Property{PropertyID: "p0", ChainID: "c"}))
	parent := "p0"
	for i := 1; i <= MaxHierarchyDepth; i++ {
		id := "p" + strings.Repeat("x", i)
		require.NoError(t, m.AddProperty(ctx, &Property{
			PropertyID: id, ChainID: "c", ParentPropertyID: parent,
		}))
		parent = id
	}

	err := m.AddProperty(ctx, &Property{
		PropertyID: "too-deep", ChainID: "c", ParentPropertyID: parent,
	})
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestRemovePropertyWithChildrenRejected(t *testing.T) {
	m := NewManager(NewMemoryStore())
	seedChain(t, m)
	ctx := context.Background()

	err := m.RemoveProperty(ctx, "hq")
	assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))

	// Selling the leaf first unblocks the parent.
	require.NoError(t, m.RemoveProperty(ctx, "regional-1"))
	require.NoError(t, m.RemoveProperty(ctx, "hq"))

	hq, _ := m.GetProperty(ctx, "hq")
	assert.Equal(t, "sold", hq.Status)
}

func TestEffectiveConfigNoneEqualsLocal(t *testing.T) {
	m := NewManager(NewMemoryStore())
	seedChain(t, m)
	ctx := context.Background()
	local := map[string]interface{}{"greeting": "independent", "voice": "rachel"}
	require.NoError(t, m.AddProperty(ctx, &Property{
		PropertyID: "indie", ChainID: "chain-1", ParentPropertyID: "hq",
		Inheritance: InheritNone, LocalConfig: local,
	}))

	r := NewResolver(m)
	cfg, err := r.EffectiveConfig(ctx, "indie")
	require.NoError(t, err)
	assert.Equal(t, local, cfg)
}

func TestEffectiveConfigOverrideMode(t *testing.T) {
	m := NewManager(NewMemoryStore())
	seedChain(t, m)
	ctx := context.Background()

	r := NewResolver(m)
	cfg, err := r.EffectiveConfig(ctx, "regional-1")
	require.NoError(t, err)
	// Local greeting wins; chain currency and HQ timezone flow down.
	assert.Equal(t, "regional-greeting", cfg["greeting"])
	assert.Equal(t, "EUR", cfg["currency"])
	assert.Equal(t, "Europe/Berlin", cfg["timezone"])
}

func TestEffectiveConfigFullMode(t *testing.T) {
	m := NewManager(NewMemoryStore())
	seedChain(t, m)
	ctx := context.Background()
	require.NoError(t, m.AddProperty(ctx, &Property{
		PropertyID: "franchise", ChainID: "chain-1", ParentPropertyID: "hq",
		Inheritance: InheritFull,
		LocalConfig: map[string]interface{}{"greeting": "local-greeting", "extra": "kept"},
	}))

	r := NewResolver(m)
	cfg, err := r.EffectiveConfig(ctx, "franchise")
	require.NoError(t, err)
	assert.Equal(t, "chain-greeting", cfg["greeting"], "ancestor shadows local in full mode")
	assert.Equal(t, "kept", cfg["extra"], "keys absent upstream stay local")
}

func TestEffectiveConfigSelectiveMode(t *testing.T) {
	m := NewManager(NewMemoryStore())
	seedChain(t, m)
	ctx := context.Background()
	require.NoError(t, m.AddProperty(ctx, &Property{
		PropertyID: "picky", ChainID: "chain-1", ParentPropertyID: "hq",
		Inheritance:   InheritSelective,
		InheritedKeys: []string{"currency"},
		LocalConfig:   map[string]interface{}{"greeting": "my-greeting"},
	}))

	r := NewResolver(m)
	cfg, err := r.EffectiveConfig(ctx, "picky")
	require.NoError(t, err)
	assert.Equal(t, "EUR", cfg["currency"])
	assert.Equal(t, "my-greeting", cfg["greeting"])
	assert.NotContains(t, cfg, "timezone", "uninherited keys stay out")
}

func TestEffectiveConfigLocalOverridesWinLast(t *testing.T) {
	m := NewManager(NewMemoryStore())
	seedChain(t, m)
	ctx := context.Background()
	require.NoError(t, m.AddProperty(ctx, &Property{
		PropertyID: "special", ChainID: "chain-1", ParentPropertyID: "hq",
		Inheritance:    InheritFull,
		LocalConfig:    map[string]interface{}{"greeting": "local"},
		LocalOverrides: map[string]interface{}{"greeting": "override-wins"},
	}))

	r := NewResolver(m)
	cfg, err := r.EffectiveConfig(ctx, "special")
	require.NoError(t, err)
	assert.Equal(t, "override-wins", cfg["greeting"])
}

func TestEffectiveConfigMemoInvalidatedByAncestorBump(t *testing.T) {
	m := NewManager(NewMemoryStore())
	seedChain(t, m)
	ctx := context.Background()
	r := NewResolver(m)

	cfg, err := r.EffectiveConfig(ctx, "regional-1")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", cfg["timezone"])

	_, err = m.UpdatePropertyConfig(ctx, "hq", map[string]interface{}{"timezone": "Europe/Vienna"}, nil)
	require.NoError(t, err)

	cfg, err = r.EffectiveConfig(ctx, "regional-1")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Vienna", cfg["timezone"], "ancestor version bump must invalidate the memo")
}

func TestAPIKeyRoundTrip(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, m.CreateTenant(ctx, &Tenant{TenantID: "t1", Name: "Hotel Demo", Status: "ACTIVE"}))

	_, fullKey, err := m.CreateAPIKey(ctx, "t1", "ops key", []string{"pms:read"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fullKey, "vh_"))

	tenant, err := m.ValidateAPIKey(ctx, fullKey)
	require.NoError(t, err)
	assert.Equal(t, "t1", tenant.TenantID)

	_, err = m.ValidateAPIKey(ctx, "vh_deadbeef.badsecret")
	assert.Equal(t, errdefs.KindAuth, errdefs.KindOf(err))

	_, err = m.ValidateAPIKey(ctx, "sk_wrong_prefix.key")
	assert.Equal(t, errdefs.KindAuth, errdefs.KindOf(err))
}

func TestChainOpExecutesTargetsWithExclusions(t *testing.T) {
	m := NewManager(NewMemoryStore())
	seedChain(t, m)
	ctx := context.Background()
	for _, id := range []string{"hotel-a", "hotel-b", "hotel-c"} {
		require.NoError(t, m.AddProperty(ctx, &Property{
			PropertyID: id, ChainID: "chain-1", ParentPropertyID: "regional-1", Type: "hotel",
		}))
	}

	var touched stringCollector
	e := NewChainOpExecutor(m, 2)
	e.RegisterHandler(OpConfigUpdate, func(ctx context.Context, p *Property, op *ChainOperation) error {
		touched.add(p.PropertyID)
		return nil
	})

	progress, err := e.Execute(ctx, &ChainOperation{
		ChainID:     "chain-1",
		Type:        OpConfigUpdate,
		TargetTypes: []string{"hotel"},
		Exclusions:  []string{"hotel-b"},
	})
	require.NoError(t, err)
	assert.Equal(t, OpCompleted, progress.Status)
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 100.0, progress.PercentComplete)
	assert.ElementsMatch(t, []string{"hotel-a", "hotel-c"}, touched.items())
}

func TestChainOpRecordsFailures(t *testing.T) {
	m := NewManager(NewMemoryStore())
	seedChain(t, m)
	ctx := context.Background()

	e := NewChainOpExecutor(m, 1)
	e.RegisterHandler(OpDeploy, func(ctx context.Context, p *Property, op *ChainOperation) error {
		if p.PropertyID == "regional-1" {
			return errdefs.Transient("deploy failed", nil)
		}
		return nil
	})

	progress, err := e.Execute(ctx, &ChainOperation{ChainID: "chain-1", Type: OpDeploy})
	require.NoError(t, err)
	assert.Equal(t, OpCompletedWithError, progress.Status)
	assert.Equal(t, 1, progress.Failed)
}

func TestChainOpCancelSkipsQueued(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, m.store.CreateChain(ctx, &Chain{ChainID: "c", Code: "C"}))
	require.NoError(t, m.AddProperty(ctx, &Property{PropertyID: "root", ChainID: "c"}))
	for _, id := range []string{"h1", "h2", "h3", "h4"} {
		require.NoError(t, m.AddProperty(ctx, &Property{
			PropertyID: id, ChainID: "c", ParentPropertyID: "root", Type: "hotel",
		}))
	}

	var started atomic.Int64
	release := make(chan struct{})
	e := NewChainOpExecutor(m, 1)
	e.RegisterHandler(OpMaintenance, func(ctx context.Context, p *Property, op *ChainOperation) error {
		if started.Add(1) == 1 {
			<-release
		}
		return nil
	})

	op := &ChainOperation{OpID: "op-cancel", ChainID: "c", Type: OpMaintenance, TargetTypes: []string{"hotel"}}
	done := make(chan *OpProgress, 1)
	go func() {
		progress, err := e.Execute(ctx, op)
		assert.NoError(t, err)
		done <- progress
	}()

	// Wait for the first handler to be in flight, then cancel.
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.Cancel("op-cancel"))
	close(release)

	progress := <-done
	assert.Equal(t, OpCancelled, progress.Status)
	assert.Equal(t, int64(1), started.Load(), "queued targets must be skipped")
	skipped := 0
	for _, r := range progress.Results {
		if !r.Success {
			skipped++
		}
	}
	assert.Equal(t, 3, skipped)
}

// stringCollector gathers strings from concurrent handlers.
type stringCollector struct {
	mu sync.Mutex
	v  []string
}

func (s *stringCollector) add(x string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = append(s.v, x)
}

func (s *stringCollector) items() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.v...)
}
