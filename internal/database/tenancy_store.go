package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/voicehive/backend/internal/tenancy"
)

// The Store satisfies tenancy.Store.

func (s *Store) GetTenant(ctx context.Context, tenantID string) (*tenancy.Tenant, error) {
	row := s.pool.DB().QueryRowContext(ctx,
		`SELECT tenant_id, name, tier, status, limits, chain_ref, created_at
		 FROM tenants WHERE tenant_id = $1`, tenantID)

	var (
		t         tenancy.Tenant
		limits    []byte
		chainRef  sql.NullString
		createdAt time.Time
	)
	err := row.Scan(&t.TenantID, &t.Name, &t.Tier, &t.Status, &limits, &chainRef, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapQueryErr("get tenant", err)
	}
	if err := scanJSON(limits, &t.Limits); err != nil {
		return nil, err
	}
	t.ChainRef = chainRef.String
	t.CreatedAt = createdAt
	return &t, nil
}

func (s *Store) CreateTenant(ctx context.Context, t *tenancy.Tenant) error {
	limits, err := jsonArg(t.Limits)
	if err != nil {
		return err
	}
	_, err = s.pool.DB().ExecContext(ctx,
		`INSERT INTO tenants (tenant_id, name, tier, status, limits, chain_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.TenantID, t.Name, t.Tier, t.Status, limits, nullStr(t.ChainRef), t.CreatedAt)
	if err != nil {
		return mapQueryErr("create tenant", err)
	}
	return nil
}

func (s *Store) UpdateTenant(ctx context.Context, t *tenancy.Tenant) error {
	limits, err := jsonArg(t.Limits)
	if err != nil {
		return err
	}
	_, err = s.pool.DB().ExecContext(ctx,
		`UPDATE tenants SET name = $2, tier = $3, status = $4, limits = $5, chain_ref = $6
		 WHERE tenant_id = $1`,
		t.TenantID, t.Name, t.Tier, t.Status, limits, nullStr(t.ChainRef))
	if err != nil {
		return mapQueryErr("update tenant", err)
	}
	return nil
}

func (s *Store) GetChain(ctx context.Context, chainID string) (*tenancy.Chain, error) {
	return s.scanChain(s.pool.DB().QueryRowContext(ctx,
		`SELECT chain_id, code, hq_property_id, tier, policies FROM chains WHERE chain_id = $1`,
		chainID))
}

func (s *Store) GetChainByCode(ctx context.Context, code string) (*tenancy.Chain, error) {
	return s.scanChain(s.pool.DB().QueryRowContext(ctx,
		`SELECT chain_id, code, hq_property_id, tier, policies FROM chains WHERE code = $1`,
		code))
}

func (s *Store) scanChain(row *sql.Row) (*tenancy.Chain, error) {
	var (
		c        tenancy.Chain
		hq       sql.NullString
		policies []byte
	)
	err := row.Scan(&c.ChainID, &c.Code, &hq, &c.Tier, &policies)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapQueryErr("get chain", err)
	}
	if err := scanJSON(policies, &c.Policies); err != nil {
		return nil, err
	}
	c.HQPropertyID = hq.String
	return &c, nil
}

func (s *Store) CreateChain(ctx context.Context, c *tenancy.Chain) error {
	policies, err := jsonArg(c.Policies)
	if err != nil {
		return err
	}
	_, err = s.pool.DB().ExecContext(ctx,
		`INSERT INTO chains (chain_id, code, hq_property_id, tier, policies)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.ChainID, c.Code, nullStr(c.HQPropertyID), c.Tier, policies)
	if err != nil {
		return mapQueryErr("create chain", err)
	}
	return nil
}

const propertyColumns = `property_id, chain_id, parent_property_id, level, type, status,
	inheritance, inherited_keys, local_config, local_overrides, config_version`

func (s *Store) GetProperty(ctx context.Context, propertyID string) (*tenancy.Property, error) {
	row := s.pool.DB().QueryRowContext(ctx,
		`SELECT `+propertyColumns+` FROM properties WHERE property_id = $1`, propertyID)
	p, err := scanProperty(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapQueryErr("get property", err)
	}
	return p, nil
}

func (s *Store) CreateProperty(ctx context.Context, p *tenancy.Property) error {
	return s.writeProperty(ctx, p,
		`INSERT INTO properties (`+propertyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, "create property")
}

func (s *Store) UpdateProperty(ctx context.Context, p *tenancy.Property) error {
	return s.writeProperty(ctx, p,
		`UPDATE properties SET chain_id = $2, parent_property_id = $3, level = $4,
			type = $5, status = $6, inheritance = $7, inherited_keys = $8,
			local_config = $9, local_overrides = $10, config_version = $11
		 WHERE property_id = $1`, "update property")
}

func (s *Store) writeProperty(ctx context.Context, p *tenancy.Property, query, op string) error {
	keys, err := jsonArg(p.InheritedKeys)
	if err != nil {
		return err
	}
	local, err := jsonArg(p.LocalConfig)
	if err != nil {
		return err
	}
	overrides, err := jsonArg(p.LocalOverrides)
	if err != nil {
		return err
	}
	_, err = s.pool.DB().ExecContext(ctx, query,
		p.PropertyID, p.ChainID, nullStr(p.ParentPropertyID), p.Level, p.Type, p.Status,
		string(p.Inheritance), keys, local, overrides, p.ConfigVersion)
	if err != nil {
		return mapQueryErr(op, err)
	}
	return nil
}

func (s *Store) ListChildren(ctx context.Context, propertyID string) ([]*tenancy.Property, error) {
	return s.queryProperties(ctx,
		`SELECT `+propertyColumns+` FROM properties WHERE parent_property_id = $1`, propertyID)
}

func (s *Store) ListChainProperties(ctx context.Context, chainID string) ([]*tenancy.Property, error) {
	return s.queryProperties(ctx,
		`SELECT `+propertyColumns+` FROM properties WHERE chain_id = $1 ORDER BY level`, chainID)
}

func (s *Store) queryProperties(ctx context.Context, query string, arg interface{}) ([]*tenancy.Property, error) {
	rows, err := s.pool.DB().QueryContext(ctx, query, arg)
	if err != nil {
		return nil, mapQueryErr("list properties", err)
	}
	defer rows.Close()

	var out []*tenancy.Property
	for rows.Next() {
		p, err := scanProperty(rows.Scan)
		if err != nil {
			return nil, mapQueryErr("scan property", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapQueryErr("list properties", err)
	}
	return out, nil
}

func scanProperty(scan func(...interface{}) error) (*tenancy.Property, error) {
	var (
		p           tenancy.Property
		parent      sql.NullString
		inheritance string
		keys        []byte
		local       []byte
		overrides   []byte
	)
	err := scan(&p.PropertyID, &p.ChainID, &parent, &p.Level, &p.Type, &p.Status,
		&inheritance, &keys, &local, &overrides, &p.ConfigVersion)
	if err != nil {
		return nil, err
	}
	if err := scanJSON(keys, &p.InheritedKeys); err != nil {
		return nil, err
	}
	if err := scanJSON(local, &p.LocalConfig); err != nil {
		return nil, err
	}
	if err := scanJSON(overrides, &p.LocalOverrides); err != nil {
		return nil, err
	}
	p.ParentPropertyID = parent.String
	p.Inheritance = tenancy.InheritanceMode(inheritance)
	return &p, nil
}

func (s *Store) GetAPIKey(ctx context.Context, keyID string) (*tenancy.APIKey, error) {
	row := s.pool.DB().QueryRowContext(ctx,
		`SELECT key_id, tenant_id, name, key_hash, scopes, is_active, expires_at, created_at
		 FROM api_keys WHERE key_id = $1`, keyID)

	var (
		k       tenancy.APIKey
		scopes  []byte
		expires sql.NullTime
	)
	err := row.Scan(&k.KeyID, &k.TenantID, &k.Name, &k.KeyHash, &scopes, &k.IsActive, &expires, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapQueryErr("get api key", err)
	}
	if err := scanJSON(scopes, &k.Scopes); err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		k.ExpiresAt = &t
	}
	return &k, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, k *tenancy.APIKey) error {
	scopes, err := jsonArg(k.Scopes)
	if err != nil {
		return err
	}
	_, err = s.pool.DB().ExecContext(ctx,
		`INSERT INTO api_keys (key_id, tenant_id, name, key_hash, scopes, is_active, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		k.KeyID, k.TenantID, k.Name, k.KeyHash, scopes, k.IsActive, k.ExpiresAt, k.CreatedAt)
	if err != nil {
		return mapQueryErr("create api key", err)
	}
	return nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
