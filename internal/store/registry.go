package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/nuka-rag/internal/registry"
)

const providerColumns = `id, name, base_url, secret_ref, is_active, config, created_at, updated_at`

const modelColumns = `id, name, provider_id, model_type, capabilities, context_window, status,
	is_default, input_cost_per_1k, output_cost_per_1k, config, created_at, updated_at`

func scanProvider(row pgx.Row) (*registry.Provider, error) {
	var (
		p          registry.Provider
		configJSON []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.BaseURL, &p.SecretRef, &p.Active,
		&configJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configJSON, &p.Config); err != nil {
		return nil, fmt.Errorf("decode provider %s config: %w", p.ID, err)
	}
	return &p, nil
}

func scanModel(row pgx.Row) (*registry.Model, error) {
	var (
		m                    registry.Model
		mtype, status        string
		capsJSON, configJSON []byte
	)
	if err := row.Scan(&m.ID, &m.Name, &m.ProviderID, &mtype, &capsJSON, &m.ContextWindow,
		&status, &m.IsDefault, &m.InputCostPer1K, &m.OutputCostPer1K, &configJSON,
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Type = registry.ModelType(mtype)
	m.Status = registry.ModelStatus(status)
	if err := json.Unmarshal(capsJSON, &m.Capabilities); err != nil {
		return nil, fmt.Errorf("decode model %s capabilities: %w", m.ID, err)
	}
	if err := json.Unmarshal(configJSON, &m.Config); err != nil {
		return nil, fmt.Errorf("decode model %s config: %w", m.ID, err)
	}
	return &m, nil
}

// GetProvider returns a provider by id.
func (s *Store) GetProvider(ctx context.Context, id string) (*registry.Provider, error) {
	p, err := scanProvider(s.db.QueryRow(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err, "provider "+id)
	}
	return p, nil
}

// GetModelByName returns a model by its unique name.
func (s *Store) GetModelByName(ctx context.Context, name string) (*registry.Model, error) {
	m, err := scanModel(s.db.QueryRow(ctx,
		`SELECT `+modelColumns+` FROM models WHERE name=$1`, name))
	if err != nil {
		return nil, notFound(err, "model "+name)
	}
	return m, nil
}

// GetDefaultModel returns the default model of a type.
func (s *Store) GetDefaultModel(ctx context.Context, t registry.ModelType) (*registry.Model, error) {
	m, err := scanModel(s.db.QueryRow(ctx,
		`SELECT `+modelColumns+` FROM models WHERE model_type=$1 AND is_default`, string(t)))
	if err != nil {
		return nil, notFound(err, "default "+string(t)+" model")
	}
	return m, nil
}

// ListMappings returns the parameter mappings of one model.
func (s *Store) ListMappings(ctx context.Context, modelID string) ([]registry.ParameterMapping, error) {
	rows, err := s.db.Query(ctx,
		`SELECT model_id, unified_param, provider_param, transform
		 FROM parameter_mappings WHERE model_id=$1 ORDER BY unified_param`, modelID)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()

	var out []registry.ParameterMapping
	for rows.Next() {
		var (
			m         registry.ParameterMapping
			transform string
		)
		if err := rows.Scan(&m.ModelID, &m.UnifiedParam, &m.ProviderParam, &transform); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		m.Transform = registry.TransformKind(transform)
		out = append(out, m)
	}
	return out, rows.Err()
}

func upsertProvider(ctx context.Context, tx pgx.Tx, p *registry.Provider) error {
	configJSON, err := json.Marshal(nonNilMap(p.Config))
	if err != nil {
		return fmt.Errorf("encode provider config: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO providers (id, name, base_url, secret_ref, is_active, config)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			base_url = EXCLUDED.base_url,
			secret_ref = EXCLUDED.secret_ref,
			is_active = EXCLUDED.is_active,
			config = EXCLUDED.config,
			updated_at = NOW()`,
		p.ID, p.Name, p.BaseURL, p.SecretRef, p.Active, configJSON)
	if err != nil {
		return fmt.Errorf("upsert provider %s: %w", p.ID, err)
	}
	return nil
}

func upsertModel(ctx context.Context, tx pgx.Tx, m *registry.Model) error {
	caps := m.Capabilities
	if caps == nil {
		caps = []string{}
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("encode model capabilities: %w", err)
	}
	configJSON, err := json.Marshal(nonNilMap(m.Config))
	if err != nil {
		return fmt.Errorf("encode model config: %w", err)
	}
	if m.IsDefault {
		if _, err := tx.Exec(ctx,
			`UPDATE models SET is_default=false WHERE model_type=$1 AND is_default AND id<>$2`,
			string(m.Type), m.ID); err != nil {
			return fmt.Errorf("clear defaults: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO models (id, name, provider_id, model_type, capabilities, context_window, status,
			is_default, input_cost_per_1k, output_cost_per_1k, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			provider_id = EXCLUDED.provider_id,
			model_type = EXCLUDED.model_type,
			capabilities = EXCLUDED.capabilities,
			context_window = EXCLUDED.context_window,
			status = EXCLUDED.status,
			is_default = EXCLUDED.is_default,
			input_cost_per_1k = EXCLUDED.input_cost_per_1k,
			output_cost_per_1k = EXCLUDED.output_cost_per_1k,
			config = EXCLUDED.config,
			updated_at = NOW()`,
		m.ID, m.Name, m.ProviderID, string(m.Type), capsJSON, m.ContextWindow, string(m.Status),
		m.IsDefault, m.InputCostPer1K, m.OutputCostPer1K, configJSON)
	if err != nil {
		return fmt.Errorf("upsert model %s: %w", m.ID, err)
	}
	return nil
}

func replaceMappings(ctx context.Context, tx pgx.Tx, modelID string, mappings []registry.ParameterMapping) error {
	if _, err := tx.Exec(ctx, `DELETE FROM parameter_mappings WHERE model_id=$1`, modelID); err != nil {
		return fmt.Errorf("clear mappings: %w", err)
	}
	batch := &pgx.Batch{}
	for _, m := range mappings {
		batch.Queue(`INSERT INTO parameter_mappings (model_id, unified_param, provider_param, transform)
			VALUES ($1, $2, $3, $4)`, modelID, m.UnifiedParam, m.ProviderParam, string(m.Transform))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert mappings: %w", err)
	}
	return nil
}

// SaveProvider inserts or updates a provider.
func (s *Store) SaveProvider(ctx context.Context, p *registry.Provider) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return upsertProvider(ctx, tx, p)
	})
}

// SaveModel inserts or updates a model. A default model replaces the
// previous default of its type in the same transaction.
func (s *Store) SaveModel(ctx context.Context, m *registry.Model) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return upsertModel(ctx, tx, m)
	})
}

// SaveMappings replaces the mapping set of one model.
func (s *Store) SaveMappings(ctx context.Context, modelID string, mappings []registry.ParameterMapping) error {
	if err := registry.ValidateMappings(mappings); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return replaceMappings(ctx, tx, modelID, mappings)
	})
}

// SetDefaultModel makes one model the default of its type (mutually
// exclusive per type).
func (s *Store) SetDefaultModel(ctx context.Context, id string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var mtype string
	if err := tx.QueryRow(ctx, `SELECT model_type FROM models WHERE id=$1 FOR UPDATE`, id).Scan(&mtype); err != nil {
		return notFound(err, "model "+id)
	}
	if _, err := tx.Exec(ctx, `UPDATE models SET is_default=false WHERE model_type=$1 AND is_default`, mtype); err != nil {
		return fmt.Errorf("clear defaults: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE models SET is_default=true, updated_at=NOW() WHERE id=$1`, id); err != nil {
		return fmt.Errorf("set default: %w", err)
	}
	return tx.Commit(ctx)
}

// ImportSeed upserts a configuration snapshot in one transaction.
func (s *Store) ImportSeed(ctx context.Context, seed *registry.Seed) error {
	byModel := make(map[string][]registry.ParameterMapping)
	for _, m := range seed.Mappings {
		byModel[m.ModelID] = append(byModel[m.ModelID], m)
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		for i := range seed.Providers {
			if err := upsertProvider(ctx, tx, &seed.Providers[i]); err != nil {
				return err
			}
		}
		for i := range seed.Models {
			if err := upsertModel(ctx, tx, &seed.Models[i]); err != nil {
				return err
			}
		}
		for modelID, set := range byModel {
			if err := replaceMappings(ctx, tx, modelID, set); err != nil {
				return err
			}
		}
		return nil
	})
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
