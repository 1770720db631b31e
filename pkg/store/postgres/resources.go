package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratumhq/stratum/pkg/models"
	"github.com/stratumhq/stratum/pkg/store"
)

// ResourceStore persists agent/function/skill definitions as JSONB documents
// keyed by (namespace, name). The definition column holds the full record;
// the key columns exist for lookup and upsert only.
type ResourceStore struct {
	pool *pgxpool.Pool
}

var _ store.ResourceStore = (*ResourceStore)(nil)

// NewResourceStore creates a resource store on the given pool.
func NewResourceStore(pool *pgxpool.Pool) *ResourceStore {
	return &ResourceStore{pool: pool}
}

func (s *ResourceStore) getDefinition(ctx context.Context, table, namespace, name string, dst any) error {
	query := fmt.Sprintf(
		`SELECT definition FROM %s WHERE namespace = $1 AND name = $2`, table)
	var raw []byte
	if err := s.pool.QueryRow(ctx, query, namespace, name).Scan(&raw); err != nil {
		return mapErr(err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode %s definition %s/%s: %w", table, namespace, name, err)
	}
	return nil
}

func (s *ResourceStore) putDefinition(ctx context.Context, table, namespace, name string, src any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("failed to encode %s definition %s/%s: %w", table, namespace, name, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, name, definition)
		VALUES ($1, $2, $3)
		ON CONFLICT (namespace, name)
		DO UPDATE SET definition = EXCLUDED.definition, updated_at = now()`, table)
	_, err = s.pool.Exec(ctx, query, namespace, name, raw)
	return mapErr(err)
}

func (s *ResourceStore) GetAgent(ctx context.Context, namespace, name string) (*models.Agent, error) {
	var agent models.Agent
	if err := s.getDefinition(ctx, "agents", namespace, name, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *ResourceStore) GetFunction(ctx context.Context, namespace, name string) (*models.Function, error) {
	var fn models.Function
	if err := s.getDefinition(ctx, "functions", namespace, name, &fn); err != nil {
		return nil, err
	}
	return &fn, nil
}

func (s *ResourceStore) GetSkill(ctx context.Context, namespace, name string) (*models.Skill, error) {
	var skill models.Skill
	if err := s.getDefinition(ctx, "skills", namespace, name, &skill); err != nil {
		return nil, err
	}
	return &skill, nil
}

func (s *ResourceStore) PutAgent(ctx context.Context, agent *models.Agent) error {
	return s.putDefinition(ctx, "agents", agent.Namespace, agent.Name, agent)
}

func (s *ResourceStore) PutFunction(ctx context.Context, fn *models.Function) error {
	return s.putDefinition(ctx, "functions", fn.Namespace, fn.Name, fn)
}

func (s *ResourceStore) PutSkill(ctx context.Context, skill *models.Skill) error {
	return s.putDefinition(ctx, "skills", skill.Namespace, skill.Name, skill)
}
