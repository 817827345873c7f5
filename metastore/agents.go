package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Agent is a reusable chat persona. Collections is the allow-list of
// collection names to search; empty means search all.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	SystemPrompt string   `json:"system_prompt"`
	Collections  []string `json:"collections"`
	Temperature  float64  `json:"temperature"`
	TopK         int      `json:"top_k"`
	Icon         string   `json:"icon,omitempty"`
	MultiQuery   bool     `json:"multi_query"`
	CreatedAt    string   `json:"created_at"`
}

// CreateAgent stores a new agent and returns it with its assigned ID.
func (s *Store) CreateAgent(ctx context.Context, a Agent) (*Agent, error) {
	collections, err := json.Marshal(emptyList(a.Collections))
	if err != nil {
		return nil, fmt.Errorf("encoding agent collections: %w", err)
	}

	a.ID = uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, system_prompt, collections, temperature, top_k, icon, multi_query)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Name, a.SystemPrompt, string(collections),
		a.Temperature, a.TopK, a.Icon, boolInt(a.MultiQuery)); err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	return s.GetAgent(ctx, a.ID)
}

// GetAgent retrieves one agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a := &Agent{}
	var collections string
	var multiQuery int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, system_prompt, collections, temperature, top_k, icon, multi_query, created_at
		FROM agents WHERE id = ?
	`, id).Scan(&a.ID, &a.Name, &a.SystemPrompt, &collections,
		&a.Temperature, &a.TopK, &a.Icon, &multiQuery, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent: %w", err)
	}

	if err := json.Unmarshal([]byte(collections), &a.Collections); err != nil {
		return nil, fmt.Errorf("decoding agent collections: %w", err)
	}
	a.MultiQuery = multiQuery != 0
	return a, nil
}

// ListAgents returns all agents, newest first.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, system_prompt, collections, temperature, top_k, icon, multi_query, created_at
		FROM agents ORDER BY created_at DESC, rowid DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		var collections string
		var multiQuery int
		if err := rows.Scan(&a.ID, &a.Name, &a.SystemPrompt, &collections,
			&a.Temperature, &a.TopK, &a.Icon, &multiQuery, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		if err := json.Unmarshal([]byte(collections), &a.Collections); err != nil {
			return nil, fmt.Errorf("decoding agent collections: %w", err)
		}
		a.MultiQuery = multiQuery != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgent replaces an agent's mutable fields.
func (s *Store) UpdateAgent(ctx context.Context, a Agent) error {
	collections, err := json.Marshal(emptyList(a.Collections))
	if err != nil {
		return fmt.Errorf("encoding agent collections: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, system_prompt = ?, collections = ?,
			temperature = ?, top_k = ?, icon = ?, multi_query = ?
		WHERE id = ?
	`, a.Name, a.SystemPrompt, string(collections),
		a.Temperature, a.TopK, a.Icon, boolInt(a.MultiQuery), a.ID)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}
	return requireRow(res, ErrAgentNotFound)
}

// DeleteAgent removes an agent. Sessions referencing it keep their
// agent_id; lookups of a deleted agent fall back to defaults.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	return requireRow(res, ErrAgentNotFound)
}

func emptyList(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
