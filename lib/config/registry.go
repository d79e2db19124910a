// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/quorumhq/quorum/lib/session"
)

// Project defines where an agent process runs: working directory and
// environment. The core treats these as opaque spawn inputs.
type Project struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	WorkingDirectory string            `json:"working_directory"`
	Env              map[string]string `json:"env,omitempty"`
}

// Agent defines model and budget configuration for one agent identity.
type Agent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Model string `json:"model,omitempty"`

	// MaxCostUSD caps cumulative session cost. Zero means no cap.
	MaxCostUSD float64 `json:"max_cost_usd,omitempty"`

	// MaxDuration caps session wall-clock time, as a Go duration
	// string ("30m", "2h"). Empty means no cap.
	MaxDuration string `json:"max_duration,omitempty"`
}

// Registry is the parsed project/agent registry. Read-only after load.
// It implements session.Catalog.
type Registry struct {
	projects map[string]Project
	agents   map[string]Agent
}

// registryFile is the on-disk JSONC shape.
type registryFile struct {
	Projects []Project `json:"projects"`
	Agents   []Agent   `json:"agents"`
}

// LoadRegistry parses a JSONC registry file. Comments and trailing
// commas are stripped before JSON decoding.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry %s: %w", path, err)
	}
	return ParseRegistry(data)
}

// ParseRegistry parses JSONC registry bytes.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return nil, fmt.Errorf("parsing registry: %w", err)
	}

	registry := &Registry{
		projects: make(map[string]Project, len(file.Projects)),
		agents:   make(map[string]Agent, len(file.Agents)),
	}
	for _, project := range file.Projects {
		if project.ID == "" {
			return nil, fmt.Errorf("registry: project with empty id")
		}
		if project.WorkingDirectory == "" {
			return nil, fmt.Errorf("registry: project %q: working_directory is required", project.ID)
		}
		if _, exists := registry.projects[project.ID]; exists {
			return nil, fmt.Errorf("registry: duplicate project id %q", project.ID)
		}
		registry.projects[project.ID] = project
	}
	for _, agent := range file.Agents {
		if agent.ID == "" {
			return nil, fmt.Errorf("registry: agent with empty id")
		}
		if _, exists := registry.agents[agent.ID]; exists {
			return nil, fmt.Errorf("registry: duplicate agent id %q", agent.ID)
		}
		if agent.MaxDuration != "" {
			if _, err := time.ParseDuration(agent.MaxDuration); err != nil {
				return nil, fmt.Errorf("registry: agent %q: invalid max_duration: %w", agent.ID, err)
			}
		}
		registry.agents[agent.ID] = agent
	}
	return registry, nil
}

// Project looks up a project by id.
func (r *Registry) Project(id string) (Project, error) {
	project, ok := r.projects[id]
	if !ok {
		return Project{}, fmt.Errorf("unknown project %q", id)
	}
	return project, nil
}

// Agent looks up an agent by id.
func (r *Registry) Agent(id string) (Agent, error) {
	agent, ok := r.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("unknown agent %q", id)
	}
	return agent, nil
}

// AgentIDs returns all registered agent ids, sorted.
func (r *Registry) AgentIDs() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve implements session.Catalog: it combines a project and an
// agent into the spawn specification for one session process.
func (r *Registry) Resolve(projectID, agentID string) (session.SpawnSpec, error) {
	project, err := r.Project(projectID)
	if err != nil {
		return session.SpawnSpec{}, err
	}
	agent, err := r.Agent(agentID)
	if err != nil {
		return session.SpawnSpec{}, err
	}

	env := make([]string, 0, len(project.Env))
	for key, value := range project.Env {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)

	spec := session.SpawnSpec{
		WorkingDirectory: project.WorkingDirectory,
		Env:              env,
		Model:            agent.Model,
		Limits:           session.Limits{MaxCostUSD: agent.MaxCostUSD},
	}
	if agent.MaxDuration != "" {
		// Validated at load time.
		spec.Limits.MaxDuration, _ = time.ParseDuration(agent.MaxDuration)
	}
	return spec, nil
}
