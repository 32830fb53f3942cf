// Package skills resolves named skill profiles: a system prompt plus the
// tool names, retrieval flag, and tool-server bindings a conversation runs
// with. Builtin profiles ship in code; stored rows override them.
package skills

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/haasonsaas/maestro/internal/store"
	"github.com/haasonsaas/maestro/pkg/models"
)

// ErrUnknownSkill is returned when a requested skill exists neither in the
// store nor among the builtins.
var ErrUnknownSkill = errors.New("unknown skill")

// Profile is a resolved skill.
type Profile struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	SystemPrompt string   `json:"system_prompt"`
	ToolNames    []string `json:"tool_names,omitempty"`
	RAGEnabled   bool     `json:"rag_enabled"`
	ServerIDs    []string `json:"server_ids,omitempty"`
	Builtin      bool     `json:"builtin"`
}

// SkillSource reads stored skill rows.
type SkillSource interface {
	GetSkill(ctx context.Context, ownerID int64, name string) (*models.Skill, error)
	ListSkills(ctx context.Context, ownerID int64) ([]*models.Skill, error)
}

var builtins = map[string]Profile{
	"default_assistant": {
		Name:         "default_assistant",
		Description:  "General-purpose assistant with the builtin tool set.",
		SystemPrompt: "You are a helpful, accurate assistant. Use the available tools when they improve your answer, and say so when you are unsure.",
		ToolNames:    []string{"get_current_time", "calculate"},
		Builtin:      true,
	},
	"coder": {
		Name:         "coder",
		Description:  "Software engineering assistant.",
		SystemPrompt: "You are an expert software engineer. Give working, idiomatic code with brief explanations. Prefer small focused examples over long prose.",
		ToolNames:    []string{"calculate"},
		RAGEnabled:   true,
		Builtin:      true,
	},
}

// Service resolves skills, preferring the owner's stored row, then a shared
// row, then the builtin profile.
type Service struct {
	source SkillSource
}

// NewService wires a resolver over the store.
func NewService(source SkillSource) *Service {
	return &Service{source: source}
}

// Get resolves one skill by name.
func (s *Service) Get(ctx context.Context, ownerID int64, name string) (*Profile, error) {
	row, err := s.source.GetSkill(ctx, ownerID, name)
	if err == nil {
		profile := fromRow(row)
		return &profile, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load skill %s: %w", name, err)
	}
	if builtin, ok := builtins[name]; ok {
		return &builtin, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSkill, name)
}

// List returns every skill visible to the owner: stored rows plus the
// builtins they do not shadow, sorted by name.
func (s *Service) List(ctx context.Context, ownerID int64) ([]Profile, error) {
	rows, err := s.source.ListSkills(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}

	// Owner rows shadow shared rows, which shadow builtins.
	byName := make(map[string]Profile)
	for name, builtin := range builtins {
		byName[name] = builtin
	}
	for _, row := range rows {
		if row.OwnerID == 0 {
			byName[row.Name] = fromRow(row)
		}
	}
	for _, row := range rows {
		if row.OwnerID == ownerID && ownerID != 0 {
			byName[row.Name] = fromRow(row)
		}
	}

	out := make([]Profile, 0, len(byName))
	for _, profile := range byName {
		out = append(out, profile)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func fromRow(row *models.Skill) Profile {
	return Profile{
		Name:         row.Name,
		Description:  row.Description,
		SystemPrompt: row.SystemPrompt,
		ToolNames:    row.ToolNames,
		RAGEnabled:   row.RAGEnabled,
		ServerIDs:    row.ServerIDs,
	}
}
