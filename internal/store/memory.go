package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/maestro/pkg/models"
)

// MemoryStore is a mutex-guarded Store kept entirely in process memory. It
// backs tests and deployments that configure no database.
type MemoryStore struct {
	mu sync.RWMutex

	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	skills        []*models.Skill
	servers       []*models.ToolServer
	documents     map[string]*models.Document
	chunks        []*models.DocumentChunk
	metrics       []*models.RequestMetric

	nextID int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		documents:     make(map[string]*models.Document),
	}
}

func (s *MemoryStore) nextSequence() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *conv
	s.conversations[conv.ConversationID] = &clone
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, ownerID int64, conversationID string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok || conv.Deleted || conv.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

func (s *MemoryStore) UpdateConversation(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.conversations[conv.ConversationID]
	if !ok || current.Deleted || current.OwnerID != conv.OwnerID {
		return ErrNotFound
	}
	clone := *conv
	s.conversations[conv.ConversationID] = &clone
	return nil
}

func (s *MemoryStore) ListConversations(_ context.Context, ownerID int64, limit int) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Conversation
	for _, conv := range s.conversations {
		if conv.Deleted || conv.OwnerID != ownerID {
			continue
		}
		clone := *conv
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, ownerID int64, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok || conv.Deleted || conv.OwnerID != ownerID {
		return ErrNotFound
	}
	conv.Deleted = true
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *msg
	clone.ID = s.nextSequence()
	msg.ID = clone.ID
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &clone)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, ownerID int64, conversationID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Message
	for _, msg := range s.messages[conversationID] {
		if msg.Deleted || msg.OwnerID != ownerID {
			continue
		}
		clone := *msg
		out = append(out, &clone)
	}
	// Keep the most recent rows when over the cap; order stays oldest-first.
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) UpsertSkill(_ context.Context, skill *models.Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.skills {
		if existing.OwnerID == skill.OwnerID && existing.Name == skill.Name && !existing.Deleted {
			clone := *skill
			clone.ID = existing.ID
			s.skills[i] = &clone
			return nil
		}
	}
	clone := *skill
	clone.ID = s.nextSequence()
	skill.ID = clone.ID
	s.skills = append(s.skills, &clone)
	return nil
}

// GetSkill prefers the owner's row, then a shared row (owner 0).
func (s *MemoryStore) GetSkill(_ context.Context, ownerID int64, name string) (*models.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var shared *models.Skill
	for _, skill := range s.skills {
		if skill.Deleted || skill.Name != name {
			continue
		}
		if skill.OwnerID == ownerID {
			clone := *skill
			return &clone, nil
		}
		if skill.OwnerID == 0 && shared == nil {
			clone := *skill
			shared = &clone
		}
	}
	if shared != nil {
		return shared, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListSkills(_ context.Context, ownerID int64) ([]*models.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Skill
	for _, skill := range s.skills {
		if skill.Deleted || (skill.OwnerID != ownerID && skill.OwnerID != 0) {
			continue
		}
		clone := *skill
		out = append(out, &clone)
	}
	return out, nil
}

func (s *MemoryStore) UpsertToolServer(_ context.Context, server *models.ToolServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.servers {
		if existing.OwnerID == server.OwnerID && existing.ServerID == server.ServerID && !existing.Deleted {
			clone := *server
			clone.ID = existing.ID
			s.servers[i] = &clone
			return nil
		}
	}
	clone := *server
	clone.ID = s.nextSequence()
	server.ID = clone.ID
	s.servers = append(s.servers, &clone)
	return nil
}

// GetToolServer prefers the owner's row, then a shared row (owner 0).
func (s *MemoryStore) GetToolServer(_ context.Context, ownerID int64, serverID string) (*models.ToolServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var shared *models.ToolServer
	for _, server := range s.servers {
		if server.Deleted || server.ServerID != serverID {
			continue
		}
		if server.OwnerID == ownerID {
			clone := *server
			return &clone, nil
		}
		if server.OwnerID == 0 && shared == nil {
			clone := *server
			shared = &clone
		}
	}
	if shared != nil {
		return shared, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListToolServers(_ context.Context, ownerID int64) ([]*models.ToolServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ToolServer
	for _, server := range s.servers {
		if server.Deleted || (server.OwnerID != ownerID && server.OwnerID != 0) {
			continue
		}
		clone := *server
		out = append(out, &clone)
	}
	return out, nil
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *doc
	clone.ID = s.nextSequence()
	doc.ID = clone.ID
	s.documents[doc.DocID] = &clone
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, ownerID int64, docID string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[docID]
	if !ok || doc.Deleted || doc.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	clone := *doc
	return &clone, nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, ownerID int64, limit int) ([]*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Document
	for _, doc := range s.documents {
		if doc.Deleted || doc.OwnerID != ownerID {
			continue
		}
		clone := *doc
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, ownerID int64, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[docID]
	if !ok || doc.Deleted || doc.OwnerID != ownerID {
		return ErrNotFound
	}
	doc.Deleted = true
	return nil
}

func (s *MemoryStore) InsertChunks(_ context.Context, chunks []*models.DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range chunks {
		clone := *chunk
		clone.ID = s.nextSequence()
		chunk.ID = clone.ID
		s.chunks = append(s.chunks, &clone)
	}
	return nil
}

func (s *MemoryStore) ListChunks(_ context.Context, ownerID int64, limit int) ([]*models.DocumentChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.DocumentChunk
	for _, chunk := range s.chunks {
		if chunk.Deleted || chunk.OwnerID != ownerID {
			continue
		}
		clone := *chunk
		out = append(out, &clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteChunks(_ context.Context, ownerID int64, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range s.chunks {
		if chunk.OwnerID == ownerID && chunk.DocID == docID {
			chunk.Deleted = true
		}
	}
	return nil
}

func (s *MemoryStore) RecordMetric(_ context.Context, metric *models.RequestMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *metric
	clone.ID = s.nextSequence()
	metric.ID = clone.ID
	s.metrics = append(s.metrics, &clone)
	return nil
}

func (s *MemoryStore) RecentMetrics(_ context.Context, ownerID int64, limit int) ([]*models.RequestMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.RequestMetric
	for i := len(s.metrics) - 1; i >= 0; i-- {
		metric := s.metrics[i]
		if metric.OwnerID != ownerID {
			continue
		}
		clone := *metric
		out = append(out, &clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MetricsSince(_ context.Context, ownerID int64, since time.Time) ([]*models.RequestMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.RequestMetric
	for _, metric := range s.metrics {
		if metric.OwnerID != ownerID || metric.CreatedAt.Before(since) {
			continue
		}
		clone := *metric
		out = append(out, &clone)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
