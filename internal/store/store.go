// Package store persists conversations, messages, skills, tool servers,
// retrieval documents, and request metrics. Three implementations share one
// interface: an in-memory map store, and a database/sql store opened against
// sqlite or postgres.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/maestro/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist or is
// soft-deleted. Callers that treat absence as a normal condition must check
// for it with errors.Is.
var ErrNotFound = errors.New("record not found")

// Store is the persistence boundary of the engine. All reads are scoped to
// an owner; soft-deleted rows are invisible to every method.
type Store interface {
	// Conversations.
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, ownerID int64, conversationID string) (*models.Conversation, error)
	UpdateConversation(ctx context.Context, conv *models.Conversation) error
	ListConversations(ctx context.Context, ownerID int64, limit int) ([]*models.Conversation, error)
	DeleteConversation(ctx context.Context, ownerID int64, conversationID string) error

	// Messages append in run order within a conversation.
	AppendMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, ownerID int64, conversationID string, limit int) ([]*models.Message, error)

	// Skills. OwnerID 0 marks a shared row.
	UpsertSkill(ctx context.Context, skill *models.Skill) error
	GetSkill(ctx context.Context, ownerID int64, name string) (*models.Skill, error)
	ListSkills(ctx context.Context, ownerID int64) ([]*models.Skill, error)

	// Remote tool servers.
	UpsertToolServer(ctx context.Context, server *models.ToolServer) error
	GetToolServer(ctx context.Context, ownerID int64, serverID string) (*models.ToolServer, error)
	ListToolServers(ctx context.Context, ownerID int64) ([]*models.ToolServer, error)

	// Retrieval documents and their embedded chunks.
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, ownerID int64, docID string) (*models.Document, error)
	ListDocuments(ctx context.Context, ownerID int64, limit int) ([]*models.Document, error)
	DeleteDocument(ctx context.Context, ownerID int64, docID string) error
	InsertChunks(ctx context.Context, chunks []*models.DocumentChunk) error
	ListChunks(ctx context.Context, ownerID int64, limit int) ([]*models.DocumentChunk, error)
	DeleteChunks(ctx context.Context, ownerID int64, docID string) error

	// Request metrics. One row per chat run.
	RecordMetric(ctx context.Context, metric *models.RequestMetric) error
	RecentMetrics(ctx context.Context, ownerID int64, limit int) ([]*models.RequestMetric, error)
	MetricsSince(ctx context.Context, ownerID int64, since time.Time) ([]*models.RequestMetric, error)

	Close() error
}
