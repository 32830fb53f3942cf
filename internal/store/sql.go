package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/maestro/pkg/models"
)

// Dialect selects placeholder style and DDL variants.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore is a Store backed by database/sql. Queries are written with ?
// placeholders and rebound for postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			owner_id BIGINT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			skill_name TEXT NOT NULL DEFAULT '',
			memory_json TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id %s,
			conversation_id TEXT NOT NULL,
			owner_id BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_calls_json TEXT NOT NULL DEFAULT '[]',
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			token_usage_json TEXT NOT NULL DEFAULT '{}',
			extra_json TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS skills (
			id %s,
			owner_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			tool_names_json TEXT NOT NULL DEFAULT '[]',
			rag_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			server_ids_json TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (owner_id, name)
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tool_servers (
			id %s,
			server_id TEXT NOT NULL,
			owner_id BIGINT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			transport TEXT NOT NULL DEFAULT 'http',
			endpoint TEXT NOT NULL DEFAULT '',
			timeout_seconds INTEGER NOT NULL DEFAULT 30,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			tool_definitions_json TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (owner_id, server_id)
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			id %s,
			doc_id TEXT NOT NULL UNIQUE,
			owner_id BIGINT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			chunk_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			id %s,
			doc_id TEXT NOT NULL,
			owner_id BIGINT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding_json TEXT NOT NULL DEFAULT '[]',
			meta_json TEXT NOT NULL DEFAULT '{}',
			deleted BOOLEAN NOT NULL DEFAULT FALSE
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_chunks_owner ON document_chunks (owner_id, deleted)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS request_metrics (
			id %s,
			request_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			owner_id BIGINT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			stream BOOLEAN NOT NULL DEFAULT FALSE,
			success BOOLEAN NOT NULL DEFAULT FALSE,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			fallback_from TEXT NOT NULL DEFAULT '',
			fallback_chain_json TEXT NOT NULL DEFAULT '[]',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			usage_raw_json TEXT NOT NULL DEFAULT '{}',
			extra_json TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_metrics_owner_created ON request_metrics (owner_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func marshalJSON(v any) string {
	if v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func unmarshalJSON(data string, v any) {
	if data == "" || data == "null" {
		return
	}
	_ = json.Unmarshal([]byte(data), v)
}

func (s *SQLStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	return s.exec(ctx, `INSERT INTO conversations
		(conversation_id, owner_id, title, provider, model, system_prompt, skill_name, memory_json, created_at, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)`,
		conv.ConversationID, conv.OwnerID, conv.Title, conv.Provider, conv.Model,
		conv.SystemPrompt, conv.SkillName, marshalJSON(conv.Memory), conv.CreatedAt, conv.UpdatedAt)
}

func (s *SQLStore) GetConversation(ctx context.Context, ownerID int64, conversationID string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT conversation_id, owner_id, title, provider, model,
		system_prompt, skill_name, memory_json, created_at, updated_at
		FROM conversations WHERE conversation_id = ? AND owner_id = ? AND deleted = FALSE`),
		conversationID, ownerID)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	var conv models.Conversation
	var memoryJSON string
	err := row.Scan(&conv.ConversationID, &conv.OwnerID, &conv.Title, &conv.Provider, &conv.Model,
		&conv.SystemPrompt, &conv.SkillName, &memoryJSON, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	unmarshalJSON(memoryJSON, &conv.Memory)
	return &conv, nil
}

func (s *SQLStore) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE conversations SET
		title = ?, provider = ?, model = ?, system_prompt = ?, skill_name = ?, memory_json = ?, updated_at = ?
		WHERE conversation_id = ? AND owner_id = ? AND deleted = FALSE`),
		conv.Title, conv.Provider, conv.Model, conv.SystemPrompt, conv.SkillName,
		marshalJSON(conv.Memory), conv.UpdatedAt, conv.ConversationID, conv.OwnerID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListConversations(ctx context.Context, ownerID int64, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT conversation_id, owner_id, title, provider, model,
		system_prompt, skill_name, memory_json, created_at, updated_at
		FROM conversations WHERE owner_id = ? AND deleted = FALSE
		ORDER BY updated_at DESC LIMIT ?`), ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		var conv models.Conversation
		var memoryJSON string
		if err := rows.Scan(&conv.ConversationID, &conv.OwnerID, &conv.Title, &conv.Provider, &conv.Model,
			&conv.SystemPrompt, &conv.SkillName, &memoryJSON, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, err
		}
		unmarshalJSON(memoryJSON, &conv.Memory)
		out = append(out, &conv)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteConversation(ctx context.Context, ownerID int64, conversationID string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE conversations SET deleted = TRUE
		WHERE conversation_id = ? AND owner_id = ? AND deleted = FALSE`), conversationID, ownerID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	return s.exec(ctx, `INSERT INTO messages
		(conversation_id, owner_id, role, content, tool_name, tool_call_id, tool_calls_json,
		 provider, model, token_usage_json, extra_json, created_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)`,
		msg.ConversationID, msg.OwnerID, msg.Role, msg.Content, msg.ToolName, msg.ToolCallID,
		marshalJSON(msg.ToolCalls), msg.Provider, msg.Model,
		marshalJSON(msg.TokenUsage), marshalJSON(msg.Extra), msg.CreatedAt)
}

func (s *SQLStore) ListMessages(ctx context.Context, ownerID int64, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	// Select the latest rows, then flip back to oldest-first.
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, conversation_id, owner_id, role, content,
		tool_name, tool_call_id, tool_calls_json, provider, model, token_usage_json, extra_json, created_at
		FROM messages WHERE conversation_id = ? AND owner_id = ? AND deleted = FALSE
		ORDER BY id DESC LIMIT ?`), conversationID, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var msg models.Message
		var toolCallsJSON, usageJSON, extraJSON string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.OwnerID, &msg.Role, &msg.Content,
			&msg.ToolName, &msg.ToolCallID, &toolCallsJSON, &msg.Provider, &msg.Model,
			&usageJSON, &extraJSON, &msg.CreatedAt); err != nil {
			return nil, err
		}
		unmarshalJSON(toolCallsJSON, &msg.ToolCalls)
		unmarshalJSON(usageJSON, &msg.TokenUsage)
		unmarshalJSON(extraJSON, &msg.Extra)
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLStore) UpsertSkill(ctx context.Context, skill *models.Skill) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE skills SET
		description = ?, system_prompt = ?, tool_names_json = ?, rag_enabled = ?, server_ids_json = ?, updated_at = ?
		WHERE owner_id = ? AND name = ? AND deleted = FALSE`),
		skill.Description, skill.SystemPrompt, marshalJSON(skill.ToolNames), skill.RAGEnabled,
		marshalJSON(skill.ServerIDs), skill.UpdatedAt, skill.OwnerID, skill.Name)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	return s.exec(ctx, `INSERT INTO skills
		(owner_id, name, description, system_prompt, tool_names_json, rag_enabled, server_ids_json, created_at, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)`,
		skill.OwnerID, skill.Name, skill.Description, skill.SystemPrompt,
		marshalJSON(skill.ToolNames), skill.RAGEnabled, marshalJSON(skill.ServerIDs),
		skill.CreatedAt, skill.UpdatedAt)
}

func (s *SQLStore) GetSkill(ctx context.Context, ownerID int64, name string) (*models.Skill, error) {
	// Owner row wins over the shared row.
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, owner_id, name, description, system_prompt,
		tool_names_json, rag_enabled, server_ids_json, created_at, updated_at
		FROM skills WHERE name = ? AND owner_id IN (?, 0) AND deleted = FALSE
		ORDER BY owner_id DESC LIMIT 1`), name, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanSkill(rows)
}

func scanSkill(rows *sql.Rows) (*models.Skill, error) {
	var skill models.Skill
	var toolNamesJSON, serverIDsJSON string
	if err := rows.Scan(&skill.ID, &skill.OwnerID, &skill.Name, &skill.Description, &skill.SystemPrompt,
		&toolNamesJSON, &skill.RAGEnabled, &serverIDsJSON, &skill.CreatedAt, &skill.UpdatedAt); err != nil {
		return nil, err
	}
	unmarshalJSON(toolNamesJSON, &skill.ToolNames)
	unmarshalJSON(serverIDsJSON, &skill.ServerIDs)
	return &skill, nil
}

func (s *SQLStore) ListSkills(ctx context.Context, ownerID int64) ([]*models.Skill, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, owner_id, name, description, system_prompt,
		tool_names_json, rag_enabled, server_ids_json, created_at, updated_at
		FROM skills WHERE owner_id IN (?, 0) AND deleted = FALSE ORDER BY name`), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Skill
	for rows.Next() {
		skill, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, skill)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpsertToolServer(ctx context.Context, server *models.ToolServer) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE tool_servers SET
		name = ?, transport = ?, endpoint = ?, timeout_seconds = ?, enabled = ?, tool_definitions_json = ?, updated_at = ?
		WHERE owner_id = ? AND server_id = ? AND deleted = FALSE`),
		server.Name, server.Transport, server.Endpoint, server.TimeoutSeconds, server.Enabled,
		marshalJSON(server.ToolDefinitions), server.UpdatedAt, server.OwnerID, server.ServerID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	return s.exec(ctx, `INSERT INTO tool_servers
		(server_id, owner_id, name, transport, endpoint, timeout_seconds, enabled, tool_definitions_json, created_at, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)`,
		server.ServerID, server.OwnerID, server.Name, server.Transport, server.Endpoint,
		server.TimeoutSeconds, server.Enabled, marshalJSON(server.ToolDefinitions),
		server.CreatedAt, server.UpdatedAt)
}

func (s *SQLStore) GetToolServer(ctx context.Context, ownerID int64, serverID string) (*models.ToolServer, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, server_id, owner_id, name, transport, endpoint,
		timeout_seconds, enabled, tool_definitions_json, created_at, updated_at
		FROM tool_servers WHERE server_id = ? AND owner_id IN (?, 0) AND deleted = FALSE
		ORDER BY owner_id DESC LIMIT 1`), serverID, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanToolServer(rows)
}

func scanToolServer(rows *sql.Rows) (*models.ToolServer, error) {
	var server models.ToolServer
	var defsJSON string
	if err := rows.Scan(&server.ID, &server.ServerID, &server.OwnerID, &server.Name, &server.Transport,
		&server.Endpoint, &server.TimeoutSeconds, &server.Enabled, &defsJSON,
		&server.CreatedAt, &server.UpdatedAt); err != nil {
		return nil, err
	}
	unmarshalJSON(defsJSON, &server.ToolDefinitions)
	return &server, nil
}

func (s *SQLStore) ListToolServers(ctx context.Context, ownerID int64) ([]*models.ToolServer, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, server_id, owner_id, name, transport, endpoint,
		timeout_seconds, enabled, tool_definitions_json, created_at, updated_at
		FROM tool_servers WHERE owner_id IN (?, 0) AND deleted = FALSE ORDER BY server_id`), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ToolServer
	for rows.Next() {
		server, err := scanToolServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, server)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	return s.exec(ctx, `INSERT INTO documents
		(doc_id, owner_id, title, content, metadata_json, chunk_count, created_at, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE)`,
		doc.DocID, doc.OwnerID, doc.Title, doc.Content, marshalJSON(doc.Metadata),
		doc.ChunkCount, doc.CreatedAt, doc.UpdatedAt)
}

func (s *SQLStore) GetDocument(ctx context.Context, ownerID int64, docID string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, doc_id, owner_id, title, content, metadata_json,
		chunk_count, created_at, updated_at
		FROM documents WHERE doc_id = ? AND owner_id = ? AND deleted = FALSE`), docID, ownerID)

	var doc models.Document
	var metaJSON string
	err := row.Scan(&doc.ID, &doc.DocID, &doc.OwnerID, &doc.Title, &doc.Content, &metaJSON,
		&doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	unmarshalJSON(metaJSON, &doc.Metadata)
	return &doc, nil
}

func (s *SQLStore) ListDocuments(ctx context.Context, ownerID int64, limit int) ([]*models.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, doc_id, owner_id, title, content, metadata_json,
		chunk_count, created_at, updated_at
		FROM documents WHERE owner_id = ? AND deleted = FALSE
		ORDER BY created_at DESC LIMIT ?`), ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Document
	for rows.Next() {
		var doc models.Document
		var metaJSON string
		if err := rows.Scan(&doc.ID, &doc.DocID, &doc.OwnerID, &doc.Title, &doc.Content, &metaJSON,
			&doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		unmarshalJSON(metaJSON, &doc.Metadata)
		out = append(out, &doc)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteDocument(ctx context.Context, ownerID int64, docID string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE documents SET deleted = TRUE
		WHERE doc_id = ? AND owner_id = ? AND deleted = FALSE`), docID, ownerID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) InsertChunks(ctx context.Context, chunks []*models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := s.rebind(`INSERT INTO document_chunks
		(doc_id, owner_id, chunk_index, content, embedding_json, meta_json, deleted)
		VALUES (?, ?, ?, ?, ?, ?, FALSE)`)
	for _, chunk := range chunks {
		if _, err := tx.ExecContext(ctx, query, chunk.DocID, chunk.OwnerID, chunk.ChunkIndex,
			chunk.Content, marshalJSON(chunk.Embedding), marshalJSON(chunk.Meta)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ListChunks(ctx context.Context, ownerID int64, limit int) ([]*models.DocumentChunk, error) {
	if limit <= 0 {
		limit = 5000
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, doc_id, owner_id, chunk_index, content,
		embedding_json, meta_json
		FROM document_chunks WHERE owner_id = ? AND deleted = FALSE
		ORDER BY id LIMIT ?`), ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.DocumentChunk
	for rows.Next() {
		var chunk models.DocumentChunk
		var embeddingJSON, metaJSON string
		if err := rows.Scan(&chunk.ID, &chunk.DocID, &chunk.OwnerID, &chunk.ChunkIndex, &chunk.Content,
			&embeddingJSON, &metaJSON); err != nil {
			return nil, err
		}
		unmarshalJSON(embeddingJSON, &chunk.Embedding)
		unmarshalJSON(metaJSON, &chunk.Meta)
		out = append(out, &chunk)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteChunks(ctx context.Context, ownerID int64, docID string) error {
	return s.exec(ctx, `UPDATE document_chunks SET deleted = TRUE
		WHERE doc_id = ? AND owner_id = ?`, docID, ownerID)
}

func (s *SQLStore) RecordMetric(ctx context.Context, metric *models.RequestMetric) error {
	return s.exec(ctx, `INSERT INTO request_metrics
		(request_id, conversation_id, owner_id, provider, model, stream, success, latency_ms,
		 error_code, error_message, fallback_from, fallback_chain_json,
		 prompt_tokens, completion_tokens, total_tokens, usage_raw_json, extra_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		metric.RequestID, metric.ConversationID, metric.OwnerID, metric.Provider, metric.Model,
		metric.Stream, metric.Success, metric.LatencyMS, metric.ErrorCode, metric.ErrorMessage,
		metric.FallbackFrom, marshalJSON(metric.FallbackChain),
		metric.PromptTokens, metric.CompletionTokens, metric.TotalTokens,
		marshalJSON(metric.UsageRaw), marshalJSON(metric.Extra), metric.CreatedAt)
}

func (s *SQLStore) RecentMetrics(ctx context.Context, ownerID int64, limit int) ([]*models.RequestMetric, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryMetrics(ctx, `SELECT id, request_id, conversation_id, owner_id, provider, model,
		stream, success, latency_ms, error_code, error_message, fallback_from, fallback_chain_json,
		prompt_tokens, completion_tokens, total_tokens, usage_raw_json, extra_json, created_at
		FROM request_metrics WHERE owner_id = ? ORDER BY id DESC LIMIT ?`, ownerID, limit)
}

func (s *SQLStore) MetricsSince(ctx context.Context, ownerID int64, since time.Time) ([]*models.RequestMetric, error) {
	return s.queryMetrics(ctx, `SELECT id, request_id, conversation_id, owner_id, provider, model,
		stream, success, latency_ms, error_code, error_message, fallback_from, fallback_chain_json,
		prompt_tokens, completion_tokens, total_tokens, usage_raw_json, extra_json, created_at
		FROM request_metrics WHERE owner_id = ? AND created_at >= ? ORDER BY id`, ownerID, since)
}

func (s *SQLStore) queryMetrics(ctx context.Context, query string, args ...any) ([]*models.RequestMetric, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.RequestMetric
	for rows.Next() {
		var metric models.RequestMetric
		var chainJSON, usageJSON, extraJSON string
		if err := rows.Scan(&metric.ID, &metric.RequestID, &metric.ConversationID, &metric.OwnerID,
			&metric.Provider, &metric.Model, &metric.Stream, &metric.Success, &metric.LatencyMS,
			&metric.ErrorCode, &metric.ErrorMessage, &metric.FallbackFrom, &chainJSON,
			&metric.PromptTokens, &metric.CompletionTokens, &metric.TotalTokens,
			&usageJSON, &extraJSON, &metric.CreatedAt); err != nil {
			return nil, err
		}
		unmarshalJSON(chainJSON, &metric.FallbackChain)
		unmarshalJSON(usageJSON, &metric.UsageRaw)
		unmarshalJSON(extraJSON, &metric.Extra)
		out = append(out, &metric)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error { return s.db.Close() }
