// Package memory implements the two-tier memory engine: the durable
// content-addressed long-term store and the token-budgeted per-agent
// working memory, plus the retrieval and relevance machinery on top.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/agentstack/htm/pkg/cache"
	"github.com/agentstack/htm/pkg/config"
	"github.com/agentstack/htm/pkg/database"
	"github.com/agentstack/htm/pkg/llm"
	"github.com/agentstack/htm/pkg/models"
)

// MaxContentBytes bounds the length of remembered content.
const MaxContentBytes = 65536

// defaultPrefilterLimit is the hybrid search candidate pool size.
const defaultPrefilterLimit = 100

// LongTerm owns all durable state: nodes, robots, edges, tags, and the
// audit log. It is safe for concurrent use through the storage driver's
// pool; the query cache is shared by every caller on the same instance.
type LongTerm struct {
	store    *database.Store
	cache    *cache.QueryCache
	embedder llm.Embedder
	scorer   *Scorer
	dims     int
}

// NewLongTerm wires the long-term memory over an open store.
func NewLongTerm(store *database.Store, qc *cache.QueryCache, embedder llm.Embedder, cfg *config.Config) *LongTerm {
	return &LongTerm{
		store:    store,
		cache:    qc,
		embedder: embedder,
		scorer:   NewScorer(cfg.Relevance),
		dims:     cfg.Embedding.Dimensions,
	}
}

// Store exposes the storage driver for components that need a dedicated
// connection or pool access (the pub/sub channel, health checks).
func (l *LongTerm) Store() *database.Store { return l.store }

// Cache exposes the shared query cache.
func (l *LongTerm) Cache() *cache.QueryCache { return l.cache }

// HashContent returns the canonical 256-bit content hash, stable across
// processes for the same bytes. Content is canonicalised by trimming
// surrounding whitespace only.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}

const nodeColumns = `id, content, content_hash, token_count, metadata,
	created_at, updated_at, last_accessed, access_count, deleted_at`

// Add upserts content for a robot. If a node with the same content hash
// already exists its last_accessed is refreshed (and a soft-deleted node is
// revived); otherwise a new node row is inserted. The robot↔node edge is
// created or its remember_count incremented, either way with
// in_working_memory set to false; callers flag the edge once the node is
// placed in working memory.
func (l *LongTerm) Add(ctx context.Context, content string, tokenCount int, robotID int64, embedding []float32, metadata map[string]any) (*models.AddResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	if len(content) > MaxContentBytes {
		return nil, fmt.Errorf("%w: content of %d bytes exceeds maximum %d",
			ErrInvalidInput, len(content), MaxContentBytes)
	}
	if tokenCount < 0 {
		return nil, fmt.Errorf("%w: negative token count", ErrInvalidInput)
	}

	var vec *pgvector.Vector
	if embedding != nil {
		if l.dims > 0 && len(embedding) != l.dims {
			return nil, fmt.Errorf("%w: embedding has %d dimensions, want %d",
				ErrInvalidInput, len(embedding), l.dims)
		}
		sanitized, err := database.SanitizeEmbedding(embedding)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		vec = &sanitized
	}

	hash := HashContent(content)
	result := &models.AddResult{}

	err := l.store.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		var isNew bool
		err := tx.QueryRow(txCtx, `
			INSERT INTO nodes (content, content_hash, token_count, embedding, metadata)
			VALUES ($1, $2, $3, $4, COALESCE($5::jsonb, '{}'::jsonb))
			ON CONFLICT (content_hash) DO UPDATE
				SET last_accessed = now(), deleted_at = NULL, updated_at = now()
			RETURNING id, (xmax = 0) AS is_new`,
			content, hash, tokenCount, vec, metadata,
		).Scan(&result.NodeID, &isNew)
		if err != nil {
			return fmt.Errorf("upsert node: %w", err)
		}
		result.IsNew = isNew

		edge, err := upsertEdge(txCtx, tx, robotID, result.NodeID, false)
		if err != nil {
			return err
		}
		result.Edge = *edge

		return logOperationTx(txCtx, tx, models.OpAdd, &result.NodeID, &robotID, map[string]any{
			"is_new":      isNew,
			"token_count": tokenCount,
		})
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	l.cache.Clear()
	return result, nil
}

// Retrieve returns a node by id, touching last_accessed and access_count
// as a side effect. Soft-deleted nodes are excluded unless includeDeleted.
func (l *LongTerm) Retrieve(ctx context.Context, nodeID int64, includeDeleted bool) (*models.Node, error) {
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	filter := "AND deleted_at IS NULL"
	if includeDeleted {
		filter = ""
	}
	row := l.store.Pool().QueryRow(qctx, fmt.Sprintf(`
		UPDATE nodes
		SET access_count = access_count + 1, last_accessed = now()
		WHERE id = $1 %s
		RETURNING %s, embedding`, filter, nodeColumns),
		nodeID)

	node, err := scanNodeWithEmbedding(row, l.dims)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: node %d", ErrNotFound, nodeID)
		}
		return nil, wrapStoreErr(err)
	}

	if err := l.LogOperation(ctx, models.OpRetrieve, &nodeID, nil, nil); err != nil {
		slog.Warn("Failed to log retrieve operation", "node_id", nodeID, "error", err)
	}
	return node, nil
}

// GetNode fetches a node without touching its access statistics. Used by
// group synchronisation, which mirrors state rather than reading memories.
func (l *LongTerm) GetNode(ctx context.Context, nodeID int64, includeDeleted bool) (*models.Node, error) {
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	filter := "AND deleted_at IS NULL"
	if includeDeleted {
		filter = ""
	}
	row := l.store.Pool().QueryRow(qctx, fmt.Sprintf(
		`SELECT %s, embedding FROM nodes WHERE id = $1 %s`, nodeColumns, filter),
		nodeID)

	node, err := scanNodeWithEmbedding(row, l.dims)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: node %d", ErrNotFound, nodeID)
		}
		return nil, wrapStoreErr(err)
	}
	return node, nil
}

// Exists reports whether a non-deleted node with the id exists.
func (l *LongTerm) Exists(ctx context.Context, nodeID int64) (bool, error) {
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	var exists bool
	err := l.store.Pool().QueryRow(qctx,
		`SELECT EXISTS (SELECT 1 FROM nodes WHERE id = $1 AND deleted_at IS NULL)`,
		nodeID).Scan(&exists)
	if err != nil {
		return false, wrapStoreErr(err)
	}
	return exists, nil
}

// Delete removes a node. Soft deletion stamps deleted_at and is
// restorable; hard deletion removes the row and cascades tags and edges
// while audit rows retain a nulled node reference. The audit row is
// written before the delete in the same transaction, so even a partial
// failure leaves a trace.
func (l *LongTerm) Delete(ctx context.Context, nodeID int64, soft bool, robotID *int64) error {
	err := l.store.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		if err := requireNode(txCtx, tx, nodeID); err != nil {
			return err
		}
		// Log before delete so even a partial failure leaves a trace.
		if err := logOperationTx(txCtx, tx, models.OpForget, &nodeID, robotID, map[string]any{
			"soft": soft,
		}); err != nil {
			return err
		}

		stmt := `DELETE FROM nodes WHERE id = $1`
		if soft {
			stmt = `UPDATE nodes SET deleted_at = now(), updated_at = now()
				WHERE id = $1 AND deleted_at IS NULL`
		}
		ct, err := tx.Exec(txCtx, stmt, nodeID)
		if err != nil {
			return fmt.Errorf("delete node %d: %w", nodeID, err)
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("%w: node %d", ErrNotFound, nodeID)
		}
		return nil
	})
	if err != nil {
		return wrapStoreErr(err)
	}

	l.cache.Clear()
	return nil
}

// Restore clears a node's soft-delete marker.
func (l *LongTerm) Restore(ctx context.Context, nodeID int64, robotID *int64) error {
	err := l.store.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		if err := requireNode(txCtx, tx, nodeID); err != nil {
			return err
		}
		if err := logOperationTx(txCtx, tx, models.OpRestore, &nodeID, robotID, nil); err != nil {
			return err
		}
		ct, err := tx.Exec(txCtx, `
			UPDATE nodes SET deleted_at = NULL, updated_at = now()
			WHERE id = $1 AND deleted_at IS NOT NULL`, nodeID)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("%w: node %d (or not deleted)", ErrNotFound, nodeID)
		}
		return nil
	})
	if err != nil {
		return wrapStoreErr(err)
	}

	l.cache.Clear()
	return nil
}

// TrackAccess bulk-increments access statistics for the given nodes.
func (l *LongTerm) TrackAccess(ctx context.Context, nodeIDs []int64) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	_, err := l.store.Pool().Exec(qctx, `
		UPDATE nodes
		SET access_count = access_count + 1, last_accessed = now()
		WHERE id = ANY($1)`, nodeIDs)
	if err != nil {
		return wrapStoreErr(err)
	}
	l.cache.Clear()
	return nil
}

// wrapStoreErr keeps timeout and domain errors distinct and wraps the rest
// as ErrDatabase.
func wrapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrQueryTimeout),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidInput):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
}

// requireNode fails with ErrNotFound when no node row (deleted or not)
// exists for the id. Keeps audit-log inserts from tripping the foreign key
// on unknown ids.
func requireNode(ctx context.Context, tx pgx.Tx, nodeID int64) error {
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM nodes WHERE id = $1)`, nodeID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: node %d", ErrNotFound, nodeID)
	}
	return nil
}

// scanNode scans the nodeColumns projection.
func scanNode(row pgx.Row) (*models.Node, error) {
	var n models.Node
	err := row.Scan(&n.ID, &n.Content, &n.ContentHash, &n.TokenCount, &n.Metadata,
		&n.CreatedAt, &n.UpdatedAt, &n.LastAccess, &n.AccessCount, &n.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// scanNodeWithEmbedding scans nodeColumns plus the embedding column,
// trimming the stored zero padding back to the model dimension.
func scanNodeWithEmbedding(row pgx.Row, dims int) (*models.Node, error) {
	var n models.Node
	var vec *pgvector.Vector
	err := row.Scan(&n.ID, &n.Content, &n.ContentHash, &n.TokenCount, &n.Metadata,
		&n.CreatedAt, &n.UpdatedAt, &n.LastAccess, &n.AccessCount, &n.DeletedAt, &vec)
	if err != nil {
		return nil, err
	}
	if vec != nil {
		full := vec.Slice()
		if dims > 0 && len(full) > dims {
			full = full[:dims]
		}
		n.Embedding = full
	}
	return &n, nil
}
