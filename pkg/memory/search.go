package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentstack/htm/pkg/breaker"
	"github.com/agentstack/htm/pkg/cache"
	"github.com/agentstack/htm/pkg/database"
	"github.com/agentstack/htm/pkg/models"
	"github.com/agentstack/htm/pkg/tags"
	"github.com/agentstack/htm/pkg/timeframe"
)

const fulltextMatch = `to_tsvector('english', content) @@ websearch_to_tsquery('english', $1)`

// Search embeds the query and runs approximate nearest-neighbour search
// over non-deleted nodes under the cosine operator. Results carry
// similarity = 1 − distance, descending.
func (l *LongTerm) Search(ctx context.Context, iv *timeframe.Interval, query string, limit int, metadata map[string]any) ([]models.SearchResult, error) {
	key := cache.Fingerprint(cache.Request{
		Strategy: "vector", Interval: iv, Query: query, Limit: limit, Metadata: metadata,
	})
	if hit, ok := l.cache.Get(key); ok {
		return hit, nil
	}

	vec, err := l.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := l.SearchByEmbedding(ctx, iv, vec, limit, metadata)
	if err != nil {
		return nil, err
	}

	l.cache.Set(key, results)
	return results, nil
}

// EmbedQuery runs the embedding callable for a query string. Breaker
// rejections pass through untouched; other failures wrap ErrEmbedding.
func (l *LongTerm) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vec, err := l.embedder.Embed(ctx, query)
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrEmbedding)
	}
	return vec, nil
}

// SearchByEmbedding runs the ANN query for an already-computed vector.
func (l *LongTerm) SearchByEmbedding(ctx context.Context, iv *timeframe.Interval, embedding []float32, limit int, metadata map[string]any) ([]models.SearchResult, error) {
	vec, err := database.SanitizeEmbedding(embedding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if limit <= 0 {
		limit = 20
	}

	where := []string{"deleted_at IS NULL", "embedding IS NOT NULL"}
	args := []any{vec}
	where, args, err = l.appendFilters(where, args, iv, metadata)
	if err != nil {
		return nil, err
	}
	args = append(args, limit)

	sql := fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> $1) AS similarity
		FROM nodes
		WHERE %s
		ORDER BY embedding <=> $1
		LIMIT $%d`,
		nodeColumns, strings.Join(where, " AND "), len(args))

	return l.querySearchResults(ctx, sql, args, scanKindSimilarity)
}

// SearchFulltext ranks non-deleted nodes with PostgreSQL's English text
// search.
func (l *LongTerm) SearchFulltext(ctx context.Context, iv *timeframe.Interval, query string, limit int, metadata map[string]any) ([]models.SearchResult, error) {
	key := cache.Fingerprint(cache.Request{
		Strategy: "fulltext", Interval: iv, Query: query, Limit: limit, Metadata: metadata,
	})
	if hit, ok := l.cache.Get(key); ok {
		return hit, nil
	}
	if limit <= 0 {
		limit = 20
	}

	where := []string{"deleted_at IS NULL", fulltextMatch}
	args := []any{query}
	where, args, err := l.appendFilters(where, args, iv, metadata)
	if err != nil {
		return nil, err
	}
	args = append(args, limit)

	sql := fmt.Sprintf(`
		SELECT %s, ts_rank(to_tsvector('english', content), websearch_to_tsquery('english', $1)) AS rank
		FROM nodes
		WHERE %s
		ORDER BY rank DESC
		LIMIT $%d`,
		nodeColumns, strings.Join(where, " AND "), len(args))

	results, err := l.querySearchResults(ctx, sql, args, scanKindRank)
	if err != nil {
		return nil, err
	}
	l.cache.Set(key, results)
	return results, nil
}

// SearchHybrid prefilters up to prefilterLimit candidates by full-text
// predicate, then reranks them by vector distance and returns the top
// limit.
func (l *LongTerm) SearchHybrid(ctx context.Context, iv *timeframe.Interval, query string, limit int, embedding []float32, prefilterLimit int, metadata map[string]any) ([]models.SearchResult, error) {
	vec, err := database.SanitizeEmbedding(embedding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if limit <= 0 {
		limit = 20
	}
	if prefilterLimit <= 0 {
		prefilterLimit = defaultPrefilterLimit
	}

	where := []string{"deleted_at IS NULL", fulltextMatch}
	args := []any{query}
	where, args, err = l.appendFilters(where, args, iv, metadata)
	if err != nil {
		return nil, err
	}
	args = append(args, prefilterLimit)
	prefilterArg := len(args)
	args = append(args, vec)
	vecArg := len(args)
	args = append(args, limit)
	limitArg := len(args)

	sql := fmt.Sprintf(`
		WITH candidates AS (
			SELECT %s, embedding
			FROM nodes
			WHERE %s
			ORDER BY ts_rank(to_tsvector('english', content), websearch_to_tsquery('english', $1)) DESC
			LIMIT $%d
		)
		SELECT %s, 1 - (embedding <=> $%d) AS similarity
		FROM candidates
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $%d
		LIMIT $%d`,
		nodeColumns, strings.Join(where, " AND "), prefilterArg,
		nodeColumns, vecArg, vecArg, limitArg)

	return l.querySearchResults(ctx, sql, args, scanKindSimilarity)
}

// SearchWithRelevance gathers candidates (by vector when a query is
// present, otherwise by recency), joins their tags, and applies the
// composite relevance scorer. Results are ordered by relevance descending.
func (l *LongTerm) SearchWithRelevance(ctx context.Context, iv *timeframe.Interval, query string, queryTags []string, limit int, metadata map[string]any) ([]models.SearchResult, error) {
	key := cache.Fingerprint(cache.Request{
		Strategy: "relevance", Interval: iv, Query: query, Tags: queryTags, Limit: limit, Metadata: metadata,
	})
	if hit, ok := l.cache.Get(key); ok {
		return hit, nil
	}
	if limit <= 0 {
		limit = 20
	}

	// Oversample so reranking has room to reorder.
	candidateLimit := limit * 3
	if candidateLimit < 50 {
		candidateLimit = 50
	}

	var candidates []models.SearchResult
	var err error
	if query != "" {
		candidates, err = l.Search(ctx, iv, query, candidateLimit, metadata)
	} else {
		candidates, err = l.listRecent(ctx, iv, candidateLimit, metadata)
	}
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		l.cache.Set(key, nil)
		return nil, nil
	}

	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	nodeTags, err := l.BatchNodeTags(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for i := range candidates {
		c := &candidates[i]
		c.Tags = nodeTags[c.ID]
		c.Relevance = l.scorer.Score(Signals{
			Semantic: c.Similarity,
			Tag:      TagJaccard(queryTags, c.Tags),
			Recency:  l.scorer.RecencySignal(c.LastAccess, now),
			Access:   AccessSignal(c.AccessCount),
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Relevance > candidates[j].Relevance
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	l.cache.Set(key, candidates)
	return candidates, nil
}

// SearchByTags returns nodes carrying ANY of the given tags, or ALL of
// them when matchAll is set.
func (l *LongTerm) SearchByTags(ctx context.Context, tagList []string, matchAll bool, iv *timeframe.Interval, limit int) ([]models.SearchResult, error) {
	normalized := tags.Normalize(tagList)
	if len(normalized) == 0 {
		return nil, fmt.Errorf("%w: no valid tags in query", ErrInvalidInput)
	}
	strategy := "tags-any"
	if matchAll {
		strategy = "tags-all"
	}
	key := cache.Fingerprint(cache.Request{
		Strategy: strategy, Interval: iv, Tags: normalized, Limit: limit,
	})
	if hit, ok := l.cache.Get(key); ok {
		return hit, nil
	}
	if limit <= 0 {
		limit = 20
	}

	where := []string{"n.deleted_at IS NULL", "t.tag = ANY($1)"}
	args := []any{normalized}
	if frag, a := database.TimeframePredicate("n.created_at", iv, len(args)); frag != "" {
		where = append(where, frag)
		args = append(args, a...)
	}

	having := ""
	if matchAll {
		args = append(args, len(normalized))
		having = fmt.Sprintf("HAVING count(DISTINCT t.tag) = $%d", len(args))
	}
	args = append(args, limit)

	sql := fmt.Sprintf(`
		SELECT %s
		FROM nodes n
		JOIN tags t ON t.node_id = n.id
		WHERE %s
		GROUP BY n.id
		%s
		ORDER BY n.last_accessed DESC
		LIMIT $%d`,
		prefixedNodeColumns("n"), strings.Join(where, " AND "), having, len(args))

	results, err := l.querySearchResults(ctx, sql, args, scanKindPlain)
	if err != nil {
		return nil, err
	}
	l.cache.Set(key, results)
	return results, nil
}

// FindQueryMatchingTags splits the query into lowercase word tokens and
// returns every stored tag with at least one hierarchy level equal to a
// token.
func (l *LongTerm) FindQueryMatchingTags(ctx context.Context, query string) ([]string, error) {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return nil, nil
	}

	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	rows, err := l.store.Pool().Query(qctx, `
		SELECT DISTINCT tag FROM tags
		WHERE string_to_array(tag, ':') && $1::text[]
		ORDER BY tag`, words)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// NodeTags returns the tags of one node, sorted.
func (l *LongTerm) NodeTags(ctx context.Context, nodeID int64) ([]string, error) {
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	rows, err := l.store.Pool().Query(qctx,
		`SELECT tag FROM tags WHERE node_id = $1 ORDER BY tag`, nodeID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// BatchNodeTags loads tags for many nodes in one round trip.
func (l *LongTerm) BatchNodeTags(ctx context.Context, nodeIDs []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(nodeIDs))
	if len(nodeIDs) == 0 {
		return out, nil
	}

	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	rows, err := l.store.Pool().Query(qctx,
		`SELECT node_id, tag FROM tags WHERE node_id = ANY($1) ORDER BY node_id, tag`, nodeIDs)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return nil, wrapStoreErr(err)
		}
		out[id] = append(out[id], tag)
	}
	return out, wrapStoreErr(rows.Err())
}

// SampleTags returns a random sample of the distinct tag vocabulary, used
// to bias the tag extractor towards established tags.
func (l *LongTerm) SampleTags(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 25
	}
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	rows, err := l.store.Pool().Query(qctx, `
		SELECT tag FROM (SELECT DISTINCT tag FROM tags) AS vocab
		ORDER BY random() LIMIT $1`, limit)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// InsertTags validates and persists tags for a node. Inserts are
// idempotent on (node_id, tag).
func (l *LongTerm) InsertTags(ctx context.Context, nodeID int64, tagList []string) error {
	for _, t := range tagList {
		if !tags.Valid(t) {
			return fmt.Errorf("%w: malformed tag %q", ErrInvalidInput, t)
		}
	}
	if len(tagList) == 0 {
		return nil
	}

	err := l.store.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		for _, t := range tagList {
			if _, err := tx.Exec(txCtx, `
				INSERT INTO tags (node_id, tag) VALUES ($1, $2)
				ON CONFLICT (node_id, tag) DO NOTHING`, nodeID, t); err != nil {
				return fmt.Errorf("insert tag %q: %w", t, err)
			}
		}
		return nil
	})
	if err != nil {
		return wrapStoreErr(err)
	}

	l.cache.Clear()
	return nil
}

// NodeContent returns the content of a non-deleted node.
func (l *LongTerm) NodeContent(ctx context.Context, nodeID int64) (string, error) {
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	var content string
	err := l.store.Pool().QueryRow(qctx,
		`SELECT content FROM nodes WHERE id = $1 AND deleted_at IS NULL`, nodeID).
		Scan(&content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: node %d", ErrNotFound, nodeID)
		}
		return "", wrapStoreErr(err)
	}
	return content, nil
}

// SetEmbedding persists a node's embedding. Idempotent: the write is an
// upsert keyed by node id.
func (l *LongTerm) SetEmbedding(ctx context.Context, nodeID int64, embedding []float32) error {
	if l.dims > 0 && len(embedding) != l.dims {
		return fmt.Errorf("%w: embedding has %d dimensions, want %d",
			ErrInvalidInput, len(embedding), l.dims)
	}
	vec, err := database.SanitizeEmbedding(embedding)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	ct, err := l.store.Pool().Exec(qctx, `
		UPDATE nodes SET embedding = $2, updated_at = now() WHERE id = $1`,
		nodeID, vec)
	if err != nil {
		return wrapStoreErr(err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: node %d", ErrNotFound, nodeID)
	}

	l.cache.Clear()
	return nil
}

// OntologyStructure reads the distinct tag roots/paths view.
func (l *LongTerm) OntologyStructure(ctx context.Context) ([]models.OntologyPath, error) {
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	rows, err := l.store.Pool().Query(qctx,
		`SELECT root, path, node_count FROM ontology_structure ORDER BY root, path`)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var out []models.OntologyPath
	for rows.Next() {
		var p models.OntologyPath
		if err := rows.Scan(&p.Root, &p.Path, &p.NodeCount); err != nil {
			return nil, wrapStoreErr(err)
		}
		out = append(out, p)
	}
	return out, wrapStoreErr(rows.Err())
}

// TopicRelationships reads the tag co-occurrence view (pairs sharing at
// least two nodes).
func (l *LongTerm) TopicRelationships(ctx context.Context) ([]models.TopicRelationship, error) {
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	rows, err := l.store.Pool().Query(qctx, `
		SELECT tag_a, tag_b, shared_nodes FROM topic_relationships
		ORDER BY shared_nodes DESC, tag_a, tag_b`)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var out []models.TopicRelationship
	for rows.Next() {
		var r models.TopicRelationship
		if err := rows.Scan(&r.TagA, &r.TagB, &r.SharedNodes); err != nil {
			return nil, wrapStoreErr(err)
		}
		out = append(out, r)
	}
	return out, wrapStoreErr(rows.Err())
}

// --- internals ---

// listRecent is the relevance fallback when no query text is present.
func (l *LongTerm) listRecent(ctx context.Context, iv *timeframe.Interval, limit int, metadata map[string]any) ([]models.SearchResult, error) {
	where := []string{"deleted_at IS NULL"}
	var args []any
	where, args, err := l.appendFilters(where, args, iv, metadata)
	if err != nil {
		return nil, err
	}
	args = append(args, limit)

	sql := fmt.Sprintf(`
		SELECT %s
		FROM nodes
		WHERE %s
		ORDER BY last_accessed DESC
		LIMIT $%d`,
		nodeColumns, strings.Join(where, " AND "), len(args))

	return l.querySearchResults(ctx, sql, args, scanKindPlain)
}

// appendFilters attaches the timeframe and metadata predicates.
func (l *LongTerm) appendFilters(where []string, args []any, iv *timeframe.Interval, metadata map[string]any) ([]string, []any, error) {
	if frag, a := database.TimeframePredicate("created_at", iv, len(args)); frag != "" {
		where = append(where, frag)
		args = append(args, a...)
	}
	frag, a, err := database.MetadataPredicate("metadata", metadata, len(args))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if frag != "" {
		where = append(where, frag)
		args = append(args, a...)
	}
	return where, args, nil
}

type scanKind int

const (
	scanKindPlain scanKind = iota
	scanKindSimilarity
	scanKindRank
)

// querySearchResults executes a search statement and scans its rows. The
// statement either fails before any row is returned or streams a complete
// result set; it never partially mutates anything.
func (l *LongTerm) querySearchResults(ctx context.Context, sql string, args []any, kind scanKind) ([]models.SearchResult, error) {
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	rows, err := l.store.Pool().Query(qctx, sql, args...)
	if err != nil {
		return nil, wrapStoreErr(database.MapError(err))
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var r models.SearchResult
		dest := []any{&r.ID, &r.Content, &r.ContentHash, &r.TokenCount, &r.Metadata,
			&r.CreatedAt, &r.UpdatedAt, &r.LastAccess, &r.AccessCount, &r.DeletedAt}
		switch kind {
		case scanKindSimilarity:
			dest = append(dest, &r.Similarity)
		case scanKindRank:
			dest = append(dest, &r.Rank)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, wrapStoreErr(database.MapError(err))
		}
		results = append(results, r)
	}
	return results, wrapStoreErr(database.MapError(rows.Err()))
}

// scanStrings collects a single-text-column result set.
func scanStrings(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, wrapStoreErr(err)
		}
		out = append(out, s)
	}
	return out, wrapStoreErr(rows.Err())
}
