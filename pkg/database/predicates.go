package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/agentstack/htm/pkg/timeframe"
)

// ErrNonFiniteEmbedding is returned when a vector contains NaN or Inf.
var ErrNonFiniteEmbedding = errors.New("embedding contains non-finite values")

// ErrEmbeddingTooLong is returned when a vector exceeds the indexed width.
var ErrEmbeddingTooLong = errors.New("embedding exceeds maximum indexed dimension")

// TimeframePredicate builds "column BETWEEN $n AND $n+1" for one interval.
// A nil interval emits no predicate. argOffset is the number of bind
// parameters already placed; the fragment's placeholders start after it.
func TimeframePredicate(column string, iv *timeframe.Interval, argOffset int) (string, []any) {
	if iv == nil {
		return "", nil
	}
	frag := fmt.Sprintf("%s BETWEEN $%d AND $%d", column, argOffset+1, argOffset+2)
	return frag, []any{iv.Start, iv.End}
}

// TimeframeAnyPredicate ORs several intervals together. An empty slice
// emits no predicate.
func TimeframeAnyPredicate(column string, ivs []timeframe.Interval, argOffset int) (string, []any) {
	if len(ivs) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(ivs))
	args := make([]any, 0, 2*len(ivs))
	for _, iv := range ivs {
		parts = append(parts, fmt.Sprintf("%s BETWEEN $%d AND $%d", column, argOffset+1, argOffset+2))
		args = append(args, iv.Start, iv.End)
		argOffset += 2
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

// MetadataPredicate builds a JSONB containment test "column @> $n". An
// empty map emits no predicate. The value is marshalled here so callers
// never concatenate user input into SQL.
func MetadataPredicate(column string, md map[string]any, argOffset int) (string, []any, error) {
	if len(md) == 0 {
		return "", nil, nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return "", nil, fmt.Errorf("marshal metadata filter: %w", err)
	}
	return fmt.Sprintf("%s @> $%d::jsonb", column, argOffset+1), []any{string(raw)}, nil
}

// SanitizeEmbedding validates a vector and right-pads it with zeros to the
// indexed width, returning the pgvector literal ready for binding.
func SanitizeEmbedding(vec []float32) (pgvector.Vector, error) {
	if len(vec) > MaxIndexedDim {
		return pgvector.Vector{}, fmt.Errorf("%w: %d > %d", ErrEmbeddingTooLong, len(vec), MaxIndexedDim)
	}
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return pgvector.Vector{}, fmt.Errorf("%w: index %d", ErrNonFiniteEmbedding, i)
		}
	}
	padded := make([]float32, MaxIndexedDim)
	copy(padded, vec)
	return pgvector.NewVector(padded), nil
}

// SanitizeLike escapes the LIKE wildcards so user text matches literally.
func SanitizeLike(pattern string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(pattern)
}
