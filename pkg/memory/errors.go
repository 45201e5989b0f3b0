package memory

import "errors"

var (
	// ErrInvalidInput is returned for empty or oversize content, a bad
	// confirmation sentinel, malformed tags, or dimension mismatches.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when an operation references an unknown node.
	ErrNotFound = errors.New("node not found")

	// ErrEmbedding wraps embedding callable failures.
	ErrEmbedding = errors.New("embedding failed")

	// ErrTag wraps tag extractor failures.
	ErrTag = errors.New("tag extraction failed")

	// ErrProposition wraps proposition extractor failures.
	ErrProposition = errors.New("proposition extraction failed")

	// ErrDatabase wraps storage failures that are not query timeouts.
	ErrDatabase = errors.New("database error")
)
