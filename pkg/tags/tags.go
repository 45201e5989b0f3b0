// Package tags parses, normalises, and validates the hierarchical
// colon-delimited tags attached to memory nodes.
package tags

import (
	"context"
	"regexp"
	"strings"

	"github.com/agentstack/htm/pkg/breaker"
	"github.com/agentstack/htm/pkg/llm"
)

// MaxDepth is the maximum number of colon-delimited levels in a tag.
const MaxDepth = 4

// Pattern is the canonical tag shape: a lowercase alphanumeric root
// followed by up to three lowercase alphanumeric-or-hyphen levels.
var Pattern = regexp.MustCompile(`^[a-z0-9]+(:[a-z0-9-]+){0,3}$`)

// Valid reports whether tag matches Pattern and stays within MaxDepth.
func Valid(tag string) bool {
	if !Pattern.MatchString(tag) {
		return false
	}
	return strings.Count(tag, ":") < MaxDepth
}

// Hierarchy describes a tag's position in the ontology.
type Hierarchy struct {
	Root   string   `json:"root"`
	Parent string   `json:"parent"`
	Levels []string `json:"levels"`
	Depth  int      `json:"depth"`
}

// ParseHierarchy splits a tag into its ontology components. Parent is empty
// for root-level tags.
func ParseHierarchy(tag string) Hierarchy {
	levels := strings.Split(tag, ":")
	h := Hierarchy{
		Root:   levels[0],
		Levels: levels,
		Depth:  len(levels),
	}
	if len(levels) > 1 {
		h.Parent = strings.Join(levels[:len(levels)-1], ":")
	}
	return h
}

// Split breaks a delimited extractor payload into candidate tags. Commas,
// semicolons, and newlines all act as delimiters.
func Split(payload string) []string {
	parts := strings.FieldsFunc(payload, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Normalize lowercases and trims raw tags, drops anything that fails
// validation, and de-duplicates while preserving first-seen order. Only the
// surviving tags are returned.
func Normalize(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		tag := strings.ToLower(strings.TrimSpace(r))
		if tag == "" || !Valid(tag) {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// Service wraps a tag extractor with the tags circuit breaker and applies
// normalisation to whatever the extractor returns.
type Service struct {
	extractor llm.TagExtractor
	breaker   *breaker.Breaker
}

// NewService creates a tag service. br gates every extractor call.
func NewService(extractor llm.TagExtractor, br *breaker.Breaker) *Service {
	return &Service{extractor: extractor, breaker: br}
}

// Extract calls the extractor under the breaker and returns the surviving
// normalised tags. A breaker-open rejection surfaces as breaker.ErrOpen.
func (s *Service) Extract(ctx context.Context, content string, existing []string) ([]string, error) {
	out, err := s.breaker.Execute(func() (any, error) {
		return s.extractor.ExtractTags(ctx, content, existing)
	})
	if err != nil {
		return nil, err
	}
	raw, _ := out.([]string)
	return Normalize(raw), nil
}
