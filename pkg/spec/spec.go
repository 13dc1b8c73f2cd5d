// Package spec produces the machine-readable descriptions a driver exposes
// to a language model.
//
// A Provider returns an Artifact (opaque bytes tagged with a format such as
// "openapi+json") for a model hint, plus a system message that embeds the
// artifact with call formatting guidance. Artifacts are never parsed here.
//
// CachingProvider is the standard implementation: it pulls content from a
// Source, caches it per normalized hint, collapses concurrent misses into a
// single fetch and optionally writes through to a storage.ArtifactStore.
package spec

import (
	"context"
	"strings"
	"time"
)

// Wildcard is the model hint that matches every model.
const Wildcard = "*"

// Artifact is a generated spec. Callers must treat it as read-only.
type Artifact struct {
	DriverID    string    `json:"driver_id"`
	Format      string    `json:"format"`
	ModelHint   string    `json:"model_hint"`
	Version     string    `json:"version,omitempty"`
	Content     []byte    `json:"-"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Provider describes one driver.
type Provider interface {
	// Describe returns the artifact for the model hint. An empty hint means
	// "any model". Partial artifacts are never returned.
	Describe(ctx context.Context, modelHint string) (*Artifact, error)

	// SystemMessage returns a prompt fragment embedding the artifact.
	SystemMessage(ctx context.Context, modelHint string) (string, error)
}

// NormalizeHint canonicalizes a model hint: surrounding whitespace is
// removed, letters are lowercased and an empty hint becomes Wildcard.
func NormalizeHint(hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return Wildcard
	}
	return hint
}

// MatchesHint reports whether a normalized hint is covered by a driver's
// target model list. An empty list or a Wildcard entry matches everything;
// otherwise an entry matches exactly or as a model family prefix
// ("gpt-4" covers "gpt-4o").
func MatchesHint(targets []string, hint string) bool {
	if len(targets) == 0 || hint == Wildcard {
		return true
	}
	for _, t := range targets {
		t = NormalizeHint(t)
		if t == Wildcard || t == hint || strings.HasPrefix(hint, t) {
			return true
		}
	}
	return false
}

// ContentType maps a spec format to a MIME type for HTTP responses.
func ContentType(format string) string {
	f := strings.ToLower(format)
	switch {
	case f == "json" || strings.HasSuffix(f, "+json") || f == "jsonschema":
		return "application/json"
	case f == "yaml" || strings.HasSuffix(f, "+yaml"):
		return "application/yaml"
	case f == "xml" || strings.HasSuffix(f, "+xml"):
		return "application/xml"
	default:
		return "text/plain; charset=utf-8"
	}
}
