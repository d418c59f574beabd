// Package registry provides the model name mapping between the OpenAI-style
// names clients send and the Claude CLI aliases the backend spawns with, plus
// the static model listing served on /v1/models.
package registry

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/fred-drake/claude-cli-api/internal/apierr"
)

// ModelInfo represents one entry of the /v1/models listing.
type ModelInfo struct {
	// ID is the unique identifier for the model
	ID string `json:"id"`
	// Object type for the model (always "model")
	Object string `json:"object"`
	// Created timestamp when the model was created
	Created int64 `json:"created"`
	// OwnedBy indicates the organization that owns the model
	OwnedBy string `json:"owned_by"`
}

// exactModels maps both OpenAI model names and native Claude names to the
// alias the CLI accepts with its model flag. Lookup here wins over the
// prefix patterns below.
var exactModels = map[string]string{
	// OpenAI names commonly sent by off-the-shelf clients.
	"gpt-4":         "sonnet",
	"gpt-4o":        "sonnet",
	"gpt-4o-mini":   "haiku",
	"gpt-4-turbo":   "sonnet",
	"gpt-3.5-turbo": "haiku",

	// Claude aliases pass through unchanged.
	"opus":   "opus",
	"sonnet": "sonnet",
	"haiku":  "haiku",

	// Native Claude names the CLI accepts verbatim.
	"claude-opus-4-1-20250805":   "claude-opus-4-1-20250805",
	"claude-opus-4-20250514":     "claude-opus-4-20250514",
	"claude-sonnet-4-20250514":   "claude-sonnet-4-20250514",
	"claude-3-7-sonnet-20250219": "claude-3-7-sonnet-20250219",
	"claude-3-5-haiku-20241022":  "claude-3-5-haiku-20241022",
}

// prefixPattern is one ordered dated-snapshot rule, e.g. gpt-4o-2024-08-06.
type prefixPattern struct {
	prefix string
	alias  string
}

// prefixModels is tried in order after the exact map misses. Order matters:
// the first matching prefix wins.
var prefixModels = []prefixPattern{
	{"gpt-4o-2024-", "sonnet"},
	{"gpt-4-turbo-2024-", "sonnet"},
	{"gpt-3.5-turbo-", "haiku"},
}

// ResolveModel maps a requested model name to the Claude CLI alias. Unknown
// names fail with a 400 whose message lists every name the exact map knows.
func ResolveModel(model string) (string, *apierr.Error) {
	if alias, ok := exactModels[model]; ok {
		return alias, nil
	}
	for _, p := range prefixModels {
		if strings.HasPrefix(model, p.prefix) {
			return p.alias, nil
		}
	}
	return "", apierr.New(http.StatusBadRequest, apierr.TypeInvalidRequest,
		apierr.CodeModelNotFound,
		fmt.Sprintf("Model '%s' not found. Available models: %s", model, strings.Join(KnownModels(), ", "))).
		WithParam("model")
}

// KnownModels returns the exact-map keys in sorted order.
func KnownModels() []string {
	names := make([]string, 0, len(exactModels))
	for name := range exactModels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListModels returns the static model listing in OpenAI list order.
func ListModels() []*ModelInfo {
	names := KnownModels()
	models := make([]*ModelInfo, 0, len(names))
	for _, name := range names {
		owner := "anthropic"
		if strings.HasPrefix(name, "gpt-") {
			owner = "openai"
		}
		models = append(models, &ModelInfo{
			ID:      name,
			Object:  "model",
			Created: 1715644800, // 2025-05-14
			OwnedBy: owner,
		})
	}
	return models
}
