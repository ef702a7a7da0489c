// Package search finds feature documents by the text they contain.
package search

import (
	"encoding/json"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	defaultLimit = 20
	maxLimit     = 100
	snippetRunes = 200
)

// Result is a single search hit returned to the caller.
type Result struct {
	FeatureID   string `json:"featureId"`
	ServerID    string `json:"serverId"`
	FeatureName string `json:"featureName"`
	FeatureType string `json:"featureType"`
	Snippet     string `json:"snippet"`
}

// Query describes a search request. WorkspaceIDs bounds the search to the
// caller's workspaces; an empty list matches nothing.
type Query struct {
	Text         string
	WorkspaceIDs []string
	Limit        int
}

// Response is the envelope returned by the search action.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// DocumentRecord is the data we index for one feature document.
type DocumentRecord struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	FeatureName string `json:"featureName"`
	FeatureType string `json:"featureType"`
	Text        string `json:"text"`
	// Version is the stored document version the text was taken from.
	Version int64 `json:"version"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Flatten joins every string value found in a JSON document, depth first
// with object keys visited in sorted order.
func Flatten(raw json.RawMessage) string {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ""
	}
	parts := make([]string, 0)
	collectStrings(parsed, &parts)
	return strings.Join(parts, " ")
}

func collectStrings(value any, parts *[]string) {
	switch v := value.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			*parts = append(*parts, s)
		}
	case []any:
		for _, item := range v {
			collectStrings(item, parts)
		}
	case map[string]any:
		for _, key := range sortedKeys(v) {
			collectStrings(v[key], parts)
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= snippetRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:snippetRunes]) + "…"
}
