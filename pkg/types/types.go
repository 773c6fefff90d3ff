// Package types defines the core data structures for the Quanta memory store.
// These types represent quanta (single remembered facts or events), the
// relationship edges between them, opportunistic clusters and access events.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Content type constants. Any non-empty string is an acceptable content type;
// these are the ones with a dedicated relevance multiplier.
const (
	ContentTypeGeneral        = "general"
	ContentTypeTaskResult     = "task_result"
	ContentTypeErrorLog       = "error_log"
	ContentTypeSuccessPattern = "success_pattern"
	ContentTypeUserPreference = "user_preference"
	ContentTypeSystemConfig   = "system_config"
	ContentTypeSystemStatus   = "system_status"
	ContentTypeExperience     = "experience"
)

// ContentTypeMultipliers weights the initial relevance of a quantum by its
// content type. Types not listed here use a multiplier of 1.0.
var ContentTypeMultipliers = map[string]float64{
	ContentTypeTaskResult:     1.2,
	ContentTypeErrorLog:       1.1,
	ContentTypeSuccessPattern: 1.3,
	ContentTypeUserPreference: 1.4,
	ContentTypeSystemConfig:   1.1,
	ContentTypeGeneral:        1.0,
}

// ContentTypeMultiplier returns the relevance multiplier for contentType.
func ContentTypeMultiplier(contentType string) float64 {
	if m, ok := ContentTypeMultipliers[contentType]; ok {
		return m
	}
	return 1.0
}

// Relationship type constants.
const (
	// RelationshipRelated is the default edge type, also used for edges
	// inferred by similarity at store time.
	RelationshipRelated = "related"
)

// GenerateQuantumID derives the identifier of a quantum from its content and
// content type, in the format qm_<type prefix>_<16 hex chars>.
//
// The id is deterministic so that storing the same (content, content type)
// twice resolves to the same record.
func GenerateQuantumID(content, contentType string) string {
	if contentType == "" {
		contentType = ContentTypeGeneral
	}

	h := sha256.New()
	h.Write([]byte(contentType))
	h.Write([]byte{0})
	h.Write([]byte(content))
	sum := hex.EncodeToString(h.Sum(nil))[:16]

	prefix := []rune(strings.ToLower(contentType))
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	clean := strings.Map(func(r rune) rune {
		if r == ':' || r == ' ' || r == '/' {
			return '-'
		}
		return r
	}, string(prefix))

	return "qm_" + clean + "_" + sum
}

// NormalizeTags trims, lowercases and de-duplicates tags while preserving the
// order of first occurrence. Empty tags are dropped.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
