package types

import "time"

// Relationship is an edge between two quanta. Edges are undirected in effect:
// queries traverse both directions, and there is at most one edge per
// unordered pair and type.
type Relationship struct {
	ID       string  `json:"id"`        // Unique identifier (format: rel:uuid)
	SourceID string  `json:"source_id"` // Quantum that initiated the link
	TargetID string  `json:"target_id"` // Other endpoint
	Type     string  `json:"type"`      // Relationship type (default "related")
	Strength float64 `json:"strength"`  // Edge strength (0.0-1.0), static once set

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Other returns the endpoint of the edge that is not id.
func (r *Relationship) Other(id string) string {
	if r.SourceID == id {
		return r.TargetID
	}
	return r.SourceID
}

// RelatedQuantum is a neighbour of a quantum in the relationship graph.
type RelatedQuantum struct {
	Quantum          *Quantum `json:"quantum"`
	RelationshipType string   `json:"relationship_type"`
	Strength         float64  `json:"strength"`
}
