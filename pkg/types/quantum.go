package types

import "time"

// Quantum is a single remembered fact or event.
//
// ID, Content, ContentType, CreatedAt and ContextEmbeddings are fixed when the
// quantum is created. RelevanceScore, AccessCount, ReinforcementLevel,
// LastAccessedAt, AssociatedIDs and State change as the quantum is searched,
// reinforced, linked and consolidated.
type Quantum struct {
	// Identity and content
	ID          string   `json:"id"`             // Derived from content + content type (see GenerateQuantumID)
	Content     string   `json:"content"`        // Free-form text body
	ContentType string   `json:"content_type"`   // Categorical tag (experience, error_log, task_result, ...)
	Tags        []string `json:"tags,omitempty"` // Ordered set of short labels

	// Scoring
	RelevanceScore     float64 `json:"relevance_score"`     // Heuristic value estimate in [0,1]
	AccessCount        int     `json:"access_count"`        // Successful lookups, never decreases
	ReinforcementLevel int     `json:"reinforcement_level"` // Explicit reinforcements (duplicate stores, Reinforce calls)

	// Timestamps
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`

	// Similarity and graph
	ContextEmbeddings map[string]float64 `json:"context_embeddings,omitempty"` // term -> weight
	AssociatedIDs     []string           `json:"associated_ids,omitempty"`     // Related quanta (never self)

	// Lifecycle
	State QuantumState `json:"state"`

	// Provenance
	ContextHash string                 `json:"context_hash,omitempty"` // Hash of the store-time context, for grouping
	Metadata    map[string]interface{} `json:"metadata,omitempty"`     // Arbitrary metadata
}

// HasAssociation reports whether id is in the quantum's associated set.
func (q *Quantum) HasAssociation(id string) bool {
	for _, a := range q.AssociatedIDs {
		if a == id {
			return true
		}
	}
	return false
}

// AddAssociation adds id to the associated set. It returns false when id is
// empty, equal to the quantum's own id, or already present.
func (q *Quantum) AddAssociation(id string) bool {
	if id == "" || id == q.ID || q.HasAssociation(id) {
		return false
	}
	q.AssociatedIDs = append(q.AssociatedIDs, id)
	return true
}

// RemoveAssociation removes id from the associated set and reports whether it
// was present.
func (q *Quantum) RemoveAssociation(id string) bool {
	for i, a := range q.AssociatedIDs {
		if a == id {
			q.AssociatedIDs = append(q.AssociatedIDs[:i], q.AssociatedIDs[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the quantum. Maps and slices are copied so the
// clone can be mutated without affecting the original.
func (q *Quantum) Clone() *Quantum {
	if q == nil {
		return nil
	}
	c := *q
	if q.Tags != nil {
		c.Tags = append([]string(nil), q.Tags...)
	}
	if q.AssociatedIDs != nil {
		c.AssociatedIDs = append([]string(nil), q.AssociatedIDs...)
	}
	if q.ContextEmbeddings != nil {
		c.ContextEmbeddings = make(map[string]float64, len(q.ContextEmbeddings))
		for k, v := range q.ContextEmbeddings {
			c.ContextEmbeddings[k] = v
		}
	}
	if q.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(q.Metadata))
		for k, v := range q.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ClampRelevance bounds a relevance score to [0.0, 1.0].
func ClampRelevance(score float64) float64 {
	if score < 0 || score != score {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// AccessEvent records a single access to a quantum for later pattern analysis.
type AccessEvent struct {
	QuantumID         string    `json:"quantum_id"`
	Kind              string    `json:"kind"`              // search, reinforce, store
	Context           string    `json:"context,omitempty"` // Query text or JSON context
	RelevanceAtAccess float64   `json:"relevance_at_access"`
	At                time.Time `json:"at"`
}

// Access event kinds.
const (
	AccessSearch    = "search"
	AccessReinforce = "reinforce"
	AccessStore     = "store"
)
