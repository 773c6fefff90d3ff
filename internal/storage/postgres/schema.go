// Package postgres provides a PostgreSQL implementation of the storage
// interfaces.
package postgres

// Schema contains the SQL statements to create the database schema for
// PostgreSQL. Every statement is idempotent.
const Schema = `
-- Quanta table: one row per remembered fact
CREATE TABLE IF NOT EXISTS quanta (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    content_type TEXT NOT NULL,
    tags TEXT[],

    -- Scoring
    relevance_score DOUBLE PRECISION NOT NULL CHECK (relevance_score >= 0.0 AND relevance_score <= 1.0),
    access_count INTEGER NOT NULL DEFAULT 0,
    reinforcement_level INTEGER NOT NULL DEFAULT 0,

    -- Timestamps
    created_at TIMESTAMPTZ NOT NULL,
    last_accessed_at TIMESTAMPTZ NOT NULL,

    -- Similarity and graph
    context_embeddings JSONB,
    associated_ids TEXT[],

    -- Lifecycle and provenance
    state TEXT NOT NULL DEFAULT 'active',
    context_hash TEXT,
    metadata JSONB
);

CREATE INDEX IF NOT EXISTS idx_quanta_relevance ON quanta(relevance_score DESC);
CREATE INDEX IF NOT EXISTS idx_quanta_content_type ON quanta(content_type);
CREATE INDEX IF NOT EXISTS idx_quanta_context_hash ON quanta(context_hash);
CREATE INDEX IF NOT EXISTS idx_quanta_state ON quanta(state);
CREATE INDEX IF NOT EXISTS idx_quanta_embeddings ON quanta USING GIN (context_embeddings);

-- Relationships: at most one edge per unordered pair and type
CREATE TABLE IF NOT EXISTS quantum_relationships (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL REFERENCES quanta(id) ON DELETE CASCADE,
    target_id TEXT NOT NULL REFERENCES quanta(id) ON DELETE CASCADE,
    relationship_type TEXT NOT NULL,
    strength DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    CHECK (source_id <> target_id)
);

CREATE INDEX IF NOT EXISTS idx_relationships_source ON quantum_relationships(source_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON quantum_relationships(target_id);

-- Clusters
CREATE TABLE IF NOT EXISTS quantum_clusters (
    id TEXT PRIMARY KEY,
    theme TEXT NOT NULL,
    member_ids TEXT[] NOT NULL,
    strength DOUBLE PRECISION NOT NULL,
    formed_at TIMESTAMPTZ NOT NULL,
    last_reinforced_at TIMESTAMPTZ NOT NULL
);

-- Access log
CREATE TABLE IF NOT EXISTS access_log (
    id BIGSERIAL PRIMARY KEY,
    quantum_id TEXT NOT NULL REFERENCES quanta(id) ON DELETE CASCADE,
    kind TEXT NOT NULL,
    context TEXT,
    relevance_at_access DOUBLE PRECISION NOT NULL,
    accessed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_access_log_quantum ON access_log(quantum_id, accessed_at DESC);
`
