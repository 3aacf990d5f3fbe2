// Package semantic is the Qdrant-backed vector index over entity name
// embeddings and edge fact embeddings, grounded on engine/semantic/store.go
// (teacher) and its model.go.
package semantic

// VectorRecord is a single embedding to upsert into the collection.
type VectorRecord struct {
	ID        string
	Embedding []float32
	// Payload carries entity_id, tenant, and kind ("entity" or "edge") so
	// a search hit can be hydrated back into a domain object.
	Payload map[string]any
}

// SearchResult is one k-NN hit, with the payload fields the hybrid
// search needs already promoted to struct fields.
type SearchResult struct {
	ID       string
	Score    float32
	EntityID string
	Tenant   string
	Meta     map[string]string
}
