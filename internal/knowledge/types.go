package knowledge

import "time"

// Entry is a document chunk to be upserted into a collection scope.
type Entry struct {
	ID       string            // Unique identifier (uuid); empty = generated
	Text     string            // Chunk text content
	Metadata map[string]string // Optional metadata (source, page, etc.)
}

// Hit is a single search result, scored by cosine similarity.
type Hit struct {
	ID        string
	Text      string
	Score     float32 // Cosine similarity (0-1), higher is more similar
	Metadata  map[string]string
	CreatedAt time.Time
}
