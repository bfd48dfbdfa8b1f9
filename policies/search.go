// Package policies answers hotel policy questions from a vector index of
// policy documents.
package policies

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// DefaultTopK is the number of chunks returned when the caller does not ask.
const DefaultTopK = 4

// Chunk is one retrieved policy passage.
type Chunk struct {
	HotelID   string  `json:"hotelId"`
	HotelName string  `json:"hotelName,omitempty"`
	Text      string  `json:"text"`
	Distance  float64 `json:"distance"`
}

// Embedder turns a query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index finds the k nearest chunks to vector, optionally restricted to one
// hotel.
type Index interface {
	NearVector(ctx context.Context, vector []float32, hotelID string, k int) ([]Chunk, error)
}

// Searcher combines an Embedder and an Index.
type Searcher struct {
	embedder Embedder
	index    Index
	topK     int
}

func NewSearcher(embedder Embedder, index Index, topK int) *Searcher {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Searcher{embedder: embedder, index: index, topK: topK}
}

// Search returns the passages closest to query. k <= 0 uses the searcher's
// default.
func (s *Searcher) Search(ctx context.Context, query, hotelID string, k int) ([]Chunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("policies: query is required")
	}
	if k <= 0 {
		k = s.topK
	}
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "policies: embed query")
	}
	chunks, err := s.index.NearVector(ctx, vector, hotelID, k)
	if err != nil {
		return nil, errors.Wrap(err, "policies: vector search")
	}
	return chunks, nil
}
