package policies

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
)

// DefaultClass is the Weaviate class holding policy chunks.
const DefaultClass = "HotelPolicy"

// WeaviateConfig locates the policy index.
type WeaviateConfig struct {
	Host   string
	Scheme string
	APIKey string
	Class  string
	// HTTPClient is optional.
	HTTPClient *http.Client
}

// WeaviateIndex runs nearVector queries against a Weaviate class whose
// objects carry hotelId, hotelName and text properties.
type WeaviateIndex struct {
	client *weaviate.Client
	class  string
}

func NewWeaviateIndex(cfg WeaviateConfig) (*WeaviateIndex, error) {
	if cfg.Host == "" {
		return nil, errors.New("policies: weaviate host is required")
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Class == "" {
		cfg.Class = DefaultClass
	}
	wcfg := weaviate.Config{
		Host:             cfg.Host,
		Scheme:           cfg.Scheme,
		ConnectionClient: cfg.HTTPClient,
	}
	if cfg.APIKey != "" {
		wcfg.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, errors.Wrap(err, "policies: create weaviate client")
	}
	return &WeaviateIndex{client: client, class: cfg.Class}, nil
}

func (w *WeaviateIndex) NearVector(ctx context.Context, vector []float32, hotelID string, k int) ([]Chunk, error) {
	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	query := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(
			graphql.Field{Name: "hotelId"},
			graphql.Field{Name: "hotelName"},
			graphql.Field{Name: "text"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
		).
		WithNearVector(nearVector).
		WithLimit(k)
	if hotelID != "" {
		query = query.WithWhere(filters.Where().
			WithPath([]string{"hotelId"}).
			WithOperator(filters.Equal).
			WithValueText(hotelID))
	}

	resp, err := query.Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, errors.Errorf("weaviate: %s", strings.Join(msgs, "; "))
	}

	// The payload is untyped GraphQL JSON; a round trip is the simplest decode.
	raw, err := json.Marshal(resp.Data["Get"])
	if err != nil {
		return nil, errors.Wrap(err, "weaviate: encode result")
	}
	var byClass map[string][]struct {
		HotelID    string `json:"hotelId"`
		HotelName  string `json:"hotelName"`
		Text       string `json:"text"`
		Additional struct {
			Distance float64 `json:"distance"`
		} `json:"_additional"`
	}
	if err := json.Unmarshal(raw, &byClass); err != nil {
		return nil, errors.Wrap(err, "weaviate: decode result")
	}

	var chunks []Chunk
	for _, obj := range byClass[w.class] {
		chunks = append(chunks, Chunk{
			HotelID:   obj.HotelID,
			HotelName: obj.HotelName,
			Text:      obj.Text,
			Distance:  obj.Additional.Distance,
		})
	}
	return chunks, nil
}
