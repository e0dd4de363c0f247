package ollama

import "context"

// ModelEmbedder binds a Client to a fixed embedding model. The model is
// configured once per process; switching models invalidates the vector
// collection, which the semantic adapter enforces via its model tag.
type ModelEmbedder struct {
	client *Client
	model  string
}

// NewModelEmbedder creates an embedder for one model.
func NewModelEmbedder(client *Client, model string) *ModelEmbedder {
	return &ModelEmbedder{client: client, model: model}
}

// Embed returns the embedding for text.
func (e *ModelEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.client.Embed(ctx, e.model, text)
}

// Model returns the configured model name.
func (e *ModelEmbedder) Model() string { return e.model }
