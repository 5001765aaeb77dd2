package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"google.golang.org/genai"

	"colloquy/internal/featurize"
	"colloquy/internal/logging"
	"colloquy/internal/tracker"
)

// EmbeddingScorer scores candidate actions by cosine similarity between the
// latest user message's embedding and per-action exemplar centroids computed
// offline. The Gemini embedding API only supplies the vector; action
// selection stays in the ensemble.
type EmbeddingScorer struct {
	client    *genai.Client
	model     string
	centroids map[string][]float32
}

// NewEmbeddingScorer creates a scorer against the Gemini embedding API.
// centroids maps action name -> exemplar centroid, typically loaded with
// LoadCentroids.
func NewEmbeddingScorer(ctx context.Context, apiKey, model string, centroids map[string][]float32) (*EmbeddingScorer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding scorer requires an API key")
	}
	if len(centroids) == 0 {
		return nil, fmt.Errorf("embedding scorer requires at least one action centroid")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &EmbeddingScorer{client: client, model: model, centroids: centroids}, nil
}

// LoadCentroids reads an action->centroid map from a JSON file produced by an
// offline exemplar-embedding run.
func LoadCentroids(path string) (map[string][]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read centroids file: %w", err)
	}
	var centroids map[string][]float32
	if err := json.Unmarshal(data, &centroids); err != nil {
		return nil, fmt.Errorf("failed to parse centroids file: %w", err)
	}
	return centroids, nil
}

// Score embeds the latest user message and ranks actions by similarity.
// Scores are shifted into [0,1] and normalized to sum to one.
func (s *EmbeddingScorer) Score(ctx context.Context, features *featurize.Features, snap *tracker.Snapshot) (map[string]float64, error) {
	if snap.LatestMessage == "" {
		return nil, nil
	}

	timer := logging.StartTimer(logging.CategoryPolicy, "embedding.Score")
	defer timer.Stop()

	contents := []*genai.Content{
		genai.NewContentFromText(snap.LatestMessage, genai.RoleUser),
	}
	result, err := s.client.Models.EmbedContent(ctx, s.model, contents,
		&genai.EmbedContentConfig{TaskType: "CLASSIFICATION"})
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	vec := result.Embeddings[0].Values

	raw := make(map[string]float64, len(s.centroids))
	var sum float64
	for action, centroid := range s.centroids {
		// Cosine in [-1,1] shifted to [0,1].
		sim := (cosine(vec, centroid) + 1) / 2
		raw[action] = sim
		sum += sim
	}
	if sum == 0 {
		return nil, nil
	}
	for action := range raw {
		raw[action] /= sum
	}
	return raw, nil
}

// Close releases the scorer. The underlying client holds no connections that
// outlive its requests, so this only drops the reference.
func (s *EmbeddingScorer) Close() error {
	s.client = nil
	return nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
