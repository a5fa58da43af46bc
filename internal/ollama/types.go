// Package ollama holds the wire types of the native inference backend.
package ollama

const (
	// GeneratePath is the non-chat generation endpoint.
	GeneratePath = "/api/generate"
	// TagsPath lists locally available models.
	TagsPath = "/api/tags"
)

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options GenerateOptions `json:"options"`
}

// GenerateOptions carries sampling parameters.
type GenerateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  *int    `json:"num_predict,omitempty"`
}

// GenerateResponse is the subset of the /api/generate reply the adapter reads.
// Counts are pointers because the backend omits them on some paths (cached prompts).
type GenerateResponse struct {
	Model           string `json:"model,omitempty"`
	Response        string `json:"response"`
	Done            bool   `json:"done,omitempty"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount *int   `json:"prompt_eval_count,omitempty"`
	EvalCount       *int   `json:"eval_count,omitempty"`
}

// Tag is one entry of the /api/tags model list.
type Tag struct {
	Name       string `json:"name"`
	Model      string `json:"model,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Digest     string `json:"digest,omitempty"`
}

// TagsResponse is the body of GET /api/tags.
type TagsResponse struct {
	Models []Tag `json:"models,omitempty"`
}
