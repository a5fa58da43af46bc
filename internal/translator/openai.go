package translator

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"ollama-openai-adapter/internal/ollama"
)

// DefaultTemperature applies when the request omits temperature or sends null.
const DefaultTemperature = 0.7

const (
	roleSystem    = "system"
	roleUser      = "user"
	roleAssistant = "assistant"

	completionIDPrefix = "chatcmpl-"
	completionIDBytes  = 12
	modelOwner         = "ollama"
)

var (
	errEmptyModel     = errors.New("model must be provided")
	errMissingMessage = errors.New("messages must be provided")
	errInvalidRole    = errors.New("invalid role")
	errInvalidContent = errors.New("invalid message content")
)

// ChatCompletionRequest models the OpenAI chat/completions request payload.
// Stream is accepted but never honoured: replies are always a single JSON body.
type ChatCompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   *int
	Stream      bool
}

// UnmarshalJSON applies defaults and rejects structurally invalid requests.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model       *string        `json:"model"`
		Messages    *[]ChatMessage `json:"messages"`
		Temperature *float64       `json:"temperature"`
		MaxTokens   *int           `json:"max_tokens"`
		Stream      *bool          `json:"stream"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	if raw.Model == nil || strings.TrimSpace(*raw.Model) == "" {
		return errEmptyModel
	}
	if raw.Messages == nil {
		return errMissingMessage
	}

	r.Model = strings.TrimSpace(*raw.Model)
	r.Messages = *raw.Messages
	r.Temperature = DefaultTemperature
	if raw.Temperature != nil {
		r.Temperature = *raw.Temperature
	}
	r.MaxTokens = raw.MaxTokens
	r.Stream = raw.Stream != nil && *raw.Stream

	return nil
}

// ChatMessage is a single conversational turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UnmarshalJSON supports string and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	role := strings.TrimSpace(raw.Role)
	if role == "" {
		return fmt.Errorf("%w: role must not be empty", errInvalidRole)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = role
	m.Content = content
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("%w: missing content", errInvalidContent)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

// ToNative maps the chat request onto a single /api/generate call. Only the
// last system message and the most recent user turn survive; assistant turns
// and any other roles are dropped.
func (r ChatCompletionRequest) ToNative() ollama.GenerateRequest {
	var system string
	var userTurns []string

	for _, msg := range r.Messages {
		switch msg.Role {
		case roleSystem:
			system = msg.Content
		case roleUser:
			userTurns = append(userTurns, msg.Content)
		}
	}

	var prompt string
	if len(userTurns) > 0 {
		prompt = userTurns[len(userTurns)-1]
	}

	native := ollama.GenerateRequest{
		Model:  r.Model,
		Prompt: prompt,
		System: system,
		Stream: false,
		Options: ollama.GenerateOptions{
			Temperature: r.Temperature,
		},
	}

	if r.MaxTokens != nil && *r.MaxTokens != 0 {
		v := *r.MaxTokens
		native.Options.NumPredict = &v
	}

	return native
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// ChatChoice represents the single choice of a response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage mirrors the token usage block in OpenAI responses.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FromGenerate builds the OpenAI response from a native generation reply.
// Missing token counts are treated as zero and total is always their sum.
func FromGenerate(modelID string, createdUnix int64, resp *ollama.GenerateResponse) (ChatCompletionResponse, error) {
	id, err := NewCompletionID()
	if err != nil {
		return ChatCompletionResponse{}, err
	}

	var content string
	var promptTokens, completionTokens int
	if resp != nil {
		content = resp.Response
		promptTokens = intOrZero(resp.PromptEvalCount)
		completionTokens = intOrZero(resp.EvalCount)
	}

	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: createdUnix,
		Model:   modelID,
		Choices: []ChatChoice{
			{
				Index: 0,
				Message: ChatMessage{
					Role:    roleAssistant,
					Content: content,
				},
				FinishReason: "stop",
			},
		},
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

// NewCompletionID returns "chatcmpl-" followed by 12 random bytes in hex.
func NewCompletionID() (string, error) {
	buf := make([]byte, completionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate completion id: %w", err)
	}
	return completionIDPrefix + hex.EncodeToString(buf), nil
}

// ModelItem is one entry of the OpenAI model list.
type ModelItem struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the OpenAI /v1/models response.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelItem `json:"data"`
}

// FromTags converts a raw /api/tags body. A missing or non-array models field
// yields an empty list; entries without a string name are skipped.
func FromTags(createdUnix int64, body []byte) ModelList {
	data := make([]ModelItem, 0)

	gjson.GetBytes(body, "models.#.name").ForEach(func(_, name gjson.Result) bool {
		if name.Type != gjson.String {
			return true
		}
		if id := name.String(); id != "" {
			data = append(data, ModelItem{
				ID:      id,
				Object:  "model",
				Created: createdUnix,
				OwnedBy: modelOwner,
			})
		}
		return true
	})

	return ModelList{
		Object: "list",
		Data:   data,
	}
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
