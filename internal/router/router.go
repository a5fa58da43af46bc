package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"ollama-openai-adapter/internal/auth"
	"ollama-openai-adapter/internal/metrics"
	"ollama-openai-adapter/internal/ollama"
	"ollama-openai-adapter/internal/translator"
	"ollama-openai-adapter/internal/upstream"
)

// Backend issues a single logical call against the inference server.
type Backend interface {
	Call(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error)
}

// InternalError wraps every failure that reaches the endpoints from the
// backend or from translation. It is always reported as HTTP 500, even when
// the backend answered with a 4xx.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string {
	return "Internal server error: " + e.Err.Error()
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// Router sequences auth, translation and the backend call for each endpoint.
type Router struct {
	backend Backend
	gate    *auth.Gate
	log     *zap.Logger
	now     func() time.Time
}

// New constructs a router backed by the provided backend and auth gate.
func New(backend Backend, gate *auth.Gate, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		backend: backend,
		gate:    gate,
		log:     log.Named("router"),
		now:     time.Now,
	}
}

// Authorize runs the auth gate alone, for callers that must reject a request
// before decoding its body.
func (r *Router) Authorize(authHeader string) error {
	return r.gate.Check(authHeader)
}

// ChatCompletions serves one OpenAI chat completion with a single
// /api/generate call.
func (r *Router) ChatCompletions(ctx context.Context, req translator.ChatCompletionRequest, authHeader string) (*translator.ChatCompletionResponse, error) {
	if err := r.gate.Check(authHeader); err != nil {
		return nil, err
	}

	r.log.Info("chat completion request", zap.String("model", req.Model), zap.Int("messages", len(req.Messages)))
	if req.Stream {
		r.log.Debug("stream requested; returning a single completion", zap.String("model", req.Model))
	}

	native := req.ToNative()

	raw, err := r.backend.Call(ctx, http.MethodPost, ollama.GeneratePath, native)
	if err != nil {
		return nil, r.internal("Error calling Ollama API", err)
	}

	var generated ollama.GenerateResponse
	if err := json.Unmarshal(raw, &generated); err != nil {
		return nil, r.internal("Error calling Ollama API", fmt.Errorf("decode generate response: %w", err))
	}

	resp, err := translator.FromGenerate(req.Model, r.now().Unix(), &generated)
	if err != nil {
		return nil, r.internal("Error building chat completion", err)
	}

	metrics.ObserveTokens(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return &resp, nil
}

// ListModels returns the backend's local models in OpenAI list form.
func (r *Router) ListModels(ctx context.Context, authHeader string) (*translator.ModelList, error) {
	if err := r.gate.Check(authHeader); err != nil {
		return nil, err
	}

	r.log.Info("listing available models")

	raw, err := r.backend.Call(ctx, http.MethodGet, ollama.TagsPath, nil)
	if err != nil {
		return nil, r.internal("Error listing models", err)
	}

	list := translator.FromTags(r.now().Unix(), raw)
	return &list, nil
}

func (r *Router) internal(msg string, err error) error {
	fields := []zap.Field{zap.Error(err)}

	// The backend status is dropped from the reply; keep it visible in logs.
	var upErr *upstream.UpstreamError
	if errors.As(err, &upErr) {
		fields = append(fields, zap.Int("upstream_status", upErr.Status))
		if upErr.Status < http.StatusInternalServerError {
			r.log.Warn("upstream client error reported as 500", zap.Int("upstream_status", upErr.Status))
		}
	}

	r.log.Error(msg, fields...)
	return &InternalError{Err: err}
}
