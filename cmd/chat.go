package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"ollama-openai-adapter/internal/config"
)

const chatUsage = `Usage:
  ollama-openai-adapter chat [flags] <prompt...>

Flags:
  --config string   Optional YAML configuration file used for defaults
  --url    string   Adapter base URL (default http://127.0.0.1:<API_PORT>/v1)
  --key    string   Bearer token (default API_KEY)
  --model  string   Model name (default OLLAMA_DEFAULT_MODEL)
  --system string   Optional system message`

func chat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, chatUsage)
	}

	var cfgPath, baseURL, key, model, system string
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&baseURL, "url", "", "adapter base URL")
	fs.StringVar(&key, "key", "", "bearer token")
	fs.StringVar(&model, "model", "", "model name")
	fs.StringVar(&system, "system", "", "system message")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse chat flags: %w", err)
	}

	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" {
		return errors.New("chat command requires a prompt")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	req, client := buildChatRequest(cfg, baseURL, key, model, system, prompt)

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return fmt.Errorf("chat completion: %w", err)
	}

	return printCompletion(os.Stdout, resp)
}

func buildChatRequest(cfg config.Config, baseURL, key, model, system, prompt string) (openai.ChatCompletionRequest, *openai.Client) {
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://127.0.0.1:%d/v1", cfg.Server.Port)
	}
	if key == "" {
		key = cfg.Auth.APIKey
	}
	if model == "" {
		model = cfg.Ollama.DefaultModel
	}

	clientCfg := openai.DefaultConfig(key)
	clientCfg.BaseURL = strings.TrimRight(baseURL, "/")

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	return openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}, openai.NewClientWithConfig(clientCfg)
}

func printCompletion(w io.Writer, resp openai.ChatCompletionResponse) error {
	if len(resp.Choices) == 0 {
		return errors.New("chat completion returned no choices")
	}
	if _, err := fmt.Fprintln(w, resp.Choices[0].Message.Content); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n[%s] %s, tokens: prompt=%d completion=%d total=%d\n",
		resp.ID, resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
	return err
}
