package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const answerInstruction = "Answer with a single word: yes or no."

// OpenAI classifies text with any OpenAI-compatible chat completion API.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates a classifier. An empty baseURL uses the OpenAI endpoint.
func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}
}

// Classify asks the model whether text satisfies prompt.
func (o *OpenAI) Classify(ctx context.Context, prompt, text string) (Verdict, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt + "\n\n" + answerInstruction},
			{Role: openai.ChatMessageRoleUser, Content: userMessage(text)},
		},
		MaxTokens: 20,
		// A zero temperature is dropped by omitempty.
		Temperature: math.SmallestNonzeroFloat32,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Verdict{}, errors.New("chat completion: no choices")
	}

	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	return Verdict{Token: firstWord(raw), Raw: raw}, nil
}
