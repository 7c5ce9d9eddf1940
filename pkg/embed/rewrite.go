package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
)

// rewriteSystemPrompt steers the model toward the topical core of a query so
// the embedding lands near records about the same subject.
const rewriteSystemPrompt = "You are a professional topic and subject extractor. " +
	"Read this text and extract the main topics and subjects this text is discussing about."

const rewriteMaxTokens = 256

// AnthropicRewriter rewrites queries using Anthropic Claude.
type AnthropicRewriter struct {
	client anthropic.Client
	model  string
}

// NewAnthropicRewriter creates a new Anthropic query rewriter.
func NewAnthropicRewriter(apiKey, model string) *AnthropicRewriter {
	return &AnthropicRewriter{
		client: anthropic.NewClient(anthropicoption.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (r *AnthropicRewriter) RewriteQuery(ctx context.Context, text string) (string, error) {
	response, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(r.model),
		MaxTokens: rewriteMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: rewriteSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return "", classifyRewriteErr(err)
	}

	var content string
	for _, block := range response.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += b.Text
		}
	}

	return finishRewrite(content)
}

// OpenAIRewriter rewrites queries using OpenAI chat completions.
type OpenAIRewriter struct {
	client openai.Client
	model  string
}

// NewOpenAIRewriter creates a new OpenAI query rewriter.
func NewOpenAIRewriter(apiKey, model string) *OpenAIRewriter {
	return &OpenAIRewriter{
		client: openai.NewClient(openaioption.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (r *OpenAIRewriter) RewriteQuery(ctx context.Context, text string) (string, error) {
	response, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(r.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(rewriteSystemPrompt),
			openai.UserMessage(text),
		},
		MaxTokens: openai.Int(rewriteMaxTokens),
	})
	if err != nil {
		return "", classifyRewriteErr(err)
	}

	if len(response.Choices) == 0 {
		return "", fmt.Errorf("%w: no response choices returned", ErrEmbeddingFailure)
	}

	return finishRewrite(response.Choices[0].Message.Content)
}

func finishRewrite(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("%w: rewriter returned empty text", ErrEmbeddingFailure)
	}
	return content, nil
}

func classifyRewriteErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrEmbeddingTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrEmbeddingFailure, err)
}
