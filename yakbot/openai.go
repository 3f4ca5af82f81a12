package yakbot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"golang.org/x/time/rate"
)

const (
	toolUpdateUserMemory = "update_user_memory"
	toolUpdateUserName   = "update_user_name"
	toolGetUserName      = "get_user_name"

	perMillion = 1e-6
)

// ErrToolRoundsExhausted indicates the model kept requesting function
// calls past the configured round limit.
var ErrToolRoundsExhausted = errors.New("tool call rounds exhausted")

// ModelPricing holds the per-token dollar rates for one chat model.
type ModelPricing struct {
	Input  float64
	Output float64
}

// chatPricing maps model names to per-token rates. A model absent from
// this table can't be metered and is rejected at prompt compile time.
var chatPricing = map[string]ModelPricing{
	"gpt-4.1":        {Input: 2.00 * perMillion, Output: 8.00 * perMillion},
	"gpt-4.1-mini":   {Input: 0.40 * perMillion, Output: 1.60 * perMillion},
	"gpt-4.1-nano":   {Input: 0.10 * perMillion, Output: 0.40 * perMillion},
	"gpt-4.5-preview": {
		Input:  75.00 * perMillion,
		Output: 150.00 * perMillion,
	},
	"gpt-4o":      {Input: 2.50 * perMillion, Output: 10.00 * perMillion},
	"gpt-4o-mini": {Input: 0.15 * perMillion, Output: 0.60 * perMillion},
	"o1":          {Input: 15.00 * perMillion, Output: 60.00 * perMillion},
	"o1-pro":      {Input: 150.00 * perMillion, Output: 600.00 * perMillion},
	"o1-mini":     {Input: 1.10 * perMillion, Output: 4.40 * perMillion},
	"o3":          {Input: 10.00 * perMillion, Output: 40.00 * perMillion},
	"o3-mini":     {Input: 1.10 * perMillion, Output: 4.40 * perMillion},
	"o4-mini":     {Input: 1.10 * perMillion, Output: 4.40 * perMillion},
	"gpt-4":       {Input: 30.00 * perMillion, Output: 60.00 * perMillion},
}

// imagePricing maps image model and size to a flat per-image dollar
// price.
var imagePricing = map[string]map[string]float64{
	"dall-e-2": {
		"1024x1024": 0.02,
	},
	"dall-e-3": {
		"1024x1024": 0.04,
		"1792x1024": 0.08,
		"1024x1792": 0.08,
	},
}

// ttsPricing maps speech model names to per-character dollar rates.
// Speech isn't exposed as a command, but the rates keep the cost table
// complete for operator tooling.
var ttsPricing = map[string]float64{
	"tts-1":           15.00 * perMillion,
	"gpt-4o-mini-tts": 12.00 * perMillion,
}

// ModelKnown reports whether model has a chat pricing entry.
func ModelKnown(model string) bool {
	_, ok := chatPricing[model]
	return ok
}

// completionCost computes the dollar cost of one completion response.
func completionCost(model string, usage openai.Usage) float64 {
	p := chatPricing[model]
	return p.Input*float64(usage.PromptTokens) +
		p.Output*float64(usage.CompletionTokens)
}

// ImageCost returns the flat price of generating n images with the
// given model and size. The bool is false for unpriced combinations.
func ImageCost(model string, size string, n int) (float64, bool) {
	sizes, ok := imagePricing[model]
	if !ok {
		return 0, false
	}
	price, ok := sizes[size]
	if !ok {
		return 0, false
	}
	return price * float64(n), true
}

// OpenAIClient is the subset of the OpenAI API the bot uses. Narrowed
// for mock clients in tests.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)

	CreateImage(
		ctx context.Context,
		request openai.ImageRequest,
	) (openai.ImageResponse, error)
}

// completionTools are the function definitions offered on every chat
// completion, backed by the identity store.
var completionTools = []openai.Tool{
	{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        toolUpdateUserMemory,
			Description: "Update memory about a user.",
			Strict:      true,
			Parameters: jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"user_id": {
						Type:        jsonschema.String,
						Description: "The ID of the user to update memory for.",
					},
					"memory": {
						Type: jsonschema.String,
						Description: "The new memory to replace the old " +
							"memory (try to keep previous memory " +
							"information intact by restating it unless " +
							"requested to remove certain details).",
					},
				},
				Required:             []string{"user_id", "memory"},
				AdditionalProperties: false,
			},
		},
	},
	{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        toolUpdateUserName,
			Description: "Update the preferred name of a user.",
			Strict:      true,
			Parameters: jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"user_id": {
						Type:        jsonschema.String,
						Description: "The ID of the user to update name for.",
					},
					"name": {
						Type:        jsonschema.String,
						Description: "The new preferred name for the user.",
					},
				},
				Required:             []string{"user_id", "name"},
				AdditionalProperties: false,
			},
		},
	},
	{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        toolGetUserName,
			Description: "Get the preferred name of a user.",
			Strict:      true,
			Parameters: jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"user_id": {
						Type:        jsonschema.String,
						Description: "The ID of the user to get name for.",
					},
				},
				Required:             []string{"user_id"},
				AdditionalProperties: false,
			},
		},
	},
}

// CompletionResult is the outcome of one full chat exchange, including
// any tool rounds. Cost covers every API round trip made.
type CompletionResult struct {
	Text       string  `json:"text"`
	Cost       float64 `json:"cost"`
	Rounds     int     `json:"rounds"`
	Model      string  `json:"model"`
	TotalUsage openai.Usage
}

func (c CompletionResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("text", truncate(c.Text, 100)),
		slog.Float64("cost", c.Cost),
		slog.Int("rounds", c.Rounds),
		slog.String("model", c.Model),
	)
}

// OpenAI manages all interaction with the OpenAI API: completion
// requests with tool call round trips, image generation, rate limiting
// and cost accounting.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	resolver       *IdentityResolver
	logger         *slog.Logger
	requestLimiter *rate.Limiter

	mu sync.RWMutex // protects requestLimiter
}

func newOpenAI(
	config *OpenAIConfig,
	resolver *IdentityResolver,
	httpClient *http.Client,
	logger *slog.Logger,
) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(config.Token)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	rps := config.MaxRequestsPerSecond
	if rps <= 0 {
		rps = DefaultOpenAIMaxRequestsPerSecond
	}
	return &OpenAI{
		client:         openai.NewClientWithConfig(clientCfg),
		config:         config,
		resolver:       resolver,
		logger:         logger.With(loggerNameKey, "openai"),
		requestLimiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

func (o *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	o.mu.RLock()
	limiter := o.requestLimiter
	o.mu.RUnlock()
	return limiter.Wait(ctx)
}

// turnMessage converts a compiled turn to a chat completion message,
// using multi-part content when the turn carries images.
func turnMessage(turn Turn) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{
		Role: turn.Role,
		Name: turn.Name,
	}
	if len(turn.ImageURLs) == 0 {
		msg.Content = turn.Text
		return msg
	}
	parts := []openai.ChatMessagePart{
		{Type: openai.ChatMessagePartTypeText, Text: turn.Text},
	}
	for _, url := range turn.ImageURLs {
		parts = append(
			parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: url,
				},
			},
		)
	}
	msg.MultiContent = parts
	return msg
}

// callTool dispatches a model-requested function call against the
// identity store. Failures are reported back to the model as a result
// payload, never as a Go error.
func (o *OpenAI) callTool(
	ctx context.Context,
	name string,
	arguments string,
) string {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = o.logger
	}
	var args struct {
		UserID string `json:"user_id"`
		Memory string `json:"memory"`
		Name   string `json:"name"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		logger.WarnContext(
			ctx,
			"malformed tool arguments",
			"tool", name,
			"arguments", arguments,
			tint.Err(err),
		)
		return fmt.Sprintf(`{"status": "error", "message": %q}`, err.Error())
	}

	switch name {
	case toolUpdateUserMemory:
		if err := o.resolver.SetMemory(ctx, args.UserID, args.Memory); err != nil {
			logger.ErrorContext(ctx, "error updating memory", tint.Err(err))
			return fmt.Sprintf(
				`{"status": "error", "message": %q}`, err.Error(),
			)
		}
		logger.InfoContext(
			ctx,
			"updated user memory",
			"user_id", args.UserID,
			"memory", truncate(args.Memory, 100),
		)
		return fmt.Sprintf(
			`{"status": "success", "message": "Memory for user %s updated."}`,
			args.UserID,
		)
	case toolUpdateUserName:
		if err := o.resolver.SetName(ctx, args.UserID, args.Name); err != nil {
			logger.ErrorContext(ctx, "error updating name", tint.Err(err))
			return fmt.Sprintf(
				`{"status": "error", "message": %q}`, err.Error(),
			)
		}
		logger.InfoContext(
			ctx,
			"updated user name",
			"user_id", args.UserID,
			"name", args.Name,
		)
		return fmt.Sprintf(
			`{"status": "success", "message": "Name for user %s updated to %q."}`,
			args.UserID, args.Name,
		)
	case toolGetUserName:
		identity, err := o.resolver.Identity(ctx, args.UserID)
		if err != nil {
			logger.ErrorContext(ctx, "error fetching name", tint.Err(err))
			return fmt.Sprintf(
				`{"status": "error", "message": %q}`, err.Error(),
			)
		}
		name := "User"
		if identity != nil && identity.Name != "" {
			name = identity.Name
		}
		return fmt.Sprintf(`{"status": "success", "name": %q}`, name)
	default:
		logger.WarnContext(ctx, "unknown tool call", "tool", name)
		return fmt.Sprintf(
			`{"status": "error", "message": "unknown function %s"}`, name,
		)
	}
}

// ChatResponse runs the completion loop for a compiled prompt,
// executing tool calls until the model produces a final text response
// or the round limit is hit. The returned result's Cost covers all
// rounds, including a failed final one, so the caller can decide what
// to charge.
func (o *OpenAI) ChatResponse(
	ctx context.Context,
	prompt *CompiledPrompt,
) (*CompletionResult, error) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = o.logger
		ctx = WithLogger(ctx, logger)
	}

	messages := make(
		[]openai.ChatCompletionMessage, 0, len(prompt.Turns)+1,
	)
	if prompt.System != "" {
		messages = append(
			messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: prompt.System,
			},
		)
	}
	for _, turn := range prompt.Turns {
		messages = append(messages, turnMessage(turn))
	}

	result := &CompletionResult{Model: prompt.Params.Model}
	maxRounds := o.config.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = DefaultOpenAIMaxToolRounds
	}

	for result.Rounds < maxRounds {
		if err := o.waitOnRequestLimiter(ctx); err != nil {
			return result, fmt.Errorf("error waiting on rate limiter: %w", err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, o.config.RequestTimeout)
		response, err := o.client.CreateChatCompletion(
			reqCtx, openai.ChatCompletionRequest{
				Model:            prompt.Params.Model,
				Messages:         messages,
				Temperature:      prompt.Params.Temperature,
				TopP:             prompt.Params.TopP,
				FrequencyPenalty: prompt.Params.FrequencyPenalty,
				PresencePenalty:  prompt.Params.PresencePenalty,
				Tools:            completionTools,
			},
		)
		cancel()
		result.Rounds++
		if err != nil {
			return result, fmt.Errorf("completion request failed: %w", err)
		}

		result.Cost += completionCost(prompt.Params.Model, response.Usage)
		result.TotalUsage.PromptTokens += response.Usage.PromptTokens
		result.TotalUsage.CompletionTokens += response.Usage.CompletionTokens
		result.TotalUsage.TotalTokens += response.Usage.TotalTokens
		logger.InfoContext(
			ctx,
			"completion round finished",
			"round", result.Rounds,
			"usage", response.Usage,
			"cost", result.Cost,
		)

		if len(response.Choices) == 0 {
			return result, errors.New("completion response had no choices")
		}
		choice := response.Choices[0].Message

		if len(choice.ToolCalls) == 0 {
			result.Text = choice.Content
			return result, nil
		}

		messages = append(messages, choice)
		for _, toolCall := range choice.ToolCalls {
			output := o.callTool(
				ctx,
				toolCall.Function.Name,
				toolCall.Function.Arguments,
			)
			messages = append(
				messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: toolCall.ID,
					Content:    output,
				},
			)
		}
	}
	return result, ErrToolRoundsExhausted
}

// GenerateImage creates one image and returns the decoded PNG along
// with its flat cost.
func (o *OpenAI) GenerateImage(
	ctx context.Context,
	prompt string,
	model string,
	size string,
) ([]byte, float64, error) {
	cost, priced := ImageCost(model, size, 1)
	if !priced {
		return nil, 0, fmt.Errorf(
			"no price for image model %q size %q", model, size,
		)
	}
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return nil, 0, fmt.Errorf("error waiting on rate limiter: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, o.config.RequestTimeout)
	defer cancel()
	response, err := o.client.CreateImage(
		reqCtx, openai.ImageRequest{
			Prompt:         prompt,
			Model:          model,
			Size:           size,
			N:              1,
			ResponseFormat: openai.CreateImageResponseFormatB64JSON,
		},
	)
	if err != nil {
		return nil, 0, fmt.Errorf("image request failed: %w", err)
	}
	if len(response.Data) == 0 {
		return nil, 0, errors.New("image response had no data")
	}
	decoded, err := base64.StdEncoding.DecodeString(response.Data[0].B64JSON)
	if err != nil {
		return nil, 0, fmt.Errorf("error decoding image payload: %w", err)
	}
	return decoded, cost, nil
}
