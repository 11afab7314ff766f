package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ModelConfig binds a Mode to a model and a token budget.
type ModelConfig struct {
	Model     string
	MaxTokens int
}

// OpenAIConfig holds configuration for the OpenAI analyzer.
type OpenAIConfig struct {
	APIKey   string
	BaseURL  string // optional, e.g. a proxy or test server
	Fast     ModelConfig
	Accurate ModelConfig
	Keywords *KeywordConfig
	Logger   *zap.Logger
}

// OpenAIAnalyzer implements Analyzer with Chat Completions in JSON mode.
type OpenAIAnalyzer struct {
	client   *openai.Client
	models   map[Mode]ModelConfig
	fallback *KeywordClassifier
	logger   *zap.Logger
}

var errNoJSON = errors.New("no JSON object in response")

// NewOpenAIAnalyzer creates a new analyzer. Zero model settings use
// gpt-4o-mini for fast and gpt-4o for accurate passes.
func NewOpenAIAnalyzer(cfg OpenAIConfig) *OpenAIAnalyzer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	fast := cfg.Fast
	if fast.Model == "" {
		fast.Model = "gpt-4o-mini"
	}
	if fast.MaxTokens == 0 {
		fast.MaxTokens = 600
	}
	accurate := cfg.Accurate
	if accurate.Model == "" {
		accurate.Model = "gpt-4o"
	}
	if accurate.MaxTokens == 0 {
		accurate.MaxTokens = 2000
	}

	kw := DefaultKeywordConfig()
	if cfg.Keywords != nil {
		kw = *cfg.Keywords
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OpenAIAnalyzer{
		client:   openai.NewClientWithConfig(clientCfg),
		models:   map[Mode]ModelConfig{ModeFast: fast, ModeAccurate: accurate},
		fallback: NewKeywordClassifier(kw),
		logger:   logger.With(zap.String("component", "llm")),
	}
}

// Analyze implements Analyzer.
func (a *OpenAIAnalyzer) Analyze(ctx context.Context, transcript string, mode Mode) Assessment {
	res, err := a.analyze(ctx, transcript, mode)
	if err != nil {
		a.logger.Warn("analysis failed, using keyword fallback",
			zap.String("mode", string(mode)), zap.Error(err))
		return a.fallback.Classify(transcript, err.Error(), mode)
	}
	return res
}

func (a *OpenAIAnalyzer) analyze(ctx context.Context, transcript string, mode Mode) (Assessment, error) {
	mc, ok := a.models[mode]
	if !ok {
		mc = a.models[ModeFast]
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: mc.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: UserPrompt(transcript, mode)},
		},
		Temperature: 0.3,
		MaxTokens:   mc.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Assessment{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Assessment{}, fmt.Errorf("no choices in response")
	}

	res, err := ParseAssessment(resp.Choices[0].Message.Content)
	if err != nil {
		return Assessment{}, err
	}
	res.Mode = mode
	return res, nil
}

type rawAssessment struct {
	IsScam             bool     `json:"is_scam"`
	RiskLevel          string   `json:"risk_level"`
	Confidence         float64  `json:"confidence"`
	Indicators         []string `json:"indicators"`
	Reasoning          string   `json:"reasoning"`
	RecommendedActions []string `json:"recommended_actions"`
	Meta               *Meta    `json:"meta"`
}

// ParseAssessment extracts the outermost JSON object from a model reply
// (tolerating markdown fences and surrounding prose) and validates it.
func ParseAssessment(content string) (Assessment, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Assessment{}, errNoJSON
	}

	var raw rawAssessment
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return Assessment{}, fmt.Errorf("failed to parse assessment: %w", err)
	}

	risk, err := ParseRiskLevel(raw.RiskLevel)
	if err != nil {
		return Assessment{}, err
	}

	a := Assessment{
		IsScam:             raw.IsScam,
		RiskLevel:          risk,
		Confidence:         raw.Confidence,
		Indicators:         raw.Indicators,
		Reasoning:          strings.TrimSpace(raw.Reasoning),
		RecommendedActions: raw.RecommendedActions,
	}
	if raw.Meta != nil {
		a.Meta = *raw.Meta
	}
	a.normalize()
	return a, nil
}
