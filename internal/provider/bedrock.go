// Package provider implements concrete EmbeddingProvider and ChatProvider
// clients.
//
// AWS BEDROCK IMPLEMENTATION NOTES:
//
// BedrockClient wraps bedrockruntime.InvokeModel for two model families:
// Titan Embeddings (EmbeddingProvider) and Anthropic Claude on Bedrock
// (ChatProvider). Authentication is IAM credentials only; unlike the
// multi-provider gateway this package was adapted from, there is no
// Bearer-token / simulated-streaming fallback path, since the cache core
// never streams (an explicit non-goal).
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/sathvik-mn/semantiscache/internal/domain"
)

// BedrockConfig configures both the embedding and chat Bedrock clients.
// ExtraCredentials lets an operator register standby IAM credential sets
// (e.g. from a second AWS account) that KeySelector rotates across to
// spread load and route around a throttled or revoked key, mirroring the
// multi-key rotation this package was adapted from.
type BedrockConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	EmbeddingModel   string // e.g. "amazon.titan-embed-text-v2:0"
	ChatModel        string // e.g. "anthropic.claude-3-haiku-20240307-v1:0"
	ExtraCredentials []*Credential
	Connection       domain.ConnectionSettings // transport tuning for the SDK's HTTP client
}

// BedrockClient is the shared low-level runtime client for both providers
// below.
type BedrockClient struct {
	runtime  *bedrockruntime.Client
	cfg      BedrockConfig
	selector *KeySelector // nil unless ExtraCredentials were configured
}

// NewBedrockClient builds a runtime client from IAM credentials. When
// ExtraCredentials is non-empty, outbound calls rotate across the primary
// credential plus the extras via KeySelector instead of always using the
// primary.
func NewBedrockClient(ctx context.Context, cfg BedrockConfig) (*BedrockClient, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
		awsconfig.WithHTTPClient(BuildHTTPClient(cfg.Connection)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := &BedrockClient{runtime: bedrockruntime.NewFromConfig(awsCfg), cfg: cfg}
	if len(cfg.ExtraCredentials) > 0 {
		all := append([]*Credential{{
			ID: "primary", AccessKeyID: cfg.AccessKeyID, SecretAccessKey: cfg.SecretAccessKey, HealthScore: 1.0,
		}}, cfg.ExtraCredentials...)
		client.selector = NewKeySelector(all)
	}
	return client, nil
}

// invokeModel calls InvokeModel, routing through the credential KeySelector
// picks when multi-credential rotation is configured, and feeding the
// outcome back into the selector's health tracking.
func (c *BedrockClient) invokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
	if c.selector == nil {
		return c.runtime.InvokeModel(ctx, in)
	}

	cred := c.selector.Select()
	if cred == nil {
		return c.runtime.InvokeModel(ctx, in)
	}

	out, err := c.runtime.InvokeModel(ctx, in, func(o *bedrockruntime.Options) {
		o.Credentials = credentials.NewStaticCredentialsProvider(cred.AccessKeyID, cred.SecretAccessKey, "")
	})
	if err != nil {
		c.selector.RecordFailure(cred.ID, classifyCredentialErrType(err))
		return nil, err
	}
	c.selector.RecordSuccess(cred.ID, 0, time.Time{})
	return out, nil
}

func classifyCredentialErrType(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ThrottlingException") || strings.Contains(msg, "TooManyRequestsException"):
		return ErrorTypeRateLimit
	case strings.Contains(msg, "UnrecognizedClientException") || strings.Contains(msg, "AccessDeniedException"):
		return ErrorTypeAuthError
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "RequestTimeout"):
		return ErrorTypeTimeout
	default:
		return ErrorTypeServer
	}
}

// --- Embeddings (Titan) ------------------------------------------------------

type titanEmbeddingRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// BedrockEmbeddingProvider implements domain.EmbeddingProvider over the
// Titan Embeddings model.
type BedrockEmbeddingProvider struct {
	client *BedrockClient
}

// NewBedrockEmbeddingProvider wraps client for embeddings.
func NewBedrockEmbeddingProvider(client *BedrockClient) *BedrockEmbeddingProvider {
	return &BedrockEmbeddingProvider{client: client}
}

// Embed implements domain.EmbeddingProvider.
func (p *BedrockEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(titanEmbeddingRequest{InputText: text})
	if err != nil {
		return nil, &domain.FatalProviderError{Cause: fmt.Errorf("marshal titan request: %w", err)}
	}

	out, err := p.client.invokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     strPtr(p.client.cfg.EmbeddingModel),
		ContentType: strPtr("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classifyAWSErr(err)
	}

	var resp titanEmbeddingResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, &domain.FatalProviderError{Cause: fmt.Errorf("unmarshal titan response: %w", err)}
	}

	norm := float64(0)
	for _, v := range resp.Embedding {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return resp.Embedding, nil
	}
	n := math.Sqrt(norm)
	normalized := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		normalized[i] = float32(float64(v) / n)
	}
	return normalized, nil
}

// --- Chat (Claude on Bedrock) -----------------------------------------------

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicChatRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Temperature      float64            `json:"temperature,omitempty"`
	Messages         []anthropicMessage `json:"messages"`
}

type anthropicChatResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// BedrockChatProvider implements domain.ChatProvider over Claude on
// Bedrock. Cost is estimated from returned token counts using a flat
// per-million-token rate; a production deployment would source this from
// the model pricing table instead.
type BedrockChatProvider struct {
	client          *BedrockClient
	inputCostPer1M  float64
	outputCostPer1M float64
}

// NewBedrockChatProvider wraps client for chat completion.
func NewBedrockChatProvider(client *BedrockClient, inputCostPer1M, outputCostPer1M float64) *BedrockChatProvider {
	return &BedrockChatProvider{client: client, inputCostPer1M: inputCostPer1M, outputCostPer1M: outputCostPer1M}
}

// Complete implements domain.ChatProvider.
func (p *BedrockChatProvider) Complete(ctx context.Context, req domain.ChatRequest) (string, int64, float64, error) {
	msgs := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	body, err := json.Marshal(anthropicChatRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Temperature:      req.Temperature,
		Messages:         msgs,
	})
	if err != nil {
		return "", 0, 0, &domain.FatalProviderError{Cause: fmt.Errorf("marshal anthropic request: %w", err)}
	}

	out, err := p.client.invokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     strPtr(p.client.cfg.ChatModel),
		ContentType: strPtr("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", 0, 0, classifyAWSErr(err)
	}

	var resp anthropicChatResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", 0, 0, &domain.FatalProviderError{Cause: fmt.Errorf("unmarshal anthropic response: %w", err)}
	}

	var text string
	if len(resp.Content) > 0 {
		text = resp.Content[0].Text
	}

	tokensUsed := resp.Usage.InputTokens + resp.Usage.OutputTokens
	cost := (float64(resp.Usage.InputTokens)/1_000_000.0)*p.inputCostPer1M +
		(float64(resp.Usage.OutputTokens)/1_000_000.0)*p.outputCostPer1M

	return text, tokensUsed, cost, nil
}

func strPtr(s string) *string { return &s }

// classifyAWSErr buckets an AWS SDK error into the core's TransientError /
// FatalError vocabulary. Throttling and timeouts are retried by the caller
// (possibly via the resilience package); anything else is treated as
// fatal, matching §7's error-handling design.
func classifyAWSErr(err error) error {
	if err == nil {
		return nil
	}
	if isRetryableAWSErr(err) {
		return &domain.TransientProviderError{Cause: err}
	}
	return &domain.FatalProviderError{Cause: err}
}

func isRetryableAWSErr(err error) bool {
	// Retry timeouts and explicit throttling signals; the AWS SDK's context
	// deadline errors surface as context.DeadlineExceeded, not a typed AWS
	// error, so a plain string match keeps this independent of SDK internals.
	msg := err.Error()
	for _, needle := range []string{"ThrottlingException", "TooManyRequestsException", "timeout", "RequestTimeout"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
