package provider

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
)

// ValidateBedrockModels calls the Bedrock control plane to confirm the
// configured embedding and chat model IDs are actually available in the
// target account/region, surfacing a typo or an unsubscribed model at
// startup instead of on the first real request.
func ValidateBedrockModels(ctx context.Context, cfg BedrockConfig) error {
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
		return fmt.Errorf("load aws config: %w", err)
	}

	client := bedrock.NewFromConfig(awsCfg)
	out, err := client.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{})
	if err != nil {
		return fmt.Errorf("list foundation models: %w", err)
	}

	available := make(map[string]bool, len(out.ModelSummaries))
	for _, m := range out.ModelSummaries {
		if m.ModelId != nil {
			available[*m.ModelId] = true
		}
	}

	var missing []string
	if cfg.EmbeddingModel != "" && !available[cfg.EmbeddingModel] {
		missing = append(missing, cfg.EmbeddingModel)
	}
	if cfg.ChatModel != "" && !available[cfg.ChatModel] {
		missing = append(missing, cfg.ChatModel)
	}
	if len(missing) > 0 {
		return fmt.Errorf("model(s) not available in account/region %s: %v", region, missing)
	}
	return nil
}
