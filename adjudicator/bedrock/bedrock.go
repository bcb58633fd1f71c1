// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package bedrock adjudicates through AWS Bedrock instead of an
// OpenAI-compatible endpoint. Deployments inside AWS get Signature V4
// authentication via IAM roles and never handle a model API key.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"tollgate/platform/adjudicator"
	"tollgate/platform/shared/logger"
)

// Invoker is the one Bedrock runtime call the client uses. It is satisfied
// by *bedrockruntime.Client.
type Invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Options configures a Client.
type Options struct {
	Region string
	Model  string

	// Static credentials override the default AWS credential chain. Leave
	// empty to use IAM roles.
	AccessKeyID     string
	SecretAccessKey string

	Timeout time.Duration
}

// Client adjudicates reviews through Bedrock InvokeModel. Only
// Anthropic-family model ids (including regional inference profiles like
// eu.anthropic.*) are supported; the verdict prompt requires a chat-style
// messages API.
type Client struct {
	invoker Invoker
	region  string
	model   string
	agentID string
	timeout time.Duration
	log     *logger.Logger
}

var _ adjudicator.Adjudicator = (*Client)(nil)

// inferenceProfilePrefixes are the regional prefixes Bedrock prepends to
// inference profile ids.
var inferenceProfilePrefixes = []string{"eu", "us", "apac", "global"}

// New builds a Bedrock adjudicator for one model, loading the AWS
// configuration for the given region.
func New(ctx context.Context, opts Options) (*Client, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	model := opts.Model
	if model == "" {
		model = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	}
	if family := modelFamily(model); family != "anthropic" {
		return nil, fmt.Errorf("unsupported bedrock model family %q in %q, only anthropic models carry the adjudication protocol", family, model)
	}

	cfgOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config for bedrock (region %s): %w", region, err)
	}

	return NewWithInvoker(bedrockruntime.NewFromConfig(awsCfg), region, model, opts.Timeout), nil
}

// NewWithInvoker wires a client over an existing Bedrock runtime client.
func NewWithInvoker(invoker Invoker, region, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		invoker: invoker,
		region:  region,
		model:   model,
		agentID: "adjudicator-" + model,
		timeout: timeout,
		log:     logger.New("adjudicator-bedrock"),
	}
}

// Evaluate sends the review to Bedrock and parses the model's verdict.
func (c *Client) Evaluate(ctx context.Context, review *adjudicator.Review) (*adjudicator.Verdict, error) {
	body, err := json.Marshal(map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        512,
		"temperature":       0,
		"messages": []map[string]string{
			{"role": "user", "content": adjudicator.Prompt(review)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal bedrock request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	output, err := c.invoker.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock adjudicator call: %w", err)
	}

	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("decode bedrock response: %w", err)
	}
	if len(resp.Content) == 0 {
		return nil, fmt.Errorf("bedrock response for model %s carried no content", c.model)
	}

	verdict, err := adjudicator.ParseVerdict(resp.Content[0].Text, c.agentID)
	if err != nil {
		return nil, err
	}

	c.log.InfoWithDuration(review.Request.PrincipalID, review.Request.RequestID, "adjudication complete",
		float64(time.Since(started).Milliseconds()), map[string]interface{}{
			"model":         c.model,
			"region":        c.region,
			"outcome":       string(verdict.Outcome),
			"confidence":    verdict.Confidence,
			"output_tokens": resp.Usage.OutputTokens,
		})
	return verdict, nil
}

// modelFamily extracts the model family from a Bedrock model id, skipping a
// regional inference profile prefix when present.
func modelFamily(modelID string) string {
	segments := strings.Split(modelID, ".")
	if len(segments) < 2 {
		return ""
	}
	for _, prefix := range inferenceProfilePrefixes {
		if segments[0] == prefix {
			if len(segments) > 2 {
				return segments[1]
			}
			return ""
		}
	}
	return segments[0]
}
