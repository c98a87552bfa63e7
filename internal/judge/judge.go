// Package judge defines the contract with the external language-model judge
// the orchestrator consumes scored verdicts from. The Bedrock-backed
// implementation keeps the model id in configuration and marshals one
// request body per invocation; rubric design stays outside the core.
package judge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// Verdict is the judge's scored assessment of one completed task, consumed
// by the Performance Tracker as (success, quality).
type Verdict struct {
	Success   bool    `json:"success"`
	Quality   float64 `json:"quality"`
	Rationale string  `json:"rationale"`
}

// Judge scores a task's output. Implementations run outside the core.
type Judge interface {
	Score(ctx context.Context, taskType, taskPayload, agentOutput string) (Verdict, error)
}

// BedrockJudge scores outputs by invoking a foundation model through the
// AWS Bedrock runtime.
type BedrockJudge struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockJudge resolves the ambient AWS configuration for the given
// region and returns a judge bound to one model id.
func NewBedrockJudge(ctx context.Context, region, modelID string) (*BedrockJudge, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &BedrockJudge{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// NewBedrockJudgeWithKeys builds a judge from explicit access keys instead
// of the ambient credential chain, for deployments that inject keys through
// the environment rather than an instance role.
func NewBedrockJudgeWithKeys(ctx context.Context, region, modelID, accessKeyID, secretAccessKey string) (*BedrockJudge, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &BedrockJudge{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// NewBedrockJudgeFromClient wraps an existing runtime client, used by tests.
func NewBedrockJudgeFromClient(client *bedrockruntime.Client, modelID string) *BedrockJudge {
	return &BedrockJudge{client: client, modelID: modelID}
}

type judgeRequest struct {
	AnthropicVersion string         `json:"anthropic_version"`
	MaxTokens        int            `json:"max_tokens"`
	Messages         []judgeMessage `json:"messages"`
}

type judgeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type judgeResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

// Score asks the model for a JSON verdict over the task and its output. The
// prompt is deliberately minimal; rubric design belongs to the judge's
// operators, not the core.
func (j *BedrockJudge) Score(ctx context.Context, taskType, taskPayload, agentOutput string) (Verdict, error) {
	prompt := fmt.Sprintf(
		"Assess the following %s task result. Respond with JSON only: {\"success\": bool, \"quality\": 0..1, \"rationale\": string}.\n\nTask: %s\n\nResult: %s",
		taskType, taskPayload, agentOutput)

	body, err := json.Marshal(judgeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        512,
		Messages:         []judgeMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal judge request: %w", err)
	}

	out, err := j.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(j.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("invoke judge model: %w", err)
	}

	var resp judgeResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return Verdict{}, fmt.Errorf("decode judge response: %w", err)
	}
	if len(resp.Content) == 0 {
		return Verdict{}, fmt.Errorf("judge returned no content")
	}

	var v Verdict
	if err := json.Unmarshal([]byte(resp.Content[0].Text), &v); err != nil {
		return Verdict{}, fmt.Errorf("parse judge verdict: %w", err)
	}
	if v.Quality < 0 {
		v.Quality = 0
	}
	if v.Quality > 1 {
		v.Quality = 1
	}
	return v, nil
}
