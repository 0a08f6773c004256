package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/taskdeck/taskdeck/internal/models"
)

// Client wraps the Anthropic API for task enrichment and activity summaries.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// EnrichedTask holds the LLM-generated enrichment fields for a task.
type EnrichedTask struct {
	Description string `json:"description"`
	AgentPrompt string `json:"agent_prompt"`
}

// buildEnrichPrompt constructs the system and user prompts for task enrichment.
func buildEnrichPrompt(title, description string) (system string, user string) {
	system = `You enrich task data for an AI-assisted task coordination system. Given a task's title and optional description, return a JSON object with exactly two fields:

- "description": A concise 1-3 sentence summary of what this task is about. If a description is already provided, improve it for clarity. If none exists, generate one from the title.
- "agent_prompt": Detailed guidance (3-10 sentences) for the AI agent sessions that will plan, implement, and review this task. Include: what needs to be built or fixed, key technical considerations, suggested approach, and acceptance criteria. Be specific and actionable.

Rules:
- Return valid JSON only, no markdown fencing or explanation
- The description should be suitable for display on a kanban board
- The agent_prompt should be specific enough that a planning session can start immediately`

	var sb strings.Builder
	sb.WriteString("Task title: ")
	sb.WriteString(title)
	sb.WriteString("\n")
	if description != "" {
		sb.WriteString("\nExisting description: ")
		sb.WriteString(description)
		sb.WriteString("\n")
	}
	user = sb.String()
	return
}

// EnrichTask sends task data to the LLM and returns an enriched description
// and agent prompt.
func (c *Client) EnrichTask(ctx context.Context, title, description string) (*EnrichedTask, error) {
	systemPrompt, userPrompt := buildEnrichPrompt(title, description)

	text, err := c.complete(ctx, systemPrompt, userPrompt, 2048)
	if err != nil {
		return nil, err
	}

	var enriched EnrichedTask
	if err := json.Unmarshal([]byte(text), &enriched); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	return &enriched, nil
}

// SummarizeActivity condenses a session's activity records into a short
// prose summary suitable for the human review step.
func (c *Client) SummarizeActivity(ctx context.Context, taskTitle string, records []models.ActivityRecord) (string, error) {
	system, user := buildSummaryPrompt(taskTitle, records)
	return c.complete(ctx, system, user, 1024)
}

// buildSummaryPrompt constructs the system and user prompts for a session
// activity summary.
func buildSummaryPrompt(taskTitle string, records []models.ActivityRecord) (system string, user string) {
	system = `You summarize an AI agent work session for a human reviewer. Given the session's activity log, write 2-5 sentences covering: what the agent did, what succeeded or failed, and anything the reviewer should look at closely. Plain prose only, no lists or markdown.`

	var sb strings.Builder
	sb.WriteString("Task: ")
	sb.WriteString(taskTitle)
	sb.WriteString("\n\nActivity log:\n")
	for _, rec := range records {
		sb.WriteString(string(rec.Type))
		if rec.Error != "" {
			sb.WriteString(" [error: ")
			sb.WriteString(rec.Error)
			sb.WriteString("]")
		}
		if rec.Content != "" {
			sb.WriteString(": ")
			sb.WriteString(rec.Content)
		}
		sb.WriteString("\n")
	}
	user = sb.String()
	return
}

// complete sends a single-turn request and returns the response text with
// markdown fencing stripped.
func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int64) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}

	return stripFencing(text), nil
}

func stripFencing(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
