package classifier

import (
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/cfx-platform/cfx-router/internal/shared/config"
	"github.com/cfx-platform/cfx-router/internal/shared/models"
)

func user(text string) []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: text}}
}

func newDefault() *Keyword {
	return NewKeyword(PolicyFromConfig(config.DefaultRouting().Classifier))
}

func TestClassifyHeaderWins(t *testing.T) {
	c := newDefault()

	tests := []struct {
		header string
		want   models.Stage
	}{
		{"PLAN", models.StagePlan},
		{"Code", models.StageCode},
		{" review ", models.StageReview},
		{"direct", models.StageDirect},
	}
	for _, tt := range tests {
		got := c.Classify(tt.header, user("please review this for security bugs"))
		require.Equal(t, tt.want, got.Stage, tt.header)
		require.False(t, got.Inferred)
	}
}

func TestClassifyInvalidHeaderFallsThrough(t *testing.T) {
	c := newDefault()
	got := c.Classify("deploy", user("design the system architecture"))
	require.Equal(t, models.StagePlan, got.Stage)
	require.True(t, got.Inferred)
}

func TestClassifyHeuristics(t *testing.T) {
	c := newDefault()

	tests := []struct {
		name string
		text string
		want models.Stage
	}{
		{"plan keywords", "plan the architecture", models.StagePlan},
		{"approach", "what's the best approach?", models.StagePlan},
		{"design", "Design a database schema", models.StagePlan},
		{"write", "write the login function", models.StageCode},
		{"refactor", "refactor the auth module", models.StageCode},
		{"code fence", "```python\ndef hello():\n    pass\n```", models.StageCode},
		{"review", "Review this code for security", models.StageReview},
		{"inflection", "Check for vulnerabilities", models.StageReview},
		{"turkish review", "bu modülü incele", models.StageReview},
		{"no signal", "Hello, how are you?", models.StageCode},
		{"tie code wins", "review and fix", models.StageCode},
		{"tie review over plan", "review the plan", models.StageReview},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify("", user(tt.text))
			require.Equal(t, tt.want, got.Stage)
			require.True(t, got.Inferred)
		})
	}
}

func TestClassifyEmptyMessages(t *testing.T) {
	c := newDefault()
	require.Equal(t, models.StageCode, c.Classify("", nil).Stage)
}

func TestClassifyUsesLastUserMessage(t *testing.T) {
	c := newDefault()
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "design the overall architecture and strategy"},
		{Role: openai.ChatMessageRoleAssistant, Content: "Here is a plan"},
		{Role: openai.ChatMessageRoleUser, MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: "now audit it"},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: "https://example.com/x.png"}},
		}},
	}
	require.Equal(t, models.StageReview, c.Classify("", msgs).Stage)
}

func TestClassifyCustomPolicy(t *testing.T) {
	c := NewKeyword(Policy{ReviewKeywords: []string{"lgtm"}})
	require.Equal(t, models.StageReview, c.Classify("", user("LGTM?")).Stage)
	require.Equal(t, models.StageCode, c.Classify("", user("design it")).Stage)
}
