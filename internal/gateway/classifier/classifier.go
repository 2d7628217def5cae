// Package classifier decides which stage a chat request belongs to.
package classifier

import (
	"regexp"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/cfx-platform/cfx-router/internal/shared/config"
	"github.com/cfx-platform/cfx-router/internal/shared/models"
)

// Result is a classification outcome. Inferred is false when the stage came
// from the X-CFX-Stage header.
type Result struct {
	Stage    models.Stage
	Inferred bool
}

// Classifier never fails: absent any signal it returns its default stage
type Classifier interface {
	Classify(stageHeader string, messages []openai.ChatCompletionMessage) Result
}

// Policy is the keyword heuristic configuration
type Policy struct {
	PlanKeywords    []string
	CodeKeywords    []string
	ReviewKeywords  []string
	CodeFenceWeight int
}

// PolicyFromConfig converts the routing file section into a Policy
func PolicyFromConfig(c config.ClassifierConfig) Policy {
	return Policy{
		PlanKeywords:    c.PlanKeywords,
		CodeKeywords:    c.CodeKeywords,
		ReviewKeywords:  c.ReviewKeywords,
		CodeFenceWeight: c.CodeFenceWeight,
	}
}

// Keyword scores the last user message against per-stage keyword lists
type Keyword struct {
	plan, code, review *regexp.Regexp
	fenceWeight        int
}

var _ Classifier = (*Keyword)(nil)

var codeFence = regexp.MustCompile("```")

// NewKeyword compiles a keyword policy
func NewKeyword(p Policy) *Keyword {
	return &Keyword{
		plan:        compile(p.PlanKeywords),
		code:        compile(p.CodeKeywords),
		review:      compile(p.ReviewKeywords),
		fenceWeight: p.CodeFenceWeight,
	}
}

// Keywords match at the start of a word so inflections count
// ("vulnerabilities", "implementing").
func compile(words []string) *regexp.Regexp {
	if len(words) == 0 {
		return nil
	}
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(strings.ToLower(w))
		if w != "" {
			quoted = append(quoted, regexp.QuoteMeta(w))
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)`)
}

func count(re *regexp.Regexp, s string) int {
	if re == nil {
		return 0
	}
	return len(re.FindAllStringIndex(s, -1))
}

// Classify returns the header stage when valid, otherwise the heuristic stage
func (k *Keyword) Classify(stageHeader string, messages []openai.ChatCompletionMessage) Result {
	if stage, ok := models.ParseStage(stageHeader); ok {
		return Result{Stage: stage}
	}
	return Result{Stage: k.infer(LastUserText(messages)), Inferred: true}
}

func (k *Keyword) infer(text string) models.Stage {
	if text == "" {
		return models.StageCode
	}

	plan := count(k.plan, text)
	review := count(k.review, text)
	code := count(k.code, text)
	if codeFence.MatchString(text) {
		code += k.fenceWeight
	}

	// ties favour code, then review over plan
	switch {
	case code == 0 && plan == 0 && review == 0:
		return models.StageCode
	case code >= plan && code >= review:
		return models.StageCode
	case review >= plan:
		return models.StageReview
	default:
		return models.StagePlan
	}
}

// LastUserText returns the text of the last user message, joining
// multi-part content
func LastUserText(messages []openai.ChatCompletionMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != openai.ChatMessageRoleUser {
			continue
		}
		if m.Content != "" {
			return m.Content
		}
		var parts []string
		for _, p := range m.MultiContent {
			if p.Type == openai.ChatMessagePartTypeText && p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}
