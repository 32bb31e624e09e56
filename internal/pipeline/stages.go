// Package pipeline implements the multi-stage turn pipeline
// (Component E) and the orchestrator state machine that drives it
// (Component F): spec.md §4.E/§4.F.
package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aquagw/gateway/internal/domain"
	"github.com/aquagw/gateway/internal/llmclient"
)

// IntentChitchat and friends are the closed set of intent labels this
// orchestrator branches on (spec.md §4.E.2: "at minimum" this set;
// additional labels are allowed but only device_control changes the
// branch taken).
const (
	IntentChitchat       = "chitchat"
	IntentDataQuery       = "data_query"
	IntentDeviceControl   = "device_control"
	IntentDomainKnowledge = "domain_knowledge"
	IntentOther           = "other"
)

// Stages bundles the LLM-backed pipeline stages. Each stage is stateless
// apart from the shared LLM client.
type Stages struct {
	llm   *llmclient.Client
	model string
}

// NewStages builds a Stages using llm for every LLM-backed call.
func NewStages(llm *llmclient.Client, model string) *Stages {
	return &Stages{llm: llm, model: model}
}

// RewriteQuery rewrites text into a self-contained query when history
// is non-empty and the text appears to reference prior turns
// (pronouns, ellipsis). It is deterministic on empty history: returns
// text unchanged (spec.md §4.E.1).
func (s *Stages) RewriteQuery(ctx context.Context, text string, history []domain.PromptMessage) (string, error) {
	if len(history) == 0 || !needsRewrite(text) {
		return text, nil
	}

	messages := make([]llmclient.Message, 0, len(history)+2)
	messages = append(messages, llmclient.Message{
		Role: "system",
		Content: "Rewrite the user's latest message into a single self-contained query " +
			"that does not depend on the conversation history. Reply with only the rewritten query.",
	})
	for _, h := range history {
		messages = append(messages, llmclient.Message{Role: h.Role, Content: h.Content})
	}
	messages = append(messages, llmclient.Message{Role: domain.RoleUser, Content: text})

	resp, _, err := s.llm.Complete(ctx, llmclient.Request{Model: s.model, Messages: messages, Temperature: 0})
	if err != nil || len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return text, nil // rewrite is best-effort; fall back to the original text
	}
	rewritten := strings.TrimSpace(resp.Choices[0].Message.Content)
	if rewritten == "" {
		return text, nil
	}
	return rewritten, nil
}

// needsRewrite is a cheap heuristic for "references prior turns":
// pronouns and ellipsis markers that are meaningless without context.
func needsRewrite(text string) bool {
	lower := strings.ToLower(text)
	triggers := []string{"it", "that", "those", "they", "and what about", "what about", "also", "again"}
	for _, t := range triggers {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// ClassifyIntent returns one of the closed-set intent labels above.
func (s *Stages) ClassifyIntent(ctx context.Context, text string, history []domain.PromptMessage) (string, error) {
	messages := []llmclient.Message{
		{Role: "system", Content: "Classify the user's message into exactly one of: " +
			"chitchat, data_query, device_control, domain_knowledge, other. Reply with only the label."},
		{Role: domain.RoleUser, Content: text},
	}
	resp, _, err := s.llm.Complete(ctx, llmclient.Request{Model: s.model, Messages: messages, Temperature: 0})
	if err != nil || len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return IntentOther, domain.Wrap(domain.KindUpstream, "intent classification failed", err)
	}
	label := strings.ToLower(strings.TrimSpace(resp.Choices[0].Message.Content))
	switch label {
	case IntentChitchat, IntentDataQuery, IntentDeviceControl, IntentDomainKnowledge:
		return label, nil
	default:
		return IntentOther, nil
	}
}

// DecideRouting decides whether the upstream expert or a best-effort
// local data lookup should be consulted (spec.md §4.E.3).
func (s *Stages) DecideRouting(intent, text string) domain.RoutingDecision {
	switch intent {
	case IntentDomainKnowledge:
		return domain.RoutingDecision{NeedsExpert: true, Decision: "expert", Reason: "domain_knowledge intent"}
	case IntentDataQuery:
		return domain.RoutingDecision{NeedsData: true, Decision: "data_lookup", Reason: "data_query intent"}
	case IntentDeviceControl:
		return domain.RoutingDecision{Decision: "device_control", Reason: "device_control intent"}
	default:
		return domain.RoutingDecision{Decision: "direct", Reason: "no upstream consultation needed"}
	}
}

// SynthesisInput bundles everything the synthesis stage needs to build
// its system prompt (spec.md §4.E.4).
type SynthesisInput struct {
	UserText       string
	History        []domain.PromptMessage
	ExpertAnswer   string
	WeatherContext string
	SystemPrompt   string
}

// Synthesize streams the final assistant answer, invoking onDelta for
// every chunk. When ExpertAnswer is non-empty the system prompt
// instructs the model to ground its reply in it (spec.md §4.E.4).
func (s *Stages) Synthesize(ctx context.Context, in SynthesisInput, temperature float64, maxTokens int, onDelta func(string) error) (string, *domain.Stats, error) {
	var sysPrompt strings.Builder
	sysPrompt.WriteString(in.SystemPrompt)
	if in.ExpertAnswer != "" {
		sysPrompt.WriteString("\n\nBase your reply on the following expert answer, restating it clearly for the user:\n")
		sysPrompt.WriteString(in.ExpertAnswer)
	}
	if in.WeatherContext != "" {
		sysPrompt.WriteString("\n\nCurrent weather context:\n")
		sysPrompt.WriteString(in.WeatherContext)
	}

	messages := make([]llmclient.Message, 0, len(in.History)+2)
	messages = append(messages, llmclient.Message{Role: "system", Content: sysPrompt.String()})
	for _, h := range in.History {
		messages = append(messages, llmclient.Message{Role: h.Role, Content: h.Content})
	}
	messages = append(messages, llmclient.Message{Role: domain.RoleUser, Content: in.UserText})

	var full strings.Builder
	stats, err := s.llm.Stream(ctx, llmclient.Request{
		Model:       s.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}, func(delta string) error {
		full.WriteString(delta)
		return onDelta(delta)
	})
	return full.String(), stats, err
}

// MetaData serializes the turn's routing/expert metadata for
// persistence alongside the assistant row (spec.md §4.A "meta_data").
func MetaData(routing domain.RoutingDecision, expertConsulted bool, dataSource string, extra map[string]any) []byte {
	blob := map[string]any{
		"routing_decision": routing,
		"expert_consulted": expertConsulted,
	}
	if dataSource != "" {
		blob["data_source"] = dataSource
	}
	for k, v := range extra {
		blob[k] = v
	}
	out, _ := json.Marshal(blob)
	return out
}
