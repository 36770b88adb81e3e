package wizard

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/safelease/risk-platform/internal/llm"
	"github.com/safelease/risk-platform/internal/model"
	"github.com/safelease/risk-platform/pkg/logger"
	"github.com/safelease/risk-platform/pkg/metrics"
)

const classifyPrompt = `You label one message typed into a Korean real-estate contract analysis assistant.
Reply with a single JSON object and nothing else: {"kind": K, "contract_type": T}
K is "address" when the message is a postal address with a road or lot number,
"contract_type" when it names a contract type, "analysis_trigger" when it asks to start the analysis,
and "none" otherwise. T is one of "jeonse", "banjeonse", "wolse", "sale" or "" and is only set for "contract_type".
When unsure, answer "none".`

// LLMClassifier asks a language model to classify input. It is meant as the
// last link of a Chain, after the rule-based classifiers.
type LLMClassifier struct {
	client  llm.Client
	model   string
	timeout time.Duration
	logger  *logger.Logger
}

// NewLLMClassifier returns a classifier backed by client. An empty model
// uses the provider default.
func NewLLMClassifier(client llm.Client, model string, timeout time.Duration, log *logger.Logger) *LLMClassifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LLMClassifier{
		client:  client,
		model:   model,
		timeout: timeout,
		logger:  logger.OrGlobal(log).Named("classifier"),
	}
}

type llmLabel struct {
	Kind         string `json:"kind"`
	ContractType string `json:"contract_type"`
}

// Classify implements Classifier. Provider failures and unparseable replies
// count as no match.
func (c *LLMClassifier) Classify(ctx context.Context, text string) (Classification, bool) {
	if strings.TrimSpace(text) == "" {
		return Classification{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.Complete(ctx, &llm.CompletionRequest{
		Model:     c.model,
		System:    classifyPrompt,
		Messages:  []llm.ChatMessage{{Role: "user", Content: text}},
		MaxTokens: 64,
	})
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.ClassifierDuration.WithLabelValues(c.client.Name(), "error").Observe(elapsed)
		c.logger.Warn("llm classification failed",
			zap.String("provider", c.client.Name()),
			zap.Error(err),
		)
		return Classification{}, false
	}
	metrics.ClassifierDuration.WithLabelValues(c.client.Name(), "ok").Observe(elapsed)

	label, err := parseLabel(resp.Content)
	if err != nil {
		c.logger.Warn("unparseable classifier reply",
			zap.String("provider", c.client.Name()),
			zap.String("reply", resp.Content),
		)
		return Classification{}, false
	}

	switch Kind(label.Kind) {
	case KindAddress, KindAnalysisTrigger:
		return Classification{Kind: Kind(label.Kind)}, true
	case KindContractType:
		t := model.ContractType(label.ContractType)
		if !t.Valid() {
			return Classification{}, false
		}
		return Classification{Kind: KindContractType, ContractType: t}, true
	}
	return Classification{}, false
}

// parseLabel extracts the JSON object from a reply, tolerating code fences
// and surrounding prose.
func parseLabel(reply string) (llmLabel, error) {
	var label llmLabel
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return label, json.Unmarshal([]byte(reply), &label)
	}
	err := json.Unmarshal([]byte(reply[start:end+1]), &label)
	return label, err
}
