package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
)

// Pricing is the cost of a model in USD per one million tokens.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Static pricing for the default models of each adapter. Update as
// providers change their prices; SetPricing overrides per tracker.
var defaultPricing = map[string]Pricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":              {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-haiku-20241022":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-2.5-flash":           {InputPer1M: 0.30, OutputPer1M: 2.50},
}

// Call is one recorded LLM invocation.
type Call struct {
	Model        string
	ThreadID     string
	NodeID       string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Timestamp    time.Time
}

// UsageTracker accumulates token usage and estimated cost across LLM calls.
// It is safe for concurrent use; the grading coordinator records from many
// goroutines at once.
type UsageTracker struct {
	mu       sync.RWMutex
	pricing  map[string]Pricing
	calls    []Call
	byModel  map[string]float64
	input    int64
	output   int64
	total    float64
	disabled bool
}

// NewUsageTracker returns a tracker using the built-in price table.
func NewUsageTracker() *UsageTracker {
	pricing := make(map[string]Pricing, len(defaultPricing))
	for k, v := range defaultPricing {
		pricing[k] = v
	}
	return &UsageTracker{
		pricing: pricing,
		byModel: make(map[string]float64),
	}
}

// Record adds one call. Models without a price entry are counted at zero
// cost but their tokens still accumulate.
func (t *UsageTracker) Record(c Call) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled {
		return
	}

	p := t.pricing[c.Model]
	c.CostUSD = float64(c.InputTokens)/1_000_000*p.InputPer1M +
		float64(c.OutputTokens)/1_000_000*p.OutputPer1M
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}

	t.calls = append(t.calls, c)
	t.byModel[c.Model] += c.CostUSD
	t.input += int64(c.InputTokens)
	t.output += int64(c.OutputTokens)
	t.total += c.CostUSD
}

// TotalCost returns the accumulated cost in USD.
func (t *UsageTracker) TotalCost() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// CostByModel returns a copy of the per-model cost breakdown.
func (t *UsageTracker) CostByModel() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]float64, len(t.byModel))
	for k, v := range t.byModel {
		out[k] = v
	}
	return out
}

// Calls returns a copy of the call history, oldest first.
func (t *UsageTracker) Calls() []Call {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Call, len(t.calls))
	copy(out, t.calls)
	return out
}

// Tokens returns the accumulated input and output token counts.
func (t *UsageTracker) Tokens() (input, output int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.input, t.output
}

// SetPricing overrides the price of model.
func (t *UsageTracker) SetPricing(model string, p Pricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[model] = p
}

// Disable stops recording until Enable is called.
func (t *UsageTracker) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = true
}

// Enable resumes recording.
func (t *UsageTracker) Enable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = false
}

// Reset drops all recorded calls and totals.
func (t *UsageTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
	t.byModel = make(map[string]float64)
	t.input, t.output, t.total = 0, 0, 0
}

func (t *UsageTracker) String() string {
	in, out := t.Tokens()
	return fmt.Sprintf("llm usage: %d calls, %d input tokens, %d output tokens, $%.4f",
		len(t.Calls()), in, out, t.TotalCost())
}

// Tracked wraps m so every successful call is recorded in tracker under
// modelName. The calling node and thread are taken from the graph.RunInfo
// on the context when present.
func Tracked(m ChatModel, modelName string, tracker *UsageTracker) ChatModel {
	if tracker == nil {
		return m
	}
	return &trackedModel{next: m, name: modelName, tracker: tracker}
}

type trackedModel struct {
	next    ChatModel
	name    string
	tracker *UsageTracker
}

func (m *trackedModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	out, err := m.next.Chat(ctx, messages, tools)
	if err != nil {
		return out, err
	}
	c := Call{Model: m.name, InputTokens: out.Usage.InputTokens, OutputTokens: out.Usage.OutputTokens}
	if info, ok := graph.RunInfoFrom(ctx); ok {
		c.ThreadID = info.ThreadID
		c.NodeID = info.NodeID
	}
	m.tracker.Record(c)
	return out, nil
}
