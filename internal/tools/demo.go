package tools

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/adapters"
)

// Names of the built-in tools.
const (
	WebSearch    = "web_search"
	PageFetch    = "page_fetch"
	Analyze      = "analyze"
	CodeGen      = "code_gen"
	DataExtract  = "data_extract"
	AnswerLookup = "answer_lookup"
)

// Logical actions of the built-in tools.
const (
	ActionGather   = "gather"
	ActionAnalyze  = "analyze"
	ActionGenerate = "generate"
	ActionExtract  = "extract"
	ActionLookup   = "lookup"
)

type demoConfig struct {
	latency     time.Duration
	failureRate float64
	rng         *rand.Rand
	logger      zerolog.Logger
	genkit      *genkit.Genkit
}

// DemoOption configures the simulated tools.
type DemoOption func(*demoConfig)

// WithLatency sets the simulated per-call latency.
func WithLatency(d time.Duration) DemoOption {
	return func(c *demoConfig) {
		c.latency = d
	}
}

// WithFailureRate makes every simulated call fail with probability p.
func WithFailureRate(p float64, seed int64) DemoOption {
	return func(c *demoConfig) {
		c.failureRate = p
		c.rng = rand.New(rand.NewSource(seed))
	}
}

// WithDemoLogger sets the logger the simulated tools write to.
func WithDemoLogger(logger zerolog.Logger) DemoOption {
	return func(c *demoConfig) {
		c.logger = logger
	}
}

// WithGenkit registers every simulated tool as a Genkit flow on g, so tool
// calls are traced as flow runs.
func WithGenkit(g *genkit.Genkit) DemoOption {
	return func(c *demoConfig) {
		c.genkit = g
	}
}

// SetupRegistry returns a registry holding the simulated tools. web_search
// and page_fetch share the gather action, so either substitutes for the
// other.
func SetupRegistry(opts ...DemoOption) (*Registry, error) {
	cfg := &demoConfig{latency: 50 * time.Millisecond, logger: log.Logger}
	for _, opt := range opts {
		opt(cfg)
	}
	d := &demo{cfg: cfg}

	r := NewRegistry()
	registrations := []struct {
		tool dragonscale.Tool
		opts []SpecOption
	}{
		{
			tool: d.tool(WebSearch, d.webSearch,
				adapters.WithDescription("Searches the web for a query."),
				adapters.WithCategory("web"),
				adapters.WithParameters(map[string]string{"query": "search terms"}),
				adapters.WithReturns("results: list of snippets; shared.sources: list of urls"),
				adapters.WithValidator(requireQuery(1000)),
			),
			opts: []SpecOption{
				WithAction(ActionGather),
				WithBaseTime(2 * time.Second),
				WithBaseWeight(dragonscale.TaskTypeResearch, 1.0),
				WithBaseWeight(dragonscale.TaskTypeFactual, 0.6),
				WithBaseWeight(dragonscale.TaskTypeAnalysis, 0.2),
				WithDefaultWeight(0.1),
			},
		},
		{
			tool: d.tool(PageFetch, d.pageFetch,
				adapters.WithDescription("Fetches and condenses pages relevant to a query."),
				adapters.WithCategory("web"),
				adapters.WithParameters(map[string]string{"query": "topic", "url": "optional page url"}),
				adapters.WithReturns("results: list of page extracts"),
				adapters.WithValidator(requireQuery(1000)),
			),
			opts: []SpecOption{
				WithAction(ActionGather),
				WithBaseTime(3 * time.Second),
				WithBaseWeight(dragonscale.TaskTypeResearch, 0.8),
				WithDefaultWeight(0.1),
			},
		},
		{
			tool: d.tool(Analyze, d.analyze,
				adapters.WithDescription("Analyzes gathered material."),
				adapters.WithCategory("reasoning"),
				adapters.WithParameters(map[string]string{"query": "question", "input": "material to analyze"}),
				adapters.WithReturns("results: list of findings; summary: string"),
				adapters.WithValidator(requireQuery(2000)),
			),
			opts: []SpecOption{
				WithAction(ActionAnalyze),
				WithBaseTime(2 * time.Second),
				WithBaseWeight(dragonscale.TaskTypeAnalysis, 1.0),
				WithBaseWeight(dragonscale.TaskTypeComposite, 0.5),
				WithBaseWeight(dragonscale.TaskTypeData, 0.3),
				WithDefaultWeight(0.1),
			},
		},
		{
			tool: d.tool(CodeGen, d.codeGen,
				adapters.WithDescription("Generates a code sketch for a request."),
				adapters.WithCategory("generation"),
				adapters.WithParameters(map[string]string{"query": "what to build", "input": "optional reference material"}),
				adapters.WithReturns("code: string; language: string"),
				adapters.WithValidator(requireQuery(2000)),
			),
			opts: []SpecOption{
				WithAction(ActionGenerate),
				WithBaseTime(4 * time.Second),
				WithBaseWeight(dragonscale.TaskTypeCode, 1.0),
			},
		},
		{
			tool: d.tool(DataExtract, d.dataExtract,
				adapters.WithDescription("Extracts tabular data for a query."),
				adapters.WithCategory("data"),
				adapters.WithParameters(map[string]string{"query": "what to extract"}),
				adapters.WithReturns("data: map with columns and rows; results: list of rows"),
				adapters.WithValidator(requireQuery(1000)),
			),
			opts: []SpecOption{
				WithAction(ActionExtract),
				WithBaseTime(2 * time.Second),
				WithBaseWeight(dragonscale.TaskTypeData, 1.0),
				WithBaseWeight(dragonscale.TaskTypeAnalysis, 0.3),
			},
		},
		{
			tool: d.tool(AnswerLookup, d.answerLookup,
				adapters.WithDescription("Looks up a direct answer to a factual question."),
				adapters.WithCategory("knowledge"),
				adapters.WithParameters(map[string]string{"query": "question"}),
				adapters.WithReturns("direct_answer: string when known; results: list of facts"),
				adapters.WithValidator(requireQuery(500)),
			),
			opts: []SpecOption{
				WithAction(ActionLookup),
				WithBaseTime(time.Second),
				WithBaseWeight(dragonscale.TaskTypeFactual, 1.0),
				WithBaseWeight(dragonscale.TaskTypeResearch, 0.2),
			},
		},
	}
	for _, reg := range registrations {
		if err := r.Register(reg.tool, reg.opts...); err != nil {
			return nil, err
		}
	}
	return r, nil
}

type demo struct {
	cfg *demoConfig
	mu  sync.Mutex
}

func (d *demo) tool(name string, fn adapters.ToolFunc, opts ...adapters.ToolOption) dragonscale.Tool {
	if d.cfg.genkit != nil {
		return adapters.DefineToolFlow(d.cfg.genkit, name, fn, opts...)
	}
	return adapters.NewGoToolAdapter(name, fn, opts...)
}

func (d *demo) roll() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.rng.Float64()
}

// simulate waits out the configured latency and rolls the failure dice.
func (d *demo) simulate(ctx context.Context, tool string) error {
	if d.cfg.latency > 0 {
		timer := time.NewTimer(d.cfg.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if d.cfg.rng != nil && d.roll() < d.cfg.failureRate {
		return fmt.Errorf("%s: simulated upstream failure", tool)
	}
	d.cfg.logger.Debug().Str("tool", tool).Msg("simulated call finished")
	return nil
}

func (d *demo) webSearch(ctx context.Context, input map[string]any) (map[string]any, error) {
	query := input["query"].(string)
	if err := d.simulate(ctx, WebSearch); err != nil {
		return nil, err
	}
	slug := slugify(query)
	return map[string]any{
		dragonscale.OutputKeyResults: []any{
			fmt.Sprintf("Overview of %s", query),
			fmt.Sprintf("Recent developments in %s", query),
			fmt.Sprintf("Expert commentary on %s", query),
		},
		dragonscale.OutputKeyShared: map[string]any{
			"sources": []any{"https://example.org/" + slug, "https://news.example.com/" + slug},
		},
	}, nil
}

func (d *demo) pageFetch(ctx context.Context, input map[string]any) (map[string]any, error) {
	query := input["query"].(string)
	if err := d.simulate(ctx, PageFetch); err != nil {
		return nil, err
	}
	url, _ := input["url"].(string)
	if url == "" {
		url = "https://example.org/" + slugify(query)
	}
	return map[string]any{
		dragonscale.OutputKeyResults: []any{
			fmt.Sprintf("Extract from %s about %s", url, query),
		},
		dragonscale.OutputKeyShared: map[string]any{"sources": []any{url}},
	}, nil
}

func (d *demo) analyze(ctx context.Context, input map[string]any) (map[string]any, error) {
	query := input["query"].(string)
	if err := d.simulate(ctx, Analyze); err != nil {
		return nil, err
	}
	material := asList(input["input"])
	findings := []any{fmt.Sprintf("Key question: %s", query)}
	for _, m := range material {
		findings = append(findings, fmt.Sprintf("Finding based on: %v", m))
	}
	return map[string]any{
		dragonscale.OutputKeyResults: findings,
		"summary":                    fmt.Sprintf("Analyzed %d item(s) for %q", len(material), query),
	}, nil
}

func (d *demo) codeGen(ctx context.Context, input map[string]any) (map[string]any, error) {
	query := input["query"].(string)
	if err := d.simulate(ctx, CodeGen); err != nil {
		return nil, err
	}
	fn := strings.ReplaceAll(slugify(query), "-", "_")
	if len(fn) > 40 {
		fn = fn[:40]
	}
	code := fmt.Sprintf("// %s\nfunc %s() error {\n\treturn nil\n}\n", query, fn)
	return map[string]any{
		dragonscale.OutputKeyCode: code,
		"language":                "go",
	}, nil
}

func (d *demo) dataExtract(ctx context.Context, input map[string]any) (map[string]any, error) {
	query := input["query"].(string)
	if err := d.simulate(ctx, DataExtract); err != nil {
		return nil, err
	}
	rows := []any{
		map[string]any{"label": query, "value": 1},
		map[string]any{"label": query + " (baseline)", "value": 0},
	}
	return map[string]any{
		dragonscale.OutputKeyData: map[string]any{
			"columns": []any{"label", "value"},
			"rows":    rows,
		},
		dragonscale.OutputKeyResults: rows,
	}, nil
}

var knownAnswers = map[string]string{
	"capital of france":      "Paris",
	"capital of japan":       "Tokyo",
	"speed of light":         "299,792,458 m/s",
	"boiling point of water": "100 °C at sea level",
}

func (d *demo) answerLookup(ctx context.Context, input map[string]any) (map[string]any, error) {
	query := input["query"].(string)
	if err := d.simulate(ctx, AnswerLookup); err != nil {
		return nil, err
	}
	lower := strings.ToLower(query)
	for key, answer := range knownAnswers {
		if strings.Contains(lower, key) {
			return map[string]any{
				dragonscale.OutputKeyDirectAnswer: answer,
				dragonscale.OutputKeyResults:      []any{fmt.Sprintf("The %s is %s", key, answer)},
			}, nil
		}
	}
	return map[string]any{
		dragonscale.OutputKeyResults: []any{fmt.Sprintf("No direct answer recorded for %q", query)},
	}, nil
}

// requireQuery validates that input carries a non-empty query of at most
// max characters.
func requireQuery(max int) func(map[string]any) error {
	return func(input map[string]any) error {
		q, ok := input["query"]
		if !ok {
			return fmt.Errorf("missing query (expected at key 'query')")
		}
		s, ok := q.(string)
		if !ok {
			return fmt.Errorf("query must be a string, got %T", q)
		}
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("query cannot be empty")
		}
		if len(s) > max {
			return fmt.Errorf("query too long (max %d characters)", max)
		}
		return nil
	}
}

func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return []any{t}
	}
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
