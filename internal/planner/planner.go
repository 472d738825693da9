// Package planner turns task text into an executable plan.
package planner

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/cache"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/eventbus"
)

const (
	// DefaultScoreExpression scores a tool for a task type.
	DefaultScoreExpression = "base_weight * (1 + success_rate)"
	// DefaultFallbackTool runs the single step of a degraded plan.
	DefaultFallbackTool = "web_search"
	// DefaultCacheTTL bounds how long a task decomposition is reused.
	DefaultCacheTTL = 5 * time.Minute
	// FallbackPriorConfidence discounts results of degraded plans.
	FallbackPriorConfidence = 0.5
)

// scoreFunctions are the functions a score expression may call.
var scoreFunctions = map[string]govaluate.ExpressionFunction{
	"min": func(args ...any) (any, error) {
		a, b, err := twoFloats("min", args)
		if err != nil {
			return nil, err
		}
		return min(a, b), nil
	},
	"max": func(args ...any) (any, error) {
		a, b, err := twoFloats("max", args)
		if err != nil {
			return nil, err
		}
		return max(a, b), nil
	},
}

func twoFloats(name string, args []any) (float64, float64, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("%s expects 2 arguments, got %d", name, len(args))
	}
	a, okA := args[0].(float64)
	b, okB := args[1].(float64)
	if !okA || !okB {
		return 0, 0, fmt.Errorf("%s expects numeric arguments", name)
	}
	return a, b, nil
}

// TaskPlanner builds plans from task text using a tool registry.
type TaskPlanner struct {
	registry    dragonscale.ToolRegistry
	classifier  dragonscale.Classifier
	complexity  dragonscale.ComplexityEstimator
	stats       dragonscale.ToolStats
	scoreSource string
	score       *govaluate.EvaluableExpression
	defaultTool string
	cache       dragonscale.Cache
	cacheSet    bool
	eventBus    eventbus.EventBus
	logger      zerolog.Logger
}

// Option configures a TaskPlanner.
type Option func(*TaskPlanner)

// WithClassifier replaces the keyword classifier.
func WithClassifier(c dragonscale.Classifier) Option {
	return func(p *TaskPlanner) {
		p.classifier = c
	}
}

// WithComplexityEstimator replaces the lexical complexity heuristic.
func WithComplexityEstimator(e dragonscale.ComplexityEstimator) Option {
	return func(p *TaskPlanner) {
		p.complexity = e
	}
}

// WithToolStats sets the source of historical tool success rates.
func WithToolStats(s dragonscale.ToolStats) Option {
	return func(p *TaskPlanner) {
		p.stats = s
	}
}

// WithScoreExpression sets the tool scoring expression. It may reference
// base_weight and success_rate and call min and max.
func WithScoreExpression(expr string) Option {
	return func(p *TaskPlanner) {
		p.scoreSource = expr
	}
}

// WithDefaultTool sets the tool used by degraded single-step plans.
func WithDefaultTool(name string) Option {
	return func(p *TaskPlanner) {
		p.defaultTool = name
	}
}

// WithCache sets the decomposition cache. A nil cache disables caching.
func WithCache(c dragonscale.Cache) Option {
	return func(p *TaskPlanner) {
		p.cache = c
		p.cacheSet = true
	}
}

// WithEventBus publishes plan events to bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(p *TaskPlanner) {
		p.eventBus = bus
	}
}

// WithLogger sets the planner logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *TaskPlanner) {
		p.logger = logger
	}
}

// New creates a planner. It fails when the score expression does not
// compile or the registry is nil.
func New(registry dragonscale.ToolRegistry, opts ...Option) (*TaskPlanner, error) {
	if registry == nil {
		return nil, dragonscale.NewConfigurationError("planner requires a tool registry", nil)
	}
	p := &TaskPlanner{
		registry:    registry,
		classifier:  KeywordClassifier{},
		complexity:  dragonscale.ComplexityFunc(LexicalComplexity),
		scoreSource: DefaultScoreExpression,
		defaultTool: DefaultFallbackTool,
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if !p.cacheSet {
		p.cache = cache.NewInMemoryCache(DefaultCacheTTL, cache.WithLogger(p.logger))
	}

	expr, err := govaluate.NewEvaluableExpressionWithFunctions(p.scoreSource, scoreFunctions)
	if err != nil {
		return nil, dragonscale.NewConfigurationError(fmt.Sprintf("invalid score expression %q", p.scoreSource), err)
	}
	p.score = expr
	return p, nil
}

// CreatePlan builds a plan for task. A valid hint overrides the classified
// task type. Classification, tool selection and other internal failures
// degrade to a single step on the default tool; only a structurally
// invalid plan is returned as an error.
//
// The cache keeps only the decomposition of a task. Tools are selected on
// every call so that recorded outcomes change later plans.
func (p *TaskPlanner) CreatePlan(ctx context.Context, task string, hint dragonscale.TaskType) (*dragonscale.Plan, error) {
	plan, err := p.buildPlan(ctx, task, hint)
	if err != nil {
		if dragonscale.IsStructural(err) {
			eventbus.Emit(ctx, p.eventBus, eventbus.EventPlanRejected, "planner", err.Error(), nil)
			return nil, err
		}
		p.logger.Warn().Err(err).Str("task", trimmed(task, 80)).Msg("planning failed, using fallback plan")
		fallback := p.fallbackPlan(task, hint)
		eventbus.Emit(ctx, p.eventBus, eventbus.EventPlanFallback, "planner", fallback, map[string]any{"reason": err.Error()})
		return fallback, nil
	}

	p.logger.Info().
		Str("plan_id", plan.ID).
		Str("task_type", string(plan.TaskType)).
		Int("steps", len(plan.Steps)).
		Dur("estimated", plan.EstimatedDuration).
		Msg("plan created")
	eventbus.Emit(ctx, p.eventBus, eventbus.EventPlanCreated, "planner", plan, nil)
	return plan, nil
}

// decomposition is the tool-independent part of a plan.
type decomposition struct {
	taskType dragonscale.TaskType
	subtasks []subtask
}

type subtask struct {
	text       string
	taskType   dragonscale.TaskType
	complexity float64
}

// decompose classifies task and its subtasks, consulting the cache first.
// A cached decomposition is shared and must not be modified.
func (p *TaskPlanner) decompose(ctx context.Context, task string, hint dragonscale.TaskType) (*decomposition, error) {
	key := CacheKey(task, hint)
	if p.cache != nil {
		if cached, err := p.cache.Get(ctx, key); err == nil {
			if d, ok := cached.(*decomposition); ok {
				p.logger.Debug().Str("task_type", string(d.taskType)).Msg("decomposition cache hit")
				return d, nil
			}
		}
	}

	class, err := p.classifier.Classify(ctx, task)
	if err != nil {
		return nil, dragonscale.NewPlanGenerationError(err)
	}
	taskType := class.TaskType
	if hint != "" && hint.Valid() {
		taskType = hint
	}
	if !taskType.Valid() {
		return nil, dragonscale.NewPlanGenerationError(fmt.Errorf("classifier returned unknown task type %q", taskType))
	}

	texts := class.Subtasks
	if len(texts) == 0 {
		texts = []string{task}
	}
	d := &decomposition{taskType: taskType, subtasks: make([]subtask, len(texts))}
	for i, text := range texts {
		stepType := taskType
		if len(texts) > 1 || taskType == dragonscale.TaskTypeComposite {
			stepType = ClassifyStep(text, taskType)
		}
		d.subtasks[i] = subtask{
			text:       text,
			taskType:   stepType,
			complexity: clamp01(p.complexity.Estimate(text)),
		}
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, key, d); err != nil {
			p.logger.Debug().Err(err).Msg("decomposition cache set failed")
		}
	}
	return d, nil
}

func (p *TaskPlanner) buildPlan(ctx context.Context, task string, hint dragonscale.TaskType) (*dragonscale.Plan, error) {
	d, err := p.decompose(ctx, task, hint)
	if err != nil {
		return nil, err
	}

	var (
		steps    []dragonscale.PlanStep
		research []string
	)
	for i, sub := range d.subtasks {
		spec, err := p.selectTool(sub.taskType)
		if err != nil {
			return nil, dragonscale.NewPlanGenerationError(err)
		}
		step := dragonscale.PlanStep{
			ID:            fmt.Sprintf("s%d", i+1),
			Description:   sub.text,
			ToolName:      spec.Name,
			Parameters:    map[string]any{"query": sub.text},
			TaskType:      sub.taskType,
			Complexity:    sub.complexity,
			EstimatedTime: time.Duration(float64(spec.BaseTime) * (1 + sub.complexity)),
		}
		if (sub.taskType == dragonscale.TaskTypeAnalysis || sub.taskType == dragonscale.TaskTypeCode) && len(research) > 0 {
			step.Dependencies = append([]string(nil), research...)
			refs := make([]any, len(research))
			for j, id := range research {
				refs[j] = "$" + id + "." + dragonscale.OutputKeyResults
			}
			step.Parameters["input"] = refs
		}
		if sub.taskType == dragonscale.TaskTypeResearch {
			research = append(research, step.ID)
		}
		steps = append(steps, step)
	}

	plan := dragonscale.NewPlan(task, d.taskType, steps)
	if err := annotate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// annotate validates plan and fills its scheduling metadata.
func annotate(plan *dragonscale.Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	levels, err := plan.Levels()
	if err != nil {
		return err
	}
	for i, level := range levels {
		if len(level) > 1 {
			plan.Parallelizable = true
		}
		for _, id := range level {
			step, _ := plan.Step(id)
			step.ParallelGroup = fmt.Sprintf("level-%d", i)
		}
	}
	if plan.EstimatedDuration, err = plan.CriticalPath(); err != nil {
		return err
	}
	var total float64
	for _, s := range plan.Steps {
		total += s.Complexity
	}
	plan.TotalComplexity = total / float64(len(plan.Steps))
	return nil
}

// selectTool returns the highest scoring tool for taskType. Ties go to the
// tool declared first; tools scoring zero or less are never chosen.
func (p *TaskPlanner) selectTool(taskType dragonscale.TaskType) (dragonscale.ToolSpec, error) {
	var (
		best      dragonscale.ToolSpec
		bestScore float64
		found     bool
	)
	for _, spec := range p.registry.Specs() {
		score, err := p.Score(spec, taskType)
		if err != nil {
			return dragonscale.ToolSpec{}, err
		}
		if score <= 0 {
			continue
		}
		if !found || score > bestScore {
			best, bestScore, found = spec, score, true
		}
	}
	if !found {
		return dragonscale.ToolSpec{}, fmt.Errorf("no eligible tool for task type %q", taskType)
	}
	return best, nil
}

// Score evaluates the score expression for one tool and task type.
func (p *TaskPlanner) Score(spec dragonscale.ToolSpec, taskType dragonscale.TaskType) (float64, error) {
	rate := 0.0
	if p.stats != nil {
		rate = p.stats.SuccessRate(spec.Name)
	}
	result, err := p.score.Evaluate(map[string]any{
		"base_weight":  spec.WeightFor(taskType),
		"success_rate": rate,
	})
	if err != nil {
		return 0, fmt.Errorf("score tool %s: %w", spec.Name, err)
	}
	score, ok := result.(float64)
	if !ok {
		return 0, fmt.Errorf("score expression returned %T, want number", result)
	}
	return score, nil
}

func (p *TaskPlanner) fallbackPlan(task string, hint dragonscale.TaskType) *dragonscale.Plan {
	taskType := dragonscale.TaskTypeResearch
	if hint.Valid() {
		taskType = hint
	}
	baseTime := time.Second
	for _, spec := range p.registry.Specs() {
		if spec.Name == p.defaultTool {
			baseTime = spec.BaseTime
			break
		}
	}
	prior := FallbackPriorConfidence
	plan := dragonscale.NewPlan(task, taskType, []dragonscale.PlanStep{{
		ID:            "fallback",
		Description:   task,
		ToolName:      p.defaultTool,
		Parameters:    map[string]any{"query": task},
		TaskType:      taskType,
		EstimatedTime: baseTime,
		ParallelGroup: "level-0",
	}})
	plan.EstimatedDuration = baseTime
	plan.PriorConfidence = &prior
	return plan
}

// CacheKey is the blake3 digest of a task and hint, keying its cached
// decomposition.
func CacheKey(task string, hint dragonscale.TaskType) string {
	hasher := blake3.New()
	_, _ = hasher.Write([]byte(task))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(hint))
	return "plan:" + hex.EncodeToString(hasher.Sum(nil))
}

func clamp01(v float64) float64 {
	return min(1, max(0, v))
}

var _ dragonscale.Planner = (*TaskPlanner)(nil)
