package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loopworks/cadence/internal/model"
	"github.com/loopworks/cadence/internal/service/memory"
	"github.com/loopworks/cadence/internal/service/patterns"
)

// ErrProjectNotFound is returned when the Project service has no record
// for the requested project.
var ErrProjectNotFound = errors.New("decision: project not found")

// Soft per-step budgets. A breach flags performance_thresholds_met,
// never fails the invocation.
const (
	budgetTotal     = 3000 * time.Millisecond
	budgetPatterns  = 1500 * time.Millisecond
	budgetRetrieval = 500 * time.Millisecond
	budgetBridge    = 300 * time.Millisecond
)

// Floor and cap for the strategy lookup on sprint-creating ticks.
const (
	strategyConfidenceFloor = 0.5
	strategyLookupLimit     = 20
)

// SnapshotSource assembles the perception snapshot for one project.
type SnapshotSource interface {
	Snapshot(ctx context.Context, projectID string) (model.ProjectSnapshot, error)
}

// EpisodeRetriever fetches similar past episodes; it degrades to empty,
// never errors.
type EpisodeRetriever interface {
	Retrieve(ctx context.Context, q memory.Query) []model.ScoredEpisode
}

// ContextBridge translates episodes into decision context.
type ContextBridge interface {
	Translate(episodes []model.ScoredEpisode, snapshot model.ProjectSnapshot) model.DecisionContext
}

// PatternAnalyzer produces the Chronicle longitudinal analysis.
type PatternAnalyzer interface {
	Analyze(ctx context.Context, projectID string) (model.ChronicleAnalysis, error)
}

// PatternCombiner fuses episode and Chronicle patterns.
type PatternCombiner interface {
	Combine(dc model.DecisionContext, ca model.ChronicleAnalysis) patterns.Combined
}

// CronjobChecker reports whether a named daily-scrum job exists.
type CronjobChecker interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// Executor applies a final decision to the world.
type Executor interface {
	Execute(ctx context.Context, snapshot model.ProjectSnapshot, d model.RuleDecision, opts model.OrchestrationOptions, correlationID string) model.ExecutionResult
}

// EpisodeSink accepts episodes for asynchronous persistence.
type EpisodeSink interface {
	Enqueue(e model.Episode)
}

// StrategySource surfaces learned strategies and their performance log.
// Each tick that creates a sprint notes which strategies matched its
// context; the outcome is attached once the sprint closes.
type StrategySource interface {
	FindApplicableStrategies(ctx context.Context, strategyType string, minConfidence float32, limit int) ([]model.Strategy, error)
	LogStrategyPerformance(ctx context.Context, p model.StrategyPerformance) error
}

// DecisionAuditor persists decision provenance.
type DecisionAuditor interface {
	Record(ctx context.Context, d model.EnhancedDecision, sprintID string) model.AuditRecord
}

// EngineConfig tunes one engine instance.
type EngineConfig struct {
	// LearningEnabled gates the episodic-memory path globally. The
	// per-request enable_pattern_recognition option gates it per call.
	LearningEnabled bool

	// AgentVersion tags logged episodes.
	AgentVersion string

	// RetrievalLimit caps similar-episode retrieval.
	RetrievalLimit int

	// MinQuality and MinSimilarity filter retrieved episodes.
	MinQuality    float32
	MinSimilarity float32

	// AuditTimeout bounds the deferred audit write.
	AuditTimeout time.Duration
}

// DefaultEngineConfig matches the platform defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		LearningEnabled: true,
		AgentVersion:    "cadence/1",
		RetrievalLimit:  10,
		MinQuality:      0.5,
		MinSimilarity:   0.6,
		AuditTimeout:    5 * time.Second,
	}
}

// Engine sequences one orchestration tick: perceive, remember, decide,
// adjust, act, learn. Intelligence failures degrade to the rule-based
// baseline; only perception or execution failures surface as errors.
type Engine struct {
	cfg        EngineConfig
	snapshots  SnapshotSource
	retriever  EpisodeRetriever
	bridge     ContextBridge
	analyzer   PatternAnalyzer
	combiner   PatternCombiner
	modifier   *Modifier
	gate       *Gate
	strategies StrategySource
	cronjobs   CronjobChecker
	executor   Executor
	episodes   EpisodeSink
	auditor    DecisionAuditor
	logger     *slog.Logger
}

// NewEngine wires the engine. Retriever, bridge, analyzer, combiner,
// strategies, episodes, and auditor may be nil to run rule-based only.
func NewEngine(
	cfg EngineConfig,
	snapshots SnapshotSource,
	retriever EpisodeRetriever,
	bridge ContextBridge,
	analyzer PatternAnalyzer,
	combiner PatternCombiner,
	modifier *Modifier,
	gate *Gate,
	strategies StrategySource,
	cronjobs CronjobChecker,
	executor Executor,
	episodes EpisodeSink,
	auditor DecisionAuditor,
	logger *slog.Logger,
) *Engine {
	if cfg.RetrievalLimit <= 0 {
		cfg.RetrievalLimit = 10
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = 5 * time.Second
	}
	return &Engine{
		cfg:        cfg,
		snapshots:  snapshots,
		retriever:  retriever,
		bridge:     bridge,
		analyzer:   analyzer,
		combiner:   combiner,
		modifier:   modifier,
		gate:       gate,
		strategies: strategies,
		cronjobs:   cronjobs,
		executor:   executor,
		episodes:   episodes,
		auditor:    auditor,
		logger:     logger,
	}
}

// Decide runs one orchestration tick for a project.
func (e *Engine) Decide(ctx context.Context, projectID string, opts model.OrchestrationOptions) (model.DecisionResponse, error) {
	start := time.Now()

	snapshot, err := e.snapshots.Snapshot(ctx, projectID)
	if err != nil {
		return model.DecisionResponse{}, err
	}

	learning := e.cfg.LearningEnabled && opts.EnablePatternRecognition &&
		e.retriever != nil && e.bridge != nil

	var (
		dc          model.DecisionContext
		analysis    model.ChronicleAnalysis
		analysisErr error
		retrievalMs int64
		bridgeMs    int64
		patternMs   int64
	)

	g, gctx := errgroup.WithContext(ctx)
	if learning {
		g.Go(func() error {
			t0 := time.Now()
			episodes := e.retriever.Retrieve(gctx, memory.Query{
				Context:       snapshotText(snapshot),
				ProjectID:     projectID,
				Limit:         e.cfg.RetrievalLimit,
				MinQuality:    e.cfg.MinQuality,
				MinSimilarity: e.cfg.MinSimilarity,
			})
			retrievalMs = time.Since(t0).Milliseconds()

			t1 := time.Now()
			dc = e.bridge.Translate(episodes, snapshot)
			bridgeMs = time.Since(t1).Milliseconds()
			return nil
		})
	}
	if e.analyzer != nil {
		g.Go(func() error {
			t0 := time.Now()
			analysis, analysisErr = e.analyzer.Analyze(gctx, projectID)
			patternMs = time.Since(t0).Milliseconds()
			if analysisErr != nil {
				e.logger.Warn("pattern analysis degraded",
					"project_id", projectID, "error", analysisErr)
			}
			return nil
		})
	}
	_ = g.Wait()

	cronjobExists := e.checkCronjob(ctx, snapshot)
	base := Rules(snapshot, opts, cronjobExists)

	d := model.EnhancedDecision{
		ProjectID:      projectID,
		Base:           base,
		Final:          base,
		Applied:        make(map[model.AdjustmentKind]model.Adjustment),
		DecisionMode:   model.ModeRuleBasedOnly,
		DecisionSource: "rules",
		CorrelationID:  correlationID(ctx),
		ReasoningChain: []string{base.Reasoning},
	}

	var combined patterns.Combined
	if analysisErr == nil && e.combiner != nil {
		combined = e.combiner.Combine(dc, analysis)
	}

	proposals := e.proposals(base, dc, analysis, analysisErr, combined)
	d.Proposed = proposals

	if len(proposals) > 0 && e.gate != nil {
		approved := e.gate.Approve(ctx, proposals)
		e.apply(&d, approved)
	}

	if d.ModificationsApplied > 0 {
		d.DecisionMode = model.ModeIntelligenceEnhanced
	}
	d.ConfidenceScores = map[string]float64{
		"episode_context":   dc.Confidence,
		"chronicle":         analysis.Velocity.Confidence,
		"combined_patterns": combined.Confidence,
	}

	d.Performance = model.PerformanceMetrics{
		TotalMs:            time.Since(start).Milliseconds(),
		EpisodeRetrievalMs: retrievalMs,
		MemoryBridgeMs:     bridgeMs,
		PatternAnalysisMs:  patternMs,
	}

	var exec model.ExecutionResult
	if e.executor != nil {
		exec = e.executor.Execute(ctx, snapshot, d.Final, opts, d.CorrelationID)
	}

	d.Performance.TotalMs = time.Since(start).Milliseconds()
	d.Performance.ThresholdsMet = retrievalMs <= budgetRetrieval.Milliseconds() &&
		bridgeMs <= budgetBridge.Milliseconds() &&
		patternMs <= budgetPatterns.Milliseconds() &&
		d.Performance.TotalMs <= budgetTotal.Milliseconds()

	d.Metadata = map[string]any{
		"decision_mode":         d.DecisionMode,
		"modifications_applied": d.ModificationsApplied,
		"thresholds_met":        d.Performance.ThresholdsMet,
		"hybrid_patterns":       len(combined.Patterns) > 0,
		"learning_enabled":      learning,
		"episodes_found":        dc.EpisodesFound,
		"episodes_used":         dc.EpisodesUsed,
		"similar_projects":      len(analysis.SimilarProjects),
	}

	e.afterDecision(ctx, d, snapshot, dc, exec)

	return model.DecisionResponse{
		ProjectID:          projectID,
		Analysis:           analysisSummary(snapshot, dc, analysis),
		Decisions:          d.Final,
		ActionsTaken:       exec.ActionsTaken,
		Warnings:           append(d.Final.Warnings, exec.Warnings...),
		CronjobName:        exec.CronjobName,
		SprintID:           exec.SprintID,
		PerformanceMetrics: d.Performance,
		Metadata:           d.Metadata,
	}, nil
}

// proposals prefers hybrid combined patterns and falls back to the
// Chronicle-only modifier.
func (e *Engine) proposals(base model.RuleDecision, dc model.DecisionContext, analysis model.ChronicleAnalysis, analysisErr error, combined patterns.Combined) []model.Adjustment {
	if hybrid := hybridAdjustments(base, combined); len(hybrid) > 0 {
		return hybrid
	}
	if analysisErr != nil || e.modifier == nil {
		return nil
	}
	return e.modifier.Propose(base, analysis)
}

// hybridAdjustments builds adjustments from fused patterns when they
// meaningfully differ from the base: more than one task apart, or any
// differing duration.
func hybridAdjustments(base model.RuleDecision, combined patterns.Combined) []model.Adjustment {
	if !base.CreateNewSprint {
		return nil
	}

	var out []model.Adjustment
	for _, p := range combined.Patterns {
		value := int(math.Round(p.Value))
		switch p.Type {
		case model.PatternTaskCount:
			if absInt(value-base.TasksToAssign) <= 1 {
				continue
			}
			out = append(out, model.Adjustment{
				Kind:             model.AdjustTaskCount,
				OriginalValue:    base.TasksToAssign,
				RecommendedValue: value,
				Confidence:       p.Confidence,
				Rationale: fmt.Sprintf(
					"Fused evidence from %d observations favors %d tasks (success rate %.2f)",
					p.EvidenceCount, value, p.SuccessRate),
				EvidenceSource: fmt.Sprintf("combined_sources:%d", p.EvidenceCount),
				EvidenceCount:  p.EvidenceCount,
				Source:         SourceHybrid,
			})
		case model.PatternSprintDuration:
			if value == base.SprintDurationWeeks || value < 1 {
				continue
			}
			out = append(out, model.Adjustment{
				Kind:             model.AdjustDuration,
				OriginalValue:    base.SprintDurationWeeks,
				RecommendedValue: value,
				Confidence:       p.Confidence,
				Rationale: fmt.Sprintf(
					"Fused evidence from %d observations favors %d-week sprints (success rate %.2f)",
					p.EvidenceCount, value, p.SuccessRate),
				EvidenceSource: fmt.Sprintf("combined_sources:%d", p.EvidenceCount),
				EvidenceCount:  p.EvidenceCount,
				Source:         SourceHybrid,
			})
		}
	}
	return out
}

// apply folds approved adjustments into the final decision in the fixed
// order task_count then duration.
func (e *Engine) apply(d *model.EnhancedDecision, approved []model.Adjustment) {
	for _, kind := range []model.AdjustmentKind{model.AdjustTaskCount, model.AdjustDuration} {
		for _, adj := range approved {
			if adj.Kind != kind {
				continue
			}
			switch kind {
			case model.AdjustTaskCount:
				d.Final.TasksToAssign = adj.RecommendedValue
			case model.AdjustDuration:
				d.Final.SprintDurationWeeks = adj.RecommendedValue
			}
			d.Applied[kind] = adj
			d.ModificationsApplied++
			d.DecisionSource = adj.Source
			d.ReasoningChain = append(d.ReasoningChain, adj.Rationale)
			d.Final.Reasoning = d.Final.Reasoning + "; " + adj.Rationale
			break
		}
	}
}

// checkCronjob asks the control plane whether the active sprint's job
// exists. A check failure is treated as present so the self-heal path
// does not fire on a flaky control plane.
func (e *Engine) checkCronjob(ctx context.Context, snapshot model.ProjectSnapshot) bool {
	if snapshot.ActiveSprint == nil || e.cronjobs == nil {
		return true
	}
	name := model.CronJobName(snapshot.ProjectID, snapshot.ActiveSprint.ID)
	exists, err := e.cronjobs.Exists(ctx, name)
	if err != nil {
		e.logger.Warn("cronjob existence check failed, assuming present",
			"cronjob", name, "error", err)
		return true
	}
	return exists
}

// afterDecision runs the post-response work: strategy bookkeeping,
// episode logging, and audit. None of it can fail the tick.
func (e *Engine) afterDecision(ctx context.Context, d model.EnhancedDecision, snapshot model.ProjectSnapshot, dc model.DecisionContext, exec model.ExecutionResult) {
	ep := e.buildEpisode(d, snapshot, dc, exec)
	e.noteStrategyUse(ctx, &ep, snapshot, d)
	if e.episodes != nil {
		e.episodes.Enqueue(ep)
	}
	if e.auditor != nil {
		go func() {
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.AuditTimeout)
			defer cancel()
			e.auditor.Record(actx, d, exec.SprintID)
		}()
	}
}

// noteStrategyUse logs a pending performance entry for every learned
// strategy whose conditions match this sprint-creating tick, and records
// the matched ids on the episode. Outcomes are attached to these entries
// when the sprint closes.
func (e *Engine) noteStrategyUse(ctx context.Context, ep *model.Episode, snapshot model.ProjectSnapshot, d model.EnhancedDecision) {
	if e.strategies == nil || !d.Final.CreateNewSprint {
		return
	}
	found, err := e.strategies.FindApplicableStrategies(ctx,
		"sprint_planning", strategyConfidenceFloor, strategyLookupLimit)
	if err != nil {
		e.logger.Warn("strategy lookup failed",
			"project_id", d.ProjectID, "error", err)
		return
	}

	var applied []string
	for _, s := range found {
		if !strategyApplies(s, snapshot) {
			continue
		}
		perf := model.StrategyPerformance{
			StrategyID:        s.ID,
			EpisodeID:         ep.ID,
			PredictedOutcome:  "success",
			Confidence:        s.Confidence,
			ContextSimilarity: 1.0,
		}
		if err := e.strategies.LogStrategyPerformance(ctx, perf); err != nil {
			e.logger.Warn("strategy performance not logged",
				"strategy_id", s.ID, "error", err)
			continue
		}
		applied = append(applied, s.ID.String())
	}
	if len(applied) > 0 {
		ep.Reasoning["applied_strategies"] = applied
	}
}

// strategyApplies evaluates a strategy's stored conditions against the
// live context. Conditions without a team-size band never match: a
// strategy that constrains nothing is not evidence about anything.
func strategyApplies(s model.Strategy, snapshot model.ProjectSnapshot) bool {
	minSize, okMin := conditionInt(s.Content.Conditions, "team_size_min")
	maxSize, okMax := conditionInt(s.Content.Conditions, "team_size_max")
	if !okMin && !okMax {
		return false
	}
	if okMin && snapshot.TeamSize < minSize {
		return false
	}
	if okMax && snapshot.TeamSize > maxSize {
		return false
	}
	return true
}

// conditionInt reads an integer condition that may have round-tripped
// through JSON as a float.
func conditionInt(conditions map[string]any, key string) (int, bool) {
	switch v := conditions[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	}
	return 0, false
}

// buildEpisode converts the decision into a learnable episode. The id is
// assigned here, before persistence, so strategy-performance entries can
// reference the episode they were logged against.
func (e *Engine) buildEpisode(d model.EnhancedDecision, snapshot model.ProjectSnapshot, dc model.DecisionContext, exec model.ExecutionResult) model.Episode {
	var sprintID *string
	if exec.SprintID != "" {
		id := exec.SprintID
		sprintID = &id
	}
	return model.Episode{
		ID:         uuid.New(),
		ProjectID:  d.ProjectID,
		OccurredAt: time.Now().UTC(),
		Perception: toMap(snapshot),
		Reasoning: map[string]any{
			"rationale":           d.Final.Reasoning,
			"reasoning_chain":     d.ReasoningChain,
			"confidence_scores":   d.ConfidenceScores,
			"patterns_identified": len(dc.Patterns),
		},
		Action: map[string]any{
			"create_new_sprint":        d.Final.CreateNewSprint,
			"tasks_to_assign":          d.Final.TasksToAssign,
			"sprint_duration_weeks":    d.Final.SprintDurationWeeks,
			"cronjob_created":          d.Final.CronjobCreated,
			"sprint_closure_triggered": d.Final.SprintClosureTriggered,
			"modifications_applied":    d.ModificationsApplied,
		},
		AgentVersion: e.cfg.AgentVersion,
		DecisionMode: d.DecisionMode,
		SprintID:     sprintID,
	}
}

// snapshotText renders the perception for embedding, matching the form
// used when episodes are stored.
func snapshotText(s model.ProjectSnapshot) string {
	active := "none"
	if s.ActiveSprint != nil {
		active = s.ActiveSprint.ID
	}
	return fmt.Sprintf(
		"project=%s team_size=%d backlog=%d unassigned=%d active_sprint=%s availability=%s",
		s.ProjectID, s.TeamSize, s.BacklogTasks, s.UnassignedTasks, active,
		s.TeamAvailability.Status)
}

func analysisSummary(snapshot model.ProjectSnapshot, dc model.DecisionContext, ca model.ChronicleAnalysis) map[string]any {
	return map[string]any{
		"project_state":    toMap(snapshot),
		"episodes_found":   dc.EpisodesFound,
		"episodes_used":    dc.EpisodesUsed,
		"avg_similarity":   dc.AvgSimilarity,
		"key_insights":     dc.KeyInsights,
		"risk_factors":     dc.RiskFactors,
		"similar_projects": len(ca.SimilarProjects),
		"velocity_trend":   string(ca.Velocity.Direction),
		"velocity_samples": ca.Velocity.SampleCount,
	}
}

func toMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

type correlationKey struct{}

// WithCorrelationID attaches a request correlation id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}
