package decision

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loopworks/cadence/internal/model"
)

// GateConfig tunes the confidence gate.
type GateConfig struct {
	// ConfidenceThreshold is the minimum proposal confidence.
	ConfidenceThreshold float64

	// MinSimilarProjects is the evidence floor for task-count proposals.
	MinSimilarProjects int

	// MaxAdjustmentPercent caps the relative magnitude of a change.
	MaxAdjustmentPercent float64
}

// DefaultGateConfig matches the platform defaults.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		ConfidenceThreshold:  0.75,
		MinSimilarProjects:   3,
		MaxAdjustmentPercent: 0.5,
	}
}

// Gate filters proposed adjustments through three independent checks:
// confidence, supporting evidence, and magnitude. All three must pass.
// Every check is recorded as a metric, pass or fail.
type Gate struct {
	cfg    GateConfig
	logger *slog.Logger
	checks metric.Int64Counter
}

// NewGate builds a gate.
func NewGate(cfg GateConfig, logger *slog.Logger) *Gate {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.75
	}
	if cfg.MinSimilarProjects <= 0 {
		cfg.MinSimilarProjects = 3
	}
	if cfg.MaxAdjustmentPercent <= 0 {
		cfg.MaxAdjustmentPercent = 0.5
	}

	meter := otel.Meter("cadence.decision")
	checks, err := meter.Int64Counter("cadence.gate.checks",
		metric.WithDescription("Confidence gate check results by check name and outcome"))
	if err != nil {
		logger.Warn("gate metric unavailable", "error", err)
	}

	return &Gate{cfg: cfg, logger: logger, checks: checks}
}

// Approve returns the subset of proposals that pass all three checks.
// The gate is pure apart from metric emission.
func (g *Gate) Approve(ctx context.Context, proposals []model.Adjustment) []model.Adjustment {
	var approved []model.Adjustment
	for _, p := range proposals {
		if g.approveOne(ctx, p) {
			approved = append(approved, p)
		}
	}
	return approved
}

func (g *Gate) approveOne(ctx context.Context, p model.Adjustment) bool {
	ok := true

	confident := p.Confidence >= g.cfg.ConfidenceThreshold
	g.record(ctx, p.Kind, "confidence", confident)
	ok = ok && confident

	evidence := g.hasEvidence(p)
	g.record(ctx, p.Kind, "evidence", evidence)
	ok = ok && evidence

	bounded := g.withinMagnitude(p)
	g.record(ctx, p.Kind, "magnitude", bounded)
	ok = ok && bounded

	if !ok {
		g.logger.Debug("adjustment rejected",
			"kind", string(p.Kind),
			"confidence", p.Confidence,
			"confidence_ok", confident,
			"evidence_ok", evidence,
			"magnitude_ok", bounded)
	}
	return ok
}

// hasEvidence checks the supporting-evidence floor. Task-count proposals
// must cite enough similar projects in evidence_source; other kinds pass
// on any recorded evidence.
func (g *Gate) hasEvidence(p model.Adjustment) bool {
	if p.Kind != model.AdjustTaskCount {
		return p.EvidenceCount > 0
	}
	return evidenceCount(p.EvidenceSource, p.EvidenceCount) >= g.cfg.MinSimilarProjects
}

// evidenceCount parses a "label:count" evidence source, falling back to
// the structured count when the string is malformed.
func evidenceCount(source string, fallback int) int {
	if _, after, found := strings.Cut(source, ":"); found {
		if n, err := strconv.Atoi(after); err == nil {
			return n
		}
	}
	return fallback
}

// withinMagnitude bounds the relative change. A zero original value is
// valid only when the recommendation is also zero.
func (g *Gate) withinMagnitude(p model.Adjustment) bool {
	if p.OriginalValue == 0 {
		return p.RecommendedValue == 0
	}
	delta := math.Abs(float64(p.RecommendedValue - p.OriginalValue))
	base := math.Max(math.Abs(float64(p.OriginalValue)), 1)
	return delta/base <= g.cfg.MaxAdjustmentPercent
}

func (g *Gate) record(ctx context.Context, kind model.AdjustmentKind, check string, passed bool) {
	if g.checks == nil {
		return
	}
	g.checks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("check", check),
		attribute.Bool("passed", passed),
	))
}
