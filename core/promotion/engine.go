package promotion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"train-orchestrator/core/jobspec"
	"train-orchestrator/core/models"
	"train-orchestrator/storage"
)

// Engine decides, after a job completes, whether its model replaces the
// current production model for the symbol, and performs the publish
// side effects when (and only when) it is authorized to.
type Engine struct {
	Store storage.ObjectStore

	// ProductionPrefix roots the per-symbol production keys
	// ({prefix}/{symbol}/model.bin, metrics.json, decision.json,
	// promotion_log/{jobId}.json).
	ProductionPrefix string

	// PrimaryMetric is the higher-is-better scalar compared first.
	// DrawdownMetric (lower is better) breaks ties.
	PrimaryMetric  string
	DrawdownMetric string

	ThresholdMetric string
	ProbaSource     string

	now func() time.Time
}

// Options selects the side-effect policy for one evaluation.
type Options struct {
	Mode   models.PromotionMode
	Canary bool
}

func (e *Engine) primaryMetric() string {
	if e.PrimaryMetric == "" {
		return "hit_rate"
	}
	return e.PrimaryMetric
}

func (e *Engine) drawdownMetric() string {
	if e.DrawdownMetric == "" {
		return "max_drawdown"
	}
	return e.DrawdownMetric
}

func (e *Engine) thresholdMetric() string {
	if e.ThresholdMetric == "" {
		return "best_threshold"
	}
	return e.ThresholdMetric
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now().UTC()
}

func (e *Engine) symbolKey(symbol, name string) string {
	return fmt.Sprintf("%s/%s/%s", e.ProductionPrefix, symbol, name)
}

// Evaluate runs the promotion state machine for one completed job.
// Mode off skips the comparison entirely. Canary runs in auto mode are
// downgraded to dry before anything else happens: a canary must never
// reach production. The comparison itself never errors; missing metric
// values resolve to the least favorable value for the field.
func (e *Engine) Evaluate(ctx context.Context, symbol string, newMetrics models.Metrics, jobID string, opts Options, spec *models.JobSpec) (models.PromotionDecision, error) {
	mode := opts.Mode
	if mode == "" {
		mode = models.PromoteOff
	}
	if mode == models.PromoteAuto && opts.Canary {
		log.Printf("[%s] canary run, downgrading promotion mode auto -> dry", jobID)
		mode = models.PromoteDry
	}

	decision := models.PromotionDecision{
		Symbol: symbol,
		JobID:  jobID,
		Mode:   mode,
	}

	if mode == models.PromoteOff {
		decision.Decision = models.DecisionOff
		decision.Reason = "promotion disabled"
		return decision, nil
	}

	current, err := e.loadCurrentMetrics(ctx, symbol)
	if err != nil {
		return decision, err
	}

	promote, reason, cmp := e.compare(newMetrics, current)
	decision.Reason = reason
	decision.Comparison = cmp

	if !promote {
		decision.Decision = models.DecisionRejected
		return decision, nil
	}
	if mode == models.PromoteDry {
		decision.Decision = models.DecisionDryPass
		return decision, nil
	}

	if err := e.publish(ctx, symbol, newMetrics, jobID, opts, spec, &decision); err != nil {
		return decision, err
	}
	decision.Decision = models.DecisionPromoted
	return decision, nil
}

// compare applies the deterministic total order: a missing incumbent
// promotes unconditionally; otherwise strictly greater primary wins,
// strictly less loses, and an exact tie falls to the drawdown metric
// where only a strict improvement promotes. Full ties keep the
// incumbent.
func (e *Engine) compare(newMetrics models.Metrics, current models.Metrics) (bool, string, *models.Comparison) {
	if current == nil {
		return true, "no production model for symbol", nil
	}

	newSide := e.side(newMetrics)
	curSide := e.side(current)
	cmp := &models.Comparison{New: newSide, Current: curSide}
	primary := e.primaryMetric()

	switch {
	case newSide.Primary > curSide.Primary:
		return true, fmt.Sprintf("%s improved %.6f -> %.6f", primary, curSide.Primary, newSide.Primary), cmp
	case newSide.Primary < curSide.Primary:
		return false, fmt.Sprintf("%s regressed %.6f -> %.6f", primary, curSide.Primary, newSide.Primary), cmp
	case newSide.Drawdown < curSide.Drawdown:
		return true, fmt.Sprintf("%s tied, %s improved %.6f -> %.6f", primary, e.drawdownMetric(), curSide.Drawdown, newSide.Drawdown), cmp
	default:
		return false, fmt.Sprintf("%s tied, %s did not improve", primary, e.drawdownMetric()), cmp
	}
}

// side extracts the comparison scalars, defaulting missing values to
// the least favorable end so incomplete records never win by omission.
func (e *Engine) side(m models.Metrics) models.ComparisonSide {
	s := models.ComparisonSide{Primary: 0, Drawdown: math.Inf(1)}
	if m == nil {
		return s
	}
	if v, ok := m[e.primaryMetric()]; ok {
		s.Primary = v
	}
	if v, ok := m[e.drawdownMetric()]; ok {
		s.Drawdown = v
	}
	return s
}

// loadCurrentMetrics returns nil (not an error) when no production
// record exists, and nil on a malformed record: an unreadable incumbent
// must not block promotion forever.
func (e *Engine) loadCurrentMetrics(ctx context.Context, symbol string) (models.Metrics, error) {
	data, err := e.Store.Get(ctx, e.symbolKey(symbol, "metrics.json"))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load production metrics for %s: %w", symbol, err)
	}

	var rec models.MetricsRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Printf("Malformed production metrics for %s, treating as absent: %v", symbol, err)
		return nil, nil
	}
	return rec.Metrics, nil
}

// publish performs the write side of a promotion: model artifact copy,
// annotated metrics, immutable promotion-log entry, and, when
// authorized, the decision config. A storage failure surfaces as a
// PromotionWriteError so the job is never silently reported promoted.
func (e *Engine) publish(ctx context.Context, symbol string, newMetrics models.Metrics, jobID string, opts Options, spec *models.JobSpec, decision *models.PromotionDecision) error {
	var artifactSrc string
	if spec != nil {
		artifactSrc = spec.Output.ArtifactPath
	} else {
		artifactSrc = fmt.Sprintf("artifacts/%s/model.bin", jobID)
	}

	if err := e.Store.Copy(ctx, artifactSrc, e.symbolKey(symbol, "model.bin")); err != nil {
		return &models.PromotionWriteError{Op: "artifact copy", Err: err}
	}

	now := e.clock()
	rec := models.MetricsRecord{Metrics: newMetrics, PromotedFrom: jobID, PromotedAt: now}
	if err := e.putJSON(ctx, e.symbolKey(symbol, "metrics.json"), rec); err != nil {
		return &models.PromotionWriteError{Op: "metrics write", Err: err}
	}

	e.publishDecisionConfig(ctx, symbol, newMetrics, jobID, opts, spec, decision, now)

	logEntry := *decision
	logEntry.Decision = models.DecisionPromoted
	logKey := e.symbolKey(symbol, "promotion_log/"+jobID+".json")
	if err := e.putJSON(ctx, logKey, logEntry); err != nil {
		return &models.PromotionWriteError{Op: "promotion log append", Err: err}
	}
	return nil
}

func (e *Engine) publishDecisionConfig(ctx context.Context, symbol string, newMetrics models.Metrics, jobID string, opts Options, spec *models.JobSpec, decision *models.PromotionDecision, now time.Time) {
	switch {
	case opts.Canary:
		decision.ConfigNote = "decision config skipped: canary run"
		return
	case spec == nil:
		decision.ConfigNote = "decision config skipped: job spec unavailable"
		return
	case !newMetrics.Has(e.thresholdMetric()):
		decision.ConfigNote = fmt.Sprintf("decision config skipped: no %s in metrics", e.thresholdMetric())
		return
	}

	cfg := e.buildDecisionConfig(symbol, newMetrics, jobID, spec, now)
	if err := e.putJSON(ctx, e.symbolKey(symbol, "decision.json"), cfg); err != nil {
		// The model is already live; a failed config write is reported
		// but does not unwind the promotion.
		log.Printf("[%s] decision config write failed: %v", jobID, err)
		decision.ConfigNote = "decision config write failed: " + err.Error()
		return
	}
	decision.ConfigNote = "decision config published " + cfg.ConfigHash[:8]
}

// buildDecisionConfig assembles the config and hashes its semantic
// fields only, so re-publishing an identical decision is detectable.
func (e *Engine) buildDecisionConfig(symbol string, m models.Metrics, jobID string, spec *models.JobSpec, now time.Time) models.DecisionConfig {
	probaSource := e.ProbaSource
	if probaSource == "" {
		probaSource = "calibrated"
	}
	cfg := models.DecisionConfig{
		Symbol:            symbol,
		FeaturesetVersion: spec.Dataset.FeaturesetVersion,
		LabelHorizonSec:   spec.Dataset.LabelHorizonSec,
		PrimaryMetric:     e.primaryMetric(),
		BestThreshold:     m[e.thresholdMetric()],
		ThresholdGrid:     thresholdGrid(spec),
		ProbaSource:       probaSource,
		JobID:             jobID,
		CreatedAt:         now,
	}
	cfg.ConfigHash = jobspec.HashConfig(map[string]interface{}{
		"symbol":            cfg.Symbol,
		"featuresetVersion": cfg.FeaturesetVersion,
		"labelHorizonSec":   cfg.LabelHorizonSec,
		"primaryMetric":     cfg.PrimaryMetric,
		"bestThreshold":     cfg.BestThreshold,
		"thresholdGrid":     cfg.ThresholdGrid,
		"probaSource":       cfg.ProbaSource,
	})
	return cfg
}

func thresholdGrid(spec *models.JobSpec) []float64 {
	if raw, ok := spec.Model.Params["threshold_grid"].([]interface{}); ok {
		grid := make([]float64, 0, len(raw))
		for _, v := range raw {
			if f, ok := toFloat(v); ok {
				grid = append(grid, f)
			}
		}
		if len(grid) > 0 {
			return grid
		}
	}
	return []float64{0.50, 0.55, 0.60, 0.65, 0.70}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func (e *Engine) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return e.Store.Put(ctx, key, data)
}
