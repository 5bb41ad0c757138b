// Package risk provides a deterministic contract risk heuristic.
//
// Each of the liability, termination and payment clauses scores 6.0 when the
// extraction found it and 3.0 otherwise. The overall score is their mean.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/dukex/conveyor/pkg/workers"
)

const (
	DefaultThreshold = 7.0

	FlagHighRisk = "HIGH_RISK"
	FlagOK       = "OK"
	StatusDone   = "RISK_ANALYZED"

	presentScore = 6.0
	absentScore  = 3.0
)

type WorkerFactory struct{}

func NewWorkerFactory() *WorkerFactory {
	return &WorkerFactory{}
}

func (*WorkerFactory) ID() string {
	return "risk"
}

func (*WorkerFactory) Name() string {
	return "Risk Heuristic"
}

func (*WorkerFactory) Description() string {
	return "Scores extracted contract clauses and flags contracts above a risk threshold."
}

func (f *WorkerFactory) Create(config map[string]any) (protocol.Worker, error) {
	return &Worker{Threshold: workers.Float(config, "threshold", DefaultThreshold)}, nil
}

func (*WorkerFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"threshold": map[string]any{
				"type":        "number",
				"description": "Any score above the threshold flags the contract HIGH_RISK",
				"default":     DefaultThreshold,
				"minimum":     0,
				"maximum":     10, //nolint:mnd // score scale
			},
		},
	}
}

type Worker struct {
	Threshold float64
}

func (w *Worker) Invoke(ctx context.Context, envelope models.Envelope, logger *slog.Logger) (*protocol.Response, error) {
	extracted := extractedClauses(envelope.StageInput)

	liability := score(extracted, "liability_clause")
	termination := score(extracted, "termination_clause")
	financial := score(extracted, "payment_terms")
	overall := math.Round((liability+termination+financial)/3*100) / 100

	flag := FlagOK
	for _, s := range []float64{overall, liability, termination, financial} {
		if s > w.Threshold {
			flag = FlagHighRisk
		}
	}

	output := map[string]any{
		"risk": map[string]any{
			"overall_risk":     overall,
			"liability_risk":   liability,
			"termination_risk": termination,
			"financial_risk":   financial,
			"rationale": fmt.Sprintf(
				"Heuristic: liability_clause present=%t, termination_clause present=%t, payment_terms present=%t.",
				present(extracted, "liability_clause"),
				present(extracted, "termination_clause"),
				present(extracted, "payment_terms"),
			),
		},
		"risk_flag": flag,
		"status":    StatusDone,
	}

	if contractID, ok := envelope.StageInput["contract_id"]; ok {
		output["contract_id"] = contractID
	}

	logger.InfoContext(ctx, "Risk analyzed", "worker", "risk", "overall_risk", overall, "risk_flag", flag)

	return &protocol.Response{Output: output}, nil
}

func extractedClauses(input map[string]any) map[string]any {
	if structured, ok := input["structured_contract"].(map[string]any); ok {
		if extracted, ok := structured["extracted"].(map[string]any); ok {
			return extracted
		}
	}

	if extracted, ok := input["extracted"].(map[string]any); ok {
		return extracted
	}

	return map[string]any{}
}

func present(extracted map[string]any, key string) bool {
	switch v := extracted[key].(type) {
	case nil:
		return false
	case string:
		return v != ""
	case map[string]any:
		return len(v) > 0
	case []any:
		return len(v) > 0
	case bool:
		return v
	default:
		return true
	}
}

func score(extracted map[string]any, key string) float64 {
	if present(extracted, key) {
		return presentScore
	}

	return absentScore
}
