// Package approval provides the human approval worker. It announces an
// approval request on the event bus and suspends the stage until a reviewer
// redeems the callback token.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/dukex/conveyor/pkg/template"
	"github.com/dukex/conveyor/pkg/workers"
	"github.com/jonboulle/clockwork"
)

const (
	DecisionApproved = "APPROVED"
	DecisionRejected = "REJECTED"

	defaultSubject = "Contract Approval Required: {{.input.contract_id}} [{{.input.risk_flag}}]"
	defaultMessage = `CONTRACT APPROVAL REQUIRED

Contract ID: {{.input.contract_id}}
Risk Level: {{.input.risk_flag}}

RISK SCORES:
- Overall Risk: {{.input.risk.overall_risk}}/10
- Liability Risk: {{.input.risk.liability_risk}}/10
- Termination Risk: {{.input.risk.termination_risk}}/10
- Financial Risk: {{.input.risk.financial_risk}}/10

RISK RATIONALE:
{{.input.risk.rationale}}

To approve this contract: {{.approve_url}}
To reject this contract: {{.reject_url}}

Execution: {{.execution.id}}
`
)

var (
	ErrNoCallbackToken = errors.New("approval stages must be asynchronous")
	ErrInvalidDecision = errors.New("decision must be APPROVED or REJECTED")
)

type WorkerFactory struct {
	publisher eventbus.EventPublisher
	clock     clockwork.Clock
}

func NewWorkerFactory(publisher eventbus.EventPublisher, clock clockwork.Clock) *WorkerFactory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &WorkerFactory{publisher: publisher, clock: clock}
}

func (*WorkerFactory) ID() string {
	return "approval"
}

func (*WorkerFactory) Name() string {
	return "Approval"
}

func (*WorkerFactory) Description() string {
	return "Requests a human decision and waits for the reviewer to redeem the callback token."
}

func (f *WorkerFactory) Create(config map[string]any) (protocol.Worker, error) {
	w := &Worker{
		CallbackBaseURL: strings.TrimRight(workers.String(config, "callback_base_url", "http://localhost:9091"), "/"),
		Subject:         workers.String(config, "subject", defaultSubject),
		Message:         workers.String(config, "message", defaultMessage),
		publisher:       f.publisher,
		clock:           f.clock,
	}

	for _, tmpl := range []string{w.Subject, w.Message} {
		_, err := template.Parse(tmpl)
		if err != nil {
			return nil, err
		}
	}

	return w, nil
}

func (*WorkerFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"callback_base_url": map[string]any{
				"type":        "string",
				"description": "Public base URL of the callback API",
				"default":     "http://localhost:9091",
			},
			"subject": map[string]any{"type": "string", "description": "Notification subject template"},
			"message": map[string]any{"type": "string", "description": "Notification body template"},
		},
	}
}

type Worker struct {
	CallbackBaseURL string
	Subject         string
	Message         string
	publisher       eventbus.EventPublisher
	clock           clockwork.Clock
}

func (w *Worker) Invoke(ctx context.Context, envelope models.Envelope, logger *slog.Logger) (*protocol.Response, error) {
	if envelope.CallbackToken == "" {
		return nil, ErrNoCallbackToken
	}

	contractID := fmt.Sprint(envelope.StageInput["contract_id"])
	if envelope.StageInput["contract_id"] == nil {
		contractID = envelope.CorrelationID
	}

	approvalID := contractID + "_" + w.clock.Now().UTC().Format("20060102150405")
	callbackURL := w.CallbackBaseURL + "/callbacks/" + envelope.CallbackToken

	data := template.EnvelopeData(envelope)
	data["approve_url"] = callbackURL + "?decision=" + DecisionApproved
	data["reject_url"] = callbackURL + "?decision=" + DecisionRejected
	data["approval_id"] = approvalID

	subject, err := template.RenderString(w.Subject, data)
	if err != nil {
		return nil, err
	}

	message, err := template.RenderString(w.Message, data)
	if err != nil {
		return nil, err
	}

	logger = logger.With("worker", "approval", "approval_id", approvalID)

	if w.publisher != nil {
		event := events.ApprovalRequested{
			BaseEvent:  events.NewBaseEvent(events.ApprovalRequestedEvent, envelope.CorrelationID),
			StageID:    envelope.StageID,
			ApprovalID: approvalID,
			Subject:    subject,
			Message:    message,
			ApproveURL: data["approve_url"].(string),
			RejectURL:  data["reject_url"].(string),
		}

		// A lost notification leaves the stage waiting for its deadline.
		err = w.publisher.Publish(ctx, envelope.CorrelationID, event)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to publish approval request", "error", err)
		}
	}

	logger.InfoContext(ctx, "Approval requested")

	return &protocol.Response{
		Pending: true,
		Output: map[string]any{
			"approval_id": approvalID,
			"contract_id": contractID,
			"status":      models.StatusPending,
			"message":     "Approval request sent to reviewers",
		},
	}, nil
}

// Decision builds the stage output recorded for a reviewer decision.
func Decision(decision, approver, comments string, now time.Time) (map[string]any, error) {
	decision = strings.ToUpper(strings.TrimSpace(decision))
	if decision != DecisionApproved && decision != DecisionRejected {
		return nil, ErrInvalidDecision
	}

	if approver == "" {
		approver = "Unknown"
	}

	output := map[string]any{
		"decision":  decision,
		"comments":  comments,
		"timestamp": now.UTC().Format(time.RFC3339),
	}

	if decision == DecisionApproved {
		output["approved_by"] = approver
	} else {
		output["rejected_by"] = approver
	}

	return output, nil
}
