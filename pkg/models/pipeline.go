package models

import "time"

const (
	DefaultTokenTTL     = 7 * 24 * time.Hour
	DefaultRetryBackoff = time.Second
	MaxRetryBackoff     = 30 * time.Second
)

// PollConfig selects the polling runner for a stage.
type PollConfig struct {
	Interval    time.Duration `json:"interval"     yaml:"interval"     validate:"gt=0"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" validate:"gt=0"`
}

// StageDescriptor describes one ordered step of a pipeline. InvokeTimeout
// bounds the call that hands work to the target and defaults to Timeout;
// async stages keep waiting for their callback up to Timeout.
type StageDescriptor struct {
	ID            string         `json:"id"                       yaml:"id"             validate:"required"`
	Position      int            `json:"position"                 yaml:"-"`
	Target        string         `json:"target"                   yaml:"target"         validate:"required"`
	Config        map[string]any `json:"config,omitempty"         yaml:"config"`
	Timeout       time.Duration  `json:"timeout"                  yaml:"timeout"        validate:"gt=0"`
	InvokeTimeout time.Duration  `json:"invoke_timeout,omitempty" yaml:"invoke_timeout" validate:"min=0"`
	RetryBudget   int            `json:"retry_budget"             yaml:"retry_budget"   validate:"min=0"`
	RetryBackoff  time.Duration  `json:"retry_backoff,omitempty"  yaml:"retry_backoff"`
	Async         bool           `json:"async"                    yaml:"async"`
	CallbackTTL   time.Duration  `json:"callback_ttl,omitempty"   yaml:"callback_ttl"`
	Poll          *PollConfig    `json:"poll,omitempty"           yaml:"poll"`
	OutputSchema  map[string]any `json:"output_schema,omitempty"  yaml:"output_schema"`
}

// MaxAttempts is the retry budget plus the first attempt.
func (s StageDescriptor) MaxAttempts() int {
	return s.RetryBudget + 1
}

// CallTimeout returns the bound on a single invocation of the target.
func (s StageDescriptor) CallTimeout() time.Duration {
	if s.InvokeTimeout > 0 && s.InvokeTimeout < s.Timeout {
		return s.InvokeTimeout
	}

	return s.Timeout
}

// Backoff returns the delay before the given 1-based attempt.
func (s StageDescriptor) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := s.RetryBackoff
	if delay <= 0 {
		delay = DefaultRetryBackoff
	}

	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= MaxRetryBackoff {
			return MaxRetryBackoff
		}
	}

	return min(delay, MaxRetryBackoff)
}

type Pipeline struct {
	Name             string            `json:"name"                        yaml:"name"              validate:"required"`
	Description      string            `json:"description,omitempty"       yaml:"description"`
	Stages           []StageDescriptor `json:"stages"                      yaml:"stages"            validate:"required,min=1,dive"`
	ExecutionTimeout time.Duration     `json:"execution_timeout,omitempty" yaml:"execution_timeout"`
	TokenTTL         time.Duration     `json:"token_ttl,omitempty"         yaml:"token_ttl"`
	InputSchema      map[string]any    `json:"input_schema,omitempty"      yaml:"input_schema"`
}

// Stage returns the descriptor at the given position.
func (p *Pipeline) Stage(index int) (StageDescriptor, bool) {
	if index < 0 || index >= len(p.Stages) {
		return StageDescriptor{}, false
	}

	return p.Stages[index], true
}

// CallbackTTL resolves the token lifetime for a stage.
func (p *Pipeline) CallbackTTL(stage StageDescriptor) time.Duration {
	if stage.CallbackTTL > 0 {
		return stage.CallbackTTL
	}

	if p.TokenTTL > 0 {
		return p.TokenTTL
	}

	return DefaultTokenTTL
}

// Deadline computes when an execution suspended at stage index stops waiting.
// A configured execution timeout is absolute from creation; otherwise the
// remaining stage timeouts are summed from now.
func (p *Pipeline) Deadline(createdAt, now time.Time, index int) time.Time {
	if p.ExecutionTimeout > 0 {
		return createdAt.Add(p.ExecutionTimeout)
	}

	return now.Add(p.WaitHorizon(index))
}

// WaitHorizon is the longest an execution suspended at stage index may wait
// for its callback. A token issued for that stage must live at least this long.
func (p *Pipeline) WaitHorizon(index int) time.Duration {
	if p.ExecutionTimeout > 0 {
		return p.ExecutionTimeout
	}

	var remaining time.Duration
	for i := index; i < len(p.Stages); i++ {
		remaining += p.Stages[i].Timeout
	}

	return remaining
}

// Schema returns the input schema, falling back to the document/metadata contract.
func (p *Pipeline) Schema() map[string]any {
	if len(p.InputSchema) > 0 {
		return p.InputSchema
	}

	return DefaultInputSchema()
}
