// Package config provides configuration loading for pipeline definitions
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const DefaultStageTimeout = 5 * time.Minute

var (
	ErrNoPipelines        = errors.New("no pipelines defined")
	ErrDuplicatePipeline  = errors.New("duplicate pipeline name")
	ErrDuplicateStage     = errors.New("duplicate stage id")
	ErrUnknownTarget      = errors.New("unknown stage target")
	ErrAsyncPollExclusive = errors.New("a stage cannot be both async and polled")
	ErrUnknownDefault     = errors.New("default pipeline is not defined")
	ErrCallbackTTLShort   = errors.New("callback token expires before the execution deadline")
)

// PipelineFile represents the structure of the pipelines.yaml file
type PipelineFile struct {
	DefaultPipeline string             `yaml:"default_pipeline"`
	Pipelines       []*models.Pipeline `yaml:"pipelines"        validate:"required,min=1,dive,required"`
}

// TargetChecker reports whether a worker id can be dispatched to.
type TargetChecker interface {
	HasWorker(id string) bool
}

// LoadPipelineFile loads pipeline definitions from a YAML file
func LoadPipelineFile(path string) (*PipelineFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file %s: %w", path, err)
	}

	return ParsePipelineFile(data)
}

// ParsePipelineFile decodes YAML and applies defaults. It does not validate.
func ParsePipelineFile(data []byte) (*PipelineFile, error) {
	var file PipelineFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	for _, pipeline := range file.Pipelines {
		if pipeline == nil {
			continue
		}

		for i := range pipeline.Stages {
			pipeline.Stages[i].Position = i

			if pipeline.Stages[i].Timeout == 0 {
				pipeline.Stages[i].Timeout = DefaultStageTimeout
			}
		}
	}

	if file.DefaultPipeline == "" && len(file.Pipelines) > 0 && file.Pipelines[0] != nil {
		file.DefaultPipeline = file.Pipelines[0].Name
	}

	return &file, nil
}

// ValidatePipelineFile checks struct constraints and the rules that span
// stages. A nil checker skips target resolution.
func ValidatePipelineFile(file *PipelineFile, targets TargetChecker) error {
	if file == nil || len(file.Pipelines) == 0 {
		return ErrNoPipelines
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(file); err != nil {
		return fmt.Errorf("invalid pipeline file: %w", err)
	}

	names := make(map[string]struct{}, len(file.Pipelines))

	for _, pipeline := range file.Pipelines {
		if _, ok := names[pipeline.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicatePipeline, pipeline.Name)
		}

		names[pipeline.Name] = struct{}{}

		if err := validatePipeline(pipeline, targets); err != nil {
			return err
		}
	}

	if _, ok := names[file.DefaultPipeline]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDefault, file.DefaultPipeline)
	}

	return nil
}

func validatePipeline(pipeline *models.Pipeline, targets TargetChecker) error {
	ids := make(map[string]struct{}, len(pipeline.Stages))

	for i, stage := range pipeline.Stages {
		if _, ok := ids[stage.ID]; ok {
			return fmt.Errorf("pipeline %s: %w: %s", pipeline.Name, ErrDuplicateStage, stage.ID)
		}

		ids[stage.ID] = struct{}{}

		if stage.Async && stage.Poll != nil {
			return fmt.Errorf("pipeline %s stage %s: %w", pipeline.Name, stage.ID, ErrAsyncPollExclusive)
		}

		if stage.Async {
			ttl, horizon := pipeline.CallbackTTL(stage), pipeline.WaitHorizon(i)
			if ttl < horizon {
				return fmt.Errorf("pipeline %s stage %s: %w: ttl %s, deadline horizon %s",
					pipeline.Name, stage.ID, ErrCallbackTTLShort, ttl, horizon)
			}
		}

		if targets != nil && !targets.HasWorker(stage.Target) {
			return fmt.Errorf("pipeline %s stage %s: %w: %s", pipeline.Name, stage.ID, ErrUnknownTarget, stage.Target)
		}
	}

	return nil
}

// Index maps pipelines by name.
func (f *PipelineFile) Index() map[string]*models.Pipeline {
	index := make(map[string]*models.Pipeline, len(f.Pipelines))
	for _, pipeline := range f.Pipelines {
		index[pipeline.Name] = pipeline
	}

	return index
}

// LoadPipelines reads, validates and indexes a pipeline file.
func LoadPipelines(path string, targets TargetChecker) (*PipelineFile, error) {
	file, err := LoadPipelineFile(path)
	if err != nil {
		return nil, err
	}

	if err := ValidatePipelineFile(file, targets); err != nil {
		return nil, err
	}

	return file, nil
}
