package models

import (
	"encoding/json"
	"fmt"
)

// StageResult is the statically shaped output of one pipeline stage.
// Implementations are PreprocessResult, ClassifyResult, AttributesResult,
// DefectsResult and DescriptionResult.
type StageResult interface {
	Stage() Stage
	// EventData is the subset of the result carried on progress events.
	EventData() map[string]any
}

type PreprocessResult struct {
	SourceWidth  int    `json:"source_width"`
	SourceHeight int    `json:"source_height"`
	Format       string `json:"format"`
	TensorShape  []int  `json:"tensor_shape"`
}

func (PreprocessResult) Stage() Stage { return StagePreprocess }

func (r PreprocessResult) EventData() map[string]any {
	return map[string]any{"width": r.SourceWidth, "height": r.SourceHeight}
}

type ClassifyResult struct {
	Classification
}

func (ClassifyResult) Stage() Stage { return StageClassify }

func (r ClassifyResult) EventData() map[string]any {
	return map[string]any{"label": r.Label, "confidence": r.Confidence}
}

type AttributesResult struct {
	ModelVersion string      `json:"model_version"`
	Attributes   []Attribute `json:"attributes"`
}

func (AttributesResult) Stage() Stage { return StageExtractAttributes }

func (r AttributesResult) EventData() map[string]any {
	return map[string]any{"attributes_count": len(r.Attributes)}
}

type DefectsResult struct {
	ModelVersion string   `json:"model_version"`
	Defects      []Defect `json:"defects"`
}

func (DefectsResult) Stage() Stage { return StageDetectDefects }

func (r DefectsResult) EventData() map[string]any {
	return map[string]any{"defects_count": len(r.Defects)}
}

type DescriptionResult struct {
	Description
	Strategy string `json:"strategy"`
}

func (DescriptionResult) Stage() Stage { return StageGenerateDescription }

func (r DescriptionResult) EventData() map[string]any {
	return map[string]any{"model_name": r.ModelName, "strategy": r.Strategy}
}

type stageEnvelope struct {
	Stage  Stage           `json:"stage"`
	Result json.RawMessage `json:"result"`
}

// EncodeStageResult serializes r into the opaque blob stored on a Step.
func EncodeStageResult(r StageResult) (json.RawMessage, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal %s result: %w", r.Stage(), err)
	}
	return json.Marshal(stageEnvelope{Stage: r.Stage(), Result: body})
}

// DecodeStageResult restores the typed result persisted by EncodeStageResult.
func DecodeStageResult(raw json.RawMessage) (StageResult, error) {
	var env stageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal stage envelope: %w", err)
	}

	var r StageResult
	switch env.Stage {
	case StagePreprocess:
		var v PreprocessResult
		if err := json.Unmarshal(env.Result, &v); err != nil {
			return nil, fmt.Errorf("unmarshal preprocess result: %w", err)
		}
		r = v
	case StageClassify:
		var v ClassifyResult
		if err := json.Unmarshal(env.Result, &v); err != nil {
			return nil, fmt.Errorf("unmarshal classify result: %w", err)
		}
		r = v
	case StageExtractAttributes:
		var v AttributesResult
		if err := json.Unmarshal(env.Result, &v); err != nil {
			return nil, fmt.Errorf("unmarshal attributes result: %w", err)
		}
		r = v
	case StageDetectDefects:
		var v DefectsResult
		if err := json.Unmarshal(env.Result, &v); err != nil {
			return nil, fmt.Errorf("unmarshal defects result: %w", err)
		}
		r = v
	case StageGenerateDescription:
		var v DescriptionResult
		if err := json.Unmarshal(env.Result, &v); err != nil {
			return nil, fmt.Errorf("unmarshal description result: %w", err)
		}
		r = v
	default:
		return nil, fmt.Errorf("unknown stage %q", env.Stage)
	}
	return r, nil
}
