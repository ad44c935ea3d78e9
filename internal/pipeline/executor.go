// Package pipeline runs the five analysis stages for one product image and
// records every stage durably so a retried invocation resumes where the
// previous one stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/productlens/internal/describe"
	"github.com/kiranshivaraju/productlens/internal/imaging"
	"github.com/kiranshivaraju/productlens/internal/inference"
	"github.com/kiranshivaraju/productlens/internal/jobs"
	"github.com/kiranshivaraju/productlens/internal/modelrouter"
	"github.com/kiranshivaraju/productlens/internal/objectstore"
	"github.com/kiranshivaraju/productlens/internal/progress"
	"github.com/kiranshivaraju/productlens/internal/queue"
	"github.com/kiranshivaraju/productlens/internal/store"
	"github.com/kiranshivaraju/productlens/pkg/models"
)

// Selector picks model versions.
type Selector interface {
	Select(ctx context.Context, family string, subjectID *uuid.UUID) modelrouter.Selection
}

// Describer writes product copy. It never fails.
type Describer interface {
	Generate(ctx context.Context, in describe.Input) (models.Description, string)
}

// JobTracker is the part of the job orchestrator the executor drives.
type JobTracker interface {
	MarkProcessing(ctx context.Context, jobID uuid.UUID) error
	RecordOutcome(ctx context.Context, jobID, imageID uuid.UUID, success bool, errText string) (jobs.Recorded, error)
}

// Publisher receives progress notifications.
type Publisher interface {
	PublishStepEvent(ctx context.Context, ev progress.StepEvent)
	PublishJobTerminal(ctx context.Context, jobID uuid.UUID, outcome progress.Outcome, details map[string]any)
	DispatchWebhooks(ctx context.Context, jobID uuid.UUID, eventType string, details map[string]any) int
}

// Dependencies holds the collaborators of an Executor.
type Dependencies struct {
	Store     store.Store
	Jobs      JobTracker
	Router    Selector
	Objects   objectstore.Store
	Inference inference.Client
	Describer Describer
	Publisher Publisher
	Queue     queue.Enqueuer
	Logger    *slog.Logger
}

// Config bounds retries and run time.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	Timeout     time.Duration
}

// DefaultConfig matches the production defaults.
var DefaultConfig = Config{
	MaxAttempts: 3,
	BackoffBase: 30 * time.Second,
	Timeout:     300 * time.Second,
}

// Executor is the process_image task handler.
type Executor struct {
	deps   Dependencies
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewExecutor creates an Executor. Zero Config fields take DefaultConfig values.
func NewExecutor(deps Dependencies, cfg Config) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig.BackoffBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{deps: deps, cfg: cfg, logger: logger, now: time.Now}
}

// Handle adapts Run to the queue worker.
func (e *Executor) Handle(ctx context.Context, task *queue.Task) error {
	var it queue.ImageTask
	if err := task.Decode(&it); err != nil {
		return err
	}
	return e.Run(ctx, it)
}

// imageRun carries stage outputs between stages of one invocation.
type imageRun struct {
	task      queue.ImageTask
	image     *models.ProductImage
	data      []byte
	mediaType string
	tensor    *imaging.Tensor

	classification *models.Classification
	attributes     []models.Attribute
	defects        []models.Defect
	description    *models.Description

	selections   map[string]modelrouter.Selection
	experimentID *uuid.UUID
	variantID    *uuid.UUID

	// stage is the stage a failure is attributed to.
	stage models.Stage
	// settled is set once the image outcome is being recorded.
	settled bool
}

// Run executes the pipeline for one image. Stage failures are handled here:
// they are either rescheduled with backoff or recorded as the image's final
// outcome. A panic is handled like a stage failure. The returned error is
// informational for the worker log.
func (e *Executor) Run(ctx context.Context, task queue.ImageTask) (err error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	run := &imageRun{task: task, stage: models.StagePreprocess, selections: map[string]modelrouter.Selection{}}
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		e.logger.Error("pipeline panicked", "job_id", task.JobID, "image_id", task.ImageID, "stage", run.stage, "panic", r)
		if run.settled {
			err = fmt.Errorf("panic after outcome recorded: %v", r)
			return
		}
		err = e.fail(ctx, run, run.stage, fmt.Errorf("panic: %v", r))
	}()
	return e.run(ctx, run)
}

func (e *Executor) run(ctx context.Context, run *imageRun) error {
	task := run.task
	started := e.now()
	log := e.logger.With("job_id", task.JobID, "image_id", task.ImageID, "attempt", task.Attempt)

	job, err := e.deps.Store.GetJob(ctx, task.JobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("dropping task for unknown job")
		return nil
	}
	if err != nil {
		return e.fail(ctx, run, models.StagePreprocess, fmt.Errorf("loading job: %w", err))
	}
	if job.IsTerminal() {
		log.Info("job already terminal, skipping image", "status", job.Status)
		return nil
	}

	if err := e.deps.Jobs.MarkProcessing(ctx, task.JobID); err != nil {
		return e.fail(ctx, run, models.StagePreprocess, err)
	}

	img, err := e.deps.Store.GetProductImage(ctx, task.ImageID)
	if errors.Is(err, store.ErrNotFound) {
		return e.fail(ctx, run, models.StagePreprocess, Permanent(fmt.Errorf("image %s: %w", task.ImageID, err)))
	}
	if err != nil {
		return e.fail(ctx, run, models.StagePreprocess, fmt.Errorf("loading image: %w", err))
	}
	if err := e.deps.Store.SetAnalysisProcessing(ctx, task.ImageID); err != nil {
		return e.fail(ctx, run, models.StagePreprocess, fmt.Errorf("updating analysis: %w", err))
	}
	run.image = img
	total := len(models.Stages)

	for i, stage := range models.Stages {
		run.stage = stage
		current, err := e.deps.Store.GetJob(ctx, task.JobID)
		if err != nil {
			return e.fail(ctx, run, stage, fmt.Errorf("reloading job: %w", err))
		}
		if current.IsTerminal() {
			log.Info("job became terminal, stopping", "status", current.Status, "stage", stage)
			return nil
		}

		key := store.StepKey{JobID: task.JobID, ImageID: task.ImageID, Stage: stage}
		step, err := e.deps.Store.GetStep(ctx, key)
		if err != nil {
			return e.fail(ctx, run, stage, fmt.Errorf("loading step: %w", err))
		}
		switch step.Status {
		case models.StepStatusCompleted:
			if err := e.rehydrate(run, step); err != nil {
				return e.fail(ctx, run, stage, err)
			}
			continue
		case models.StepStatusFailed, models.StepStatusSkipped:
			log.Warn("step already finished, not rerunning", "stage", stage, "status", step.Status)
			return nil
		}

		if err := e.deps.Store.StartStep(ctx, key); err != nil {
			if isStale(err) {
				return nil
			}
			return e.fail(ctx, run, stage, fmt.Errorf("starting step: %w", err))
		}
		e.deps.Publisher.PublishStepEvent(ctx, progress.StepEvent{
			JobID: task.JobID, ImageID: task.ImageID, Stage: stage, Status: progress.StepRunning,
		})

		// The tensor is not persisted: a resumed run rebuilds it inside the
		// first stage that still has work to do.
		if stage != models.StagePreprocess && run.data == nil {
			if _, err := e.preprocess(ctx, run); err != nil {
				return e.fail(ctx, run, stage, fmt.Errorf("reloading image: %w", err))
			}
		}

		stageStart := e.now()
		result, update, err := e.runStage(ctx, run, stage)
		if err != nil {
			return e.fail(ctx, run, stage, err)
		}

		encoded, err := models.EncodeStageResult(result)
		if err != nil {
			return e.fail(ctx, run, stage, err)
		}
		err = e.deps.Store.CompleteStep(ctx, store.StepCompletion{
			Key:      key,
			Result:   encoded,
			Duration: e.now().Sub(stageStart),
			Analysis: update,
		})
		if err != nil {
			if isStale(err) {
				log.Info("job became terminal during stage, result discarded", "stage", stage)
				return nil
			}
			return e.fail(ctx, run, stage, fmt.Errorf("completing step: %w", err))
		}

		e.deps.Publisher.PublishStepEvent(ctx, progress.StepEvent{
			JobID:    task.JobID,
			ImageID:  task.ImageID,
			Stage:    stage,
			Status:   progress.StepCompleted,
			Progress: &models.StepProgress{Completed: i + 1, Total: total},
			Data:     result.EventData(),
		})
		log.Debug("stage completed", "stage", stage)
	}

	return e.succeed(ctx, run, started)
}

func (e *Executor) runStage(ctx context.Context, run *imageRun, stage models.Stage) (models.StageResult, store.AnalysisUpdate, error) {
	switch stage {
	case models.StagePreprocess:
		res, err := e.preprocess(ctx, run)
		return res, store.AnalysisUpdate{}, err

	case models.StageClassify:
		sel := e.selection(ctx, run, models.ModelFamilyClassifier)
		cl, err := e.deps.Inference.Classify(ctx, sel.Version, run.tensor)
		if err != nil {
			return nil, store.AnalysisUpdate{}, err
		}
		cl.ModelVersion = sel.Version
		cl.ModelName = sel.ModelName
		run.classification = cl
		run.experimentID, run.variantID = sel.ExperimentID, sel.VariantID
		return models.ClassifyResult{Classification: *cl}, store.AnalysisUpdate{
			Classification: cl,
			ExperimentID:   sel.ExperimentID,
			VariantID:      sel.VariantID,
		}, nil

	case models.StageExtractAttributes:
		sel := e.selection(ctx, run, models.ModelFamilyFeatureExtractor)
		attrs, err := e.deps.Inference.ExtractAttributes(ctx, sel.Version, run.tensor)
		if err != nil {
			return nil, store.AnalysisUpdate{}, err
		}
		if attrs == nil {
			attrs = []models.Attribute{}
		}
		run.attributes = attrs
		return models.AttributesResult{ModelVersion: sel.Version, Attributes: attrs},
			store.AnalysisUpdate{Attributes: attrs}, nil

	case models.StageDetectDefects:
		sel := e.selection(ctx, run, models.ModelFamilyDefectDetector)
		defects, err := e.deps.Inference.DetectDefects(ctx, sel.Version, run.tensor)
		if err != nil {
			return nil, store.AnalysisUpdate{}, err
		}
		if defects == nil {
			defects = []models.Defect{}
		}
		run.defects = defects
		return models.DefectsResult{ModelVersion: sel.Version, Defects: defects},
			store.AnalysisUpdate{Defects: defects}, nil

	case models.StageGenerateDescription:
		desc, strategy := e.deps.Describer.Generate(ctx, describe.Input{
			Category:   run.category(),
			Attributes: run.attributes,
			Defects:    run.defects,
			Image:      run.data,
			MediaType:  run.mediaType,
		})
		run.description = &desc
		return models.DescriptionResult{Description: desc, Strategy: strategy},
			store.AnalysisUpdate{Description: &desc}, nil
	}
	return nil, store.AnalysisUpdate{}, Permanent(fmt.Errorf("unknown stage %q", stage))
}

func (e *Executor) preprocess(ctx context.Context, run *imageRun) (models.PreprocessResult, error) {
	data, err := e.deps.Objects.GetObject(ctx, run.image.Bucket, run.image.ObjectKey)
	if err != nil {
		return models.PreprocessResult{}, err
	}
	tensor, err := imaging.Preprocess(data)
	if err != nil {
		return models.PreprocessResult{}, err
	}
	run.data = data
	run.tensor = tensor
	run.mediaType = run.image.ContentType
	if run.mediaType == "" {
		run.mediaType = "image/" + tensor.Format
	}
	return models.PreprocessResult{
		SourceWidth:  tensor.SourceWidth,
		SourceHeight: tensor.SourceHeight,
		Format:       tensor.Format,
		TensorShape:  tensor.Shape(),
	}, nil
}

// rehydrate restores the output of a stage completed by an earlier attempt.
// A completed preprocess step has nothing to restore.
func (e *Executor) rehydrate(run *imageRun, step *models.Step) error {
	if step.Stage == models.StagePreprocess {
		return nil
	}

	res, err := models.DecodeStageResult(step.Result)
	if err != nil {
		return Permanent(fmt.Errorf("restoring %s result: %w", step.Stage, err))
	}
	switch r := res.(type) {
	case models.ClassifyResult:
		cl := r.Classification
		run.classification = &cl
	case models.AttributesResult:
		run.attributes = r.Attributes
	case models.DefectsResult:
		run.defects = r.Defects
	case models.DescriptionResult:
		desc := r.Description
		run.description = &desc
	}
	return nil
}

// selection resolves a family once per invocation.
func (e *Executor) selection(ctx context.Context, run *imageRun, family string) modelrouter.Selection {
	if sel, ok := run.selections[family]; ok {
		return sel
	}
	sel := e.deps.Router.Select(ctx, family, run.task.SubjectID)
	run.selections[family] = sel
	return sel
}

func (r *imageRun) category() string {
	if r.classification == nil {
		return ""
	}
	return r.classification.Label
}

func (e *Executor) succeed(ctx context.Context, run *imageRun, started time.Time) error {
	task := run.task
	log := e.logger.With("job_id", task.JobID, "image_id", task.ImageID)

	modelVersion := ""
	if run.classification != nil {
		modelVersion = run.classification.ModelVersion
	}
	err := e.deps.Store.CompleteAnalysis(ctx, task.ImageID, store.AnalysisCompletion{
		ProcessingTime: e.now().Sub(started),
		ModelVersion:   modelVersion,
		ExperimentID:   run.experimentID,
		VariantID:      run.variantID,
	})
	if err != nil {
		return e.fail(ctx, run, models.StageGenerateDescription, fmt.Errorf("completing analysis: %w", err))
	}

	if run.description != nil {
		if err := e.deps.Store.ActivateProduct(ctx, task.ImageID, run.category(), run.description.Text); err != nil {
			log.Warn("failed to update product from analysis", "error", err)
		}
	}

	run.settled = true
	rec, err := e.deps.Jobs.RecordOutcome(ctx, task.JobID, task.ImageID, true, "")
	if err != nil {
		log.Error("failed to record image success", "error", err)
		return err
	}
	if rec.Ignored {
		return nil
	}

	e.deps.Publisher.DispatchWebhooks(ctx, task.JobID, models.EventAnalysisCompleted, map[string]any{
		"image_id":    task.ImageID.String(),
		"category":    run.category(),
		"description": run.descriptionText(),
	})
	if rec.Terminal {
		e.publishTerminal(ctx, rec.Job)
	}
	log.Info("image analyzed", "category", run.category(), "duration_ms", e.now().Sub(started).Milliseconds())
	return nil
}

func (r *imageRun) descriptionText() string {
	if r.description == nil {
		return ""
	}
	return r.description.Text
}

// fail either schedules another attempt or records the image as failed.
// Bookkeeping runs detached from ctx so a timed-out invocation is still recorded.
func (e *Executor) fail(ctx context.Context, run *imageRun, stage models.Stage, cause error) error {
	if isStale(cause) {
		return nil
	}
	run.settled = true
	task := run.task
	ctx = context.WithoutCancel(ctx)
	key := store.StepKey{JobID: task.JobID, ImageID: task.ImageID, Stage: stage}
	msg := store.TruncateError(cause.Error())
	log := e.logger.With("job_id", task.JobID, "image_id", task.ImageID, "stage", stage, "attempt", task.Attempt)

	final := IsPermanent(cause) || task.Attempt+1 >= e.cfg.MaxAttempts
	if !final {
		err := e.retry(ctx, task, key, msg)
		if err == nil {
			log.Warn("stage failed, retry scheduled", "error", cause)
			return nil
		}
		log.Error("failed to schedule retry, failing image", "error", err)
		msg = store.TruncateError(fmt.Sprintf("%s (retry not scheduled: %v)", msg, err))
	}

	log.Error("image failed", "error", cause, "permanent", IsPermanent(cause))

	if err := e.deps.Store.FailStep(ctx, key, msg); err != nil {
		if isStale(err) {
			return nil
		}
		log.Warn("failed to mark step failed", "error", err)
	}
	if err := e.deps.Store.FailAnalysis(ctx, task.ImageID, msg); err != nil {
		log.Warn("failed to mark analysis failed", "error", err)
	}
	e.deps.Publisher.PublishStepEvent(ctx, progress.StepEvent{
		JobID: task.JobID, ImageID: task.ImageID, Stage: stage, Status: progress.StepFailed,
		Data: map[string]any{"error": msg},
	})

	rec, err := e.deps.Jobs.RecordOutcome(ctx, task.JobID, task.ImageID, false, msg)
	if err != nil {
		log.Error("failed to record image failure", "error", err)
		return err
	}
	if rec.Terminal {
		e.publishTerminal(ctx, rec.Job)
	}
	return fmt.Errorf("image %s failed at %s: %w", task.ImageID, stage, cause)
}

func (e *Executor) retry(ctx context.Context, task queue.ImageTask, key store.StepKey, msg string) error {
	if err := e.deps.Store.RecordStepError(ctx, key, msg); err != nil {
		e.logger.Warn("failed to record step error", "job_id", task.JobID, "stage", key.Stage, "error", err)
	}

	next := task
	next.Attempt++
	t, err := queue.NewTask(queue.TaskProcessImage, next)
	if err != nil {
		return err
	}
	delay := queue.Backoff(e.cfg.BackoffBase, task.Attempt)
	if _, err := e.deps.Queue.Enqueue(ctx, t, queue.WithDelay(delay)); err != nil {
		return err
	}

	e.deps.Publisher.PublishStepEvent(ctx, progress.StepEvent{
		JobID: task.JobID, ImageID: task.ImageID, Stage: key.Stage, Status: progress.StepRetrying,
		Data: map[string]any{
			"error":         msg,
			"attempt":       next.Attempt,
			"max_attempts":  e.cfg.MaxAttempts,
			"retry_in_secs": delay.Seconds(),
		},
	})
	return nil
}

func (e *Executor) publishTerminal(ctx context.Context, job *models.Job) {
	outcome, ok := progress.OutcomeForStatus(job.Status)
	if !ok {
		return
	}
	e.deps.Publisher.PublishJobTerminal(ctx, job.ID, outcome, jobs.Details(job))
}
