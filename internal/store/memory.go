package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/productlens/pkg/models"
)

// MemoryStore is a mutex-guarded in-process Store. It follows the same
// state-machine and guard rules as PostgresStore and backs unit tests and
// local runs without a database.
type MemoryStore struct {
	mu sync.Mutex

	tenants     map[uuid.UUID]*models.Tenant
	apiKeys     map[uuid.UUID]*models.APIKey
	products    map[uuid.UUID]*models.Product
	images      map[uuid.UUID]*models.ProductImage
	jobs        map[uuid.UUID]*models.Job
	outcomes    map[[2]uuid.UUID]bool
	steps       map[StepKey]*models.Step
	stepOrder   map[uuid.UUID][]StepKey
	analyses    map[uuid.UUID]*models.AnalysisRecord
	experiments map[uuid.UUID]*models.Experiment
	variants    map[uuid.UUID][]*models.Variant
	assignments map[[2]uuid.UUID]*models.CohortAssignment
	webhooks    map[uuid.UUID]*models.WebhookEndpoint
	deliveries  []*models.WebhookDelivery

	defaultTenant uuid.UUID
}

// NewMemoryStore returns an empty store seeded with the default tenant.
func NewMemoryStore() *MemoryStore {
	now := time.Now().UTC()
	t := &models.Tenant{ID: uuid.New(), Name: "default", CreatedAt: now, UpdatedAt: now}
	return &MemoryStore{
		tenants:       map[uuid.UUID]*models.Tenant{t.ID: t},
		apiKeys:       map[uuid.UUID]*models.APIKey{},
		products:      map[uuid.UUID]*models.Product{},
		images:        map[uuid.UUID]*models.ProductImage{},
		jobs:          map[uuid.UUID]*models.Job{},
		outcomes:      map[[2]uuid.UUID]bool{},
		steps:         map[StepKey]*models.Step{},
		stepOrder:     map[uuid.UUID][]StepKey{},
		analyses:      map[uuid.UUID]*models.AnalysisRecord{},
		experiments:   map[uuid.UUID]*models.Experiment{},
		variants:      map[uuid.UUID][]*models.Variant{},
		assignments:   map[[2]uuid.UUID]*models.CohortAssignment{},
		webhooks:      map[uuid.UUID]*models.WebhookEndpoint{},
		defaultTenant: t.ID,
	}
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// --- Tenants ---

func (m *MemoryStore) GetDefaultTenant(_ context.Context) (*models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := *m.tenants[m.defaultTenant]
	return &t, nil
}

func (m *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range m.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			keys = append(keys, &c)
		}
	}
	return keys, nil
}

func (m *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.apiKeys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (m *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apiKeys[key.ID]; ok {
		return ErrDuplicateKey
	}
	c := *key
	m.apiKeys[key.ID] = &c
	return nil
}

// --- Products ---

func (m *MemoryStore) CreateProduct(_ context.Context, p *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[p.ID]; ok {
		return ErrDuplicateKey
	}
	c := *p
	m.products[p.ID] = &c
	return nil
}

func (m *MemoryStore) CreateProductImage(_ context.Context, img *models.ProductImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[img.ID]; ok {
		return ErrDuplicateKey
	}
	if _, ok := m.products[img.ProductID]; !ok {
		return fmt.Errorf("create product image: product %s: %w", img.ProductID, ErrNotFound)
	}
	c := *img
	m.images[img.ID] = &c
	return nil
}

func (m *MemoryStore) GetProductImage(_ context.Context, id uuid.UUID) (*models.ProductImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *img
	return &c, nil
}

func (m *MemoryStore) CountTenantImages(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		img, ok := m.images[id]
		if !ok {
			continue
		}
		if p, ok := m.products[img.ProductID]; ok && p.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ActivateProduct(_ context.Context, imageID uuid.UUID, category, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[imageID]
	if !ok {
		return ErrNotFound
	}
	p, ok := m.products[img.ProductID]
	if !ok {
		return ErrNotFound
	}
	p.Category = &category
	p.AIDescription = &description
	p.Status = models.ProductStatusActive
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// GetProduct returns a copy of a product. It is not part of Store.
func (m *MemoryStore) GetProduct(id uuid.UUID) (*models.Product, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, false
	}
	c := *p
	return &c, true
}

// --- Jobs ---

func copyJob(j *models.Job) *models.Job {
	c := *j
	c.Metadata = make(map[string]string, len(j.Metadata))
	for k, v := range j.Metadata {
		c.Metadata[k] = v
	}
	c.Steps = nil
	return &c
}

func (m *MemoryStore) InitializeJob(_ context.Context, job *models.Job, imageIDs []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	for _, id := range imageIDs {
		if _, ok := m.images[id]; !ok {
			return fmt.Errorf("initialize job: image %s: %w", id, ErrNotFound)
		}
	}

	j := copyJob(job)
	j.ProcessedImages, j.FailedImages = 0, 0
	m.jobs[j.ID] = j

	for _, imageID := range imageIDs {
		img := imageID
		for _, stage := range models.Stages {
			key := StepKey{JobID: j.ID, ImageID: img, Stage: stage}
			m.steps[key] = &models.Step{
				ID:        uuid.New(),
				JobID:     j.ID,
				ImageID:   &img,
				Stage:     stage,
				Status:    models.StepStatusPending,
				CreatedAt: j.CreatedAt,
				UpdatedAt: j.CreatedAt,
			}
			m.stepOrder[j.ID] = append(m.stepOrder[j.ID], key)
		}
		if _, ok := m.analyses[img]; !ok {
			m.analyses[img] = &models.AnalysisRecord{
				ID:           uuid.New(),
				ImageID:      img,
				Status:       models.AnalysisStatusPending,
				ModelVersion: models.DefaultModelVersion,
				CreatedAt:    j.CreatedAt,
				UpdatedAt:    j.CreatedAt,
			}
		}
	}
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (m *MemoryStore) ListSteps(_ context.Context, jobID uuid.UUID) ([]*models.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var steps []*models.Step
	for _, key := range m.stepOrder[jobID] {
		c := *m.steps[key]
		steps = append(steps, &c)
	}
	return steps, nil
}

func (m *MemoryStore) SetJobTaskRef(_ context.Context, id uuid.UUID, taskRef string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.TaskRef = &taskRef
	if j.Metadata == nil {
		j.Metadata = map[string]string{}
	}
	for k, v := range metadata {
		j.Metadata[k] = v
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MarkJobProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != models.JobStatusQueued {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = models.JobStatusProcessing
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) RecordImageOutcome(_ context.Context, id, imageID uuid.UUID, success bool, errMsg string, decide OutcomeDecider) (*models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if j.IsTerminal() {
		return nil, false, ErrJobTerminal
	}
	if _, done := m.outcomes[[2]uuid.UUID{id, imageID}]; done {
		return nil, false, ErrOutcomeRecorded
	}
	if j.Outstanding() <= 0 {
		return nil, false, fmt.Errorf("%w: job %s has no outstanding images", ErrInvalidTransition, id)
	}

	now := time.Now().UTC()
	next := copyJob(j)
	if success {
		next.ProcessedImages++
	} else {
		next.FailedImages++
		if errMsg != "" {
			msg := TruncateError(errMsg)
			next.ErrorMessage = &msg
		}
	}
	if next.Status == models.JobStatusQueued {
		next.Status = models.JobStatusProcessing
		next.StartedAt = &now
	}
	transitioned := false
	if status := decide(next); status != "" {
		next.Status = status
		next.CompletedAt = &now
		transitioned = true
	}
	next.UpdatedAt = now
	m.jobs[id] = next
	m.outcomes[[2]uuid.UUID{id, imageID}] = success
	return copyJob(next), transitioned, nil
}

func (m *MemoryStore) CancelJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.IsTerminal() {
		return nil, ErrJobTerminal
	}
	now := time.Now().UTC()
	j.Status = models.JobStatusCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	return copyJob(j), nil
}

func (m *MemoryStore) FailJob(_ context.Context, id uuid.UUID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.IsTerminal() {
		return ErrJobTerminal
	}
	now := time.Now().UTC()
	msg := TruncateError(errMsg)
	j.Status = models.JobStatusFailed
	j.ErrorMessage = &msg
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ResolveJobTenant(_ context.Context, jobID uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.stepOrder[jobID] {
		img, ok := m.images[key.ImageID]
		if !ok {
			continue
		}
		if p, ok := m.products[img.ProductID]; ok {
			return p.TenantID, nil
		}
	}
	return uuid.Nil, ErrNotFound
}

// --- Steps ---

// openStep returns the step for key when both the step and its job accept updates.
// Callers hold m.mu.
func (m *MemoryStore) openStep(key StepKey) (*models.Step, error) {
	j, ok := m.jobs[key.JobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.IsTerminal() {
		return nil, ErrJobTerminal
	}
	st, ok := m.steps[key]
	if !ok {
		return nil, ErrNotFound
	}
	if st.Status != models.StepStatusPending && st.Status != models.StepStatusRunning {
		return nil, fmt.Errorf("%w: step %s is %s", ErrInvalidTransition, key.Stage, st.Status)
	}
	return st, nil
}

func (m *MemoryStore) GetStep(_ context.Context, key StepKey) (*models.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.steps[key]
	if !ok {
		return nil, ErrNotFound
	}
	c := *st
	return &c, nil
}

func (m *MemoryStore) StartStep(_ context.Context, key StepKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.openStep(key)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	st.Status = models.StepStatusRunning
	if st.StartedAt == nil {
		st.StartedAt = &now
	}
	st.UpdatedAt = now
	return nil
}

func (m *MemoryStore) CompleteStep(_ context.Context, c StepCompletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.openStep(c.Key)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	ms := durationMs(c.Duration)
	st.Status = models.StepStatusCompleted
	st.CompletedAt = &now
	st.DurationMs = &ms
	st.Result = slices.Clone(c.Result)
	st.ErrorMessage = nil
	st.UpdatedAt = now

	a, ok := m.analyses[c.Key.ImageID]
	if !ok || a.Status == models.AnalysisStatusCompleted {
		return nil
	}
	u := c.Analysis
	if cl := u.Classification; cl != nil {
		label, conf := cl.Label, cl.Confidence
		a.Category = &label
		a.CategoryConfidence = &conf
		a.ScoreDistribution = cl.Scores
		a.ModelVersion = cl.ModelVersion
		a.ExperimentID = u.ExperimentID
		a.VariantID = u.VariantID
	}
	if u.Attributes != nil {
		a.Attributes = slices.Clone(u.Attributes)
	}
	if u.Defects != nil {
		a.Defects = slices.Clone(u.Defects)
	}
	if d := u.Description; d != nil {
		text, model := d.Text, d.ModelName
		a.Description = &text
		a.DescriptionModel = &model
	}
	a.UpdatedAt = now
	return nil
}

func (m *MemoryStore) RecordStepError(_ context.Context, key StepKey, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.steps[key]
	if !ok {
		return nil
	}
	if st.Status == models.StepStatusPending || st.Status == models.StepStatusRunning {
		msg := TruncateError(errMsg)
		st.ErrorMessage = &msg
		st.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) FailStep(_ context.Context, key StepKey, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.openStep(key)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	msg := TruncateError(errMsg)
	st.Status = models.StepStatusFailed
	st.CompletedAt = &now
	st.ErrorMessage = &msg
	if st.StartedAt != nil {
		ms := now.Sub(*st.StartedAt).Milliseconds()
		st.DurationMs = &ms
	}
	st.UpdatedAt = now
	return nil
}

// --- Analysis Records ---

func (m *MemoryStore) GetAnalysisByImage(_ context.Context, imageID uuid.UUID) (*models.AnalysisRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[imageID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	c.Attributes = slices.Clone(a.Attributes)
	c.Defects = slices.Clone(a.Defects)
	return &c, nil
}

func (m *MemoryStore) SetAnalysisProcessing(_ context.Context, imageID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.analyses[imageID]; ok && a.Status != models.AnalysisStatusCompleted {
		a.Status = models.AnalysisStatusProcessing
		a.ErrorMessage = nil
		a.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) CompleteAnalysis(_ context.Context, imageID uuid.UUID, c AnalysisCompletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[imageID]
	if !ok || a.Status == models.AnalysisStatusCompleted {
		return nil
	}
	now := time.Now().UTC()
	ms := durationMs(c.ProcessingTime)
	a.Status = models.AnalysisStatusCompleted
	a.ProcessingTimeMs = &ms
	a.ModelVersion = c.ModelVersion
	if c.ExperimentID != nil {
		a.ExperimentID = c.ExperimentID
	}
	if c.VariantID != nil {
		a.VariantID = c.VariantID
	}
	a.ErrorMessage = nil
	a.CompletedAt = &now
	a.UpdatedAt = now
	return nil
}

func (m *MemoryStore) FailAnalysis(_ context.Context, imageID uuid.UUID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[imageID]
	if !ok || a.Status == models.AnalysisStatusCompleted {
		return nil
	}
	msg := TruncateError(errMsg)
	a.Status = models.AnalysisStatusFailed
	a.ErrorMessage = &msg
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Experiments ---

func (m *MemoryStore) CreateExperiment(_ context.Context, e *models.Experiment, variants []*models.Variant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.experiments[e.ID]; ok {
		return ErrDuplicateKey
	}
	c := *e
	m.experiments[e.ID] = &c
	vs := make([]*models.Variant, 0, len(variants))
	for _, v := range variants {
		v.ExperimentID = e.ID
		vc := *v
		vs = append(vs, &vc)
	}
	m.variants[e.ID] = vs
	return nil
}

func (m *MemoryStore) GetActiveExperiment(_ context.Context, family string, now time.Time) (*models.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *models.Experiment
	for _, e := range m.experiments {
		if e.ModelFamily != family || !e.ActiveAt(now) {
			continue
		}
		if newest == nil || e.CreatedAt.After(newest.CreatedAt) {
			newest = e
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	c := *newest
	return &c, nil
}

func (m *MemoryStore) ListVariants(_ context.Context, experimentID uuid.UUID) ([]*models.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Variant
	for _, v := range m.variants[experimentID] {
		c := *v
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) GetVariant(_ context.Context, id uuid.UUID) (*models.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, vs := range m.variants {
		for _, v := range vs {
			if v.ID == id {
				c := *v
				return &c, nil
			}
		}
	}
	return nil, ErrNotFound
}

// SetVariantWeight changes a variant's weight in place. It is not part of Store.
func (m *MemoryStore) SetVariantWeight(id uuid.UUID, weight int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, vs := range m.variants {
		for _, v := range vs {
			if v.ID == id {
				v.Weight = weight
			}
		}
	}
}

func (m *MemoryStore) GetCohortAssignment(_ context.Context, subjectID, experimentID uuid.UUID) (*models.CohortAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[[2]uuid.UUID{subjectID, experimentID}]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) CreateCohortAssignment(_ context.Context, a *models.CohortAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]uuid.UUID{a.SubjectID, a.ExperimentID}
	if _, ok := m.assignments[key]; ok {
		return ErrDuplicateKey
	}
	c := *a
	m.assignments[key] = &c
	return nil
}

// --- Webhooks ---

func (m *MemoryStore) CreateWebhook(_ context.Context, e *models.WebhookEndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[e.ID]; ok {
		return ErrDuplicateKey
	}
	c := *e
	c.Events = slices.Clone(e.Events)
	m.webhooks[e.ID] = &c
	return nil
}

func (m *MemoryStore) GetWebhook(_ context.Context, id uuid.UUID) (*models.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *e
	c.Events = slices.Clone(e.Events)
	return &c, nil
}

func (m *MemoryStore) ListActiveWebhooks(_ context.Context, tenantID uuid.UUID) ([]*models.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WebhookEndpoint
	for _, e := range m.webhooks {
		if e.TenantID == tenantID && e.IsActive {
			c := *e
			c.Events = slices.Clone(e.Events)
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *models.WebhookEndpoint) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RecordWebhookAttempt(_ context.Context, o DeliveryOutcome) (*models.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := o.Delivery
	e, ok := m.webhooks[d.WebhookID]
	if !ok {
		return nil, ErrNotFound
	}
	for _, text := range []*string{d.ResponseBody, d.ErrorMessage} {
		if err := checkText(text); err != nil {
			return nil, err
		}
	}
	dc := *d
	dc.Payload = slices.Clone(d.Payload)
	m.deliveries = append(m.deliveries, &dc)

	now := time.Now().UTC()
	if d.Success {
		e.FailureCount = 0
	} else {
		e.FailureCount++
		if e.FailureCount >= o.DisableThreshold {
			e.IsActive = false
		}
	}
	e.LastTriggeredAt = &now
	e.UpdatedAt = now
	c := *e
	c.Events = slices.Clone(e.Events)
	return &c, nil
}

// checkText rejects what a Postgres TEXT column rejects.
func checkText(s *string) error {
	if s == nil {
		return nil
	}
	if !utf8.ValidString(*s) || strings.ContainsRune(*s, 0) {
		return fmt.Errorf("invalid byte sequence for encoding UTF8 in %q", Truncate(*s, 40))
	}
	return nil
}

func (m *MemoryStore) ListWebhookDeliveries(_ context.Context, webhookID, tenantID uuid.UUID, limit int) ([]*models.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.webhooks[webhookID]
	if !ok || e.TenantID != tenantID {
		return []*models.WebhookDelivery{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	out := []*models.WebhookDelivery{}
	for i := len(m.deliveries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.deliveries[i].WebhookID == webhookID {
			c := *m.deliveries[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) ReactivateWebhook(_ context.Context, id, tenantID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.webhooks[id]
	if !ok || e.TenantID != tenantID {
		return ErrNotFound
	}
	e.IsActive = true
	e.FailureCount = 0
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
