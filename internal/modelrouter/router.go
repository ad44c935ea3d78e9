// Package modelrouter picks the model version used for each inference call.
//
// Without a subject, or when no experiment is running for the family, the
// version comes from the static weighted table. With a subject and an active
// experiment, the subject is assigned a variant once and keeps it.
package modelrouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/productlens/internal/config"
	"github.com/kiranshivaraju/productlens/internal/store"
	"github.com/kiranshivaraju/productlens/pkg/models"
)

// DefaultVersion is returned for families missing from the table.
const DefaultVersion = "v1"

// Selection is the outcome of one routing decision.
type Selection struct {
	Version      string
	ModelName    string
	ExperimentID *uuid.UUID
	VariantID    *uuid.UUID
}

// Rand draws a uniform integer in [0, n).
type Rand interface {
	IntN(n int) int
}

// Option configures a Router.
type Option func(*Router)

// WithRand replaces the random source.
func WithRand(r Rand) Option {
	return func(rt *Router) { rt.rng = r }
}

// WithClock replaces time.Now for experiment window checks.
func WithClock(now func() time.Time) Option {
	return func(rt *Router) { rt.now = now }
}

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Router) { rt.logger = l }
}

// Router is safe for concurrent use.
type Router struct {
	table   config.ModelTable
	cohorts store.CohortStore
	rng     Rand
	now     func() time.Time
	logger  *slog.Logger
}

var errNoExperiment = errors.New("no active experiment")

// New creates a Router. cohorts may be nil, in which case only the static table is used.
func New(table config.ModelTable, cohorts store.CohortStore, opts ...Option) *Router {
	r := &Router{
		table:   table,
		cohorts: cohorts,
		rng:     newLockedRand(),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Select returns the version to use for family. It never fails: store errors
// degrade to the static table.
func (r *Router) Select(ctx context.Context, family string, subjectID *uuid.UUID) Selection {
	if subjectID == nil || r.cohorts == nil {
		return r.static(family)
	}

	sel, err := r.fromExperiment(ctx, family, *subjectID)
	if errors.Is(err, errNoExperiment) {
		return r.static(family)
	}
	if err != nil {
		r.logger.Warn("cohort lookup failed, using static model table",
			"family", family, "subject_id", subjectID, "error", err)
		return r.static(family)
	}
	return sel
}

// ModelName resolves the human-readable name for a family version.
func (r *Router) ModelName(family, version string) string {
	for _, e := range r.table[family] {
		if e.Version == version && e.Name != "" {
			return e.Name
		}
	}
	return fmt.Sprintf("%s-%s", family, version)
}

func (r *Router) static(family string) Selection {
	entries := r.table[family]
	if len(entries) == 0 {
		return Selection{Version: DefaultVersion, ModelName: r.ModelName(family, DefaultVersion)}
	}

	weights := make([]int, len(entries))
	for i, e := range entries {
		weights[i] = e.Weight
	}
	e := entries[r.pick(weights)]
	return Selection{Version: e.Version, ModelName: r.ModelName(family, e.Version)}
}

func (r *Router) fromExperiment(ctx context.Context, family string, subjectID uuid.UUID) (Selection, error) {
	exp, err := r.cohorts.GetActiveExperiment(ctx, family, r.now())
	if errors.Is(err, store.ErrNotFound) {
		return Selection{}, errNoExperiment
	}
	if err != nil {
		return Selection{}, err
	}

	sel, err := r.assigned(ctx, family, subjectID, exp.ID)
	if err == nil {
		return sel, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Selection{}, err
	}

	variants, err := r.cohorts.ListVariants(ctx, exp.ID)
	if err != nil {
		return Selection{}, err
	}
	if len(variants) == 0 {
		return Selection{}, errNoExperiment
	}

	weights := make([]int, len(variants))
	for i, v := range variants {
		weights[i] = v.Weight
	}
	chosen := variants[r.pick(weights)]

	err = r.cohorts.CreateCohortAssignment(ctx, &models.CohortAssignment{
		ID:           uuid.New(),
		SubjectID:    subjectID,
		ExperimentID: exp.ID,
		VariantID:    chosen.ID,
		AssignedAt:   r.now().UTC(),
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		// Another caller assigned this subject first; theirs stands.
		return r.assigned(ctx, family, subjectID, exp.ID)
	}
	if err != nil {
		return Selection{}, err
	}
	return r.variantSelection(family, exp.ID, chosen), nil
}

func (r *Router) assigned(ctx context.Context, family string, subjectID, experimentID uuid.UUID) (Selection, error) {
	a, err := r.cohorts.GetCohortAssignment(ctx, subjectID, experimentID)
	if err != nil {
		return Selection{}, err
	}
	v, err := r.cohorts.GetVariant(ctx, a.VariantID)
	if err != nil {
		return Selection{}, fmt.Errorf("load assigned variant %s: %w", a.VariantID, err)
	}
	return r.variantSelection(family, experimentID, v), nil
}

func (r *Router) variantSelection(family string, experimentID uuid.UUID, v *models.Variant) Selection {
	expID, varID := experimentID, v.ID
	return Selection{
		Version:      v.ModelVersion,
		ModelName:    r.ModelName(family, v.ModelVersion),
		ExperimentID: &expID,
		VariantID:    &varID,
	}
}

// pick draws uniformly in [0, total) and returns the first index whose
// cumulative weight exceeds the draw. A zero total picks index 0.
func (r *Router) pick(weights []int) int {
	total := 0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total == 0 {
		return 0
	}

	draw := r.rng.IntN(total)
	cumulative := 0
	for i, w := range weights {
		if w > 0 {
			cumulative += w
		}
		if draw < cumulative {
			return i
		}
	}
	return len(weights) - 1
}

type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand() *lockedRand {
	return &lockedRand{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.IntN(n)
}
