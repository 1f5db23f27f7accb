package sweeper

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trellis-mbe/trellis/pkg/artifacts"
	"github.com/trellis-mbe/trellis/pkg/ids"
	"github.com/trellis-mbe/trellis/pkg/model"
	"github.com/trellis-mbe/trellis/pkg/observability"
	"github.com/trellis-mbe/trellis/pkg/store"
)

// DefaultSchedule runs the sweep daily at 03:17 UTC, off the hour to stay
// clear of other scheduled load.
const DefaultSchedule = "17 3 * * *"

const defaultPageSize = 10000

// Orphan is one broken reference found by a sweep.
type Orphan struct {
	Entity    string `json:"entity"`
	ID        string `json:"id"`
	Reference string `json:"reference"`
	Target    string `json:"target"`
}

// Report summarizes one sweep run.
type Report struct {
	Started  time.Time `json:"started"`
	Duration string    `json:"duration"`
	Checked  int       `json:"checked"`
	Orphans  []Orphan  `json:"orphans,omitempty"`
}

// Sweeper audits reference integrity on a cron schedule.
type Sweeper struct {
	store    store.Store
	blobs    *artifacts.Manager
	log      *observability.Logger
	metrics  *observability.Metrics
	pageSize int
	cron     *cron.Cron
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithPageSize overrides the scan page size.
func WithPageSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithMetrics attaches sweep metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithBlobs lets the sweep verify that artifact documents still point at
// stored blobs.
func WithBlobs(m *artifacts.Manager) Option {
	return func(s *Sweeper) { s.blobs = m }
}

// New builds a sweeper over the given store.
func New(st store.Store, log *observability.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{store: st, log: log, pageSize: defaultPageSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules sweeps with the given cron expression and begins running
// them in the background.
func (s *Sweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		defer observability.RecoverPanic(s.log, "integrity sweep")
		if _, err := s.Run(context.Background()); err != nil {
			s.log.WithError(err).Error("integrity sweep failed")
		}
	})
	if err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.log.WithField("schedule", schedule).Info("integrity sweeper started")
	return nil
}

// Stop halts the schedule. A sweep already running finishes.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

type sweepDoc struct {
	ID        string `json:"id"`
	Org       string `json:"org,omitempty"`
	Project   string `json:"project,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Parent    string `json:"parent,omitempty"`
	Source    string `json:"source,omitempty"`
	Target    string `json:"target,omitempty"`
	Reference string `json:"reference,omitempty"`
	Location  string `json:"location,omitempty"`
}

// Run executes one full sweep and returns its report.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	started := time.Now()
	report := &Report{Started: started.UTC()}

	known := make(map[string]map[string]bool, 4)
	for _, coll := range []string{
		model.CollOrganizations, model.CollProjects, model.CollBranches, model.CollElements,
	} {
		set, err := s.collectIDs(ctx, coll)
		if err != nil {
			return nil, err
		}
		known[coll] = set
	}

	checks := []struct {
		coll  string
		check func(ctx context.Context, doc *sweepDoc) []Orphan
	}{
		{model.CollProjects, func(_ context.Context, doc *sweepDoc) []Orphan {
			return s.requireRef("project", doc.ID, "org", doc.Org, known[model.CollOrganizations])
		}},
		{model.CollBranches, func(_ context.Context, doc *sweepDoc) []Orphan {
			return s.requireRef("branch", doc.ID, "project", doc.Project, known[model.CollProjects])
		}},
		{model.CollElements, func(_ context.Context, doc *sweepDoc) []Orphan {
			var orphans []Orphan
			orphans = append(orphans, s.requireRef("element", doc.ID, "branch", doc.Branch, known[model.CollBranches])...)
			orphans = append(orphans, s.requireRef("element", doc.ID, "parent", doc.Parent, known[model.CollElements])...)
			orphans = append(orphans, s.requireRef("element", doc.ID, "source", doc.Source, known[model.CollElements])...)
			orphans = append(orphans, s.requireRef("element", doc.ID, "target", doc.Target, known[model.CollElements])...)
			return orphans
		}},
		{model.CollArtifacts, func(ctx context.Context, doc *sweepDoc) []Orphan {
			orphans := s.requireRef("artifact", doc.ID, "branch", doc.Branch, known[model.CollBranches])
			return append(orphans, s.checkBlob(ctx, doc)...)
		}},
		{model.CollWebhooks, func(_ context.Context, doc *sweepDoc) []Orphan {
			set, ok := known[referenceCollection(doc.Reference)]
			if !ok {
				return []Orphan{{Entity: "webhook", ID: doc.ID, Reference: "reference", Target: doc.Reference}}
			}
			return s.requireRef("webhook", doc.ID, "reference", doc.Reference, set)
		}},
	}
	for _, c := range checks {
		checked, orphans, err := s.scan(ctx, c.coll, c.check)
		if err != nil {
			return nil, err
		}
		report.Checked += checked
		report.Orphans = append(report.Orphans, orphans...)
	}

	elapsed := time.Since(started)
	report.Duration = elapsed.String()
	if s.metrics != nil {
		s.metrics.SweepRunsTotal.Inc()
		s.metrics.SweepDurationSecond.Observe(elapsed.Seconds())
	}
	log := s.log.WithFields(map[string]interface{}{
		"checked": report.Checked,
		"orphans": len(report.Orphans),
		"took":    report.Duration,
	})
	if len(report.Orphans) > 0 {
		log.Warn("integrity sweep found orphans")
	} else {
		log.Info("integrity sweep clean")
	}
	return report, nil
}

// collectIDs pages through a collection and returns the set of its ids.
func (s *Sweeper) collectIDs(ctx context.Context, coll string) (map[string]bool, error) {
	set := make(map[string]bool)
	skip := 0
	for {
		raw, err := s.store.Find(ctx, coll, store.Filter{}, store.FindOptions{Limit: s.pageSize, Skip: skip})
		if err != nil {
			return nil, err
		}
		for _, data := range raw {
			var doc sweepDoc
			if err := json.Unmarshal(data, &doc); err != nil {
				return nil, err
			}
			set[doc.ID] = true
		}
		if len(raw) < s.pageSize {
			return set, nil
		}
		skip += s.pageSize
	}
}

// checkBlob reports an orphan when an artifact document names a blob that is
// not in the blob store.
func (s *Sweeper) checkBlob(ctx context.Context, doc *sweepDoc) []Orphan {
	if s.blobs == nil || doc.Location == "" {
		return nil
	}
	exists, err := s.blobs.Exists(ctx, doc.Location)
	if err != nil {
		s.log.WithError(err).WithField("id", doc.ID).Warn("blob check failed")
		return nil
	}
	if exists {
		return nil
	}
	if s.metrics != nil {
		s.metrics.SweepOrphansFound.WithLabelValues("artifact", "blob").Inc()
	}
	s.log.WithFields(map[string]interface{}{
		"id":       doc.ID,
		"location": doc.Location,
	}).Warn("artifact blob missing")
	return []Orphan{{Entity: "artifact", ID: doc.ID, Reference: "blob", Target: doc.Location}}
}

// scan pages through a collection applying the check to every document.
func (s *Sweeper) scan(ctx context.Context, coll string, check func(ctx context.Context, doc *sweepDoc) []Orphan) (int, []Orphan, error) {
	var checked int
	var orphans []Orphan
	skip := 0
	for {
		raw, err := s.store.Find(ctx, coll, store.Filter{}, store.FindOptions{Limit: s.pageSize, Skip: skip})
		if err != nil {
			return checked, orphans, err
		}
		for _, data := range raw {
			var doc sweepDoc
			if err := json.Unmarshal(data, &doc); err != nil {
				return checked, orphans, err
			}
			checked++
			orphans = append(orphans, check(ctx, &doc)...)
		}
		if len(raw) < s.pageSize {
			return checked, orphans, nil
		}
		skip += s.pageSize
	}
}

// requireRef reports an orphan when the reference is set but missing from
// the target id set.
func (s *Sweeper) requireRef(entity, id, reference, target string, set map[string]bool) []Orphan {
	if target == "" || set[target] {
		return nil
	}
	if s.metrics != nil {
		s.metrics.SweepOrphansFound.WithLabelValues(entity, reference).Inc()
	}
	s.log.WithFields(map[string]interface{}{
		"id":        id,
		"reference": reference,
		"target":    target,
	}).Warnf("orphaned %s reference", entity)
	return []Orphan{{Entity: entity, ID: id, Reference: reference, Target: target}}
}

// referenceCollection maps a webhook reference id to the collection that
// should hold it, by composite depth.
func referenceCollection(reference string) string {
	switch len(ids.Parse(reference)) {
	case 1:
		return model.CollOrganizations
	case 2:
		return model.CollProjects
	case 3:
		return model.CollBranches
	default:
		return ""
	}
}
