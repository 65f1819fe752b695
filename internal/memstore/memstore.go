// Package memstore keeps every pipeline collection in process memory. It is
// used with STORE_BACKEND=memory and by tests.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/store"
)

// Store implements all store interfaces behind a single mutex
type Store struct {
	mu       sync.Mutex
	jobs     map[string]*model.Job
	stages   map[string]*model.StageRecord
	costs    map[string][]model.CostEvent
	applied  map[string]map[string]struct{}
	backlog  map[string][]store.BacklogItem
	inflight map[string]map[string]struct{}
	cache    map[string]*model.CacheEntry
	seq      int64
}

var (
	_ store.JobStore   = (*Store)(nil)
	_ store.StageStore = (*Store)(nil)
	_ store.CostStore  = (*Store)(nil)
	_ store.QueueStore = (*Store)(nil)
	_ store.CacheStore = (*Store)(nil)
	_ store.Pinger     = (*Store)(nil)
)

// New creates an empty store
func New() *Store {
	return &Store{
		jobs:     make(map[string]*model.Job),
		stages:   make(map[string]*model.StageRecord),
		costs:    make(map[string][]model.CostEvent),
		applied:  make(map[string]map[string]struct{}),
		backlog:  make(map[string][]store.BacklogItem),
		inflight: make(map[string]map[string]struct{}),
		cache:    make(map[string]*model.CacheEntry),
	}
}

// Ping only fails when ctx is done
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// CreateJob stores a copy of job
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return model.NewValidationError("create_job", "job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob returns a copy of the stored job
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return job.Clone(), nil
}

// ApplyTransition writes the job and stage record under one lock
func (s *Store) ApplyTransition(ctx context.Context, t model.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[t.Job.ID]
	if !ok {
		return model.ErrNotFound
	}
	if current.Status != t.ExpectedStatus {
		return model.ErrConflict
	}

	current.Status = t.Job.Status
	current.CurrentStage = t.Job.CurrentStage
	current.Progress = t.Job.Progress
	current.ErrorMessage = t.Job.ErrorMessage
	current.OutputURL = t.Job.OutputURL
	current.EstimatedRemaining = nil
	if t.Job.EstimatedRemaining != nil {
		v := *t.Job.EstimatedRemaining
		current.EstimatedRemaining = &v
	}
	current.UpdatedAt = t.Job.UpdatedAt

	if t.Stage != nil {
		s.upsertStage(t.Stage)
	}
	return nil
}

func (s *Store) upsertStage(rec *model.StageRecord) {
	id := rec.ID
	if id == "" {
		id = model.StageRecordID(rec.JobID, rec.StageName)
	}
	existing, ok := s.stages[id]
	if !ok {
		cp := rec.Clone()
		cp.ID = id
		s.stages[id] = cp
		return
	}
	existing.Status = rec.Status
	existing.Sequence = rec.Sequence
	existing.DurationSeconds = rec.DurationSeconds
	existing.ErrorMessage = rec.ErrorMessage
	existing.UpdatedAt = rec.UpdatedAt
	if rec.Metadata != nil {
		existing.Metadata = model.CloneDocument(rec.Metadata)
	}
}

// CompareAndSwapStatus moves id from expected to next if it still holds expected
func (s *Store) CompareAndSwapStatus(ctx context.Context, id string, expected, next model.JobStatus, extras model.StatusExtras) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != expected {
		return false, nil
	}
	if extras.UnchangedSince != nil && !job.UpdatedAt.Equal(*extras.UnchangedSince) {
		return false, nil
	}
	job.Status = next
	if next == model.JobStatusRegenerating {
		job.CancelRequested = false
	}
	if extras.OutputURL != nil {
		job.OutputURL = *extras.OutputURL
	}
	if extras.ErrorMessage != nil {
		job.ErrorMessage = *extras.ErrorMessage
	}
	if extras.Progress != nil {
		job.Progress = *extras.Progress
	}
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

// AddJobCost adds amount once per eventID
func (s *Store) AddJobCost(ctx context.Context, id, eventID string, amount model.Amount) (model.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return 0, model.ErrNotFound
	}
	events, ok := s.applied[id]
	if !ok {
		events = make(map[string]struct{})
		s.applied[id] = events
	}
	if _, done := events[eventID]; done {
		return job.TotalCost, nil
	}
	events[eventID] = struct{}{}
	job.TotalCost += amount
	job.UpdatedAt = time.Now().UTC()
	return job.TotalCost, nil
}

func (s *Store) RequestCancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return model.ErrNotFound
	}
	job.CancelRequested = true
	return nil
}

// ListStale returns matching jobs oldest first
func (s *Store) ListStale(ctx context.Context, env string, statuses []model.JobStatus, cutoff time.Time) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Job
	for _, job := range s.jobs {
		if env != "" && job.Environment != env {
			continue
		}
		if !slices.Contains(statuses, job.Status) || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, *job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// ListStages returns the job's stage records in sequence order
func (s *Store) ListStages(ctx context.Context, jobID string) ([]model.StageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.StageRecord
	for _, rec := range s.stages {
		if rec.JobID == jobID {
			out = append(out, *rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *Store) GetStage(ctx context.Context, jobID string, stage model.StageName) (*model.StageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.stages[model.StageRecordID(jobID, stage)]
	if !ok {
		return nil, model.ErrNotFound
	}
	return rec.Clone(), nil
}

// AppendCostEvent appends to the job's ledger
func (s *Store) AppendCostEvent(ctx context.Context, event *model.CostEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.costs[event.JobID] = append(s.costs[event.JobID], *event)
	return nil
}

func (s *Store) ListCostEvents(ctx context.Context, jobID string) ([]model.CostEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.costs[jobID]), nil
}

func (s *Store) PushBacklog(ctx context.Context, env, jobID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.backlog[env] = append(s.backlog[env], store.BacklogItem{
		Seq:        s.seq,
		JobID:      jobID,
		Payload:    slices.Clone(payload),
		EnqueuedAt: time.Now().UTC(),
	})
	return nil
}

// PopBacklog removes the head of env's backlog
func (s *Store) PopBacklog(ctx context.Context, env string) (*store.BacklogItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.backlog[env]
	if len(items) == 0 {
		return nil, nil
	}
	head := items[0]
	s.backlog[env] = items[1:]
	return &head, nil
}

// RestoreBacklog reinserts item at its sequence position
func (s *Store) RestoreBacklog(ctx context.Context, env string, item *store.BacklogItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.backlog[env]
	idx := sort.Search(len(items), func(i int) bool { return items[i].Seq >= item.Seq })
	s.backlog[env] = slices.Insert(items, idx, *item)
	return nil
}

func (s *Store) BacklogContains(ctx context.Context, env, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.backlog[env] {
		if item.JobID == jobID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) BacklogLen(ctx context.Context, env string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.backlog[env])), nil
}

func (s *Store) AddInFlight(ctx context.Context, env, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.inflight[env]
	if !ok {
		set = make(map[string]struct{})
		s.inflight[env] = set
	}
	set[jobID] = struct{}{}
	return nil
}

func (s *Store) RemoveInFlight(ctx context.Context, env, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.inflight[env]
	if _, ok := set[jobID]; !ok {
		return false, nil
	}
	delete(set, jobID)
	return true, nil
}

func (s *Store) InFlightContains(ctx context.Context, env, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.inflight[env][jobID]
	return ok, nil
}

func (s *Store) ListInFlight(ctx context.Context, env string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.inflight[env]))
	for id := range s.inflight[env] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// GetCache returns an unexpired entry
func (s *Store) GetCache(ctx context.Context, hash string) (*model.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache[hash]
	if !ok || entry.Expired(time.Now()) {
		return nil, model.ErrNotFound
	}
	cp := *entry
	cp.Value = slices.Clone(entry.Value)
	return &cp, nil
}

func (s *Store) PutCache(ctx context.Context, entry *model.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	cp.Value = slices.Clone(entry.Value)
	s.cache[entry.Hash] = &cp
	return nil
}
