package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opsgate/opsgate/pkg/core"
	"github.com/opsgate/opsgate/pkg/errors"
	"github.com/opsgate/opsgate/pkg/policy"
)

// MemoryTaskStore keeps tasks and checkpoints in memory.
type MemoryTaskStore struct {
	mu          sync.RWMutex
	tasks       map[string]*core.Task
	checkpoints map[string][]core.Checkpoint
	seq         int64
}

// NewMemoryTaskStore creates an empty in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks:       make(map[string]*core.Task),
		checkpoints: make(map[string][]core.Checkpoint),
	}
}

// Create admits a task and writes its first checkpoint.
func (s *MemoryTaskStore) Create(_ context.Context, task *core.Task) error {
	if task == nil || task.ID == "" {
		return errors.New(errors.CodeValidation, "task id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return errors.New(errors.CodeValidation, "task already exists", nil).WithContext("task_id", task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	s.appendCheckpointLocked(task.ID, task.Status)
	return nil
}

// Get returns the task by id.
func (s *MemoryTaskStore) Get(_ context.Context, id string) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "task not found", nil).WithContext("task_id", id)
	}
	return task.Clone(), nil
}

// Update persists the task if its stored status equals expect.
func (s *MemoryTaskStore) Update(_ context.Context, task *core.Task, expect core.TaskStatus) error {
	if task == nil || task.ID == "" {
		return errors.New(errors.CodeValidation, "task id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[task.ID]
	if !ok {
		return errors.New(errors.CodeNotFound, "task not found", nil).WithContext("task_id", task.ID)
	}
	if current.Status != expect {
		return errors.New(errors.CodeStoreError, "concurrent task update", nil).
			WithContext("task_id", task.ID).
			WithContext("expected", string(expect)).
			WithContext("actual", string(current.Status))
	}
	s.tasks[task.ID] = task.Clone()
	if task.Status != expect {
		s.appendCheckpointLocked(task.ID, task.Status)
	}
	return nil
}

// ListByStatus returns tasks currently in the given status.
func (s *MemoryTaskStore) ListByStatus(_ context.Context, status core.TaskStatus) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Task, 0)
	for _, task := range s.tasks {
		if task.Status == status {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Checkpoints returns the checkpoint log for a task, oldest first.
func (s *MemoryTaskStore) Checkpoints(_ context.Context, taskID string) ([]core.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.checkpoints[taskID]
	out := make([]core.Checkpoint, len(log))
	copy(out, log)
	return out, nil
}

func (s *MemoryTaskStore) appendCheckpointLocked(taskID string, status core.TaskStatus) {
	s.seq++
	s.checkpoints[taskID] = append(s.checkpoints[taskID], core.Checkpoint{
		TaskID: taskID,
		Status: status,
		Seq:    s.seq,
		At:     time.Now().UTC(),
	})
}

// MemoryApprovalStore keeps approval requests in memory, newest per task.
type MemoryApprovalStore struct {
	mu       sync.RWMutex
	requests map[string]*core.ApprovalRequest
}

// NewMemoryApprovalStore creates an in-memory approval store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{requests: make(map[string]*core.ApprovalRequest)}
}

// Create inserts a request, enforcing one open request per task.
func (s *MemoryApprovalStore) Create(_ context.Context, req *core.ApprovalRequest) error {
	if req == nil || req.TaskID == "" {
		return errors.New(errors.CodeValidation, "task_id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.requests[req.TaskID]; ok && existing.Status.Open() {
		return errors.New(errors.CodeValidation, "open approval already exists", nil).
			WithContext("task_id", req.TaskID)
	}
	cloned := *req
	s.requests[req.TaskID] = &cloned
	return nil
}

// GetByTask returns the most recent request for a task.
func (s *MemoryApprovalStore) GetByTask(_ context.Context, taskID string) (*core.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[taskID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "approval not found", nil).WithContext("task_id", taskID)
	}
	cloned := *req
	return &cloned, nil
}

// Resolve atomically swaps the request status from, to.
func (s *MemoryApprovalStore) Resolve(_ context.Context, taskID string, from, to core.ApprovalStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[taskID]
	if !ok {
		return false, errors.New(errors.CodeNotFound, "approval not found", nil).WithContext("task_id", taskID)
	}
	if req.Status != from {
		return false, nil
	}
	req.Status = to
	req.Reason = reason
	req.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ListExpired returns open requests whose expiry is at or before now.
func (s *MemoryApprovalStore) ListExpired(_ context.Context, now time.Time) ([]*core.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.ApprovalRequest, 0)
	for _, req := range s.requests {
		if req.Status.Open() && !req.ExpiresAt.After(now) {
			cloned := *req
			out = append(out, &cloned)
		}
	}
	return out, nil
}

// MemoryOutcomeStore keeps the outcome log in memory.
type MemoryOutcomeStore struct {
	mu       sync.RWMutex
	outcomes []*core.Outcome
	byTask   map[string]*core.Outcome
	seq      int64
}

// NewMemoryOutcomeStore creates an empty in-memory outcome log.
func NewMemoryOutcomeStore() *MemoryOutcomeStore {
	return &MemoryOutcomeStore{byTask: make(map[string]*core.Outcome)}
}

// Append records an outcome, assigning its sequence number.
func (s *MemoryOutcomeStore) Append(_ context.Context, outcome *core.Outcome) error {
	if outcome == nil || outcome.TaskID == "" {
		return errors.New(errors.CodeValidation, "task_id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byTask[outcome.TaskID]; ok {
		return errors.New(errors.CodeValidation, "outcome already recorded", nil).
			WithContext("task_id", outcome.TaskID)
	}
	s.seq++
	outcome.Seq = s.seq
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now().UTC()
	}
	cloned := *outcome
	s.outcomes = append(s.outcomes, &cloned)
	s.byTask[outcome.TaskID] = &cloned
	return nil
}

// GetByTask returns the outcome recorded for a task, if any.
func (s *MemoryOutcomeStore) GetByTask(_ context.Context, taskID string) (*core.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outcome, ok := s.byTask[taskID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "outcome not found", nil).WithContext("task_id", taskID)
	}
	cloned := *outcome
	return &cloned, nil
}

// ListSince returns outcomes with Seq > afterSeq, ordered by Seq.
func (s *MemoryOutcomeStore) ListSince(_ context.Context, afterSeq int64) ([]*core.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Outcome, 0)
	for _, outcome := range s.outcomes {
		if outcome.Seq > afterSeq {
			cloned := *outcome
			out = append(out, &cloned)
		}
	}
	return out, nil
}

// LatestSeq returns the highest assigned sequence number.
func (s *MemoryOutcomeStore) LatestSeq(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq, nil
}

// MemoryPolicyStore keeps policy versions in memory.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	versions map[int64]*policy.State
	latest   int64
}

// NewMemoryPolicyStore creates a policy store seeded with the given state.
func NewMemoryPolicyStore(seed *policy.State) *MemoryPolicyStore {
	s := &MemoryPolicyStore{versions: make(map[int64]*policy.State)}
	if seed != nil {
		s.versions[seed.Version] = seed
		s.latest = seed.Version
	}
	return s
}

// Latest returns the current policy state.
func (s *MemoryPolicyStore) Latest(_ context.Context) (*policy.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.versions[s.latest]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "no policy published", nil)
	}
	return state, nil
}

// GetVersion returns a specific policy version.
func (s *MemoryPolicyStore) GetVersion(_ context.Context, version int64) (*policy.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.versions[version]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "policy version not found", nil).
			WithContext("version", version)
	}
	return state, nil
}

// Publish stores next and advances the latest pointer via compare-and-set.
func (s *MemoryPolicyStore) Publish(_ context.Context, expectedLatest int64, next *policy.State) error {
	if next == nil {
		return errors.New(errors.CodeValidation, "policy state is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest != expectedLatest {
		return errors.New(errors.CodePolicyConflict, "policy publish lost race", nil).
			WithContext("expected", expectedLatest).
			WithContext("latest", s.latest)
	}
	s.versions[next.Version] = next
	s.latest = next.Version
	return nil
}
