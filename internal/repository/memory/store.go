// Package memory keeps flows, approvals, history and directory data in
// process memory. It backs the development profile and the test suites.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Store implements every storage and directory contract of the approval
// service over maps guarded by a single RWMutex.
type Store struct {
	mu sync.RWMutex

	users        map[int64]repository.UserRef
	flows        map[int64]*repository.Flow
	steps        map[int64][]*repository.Step // by flow id
	groups       map[int64][]int64
	departments  map[int64]map[repository.JobLevel][]int64
	coordinators map[int64][]int64

	approvals map[int64]*repository.Approval
	active    map[int64]map[int64]struct{}
	histories map[int64][]*repository.HistoryEntry

	nextFlowID     int64
	nextStepID     int64
	nextApprovalID int64
	nextHistoryID  int64
	lastHistoryAt  time.Time

	now func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:        make(map[int64]repository.UserRef),
		flows:        make(map[int64]*repository.Flow),
		steps:        make(map[int64][]*repository.Step),
		groups:       make(map[int64][]int64),
		departments:  make(map[int64]map[repository.JobLevel][]int64),
		coordinators: make(map[int64][]int64),
		approvals:    make(map[int64]*repository.Approval),
		active:       make(map[int64]map[int64]struct{}),
		histories:    make(map[int64][]*repository.HistoryEntry),
		now:          time.Now,
	}
}

// SetClock replaces the time source used for history timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ── Setup ────────────────────────────────────────────────────────────────────

// ApplySeed loads users, groups, departments, coordinators and flows.
func (s *Store) ApplySeed(seed *repository.Seed) error {
	for _, u := range seed.Users {
		s.AddUser(u)
	}
	for _, g := range seed.Groups {
		s.SetGroup(g.ID, g.Members...)
	}
	for _, d := range seed.Departments {
		for _, level := range []repository.JobLevel{repository.JobLevelManager, repository.JobLevelHead, repository.JobLevelStaff} {
			for _, userID := range d.Members(level) {
				s.AddDepartmentUser(d.ID, level, userID)
			}
		}
	}
	for _, c := range seed.AssetCoordinators {
		for _, userID := range c.Users {
			s.AddAssetCoordinator(c.CategoryID, userID)
		}
	}
	for _, f := range seed.Flows {
		flow, steps, err := f.Build(seed.CompanyID)
		if err != nil {
			return err
		}
		if _, err := s.AddFlow(flow, steps); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) AddUser(u repository.UserRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// RemoveUser deletes a user from the directory. Active approver rows that
// reference it are kept, mirroring a soft-deleted user row.
func (s *Store) RemoveUser(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
}

func (s *Store) SetGroup(groupID int64, members ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupID] = append([]int64(nil), members...)
}

func (s *Store) AddDepartmentUser(departmentID int64, level repository.JobLevel, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	levels, ok := s.departments[departmentID]
	if !ok {
		levels = make(map[repository.JobLevel][]int64)
		s.departments[departmentID] = levels
	}
	levels[level] = append(levels[level], userID)
}

func (s *Store) AddAssetCoordinator(assetCategoryID, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coordinators[assetCategoryID] = append(s.coordinators[assetCategoryID], userID)
}

// AddFlow stores a flow and its steps, assigning ids where they are zero.
// Step orders must be unique within the flow.
func (s *Store) AddFlow(flow *repository.Flow, steps []*repository.Step) (*repository.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := make(map[int]struct{}, len(steps))
	for _, step := range steps {
		if _, dup := orders[step.Order]; dup {
			return nil, errors.New(errors.ErrCodeConflict, fmt.Sprintf("flow %s: duplicate step order %d", flow.Type, step.Order))
		}
		orders[step.Order] = struct{}{}
	}

	stored := *flow
	if stored.ID == 0 {
		s.nextFlowID++
		stored.ID = s.nextFlowID
	} else if stored.ID > s.nextFlowID {
		s.nextFlowID = stored.ID
	}

	copied := make([]*repository.Step, 0, len(steps))
	for _, step := range steps {
		c := *step
		c.FlowID = stored.ID
		if c.ID == 0 {
			s.nextStepID++
			c.ID = s.nextStepID
		} else if c.ID > s.nextStepID {
			s.nextStepID = c.ID
		}
		c.Approvers = append([]repository.ApproverSpec(nil), step.Approvers...)
		copied = append(copied, &c)
	}
	repository.SortSteps(copied)

	s.flows[stored.ID] = &stored
	s.steps[stored.ID] = copied
	result := stored
	return &result, nil
}

// ── FlowStore ────────────────────────────────────────────────────────────────

func (s *Store) GetFlowByType(_ context.Context, companyID int64, flowType string) (*repository.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *repository.Flow
	for _, flow := range s.flows {
		if flow.CompanyID == companyID && flow.Type == flowType {
			if found == nil || flow.ID < found.ID {
				found = flow
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	c := *found
	return &c, nil
}

func (s *Store) GetSteps(_ context.Context, flowID int64) ([]*repository.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.steps[flowID]
	out := make([]*repository.Step, 0, len(stored))
	for _, step := range stored {
		c := *step
		out = append(out, &c)
	}
	return out, nil
}

// ── ApprovalStore ────────────────────────────────────────────────────────────

func (s *Store) Insert(_ context.Context, companyID, flowID, ownerID int64, params repository.Parameters, created *repository.HistoryEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextApprovalID++
	now := s.now()
	s.approvals[s.nextApprovalID] = &repository.Approval{
		ID:         s.nextApprovalID,
		CompanyID:  companyID,
		FlowID:     flowID,
		OwnerID:    ownerID,
		Status:     repository.StatusOnProgress,
		Parameters: params.Clone(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	created.ApprovalID = s.nextApprovalID
	s.appendLocked(created)
	return s.nextApprovalID, nil
}

func (s *Store) GetCurrentStatus(_ context.Context, approvalID int64) (*repository.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	approval, ok := s.approvals[approvalID]
	if !ok {
		return nil, errors.NotFound("approval", approvalID)
	}
	c := *approval
	c.Parameters = approval.Parameters.Clone()
	if approval.StepID != nil {
		id := *approval.StepID
		c.StepID = &id
		if step := s.stepLocked(approval.FlowID, id); step != nil {
			name := step.Name
			c.StepName = &name
		}
	}
	return &c, nil
}

func (s *Store) Update(_ context.Context, approvalID int64, status repository.ApprovalStatus, stepID *int64, params repository.Parameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	approval, ok := s.approvals[approvalID]
	if !ok {
		return errors.NotFound("approval", approvalID)
	}
	approval.Status = status
	approval.StepID = nil
	if stepID != nil {
		id := *stepID
		approval.StepID = &id
	}
	if params != nil {
		approval.Parameters = params.Clone()
	}
	approval.UpdatedAt = s.now()
	return nil
}

func (s *Store) IsUserPermitted(_ context.Context, approvalID, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.active[approvalID][userID]
	return ok, nil
}

func (s *Store) GetCurrentApprovers(_ context.Context, approvalID int64) ([]repository.UserRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.active[approvalID]))
	for id := range s.active[approvalID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return s.usersLocked(ids), nil
}

func (s *Store) AssignApprovers(_ context.Context, approvalID int64, userIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.approvals[approvalID]; !ok {
		return errors.NotFound("approval", approvalID)
	}
	set := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
	s.active[approvalID] = set
	return nil
}

func (s *Store) GetOwner(_ context.Context, approvalID int64) (*repository.UserRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	approval, ok := s.approvals[approvalID]
	if !ok {
		return nil, errors.NotFound("approval", approvalID)
	}
	owner, ok := s.users[approval.OwnerID]
	if !ok {
		return nil, nil
	}
	return &owner, nil
}

func (s *Store) GetRunningApprovals(_ context.Context, companyID int64) ([]*repository.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.Approval
	for _, approval := range s.approvals {
		if approval.CompanyID != companyID || approval.Status != repository.StatusOnProgress {
			continue
		}
		c := *approval
		c.Parameters = approval.Parameters.Clone()
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── HistoryStore ─────────────────────────────────────────────────────────────

// Append stores a copy of entry. Timestamps never go backwards so that
// insertion order and time order agree.
func (s *Store) Append(_ context.Context, entry *repository.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.approvals[entry.ApprovalID]; !ok {
		return errors.NotFound("approval", entry.ApprovalID)
	}

	s.appendLocked(entry)
	return nil
}

func (s *Store) appendLocked(entry *repository.HistoryEntry) {
	at := s.now()
	if at.Before(s.lastHistoryAt) {
		at = s.lastHistoryAt
	}
	s.lastHistoryAt = at

	s.nextHistoryID++
	entry.ID = s.nextHistoryID
	entry.DateTime = at

	c := *entry
	c.Actor = nil
	c.StepName = nil
	s.histories[entry.ApprovalID] = append(s.histories[entry.ApprovalID], &c)
}

func (s *Store) ListByApproval(_ context.Context, approvalID int64) ([]*repository.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	approval := s.approvals[approvalID]
	stored := s.histories[approvalID]
	out := make([]*repository.HistoryEntry, 0, len(stored))
	for _, entry := range stored {
		c := *entry
		if entry.ActorID != nil {
			if u, ok := s.users[*entry.ActorID]; ok {
				c.Actor = &u
			}
		}
		if entry.StepID != nil && approval != nil {
			if step := s.stepLocked(approval.FlowID, *entry.StepID); step != nil {
				name := step.Name
				c.StepName = &name
			}
		}
		out = append(out, &c)
	}
	return out, nil
}

// ── Directories ──────────────────────────────────────────────────────────────

func (s *Store) GetByID(_ context.Context, userID int64) (*repository.UserRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *Store) GetByIDs(_ context.Context, userIDs []int64) ([]repository.UserRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usersLocked(userIDs), nil
}

func (s *Store) GroupMembers(_ context.Context, groupID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int64(nil), s.groups[groupID]...), nil
}

func (s *Store) DepartmentUsers(_ context.Context, departmentID int64, level repository.JobLevel) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int64(nil), s.departments[departmentID][level]...), nil
}

func (s *Store) AssetCoordinators(_ context.Context, assetCategoryID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int64(nil), s.coordinators[assetCategoryID]...), nil
}

// ── helpers (caller holds mu) ────────────────────────────────────────────────

func (s *Store) stepLocked(flowID, stepID int64) *repository.Step {
	for _, step := range s.steps[flowID] {
		if step.ID == stepID {
			return step
		}
	}
	return nil
}

func (s *Store) usersLocked(ids []int64) []repository.UserRef {
	out := make([]repository.UserRef, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	return out
}
