package repository

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ── Flow definitions ─────────────────────────────────────────────────────────

// Flow is a named, company-scoped approval template.
type Flow struct {
	ID        int64  `json:"id" yaml:"id"`
	CompanyID int64  `json:"company_id" yaml:"company_id"`
	Type      string `json:"type" yaml:"type"`
	Label     string `json:"label" yaml:"label"`
	IsActive  bool   `json:"is_active" yaml:"is_active"`
}

// Step is one stage of a flow. Order is unique within a flow; a nil or blank
// Condition makes the step unconditionally eligible.
type Step struct {
	ID        int64          `json:"id"`
	FlowID    int64          `json:"flow_id"`
	Order     int            `json:"order"`
	Name      string         `json:"name"`
	Condition *string        `json:"condition,omitempty"`
	Approvers []ApproverSpec `json:"-"`
}

// HasCondition reports whether the step carries a non-blank condition.
func (s *Step) HasCondition() bool {
	return s.Condition != nil && strings.TrimSpace(*s.Condition) != ""
}

// SortSteps orders steps by ascending Order.
func SortSteps(steps []*Step) {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
}

// ── Approver specs ───────────────────────────────────────────────────────────

// ApproverKind is the stored discriminator of an ApproverSpec.
type ApproverKind string

const (
	ApproverKindUser        ApproverKind = "USER"
	ApproverKindGroup       ApproverKind = "GROUP"
	ApproverKindSystemGroup ApproverKind = "SYSTEM_GROUP"
)

// ApproverSpec describes how a step finds its approvers. The set of
// implementations is closed: UserApprover, GroupApprover and
// SystemGroupApprover.
type ApproverSpec interface {
	Kind() ApproverKind
	Data() string
	approverSpec()
}

// UserApprover names a literal user.
type UserApprover struct {
	UserID int64
}

func (UserApprover) Kind() ApproverKind { return ApproverKindUser }
func (a UserApprover) Data() string     { return strconv.FormatInt(a.UserID, 10) }
func (UserApprover) approverSpec()      {}

// GroupApprover names a configured approver group.
type GroupApprover struct {
	GroupID int64
}

func (GroupApprover) Kind() ApproverKind { return ApproverKindGroup }
func (a GroupApprover) Data() string     { return strconv.FormatInt(a.GroupID, 10) }
func (GroupApprover) approverSpec()      {}

// SystemGroupApprover names a parameter-driven dynamic group.
type SystemGroupApprover struct {
	Key SystemGroup
}

func (SystemGroupApprover) Kind() ApproverKind { return ApproverKindSystemGroup }
func (a SystemGroupApprover) Data() string     { return string(a.Key) }
func (SystemGroupApprover) approverSpec()      {}

// SystemGroup keys a dynamic approver group resolved from approval parameters.
type SystemGroup string

const (
	SystemGroupDepartmentManager    SystemGroup = "department-manager"
	SystemGroupDepartmentHead       SystemGroup = "department-head"
	SystemGroupDepartmentStaff      SystemGroup = "department-staff"
	SystemGroupAssetCoordinator     SystemGroup = "asset-coordinator"
	SystemGroupOriginAssetUser      SystemGroup = "origin-asset-user"
	SystemGroupDestinationAssetUser SystemGroup = "destination-asset-user"
)

// SystemGroups lists every known system group key.
var SystemGroups = []SystemGroup{
	SystemGroupDepartmentManager,
	SystemGroupDepartmentHead,
	SystemGroupDepartmentStaff,
	SystemGroupAssetCoordinator,
	SystemGroupOriginAssetUser,
	SystemGroupDestinationAssetUser,
}

// ParseSystemGroup validates a stored system group key.
func ParseSystemGroup(key string) (SystemGroup, error) {
	for _, candidate := range SystemGroups {
		if string(candidate) == key {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("unknown system group %q", key)
}

// ParseApproverSpec converts a stored (type, data) pair into an ApproverSpec.
func ParseApproverSpec(kind, data string) (ApproverSpec, error) {
	data = strings.TrimSpace(data)
	switch ApproverKind(strings.ToUpper(strings.TrimSpace(kind))) {
	case ApproverKindUser:
		id, err := strconv.ParseInt(data, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user approver %q: %w", data, err)
		}
		return UserApprover{UserID: id}, nil
	case ApproverKindGroup:
		id, err := strconv.ParseInt(data, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid group approver %q: %w", data, err)
		}
		return GroupApprover{GroupID: id}, nil
	case ApproverKindSystemGroup:
		key, err := ParseSystemGroup(data)
		if err != nil {
			return nil, err
		}
		return SystemGroupApprover{Key: key}, nil
	default:
		return nil, fmt.Errorf("unknown approver type %q", kind)
	}
}

// ── Directory ────────────────────────────────────────────────────────────────

// JobLevel is a department membership level.
type JobLevel string

const (
	JobLevelManager JobLevel = "MANAGER"
	JobLevelHead    JobLevel = "HEAD"
	JobLevelStaff   JobLevel = "STAFF"
)

// UserRef is the public projection of a user.
type UserRef struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// ── Approval instances ───────────────────────────────────────────────────────

// ApprovalStatus is the lifecycle state of an approval.
type ApprovalStatus string

const (
	StatusOnProgress ApprovalStatus = "ON_PROGRESS"
	StatusApproved   ApprovalStatus = "APPROVED"
	StatusRejected   ApprovalStatus = "REJECTED"
)

// Approval is one running (or finished) instance of a flow.
type Approval struct {
	ID         int64          `json:"id"`
	CompanyID  int64          `json:"company_id"`
	FlowID     int64          `json:"flow_id"`
	OwnerID    int64          `json:"owner_id"`
	Status     ApprovalStatus `json:"status"`
	StepID     *int64         `json:"step_id"`
	StepName   *string        `json:"step_name"`
	Parameters Parameters     `json:"parameters"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ── History ledger ───────────────────────────────────────────────────────────

// HistoryFlag classifies a ledger entry.
type HistoryFlag string

const (
	FlagCreated        HistoryFlag = "created"
	FlagReset          HistoryFlag = "reset"
	FlagApproved       HistoryFlag = "approved"
	FlagRejected       HistoryFlag = "rejected"
	FlagSystemRejected HistoryFlag = "system_rejected"
	FlagDone           HistoryFlag = "done"
	FlagSkip           HistoryFlag = "skip"
)

// IsOutcome reports whether the flag records a decision on a step.
func (f HistoryFlag) IsOutcome() bool {
	return f == FlagApproved || f == FlagRejected || f == FlagSystemRejected
}

// IsCycleStart reports whether the flag opens a new approval cycle.
func (f HistoryFlag) IsCycleStart() bool {
	return f == FlagCreated || f == FlagReset
}

// HistoryEntry is one immutable ledger record. Actor and StepName are filled
// on read.
type HistoryEntry struct {
	ID         int64       `json:"id"`
	ApprovalID int64       `json:"approval_id"`
	StepID     *int64      `json:"step_id"`
	StepName   *string     `json:"step_name"`
	ActorID    *int64      `json:"actor_id"`
	Actor      *UserRef    `json:"actor"`
	Title      string      `json:"title"`
	Flag       HistoryFlag `json:"flag"`
	Notes      *string     `json:"notes"`
	Attachment *string     `json:"attachment"`
	DateTime   time.Time   `json:"date_time"`
}

// ── Parameters ───────────────────────────────────────────────────────────────

// Parameters are the free-form values an approval was started with. They
// feed step conditions and system group resolution.
type Parameters map[string]any

// Clone returns a deep copy of nested maps and slices.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return Parameters{}
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(typed))
		for k, item := range typed {
			m[k] = cloneValue(item)
		}
		return m
	case Parameters:
		return typed.Clone()
	case []any:
		s := make([]any, len(typed))
		for i, item := range typed {
			s[i] = cloneValue(item)
		}
		return s
	default:
		return v
	}
}

// Floats in [minInt64Float, maxInt64Float) convert to int64 exactly.
const (
	minInt64Float = -(1 << 63)
	maxInt64Float = 1 << 63
)

// Int64 reads an identifier-like parameter. Missing, zero, empty and
// non-numeric values all report false.
func (p Parameters) Int64(key string) (int64, bool) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return 0, false
	}
	var id int64
	switch v := raw.(type) {
	case int:
		id = int64(v)
	case int32:
		id = int64(v)
	case int64:
		id = v
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, false
		}
		id = int64(v)
	case uint32:
		id = int64(v)
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		id = int64(v)
	case float32:
		f := float64(v)
		if math.Trunc(f) != f || f < minInt64Float || f >= maxInt64Float {
			return 0, false
		}
		id = int64(f)
	case float64:
		// NaN and the infinities fail these comparisons too.
		if math.Trunc(v) != v || !(v >= minInt64Float && v < maxInt64Float) {
			return 0, false
		}
		id = int64(v)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		id = parsed
	case interface{ Int64() (int64, error) }:
		parsed, err := v.Int64()
		if err != nil {
			return 0, false
		}
		id = parsed
	default:
		return 0, false
	}
	if id == 0 {
		return 0, false
	}
	return id, true
}
