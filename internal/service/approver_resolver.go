package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Parameter names consulted by system groups.
const (
	ParamDepartmentID           = "departmentId"
	ParamOverrideManagerUserID  = "overrideManagerUserId"
	ParamOverrideHeadUserID     = "overrideHeadUserId"
	ParamAssetCategoryID        = "assetCategoryId"
	ParamOriginAssetUserID      = "originAssetUserId"
	ParamDestinationAssetUserID = "destinationAssetUserId"
)

// ApproverResolver expands a step's approver specs into concrete user ids.
type ApproverResolver struct {
	groups  GroupDirectory
	systems SystemGroupDirectory
}

// NewApproverResolver creates a new ApproverResolver.
func NewApproverResolver(groups GroupDirectory, systems SystemGroupDirectory) *ApproverResolver {
	return &ApproverResolver{groups: groups, systems: systems}
}

// Resolve returns the de-duplicated, ascending set of user ids named by the
// step's approver specs. A system group whose parameter is missing
// contributes nothing.
func (r *ApproverResolver) Resolve(ctx context.Context, step *repository.Step, params repository.Parameters) ([]int64, error) {
	seen := make(map[int64]struct{})
	for _, spec := range step.Approvers {
		ids, err := r.resolveSpec(ctx, spec, params)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal,
				fmt.Sprintf("failed to resolve %s approver %q of step %d", spec.Kind(), spec.Data(), step.ID))
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}

	result := make([]int64, 0, len(seen))
	for id := range seen {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

func (r *ApproverResolver) resolveSpec(ctx context.Context, spec repository.ApproverSpec, params repository.Parameters) ([]int64, error) {
	switch s := spec.(type) {
	case repository.UserApprover:
		return []int64{s.UserID}, nil
	case repository.GroupApprover:
		return r.groups.GroupMembers(ctx, s.GroupID)
	case repository.SystemGroupApprover:
		return r.resolveSystemGroup(ctx, s.Key, params)
	default:
		return nil, fmt.Errorf("unsupported approver spec %T", spec)
	}
}

func (r *ApproverResolver) resolveSystemGroup(ctx context.Context, key repository.SystemGroup, params repository.Parameters) ([]int64, error) {
	switch key {
	case repository.SystemGroupDepartmentManager:
		if id, ok := params.Int64(ParamOverrideManagerUserID); ok {
			return []int64{id}, nil
		}
		return r.departmentUsers(ctx, params, repository.JobLevelManager)
	case repository.SystemGroupDepartmentHead:
		if id, ok := params.Int64(ParamOverrideHeadUserID); ok {
			return []int64{id}, nil
		}
		return r.departmentUsers(ctx, params, repository.JobLevelHead)
	case repository.SystemGroupDepartmentStaff:
		return r.departmentUsers(ctx, params, repository.JobLevelStaff)
	case repository.SystemGroupAssetCoordinator:
		categoryID, ok := params.Int64(ParamAssetCategoryID)
		if !ok {
			return nil, nil
		}
		return r.systems.AssetCoordinators(ctx, categoryID)
	case repository.SystemGroupOriginAssetUser:
		return singleParam(params, ParamOriginAssetUserID), nil
	case repository.SystemGroupDestinationAssetUser:
		return singleParam(params, ParamDestinationAssetUserID), nil
	default:
		return nil, fmt.Errorf("unknown system group %q", key)
	}
}

func (r *ApproverResolver) departmentUsers(ctx context.Context, params repository.Parameters, level repository.JobLevel) ([]int64, error) {
	departmentID, ok := params.Int64(ParamDepartmentID)
	if !ok {
		return nil, nil
	}
	return r.systems.DepartmentUsers(ctx, departmentID, level)
}

func singleParam(params repository.Parameters, key string) []int64 {
	if id, ok := params.Int64(key); ok {
		return []int64{id}
	}
	return nil
}
