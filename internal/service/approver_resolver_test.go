package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
)

func TestApproverResolver_Resolve(t *testing.T) {
	store := memory.New()
	store.SetGroup(financeGroup, financeID, cfoID)
	store.AddDepartmentUser(departmentID, repository.JobLevelManager, managerID)
	store.AddDepartmentUser(departmentID, repository.JobLevelHead, headID)
	store.AddDepartmentUser(departmentID, repository.JobLevelStaff, requesterID)
	store.AddAssetCoordinator(3, directorID)
	resolver := NewApproverResolver(store, store)

	system := func(key repository.SystemGroup) []repository.ApproverSpec {
		return []repository.ApproverSpec{repository.SystemGroupApprover{Key: key}}
	}
	dept := repository.Parameters{ParamDepartmentID: departmentID}

	testCases := []struct {
		description string
		approvers   []repository.ApproverSpec
		params      repository.Parameters
		expected    []int64
	}{
		{
			description: "user",
			approvers:   []repository.ApproverSpec{repository.UserApprover{UserID: financeID}},
			expected:    []int64{financeID},
		},
		{
			description: "group",
			approvers:   []repository.ApproverSpec{repository.GroupApprover{GroupID: financeGroup}},
			expected:    []int64{financeID, cfoID},
		},
		{
			description: "unknown group",
			approvers:   []repository.ApproverSpec{repository.GroupApprover{GroupID: 99}},
		},
		{
			description: "department manager",
			approvers:   system(repository.SystemGroupDepartmentManager),
			params:      dept,
			expected:    []int64{managerID},
		},
		{
			description: "department manager override",
			approvers:   system(repository.SystemGroupDepartmentManager),
			params:      repository.Parameters{ParamDepartmentID: departmentID, ParamOverrideManagerUserID: float64(cfoID)},
			expected:    []int64{cfoID},
		},
		{
			description: "department manager without department",
			approvers:   system(repository.SystemGroupDepartmentManager),
		},
		{
			description: "department head",
			approvers:   system(repository.SystemGroupDepartmentHead),
			params:      dept,
			expected:    []int64{headID},
		},
		{
			description: "department head override",
			approvers:   system(repository.SystemGroupDepartmentHead),
			params:      repository.Parameters{ParamOverrideHeadUserID: "25"},
			expected:    []int64{cfoID},
		},
		{
			description: "department staff",
			approvers:   system(repository.SystemGroupDepartmentStaff),
			params:      dept,
			expected:    []int64{requesterID},
		},
		{
			description: "asset coordinator",
			approvers:   system(repository.SystemGroupAssetCoordinator),
			params:      repository.Parameters{ParamAssetCategoryID: 3},
			expected:    []int64{directorID},
		},
		{
			description: "asset coordinator without category",
			approvers:   system(repository.SystemGroupAssetCoordinator),
		},
		{
			description: "origin asset user",
			approvers:   system(repository.SystemGroupOriginAssetUser),
			params:      repository.Parameters{ParamOriginAssetUserID: 42},
			expected:    []int64{42},
		},
		{
			description: "destination asset user",
			approvers:   system(repository.SystemGroupDestinationAssetUser),
			params:      repository.Parameters{ParamDestinationAssetUserID: 43},
			expected:    []int64{43},
		},
		{
			description: "union is de-duplicated and sorted",
			approvers: []repository.ApproverSpec{
				repository.UserApprover{UserID: cfoID},
				repository.GroupApprover{GroupID: financeGroup},
				repository.SystemGroupApprover{Key: repository.SystemGroupDepartmentManager},
			},
			params:   dept,
			expected: []int64{managerID, financeID, cfoID},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {
			step := &repository.Step{ID: 1, Order: 1, Name: "step", Approvers: testCase.approvers}
			ids, err := resolver.Resolve(context.Background(), step, testCase.params)
			require.NoError(t, err)
			if testCase.expected == nil {
				assert.Empty(t, ids)
				return
			}
			assert.Equal(t, testCase.expected, ids)
		})
	}
}
