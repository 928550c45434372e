package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// FlowRepository reads flow definitions. Flows are created together with
// their steps and approvers in a single transaction.
type FlowRepository struct {
	db *database.DB
}

// NewFlowRepository creates a new FlowRepository.
func NewFlowRepository(db *database.DB) *FlowRepository {
	return &FlowRepository{db: db}
}

// Create inserts a flow with its steps and approver specs. A flow whose type
// already exists in the company is left untouched and created is false.
func (r *FlowRepository) Create(ctx context.Context, flow *Flow, steps []*Step) (created bool, err error) {
	err = r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		flowQuery := `
			INSERT INTO wf_flows (company_id, type, label, is_active)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (company_id, type) DO NOTHING
			RETURNING id
		`
		err := tx.QueryRow(ctx, flowQuery, flow.CompanyID, flow.Type, flow.Label, flow.IsActive).Scan(&flow.ID)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval flow")
		}

		stepQuery := `
			INSERT INTO wf_flow_steps (flow_id, step_order, name, condition)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`
		approverQuery := `
			INSERT INTO wf_flow_step_approvers (step_id, type, data)
			VALUES ($1, $2, $3)
		`

		for _, step := range steps {
			step.FlowID = flow.ID
			if err := tx.QueryRow(ctx, stepQuery, step.FlowID, step.Order, step.Name, step.Condition).Scan(&step.ID); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval flow step")
			}
			for _, spec := range step.Approvers {
				if _, err := tx.Exec(ctx, approverQuery, step.ID, string(spec.Kind()), spec.Data()); err != nil {
					return errors.Wrap(err, errors.ErrCodeInternal, "failed to create step approver")
				}
			}
		}

		created = true
		return nil
	})
	return created, err
}

// GetFlowByType returns the flow of the given type within a company, or nil
// when none is defined.
func (r *FlowRepository) GetFlowByType(ctx context.Context, companyID int64, flowType string) (*Flow, error) {
	query := `
		SELECT id, company_id, type, label, is_active
		FROM wf_flows
		WHERE company_id = $1 AND type = $2
	`

	flow := &Flow{}
	err := r.db.QueryRow(ctx, query, companyID, flowType).Scan(
		&flow.ID,
		&flow.CompanyID,
		&flow.Type,
		&flow.Label,
		&flow.IsActive,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval flow")
	}
	return flow, nil
}

// GetSteps returns the flow's steps in ascending order with their approver
// specs attached.
func (r *FlowRepository) GetSteps(ctx context.Context, flowID int64) ([]*Step, error) {
	query := `
		SELECT id, flow_id, step_order, name, condition
		FROM wf_flow_steps
		WHERE flow_id = $1
		ORDER BY step_order ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, flowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval flow steps")
	}
	defer rows.Close()

	var steps []*Step
	byID := make(map[int64]*Step)
	for rows.Next() {
		step := &Step{}
		if err := rows.Scan(&step.ID, &step.FlowID, &step.Order, &step.Name, &step.Condition); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval flow step")
		}
		steps = append(steps, step)
		byID[step.ID] = step
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval flow steps")
	}

	if err := r.attachApprovers(ctx, flowID, byID); err != nil {
		return nil, err
	}
	return steps, nil
}

func (r *FlowRepository) attachApprovers(ctx context.Context, flowID int64, byID map[int64]*Step) error {
	if len(byID) == 0 {
		return nil
	}

	query := `
		SELECT a.step_id, a.type, a.data
		FROM wf_flow_step_approvers a
		JOIN wf_flow_steps s ON s.id = a.step_id
		WHERE s.flow_id = $1
		ORDER BY a.id ASC
	`

	rows, err := r.db.Query(ctx, query, flowID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to get step approvers")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			stepID     int64
			kind, data string
		)
		if err := rows.Scan(&stepID, &kind, &data); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan step approver")
		}
		spec, err := ParseApproverSpec(kind, data)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "invalid step approver")
		}
		if step := byID[stepID]; step != nil {
			step.Approvers = append(step.Approvers, spec)
		}
	}
	return rows.Err()
}
