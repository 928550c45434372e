package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// ApprovalRepository manages approval instances and their active approver
// sets.
type ApprovalRepository struct {
	db *database.DB
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *database.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

const approvalColumns = `
	a.id, a.company_id, a.flow_id, a.owner_id, a.status,
	a.step_id, s.name, a.parameters, a.created_at, a.updated_at
`

// Insert creates a running approval without a current step and appends its
// created entry in the same transaction.
func (r *ApprovalRepository) Insert(ctx context.Context, companyID, flowID, ownerID int64, params Parameters, created *HistoryEntry) (int64, error) {
	paramsJSON, err := marshalParameters(params)
	if err != nil {
		return 0, err
	}

	approvalQuery := `
		INSERT INTO wf_approvals (company_id, flow_id, owner_id, status, parameters)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	historyQuery := `
		INSERT INTO wf_approval_histories
		    (approval_id, step_id, actor_id, title, flag, notes, attachment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, clock_timestamp())
		RETURNING id, created_at
	`

	var id int64
	err = r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, approvalQuery, companyID, flowID, ownerID, StatusOnProgress, paramsJSON).Scan(&id); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval")
		}
		created.ApprovalID = id
		err := tx.QueryRow(ctx, historyQuery,
			created.ApprovalID,
			created.StepID,
			created.ActorID,
			created.Title,
			created.Flag,
			created.Notes,
			created.Attachment,
		).Scan(&created.ID, &created.DateTime)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval history")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetCurrentStatus retrieves an approval with the name of its current step.
func (r *ApprovalRepository) GetCurrentStatus(ctx context.Context, approvalID int64) (*Approval, error) {
	query := `SELECT ` + approvalColumns + `
		FROM wf_approvals a
		LEFT JOIN wf_flow_steps s ON s.id = a.step_id
		WHERE a.id = $1
	`

	approval, err := r.scanApproval(r.db.QueryRow(ctx, query, approvalID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval", approvalID)
	}
	return approval, err
}

// Update sets status and current step. Nil params keep the stored ones.
func (r *ApprovalRepository) Update(ctx context.Context, approvalID int64, status ApprovalStatus, stepID *int64, params Parameters) error {
	var paramsJSON []byte
	if params != nil {
		var err error
		if paramsJSON, err = marshalParameters(params); err != nil {
			return err
		}
	}

	query := `
		UPDATE wf_approvals
		SET status     = $2,
		    step_id    = $3,
		    parameters = COALESCE($4::jsonb, parameters),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID int64
	err := r.db.QueryRow(ctx, query, approvalID, status, stepID, paramsJSON).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval", approvalID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval")
	}
	return nil
}

// IsUserPermitted reports whether userID is in the approval's active set.
func (r *ApprovalRepository) IsUserPermitted(ctx context.Context, approvalID, userID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM wf_approval_active_users
			WHERE approval_id = $1 AND user_id = $2
		)
	`

	var permitted bool
	if err := r.db.QueryRow(ctx, query, approvalID, userID).Scan(&permitted); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check approver")
	}
	return permitted, nil
}

// GetCurrentApprovers returns the active set joined with the user directory.
// Deleted users are left out.
func (r *ApprovalRepository) GetCurrentApprovers(ctx context.Context, approvalID int64) ([]UserRef, error) {
	query := `
		SELECT u.id, u.name, u.email, u.username
		FROM wf_approval_active_users au
		JOIN wf_users u ON u.id = au.user_id AND u.deleted_at IS NULL
		WHERE au.approval_id = $1
		ORDER BY u.id ASC
	`

	rows, err := r.db.Query(ctx, query, approvalID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get current approvers")
	}
	defer rows.Close()

	return scanUsers(rows)
}

// AssignApprovers replaces the approval's active set.
func (r *ApprovalRepository) AssignApprovers(ctx context.Context, approvalID int64, userIDs []int64) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, `SELECT id FROM wf_approvals WHERE id = $1 FOR UPDATE`, approvalID).Scan(&id)
		if err == pgx.ErrNoRows {
			return errors.NotFound("approval", approvalID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock approval")
		}

		if _, err := tx.Exec(ctx, `DELETE FROM wf_approval_active_users WHERE approval_id = $1`, approvalID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear approvers")
		}
		if len(userIDs) == 0 {
			return nil
		}

		query := `
			INSERT INTO wf_approval_active_users (approval_id, user_id)
			SELECT $1, unnest($2::bigint[])
			ON CONFLICT DO NOTHING
		`
		if _, err := tx.Exec(ctx, query, approvalID, userIDs); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to assign approvers")
		}
		return nil
	})
}

// GetOwner returns the user who started the approval, or nil when that user
// is no longer in the directory.
func (r *ApprovalRepository) GetOwner(ctx context.Context, approvalID int64) (*UserRef, error) {
	query := `
		SELECT a.owner_id, u.id, u.name, u.email, u.username
		FROM wf_approvals a
		LEFT JOIN wf_users u ON u.id = a.owner_id
		WHERE a.id = $1
	`

	var (
		ownerID               int64
		userID                *int64
		name, email, username *string
	)
	err := r.db.QueryRow(ctx, query, approvalID).Scan(&ownerID, &userID, &name, &email, &username)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval", approvalID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval owner")
	}
	if userID == nil {
		return nil, nil
	}
	return &UserRef{ID: *userID, Name: deref(name), Email: deref(email), Username: deref(username)}, nil
}

// GetRunningApprovals lists the company's ON_PROGRESS approvals, oldest first.
func (r *ApprovalRepository) GetRunningApprovals(ctx context.Context, companyID int64) ([]*Approval, error) {
	query := `SELECT ` + approvalColumns + `
		FROM wf_approvals a
		LEFT JOIN wf_flow_steps s ON s.id = a.step_id
		WHERE a.company_id = $1 AND a.status = $2
		ORDER BY a.id ASC
	`

	rows, err := r.db.Query(ctx, query, companyID, StatusOnProgress)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list running approvals")
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		approval, err := r.scanApproval(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval")
		}
		approvals = append(approvals, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read running approvals")
	}
	return approvals, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRepository) scanApproval(row rowScanner) (*Approval, error) {
	approval := &Approval{}
	var paramsJSON []byte
	err := row.Scan(
		&approval.ID,
		&approval.CompanyID,
		&approval.FlowID,
		&approval.OwnerID,
		&approval.Status,
		&approval.StepID,
		&approval.StepName,
		&paramsJSON,
		&approval.CreatedAt,
		&approval.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	approval.Parameters = Parameters{}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &approval.Parameters); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approval parameters")
		}
	}
	return approval, nil
}

func marshalParameters(params Parameters) ([]byte, error) {
	if params == nil {
		params = Parameters{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "parameters are not JSON serializable")
	}
	return data, nil
}

func scanUsers(rows pgx.Rows) ([]UserRef, error) {
	users := []UserRef{}
	for rows.Next() {
		var u UserRef
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Username); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user")
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read users")
	}
	return users, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
