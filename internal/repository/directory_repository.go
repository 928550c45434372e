package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// DirectoryRepository resolves users, approver groups, department members and
// asset coordinators.
type DirectoryRepository struct {
	db *database.DB
}

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(db *database.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// GetByID returns the user, or nil when it does not exist or was deleted.
func (r *DirectoryRepository) GetByID(ctx context.Context, userID int64) (*UserRef, error) {
	query := `
		SELECT id, name, email, username
		FROM wf_users
		WHERE id = $1 AND deleted_at IS NULL
	`

	u := &UserRef{}
	err := r.db.QueryRow(ctx, query, userID).Scan(&u.ID, &u.Name, &u.Email, &u.Username)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// GetByIDs returns the existing users among userIDs in the order given.
func (r *DirectoryRepository) GetByIDs(ctx context.Context, userIDs []int64) ([]UserRef, error) {
	if len(userIDs) == 0 {
		return []UserRef{}, nil
	}

	query := `
		SELECT id, name, email, username
		FROM wf_users
		WHERE id = ANY($1::bigint[]) AND deleted_at IS NULL
		ORDER BY array_position($1::bigint[], id)
	`

	rows, err := r.db.Query(ctx, query, userIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get users")
	}
	defer rows.Close()

	return scanUsers(rows)
}

func (r *DirectoryRepository) GroupMembers(ctx context.Context, groupID int64) ([]int64, error) {
	return r.queryIDs(ctx, `
		SELECT user_id FROM wf_approver_group_users
		WHERE group_id = $1
		ORDER BY user_id ASC
	`, groupID)
}

func (r *DirectoryRepository) DepartmentUsers(ctx context.Context, departmentID int64, level JobLevel) ([]int64, error) {
	return r.queryIDs(ctx, `
		SELECT user_id FROM wf_department_users
		WHERE department_id = $1 AND job_level = $2
		ORDER BY user_id ASC
	`, departmentID, string(level))
}

func (r *DirectoryRepository) AssetCoordinators(ctx context.Context, assetCategoryID int64) ([]int64, error) {
	return r.queryIDs(ctx, `
		SELECT user_id FROM wf_asset_coordinator_users
		WHERE asset_category_id = $1
		ORDER BY user_id ASC
	`, assetCategoryID)
}

func (r *DirectoryRepository) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query directory")
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan directory rows")
	}
	return ids, nil
}

// ApplySeed upserts the seed's directory data and creates its flows. Flows
// whose type already exists are kept as they are.
func (r *DirectoryRepository) ApplySeed(ctx context.Context, flows *FlowRepository, seed *Seed) (createdFlows int, err error) {
	err = r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		for _, u := range seed.Users {
			_, err := tx.Exec(ctx, `
				INSERT INTO wf_users (id, company_id, name, email, username)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE
				SET name = EXCLUDED.name, email = EXCLUDED.email, username = EXCLUDED.username
			`, u.ID, seed.CompanyID, u.Name, u.Email, u.Username)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to seed user")
			}
		}

		for _, g := range seed.Groups {
			_, err := tx.Exec(ctx, `
				INSERT INTO wf_approver_groups (id, company_id, name)
				VALUES ($1, $2, $3)
				ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
			`, g.ID, seed.CompanyID, g.Name)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to seed approver group")
			}
			for _, userID := range g.Members {
				if err := insertPair(ctx, tx, `INSERT INTO wf_approver_group_users (group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, g.ID, userID); err != nil {
					return err
				}
			}
		}

		for _, d := range seed.Departments {
			for _, level := range []JobLevel{JobLevelManager, JobLevelHead, JobLevelStaff} {
				for _, userID := range d.Members(level) {
					_, err := tx.Exec(ctx, `
						INSERT INTO wf_department_users (department_id, user_id, job_level)
						VALUES ($1, $2, $3)
						ON CONFLICT DO NOTHING
					`, d.ID, userID, string(level))
					if err != nil {
						return errors.Wrap(err, errors.ErrCodeInternal, "failed to seed department user")
					}
				}
			}
		}

		for _, c := range seed.AssetCoordinators {
			for _, userID := range c.Users {
				if err := insertPair(ctx, tx, `INSERT INTO wf_asset_coordinator_users (asset_category_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, c.CategoryID, userID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, f := range seed.Flows {
		flow, steps, err := f.Build(seed.CompanyID)
		if err != nil {
			return createdFlows, err
		}
		created, err := flows.Create(ctx, flow, steps)
		if err != nil {
			return createdFlows, err
		}
		if created {
			createdFlows++
		}
	}
	return createdFlows, nil
}

func insertPair(ctx context.Context, tx pgx.Tx, query string, a, b int64) error {
	if _, err := tx.Exec(ctx, query, a, b); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to seed directory row")
	}
	return nil
}
