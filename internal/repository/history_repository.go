package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// HistoryRepository appends and reads approval history entries. The table has
// an update/delete-prevention trigger so Append is the only mutation exposed.
type HistoryRepository struct {
	db *database.DB
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(db *database.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append inserts one entry and fills in its ID and DateTime. The timestamp is
// never earlier than the approval's previous entry.
func (r *HistoryRepository) Append(ctx context.Context, entry *HistoryEntry) error {
	query := `
		INSERT INTO wf_approval_histories
		    (approval_id, step_id, actor_id, title, flag, notes, attachment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
		        GREATEST(clock_timestamp(),
		                 COALESCE((SELECT MAX(created_at) FROM wf_approval_histories WHERE approval_id = $1),
		                          '-infinity'::timestamptz)))
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.ApprovalID,
		entry.StepID,
		entry.ActorID,
		entry.Title,
		entry.Flag,
		entry.Notes,
		entry.Attachment,
	).Scan(&entry.ID, &entry.DateTime)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval history")
	}
	return nil
}

// ListByApproval returns the approval's ledger oldest first, with actor and
// step name resolved.
func (r *HistoryRepository) ListByApproval(ctx context.Context, approvalID int64) ([]*HistoryEntry, error) {
	query := `
		SELECT h.id, h.approval_id, h.step_id, s.name, h.actor_id,
		       u.id, u.name, u.email, u.username,
		       h.title, h.flag, h.notes, h.attachment, h.created_at
		FROM wf_approval_histories h
		LEFT JOIN wf_flow_steps s ON s.id = h.step_id
		LEFT JOIN wf_users u ON u.id = h.actor_id
		WHERE h.approval_id = $1
		ORDER BY h.id ASC
	`

	rows, err := r.db.Query(ctx, query, approvalID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval history")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *HistoryRepository) scanRows(rows pgx.Rows) ([]*HistoryEntry, error) {
	entries := []*HistoryEntry{}
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval history")
	}
	return entries, nil
}

func (r *HistoryRepository) scanEntry(sc rowScanner) (*HistoryEntry, error) {
	entry := &HistoryEntry{}
	var (
		actorID               *int64
		name, email, username *string
	)

	err := sc.Scan(
		&entry.ID,
		&entry.ApprovalID,
		&entry.StepID,
		&entry.StepName,
		&entry.ActorID,
		&actorID,
		&name,
		&email,
		&username,
		&entry.Title,
		&entry.Flag,
		&entry.Notes,
		&entry.Attachment,
		&entry.DateTime,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval history entry")
	}

	if actorID != nil {
		entry.Actor = &UserRef{ID: *actorID, Name: deref(name), Email: deref(email), Username: deref(username)}
	}
	return entry, nil
}
