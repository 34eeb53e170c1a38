package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// UserQuery is the bounded query shape the users table supports
// efficiently: any number of exact-equality attribute filters plus at
// most one value-in-set filter. Anything richer has to be filtered by
// the caller.
type UserQuery struct {
	Equals map[string]string
	In     *InFilter
}

// InFilter is a single "attribute value in allowed set" filter.
type InFilter struct {
	Field  string
	Values []string
}

// Repository handles database operations for users, devices,
// notifications, the directory, and team totals.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const userColumns = `
	id, attributes, push_tokens, notification_refs,
	anonymous, last_active_at, created_at, updated_at
`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.Attributes,
		&u.PushTokens,
		&u.NotificationRefs,
		&u.Anonymous,
		&u.LastActiveAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// QueryUsersByAttributes runs a bounded attribute query. Attribute keys
// are passed as bind parameters, so arbitrary client-supplied names are
// safe here.
func (r *Repository) QueryUsersByAttributes(ctx context.Context, q UserQuery) ([]*User, error) {
	query := "SELECT " + userColumns + " FROM users"
	args := []interface{}{}
	where := ""

	appendCond := func(cond string) {
		if where == "" {
			where = " WHERE " + cond
		} else {
			where += " AND " + cond
		}
	}

	for field, value := range q.Equals {
		args = append(args, field, value)
		appendCond(fmt.Sprintf("attributes ->> $%d = $%d", len(args)-1, len(args)))
	}

	if q.In != nil {
		args = append(args, q.In.Field, q.In.Values)
		appendCond(fmt.Sprintf("attributes ->> $%d = ANY($%d)", len(args)-1, len(args)))
	}

	rows, err := r.db.Pool().Query(ctx, query+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

// GetUsersByIDs fetches users by ID. IDs with no matching user are
// silently omitted from the result.
func (r *Repository) GetUsersByIDs(ctx context.Context, ids []string) ([]*User, error) {
	rows, err := r.db.Pool().Query(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, fmt.Errorf("query users by id: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

// ListDevicesWithTokens returns every device registration that still
// carries a push token.
func (r *Repository) ListDevicesWithTokens(ctx context.Context) ([]*Device, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, push_token, user_id, created_at, updated_at
		FROM devices
		WHERE push_token IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.PushToken, &d.UserID, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, &d)
	}

	return devices, rows.Err()
}

// CreateNotification inserts the notification record and one link row
// per recipient as a single transaction. Either everything commits or
// nothing does; partially linked notifications never exist.
func (r *Repository) CreateNotification(ctx context.Context, n *Notification, recipientIDs []string) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin notification tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO notifications (id, title, body, payload, send_time)
		VALUES ($1, $2, $3, $4, $5)
	`, n.ID, n.Title, n.Body, n.Payload, n.SendTime)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	for _, userID := range recipientIDs {
		_, err = tx.Exec(ctx, `
			INSERT INTO user_notifications (user_id, notification_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, userID, n.ID)
		if err != nil {
			return fmt.Errorf("insert notification link for %s: %w", userID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit notification tx: %w", err)
	}

	r.logger.Info("notification record created",
		zap.String("notification_id", n.ID.String()),
		zap.Int("links", len(recipientIDs)),
	)

	return nil
}

// AppendNotificationRef adds the notification to the user's reference
// array. Appending the same reference twice is a no-op.
func (r *Repository) AppendNotificationRef(ctx context.Context, userID string, notificationID uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE users
		SET notification_refs = array_append(notification_refs, $2),
		    updated_at = now()
		WHERE id = $1
		  AND NOT (notification_refs @> ARRAY[$2]::uuid[])
	`, userID, notificationID)
	if err != nil {
		return fmt.Errorf("append notification ref for %s: %w", userID, err)
	}
	return nil
}

// RemovePushToken clears the token from any device registration carrying
// it and from any user's registered token array. Idempotent: removing a
// token that is already gone succeeds.
func (r *Repository) RemovePushToken(ctx context.Context, token string) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin token removal tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE devices SET push_token = NULL, updated_at = now()
		WHERE push_token = $1
	`, token)
	if err != nil {
		return fmt.Errorf("clear device token: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE users SET push_tokens = array_remove(push_tokens, $1), updated_at = now()
		WHERE $1 = ANY(push_tokens)
	`, token)
	if err != nil {
		return fmt.Errorf("remove user token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit token removal tx: %w", err)
	}

	r.logger.Info("push token removed", zap.String("token", token))

	return nil
}

// UpsertDevice writes a device registration and keeps the owning users'
// registered token arrays consistent: the token follows the device when
// it changes hands and disappears when the device stops registering it.
func (r *Repository) UpsertDevice(ctx context.Context, d *Device) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin device tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var oldToken, oldUserID *string
	err = tx.QueryRow(ctx,
		"SELECT push_token, user_id FROM devices WHERE id = $1 FOR UPDATE", d.ID,
	).Scan(&oldToken, &oldUserID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lock device row: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO devices (id, push_token, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET push_token = EXCLUDED.push_token,
		    user_id = EXCLUDED.user_id,
		    updated_at = now()
	`, d.ID, d.PushToken, d.UserID)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}

	// Token left the old owner (cleared, or device changed hands).
	if oldToken != nil && oldUserID != nil {
		moved := d.UserID == nil || *d.UserID != *oldUserID
		cleared := d.PushToken == nil || *d.PushToken != *oldToken
		if moved || cleared {
			_, err = tx.Exec(ctx, `
				UPDATE users SET push_tokens = array_remove(push_tokens, $2), updated_at = now()
				WHERE id = $1
			`, *oldUserID, *oldToken)
			if err != nil {
				return fmt.Errorf("detach token from old user: %w", err)
			}
		}
	}

	// Token joined the new owner.
	if d.PushToken != nil && d.UserID != nil {
		_, err = tx.Exec(ctx, `
			UPDATE users SET push_tokens = array_append(push_tokens, $2), updated_at = now()
			WHERE id = $1 AND NOT ($2 = ANY(push_tokens))
		`, *d.UserID, *d.PushToken)
		if err != nil {
			return fmt.Errorf("attach token to user: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit device tx: %w", err)
	}

	return nil
}

// directoryColumns maps lookup keys to their directory columns. Keys are
// ordered elsewhere; this is the allow-list for column injection.
var directoryColumns = map[string]string{
	"lastAssociatedUid": "last_associated_uid",
	"upn":               "upn",
	"email":             "email",
	"firstName":         "first_name",
	"lastName":          "last_name",
}

// FindDirectoryEntries searches the directory by one keyed field.
func (r *Repository) FindDirectoryEntries(ctx context.Context, field, value string) ([]*DirectoryEntry, error) {
	column, ok := directoryColumns[field]
	if !ok {
		return nil, fmt.Errorf("unsupported directory lookup field: %s", field)
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, last_associated_uid, upn, email, first_name, last_name,
		       spirit_team_id, committee, committee_rank, db_role,
		       marathon_access, spirit_captain
		FROM directory
		WHERE `+column+` = $1
	`, value)
	if err != nil {
		return nil, fmt.Errorf("query directory: %w", err)
	}
	defer rows.Close()

	var entries []*DirectoryEntry
	for rows.Next() {
		var e DirectoryEntry
		err := rows.Scan(
			&e.ID, &e.LastAssociatedUID, &e.UPN, &e.Email, &e.FirstName, &e.LastName,
			&e.SpiritTeamID, &e.Committee, &e.CommitteeRank, &e.DBRole,
			&e.MarathonAccess, &e.SpiritCaptain,
		)
		if err != nil {
			return nil, fmt.Errorf("scan directory entry: %w", err)
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// UpdateUserAttributes merges attrs into the user's attribute map.
func (r *Repository) UpdateUserAttributes(ctx context.Context, userID string, attrs map[string]string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE users SET attributes = attributes || $2, updated_at = now()
		WHERE id = $1
	`, userID, attrs)
	if err != nil {
		return fmt.Errorf("update user attributes: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("user not found: %s", userID)
	}

	return nil
}

// UpsertTeamTotal writes the authoritative fundraising total for a team.
func (r *Repository) UpsertTeamTotal(ctx context.Context, teamID string, total float64, active bool) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO teams (id, fund_total, active)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET fund_total = EXCLUDED.fund_total,
		    active = EXCLUDED.active,
		    updated_at = now()
	`, teamID, total, active)
	if err != nil {
		return fmt.Errorf("upsert team total: %w", err)
	}
	return nil
}

// ListSweepCandidates returns IDs of accounts eligible for removal:
// anonymous accounts idle since anonBefore and directory-linked accounts
// idle since linkedBefore.
func (r *Repository) ListSweepCandidates(ctx context.Context, anonBefore, linkedBefore time.Time) ([]string, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id FROM users
		WHERE (anonymous AND last_active_at < $1)
		   OR (NOT anonymous AND last_active_at < $2)
	`, anonBefore, linkedBefore)
	if err != nil {
		return nil, fmt.Errorf("query sweep candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sweep candidate: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// DeleteUser removes a user and their notification links.
func (r *Repository) DeleteUser(ctx context.Context, id string) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "DELETE FROM user_notifications WHERE user_id = $1", id); err != nil {
		return fmt.Errorf("delete notification links: %w", err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM users WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	return tx.Commit(ctx)
}
