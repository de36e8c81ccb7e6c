package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thefirebuilds/authentik/internal/events"
	"github.com/thefirebuilds/authentik/internal/model"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const userColumns = `pk, username, name, email, password_hash, active, service_account, attributes, created_at, updated_at`

func (s *Store) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE username = $1
	`, username)
	return scanUser(row)
}

func (s *Store) GetUserByPK(ctx context.Context, pk int64) (model.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE pk = $1
	`, pk)
	return scanUser(row)
}

func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) ListGroupsForUser(ctx context.Context, userPK int64) ([]model.Group, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT g.pk, g.name, g.is_superuser
		FROM groups g
		JOIN user_group_membership m ON m.group_pk = g.pk
		WHERE m.user_pk = $1
	`, userPK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []model.Group
	for rows.Next() {
		var group model.Group
		if err := rows.Scan(&group.PK, &group.Name, &group.IsSuperuser); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// UpsertEndpointDevice inserts or refreshes a device keyed by
// (host_identifier, user). The atomic ON CONFLICT path avoids the
// read-then-write gap two concurrent verifications would race on.
func (s *Store) UpsertEndpointDevice(ctx context.Context, hostIdentifier string, userPK int64, hostname string) (model.EndpointDevice, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO endpoint_devices (id, host_identifier, user_pk, hostname, created_at, last_verified_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (host_identifier, user_pk)
		DO UPDATE SET hostname = EXCLUDED.hostname, last_verified_at = EXCLUDED.last_verified_at
		RETURNING id, host_identifier, user_pk, hostname, created_at, last_verified_at
	`, uuid.NewString(), hostIdentifier, userPK, hostname, now)

	var device model.EndpointDevice
	err := row.Scan(&device.ID, &device.HostIdentifier, &device.UserPK, &device.Hostname, &device.CreatedAt, &device.LastVerifiedAt)
	return device, err
}

// UpsertDeviceConnection records "this device was last verified by this stage
// with these signals", keyed by (device, stage).
func (s *Store) UpsertDeviceConnection(ctx context.Context, deviceID, stage string, attributes map[string]any) (model.EndpointDeviceConnection, error) {
	attrs, err := json.Marshal(attributes)
	if err != nil {
		return model.EndpointDeviceConnection{}, err
	}
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO endpoint_device_connections (id, device_id, stage, attributes, verified_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id, stage)
		DO UPDATE SET attributes = EXCLUDED.attributes, verified_at = EXCLUDED.verified_at
		RETURNING id, device_id, stage, attributes, verified_at
	`, uuid.NewString(), deviceID, stage, attrs, now)

	return scanConnection(row)
}

func (s *Store) ListEndpointDevices(ctx context.Context) ([]model.EndpointDevice, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, host_identifier, user_pk, hostname, created_at, last_verified_at
		FROM endpoint_devices
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []model.EndpointDevice
	for rows.Next() {
		var device model.EndpointDevice
		if err := rows.Scan(&device.ID, &device.HostIdentifier, &device.UserPK, &device.Hostname, &device.CreatedAt, &device.LastVerifiedAt); err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

func (s *Store) ListDeviceConnections(ctx context.Context, deviceID string) ([]model.EndpointDeviceConnection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, stage, attributes, verified_at
		FROM endpoint_device_connections
		WHERE device_id = $1
	`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var connections []model.EndpointDeviceConnection
	for rows.Next() {
		connection, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		connections = append(connections, connection)
	}
	return connections, rows.Err()
}

func (s *Store) DeleteDevicesNotVerifiedSince(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM endpoint_devices WHERE last_verified_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CreateRefreshSession(ctx context.Context, session model.RefreshSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_token_sessions (id, user_pk, token_hash, created_at, expires_at, revoked_at, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, session.ID, session.UserPK, session.TokenHash, session.CreatedAt, session.ExpiresAt, session.RevokedAt, session.UserAgent, session.IPAddress)
	return err
}

func (s *Store) GetRefreshSession(ctx context.Context, tokenHash string) (model.RefreshSession, error) {
	var session model.RefreshSession
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_pk, token_hash, created_at, expires_at, revoked_at, user_agent, ip_address
		FROM refresh_token_sessions
		WHERE token_hash = $1
	`, tokenHash)
	err := row.Scan(&session.ID, &session.UserPK, &session.TokenHash, &session.CreatedAt, &session.ExpiresAt, &session.RevokedAt, &session.UserAgent, &session.IPAddress)
	return session, err
}

func (s *Store) RevokeRefreshSession(ctx context.Context, sessionID string, revokedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE refresh_token_sessions SET revoked_at = $1 WHERE id = $2`, revokedAt, sessionID)
	return err
}

func (s *Store) RevokeRefreshSessionsByUser(ctx context.Context, userPK int64, revokedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_token_sessions
		SET revoked_at = $1
		WHERE user_pk = $2 AND revoked_at IS NULL
	`, revokedAt, userPK)
	return err
}

func (s *Store) Record(ctx context.Context, event events.Event) error {
	eventContext, err := json.Marshal(event.Context)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (id, action, user_pk, user_email, user_username, context, client_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.ID, string(event.Action), event.Principal.PK, event.Principal.Email, event.Principal.Username, eventContext, event.ClientIP, event.CreatedAt)
	return err
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]events.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, action, user_pk, user_email, user_username, context, client_ip, created_at
		FROM events
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			event        events.Event
			action       string
			eventContext []byte
		)
		if err := rows.Scan(&event.ID, &action, &event.Principal.PK, &event.Principal.Email, &event.Principal.Username, &eventContext, &event.ClientIP, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Action = events.Action(action)
		if len(eventContext) > 0 {
			if err := json.Unmarshal(eventContext, &event.Context); err != nil {
				return nil, err
			}
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (model.User, error) {
	var (
		user  model.User
		attrs []byte
	)
	err := row.Scan(
		&user.PK,
		&user.Username,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&user.Active,
		&user.ServiceAccount,
		&attrs,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return model.User{}, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &user.Attributes); err != nil {
			return model.User{}, err
		}
	}
	return user, nil
}

func scanConnection(row rowScanner) (model.EndpointDeviceConnection, error) {
	var (
		connection model.EndpointDeviceConnection
		attrs      []byte
	)
	err := row.Scan(&connection.ID, &connection.DeviceID, &connection.Stage, &attrs, &connection.VerifiedAt)
	if err != nil {
		return model.EndpointDeviceConnection{}, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &connection.Attributes); err != nil {
			return model.EndpointDeviceConnection{}, err
		}
	}
	return connection, nil
}
