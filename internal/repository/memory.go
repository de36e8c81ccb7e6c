package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/thefirebuilds/authentik/internal/events"
	"github.com/thefirebuilds/authentik/internal/model"
)

// Memory implements the same surface as Store against process memory. Used by
// tests and by dev runs without postgres. Not-found is reported as
// pgx.ErrNoRows so callers keep a single errors.Is check.
type Memory struct {
	mu          sync.Mutex
	users       map[int64]model.User
	groups      map[int64]model.Group
	memberships map[int64][]int64
	devices     map[string]model.EndpointDevice
	connections map[string]model.EndpointDeviceConnection
	sessions    map[string]model.RefreshSession
	events      []events.Event
	nextUserPK  int64
	nextGroupPK int64
}

func NewMemory() *Memory {
	return &Memory{
		users:       map[int64]model.User{},
		groups:      map[int64]model.Group{},
		memberships: map[int64][]int64{},
		devices:     map[string]model.EndpointDevice{},
		connections: map[string]model.EndpointDeviceConnection{},
		sessions:    map[string]model.RefreshSession{},
		nextUserPK:  1,
		nextGroupPK: 1,
	}
}

// AddUser seeds a user. A zero PK is assigned the next free one.
func (m *Memory) AddUser(user model.User) model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.PK == 0 {
		user.PK = m.nextUserPK
	}
	if user.PK >= m.nextUserPK {
		m.nextUserPK = user.PK + 1
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = time.Now().UTC()
	m.users[user.PK] = user
	return user
}

func (m *Memory) AddGroup(group model.Group) model.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	if group.PK == 0 {
		group.PK = m.nextGroupPK
	}
	if group.PK >= m.nextGroupPK {
		m.nextGroupPK = group.PK + 1
	}
	m.groups[group.PK] = group
	return group
}

func (m *Memory) AddMembership(userPK, groupPK int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships[userPK] = append(m.memberships[userPK], groupPK)
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Username == username {
			return user, nil
		}
	}
	return model.User{}, pgx.ErrNoRows
}

func (m *Memory) GetUserByPK(_ context.Context, pk int64) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[pk]
	if !ok {
		return model.User{}, pgx.ErrNoRows
	}
	return user, nil
}

func (m *Memory) ListUsers(_ context.Context) ([]model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]model.User, 0, len(m.users))
	for _, user := range m.users {
		users = append(users, user)
	}
	return users, nil
}

func (m *Memory) ListGroupsForUser(_ context.Context, userPK int64) ([]model.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var groups []model.Group
	for _, groupPK := range m.memberships[userPK] {
		if group, ok := m.groups[groupPK]; ok {
			groups = append(groups, group)
		}
	}
	return groups, nil
}

func (m *Memory) UpsertEndpointDevice(_ context.Context, hostIdentifier string, userPK int64, hostname string) (model.EndpointDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for id, device := range m.devices {
		if device.HostIdentifier == hostIdentifier && device.UserPK == userPK {
			device.Hostname = hostname
			device.LastVerifiedAt = now
			m.devices[id] = device
			return device, nil
		}
	}
	device := model.EndpointDevice{
		ID:             uuid.NewString(),
		HostIdentifier: hostIdentifier,
		UserPK:         userPK,
		Hostname:       hostname,
		CreatedAt:      now,
		LastVerifiedAt: now,
	}
	m.devices[device.ID] = device
	return device, nil
}

func (m *Memory) UpsertDeviceConnection(_ context.Context, deviceID, stage string, attributes map[string]any) (model.EndpointDeviceConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for id, connection := range m.connections {
		if connection.DeviceID == deviceID && connection.Stage == stage {
			connection.Attributes = attributes
			connection.VerifiedAt = now
			m.connections[id] = connection
			return connection, nil
		}
	}
	connection := model.EndpointDeviceConnection{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		Stage:      stage,
		Attributes: attributes,
		VerifiedAt: now,
	}
	m.connections[connection.ID] = connection
	return connection, nil
}

func (m *Memory) ListEndpointDevices(_ context.Context) ([]model.EndpointDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	devices := make([]model.EndpointDevice, 0, len(m.devices))
	for _, device := range m.devices {
		devices = append(devices, device)
	}
	return devices, nil
}

func (m *Memory) ListDeviceConnections(_ context.Context, deviceID string) ([]model.EndpointDeviceConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var connections []model.EndpointDeviceConnection
	for _, connection := range m.connections {
		if connection.DeviceID == deviceID {
			connections = append(connections, connection)
		}
	}
	return connections, nil
}

func (m *Memory) DeleteDevicesNotVerifiedSince(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, device := range m.devices {
		if device.LastVerifiedAt.Before(cutoff) {
			delete(m.devices, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) CreateRefreshSession(_ context.Context, session model.RefreshSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.TokenHash] = session
	return nil
}

func (m *Memory) GetRefreshSession(_ context.Context, tokenHash string) (model.RefreshSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[tokenHash]
	if !ok {
		return model.RefreshSession{}, pgx.ErrNoRows
	}
	return session, nil
}

func (m *Memory) RevokeRefreshSession(_ context.Context, sessionID string, revokedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, session := range m.sessions {
		if session.ID == sessionID {
			session.RevokedAt = &revokedAt
			m.sessions[hash] = session
		}
	}
	return nil
}

func (m *Memory) RevokeRefreshSessionsByUser(_ context.Context, userPK int64, revokedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, session := range m.sessions {
		if session.UserPK == userPK && session.RevokedAt == nil {
			session.RevokedAt = &revokedAt
			m.sessions[hash] = session
		}
	}
	return nil
}

func (m *Memory) Record(_ context.Context, event events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, limit int) ([]events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.Event, 0, len(m.events))
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}
