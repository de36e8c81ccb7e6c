package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

type User struct {
	PK             int64
	Username       string
	Name           string
	Email          string
	PasswordHash   string
	Active         bool
	ServiceAccount bool
	Attributes     map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UID is a stable opaque identifier derived from the primary key. Unlike the
// username it survives renames, so external systems can key on it.
func (u User) UID() string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(u.PK, 10)))
	return hex.EncodeToString(sum[:])
}

type Group struct {
	PK          int64
	Name        string
	IsSuperuser bool
}

// EndpointDevice is a managed device seen through a verified attestation
// response. It outlives a single login; identity is (host_identifier, user).
type EndpointDevice struct {
	ID             string
	HostIdentifier string
	Hostname       string
	UserPK         int64
	CreatedAt      time.Time
	LastVerifiedAt time.Time
}

// EndpointDeviceConnection records which stage last verified a device and the
// raw attested signals it reported. Identity is (device, stage).
type EndpointDeviceConnection struct {
	ID         string
	DeviceID   string
	Stage      string
	Attributes map[string]any
	VerifiedAt time.Time
}

type RefreshSession struct {
	ID        string
	UserPK    int64
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
	UserAgent *string
	IPAddress *string
}
