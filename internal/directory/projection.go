package directory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/nmcclain/ldap"

	"github.com/thefirebuilds/authentik/internal/crypto"
	"github.com/thefirebuilds/authentik/internal/events"
	"github.com/thefirebuilds/authentik/internal/model"
)

// uidNumber/gidNumber are offset from the user primary key so repeated
// searches are stable and never collide with system ranges.
const uidNumberBase = 2000

var (
	// ErrInvalidCredentials covers unknown user, wrong password and inactive
	// account alike; the client must not learn which one it was.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnknownBase        = errors.New("unknown search base")
)

type Store interface {
	GetUserByUsername(ctx context.Context, username string) (model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	ListGroupsForUser(ctx context.Context, userPK int64) ([]model.Group, error)
}

// Projection renders user/group state as a directory tree on demand. It owns
// no storage: every bind and search reads the live store.
type Projection struct {
	store    Store
	recorder events.Recorder
	baseDN   string
}

func New(store Store, recorder events.Recorder, baseDN string) *Projection {
	return &Projection{
		store:    store,
		recorder: recorder,
		baseDN:   strings.ToLower(baseDN),
	}
}

func (p *Projection) BaseDN() string {
	return p.baseDN
}

func (p *Projection) UserDN(username string) string {
	return fmt.Sprintf("cn=%s,ou=users,%s", username, p.baseDN)
}

func (p *Projection) GroupDN(name string) string {
	return fmt.Sprintf("cn=%s,ou=groups,%s", name, p.baseDN)
}

// Bind resolves a user DN and verifies the credential. Every attempt lands in
// the audit log: LOGIN with the user's snapshot on success, LOGIN_FAILED
// attributed to the anonymous principal on any failure.
func (p *Projection) Bind(ctx context.Context, bindDN, password, clientIP string) (model.User, error) {
	username, ok := p.usernameFromDN(bindDN)
	if !ok {
		return model.User{}, p.failBind(ctx, bindDN, clientIP)
	}

	user, err := p.store.GetUserByUsername(ctx, username)
	if err != nil {
		return model.User{}, p.failBind(ctx, bindDN, clientIP)
	}
	if !user.Active {
		return model.User{}, p.failBind(ctx, bindDN, clientIP)
	}
	if err := crypto.CheckPassword(user.PasswordHash, password); err != nil {
		return model.User{}, p.failBind(ctx, bindDN, clientIP)
	}

	event := events.New(events.ActionLogin, events.PrincipalFor(user)).
		WithContext("method", "ldap_bind").
		WithClientIP(clientIP)
	if err := p.recorder.Record(ctx, event); err != nil {
		log.Printf("directory: record login event: %v", err)
	}
	return user, nil
}

func (p *Projection) failBind(ctx context.Context, bindDN, clientIP string) error {
	event := events.New(events.ActionLoginFailed, events.Anonymous).
		WithContext("method", "ldap_bind").
		WithContext("bind_dn", bindDN).
		WithClientIP(clientIP)
	if err := p.recorder.Record(ctx, event); err != nil {
		log.Printf("directory: record failed login event: %v", err)
	}
	return ErrInvalidCredentials
}

// Search returns one entry per user under the users OU. Ordering is not part
// of the contract; callers compare as a set.
func (p *Projection) Search(ctx context.Context, baseDN, filter string) ([]*ldap.Entry, error) {
	base := strings.ToLower(strings.TrimSpace(baseDN))
	if base != p.baseDN && base != "ou=users,"+p.baseDN {
		return nil, ErrUnknownBase
	}

	attribute, value, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}
	if attribute == "objectclass" && value != "*" && value != "user" &&
		value != "organizationalperson" && value != "inetorgperson" {
		return nil, nil
	}

	users, err := p.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	var entries []*ldap.Entry
	for _, user := range users {
		if attribute == "cn" && value != "*" && !strings.EqualFold(user.Username, value) {
			continue
		}
		entry, err := p.entryForUser(ctx, user)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (p *Projection) entryForUser(ctx context.Context, user model.User) (*ldap.Entry, error) {
	groups, err := p.store.ListGroupsForUser(ctx, user.PK)
	if err != nil {
		return nil, err
	}

	memberOf := make([]string, 0, len(groups))
	superuser := false
	for _, group := range groups {
		memberOf = append(memberOf, p.GroupDN(group.Name))
		if group.IsSuperuser {
			superuser = true
		}
	}
	sort.Strings(memberOf)

	uidNumber := strconv.FormatInt(uidNumberBase+user.PK, 10)
	attributes := []*ldap.EntryAttribute{
		{Name: "cn", Values: []string{user.Username}},
		{Name: "uid", Values: []string{user.UID()}},
		{Name: "sAMAccountName", Values: []string{user.Username}},
		{Name: "name", Values: []string{user.Name}},
		{Name: "displayName", Values: []string{user.Name}},
		{Name: "mail", Values: []string{user.Email}},
		{Name: "objectClass", Values: []string{"user", "organizationalPerson", "inetOrgPerson"}},
		{Name: "uidNumber", Values: []string{uidNumber}},
		{Name: "gidNumber", Values: []string{uidNumber}},
		{Name: "memberOf", Values: memberOf},
		{Name: "accountStatus", Values: []string{renderBool(user.Active)}},
		{Name: "superuser", Values: []string{renderBool(superuser)}},
	}
	if user.ServiceAccount {
		attributes = append(attributes,
			&ldap.EntryAttribute{Name: "serviceAccount", Values: []string{"true"}},
			&ldap.EntryAttribute{Name: "overrideIPs", Values: []string{"true"}},
		)
	}
	for _, name := range sortedKeys(user.Attributes) {
		attributes = append(attributes, &ldap.EntryAttribute{
			Name:   name,
			Values: renderValues(user.Attributes[name]),
		})
	}

	return &ldap.Entry{DN: p.UserDN(user.Username), Attributes: attributes}, nil
}

// usernameFromDN extracts the RDN value from a user DN. DN structure is
// matched case-insensitively, but the value itself keeps its case so the DNs
// search emits bind back to the same user.
func (p *Projection) usernameFromDN(bindDN string) (string, bool) {
	dn := strings.TrimSpace(bindDN)
	suffix := ",ou=users," + p.baseDN
	if !strings.HasSuffix(strings.ToLower(dn), suffix) {
		return "", false
	}
	rdn := dn[:len(dn)-len(suffix)]
	if !strings.HasPrefix(strings.ToLower(rdn), "cn=") || strings.Contains(rdn, ",") {
		return "", false
	}
	username := rdn[len("cn="):]
	if username == "" {
		return "", false
	}
	return username, true
}

// parseFilter handles the single-equality subset the projection answers:
// (objectClass=user), (cn=<name>) and the presence form (attr=*).
func parseFilter(filter string) (attribute, value string, err error) {
	trimmed := strings.TrimSpace(filter)
	if trimmed == "" {
		return "objectclass", "*", nil
	}
	trimmed = strings.TrimPrefix(trimmed, "(")
	trimmed = strings.TrimSuffix(trimmed, ")")
	parts := strings.SplitN(trimmed, "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("unsupported filter %q", filter)
	}
	return strings.ToLower(strings.TrimSpace(parts[0])), strings.ToLower(strings.TrimSpace(parts[1])), nil
}

// Absent optional fields render as empty strings rather than omission so the
// response shape is stable across users.
func renderBool(value bool) string {
	if value {
		return "true"
	}
	return "false"
}

func renderValues(value any) []string {
	switch v := value.(type) {
	case nil:
		return []string{""}
	case string:
		return []string{v}
	case bool:
		return []string{renderBool(v)}
	case float64:
		return []string{strconv.FormatFloat(v, 'f', -1, 64)}
	case int:
		return []string{strconv.Itoa(v)}
	case int64:
		return []string{strconv.FormatInt(v, 10)}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, renderValues(item)...)
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}

func sortedKeys(attributes map[string]any) []string {
	keys := make([]string, 0, len(attributes))
	for key := range attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
