package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/nmcclain/ldap"

	"github.com/thefirebuilds/authentik/internal/events"
	"github.com/thefirebuilds/authentik/internal/model"
)

// deadlineStore records whether calls arrive with a bounded context.
type deadlineStore struct {
	hadDeadline bool
}

func (s *deadlineStore) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	_, s.hadDeadline = ctx.Deadline()
	return model.User{}, errors.New("not found")
}

func (s *deadlineStore) ListUsers(ctx context.Context) ([]model.User, error) {
	_, s.hadDeadline = ctx.Deadline()
	return nil, nil
}

func (s *deadlineStore) ListGroupsForUser(ctx context.Context, userPK int64) ([]model.Group, error) {
	return nil, nil
}

func TestWireOperationsRunWithDeadline(t *testing.T) {
	store := &deadlineStore{}
	server := NewServer(New(store, events.NewMemoryRecorder(), testBaseDN))

	code, err := server.Bind("cn=alice,ou=users,"+testBaseDN, "pw", nil)
	if err != nil || code != ldap.LDAPResultInvalidCredentials {
		t.Fatalf("unexpected bind result %v %v", code, err)
	}
	if !store.hadDeadline {
		t.Fatalf("bind reached the store without a deadline")
	}

	store.hadDeadline = false
	result, err := server.Search("cn=alice,ou=users,"+testBaseDN, ldap.SearchRequest{
		BaseDN: testBaseDN,
		Filter: "(objectClass=user)",
	}, nil)
	if err != nil || result.ResultCode != ldap.LDAPResultSuccess {
		t.Fatalf("unexpected search result %v %v", result.ResultCode, err)
	}
	if !store.hadDeadline {
		t.Fatalf("search reached the store without a deadline")
	}
}
