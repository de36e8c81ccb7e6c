package directory

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"github.com/nmcclain/ldap"
)

// operationTimeout bounds the store work behind a single wire operation so a
// stalled backend cannot pin LDAP connections open.
const operationTimeout = 10 * time.Second

// Server exposes the projection over the LDAP wire protocol. Bind and search
// are the only operations; everything else is answered by the library with
// an unwilling-to-perform result.
type Server struct {
	projection *Projection
	ldap       *ldap.Server
}

func NewServer(projection *Projection) *Server {
	s := &Server{
		projection: projection,
		ldap:       ldap.NewServer(),
	}
	s.ldap.BindFunc("", s)
	s.ldap.SearchFunc("", s)
	return s
}

func (s *Server) ListenAndServe(addr string) error {
	log.Printf("ldap listening on %s", addr)
	return s.ldap.ListenAndServe(addr)
}

func (s *Server) Bind(bindDN, bindSimplePw string, conn net.Conn) (ldap.LDAPResultCode, error) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	_, err := s.projection.Bind(ctx, bindDN, bindSimplePw, remoteIP(conn))
	if errors.Is(err, ErrInvalidCredentials) {
		return ldap.LDAPResultInvalidCredentials, nil
	}
	if err != nil {
		return ldap.LDAPResultOperationsError, err
	}
	return ldap.LDAPResultSuccess, nil
}

func (s *Server) Search(boundDN string, req ldap.SearchRequest, conn net.Conn) (ldap.ServerSearchResult, error) {
	if boundDN == "" {
		return ldap.ServerSearchResult{ResultCode: ldap.LDAPResultInsufficientAccessRights}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	entries, err := s.projection.Search(ctx, req.BaseDN, req.Filter)
	if errors.Is(err, ErrUnknownBase) {
		return ldap.ServerSearchResult{ResultCode: ldap.LDAPResultNoSuchObject}, nil
	}
	if err != nil {
		return ldap.ServerSearchResult{ResultCode: ldap.LDAPResultOperationsError}, err
	}
	return ldap.ServerSearchResult{
		Entries:    entries,
		ResultCode: ldap.LDAPResultSuccess,
	}, nil
}

func remoteIP(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
