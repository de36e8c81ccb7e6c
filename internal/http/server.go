package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thefirebuilds/authentik/internal/attestation"
	"github.com/thefirebuilds/authentik/internal/auth"
	"github.com/thefirebuilds/authentik/internal/config"
	"github.com/thefirebuilds/authentik/internal/crypto"
	"github.com/thefirebuilds/authentik/internal/events"
	"github.com/thefirebuilds/authentik/internal/flow"
	"github.com/thefirebuilds/authentik/internal/model"
)

// Device trust headers: the client agent announces itself with
// X-Device-Trust, we hand out the challenge in X-Verified-Access-Challenge
// and the agent returns the signed payload in the response header.
const (
	HeaderDeviceTrust             = "X-Device-Trust"
	HeaderAccessChallenge         = "X-Verified-Access-Challenge"
	HeaderAccessChallengeResponse = "X-Verified-Access-Challenge-Response"

	DeviceTrustVerifiedAccess = "VerifiedAccess"

	sessionCookieName = "session_id"
)

type Store interface {
	GetUserByUsername(ctx context.Context, username string) (model.User, error)
	GetUserByPK(ctx context.Context, pk int64) (model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	ListGroupsForUser(ctx context.Context, userPK int64) ([]model.Group, error)
	UpsertEndpointDevice(ctx context.Context, hostIdentifier string, userPK int64, hostname string) (model.EndpointDevice, error)
	UpsertDeviceConnection(ctx context.Context, deviceID, stage string, attributes map[string]any) (model.EndpointDeviceConnection, error)
	ListEndpointDevices(ctx context.Context) ([]model.EndpointDevice, error)
	ListDeviceConnections(ctx context.Context, deviceID string) ([]model.EndpointDeviceConnection, error)
	CreateRefreshSession(ctx context.Context, session model.RefreshSession) error
	GetRefreshSession(ctx context.Context, tokenHash string) (model.RefreshSession, error)
	RevokeRefreshSession(ctx context.Context, sessionID string, revokedAt time.Time) error
	RevokeRefreshSessionsByUser(ctx context.Context, userPK int64, revokedAt time.Time) error
	ListEvents(ctx context.Context, limit int) ([]events.Event, error)
}

type Attestor interface {
	GenerateChallenge(ctx context.Context) (json.RawMessage, error)
	VerifyChallengeResponse(ctx context.Context, payload json.RawMessage) (attestation.Claims, error)
}

type Server struct {
	cfg      config.Config
	store    Store
	flows    flow.Store
	attestor Attestor
	recorder events.Recorder
}

func NewServer(cfg config.Config, store Store, flows flow.Store, attestor Attestor, recorder events.Recorder) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		flows:    flows,
		attestor: attestor,
		recorder: recorder,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/endpoint/chrome/dtc", s.handleDeviceTrust)

	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.With(s.authMiddleware).Post("/auth/logout", s.handleLogout)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware, s.requireSuperuser)
		r.Get("/users", s.handleListUsers)
		r.Get("/devices", s.handleListDevices)
		r.Get("/events", s.handleListEvents)
	})

	return r
}

const waitingPage = `<!DOCTYPE html>
<html>
<head><title>Device trust</title></head>
<body><p>Waiting for the device trust agent to respond.</p></body>
</html>
`

// handleDeviceTrust is the challenge/response connector. Three request
// shapes, distinguished by headers: initiation (issue a challenge and
// redirect back here), a signed challenge response (verify and fold the
// claims into the flow plan), or neither (render the waiting view).
func (s *Server) handleDeviceTrust(w http.ResponseWriter, r *http.Request) {
	deviceTrust := r.Header.Get(HeaderDeviceTrust)
	challengeResponse := r.Header.Get(HeaderAccessChallengeResponse)

	if deviceTrust == DeviceTrustVerifiedAccess && challengeResponse == "" {
		challenge, err := s.attestor.GenerateChallenge(r.Context())
		if err != nil {
			writeError(w, http.StatusBadGateway, "attestation_unavailable")
			return
		}
		// Header values must be a single line; compact the payload in case
		// the attestation service pretty-prints it.
		var compacted bytes.Buffer
		if err := json.Compact(&compacted, challenge); err != nil {
			writeError(w, http.StatusBadGateway, "attestation_unavailable")
			return
		}
		// Challenge issuance mutates nothing; the agent comes back to the
		// same endpoint with the signed response.
		w.Header().Set(HeaderAccessChallenge, compacted.String())
		http.Redirect(w, r, r.URL.Path, http.StatusFound)
		return
	}

	if challengeResponse != "" {
		s.verifyDeviceTrust(w, r, challengeResponse)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(waitingPage))
}

func (s *Server) verifyDeviceTrust(w http.ResponseWriter, r *http.Request, challengeResponse string) {
	sessionID := sessionIDFromRequest(r)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing_session")
		return
	}

	claims, err := s.attestor.VerifyChallengeResponse(r.Context(), json.RawMessage(challengeResponse))
	if err != nil {
		if errors.Is(err, attestation.ErrRejected) {
			writeError(w, http.StatusForbidden, "attestation_rejected")
			return
		}
		writeError(w, http.StatusBadGateway, "attestation_unavailable")
		return
	}

	plan, err := s.flows.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, flow.ErrNoPlan) {
			writeError(w, http.StatusBadRequest, "no_flow_plan")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if plan.Context.PendingUserPK == nil {
		writeError(w, http.StatusBadRequest, "no_pending_user")
		return
	}
	stage, ok := plan.FirstStage()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_flow_plan")
		return
	}

	device, err := s.store.UpsertEndpointDevice(r.Context(), claims.SerialNumber, *plan.Context.PendingUserPK, claims.Hostname)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if _, err := s.store.UpsertDeviceConnection(r.Context(), device.ID, stage, claims.Attributes); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	// Serialized per session: concurrent verifications both append instead
	// of the later write dropping the earlier one.
	err = s.flows.Update(r.Context(), sessionID, func(plan *flow.Plan) error {
		plan.Context.SetMethodIfUnset(flow.MethodTrustedEndpoint)
		plan.Context.AppendEndpoint(claims.Attributes)
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(waitingPage))
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	User         userSummary `json:"user"`
}

type userSummary struct {
	PK             int64  `json:"pk"`
	Username       string `json:"username"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	Active         bool   `json:"active"`
	ServiceAccount bool   `json:"serviceAccount"`
	Superuser      bool   `json:"superuser"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}

	user, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.recordLoginFailed(r, req.Username)
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	// Service accounts authenticate over the directory, never this API.
	if !user.Active || user.ServiceAccount {
		s.recordLoginFailed(r, req.Username)
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}
	if err := crypto.CheckPassword(user.PasswordHash, req.Password); err != nil {
		s.recordLoginFailed(r, req.Username)
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	superuser, err := s.isSuperuser(r.Context(), user.PK)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	accessToken, refreshToken, err := s.issueTokens(r.Context(), user, superuser, r.UserAgent(), clientIP(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}

	event := events.New(events.ActionLogin, events.PrincipalFor(user)).
		WithContext("method", "password").
		WithClientIP(clientIP(r))
	_ = s.recorder.Record(r.Context(), event)

	writeJSON(w, http.StatusOK, authResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         summarize(user, superuser),
	})
}

func (s *Server) recordLoginFailed(r *http.Request, username string) {
	event := events.New(events.ActionLoginFailed, events.Anonymous).
		WithContext("method", "password").
		WithContext("attempted_username", username).
		WithClientIP(clientIP(r))
	_ = s.recorder.Record(r.Context(), event)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "missing_refresh_token")
		return
	}

	tokenHash := crypto.HashToken(req.RefreshToken)
	session, err := s.store.GetRefreshSession(r.Context(), tokenHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "invalid_refresh_token")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if session.RevokedAt != nil || session.ExpiresAt.Before(time.Now().UTC()) {
		writeError(w, http.StatusUnauthorized, "refresh_token_expired")
		return
	}

	user, err := s.store.GetUserByPK(r.Context(), session.UserPK)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "user_not_found")
		return
	}
	if !user.Active {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token")
		return
	}

	superuser, err := s.isSuperuser(r.Context(), user.PK)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if err := s.store.RevokeRefreshSession(r.Context(), session.ID, time.Now().UTC()); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	accessToken, refreshToken, err := s.issueTokens(r.Context(), user, superuser, r.UserAgent(), clientIP(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         summarize(user, superuser),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	_ = s.store.RevokeRefreshSessionsByUser(r.Context(), claims.UserPK, time.Now().UTC())
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	summaries := make([]userSummary, 0, len(users))
	for _, user := range users {
		superuser, err := s.isSuperuser(r.Context(), user.PK)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		summaries = append(summaries, summarize(user, superuser))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": summaries})
}

type deviceSummary struct {
	ID             string              `json:"id"`
	HostIdentifier string              `json:"hostIdentifier"`
	Hostname       string              `json:"hostname"`
	UserPK         int64               `json:"userPk"`
	LastVerifiedAt time.Time           `json:"lastVerifiedAt"`
	Connections    []connectionSummary `json:"connections"`
}

type connectionSummary struct {
	Stage      string         `json:"stage"`
	Attributes map[string]any `json:"attributes"`
	VerifiedAt time.Time      `json:"verifiedAt"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListEndpointDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	summaries := make([]deviceSummary, 0, len(devices))
	for _, device := range devices {
		connections, err := s.store.ListDeviceConnections(r.Context(), device.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		summary := deviceSummary{
			ID:             device.ID,
			HostIdentifier: device.HostIdentifier,
			Hostname:       device.Hostname,
			UserPK:         device.UserPK,
			LastVerifiedAt: device.LastVerifiedAt,
			Connections:    make([]connectionSummary, 0, len(connections)),
		}
		for _, connection := range connections {
			summary.Connections = append(summary.Connections, connectionSummary{
				Stage:      connection.Stage,
				Attributes: connection.Attributes,
				VerifiedAt: connection.VerifiedAt,
			})
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": summaries})
}

type eventSummary struct {
	ID        string           `json:"id"`
	Action    string           `json:"action"`
	Principal events.Principal `json:"principal"`
	Context   map[string]any   `json:"context"`
	ClientIP  string           `json:"clientIp"`
	CreatedAt time.Time        `json:"createdAt"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListEvents(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	summaries := make([]eventSummary, 0, len(list))
	for _, event := range list {
		summaries = append(summaries, eventSummary{
			ID:        event.ID,
			Action:    string(event.Action),
			Principal: event.Principal,
			Context:   event.Context,
			ClientIP:  event.ClientIP,
			CreatedAt: event.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": summaries})
}

func (s *Server) issueTokens(ctx context.Context, user model.User, superuser bool, userAgent, ip string) (string, string, error) {
	accessToken, err := auth.NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.AccessTokenTTL, auth.Claims{
		UserPK:    user.PK,
		Username:  user.Username,
		Superuser: superuser,
	})
	if err != nil {
		return "", "", err
	}

	refreshToken, err := crypto.NewRefreshToken()
	if err != nil {
		return "", "", err
	}

	now := time.Now().UTC()
	session := model.RefreshSession{
		ID:        uuid.NewString(),
		UserPK:    user.PK,
		TokenHash: crypto.HashToken(refreshToken),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}
	if userAgent != "" {
		session.UserAgent = &userAgent
	}
	if ip != "" {
		session.IPAddress = &ip
	}
	if err := s.store.CreateRefreshSession(ctx, session); err != nil {
		return "", "", err
	}
	return accessToken, refreshToken, nil
}

func (s *Server) isSuperuser(ctx context.Context, userPK int64) (bool, error) {
	groups, err := s.store.ListGroupsForUser(ctx, userPK)
	if err != nil {
		return false, err
	}
	for _, group := range groups {
		if group.IsSuperuser {
			return true, nil
		}
	}
	return false, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireSuperuser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || !claims.Superuser {
			writeError(w, http.StatusForbidden, "superuser_only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func summarize(user model.User, superuser bool) userSummary {
	return userSummary{
		PK:             user.PK,
		Username:       user.Username,
		Name:           user.Name,
		Email:          user.Email,
		Active:         user.Active,
		ServiceAccount: user.ServiceAccount,
		Superuser:      superuser,
	}
}

func sessionIDFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return ""
}
