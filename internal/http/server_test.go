package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/thefirebuilds/authentik/internal/attestation"
	"github.com/thefirebuilds/authentik/internal/config"
	"github.com/thefirebuilds/authentik/internal/crypto"
	"github.com/thefirebuilds/authentik/internal/events"
	"github.com/thefirebuilds/authentik/internal/flow"
	"github.com/thefirebuilds/authentik/internal/model"
	"github.com/thefirebuilds/authentik/internal/repository"
)

type fakeAttestor struct {
	challenge   json.RawMessage
	claims      attestation.Claims
	generateErr error
	verifyErr   error
	verifyCalls int
}

func (f *fakeAttestor) GenerateChallenge(context.Context) (json.RawMessage, error) {
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	return f.challenge, nil
}

func (f *fakeAttestor) VerifyChallengeResponse(context.Context, json.RawMessage) (attestation.Claims, error) {
	f.verifyCalls++
	if f.verifyErr != nil {
		return attestation.Claims{}, f.verifyErr
	}
	return f.claims, nil
}

type testEnv struct {
	server   *Server
	store    *repository.Memory
	flows    *flow.MemoryStore
	attestor *fakeAttestor
	recorder *events.MemoryRecorder
	app      *httptest.Server
	client   *http.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		JWTSecret:       "test-secret",
		JWTIssuer:       "test-issuer",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
	}
	env := &testEnv{
		store: repository.NewMemory(),
		flows: flow.NewMemoryStore(),
		attestor: &fakeAttestor{
			challenge: json.RawMessage(`{"challenge":"opaque"}`),
			claims: attestation.Claims{
				SerialNumber: "SN-1234",
				Hostname:     "chromebook-1",
				Attributes: map[string]any{
					"serialNumber":  "SN-1234",
					"hostname":      "chromebook-1",
					"deviceSignals": map[string]any{"diskEncryption": "ENCRYPTED"},
				},
			},
		},
		recorder: events.NewMemoryRecorder(),
	}
	env.server = NewServer(cfg, env.store, env.flows, env.attestor, env.recorder)
	env.app = httptest.NewServer(env.server.Router())
	t.Cleanup(env.app.Close)
	env.client = &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return env
}

func (env *testEnv) seedUser(t *testing.T, user model.User, password string) model.User {
	t.Helper()
	hash, err := crypto.HashPassword(password)
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	user.PasswordHash = hash
	return env.store.AddUser(user)
}

func (env *testEnv) seedPlan(t *testing.T, sessionID string, plan flow.Plan) {
	t.Helper()
	if err := env.flows.Set(context.Background(), sessionID, plan); err != nil {
		t.Fatalf("seed plan: %v", err)
	}
}

func (env *testEnv) dtcRequest(t *testing.T, sessionID string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, env.app.URL+"/endpoint/chrome/dtc", nil)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sessionID})
	}
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("http error: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func planWithPendingUser(userPK int64) flow.Plan {
	return flow.Plan{
		FlowSlug: "default-authentication-flow",
		Bindings: []flow.StageBinding{
			{Stage: "endpoint-stage", Order: 0},
			{Stage: "password-stage", Order: 10},
		},
		Context: flow.Context{PendingUserPK: &userPK},
	}
}

func TestChallengeIssuanceLeavesFlowStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlan(t, "sess-1", planWithPendingUser(42))
	before, err := env.flows.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}

	resp := env.dtcRequest(t, "sess-1", map[string]string{HeaderDeviceTrust: DeviceTrustVerifiedAccess})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(HeaderAccessChallenge); got != `{"challenge":"opaque"}` {
		t.Fatalf("expected challenge header, got %q", got)
	}
	if loc := resp.Header.Get("Location"); loc != "/endpoint/chrome/dtc" {
		t.Fatalf("expected redirect to the connector, got %q", loc)
	}

	after, err := env.flows.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("challenge issuance mutated flow state: %+v vs %+v", before, after)
	}
}

func TestChallengeHeaderCompactedToSingleLine(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlan(t, "sess-1", planWithPendingUser(42))
	// Newlines in a header value make net/http drop the header silently.
	env.attestor.challenge = json.RawMessage("{\n  \"challenge\": \"opaque\"\n}")

	resp := env.dtcRequest(t, "sess-1", map[string]string{HeaderDeviceTrust: DeviceTrustVerifiedAccess})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(HeaderAccessChallenge); got != `{"challenge":"opaque"}` {
		t.Fatalf("expected compacted challenge header, got %q", got)
	}
}

func TestVerifiedResponseAppendsWithoutOverwriting(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, model.User{PK: 42, Username: "alice", Active: true}, "pw")

	plan := planWithPendingUser(42)
	plan.Context.Method = "password"
	plan.Context.AppendEndpoint(map[string]any{"serialNumber": "SN-OLD"})
	env.seedPlan(t, "sess-1", plan)

	resp := env.dtcRequest(t, "sess-1", map[string]string{
		HeaderAccessChallengeResponse: `{"challengeResponse":"signed"}`,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	updated, err := env.flows.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	endpoints := updated.Context.MethodArgs.Endpoints
	if len(endpoints) != 2 {
		t.Fatalf("expected 2 endpoints after append, got %d", len(endpoints))
	}
	if endpoints[0]["serialNumber"] != "SN-OLD" {
		t.Fatalf("prior endpoint entry was not preserved: %v", endpoints[0])
	}
	if endpoints[1]["serialNumber"] != "SN-1234" {
		t.Fatalf("new endpoint entry missing: %v", endpoints[1])
	}
	if updated.Context.Method != "password" {
		t.Fatalf("method overwritten: %q", updated.Context.Method)
	}

	devices, err := env.store.ListEndpointDevices(context.Background())
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	device := devices[0]
	if device.HostIdentifier != "SN-1234" || device.UserPK != 42 || device.Hostname != "chromebook-1" {
		t.Fatalf("unexpected device %+v", device)
	}

	connections, err := env.store.ListDeviceConnections(context.Background(), device.ID)
	if err != nil {
		t.Fatalf("list connections: %v", err)
	}
	if len(connections) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(connections))
	}
	if connections[0].Stage != "endpoint-stage" {
		t.Fatalf("connection bound to wrong stage %q", connections[0].Stage)
	}
	if _, ok := connections[0].Attributes["deviceSignals"]; !ok {
		t.Fatalf("claims attributes not stored on connection")
	}
}

func TestRepeatedVerificationIsIdempotentOnIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, model.User{PK: 42, Username: "alice", Active: true}, "pw")
	env.seedPlan(t, "sess-1", planWithPendingUser(42))

	for i := 0; i < 2; i++ {
		resp := env.dtcRequest(t, "sess-1", map[string]string{
			HeaderAccessChallengeResponse: `{"challengeResponse":"signed"}`,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("verification %d: expected 200, got %d", i, resp.StatusCode)
		}
	}

	devices, _ := env.store.ListEndpointDevices(context.Background())
	if len(devices) != 1 {
		t.Fatalf("device upsert not idempotent: %d devices", len(devices))
	}
	connections, _ := env.store.ListDeviceConnections(context.Background(), devices[0].ID)
	if len(connections) != 1 {
		t.Fatalf("connection upsert not idempotent: %d connections", len(connections))
	}

	plan, _ := env.flows.Get(context.Background(), "sess-1")
	if len(plan.Context.MethodArgs.Endpoints) != 2 {
		t.Fatalf("expected at-least-once append semantics, got %d entries", len(plan.Context.MethodArgs.Endpoints))
	}
	if plan.Context.Method != flow.MethodTrustedEndpoint {
		t.Fatalf("expected method %q, got %q", flow.MethodTrustedEndpoint, plan.Context.Method)
	}
}

func TestVerifyFailureModes(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, model.User{PK: 42, Username: "alice", Active: true}, "pw")

	// No session cookie.
	resp := env.dtcRequest(t, "", map[string]string{HeaderAccessChallengeResponse: `{}`})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without session, got %d", resp.StatusCode)
	}

	// Session without an in-progress flow.
	resp = env.dtcRequest(t, "sess-empty", map[string]string{HeaderAccessChallengeResponse: `{}`})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without flow plan, got %d", resp.StatusCode)
	}

	// Verifier rejection is terminal and mutates nothing.
	env.seedPlan(t, "sess-1", planWithPendingUser(42))
	env.attestor.verifyErr = attestation.ErrRejected
	resp = env.dtcRequest(t, "sess-1", map[string]string{HeaderAccessChallengeResponse: `{}`})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 on rejection, got %d", resp.StatusCode)
	}
	plan, _ := env.flows.Get(context.Background(), "sess-1")
	if len(plan.Context.MethodArgs.Endpoints) != 0 || plan.Context.Method != "" {
		t.Fatalf("rejected verification mutated the plan: %+v", plan.Context)
	}
	devices, _ := env.store.ListEndpointDevices(context.Background())
	if len(devices) != 0 {
		t.Fatalf("rejected verification persisted a device")
	}
}

func TestConnectorWaitingPage(t *testing.T) {
	env := newTestEnv(t)
	resp := env.dtcRequest(t, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("expected html waiting page, got %q", ct)
	}
}

func TestLoginRefreshLogout(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, model.User{Username: "alice", Email: "alice@example.io", Active: true}, "hunter2")
	group := env.store.AddGroup(model.Group{Name: "admins", IsSuperuser: true})
	env.store.AddMembership(user.PK, group.PK)

	resp := env.postJSON(t, "/auth/login", "", map[string]string{"username": "alice", "password": "hunter2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on login, got %d", resp.StatusCode)
	}
	var logged authResponse
	if err := json.NewDecoder(resp.Body).Decode(&logged); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if logged.AccessToken == "" || logged.RefreshToken == "" {
		t.Fatalf("expected tokens in login response")
	}
	if !logged.User.Superuser {
		t.Fatalf("expected superuser flag from group membership")
	}

	logins := env.recorder.ByAction(events.ActionLogin)
	if len(logins) != 1 || logins[0].Principal.Username != "alice" {
		t.Fatalf("expected one login event for alice, got %+v", logins)
	}

	resp = env.postJSON(t, "/auth/refresh", "", map[string]string{"refreshToken": logged.RefreshToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on refresh, got %d", resp.StatusCode)
	}
	var refreshed authResponse
	if err := json.NewDecoder(resp.Body).Decode(&refreshed); err != nil {
		t.Fatalf("decode refresh response: %v", err)
	}

	// Rotated: the old refresh token must be dead.
	resp = env.postJSON(t, "/auth/refresh", "", map[string]string{"refreshToken": logged.RefreshToken})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 reusing rotated token, got %d", resp.StatusCode)
	}

	resp = env.postJSON(t, "/auth/logout", refreshed.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on logout, got %d", resp.StatusCode)
	}
	resp = env.postJSON(t, "/auth/refresh", "", map[string]string{"refreshToken": refreshed.RefreshToken})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", resp.StatusCode)
	}
}

func TestLoginFailuresAreAnonymous(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, model.User{Username: "alice", Active: true}, "hunter2")
	env.seedUser(t, model.User{Username: "svc-outpost", Active: true, ServiceAccount: true}, "svc-pw")

	cases := []map[string]string{
		{"username": "alice", "password": "wrong"},
		{"username": "nobody", "password": "hunter2"},
		{"username": "svc-outpost", "password": "svc-pw"},
	}
	for _, body := range cases {
		resp := env.postJSON(t, "/auth/login", "", body)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %v, got %d", body, resp.StatusCode)
		}
	}

	failed := env.recorder.ByAction(events.ActionLoginFailed)
	if len(failed) != len(cases) {
		t.Fatalf("expected %d failed login events, got %d", len(cases), len(failed))
	}
	for _, event := range failed {
		if event.Principal != events.Anonymous {
			t.Fatalf("failed login leaked principal %+v", event.Principal)
		}
	}
}

func TestAdminAPIRequiresSuperuser(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, model.User{Username: "root", Active: true}, "pw")
	group := env.store.AddGroup(model.Group{Name: "admins", IsSuperuser: true})
	env.store.AddMembership(admin.PK, group.PK)
	env.seedUser(t, model.User{Username: "plain", Active: true}, "pw")

	adminToken := env.login(t, "root", "pw")
	plainToken := env.login(t, "plain", "pw")

	resp := env.getJSON(t, "/api/devices", plainToken)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-superuser, got %d", resp.StatusCode)
	}

	resp = env.getJSON(t, "/api/devices", adminToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for superuser, got %d", resp.StatusCode)
	}
	resp = env.getJSON(t, "/api/users", adminToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 listing users, got %d", resp.StatusCode)
	}
	resp = env.getJSON(t, "/api/events", adminToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 listing events, got %d", resp.StatusCode)
	}

	resp = env.getJSON(t, "/api/devices", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
}

func (env *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	resp := env.postJSON(t, "/auth/login", "", map[string]string{"username": username, "password": password})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login failed for %s: %d", username, resp.StatusCode)
	}
	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return out.AccessToken
}

func (env *testEnv) postJSON(t *testing.T, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode error: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, env.app.URL+path, &buf)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("http error: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (env *testEnv) getJSON(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, env.app.URL+path, nil)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("http error: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}
