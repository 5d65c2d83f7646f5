package gradius

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/markbates/goth"
)

func mustParseURL(raw string) *url.URL {
	parsed, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return parsed
}

func newTestRouter(env *testEnv, federation *FederationBridge) *gin.Engine {
	gin.SetMode(gin.TestMode)
	config := &ServerConfig{
		HTTPHost:     mustParseURL("http://example.com"),
		FrontendURL:  mustParseURL("https://app.example.com"),
		IsDebug:      true,
		Accounts:     env.accounts,
		Sessions:     env.sessions,
		Peers:        env.peers,
		Accounting:   &AccountingService{Database: env.database},
		Federation:   federation,
		SessionStore: sessions.NewCookieStore([]byte("test cookie secret")),
		SessionName:  "wgsessions",
	}
	return Router(config)
}

func doRequest(t *testing.T, router http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(encoded)
	}

	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	writer := httptest.NewRecorder()
	router.ServeHTTP(writer, request)
	return writer
}

func decodeBody(t *testing.T, writer *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(writer.Body.Bytes(), into); err != nil {
		t.Fatalf("Error decoding %q: %v", writer.Body.String(), err)
	}
}

func login(t *testing.T, router http.Handler, email, password string) string {
	t.Helper()
	writer := doRequest(t, router, http.MethodPost, "/api/auth/login", "", LoginRequest{Email: email, Password: password})
	if writer.Code != http.StatusOK {
		t.Fatalf("Expected login to succeed, got %v: %v", writer.Code, writer.Body.String())
	}
	var session IssuedSession
	decodeBody(t, writer, &session)
	return session.Token
}

func TestProvisioningFlow(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env, nil)

	writer := doRequest(t, router, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Email:    "a@x.com",
		Password: "password123",
		Name:     "A",
	})
	if writer.Code != http.StatusCreated {
		t.Fatalf("Expected status code 201 for register, got %v: %v", writer.Code, writer.Body.String())
	}

	token := login(t, router, "a@x.com", "password123")

	writer = doRequest(t, router, http.MethodGet, "/api/auth/me", token, nil)
	var me struct {
		User Identity `json:"user"`
	}
	decodeBody(t, writer, &me)
	if writer.Code != http.StatusOK || me.User.Email != "a@x.com" || me.User.Role != RoleUser {
		t.Fatalf("Unexpected profile %v: %v", writer.Code, writer.Body.String())
	}

	writer = doRequest(t, router, http.MethodPost, "/api/wireguard/peers", token, PeerRequest{Name: "laptop"})
	if writer.Code != http.StatusCreated {
		t.Fatalf("Expected status code 201 for new peer, got %v: %v", writer.Code, writer.Body.String())
	}
	var created struct {
		Peer map[string]interface{} `json:"peer"`
	}
	decodeBody(t, writer, &created)
	if created.Peer["ip_address"] != "192.168.55.10" {
		t.Errorf("Expected 192.168.55.10, got %v", created.Peer["ip_address"])
	}
	if _, leaked := created.Peer["private_key"]; leaked {
		t.Errorf("Peer response leaked the private key")
	}
	peerPath := "/api/wireguard/peers/" + strconv.Itoa(int(created.Peer["id"].(float64)))

	writer = doRequest(t, router, http.MethodGet, peerPath+"/config", token, nil)
	if writer.Code != http.StatusOK {
		t.Fatalf("Expected status code 200 for config, got %v: %v", writer.Code, writer.Body.String())
	}
	if !strings.Contains(writer.Body.String(), "Address = 192.168.55.10/32, fd00:192:168:55::10/128") {
		t.Errorf("Unexpected config:\n%v", writer.Body.String())
	}
	if writer.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("Expected config not to be cached")
	}
	if !strings.HasPrefix(writer.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("Expected a text config, got %v", writer.Header().Get("Content-Type"))
	}

	writer = doRequest(t, router, http.MethodGet, peerPath+"/qr", token, nil)
	var qr struct {
		QRCode string `json:"qr_code"`
	}
	decodeBody(t, writer, &qr)
	if !strings.HasPrefix(qr.QRCode, "data:image/png;base64,") {
		t.Errorf("Expected a PNG data url, got %.40v", qr.QRCode)
	}

	writer = doRequest(t, router, http.MethodGet, peerPath+"/qr?format=png", token, nil)
	if writer.Header().Get("Content-Type") != "image/png" {
		t.Errorf("Expected a PNG, got %v", writer.Header().Get("Content-Type"))
	}

	writer = doRequest(t, router, http.MethodPatch, peerPath+"/status", token, PeerStatusRequest{Status: PeerInactive})
	if writer.Code != http.StatusOK {
		t.Errorf("Expected status code 200 for status update, got %v: %v", writer.Code, writer.Body.String())
	}

	writer = doRequest(t, router, http.MethodPost, "/api/auth/logout", token, nil)
	if writer.Code != http.StatusOK {
		t.Fatalf("Expected status code 200 for logout, got %v", writer.Code)
	}
	writer = doRequest(t, router, http.MethodGet, "/api/wireguard/peers", token, nil)
	if writer.Code != http.StatusUnauthorized {
		t.Errorf("Expected status code 401 after logout, got %v", writer.Code)
	}
}

func TestAuthenticatedURLsFailWithoutSession(t *testing.T) {
	router := newTestRouter(newTestEnv(t), nil)

	urls := []string{
		"/api/auth/me",
		"/api/wireguard/peers",
		"/api/wireguard/peers/1",
		"/api/wireguard/peers/1/config",
		"/api/users",
		"/api/radius/accounting",
		"/api/settings/google-auth",
	}
	for _, url := range urls {
		writer := doRequest(t, router, http.MethodGet, url, "", nil)
		if writer.Code != http.StatusUnauthorized {
			t.Fatalf("Expected status code 401 for %v, got %v", url, writer.Code)
		}
		var body ErrorResponse
		decodeBody(t, writer, &body)
		if body.Error.Message != "no token provided" {
			t.Errorf("Unexpected message %q for %v", body.Error.Message, url)
		}

		writer = doRequest(t, router, http.MethodGet, url, "not-a-token", nil)
		if writer.Code != http.StatusUnauthorized {
			t.Fatalf("Expected status code 401 for %v with a bad token, got %v", url, writer.Code)
		}
	}
}

func TestAdminURLsRequireAdmin(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env, nil)
	env.mustRegister(t, "alice@example.com")
	token := login(t, router, "alice@example.com", testPassword)

	urls := []string{
		"/api/users",
		"/api/users/1",
		"/api/radius/accounting",
		"/api/radius/sessions/active",
		"/api/radius/users",
		"/api/settings/google-auth",
	}
	for _, url := range urls {
		writer := doRequest(t, router, http.MethodGet, url, token, nil)
		if writer.Code != http.StatusForbidden {
			t.Fatalf("Expected status code 403 for %v, got %v", url, writer.Code)
		}
	}
}

func TestAdminUserManagement(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env, nil)
	env.mustCreateAdmin(t, "admin@example.com")
	token := login(t, router, "admin@example.com", testPassword)

	writer := doRequest(t, router, http.MethodPost, "/api/users", token, CreateUserRequest{
		Email:    "bob@example.com",
		Password: testPassword,
		Name:     "Bob",
	})
	if writer.Code != http.StatusCreated {
		t.Fatalf("Expected status code 201 for create user, got %v: %v", writer.Code, writer.Body.String())
	}
	var created struct {
		User Principal `json:"user"`
	}
	decodeBody(t, writer, &created)
	if created.User.Role != RoleUser {
		t.Errorf("Expected the default role, got %v", created.User.Role)
	}
	if strings.Contains(writer.Body.String(), "password") {
		t.Errorf("User response leaked the password hash")
	}

	writer = doRequest(t, router, http.MethodPost, "/api/users", token, CreateUserRequest{
		Email:    "bob@example.com",
		Password: testPassword,
		Name:     "Bob",
	})
	if writer.Code != http.StatusConflict {
		t.Errorf("Expected status code 409 for duplicate user, got %v", writer.Code)
	}

	writer = doRequest(t, router, http.MethodGet, "/api/users?limit=1", token, nil)
	var list UserListResponse
	decodeBody(t, writer, &list)
	if list.Pagination.Total != 2 || list.Pagination.Pages != 2 || len(list.Users) != 1 {
		t.Errorf("Unexpected user list %+v", list.Pagination)
	}

	userPath := "/api/users/" + strconv.Itoa(int(created.User.ID))
	suspended := StatusSuspended
	writer = doRequest(t, router, http.MethodPut, userPath, token, UpdateUserRequest{Status: &suspended})
	if writer.Code != http.StatusOK {
		t.Fatalf("Expected status code 200 for update, got %v: %v", writer.Code, writer.Body.String())
	}

	writer = doRequest(t, router, http.MethodPost, "/api/auth/login", "", LoginRequest{Email: "bob@example.com", Password: testPassword})
	if writer.Code != http.StatusForbidden {
		t.Errorf("Expected status code 403 for suspended login, got %v", writer.Code)
	}

	writer = doRequest(t, router, http.MethodGet, userPath, token, nil)
	if writer.Code != http.StatusOK {
		t.Errorf("Expected status code 200 for get user, got %v", writer.Code)
	}

	writer = doRequest(t, router, http.MethodDelete, userPath, token, nil)
	if writer.Code != http.StatusOK {
		t.Errorf("Expected status code 200 for delete, got %v", writer.Code)
	}
	writer = doRequest(t, router, http.MethodGet, userPath, token, nil)
	if writer.Code != http.StatusNotFound {
		t.Errorf("Expected status code 404 for deleted user, got %v", writer.Code)
	}

	writer = doRequest(t, router, http.MethodGet, "/api/users/abc", token, nil)
	if writer.Code != http.StatusBadRequest {
		t.Errorf("Expected status code 400 for a malformed id, got %v", writer.Code)
	}
}

func TestPeersOfOtherUsersAreNotFound(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env, nil)
	alice := env.mustRegister(t, "alice@example.com")
	env.mustRegister(t, "bob@example.com")

	peer, err := env.peers.CreatePeer(context.Background(), alice.Identity(), "laptop", nil)
	if err != nil {
		t.Fatalf("Error creating peer: %v", err)
	}
	token := login(t, router, "bob@example.com", testPassword)
	peerPath := "/api/wireguard/peers/" + strconv.Itoa(int(peer.ID))

	for _, path := range []string{peerPath, peerPath + "/config", peerPath + "/qr"} {
		writer := doRequest(t, router, http.MethodGet, path, token, nil)
		if writer.Code != http.StatusNotFound {
			t.Errorf("Expected status code 404 for %v, got %v", path, writer.Code)
		}
	}
	writer := doRequest(t, router, http.MethodDelete, peerPath, token, nil)
	if writer.Code != http.StatusNotFound {
		t.Errorf("Expected status code 404 for delete, got %v", writer.Code)
	}
}

func TestValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env, nil)
	env.mustRegister(t, "alice@example.com")
	token := login(t, router, "alice@example.com", testPassword)

	writer := doRequest(t, router, http.MethodPost, "/api/wireguard/peers", token, map[string]string{})
	if writer.Code != http.StatusBadRequest {
		t.Errorf("Expected status code 400 for missing name, got %v", writer.Code)
	}
	var body ErrorResponse
	decodeBody(t, writer, &body)
	if body.Error.Message != "validation failed" {
		t.Errorf("Unexpected message %q", body.Error.Message)
	}

	writer = doRequest(t, router, http.MethodPost, "/api/auth/register", "", RegisterRequest{Email: "alice@example.com", Password: testPassword, Name: "Alice"})
	if writer.Code != http.StatusConflict {
		t.Errorf("Expected status code 409 for duplicate email, got %v", writer.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env, nil)
	env.mustRegister(t, "alice@example.com")

	for i := 0; i < 5; i++ {
		writer := doRequest(t, router, http.MethodPost, "/api/auth/login", "", LoginRequest{Email: "alice@example.com", Password: "wrong password"})
		if writer.Code != http.StatusUnauthorized {
			t.Fatalf("Expected status code 401 for attempt %v, got %v", i, writer.Code)
		}
	}

	writer := doRequest(t, router, http.MethodPost, "/api/auth/login", "", LoginRequest{Email: "alice@example.com", Password: testPassword})
	if writer.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status code 429 for the sixth attempt, got %v", writer.Code)
	}
}

func TestPublicEndpoints(t *testing.T) {
	router := newTestRouter(newTestEnv(t), nil)

	writer := doRequest(t, router, http.MethodGet, "/health", "", nil)
	if writer.Code != http.StatusOK || !strings.Contains(writer.Body.String(), "healthy") {
		t.Errorf("Unexpected health response %v: %v", writer.Code, writer.Body.String())
	}

	writer = doRequest(t, router, http.MethodGet, "/api/nothing-here", "", nil)
	if writer.Code != http.StatusNotFound {
		t.Errorf("Expected status code 404, got %v", writer.Code)
	}

	writer = doRequest(t, router, http.MethodGet, "/api/auth/google/status", "", nil)
	var status FederationStatusResponse
	decodeBody(t, writer, &status)
	if writer.Code != http.StatusOK || status.Enabled || status.Configured {
		t.Errorf("Unexpected federation status %v: %+v", writer.Code, status)
	}

	writer = doRequest(t, router, http.MethodGet, "/api/auth/google/url", "", nil)
	if writer.Code != http.StatusBadRequest {
		t.Errorf("Expected status code 400 while federation is disabled, got %v", writer.Code)
	}
}

func TestFederationCallbackRejectsBadRequests(t *testing.T) {
	router := newTestRouter(newTestEnv(t), nil)

	cases := map[string]string{
		"/api/auth/google/callback":                     "no_code",
		"/api/auth/google/callback?code=abc":            "invalid_state",
		"/api/auth/google/callback?code=abc&state=fake": "invalid_state",
	}
	for path, reason := range cases {
		writer := doRequest(t, router, http.MethodGet, path, "", nil)
		if writer.Code != http.StatusFound {
			t.Fatalf("Expected status code 302 for %v, got %v", path, writer.Code)
		}
		expected := "https://app.example.com/login?error=" + reason
		if writer.Header().Get("Location") != expected {
			t.Errorf("Expected redirect to %v, got %v", expected, writer.Header().Get("Location"))
		}
	}
}

func TestFederatedLoginFlow(t *testing.T) {
	env := newTestEnv(t)
	provider := &fakeProvider{user: goth.User{UserID: "google-1", Email: "carol@example.com", Name: "Carol"}}
	bridge := provider.bridge(time.Second)
	env.accounts = newFederatedAccounts(t, env, provider)
	router := newTestRouter(env, bridge)

	env.mustCreateAdmin(t, "admin@example.com")
	adminToken := login(t, router, "admin@example.com", testPassword)
	enabled := true
	secret := "client-secret"
	writer := doRequest(t, router, http.MethodPost, "/api/settings/google-auth", adminToken, FederationSettingsRequest{
		Enabled:      &enabled,
		ClientID:     "client-id",
		ClientSecret: &secret,
		CallbackURL:  testFederationSettings.CallbackURL,
	})
	if writer.Code != http.StatusOK {
		t.Fatalf("Expected status code 200 for saving settings, got %v: %v", writer.Code, writer.Body.String())
	}
	if strings.Contains(writer.Body.String(), "client-secret") {
		t.Errorf("Settings response leaked the client secret")
	}

	writer = doRequest(t, router, http.MethodGet, "/api/auth/google/url", "", nil)
	if writer.Code != http.StatusOK {
		t.Fatalf("Expected status code 200 for auth url, got %v: %v", writer.Code, writer.Body.String())
	}
	var consent FederationURLResponse
	decodeBody(t, writer, &consent)
	if consent.State == "" || !strings.Contains(consent.AuthURL, consent.State) {
		t.Fatalf("Unexpected consent response %+v", consent)
	}
	cookies := writer.Result().Cookies()

	request := httptest.NewRequest(http.MethodGet, "/api/auth/google/callback?code=abc&state="+consent.State, nil)
	for _, cookie := range cookies {
		request.AddCookie(cookie)
	}
	writer = httptest.NewRecorder()
	router.ServeHTTP(writer, request)
	if writer.Code != http.StatusFound {
		t.Fatalf("Expected status code 302 for callback, got %v", writer.Code)
	}

	location, err := url.Parse(writer.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Error parsing redirect: %v", err)
	}
	if location.Host != "app.example.com" || location.Path != "/auth/callback" {
		t.Fatalf("Unexpected redirect %v", location)
	}
	token := location.Query().Get("token")
	identity, err := env.sessions.ValidateSession(context.Background(), token)
	if err != nil {
		t.Fatalf("Error validating federated session: %v", err)
	}
	if identity.Email != "carol@example.com" {
		t.Errorf("Expected carol, got %v", identity.Email)
	}
}

func TestRadiusUsersHandler(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env, nil)
	env.mustCreateAdmin(t, "admin@example.com")
	token := login(t, router, "admin@example.com", testPassword)
	seedRadCheck(t, env.database,
		RadCheck{Username: "bob", Attribute: "Cleartext-Password", Op: ":=", Value: "secret"},
	)

	writer := doRequest(t, router, http.MethodGet, "/api/radius/users", token, nil)
	if writer.Code != http.StatusOK {
		t.Fatalf("Expected status code 200, got %v", writer.Code)
	}
	var body struct {
		Users []RadCheck `json:"users"`
	}
	decodeBody(t, writer, &body)
	if len(body.Users) != 1 || body.Users[0].Username != "bob" || body.Users[0].Op != ":=" {
		t.Errorf("Unexpected users %+v", body.Users)
	}
}
