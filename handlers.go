package gradius

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const oauthStateKey = "oauth_state"

type GradiusHandlers struct {
	*ServerConfig
}

func statusForError(err error) int {
	switch KindOf(err) {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindPoolExhausted:
		return http.StatusInsufficientStorage
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindInvalid:
		return http.StatusBadRequest
	case KindInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		requestLogger(c).Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, errorResponse(PublicMessage(err)))
}

func bindJSON(c *gin.Context, request interface{}) bool {
	if err := c.ShouldBindJSON(request); err != nil {
		abortWithError(c, errorf(KindInvalid, "http.bind", "validation failed"))
		return false
	}
	return true
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		abortWithError(c, errorf(KindInvalid, "http.id", "invalid id"))
		return 0, false
	}
	return uint(id), true
}

func clientMetadata(c *gin.Context) ClientMetadata {
	return ClientMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

func (gh *GradiusHandlers) RegisterHandler(c *gin.Context) {
	var request RegisterRequest
	if !bindJSON(c, &request) {
		return
	}

	principal, err := gh.Accounts.Register(c.Request.Context(), request.Email, request.Password, request.Name)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "user registered successfully",
		"user":    principal.Identity(),
	})
}

func (gh *GradiusHandlers) LoginHandler(c *gin.Context) {
	var request LoginRequest
	if !bindJSON(c, &request) {
		return
	}

	session, err := gh.Accounts.Login(c.Request.Context(), request.Email, request.Password, clientMetadata(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (gh *GradiusHandlers) LogoutHandler(c *gin.Context) {
	err := gh.Sessions.RevokeSession(c.Request.Context(), c.GetString(tokenKey))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Message: "logged out successfully"})
}

func (gh *GradiusHandlers) UserProfileInfoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user": currentIdentity(c)})
}

func (gh *GradiusHandlers) FederationStatusHandler(c *gin.Context) {
	settings, err := gh.Accounts.LoadFederationSettings(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, FederationStatusResponse{
		Enabled:    settings.Enabled,
		Configured: settings.Configured(),
	})
}

func (gh *GradiusHandlers) FederationURLHandler(c *gin.Context) {
	settings, err := gh.Accounts.LoadFederationSettings(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !settings.Enabled {
		abortWithError(c, errorf(KindInvalid, "http.federation_url", "google authentication is not enabled"))
		return
	}

	state, err := newOAuthState()
	if err != nil {
		abortWithError(c, newError(KindUnavailable, "http.federation_url", err))
		return
	}
	authURL, err := gh.Federation.AuthURL(settings, state)
	if err != nil {
		abortWithError(c, err)
		return
	}

	session, err := gh.SessionStore.Get(c.Request, gh.SessionName)
	if err != nil {
		requestLogger(c).Warn("discarding unreadable oauth state cookie", zap.Error(err))
	}
	session.Values[oauthStateKey] = state
	if err := session.Save(c.Request, c.Writer); err != nil {
		abortWithError(c, newError(KindInternal, "http.federation_url", err))
		return
	}

	c.JSON(http.StatusOK, FederationURLResponse{AuthURL: authURL, State: state})
}

func (gh *GradiusHandlers) FederationCallbackHandler(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		gh.redirectToFrontend(c, "/login", url.Values{"error": {"no_code"}})
		return
	}

	if !gh.consumeOAuthState(c, c.Query("state")) {
		gh.redirectToFrontend(c, "/login", url.Values{"error": {"invalid_state"}})
		return
	}

	ctx := c.Request.Context()
	settings, err := gh.Accounts.LoadFederationSettings(ctx)
	if err != nil {
		requestLogger(c).Error("failed to load federation settings", zap.Error(err))
		gh.redirectToFrontend(c, "/login", url.Values{"error": {"auth_failed"}})
		return
	}

	issued, err := gh.Accounts.LoginFederated(ctx, settings, code, clientMetadata(c))
	if err != nil {
		requestLogger(c).Warn("federated login failed", zap.Error(err))
		reason := "auth_failed"
		if KindOf(err) == KindConflict {
			reason = "email_in_use"
		}
		gh.redirectToFrontend(c, "/login", url.Values{"error": {reason}})
		return
	}

	gh.redirectToFrontend(c, "/auth/callback", url.Values{"token": {issued.Token}})
}

func (gh *GradiusHandlers) consumeOAuthState(c *gin.Context, state string) bool {
	session, err := gh.SessionStore.Get(c.Request, gh.SessionName)
	if err != nil {
		return false
	}
	expected, _ := session.Values[oauthStateKey].(string)
	delete(session.Values, oauthStateKey)
	if err := session.Save(c.Request, c.Writer); err != nil {
		requestLogger(c).Warn("failed to clear oauth state", zap.Error(err))
	}
	return expected != "" && state == expected
}

func (gh *GradiusHandlers) redirectToFrontend(c *gin.Context, path string, query url.Values) {
	target := url.URL{Path: path}
	if gh.FrontendURL != nil {
		target = *gh.FrontendURL
		target.Path = path
	}
	target.RawQuery = query.Encode()
	c.Redirect(http.StatusFound, target.String())
}

func newOAuthState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func (gh *GradiusHandlers) GetFederationSettingsHandler(c *gin.Context) {
	settings, err := gh.Accounts.LoadFederationSettings(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, federationSettingsResponse(settings))
}

func (gh *GradiusHandlers) SaveFederationSettingsHandler(c *gin.Context) {
	var request FederationSettingsRequest
	if !bindJSON(c, &request) {
		return
	}

	settings, err := gh.Accounts.SaveFederationSettings(c.Request.Context(), currentIdentity(c), FederationUpdate{
		Enabled:      *request.Enabled,
		ClientID:     request.ClientID,
		ClientSecret: request.ClientSecret,
		CallbackURL:  request.CallbackURL,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, federationSettingsResponse(settings))
}

func (gh *GradiusHandlers) ListUsersHandler(c *gin.Context) {
	pageNumber, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	filter := PrincipalFilter{
		Search: c.Query("search"),
		Status: c.Query("status"),
		Page:   pageNumber,
		Limit:  limit,
	}

	page, err := gh.Accounts.ListPrincipals(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, UserListResponse{
		Users: page.Principals,
		Pagination: Pagination{
			Page:  page.Page,
			Limit: page.Limit,
			Total: page.Total,
			Pages: (page.Total + page.Limit - 1) / page.Limit,
		},
	})
}

func (gh *GradiusHandlers) GetUserHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	principal, peers, err := gh.Accounts.GetPrincipal(c.Request.Context(), id)
	if err != nil {
		if KindOf(err) == KindNotFound {
			err = errorf(KindNotFound, "http.get_user", "user not found")
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": principal, "peers": peers})
}

func (gh *GradiusHandlers) CreateUserHandler(c *gin.Context) {
	var request CreateUserRequest
	if !bindJSON(c, &request) {
		return
	}
	if request.Role == "" {
		request.Role = RoleUser
	}

	principal, err := gh.Accounts.CreatePrincipal(c.Request.Context(), request.Email, request.Password, request.Name, request.Role)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "user created successfully",
		"user":    principal,
	})
}

func (gh *GradiusHandlers) UpdateUserHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var request UpdateUserRequest
	if !bindJSON(c, &request) {
		return
	}

	principal, err := gh.Accounts.UpdatePrincipal(c.Request.Context(), currentIdentity(c), id, PrincipalUpdate{
		Name:   request.Name,
		Role:   request.Role,
		Status: request.Status,
	})
	if err != nil {
		if KindOf(err) == KindNotFound {
			err = errorf(KindNotFound, "http.update_user", "user not found")
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "user updated successfully",
		"user":    principal,
	})
}

func (gh *GradiusHandlers) DeleteUserHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	err := gh.Accounts.DeletePrincipal(c.Request.Context(), currentIdentity(c), id)
	if err != nil {
		if KindOf(err) == KindNotFound {
			err = errorf(KindNotFound, "http.delete_user", "user not found")
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Message: "user deleted successfully"})
}

func (gh *GradiusHandlers) ListPeersHandler(c *gin.Context) {
	filter := PeerFilter{Status: c.Query("status")}
	if rawUserID := c.Query("user_id"); rawUserID != "" {
		userID, err := strconv.ParseUint(rawUserID, 10, 32)
		if err != nil {
			abortWithError(c, errorf(KindInvalid, "http.list_peers", "invalid user_id"))
			return
		}
		owner := uint(userID)
		filter.OwnerID = &owner
	}

	peers, err := gh.Peers.ListPeers(c.Request.Context(), currentIdentity(c), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

func (gh *GradiusHandlers) GetPeerHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	peer, err := gh.Peers.GetPeer(c.Request.Context(), currentIdentity(c), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peer": peer})
}

func (gh *GradiusHandlers) NewPeerHandler(c *gin.Context) {
	var request PeerRequest
	if !bindJSON(c, &request) {
		return
	}

	peer, err := gh.Peers.CreatePeer(c.Request.Context(), currentIdentity(c), request.Name, request.UserID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "peer created successfully",
		"peer":    peer,
	})
}

func (gh *GradiusHandlers) PeerConfigHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	config, err := gh.Peers.RenderConfig(c.Request.Context(), currentIdentity(c), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "text/plain; charset=utf-8", config)
}

func (gh *GradiusHandlers) PeerQRCodeHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	image, err := gh.Peers.RenderConfigImage(c.Request.Context(), currentIdentity(c), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	if c.Query("format") == "png" {
		c.Data(http.StatusOK, "image/png", image)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"qr_code": "data:image/png;base64," + base64.StdEncoding.EncodeToString(image),
	})
}

func (gh *GradiusHandlers) PeerStatusHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var request PeerStatusRequest
	if !bindJSON(c, &request) {
		return
	}

	err := gh.Peers.SetPeerStatus(c.Request.Context(), currentIdentity(c), id, request.Status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Message: "peer status updated successfully"})
}

func (gh *GradiusHandlers) DeletePeerHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	err := gh.Peers.DeletePeer(c.Request.Context(), currentIdentity(c), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Message: "peer deleted successfully"})
}

func (gh *GradiusHandlers) AccountingHandler(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		abortWithError(c, errorf(KindInvalid, "http.accounting", "invalid limit"))
		return
	}

	records, err := gh.Accounting.Records(c.Request.Context(), AccountingFilter{
		Username: c.Query("username"),
		Limit:    limit,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": records})
}

func (gh *GradiusHandlers) ActiveSessionsHandler(c *gin.Context) {
	records, err := gh.Accounting.ActiveSessions(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_sessions": records})
}

func (gh *GradiusHandlers) RadiusUsersHandler(c *gin.Context) {
	users, err := gh.Accounting.Users(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (gh *GradiusHandlers) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

var errNoRoute = errors.New("route not found")

func (gh *GradiusHandlers) NotFoundHandler(c *gin.Context) {
	abortWithError(c, newError(KindNotFound, "http.route", errNoRoute))
}
