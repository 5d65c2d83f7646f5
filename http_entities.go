package gradius

import (
	"time"
)

type RegisterRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name" binding:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type CreateUserRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name" binding:"required"`
	Role     string `json:"role"`
}

type UpdateUserRequest struct {
	Name   *string `json:"name"`
	Role   *string `json:"role"`
	Status *string `json:"status"`
}

type PeerRequest struct {
	Name   string `json:"name" binding:"required"`
	UserID *uint  `json:"user_id"`
}

type PeerStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// FederationSettingsRequest leaves the stored client secret alone when
// ClientSecret is omitted.
type FederationSettingsRequest struct {
	Enabled      *bool   `json:"enabled" binding:"required"`
	ClientID     string  `json:"client_id"`
	ClientSecret *string `json:"client_secret"`
	CallbackURL  string  `json:"callback_url"`
}

type ErrorBody struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type UserListResponse struct {
	Users      []Principal `json:"users"`
	Pagination Pagination  `json:"pagination"`
}

type FederationStatusResponse struct {
	Enabled    bool `json:"enabled"`
	Configured bool `json:"configured"`
}

type FederationURLResponse struct {
	AuthURL string `json:"authUrl"`
	State   string `json:"state"`
}

type FederationSettingsResponse struct {
	Enabled     bool      `json:"enabled"`
	ClientID    string    `json:"client_id"`
	CallbackURL string    `json:"callback_url"`
	Configured  bool      `json:"configured"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func errorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: ErrorBody{Message: message}}
}

func federationSettingsResponse(settings FederationSettings) FederationSettingsResponse {
	return FederationSettingsResponse{
		Enabled:     settings.Enabled,
		ClientID:    settings.ClientID,
		CallbackURL: settings.CallbackURL,
		Configured:  settings.Configured(),
		UpdatedAt:   settings.UpdatedAt,
	}
}
