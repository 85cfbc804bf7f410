package server

import (
	"context"
	"crypto/subtle"

	"github.com/danielgtaylor/huma/v2"

	"github.com/edgevideo/gateway/internal/gwconfig"
)

// registerAdmin mounts the configuration admin API: fetch the active
// configuration document, or reload a new one. Both operations require a
// bearer token matching adminToken, compared in constant time. An empty
// adminToken disables the admin API entirely (registerAdmin is a no-op).
func registerAdmin(api huma.API, manager *gwconfig.Manager, adminToken string) {
	if adminToken == "" {
		return
	}

	h := &adminHandler{manager: manager, token: adminToken}

	huma.Register(api, huma.Operation{
		OperationID: "getConfig",
		Method:      "GET",
		Path:        "/admin/config",
		Summary:     "Get active configuration",
		Description: "Returns the configuration document currently loaded by the gateway",
		Tags:        []string{"Admin"},
	}, h.GetConfig)

	huma.Register(api, huma.Operation{
		OperationID: "reloadConfig",
		Method:      "POST",
		Path:        "/admin/config",
		Summary:     "Reload configuration",
		Description: "Validates, compiles, and hot-swaps a new configuration document",
		Tags:        []string{"Admin"},
	}, h.ReloadConfig)
}

type adminHandler struct {
	manager *gwconfig.Manager
	token   string
}

func (h *adminHandler) authorize(authHeader string) error {
	const prefix = "Bearer "
	if len(authHeader) <= len(prefix) || authHeader[:len(prefix)] != prefix {
		return huma.Error401Unauthorized("missing or malformed Authorization header")
	}
	presented := authHeader[len(prefix):]
	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) != 1 {
		return huma.Error401Unauthorized("invalid admin token")
	}
	return nil
}

// GetConfigInput carries the bearer token; huma binds it from the
// Authorization header.
type GetConfigInput struct {
	Authorization string `header:"Authorization"`
}

// GetConfigOutput wraps the active configuration document.
type GetConfigOutput struct {
	Body gwconfig.Document
}

func (h *adminHandler) GetConfig(ctx context.Context, input *GetConfigInput) (*GetConfigOutput, error) {
	if err := h.authorize(input.Authorization); err != nil {
		return nil, err
	}
	out := &GetConfigOutput{Body: h.manager.Current().Raw}
	return out, nil
}

// ReloadConfigInput carries the bearer token and the replacement document.
type ReloadConfigInput struct {
	Authorization string `header:"Authorization"`
	Body          gwconfig.Document
}

// ReloadConfigOutput reports whether the reload succeeded.
type ReloadConfigOutput struct {
	Body struct {
		Reloaded bool `json:"reloaded"`
	}
}

func (h *adminHandler) ReloadConfig(ctx context.Context, input *ReloadConfigInput) (*ReloadConfigOutput, error) {
	if err := h.authorize(input.Authorization); err != nil {
		return nil, err
	}
	if err := h.manager.Reload(input.Body); err != nil {
		return nil, huma.Error422UnprocessableEntity("configuration rejected", err)
	}
	out := &ReloadConfigOutput{}
	out.Body.Reloaded = true
	return out, nil
}
