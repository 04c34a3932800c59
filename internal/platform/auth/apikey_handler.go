package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/masud80/healthcare-emr-sub001/pkg/pagination"
)

// APIKeyHandler provides Echo HTTP handlers for API key management endpoints.
type APIKeyHandler struct {
	manager *APIKeyManager
}

// NewAPIKeyHandler creates a new handler backed by the given manager.
func NewAPIKeyHandler(manager *APIKeyManager) *APIKeyHandler {
	return &APIKeyHandler{manager: manager}
}

// RegisterRoutes registers the API key management routes on the given Echo group.
func (h *APIKeyHandler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.CreateKey)
	g.GET("", h.ListKeys)
	g.GET("/:id", h.GetKey)
	g.DELETE("/:id", h.RevokeKey)
	g.POST("/:id/rotate", h.RotateKey)
}

type createKeyRequest struct {
	Name       string            `json:"name"`
	FacilityID string            `json:"facility_id"`
	ClientID   string            `json:"client_id"`
	Scopes     []string          `json:"scopes"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

var knownScopes = map[string]bool{
	ScopePatientsRead: true,
	ScopeRecordsShare: true,
	ScopeAll:          true,
}

// ValidateScopes rejects scopes the external API does not understand.
func ValidateScopes(scopes []string) error {
	if len(scopes) == 0 {
		return errors.New("at least one scope is required")
	}
	for _, s := range scopes {
		if !knownScopes[s] {
			return errors.New("unknown scope: " + s)
		}
	}
	return nil
}

// CreateKey handles POST /admin/api-keys. The raw key appears in this
// response only.
func (h *APIKeyHandler) CreateKey(c echo.Context) error {
	var req createKeyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if err := ValidateScopes(req.Scopes); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		return echo.NewHTTPError(http.StatusBadRequest, "expires_at must be in the future")
	}

	key, rawKey, err := h.manager.GenerateKey(c.Request().Context(), KeySpec{
		Name:       req.Name,
		FacilityID: req.FacilityID,
		ClientID:   req.ClientID,
		Scopes:     req.Scopes,
		ExpiresAt:  req.ExpiresAt,
		Metadata:   req.Metadata,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create api key").SetInternal(err)
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"key":     key,
		"raw_key": rawKey,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys handles GET /admin/api-keys?facility_id=&limit=&offset=.
func (h *APIKeyHandler) ListKeys(c echo.Context) error {
	pg := pagination.FromContext(c)
	keys, total, err := h.manager.ListKeys(c.Request().Context(), c.QueryParam("facility_id"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list api keys").SetInternal(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(keys, total, pg.Limit, pg.Offset))
}

func (h *APIKeyHandler) GetKey(c echo.Context) error {
	key, err := h.manager.GetKey(c.Request().Context(), c.Param("id"))
	if err != nil {
		return keyError(err, "failed to retrieve api key")
	}
	return c.JSON(http.StatusOK, key)
}

func (h *APIKeyHandler) RevokeKey(c echo.Context) error {
	if err := h.manager.RevokeKey(c.Request().Context(), c.Param("id")); err != nil {
		return keyError(err, "failed to revoke api key")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  KeyStatusRevoked,
		"message": "api key has been revoked",
	})
}

func (h *APIKeyHandler) RotateKey(c echo.Context) error {
	newKey, rawKey, err := h.manager.RotateKey(c.Request().Context(), c.Param("id"))
	if err != nil {
		return keyError(err, "failed to rotate api key")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"key":     newKey,
		"raw_key": rawKey,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

func keyError(err error, msg string) error {
	if errors.Is(err, ErrKeyNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "api key not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, msg).SetInternal(err)
}
