package sharing

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/masud80/healthcare-emr-sub001/internal/domain/patient"
	"github.com/masud80/healthcare-emr-sub001/internal/platform/auth"
)

// HeaderShareToken carries a share access token when a recipient redeems it.
const HeaderShareToken = "X-Share-Token"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(ext *echo.Group) {
	g := ext.Group("/records/share", auth.RequireAPIScope(auth.ScopeRecordsShare))
	g.POST("", h.CreateShare)
	g.GET("/:id", h.GetShare)
	g.DELETE("/:id", h.RevokeShare)
}

// RegisterPublicRoutes mounts the token redemption endpoint. It sits outside
// the API key group because recipients hold a share token, not a key.
func (h *Handler) RegisterPublicRoutes(ext *echo.Group) {
	ext.GET("/shared", h.ResolveShare)
}

func (h *Handler) CreateShare(c echo.Context) error {
	key := auth.APIKeyFromContext(c)
	if key == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing api key")
	}

	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	c.Set("patient_id", strings.TrimSpace(req.PatientID))

	share, token, err := h.svc.Create(c.Request().Context(), req, key.ID, key.FacilityID)
	if err != nil {
		return shareError(err, "failed to create share")
	}
	return c.JSON(http.StatusCreated, CreateResponse{
		ID:          share.ID,
		PatientID:   share.PatientID,
		AccessToken: token,
		ExpiresAt:   share.ExpiresAt,
	})
}

func (h *Handler) GetShare(c echo.Context) error {
	key := auth.APIKeyFromContext(c)
	if key == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing api key")
	}
	share, err := h.svc.Get(c.Request().Context(), c.Param("id"), key.FacilityID)
	if err != nil {
		return shareError(err, "failed to load share")
	}
	c.Set("patient_id", share.PatientID)
	return c.JSON(http.StatusOK, share)
}

func (h *Handler) RevokeShare(c echo.Context) error {
	key := auth.APIKeyFromContext(c)
	if key == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing api key")
	}
	share, err := h.svc.Revoke(c.Request().Context(), c.Param("id"), key.FacilityID)
	if err != nil {
		return shareError(err, "failed to revoke share")
	}
	c.Set("patient_id", share.PatientID)
	return c.JSON(http.StatusOK, share)
}

func (h *Handler) ResolveShare(c echo.Context) error {
	token := c.Request().Header.Get(HeaderShareToken)
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing share token")
	}
	share, err := h.svc.Resolve(c.Request().Context(), token)
	if err != nil {
		return shareError(err, "failed to resolve share")
	}
	c.Set("patient_id", share.PatientID)
	return c.JSON(http.StatusOK, share.ToRecipientView())
}

func shareError(err error, msg string) error {
	switch {
	case IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, patient.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "share not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, msg).SetInternal(err)
}
