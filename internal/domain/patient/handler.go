package patient

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/masud80/healthcare-emr-sub001/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the patient routes on the /external group, which
// already carries API key authentication and rate limiting.
func (h *Handler) RegisterRoutes(ext *echo.Group) {
	ext.GET("/patients/:id", h.GetPatient, auth.RequireAPIScope(auth.ScopePatientsRead))
}

func (h *Handler) GetPatient(c echo.Context) error {
	key := auth.APIKeyFromContext(c)
	if key == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing api key")
	}

	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient id is required")
	}

	p, err := h.svc.GetForFacility(c.Request().Context(), id, key.FacilityID)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidID):
			return echo.NewHTTPError(http.StatusBadRequest, "patient id is required")
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "patient not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load patient").SetInternal(err)
	}
	return c.JSON(http.StatusOK, p.ToExternal())
}
