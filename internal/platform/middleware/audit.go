package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AuditEntry records one call made by an external integration.
type AuditEntry struct {
	RequestID  string
	APIKeyID   string
	Method     string
	Path       string
	PatientID  string
	Action     string // read, share
	StatusCode int
	IPAddress  string
	UserAgent  string
	Timestamp  time.Time
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(ctx context.Context, entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(ctx context.Context, entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(ctx context.Context, entry AuditEntry) error {
	return f(ctx, entry)
}

// Audit logs every /external call except the health check, after the handler
// has run so the final status is known. Entries are also passed to recorder
// when one is given; recorder failures are logged and never fail the request.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditablePath(req.URL.Path) {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Method:     req.Method,
				Path:       req.URL.Path,
				Action:     auditAction(c),
				StatusCode: responseStatus(c, err),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Timestamp:  time.Now().UTC(),
				PatientID:  auditPatientID(c),
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.APIKeyID, _ = c.Get("api_key_id").(string)

			if recorder != nil {
				// The request context may already be cancelled.
				ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), 5*time.Second)
				if recErr := recorder.RecordAccess(ctx, entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
				cancel()
			}

			logger.Info().
				Str("type", "external_access").
				Str("request_id", entry.RequestID).
				Str("api_key_id", entry.APIKeyID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/external/") && path != "/external/health"
}

func auditAction(c echo.Context) string {
	if c.Request().Method == http.MethodPost && strings.HasSuffix(c.Request().URL.Path, "/records/share") {
		return "share"
	}
	return "read"
}

// auditPatientID prefers the value a handler stored under "patient_id" and
// falls back to the :id route param of /external/patients/:id.
func auditPatientID(c echo.Context) string {
	if pid, ok := c.Get("patient_id").(string); ok && pid != "" {
		return pid
	}
	if strings.HasPrefix(c.Path(), "/external/patients/") {
		return c.Param("id")
	}
	return ""
}

// responseStatus returns the status the client will see. Errors are written
// by the error handler after the middleware chain unwinds.
func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	return http.StatusInternalServerError
}
