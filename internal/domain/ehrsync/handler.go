package ehrsync

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrsync/internal/domain/conflict"
	"github.com/ehr/ehrsync/internal/platform/adapter"
	"github.com/ehr/ehrsync/internal/platform/auth"
	"github.com/ehr/ehrsync/internal/platform/fhir"
	"github.com/ehr/ehrsync/internal/platform/recordstore"
	"github.com/ehr/ehrsync/pkg/pagination"
)

type Handler struct {
	gw *Gateway
}

func NewHandler(gw *Gateway) *Handler {
	return &Handler{gw: gw}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/connections", h.CreateConnection)
	api.GET("/connections", h.ListConnections)
	api.GET("/connections/:id", h.GetConnection)
	api.DELETE("/connections/:id", h.DeleteConnection)
	api.GET("/connections/:id/authorize", h.Authorize)
	api.GET("/connections/:id/callback", h.Callback)

	api.POST("/connections/:id/patients/:patient/pull", h.Pull)
	api.POST("/connections/:id/patients/:patient/push", h.Push)
	api.POST("/connections/:id/patients/:patient/sync", h.Sync)
	api.GET("/connections/:id/patients/:patient/summary", h.Summary)

	api.GET("/conflicts", h.ListConflicts)
	api.GET("/conflicts/:id", h.GetConflict)
	api.POST("/conflicts/:id/resolve", h.ResolveConflict)
	api.POST("/conflicts/:id/defer", h.DeferConflict)

	api.GET("/stats", h.Stats)
}

// -- Connections --

func (h *Handler) CreateConnection(c echo.Context) error {
	var cfg ConnectionConfig
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	conn, err := h.gw.Connect(cfg)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, h.gw.Describe(c.Request().Context(), conn))
}

func (h *Handler) ListConnections(c echo.Context) error {
	conns := h.gw.Connections()
	views := make([]ConnectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, h.gw.Describe(c.Request().Context(), conn))
	}
	p := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.Paginate(views, p))
}

func (h *Handler) GetConnection(c echo.Context) error {
	conn, err := h.gw.Connection(c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, h.gw.Describe(c.Request().Context(), conn))
}

func (h *Handler) DeleteConnection(c echo.Context) error {
	if err := h.gw.Disconnect(c.Request().Context(), c.Param("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Authorization --

func (h *Handler) Authorize(c echo.Context) error {
	u, err := h.gw.GetAuthorizationURL(c.Request().Context(), c.Param("id"), c.QueryParam("launch"))
	if err != nil {
		return errorResponse(c, err)
	}
	if c.QueryParam("redirect") == "true" {
		return c.Redirect(http.StatusFound, u)
	}
	return c.JSON(http.StatusOK, map[string]string{"authorization_url": u})
}

type callbackResponse struct {
	ConnectionID string    `json:"connection_id"`
	EHRSystem    string    `json:"ehr_system"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        []string  `json:"scope,omitempty"`
	Patient      string    `json:"patient,omitempty"`
}

func (h *Handler) Callback(c echo.Context) error {
	if e := c.QueryParam("error"); e != "" {
		msg := e
		if d := c.QueryParam("error_description"); d != "" {
			msg += ": " + d
		}
		return c.JSON(http.StatusBadRequest, fhir.SecurityOutcome(msg))
	}
	code, state := c.QueryParam("code"), c.QueryParam("state")
	if code == "" || state == "" {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("code and state are required"))
	}
	tok, err := h.gw.CompleteAuthorization(c.Request().Context(), c.Param("id"), code, state)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, callbackResponse{
		ConnectionID: c.Param("id"),
		EHRSystem:    tok.EHRSystem,
		ExpiresAt:    tok.ExpiresAt,
		Scope:        tok.Scope,
		Patient:      tok.PatientID,
	})
}

// -- Data operations --

func (h *Handler) Pull(c echo.Context) error {
	var opts PullOptions
	if err := c.Bind(&opts); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	res, err := h.gw.PullPatient(c.Request().Context(), c.Param("id"), c.Param("patient"), opts)
	if err != nil && res == nil {
		return errorResponse(c, err)
	}
	if err != nil {
		return c.JSON(http.StatusBadGateway, res)
	}
	return c.JSON(http.StatusOK, res)
}

// Push treats the :patient path segment as the local patient hash.
func (h *Handler) Push(c echo.Context) error {
	var opts PushOptions
	if err := c.Bind(&opts); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	res, err := h.gw.PushPatient(c.Request().Context(), c.Param("id"), c.Param("patient"), opts)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type syncRequest struct {
	PatientHash   string   `json:"patient_hash"`
	ResourceTypes []string `json:"resource_types,omitempty"`
	DryRun        bool     `json:"dry_run,omitempty"`
}

// Sync treats :patient as the remote patient id; the local hash comes from
// the body.
func (h *Handler) Sync(c echo.Context) error {
	var req syncRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	if req.PatientHash == "" {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("patient_hash is required"))
	}
	report, err := h.gw.SyncPatient(c.Request().Context(), c.Param("id"), c.Param("patient"), req.PatientHash,
		SyncOptions{ResourceTypes: req.ResourceTypes, DryRun: req.DryRun})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) Summary(c echo.Context) error {
	sum, err := h.gw.PatientSummary(c.Request().Context(), c.Param("id"), c.Param("patient"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, sum)
}

// -- Conflicts --

func (h *Handler) ListConflicts(c echo.Context) error {
	status := conflict.Status(c.QueryParam("status"))
	recs, err := h.gw.Conflicts(c.Request().Context(), status)
	if err != nil {
		return errorResponse(c, err)
	}
	p := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.Paginate(recs, p))
}

func (h *Handler) GetConflict(c echo.Context) error {
	rec, err := h.gw.Resolver().Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

type resolveRequest struct {
	Strategy conflict.Strategy `json:"strategy"`
	Data     json.RawMessage   `json:"data,omitempty"`
}

func (h *Handler) ResolveConflict(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	if req.Strategy == "" {
		req.Strategy = h.gw.Resolver().Strategy()
	}
	rec, err := h.gw.ResolveConflict(c.Request().Context(), c.Param("id"), req.Strategy, req.Data)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) DeferConflict(c echo.Context) error {
	rec, err := h.gw.DeferConflict(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Stats(c echo.Context) error {
	st, err := h.gw.Stats(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// errorResponse renders err as an OperationOutcome with a matching status.
func errorResponse(c echo.Context, err error) error {
	var (
		httpErr  *adapter.HTTPError
		oauthErr *auth.OAuthError
	)
	switch {
	case errors.Is(err, ErrUnknownConnection),
		errors.Is(err, conflict.ErrNotFound),
		errors.Is(err, recordstore.ErrNotFound):
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, err.Error()))
	case errors.Is(err, ErrConnectionExists),
		errors.Is(err, conflict.ErrAlreadyResolved):
		return c.JSON(http.StatusConflict, fhir.ConflictOutcome(err.Error()))
	case errors.Is(err, ErrNoValidToken),
		errors.Is(err, auth.ErrInvalidState):
		return c.JSON(http.StatusUnauthorized, fhir.SecurityOutcome(err.Error()))
	case errors.Is(err, conflict.ErrUnknownStrategy),
		errors.Is(err, conflict.ErrManualDataRequired),
		errors.Is(err, auth.ErrConfiguration),
		errors.Is(err, adapter.ErrUnknownSystem):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	case errors.Is(err, ErrUnsupported),
		errors.Is(err, auth.ErrRevocationUnsupported):
		return c.JSON(http.StatusNotImplemented, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotSupported, err.Error()))
	case errors.As(err, &httpErr), errors.As(err, &oauthErr):
		return c.JSON(http.StatusBadGateway, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTransient, err.Error()))
	default:
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
}
