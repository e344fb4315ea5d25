package evv

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/neighborhood-lab/care-commons/internal/platform/apperr"
	"github.com/neighborhood-lab/care-commons/internal/platform/auth"
	"github.com/neighborhood-lab/care-commons/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clock := api.Group("", auth.RequireRole("caregiver", "supervisor"))
	clock.POST("/evv/clock-in", h.ClockIn)
	clock.POST("/evv/clock-out", h.ClockOut)
	clock.POST("/evv/visits/:id/pause", h.Pause)
	clock.POST("/evv/visits/:id/resume", h.Resume)
	clock.POST("/evv/visits/:id/mid-visit-check", h.MidVisitCheck)

	review := api.Group("", auth.RequireRole("supervisor", "coordinator"))
	review.GET("/evv/records", h.ListRecords)
	review.GET("/evv/records/:id", h.GetRecord)
	review.GET("/evv/records/:id/integrity", h.VerifyIntegrity)
	review.GET("/evv/records/:id/submissions", h.ListSubmissions)
	review.POST("/evv/time-entries/:id/override", h.ApplyOverride)
	review.POST("/evv/records/:id/submit", h.Submit)
	review.POST("/evv/records/:id/amend", h.Amend)
	review.POST("/evv/records/:id/unlock-request", h.UnlockRequest)
}

func (h *Handler) ClockIn(c echo.Context) error {
	var in ClockInInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.ClockIn(c.Request().Context(), in, callerFromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) ClockOut(c echo.Context) error {
	var in ClockOutInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.ClockOut(c.Request().Context(), in, callerFromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Pause(c echo.Context) error {
	visitID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid visit id")
	}
	var in PauseInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.VisitID = visitID
	rec, err := h.svc.Pause(c.Request().Context(), in, callerFromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Resume(c echo.Context) error {
	visitID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid visit id")
	}
	rec, err := h.svc.Resume(c.Request().Context(), visitID, callerFromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) MidVisitCheck(c echo.Context) error {
	visitID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid visit id")
	}
	var in MidVisitCheckInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.VisitID = visitID
	rec, err := h.svc.MidVisitCheck(c.Request().Context(), in, callerFromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	rec, err := h.svc.GetRecord(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListRecords(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := RecordFilter{}
	if v := c.QueryParam("client_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid client_id")
		}
		filter.ClientID = &id
	}
	if v := c.QueryParam("caregiver_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid caregiver_id")
		}
		filter.CaregiverID = &id
	}
	if v := c.QueryParam("status"); v != "" {
		st := RecordStatus(v)
		filter.Status = &st
	}
	if v := c.QueryParam("state"); v != "" {
		filter.State = &v
	}

	items, total, err := h.svc.ListRecords(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) VerifyIntegrity(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	intact, err := h.svc.VerifyRecordIntegrity(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"record_id": id, "intact": intact})
}

func (h *Handler) ApplyOverride(c echo.Context) error {
	entryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid time entry id")
	}
	var in OverrideInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.TimeEntryID = entryID
	entry, err := h.svc.ApplyManualOverride(c.Request().Context(), in, callerFromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) Submit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	sub, err := h.svc.SubmitToStateAggregator(c.Request().Context(), id, callerFromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) ListSubmissions(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	subs, err := h.svc.ListSubmissions(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, subs)
}

func (h *Handler) Amend(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	var in AmendInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.RecordID = id
	rec, err := h.svc.Amend(c.Request().Context(), in, callerFromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) UnlockRequest(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	var in struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	form, err := h.svc.BuildUnlockRequest(c.Request().Context(), id, in.Reason, callerFromContext(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, form)
}

// callerFromContext assembles the caller identity the auth middleware
// stored on the request context.
func callerFromContext(c echo.Context) UserContext {
	ctx := c.Request().Context()
	user := UserContext{
		Roles:       auth.RolesFromContext(ctx),
		Permissions: auth.PermissionsFromContext(ctx),
	}
	if id, err := uuid.Parse(auth.UserIDFromContext(ctx)); err == nil {
		user.UserID = id
	}
	if cg := auth.CaregiverIDFromContext(ctx); cg != "" {
		if id, err := uuid.Parse(cg); err == nil {
			user.CaregiverID = &id
		}
	}
	return user
}

// httpError maps service errors onto HTTP responses, carrying the error
// detail list through to the client.
func httpError(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) && len(ae.Details) > 0 {
		return echo.NewHTTPError(apperr.HTTPStatus(err), map[string]interface{}{
			"message": ae.Message,
			"details": ae.Details,
		})
	}
	return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
}
