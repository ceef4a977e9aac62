package billing

import (
	"bytes"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/easycore/easycore/internal/platform/auth"
	"github.com/easycore/easycore/pkg/pagination"
)

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Clinical reads – every staff role
	readGroup := api.Group("", auth.RequireRole(auth.RoleReception, auth.RoleDentist))
	readGroup.GET("/financial/payment-plans/:treatmentId", h.GetPlan)
	readGroup.GET("/payments/treatment/:treatmentId", h.GetTreatmentPayments)
	readGroup.GET("/treatments/:id/balance", h.GetBalance)
	readGroup.GET("/treatments/:id/risk", h.GetRisk)

	// Front desk – reception and admin
	deskGroup := api.Group("", auth.RequireRole(auth.RoleReception))
	deskGroup.POST("/financial/payment-plans", h.CreatePlan)
	deskGroup.POST("/financial/installments/:id/pay", h.PayInstallment)
	deskGroup.GET("/financial/installments/overdue", h.ListOverdue)
	deskGroup.GET("/financial/installments/overdue/export", h.ExportOverdue)
	deskGroup.POST("/payments", h.CreatePayment)
	deskGroup.GET("/payments", h.ListPayments)

	// Admin only
	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.POST("/financial/sweep", h.RunSweep)
	adminGroup.GET("/admin/financial/overview", h.GetOverview)
}

// httpError translates domain errors into transport errors. Anything
// unrecognised is returned unchanged and rendered as an internal error.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return err
	}
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func actor(c echo.Context) (string, error) {
	id := auth.UserIDFromContext(c.Request().Context())
	if id == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return id, nil
}

// -- Payment plans --

type createPlanRequest struct {
	TreatmentID       string `json:"treatment_id"`
	TotalInstallments int    `json:"total_installments"`
	StartDate         string `json:"start_date"`
	DueDay            int    `json:"due_day"`
}

func (h *Handler) CreatePlan(c echo.Context) error {
	var req createPlanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	treatmentID, err := uuid.Parse(req.TreatmentID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid treatment_id")
	}
	start, err := time.Parse(DateLayout, req.StartDate)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "start_date must be formatted as YYYY-MM-DD")
	}
	who, err := actor(c)
	if err != nil {
		return err
	}

	plan, err := h.svc.CreatePlan(c.Request().Context(), who, treatmentID, ScheduleRequest{
		TotalInstallments: req.TotalInstallments,
		StartDate:         start,
		DueDay:            req.DueDay,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, plan)
}

func (h *Handler) GetPlan(c echo.Context) error {
	treatmentID, err := uuidParam(c, "treatmentId")
	if err != nil {
		return err
	}
	plan, err := h.svc.GetPlan(c.Request().Context(), treatmentID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, plan)
}

// -- Payments --

type paymentRequest struct {
	TreatmentID string          `json:"treatment_id"`
	Amount      decimal.Decimal `json:"amount"`
	Method      PaymentMethod   `json:"method"`
	ProofURL    *string         `json:"proof_url"`
	Note        *string         `json:"note"`
}

func (r paymentRequest) input(receivedBy string) PaymentInput {
	return PaymentInput{
		Amount:     r.Amount,
		Method:     r.Method,
		ProofURL:   r.ProofURL,
		Note:       r.Note,
		ReceivedBy: receivedBy,
	}
}

func (h *Handler) PayInstallment(c echo.Context) error {
	installmentID, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req paymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	who, err := actor(c)
	if err != nil {
		return err
	}
	p, err := h.svc.RecordInstallmentPayment(c.Request().Context(), installmentID, req.input(who))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) CreatePayment(c echo.Context) error {
	var req paymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	treatmentID, err := uuid.Parse(req.TreatmentID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid treatment_id")
	}
	who, err := actor(c)
	if err != nil {
		return err
	}
	in := req.input(who)
	in.TreatmentID = treatmentID

	res, err := h.svc.RecordTreatmentPayment(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) ListPayments(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f PaymentFilter
	var filters []string
	if v := c.QueryParam("treatment_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid treatment_id")
		}
		f.TreatmentID = &id
		filters = append(filters, "treatment_id="+id.String())
	}
	if v := c.QueryParam("method"); v != "" {
		f.Method = PaymentMethod(v)
		filters = append(filters, "method="+url.QueryEscape(v))
	}

	items, total, err := h.svc.ListPayments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Payment{}
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL.Path, total, filters...)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetTreatmentPayments(c echo.Context) error {
	treatmentID, err := uuidParam(c, "treatmentId")
	if err != nil {
		return err
	}
	summary, err := h.svc.TreatmentPayments(c.Request().Context(), treatmentID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

// -- Treatments --

func (h *Handler) GetBalance(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.GetBalance(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) GetRisk(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	r, err := h.svc.GetRisk(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// -- Delinquency --

func (h *Handler) ListOverdue(c echo.Context) error {
	items, err := h.svc.OverdueInstallments(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  items,
		"total": len(items),
	})
}

func (h *Handler) ExportOverdue(c echo.Context) error {
	items, err := h.svc.OverdueInstallments(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	now := h.svc.Now()
	var buf bytes.Buffer
	if err := WriteOverdueXLSX(&buf, items, now); err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		`attachment; filename="overdue-`+now.UTC().Format(DateLayout)+`.xlsx"`)
	return c.Blob(http.StatusOK, XLSXContentType, buf.Bytes())
}

type sweepRequest struct {
	At *time.Time `json:"at"`
}

func (h *Handler) RunSweep(c echo.Context) error {
	var req sweepRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	at := h.svc.Now()
	if req.At != nil {
		at = *req.At
	}
	res, err := h.svc.Sweep(c.Request().Context(), at)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetOverview(c echo.Context) error {
	o, err := h.svc.Overview(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}
