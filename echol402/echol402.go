package echol402

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/archetech/archon-l402/l402"
	macaroonutils "github.com/archetech/archon-l402/macaroon"
	"github.com/archetech/archon-l402/middleware"
	"github.com/archetech/archon-l402/pricing"
	"github.com/archetech/archon-l402/store"
	"github.com/labstack/echo/v4"
)

const (
	L402_TYPE_FREE     = "FREE"
	L402_TYPE_PAID     = "PAID"
	L402_TYPE_UPSTREAM = "UPSTREAM"

	CONTEXT_KEY                 = "L402"
	CONTEXT_AUTHORIZED_IDENTITY = "authorizedIdentity"

	HEADER_IDENTITY = "X-L402-Identity"
)

type L402Info struct {
	Type       string
	Identity   string
	MacaroonId string
	Operation  string
}

type EchoL402 struct {
	Middleware *middleware.L402Middleware
}

func New(mw *middleware.L402Middleware) *EchoL402 {
	return &EchoL402{Middleware: mw}
}

func (e *EchoL402) Handler(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		operation, price, priced := e.Middleware.ResolveOperation(c.Request().Method, c.Request().URL.Path)
		if operation == pricing.OPERATION_UNKNOWN || !priced {
			c.Set(CONTEXT_KEY, &L402Info{Type: L402_TYPE_FREE, Operation: operation})
			return next(c)
		}

		if upstream, ok := c.Get(CONTEXT_AUTHORIZED_IDENTITY).(string); ok && upstream != "" {
			c.Set(CONTEXT_KEY, &L402Info{Type: L402_TYPE_UPSTREAM, Identity: upstream, Operation: operation})
			return next(c)
		}

		identity := c.Request().Header.Get(HEADER_IDENTITY)
		macaroonString, proof, err := l402.ParseHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return e.challenge(c, identity, operation, price)
		}

		result, err := e.Middleware.Authorize(c.Request().Context(), macaroonString, proof, identity, operation, c.RealIP())
		if err != nil {
			return respondError(c, err)
		}

		c.Set(CONTEXT_KEY, &L402Info{
			Type:       L402_TYPE_PAID,
			Identity:   result.Identity,
			MacaroonId: result.MacaroonId,
			Operation:  result.Operation,
		})
		return next(c)
	}
}

func (e *EchoL402) challenge(c echo.Context, identity string, operation string, price int64) error {
	ch, err := e.Middleware.Challenge(c.Request().Context(), identity, operation, price, c.RealIP())
	if err != nil {
		return respondError(c, err)
	}

	c.Response().Header().Set("WWW-Authenticate", fmt.Sprintf(l402.AUTHENTICATE_FORMAT, ch.Macaroon, ch.Invoice))
	c.Response().Header().Set(l402.HEADER_PRICE, fmt.Sprintf("%d", ch.AmountSat))
	c.Response().Header().Set(l402.HEADER_OPERATION, ch.Operation)
	return c.JSON(http.StatusPaymentRequired, ch)
}

func (e *EchoL402) SettleHandler(c echo.Context) error {
	req := &l402.SettleRequest{}
	if err := c.Bind(req); err != nil || req.PaymentHash == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "paymentHash is required"})
	}

	res, err := e.Middleware.Settle(c.Request().Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "no pending invoice for payment hash"})
		case errors.Is(err, l402.ErrInvoiceExpired):
			return c.JSON(http.StatusGone, map[string]string{"error": err.Error()})
		case errors.Is(err, l402.ErrPaymentBackendUnavailable):
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		case errors.Is(err, l402.ErrPaymentVerification):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, res)
}

type revokeRequest struct {
	MacaroonId string `json:"macaroonId"`
}

func (e *EchoL402) RevokeHandler(c echo.Context) error {
	req := &revokeRequest{}
	if err := c.Bind(req); err != nil || req.MacaroonId == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "macaroonId is required"})
	}

	if err := e.Middleware.Revoke(c.Request().Context(), req.MacaroonId); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown macaroon id"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"revoked": true, "macaroonId": req.MacaroonId})
}

func (e *EchoL402) StatusHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, e.Middleware.Status())
}

func (e *EchoL402) PaymentHistoryHandler(c echo.Context) error {
	records, err := e.Middleware.PaymentHistory(c.Request().Context(), c.Param("identity"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, records)
}

func (e *EchoL402) RegisterRoutes(router *echo.Echo) {
	router.POST("/l402/settle", e.SettleHandler)
	router.GET("/l402/status", e.StatusHandler)
	router.POST("/l402/admin/revoke", e.RevokeHandler)
	router.GET("/l402/admin/payments/:identity", e.PaymentHistoryHandler)
}

func respondError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, l402.ErrInsufficientScope):
		status = http.StatusForbidden
	case errors.Is(err, l402.ErrRateLimitExceeded):
		var limited *middleware.RateLimitedError
		if errors.As(err, &limited) {
			return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
				"error":   err.Error(),
				"resetAt": limited.ResetAt.Unix(),
			})
		}
		status = http.StatusTooManyRequests
	case errors.Is(err, l402.ErrPaymentBackendUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, l402.ErrCredentialRevoked),
		errors.Is(err, l402.ErrPaymentVerification),
		errors.Is(err, macaroonutils.ErrInvalidCredential):
		status = http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
