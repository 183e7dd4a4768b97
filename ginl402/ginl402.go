package ginl402

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/archetech/archon-l402/l402"
	macaroonutils "github.com/archetech/archon-l402/macaroon"
	"github.com/archetech/archon-l402/middleware"
	"github.com/archetech/archon-l402/pricing"
	"github.com/archetech/archon-l402/store"
	"github.com/gin-gonic/gin"
)

const (
	L402_TYPE_FREE     = "FREE"
	L402_TYPE_PAID     = "PAID"
	L402_TYPE_UPSTREAM = "UPSTREAM"

	// CONTEXT_KEY is where the middleware leaves its verdict for handlers.
	CONTEXT_KEY = "L402"
	// CONTEXT_AUTHORIZED_IDENTITY set by an upstream auth layer makes the
	// middleware forward without challenging.
	CONTEXT_AUTHORIZED_IDENTITY = "authorizedIdentity"

	HEADER_IDENTITY = "X-L402-Identity"
)

type L402Info struct {
	Type       string
	Identity   string
	MacaroonId string
	Operation  string
}

type GinL402 struct {
	Middleware *middleware.L402Middleware
}

func New(mw *middleware.L402Middleware) *GinL402 {
	return &GinL402{Middleware: mw}
}

// Handler is the toll booth in front of every protected route.
func (g *GinL402) Handler(c *gin.Context) {
	operation, price, priced := g.Middleware.ResolveOperation(c.Request.Method, c.Request.URL.Path)
	if operation == pricing.OPERATION_UNKNOWN || !priced {
		c.Set(CONTEXT_KEY, &L402Info{Type: L402_TYPE_FREE, Operation: operation})
		c.Next()
		return
	}

	// An upstream auth layer (e.g. subscription auth) already admitted
	// this request; do not challenge it again.
	if upstream := c.GetString(CONTEXT_AUTHORIZED_IDENTITY); upstream != "" {
		c.Set(CONTEXT_KEY, &L402Info{Type: L402_TYPE_UPSTREAM, Identity: upstream, Operation: operation})
		c.Next()
		return
	}

	identity := c.GetHeader(HEADER_IDENTITY)
	macaroonString, proof, err := l402.ParseHeader(c.GetHeader("Authorization"))
	if err != nil {
		g.challenge(c, identity, operation, price)
		return
	}

	result, err := g.Middleware.Authorize(c.Request.Context(), macaroonString, proof, identity, operation, c.ClientIP())
	if err != nil {
		respondError(c, err)
		return
	}

	c.Set(CONTEXT_KEY, &L402Info{
		Type:       L402_TYPE_PAID,
		Identity:   result.Identity,
		MacaroonId: result.MacaroonId,
		Operation:  result.Operation,
	})
	c.Next()
}

func (g *GinL402) challenge(c *gin.Context, identity string, operation string, price int64) {
	ch, err := g.Middleware.Challenge(c.Request.Context(), identity, operation, price, c.ClientIP())
	if err != nil {
		respondError(c, err)
		return
	}

	c.Writer.Header().Set("WWW-Authenticate", fmt.Sprintf(l402.AUTHENTICATE_FORMAT, ch.Macaroon, ch.Invoice))
	c.Writer.Header().Set(l402.HEADER_PRICE, fmt.Sprintf("%d", ch.AmountSat))
	c.Writer.Header().Set(l402.HEADER_OPERATION, ch.Operation)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, ch)
}

// SettleHandler completes a pending challenge with a payment proof.
func (g *GinL402) SettleHandler(c *gin.Context) {
	req := &l402.SettleRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "paymentHash is required"})
		return
	}

	res, err := g.Middleware.Settle(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no pending invoice for payment hash"})
		case errors.Is(err, l402.ErrInvoiceExpired):
			c.JSON(http.StatusGone, gin.H{"error": err.Error()})
		case errors.Is(err, l402.ErrPaymentBackendUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case errors.Is(err, l402.ErrPaymentVerification):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, res)
}

type revokeRequest struct {
	MacaroonId string `json:"macaroonId" binding:"required"`
}

// RevokeHandler permanently invalidates a credential by id.
func (g *GinL402) RevokeHandler(c *gin.Context) {
	req := &revokeRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "macaroonId is required"})
		return
	}

	if err := g.Middleware.Revoke(c.Request.Context(), req.MacaroonId); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown macaroon id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true, "macaroonId": req.MacaroonId})
}

func (g *GinL402) StatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, g.Middleware.Status())
}

func (g *GinL402) PaymentHistoryHandler(c *gin.Context) {
	records, err := g.Middleware.PaymentHistory(c.Request.Context(), c.Param("identity"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, records)
}

// RegisterRoutes mounts the protocol's own endpoints. They sit outside the
// priced surface and are never challenged.
func (g *GinL402) RegisterRoutes(router gin.IRouter) {
	router.POST("/l402/settle", g.SettleHandler)
	router.GET("/l402/status", g.StatusHandler)
	router.POST("/l402/admin/revoke", g.RevokeHandler)
	router.GET("/l402/admin/payments/:identity", g.PaymentHistoryHandler)
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, l402.ErrInsufficientScope):
		status = http.StatusForbidden
	case errors.Is(err, l402.ErrRateLimitExceeded):
		var limited *middleware.RateLimitedError
		if errors.As(err, &limited) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   err.Error(),
				"resetAt": limited.ResetAt.Unix(),
			})
			return
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
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
