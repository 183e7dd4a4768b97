package ginl402

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/appleboy/gofight/v2"
	"github.com/archetech/archon-l402/cashu"
	"github.com/archetech/archon-l402/middleware"
	"github.com/archetech/archon-l402/pricing"
	"github.com/archetech/archon-l402/store"
	"github.com/gin-gonic/gin"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

const ROOT_KEY = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeLNClient issues an invoice whose payment hash belongs to a fixed
// preimage, and reports it settled on lookup.
type fakeLNClient struct {
	preimage lntypes.Preimage
	settled  bool
	addErr   error
}

func newFakeLNClient() *fakeLNClient {
	var preimage lntypes.Preimage
	for i := range preimage {
		preimage[i] = byte(i + 7)
	}
	return &fakeLNClient{preimage: preimage, settled: true}
}

func (f *fakeLNClient) AddInvoice(ctx context.Context, lnReq *lnrpc.Invoice) (*lnrpc.AddInvoiceResponse, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	hash := f.preimage.Hash()
	return &lnrpc.AddInvoiceResponse{
		RHash:          hash[:],
		PaymentRequest: "lnbc210n1testinvoice",
	}, nil
}

func (f *fakeLNClient) LookupInvoice(ctx context.Context, paymentHash lntypes.Hash) (*lnrpc.Invoice, error) {
	return &lnrpc.Invoice{
		RHash:   paymentHash[:],
		Settled: f.settled,
		Value:   21,
	}, nil
}

type testGateway struct {
	router   *gin.Engine
	store    *store.MemoryStore
	lnClient *fakeLNClient
	mw       *middleware.L402Middleware
}

func newTestGateway(t *testing.T, configure func(mw *middleware.L402Middleware)) *testGateway {
	st := store.NewMemoryStore()
	lnClient := newFakeLNClient()

	mw := &middleware.L402Middleware{
		RootKey:  []byte(ROOT_KEY),
		Location: "archon-registry-test",
		Store:    st,
		LNClient: lnClient,
		Resolver: pricing.NewResolver(pricing.DefaultRoutes()),
		Pricing:  pricing.NewPricing(10, map[string]int64{"did:resolve": 21}, nil, ""),
	}
	if configure != nil {
		configure(mw)
	}
	mw, err := middleware.New(mw)
	assert.NoError(t, err)

	g := New(mw)
	router := gin.New()
	g.RegisterRoutes(router)
	router.NoRoute(g.Handler, func(c *gin.Context) {
		info := c.MustGet(CONTEXT_KEY).(*L402Info)
		c.JSON(http.StatusOK, gin.H{"message": "protected content", "type": info.Type})
	})

	return &testGateway{router: router, store: st, lnClient: lnClient, mw: mw}
}

func (tg *testGateway) challenge(t *testing.T, path string) (macaroon string, paymentHash string) {
	r := gofight.New()
	r.GET(path).Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
		assert.Equal(t, http.StatusPaymentRequired, res.Code)
		assert.Contains(t, res.HeaderMap.Get("WWW-Authenticate"), `L402 macaroon="`)
		assert.Contains(t, res.HeaderMap.Get("WWW-Authenticate"), `invoice="`)

		body := res.Body.String()
		macaroon = gjson.Get(body, "macaroon").String()
		paymentHash = gjson.Get(body, "paymentHash").String()
		assert.NotEmpty(t, macaroon)
		assert.NotEmpty(t, paymentHash)
		assert.Equal(t, "lnbc210n1testinvoice", gjson.Get(body, "invoice").String())
	})
	return macaroon, paymentHash
}

func (tg *testGateway) settle(t *testing.T, paymentHash string) (macaroon string, macaroonId string) {
	r := gofight.New()
	r.POST("/l402/settle").
		SetJSON(gofight.D{
			"paymentHash": paymentHash,
			"preimage":    hex.EncodeToString(tg.lnClient.preimage[:]),
		}).
		Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
			assert.Equal(t, http.StatusOK, res.Code)
			body := res.Body.String()
			macaroon = gjson.Get(body, "macaroon").String()
			macaroonId = gjson.Get(body, "macaroonId").String()
			assert.Equal(t, "lightning", gjson.Get(body, "method").String())
			assert.Equal(t, paymentHash, gjson.Get(body, "paymentHash").String())
		})
	return macaroon, macaroonId
}

func TestChallengeSettleReplayExhaust(t *testing.T) {
	tg := newTestGateway(t, nil)

	macaroon, paymentHash := tg.challenge(t, "/api/v1/did/did:x:y")
	returned, macaroonId := tg.settle(t, paymentHash)
	assert.Equal(t, macaroon, returned)

	authHeader := fmt.Sprintf("L402 %s:%s", returned, hex.EncodeToString(tg.lnClient.preimage[:]))

	gofight.New().GET("/api/v1/did/did:x:y").
		SetHeader(gofight.H{"Authorization": authHeader}).
		Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
			assert.Equal(t, http.StatusOK, res.Code)
			assert.Equal(t, "protected content", gjson.Get(res.Body.String(), "message").String())
		})

	// One use was recorded against the record.
	record, err := tg.store.GetMacaroon(context.Background(), macaroonId)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, record.CurrentUses)

	// maxUses=1 is now exhausted.
	gofight.New().GET("/api/v1/did/did:x:y").
		SetHeader(gofight.H{"Authorization": authHeader}).
		Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
			assert.Equal(t, http.StatusUnauthorized, res.Code)
		})
}

func TestChallengeBackendUnavailable(t *testing.T) {
	tg := newTestGateway(t, nil)
	tg.lnClient.addErr = fmt.Errorf("connection refused")

	r := gofight.New()
	r.GET("/api/v1/did/did:x:y").Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
		assert.Equal(t, http.StatusServiceUnavailable, res.Code)
	})
}

func TestUnpricedRoutePassesThrough(t *testing.T) {
	tg := newTestGateway(t, nil)

	r := gofight.New()
	r.GET("/api/v2/not-in-the-table").Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
		assert.Equal(t, http.StatusOK, res.Code)
		assert.Equal(t, L402_TYPE_FREE, gjson.Get(res.Body.String(), "type").String())
	})
}

func TestSettleUnknownPaymentHash(t *testing.T) {
	tg := newTestGateway(t, nil)

	r := gofight.New()
	r.POST("/l402/settle").
		SetJSON(gofight.D{"paymentHash": "ff00ff00", "preimage": "aa"}).
		Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
			assert.Equal(t, http.StatusNotFound, res.Code)
		})
}

func TestSettleWrongPreimage(t *testing.T) {
	tg := newTestGateway(t, nil)
	_, paymentHash := tg.challenge(t, "/api/v1/did/did:x:y")

	r := gofight.New()
	r.POST("/l402/settle").
		SetJSON(gofight.D{
			"paymentHash": paymentHash,
			"preimage":    hex.EncodeToString(make([]byte, 32)),
		}).
		Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
			assert.Equal(t, http.StatusBadRequest, res.Code)
		})
}

func TestSettleMissingFields(t *testing.T) {
	tg := newTestGateway(t, nil)

	r := gofight.New()
	r.POST("/l402/settle").
		SetJSON(gofight.D{"preimage": "aa"}).
		Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
			assert.Equal(t, http.StatusBadRequest, res.Code)
		})
}

func TestRevokedCredentialRejected(t *testing.T) {
	tg := newTestGateway(t, nil)

	macaroon, paymentHash := tg.challenge(t, "/api/v1/did/did:x:y")
	_, macaroonId := tg.settle(t, paymentHash)

	gofight.New().POST("/l402/admin/revoke").
		SetJSON(gofight.D{"macaroonId": macaroonId}).
		Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
			assert.Equal(t, http.StatusOK, res.Code)
			assert.True(t, gjson.Get(res.Body.String(), "revoked").Bool())
		})

	authHeader := fmt.Sprintf("L402 %s:%s", macaroon, hex.EncodeToString(tg.lnClient.preimage[:]))
	gofight.New().GET("/api/v1/did/did:x:y").
		SetHeader(gofight.H{"Authorization": authHeader}).
		Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
			assert.Equal(t, http.StatusUnauthorized, res.Code)
		})

	// Revoking an unknown id is 404; revoking again is a no-op.
	gofight.New().POST("/l402/admin/revoke").
		SetJSON(gofight.D{"macaroonId": "does-not-exist"}).
		Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
			assert.Equal(t, http.StatusNotFound, res.Code)
		})
	gofight.New().POST("/l402/admin/revoke").
		SetJSON(gofight.D{"macaroonId": macaroonId}).
		Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
			assert.Equal(t, http.StatusOK, res.Code)
		})
}

func TestInsufficientScope(t *testing.T) {
	tg := newTestGateway(t, nil)

	// Credential scoped to did:resolve used against did:create.
	macaroon, paymentHash := tg.challenge(t, "/api/v1/did/did:x:y")
	tg.settle(t, paymentHash)

	authHeader := fmt.Sprintf("L402 %s:%s", macaroon, hex.EncodeToString(tg.lnClient.preimage[:]))
	r := gofight.New()
	r.POST("/api/v1/did").
		SetHeader(gofight.H{"Authorization": authHeader}).
		Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
			assert.Equal(t, http.StatusForbidden, res.Code)
		})
}

func TestChallengeRateLimitedByIP(t *testing.T) {
	tg := newTestGateway(t, func(mw *middleware.L402Middleware) {
		mw.RateLimitMax = 2
		mw.RateLimitWindow = time.Minute
	})

	r := gofight.New()
	for i := 0; i < 2; i++ {
		r.GET("/api/v1/did/did:x:y").Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
			assert.Equal(t, http.StatusPaymentRequired, res.Code)
		})
	}
	r.GET("/api/v1/did/did:x:y").Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
		assert.Equal(t, http.StatusTooManyRequests, res.Code)
		assert.True(t, gjson.Get(res.Body.String(), "resetAt").Int() > 0)
	})
}

func TestStatusEndpoint(t *testing.T) {
	tg := newTestGateway(t, nil)

	r := gofight.New()
	r.GET("/l402/status").Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
		assert.Equal(t, http.StatusOK, res.Code)
		body := res.Body.String()
		assert.True(t, gjson.Get(body, "enabled").Bool())
		assert.True(t, gjson.Get(body, "lightning").Bool())
		assert.NotEmpty(t, gjson.Get(body, "pricing").Array())
	})
}

func TestPaymentHistoryEndpoint(t *testing.T) {
	tg := newTestGateway(t, nil)

	r := gofight.New()
	_, paymentHash := tg.challengeWithIdentity(t, "/api/v1/did/did:x:y", "did:archon:alice")
	tg.settle(t, paymentHash)

	r.GET("/l402/admin/payments/did:archon:alice").Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
		assert.Equal(t, http.StatusOK, res.Code)
		payments := gjson.Parse(res.Body.String()).Array()
		assert.Len(t, payments, 1)
		assert.Equal(t, "did:archon:alice", payments[0].Get("identity").String())
	})
}

func (tg *testGateway) challengeWithIdentity(t *testing.T, path string, identity string) (string, string) {
	var macaroon, paymentHash string
	r := gofight.New()
	r.GET(path).
		SetHeader(gofight.H{HEADER_IDENTITY: identity}).
		Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
			assert.Equal(t, http.StatusPaymentRequired, res.Code)
			body := res.Body.String()
			macaroon = gjson.Get(body, "macaroon").String()
			paymentHash = gjson.Get(body, "paymentHash").String()
		})
	return macaroon, paymentHash
}

func encodeCashuToken(t *testing.T, mint string, amounts ...int64) string {
	proofs := make([]cashu.Proof, 0, len(amounts))
	for i, amount := range amounts {
		proofs = append(proofs, cashu.Proof{
			ID:     "009a1f293253e41e",
			Amount: amount,
			Secret: fmt.Sprintf("secret-%d", i),
			C:      "02bc9097997d81afb2cc7346b5e4345a9346bd2a506eb7958598a72f0cf85163ea",
		})
	}
	raw, err := json.Marshal(&cashu.Token{
		Token: []cashu.TokenEntry{{Mint: mint, Proofs: proofs}},
		Unit:  "sat",
	})
	assert.NoError(t, err)
	return cashu.TOKEN_PREFIX + base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)
}

func TestCashuSettlementAndReplay(t *testing.T) {
	mint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"signatures":[]}`)
	}))
	defer mint.Close()

	tg := newTestGateway(t, func(mw *middleware.L402Middleware) {
		mw.CashuVerifier = cashu.NewVerifier([]string{mint.URL})
	})

	macaroon, paymentHash := tg.challenge(t, "/api/v1/did/did:x:y")
	tokenString := encodeCashuToken(t, mint.URL, 16, 8)

	gofight.New().POST("/l402/settle").
		SetJSON(gofight.D{"paymentHash": paymentHash, "cashuToken": tokenString}).
		Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
			assert.Equal(t, http.StatusOK, res.Code)
			assert.Equal(t, "cashu", gjson.Get(res.Body.String(), "method").String())
		})

	// The raw token doubles as the replay proof for ecash settlements.
	authHeader := fmt.Sprintf("L402 %s:%s", macaroon, tokenString)
	gofight.New().GET("/api/v1/did/did:x:y").
		SetHeader(gofight.H{"Authorization": authHeader}).
		Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
			assert.Equal(t, http.StatusOK, res.Code)
		})
}

func TestCashuSettlementBelowInvoiceAmount(t *testing.T) {
	contacted := false
	mint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contacted = true
		fmt.Fprint(w, `{"signatures":[]}`)
	}))
	defer mint.Close()

	tg := newTestGateway(t, func(mw *middleware.L402Middleware) {
		mw.CashuVerifier = cashu.NewVerifier([]string{mint.URL})
	})

	// did:resolve is priced at 21 sat, the token only carries 4.
	_, paymentHash := tg.challenge(t, "/api/v1/did/did:x:y")
	tokenString := encodeCashuToken(t, mint.URL, 4)

	gofight.New().POST("/l402/settle").
		SetJSON(gofight.D{"paymentHash": paymentHash, "cashuToken": tokenString}).
		Run(tg.router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
			assert.Equal(t, http.StatusBadRequest, res.Code)
		})

	// The token must not be spent on the rejection path.
	assert.False(t, contacted)
}

func TestUpstreamAuthBypassesChallenge(t *testing.T) {
	tg := newTestGateway(t, nil)

	router := gin.New()
	router.NoRoute(func(c *gin.Context) {
		c.Set(CONTEXT_AUTHORIZED_IDENTITY, "did:archon:subscriber")
	}, New(tg.mw).Handler, func(c *gin.Context) {
		info := c.MustGet(CONTEXT_KEY).(*L402Info)
		c.JSON(http.StatusOK, gin.H{"type": info.Type, "identity": info.Identity})
	})

	r := gofight.New()
	r.GET("/api/v1/did/did:x:y").Run(router, func(res gofight.HTTPResponse, req gofight.HTTPRequest) {
		assert.Equal(t, http.StatusOK, res.Code)
		assert.Equal(t, L402_TYPE_UPSTREAM, gjson.Get(res.Body.String(), "type").String())
		assert.Equal(t, "did:archon:subscriber", gjson.Get(res.Body.String(), "identity").String())
	})
}
