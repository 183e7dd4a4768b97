package main

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"

	"github.com/archetech/archon-l402/cashu"
	"github.com/archetech/archon-l402/config"
	"github.com/archetech/archon-l402/ginl402"
	"github.com/archetech/archon-l402/ln"
	"github.com/archetech/archon-l402/logger"
	"github.com/archetech/archon-l402/middleware"
	"github.com/archetech/archon-l402/pricing"
	"github.com/archetech/archon-l402/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	logger.InitLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	var st store.Store
	if cfg.RedisUrl != "" {
		redisStore, err := store.NewRedisStore(cfg.RedisUrl)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		st = redisStore
		logger.Info("using redis store")
	} else {
		st = store.NewMemoryStore()
		logger.Info("using in-memory store, state will not survive restarts")
	}

	lnClient, err := ln.InitLnClient(&ln.LNClientConfig{
		LNClientType: cfg.LNClientType,
		LNDConfig: ln.LNDoptions{
			Address:     cfg.LNDAddress,
			MacaroonHex: cfg.LNDMacaroonHex,
		},
		LNURLConfig: ln.LNURLoptions{
			Address: cfg.LNURLAddress,
		},
	})
	if err != nil {
		logger.Fatal("failed to initialize LN client", zap.Error(err))
	}

	var cashuVerifier *cashu.Verifier
	if len(cfg.CashuTrustedMints) > 0 {
		cashuVerifier = cashu.NewVerifier(cfg.CashuTrustedMints)
		logger.Info("cashu settlement enabled", zap.Strings("trustedMints", cfg.CashuTrustedMints))
	}

	mw, err := middleware.New(&middleware.L402Middleware{
		RootKey:         cfg.RootKey,
		Location:        cfg.Location,
		Store:           st,
		LNClient:        lnClient,
		CashuVerifier:   cashuVerifier,
		Resolver:        pricing.NewResolver(pricing.DefaultRoutes()),
		Pricing:         pricing.NewPricing(cfg.DefaultPriceSat, nil, cfg.PriceOverrides, cfg.PriceBulkJson),
		DefaultScopes:   cfg.DefaultScopes,
		DefaultMaxUses:  cfg.DefaultMaxUses,
		DefaultExpiry:   cfg.DefaultExpiry,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
	})
	if err != nil {
		logger.Fatal("failed to build L402 middleware", zap.Error(err))
	}

	g := ginl402.New(mw)

	router := gin.Default()
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	g.RegisterRoutes(router)

	// Everything else runs through the toll booth and on to the registry.
	router.NoRoute(g.Handler, upstreamHandler())

	logger.Info("starting L402 gateway", zap.String("addr", cfg.ListenAddr))
	if err := router.Run(cfg.ListenAddr); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

// upstreamHandler forwards authorized requests to the registry API when
// REGISTRY_UPSTREAM is set, and serves a stub response otherwise.
func upstreamHandler() gin.HandlerFunc {
	upstream := os.Getenv("REGISTRY_UPSTREAM")
	if upstream == "" {
		return func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "request authorized"})
		}
	}

	target, err := url.Parse(upstream)
	if err != nil {
		logger.Fatal("invalid REGISTRY_UPSTREAM", zap.Error(err))
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	return func(c *gin.Context) {
		proxy.ServeHTTP(c.Writer, c.Request)
	}
}
