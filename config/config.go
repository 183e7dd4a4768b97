package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const PRICE_OVERRIDE_PREFIX = "L402_PRICE_"

// Config is the full configuration surface of the gateway, loaded from the
// environment (with .env support for development).
type Config struct {
	RootKey  []byte
	Location string

	LNClientType   string
	LNDAddress     string
	LNDMacaroonHex string
	LNURLAddress   string

	CashuTrustedMints []string

	DefaultPriceSat int64
	DefaultExpiry   time.Duration
	DefaultScopes   []string
	DefaultMaxUses  int64

	RateLimitMax    int64
	RateLimitWindow time.Duration

	RedisUrl string

	PriceOverrides map[string]string
	PriceBulkJson  string

	ListenAddr string
}

// Load reads the environment into a Config. A missing .env file is fine;
// a missing root key is not.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	rootKey := os.Getenv("ROOT_KEY")
	if rootKey == "" {
		return nil, fmt.Errorf("ROOT_KEY environment variable is required")
	}

	cfg := &Config{
		RootKey:         []byte(rootKey),
		Location:        getEnv("L402_LOCATION", "archon-registry"),
		LNClientType:    getEnv("LN_CLIENT_TYPE", "LND"),
		LNDAddress:      os.Getenv("LND_ADDRESS"),
		LNDMacaroonHex:  os.Getenv("MACAROON_HEX"),
		LNURLAddress:    os.Getenv("LNURL_ADDRESS"),
		DefaultPriceSat: getEnvInt("L402_DEFAULT_PRICE", 10),
		DefaultExpiry:   time.Duration(getEnvInt("L402_DEFAULT_EXPIRY_SECONDS", 3600)) * time.Second,
		DefaultMaxUses:  getEnvInt("L402_DEFAULT_MAX_USES", 1),
		RateLimitMax:    getEnvInt("L402_RATE_LIMIT_MAX", 60),
		RateLimitWindow: time.Duration(getEnvInt("L402_RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		RedisUrl:        os.Getenv("REDIS_URL"),
		PriceBulkJson:   os.Getenv("L402_PRICES"),
		ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
	}

	if mints := os.Getenv("CASHU_TRUSTED_MINTS"); mints != "" {
		for _, mint := range strings.Split(mints, ",") {
			if mint = strings.TrimSpace(mint); mint != "" {
				cfg.CashuTrustedMints = append(cfg.CashuTrustedMints, mint)
			}
		}
	}

	if scopes := os.Getenv("L402_DEFAULT_SCOPES"); scopes != "" {
		for _, scope := range strings.Split(scopes, ",") {
			if scope = strings.TrimSpace(scope); scope != "" {
				cfg.DefaultScopes = append(cfg.DefaultScopes, scope)
			}
		}
	}

	cfg.PriceOverrides = priceOverridesFromEnviron(os.Environ())
	return cfg, nil
}

// priceOverridesFromEnviron collects L402_PRICE_<OPERATION> entries, where
// the operation name is lowercased and underscores become colons, e.g.
// L402_PRICE_DID_CREATE=100 prices the did:create operation.
func priceOverridesFromEnviron(environ []string) map[string]string {
	overrides := map[string]string{}
	for _, entry := range environ {
		key, value, found := strings.Cut(entry, "=")
		if !found || !strings.HasPrefix(key, PRICE_OVERRIDE_PREFIX) {
			continue
		}
		operation := strings.ToLower(strings.TrimPrefix(key, PRICE_OVERRIDE_PREFIX))
		operation = strings.ReplaceAll(operation, "_", ":")
		if operation != "" {
			overrides[operation] = value
		}
	}
	return overrides
}

func getEnv(key string, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
