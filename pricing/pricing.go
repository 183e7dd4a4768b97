// Package pricing maps inbound routes to operation names and operation
// names to sat prices.
package pricing

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/archetech/archon-l402/logger"
	"go.uber.org/zap"
)

// OPERATION_UNKNOWN is the sentinel for routes outside the table. It is
// never priced and never an error.
const OPERATION_UNKNOWN = "unknown"

type routePattern struct {
	method    string
	segments  []string
	operation string
}

// Resolver turns (method, path) into an operation name using a static
// route table whose patterns may contain `:param` segments.
type Resolver struct {
	exact    map[string]string
	patterns []routePattern
}

// DefaultRoutes is the priced surface of the registry API.
func DefaultRoutes() map[string]string {
	return map[string]string{
		"POST:/api/v1/did":                    "did:create",
		"GET:/api/v1/did/:did":                "did:resolve",
		"PUT:/api/v1/did/:did":                "did:update",
		"DELETE:/api/v1/did/:did":             "did:deactivate",
		"GET:/api/v1/did/:did/history":        "did:history",
		"POST:/api/v1/credentials":            "credential:issue",
		"GET:/api/v1/credentials/:id":         "credential:read",
		"POST:/api/v1/credentials/:id/verify": "credential:verify",
		"POST:/api/v1/credentials/:id/revoke": "credential:revoke",
		"GET:/api/v1/registry/search":         "registry:search",
	}
}

func NewResolver(routes map[string]string) *Resolver {
	r := &Resolver{exact: make(map[string]string)}
	for key, operation := range routes {
		method, pattern, found := strings.Cut(key, ":")
		if !found {
			continue
		}
		method = strings.ToUpper(method)
		pattern = normalizePath(pattern)
		r.exact[method+":"+pattern] = operation
		if strings.Contains(pattern, ":") {
			r.patterns = append(r.patterns, routePattern{
				method:    method,
				segments:  strings.Split(pattern, "/"),
				operation: operation,
			})
		}
	}
	return r
}

// RouteToScope resolves a request route to its operation name, falling back
// to OPERATION_UNKNOWN.
func (r *Resolver) RouteToScope(method string, path string) string {
	method = strings.ToUpper(method)
	path = normalizePath(path)

	if operation, ok := r.exact[method+":"+path]; ok {
		return operation
	}

	segments := strings.Split(path, "/")
	for _, pattern := range r.patterns {
		if pattern.method != method {
			continue
		}
		if matchSegments(pattern.segments, segments) {
			return pattern.operation
		}
	}
	return OPERATION_UNKNOWN
}

func matchSegments(pattern []string, path []string) bool {
	if len(pattern) != len(path) {
		return false
	}
	for i, segment := range pattern {
		if strings.HasPrefix(segment, ":") {
			continue
		}
		if segment != path[i] {
			return false
		}
	}
	return true
}

// normalizePath strips trailing slashes but preserves the bare root.
func normalizePath(path string) string {
	if path == "/" {
		return path
	}
	return strings.TrimSuffix(path, "/")
}

// Pricing holds the per-operation sat prices plus the default applied to
// priced operations without an explicit entry.
type Pricing struct {
	Operations   map[string]int64
	DefaultPrice int64
}

// NewPricing merges, in increasing precedence, the built-in defaults,
// individual key overrides and one bulk JSON blob. Entries that fail to
// parse are logged and skipped so a bad override cannot take the gateway
// down at startup.
func NewPricing(defaultPrice int64, defaults map[string]int64, overrides map[string]string, bulkJson string) *Pricing {
	p := &Pricing{
		Operations:   make(map[string]int64),
		DefaultPrice: defaultPrice,
	}
	for operation, price := range defaults {
		p.Operations[operation] = price
	}

	for operation, value := range overrides {
		price, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || price < 0 {
			logger.Warn("skipping invalid price override",
				zap.String("operation", operation),
				zap.String("value", value))
			continue
		}
		p.Operations[operation] = price
	}

	if bulkJson != "" {
		bulk := map[string]json.Number{}
		if err := json.Unmarshal([]byte(bulkJson), &bulk); err != nil {
			logger.Warn("skipping invalid bulk price override", zap.Error(err))
		} else {
			for operation, value := range bulk {
				price, err := value.Int64()
				if err != nil || price < 0 {
					logger.Warn("skipping invalid price in bulk override",
						zap.String("operation", operation),
						zap.String("value", value.String()))
					continue
				}
				p.Operations[operation] = price
			}
		}
	}
	return p
}

// Price returns the sat price for an operation. The unknown sentinel is
// never priced.
func (p *Pricing) Price(operation string) (int64, bool) {
	if operation == OPERATION_UNKNOWN {
		return 0, false
	}
	if price, ok := p.Operations[operation]; ok {
		return price, true
	}
	return p.DefaultPrice, p.DefaultPrice > 0
}
