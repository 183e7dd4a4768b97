package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteToScopeExactMatch(t *testing.T) {
	r := NewResolver(DefaultRoutes())

	assert.Equal(t, "did:create", r.RouteToScope("POST", "/api/v1/did"))
	assert.Equal(t, "did:create", r.RouteToScope("post", "/api/v1/did/"))
	assert.Equal(t, "registry:search", r.RouteToScope("GET", "/api/v1/registry/search"))
}

func TestRouteToScopeParameterizedMatch(t *testing.T) {
	r := NewResolver(DefaultRoutes())

	assert.Equal(t, "did:resolve", r.RouteToScope("GET", "/api/v1/did/did:x:y"))
	assert.Equal(t, "did:history", r.RouteToScope("GET", "/api/v1/did/did:x:y/history"))
	assert.Equal(t, "credential:verify", r.RouteToScope("POST", "/api/v1/credentials/abc123/verify"))
}

func TestRouteToScopeUnknown(t *testing.T) {
	r := NewResolver(DefaultRoutes())

	assert.Equal(t, OPERATION_UNKNOWN, r.RouteToScope("GET", "/api/v1/something-else"))
	// Same path, unpriced method.
	assert.Equal(t, OPERATION_UNKNOWN, r.RouteToScope("PATCH", "/api/v1/did"))
	// Segment count must match.
	assert.Equal(t, OPERATION_UNKNOWN, r.RouteToScope("GET", "/api/v1/did/x/y/z"))
}

func TestNewPricingMergesSources(t *testing.T) {
	p := NewPricing(10,
		map[string]int64{"did:create": 100, "did:resolve": 5},
		map[string]string{"did:resolve": "7", "credential:issue": "not-a-number"},
		`{"registry:search": 3, "did:create": 150}`,
	)

	price, ok := p.Price("did:create")
	assert.True(t, ok)
	assert.EqualValues(t, 150, price)

	price, ok = p.Price("did:resolve")
	assert.True(t, ok)
	assert.EqualValues(t, 7, price)

	price, ok = p.Price("registry:search")
	assert.True(t, ok)
	assert.EqualValues(t, 3, price)

	// The unparsable override was skipped, so the default applies.
	price, ok = p.Price("credential:issue")
	assert.True(t, ok)
	assert.EqualValues(t, 10, price)
}

func TestPricingIgnoresInvalidBulkJson(t *testing.T) {
	p := NewPricing(10, map[string]int64{"did:create": 100}, nil, `{broken`)

	price, ok := p.Price("did:create")
	assert.True(t, ok)
	assert.EqualValues(t, 100, price)
}

func TestUnknownOperationIsNeverPriced(t *testing.T) {
	p := NewPricing(10, nil, nil, "")

	_, ok := p.Price(OPERATION_UNKNOWN)
	assert.False(t, ok)
}

func TestZeroDefaultMeansUnpriced(t *testing.T) {
	p := NewPricing(0, map[string]int64{"did:create": 100}, nil, "")

	_, ok := p.Price("did:resolve")
	assert.False(t, ok)

	price, ok := p.Price("did:create")
	assert.True(t, ok)
	assert.EqualValues(t, 100, price)
}
