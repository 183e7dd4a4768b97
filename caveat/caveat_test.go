package caveat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeCaveat(t *testing.T) {
	c := NewCaveat(CONDITION_IDENTITY, "did:archon:alice")

	encoded := EncodeCaveat(c)
	assert.Equal(t, "identity = did:archon:alice", encoded)

	decoded, err := DecodeCaveat(encoded)
	assert.NoError(t, err)
	assert.Equal(t, c, decoded)
}

func TestDecodeCaveatWithoutSeparator(t *testing.T) {
	_, err := DecodeCaveat("not a caveat")
	assert.ErrorIs(t, err, ErrMalformedCaveat)
}

func TestDecodeCaveatValueContainingSeparator(t *testing.T) {
	decoded, err := DecodeCaveat("identity = did:key:z6Mk=abc")
	assert.NoError(t, err)
	assert.Equal(t, "did:key:z6Mk=abc", decoded.Value)
}

func TestConditionsRoundTrip(t *testing.T) {
	set := CaveatSet{
		Identity:    "did:archon:alice",
		Scope:       []string{"did:read", "did:create"},
		Expiry:      time.Now().Add(time.Hour).Unix(),
		MaxUses:     3,
		PaymentHash: "aa11bb22",
	}

	got := FromConditions(ToConditions(set))
	assert.Equal(t, set, got)
}

func TestFromConditionsSkipsUnknownAndUnparsable(t *testing.T) {
	set := FromConditions([]Caveat{
		NewCaveat("futureCondition", "whatever"),
		NewCaveat(CONDITION_EXPIRY, "not-a-number"),
		NewCaveat(CONDITION_IDENTITY, "did:archon:bob"),
	})

	assert.Equal(t, "did:archon:bob", set.Identity)
	assert.Zero(t, set.Expiry)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(CaveatSet{}))
	assert.NoError(t, Validate(CaveatSet{Expiry: 100, MaxUses: 1, Scope: []string{"did:read"}}))

	assert.Error(t, Validate(CaveatSet{Expiry: -1}))
	assert.Error(t, Validate(CaveatSet{MaxUses: -1}))
	assert.Error(t, Validate(CaveatSet{Scope: []string{}}))
}

func TestIsSatisfiedIdentity(t *testing.T) {
	c := NewCaveat(CONDITION_IDENTITY, "did:archon:alice")

	assert.True(t, IsSatisfied(c, &Context{Identity: "did:archon:alice"}))
	assert.False(t, IsSatisfied(c, &Context{Identity: "did:archon:mallory"}))
}

func TestIsSatisfiedScope(t *testing.T) {
	c := NewCaveat(CONDITION_SCOPE, "did:read, did:create")

	assert.True(t, IsSatisfied(c, &Context{Scope: "did:read"}))
	assert.True(t, IsSatisfied(c, &Context{Scope: "did:create"}))
	assert.False(t, IsSatisfied(c, &Context{Scope: "did:revoke"}))
}

func TestIsSatisfiedExpiry(t *testing.T) {
	now := time.Now()

	expired := NewCaveat(CONDITION_EXPIRY, "1")
	assert.False(t, IsSatisfied(expired, &Context{Now: now}))

	future := ToConditions(CaveatSet{Expiry: now.Add(time.Hour).Unix()})[0]
	assert.True(t, IsSatisfied(future, &Context{Now: now}))
}

func TestIsSatisfiedMaxUses(t *testing.T) {
	c := NewCaveat(CONDITION_MAX_USES, "3")

	assert.True(t, IsSatisfied(c, &Context{CurrentUses: 2}))
	assert.False(t, IsSatisfied(c, &Context{CurrentUses: 3}))
	assert.False(t, IsSatisfied(c, &Context{CurrentUses: 4}))
}

func TestIsSatisfiedPaymentHash(t *testing.T) {
	c := NewCaveat(CONDITION_PAYMENT_HASH, "aabbccdd")

	assert.True(t, IsSatisfied(c, &Context{PaymentHash: "aabbccdd"}))
	assert.False(t, IsSatisfied(c, &Context{PaymentHash: "aabbccde"}))
	assert.False(t, IsSatisfied(c, &Context{PaymentHash: "aabbcc"}))
}

func TestIsSatisfiedUnknownConditionFailsClosed(t *testing.T) {
	c := NewCaveat("futureCondition", "whatever")
	assert.False(t, IsSatisfied(c, &Context{}))
}
