package caveat

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/macaroon.v2"
)

const (
	CONDITION_IDENTITY     = "identity"
	CONDITION_SCOPE        = "scope"
	CONDITION_EXPIRY       = "expiry"
	CONDITION_MAX_USES     = "maxUses"
	CONDITION_PAYMENT_HASH = "paymentHash"
)

var ErrMalformedCaveat = errors.New("caveat does not have the right format")

type Caveat struct {
	Condition string
	Value     string
}

func NewCaveat(condition string, value string) Caveat {
	return Caveat{Condition: condition, Value: value}
}

// CaveatSet is the decoded view of the restrictions a macaroon carries.
// A zero field means the caveat is absent; Scope distinguishes absent (nil)
// from present-but-empty, which Validate rejects.
type CaveatSet struct {
	Identity    string
	Scope       []string
	Expiry      int64
	MaxUses     int64
	PaymentHash string
}

// Context carries the live request facts a caveat is checked against.
type Context struct {
	Identity    string
	Scope       string
	Now         time.Time
	CurrentUses int64
	PaymentHash string
}

func EncodeCaveat(caveat Caveat) string {
	return fmt.Sprintf("%s = %s", caveat.Condition, caveat.Value)
}

func DecodeCaveat(caveatString string) (Caveat, error) {
	splitted := strings.SplitN(caveatString, "=", 2)
	if len(splitted) != 2 {
		return Caveat{}, fmt.Errorf("%w: %s", ErrMalformedCaveat, caveatString)
	}
	return Caveat{
		Condition: strings.TrimSpace(splitted[0]),
		Value:     strings.TrimSpace(splitted[1]),
	}, nil
}

// Validate rejects caveat sets that carry a present-but-degenerate field.
func Validate(set CaveatSet) error {
	if set.Expiry < 0 {
		return fmt.Errorf("%w: expiry must be positive", ErrMalformedCaveat)
	}
	if set.MaxUses < 0 {
		return fmt.Errorf("%w: maxUses must be positive", ErrMalformedCaveat)
	}
	if set.Scope != nil && len(set.Scope) == 0 {
		return fmt.Errorf("%w: scope must not be empty", ErrMalformedCaveat)
	}
	return nil
}

// ToConditions renders a caveat set as ordered conditions, omitting absent
// fields.
func ToConditions(set CaveatSet) []Caveat {
	caveats := []Caveat{}
	if set.Identity != "" {
		caveats = append(caveats, NewCaveat(CONDITION_IDENTITY, set.Identity))
	}
	if len(set.Scope) > 0 {
		caveats = append(caveats, NewCaveat(CONDITION_SCOPE, strings.Join(set.Scope, ",")))
	}
	if set.Expiry > 0 {
		caveats = append(caveats, NewCaveat(CONDITION_EXPIRY, strconv.FormatInt(set.Expiry, 10)))
	}
	if set.MaxUses > 0 {
		caveats = append(caveats, NewCaveat(CONDITION_MAX_USES, strconv.FormatInt(set.MaxUses, 10)))
	}
	if set.PaymentHash != "" {
		caveats = append(caveats, NewCaveat(CONDITION_PAYMENT_HASH, set.PaymentHash))
	}
	return caveats
}

// FromConditions rebuilds a caveat set from decoded conditions. Unknown
// conditions are skipped so newer issuers stay compatible, and numeric
// conditions that fail to parse are dropped rather than rejected.
func FromConditions(caveats []Caveat) CaveatSet {
	set := CaveatSet{}
	for _, c := range caveats {
		switch c.Condition {
		case CONDITION_IDENTITY:
			set.Identity = c.Value
		case CONDITION_SCOPE:
			scope := []string{}
			for _, s := range strings.Split(c.Value, ",") {
				if s = strings.TrimSpace(s); s != "" {
					scope = append(scope, s)
				}
			}
			set.Scope = scope
		case CONDITION_EXPIRY:
			if expiry, err := strconv.ParseInt(c.Value, 10, 64); err == nil {
				set.Expiry = expiry
			}
		case CONDITION_MAX_USES:
			if maxUses, err := strconv.ParseInt(c.Value, 10, 64); err == nil {
				set.MaxUses = maxUses
			}
		case CONDITION_PAYMENT_HASH:
			set.PaymentHash = c.Value
		}
	}
	return set
}

// IsSatisfied reports whether one caveat holds against the verification
// context. Conditions this package does not recognize never satisfy.
func IsSatisfied(c Caveat, ctx *Context) bool {
	switch c.Condition {
	case CONDITION_IDENTITY:
		return c.Value == ctx.Identity
	case CONDITION_SCOPE:
		for _, allowed := range strings.Split(c.Value, ",") {
			if strings.TrimSpace(allowed) == ctx.Scope {
				return true
			}
		}
		return false
	case CONDITION_EXPIRY:
		expiry, err := strconv.ParseInt(c.Value, 10, 64)
		if err != nil {
			return false
		}
		return ctx.Now.Unix() < expiry
	case CONDITION_MAX_USES:
		maxUses, err := strconv.ParseInt(c.Value, 10, 64)
		if err != nil {
			return false
		}
		return ctx.CurrentUses < maxUses
	case CONDITION_PAYMENT_HASH:
		// Equal length up front so the comparison itself stays
		// constant time.
		if len(c.Value) != len(ctx.PaymentHash) {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(c.Value), []byte(ctx.PaymentHash)) == 1
	default:
		return false
	}
}

func AddFirstPartyCaveats(mac *macaroon.Macaroon, caveats []Caveat) error {
	for _, c := range caveats {
		rawCaveat := []byte(EncodeCaveat(c))
		if err := mac.AddFirstPartyCaveat(rawCaveat); err != nil {
			return err
		}
	}
	return nil
}
