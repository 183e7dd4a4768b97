package macaroon

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/archetech/archon-l402/caveat"
	"gopkg.in/macaroon.v2"
)

var ErrInvalidCredential = errors.New("invalid credential")

// Token is a freshly minted macaroon: the random identifier plus the
// base64 serialized form handed to the client.
type Token struct {
	ID       string
	Macaroon string
}

// VerificationResult reports the outcome of a full macaroon check. Signature
// failure and caveat failure both surface only as Valid=false so a caller
// cannot be used as an oracle for which check rejected.
type VerificationResult struct {
	ID      string
	Caveats caveat.CaveatSet
	Valid   bool
}

// Create validates the caveat set and mints a macaroon bound to it. The
// identifier is 128 random bits rendered as hex, opaque to the caveats.
func Create(rootKey []byte, location string, set caveat.CaveatSet) (*Token, error) {
	if err := caveat.Validate(set); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredential, err.Error())
	}

	id, err := generateTokenId()
	if err != nil {
		return nil, err
	}

	mac, err := macaroon.New(
		rootKey,
		[]byte(id),
		location,
		macaroon.LatestVersion,
	)
	if err != nil {
		return nil, err
	}

	if err := caveat.AddFirstPartyCaveats(mac, caveat.ToConditions(set)); err != nil {
		return nil, err
	}

	macBytes, err := mac.MarshalBinary()
	if err != nil {
		return nil, err
	}

	return &Token{
		ID:       id,
		Macaroon: base64.StdEncoding.EncodeToString(macBytes),
	}, nil
}

// Verify re-derives the HMAC chain from rootKey and additionally requires
// every embedded caveat to hold against ctx.
func Verify(rootKey []byte, macaroonString string, ctx *caveat.Context) (*VerificationResult, error) {
	mac, err := GetMacaroonFromString(macaroonString)
	if err != nil {
		return nil, err
	}

	result := &VerificationResult{
		ID:      string(mac.Id()),
		Caveats: caveatSetOf(mac),
	}

	conditions, err := mac.VerifySignature(rootKey, nil)
	if err != nil {
		return result, nil
	}

	for _, condition := range conditions {
		decoded, err := caveat.DecodeCaveat(condition)
		if err != nil {
			return result, nil
		}
		if !caveat.IsSatisfied(decoded, ctx) {
			return result, nil
		}
	}

	result.Valid = true
	return result, nil
}

// ExtractCaveats deserializes without checking the signature. The output is
// untrusted until Verify succeeds.
func ExtractCaveats(macaroonString string) (caveat.CaveatSet, error) {
	mac, err := GetMacaroonFromString(macaroonString)
	if err != nil {
		return caveat.CaveatSet{}, err
	}
	return caveatSetOf(mac), nil
}

// GetId returns the embedded identifier without running the signature or
// caveat checks, for record lookups ahead of full verification.
func GetId(macaroonString string) (string, error) {
	mac, err := GetMacaroonFromString(macaroonString)
	if err != nil {
		return "", err
	}
	return string(mac.Id()), nil
}

func GetMacaroonFromString(macaroonString string) (*macaroon.Macaroon, error) {
	if len(macaroonString) == 0 {
		return nil, fmt.Errorf("%w: empty macaroon string", ErrInvalidCredential)
	}
	macBytes, err := base64.StdEncoding.DecodeString(macaroonString)
	if err != nil {
		return nil, fmt.Errorf("%w: macaroon is not base64", ErrInvalidCredential)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredential, err.Error())
	}
	return mac, nil
}

func caveatSetOf(mac *macaroon.Macaroon) caveat.CaveatSet {
	caveats := []caveat.Caveat{}
	for _, c := range mac.Caveats() {
		decoded, err := caveat.DecodeCaveat(string(c.Id))
		if err != nil {
			continue
		}
		caveats = append(caveats, decoded)
	}
	return caveat.FromConditions(caveats)
}

func generateTokenId() (string, error) {
	var tokenId [16]byte
	if _, err := rand.Read(tokenId[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(tokenId[:]), nil
}
