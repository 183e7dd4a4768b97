// Package l402 holds the protocol-level pieces of the L402 handshake: the
// Authorization header format, preimage proofs and the error kinds the
// middleware maps onto HTTP statuses.
package l402

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/lightningnetwork/lnd/lntypes"
)

const (
	AUTH_SCHEME         = "L402"
	AUTHENTICATE_FORMAT = `L402 macaroon="%s", invoice="%s"`

	HEADER_PRICE     = "X-L402-Price"
	HEADER_OPERATION = "X-L402-Operation"

	METHOD_LIGHTNING = "lightning"
	METHOD_CASHU     = "cashu"

	PAYMENT_REQUIRED_MESSAGE = "payment required"
)

var (
	ErrCredentialRevoked         = errors.New("credential has been revoked")
	ErrPaymentVerification       = errors.New("payment verification failed")
	ErrRateLimitExceeded         = errors.New("rate limit exceeded")
	ErrInvoiceExpired            = errors.New("pending invoice expired")
	ErrInsufficientScope         = errors.New("insufficient scope")
	ErrPaymentBackendUnavailable = errors.New("payment backend unavailable")
)

// PaymentResult is the common shape every payment verifier reports,
// regardless of method.
type PaymentResult struct {
	Method      string `json:"method"`
	Verified    bool   `json:"verified"`
	PaymentHash string `json:"paymentHash"`
	AmountSat   int64  `json:"amountSat"`
}

// Challenge is the JSON body of a 402 response, mirroring the
// WWW-Authenticate header fields.
type Challenge struct {
	Error           string   `json:"error"`
	Macaroon        string   `json:"macaroon"`
	Invoice         string   `json:"invoice"`
	PaymentHash     string   `json:"paymentHash"`
	AmountSat       int64    `json:"amountSat"`
	ExpiresAt       int64    `json:"expiresAt"`
	Operation       string   `json:"operation,omitempty"`
	AcceptedMethods []string `json:"acceptedMethods"`
}

// SettleRequest carries the proof for a pending invoice. Exactly one of
// Preimage (lightning) or CashuToken (cashu) is expected.
type SettleRequest struct {
	PaymentHash string `json:"paymentHash" binding:"required"`
	Preimage    string `json:"preimage,omitempty"`
	CashuToken  string `json:"cashuToken,omitempty"`
}

// SettleResponse returns the now-usable macaroon after settlement.
type SettleResponse struct {
	MacaroonId  string `json:"macaroonId"`
	Macaroon    string `json:"macaroon"`
	PaymentHash string `json:"paymentHash"`
	Method      string `json:"method"`
	AmountSat   int64  `json:"amountSat"`
}

// ParseHeader splits an `Authorization: L402 <macaroon>:<proof>` header into
// its macaroon and proof halves. The proof is not interpreted here: it is a
// hex preimage for lightning and a serialized token for cashu.
func ParseHeader(authField string) (string, string, error) {
	authField = strings.TrimSpace(authField)
	if len(authField) == 0 {
		return "", "", fmt.Errorf("authorization header not present")
	}
	scheme, token, found := strings.Cut(authField, " ")
	if !found || !strings.EqualFold(scheme, AUTH_SCHEME) {
		return "", "", fmt.Errorf("%s header is not present", AUTH_SCHEME)
	}
	macaroonString, proof, found := strings.Cut(strings.TrimSpace(token), ":")
	if !found {
		return "", "", fmt.Errorf("%s token is missing the proof part", AUTH_SCHEME)
	}
	macaroonString = strings.TrimSpace(macaroonString)
	if !IsBase64(macaroonString) {
		return "", "", fmt.Errorf("%s macaroon is not base64", AUTH_SCHEME)
	}
	return macaroonString, strings.TrimSpace(proof), nil
}

// VerifyPreimage reports whether sha256(preimage) equals the expected
// payment hash, both hex encoded. Malformed input is false, never an error.
func VerifyPreimage(preimageString string, paymentHashString string) bool {
	preimage, err := lntypes.MakePreimageFromStr(preimageString)
	if err != nil {
		return false
	}
	expectedHash, err := lntypes.MakeHashFromStr(paymentHashString)
	if err != nil {
		return false
	}
	return preimage.Hash() == expectedHash
}

func IsBase64(str string) bool {
	_, err := base64.StdEncoding.DecodeString(str)
	return err == nil
}

func IsHex(str string) bool {
	_, err := hex.DecodeString(str)
	return err == nil
}
