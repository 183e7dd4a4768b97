// Package cashu verifies ecash payments by redeeming tokens at their
// issuing mint. Redemption is a state change at the mint and therefore the
// double-spend barrier; a balance inspection is never a substitute.
package cashu

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/archetech/archon-l402/l402"
)

const TOKEN_PREFIX = "cashuA"

type Proof struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Secret string `json:"secret"`
	C      string `json:"C"`
}

type TokenEntry struct {
	Mint   string  `json:"mint"`
	Proofs []Proof `json:"proofs"`
}

type Token struct {
	Token []TokenEntry `json:"token"`
	Unit  string       `json:"unit,omitempty"`
	Memo  string       `json:"memo,omitempty"`
}

type swapReqJson struct {
	Inputs []Proof `json:"inputs"`
}

// Verifier redeems tokens against an allowlist of trusted mints.
type Verifier struct {
	trustedMints []string
	httpClient   *http.Client
}

func NewVerifier(trustedMints []string) *Verifier {
	normalized := make([]string, 0, len(trustedMints))
	for _, mint := range trustedMints {
		if mint = NormalizeMintUrl(mint); mint != "" {
			normalized = append(normalized, mint)
		}
	}
	return &Verifier{
		trustedMints: normalized,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

func NormalizeMintUrl(mintUrl string) string {
	return strings.TrimSuffix(strings.TrimSpace(mintUrl), "/")
}

// DecodeToken parses a cashuA serialized token.
func DecodeToken(tokenString string) (*Token, error) {
	tokenString = strings.TrimSpace(tokenString)
	if !strings.HasPrefix(tokenString, TOKEN_PREFIX) {
		return nil, fmt.Errorf("%w: token is missing the %s prefix", l402.ErrPaymentVerification, TOKEN_PREFIX)
	}
	encoded := strings.TrimPrefix(tokenString, TOKEN_PREFIX)

	tokenBytes, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(encoded)
	if err != nil {
		// Some wallets emit standard base64 with padding.
		tokenBytes, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: token is not base64", l402.ErrPaymentVerification)
		}
	}

	token := &Token{}
	if err := json.Unmarshal(tokenBytes, token); err != nil {
		return nil, fmt.Errorf("%w: token is not valid json", l402.ErrPaymentVerification)
	}
	if len(token.Token) == 0 || len(token.Token[0].Proofs) == 0 {
		return nil, fmt.Errorf("%w: token carries no proofs", l402.ErrPaymentVerification)
	}
	return token, nil
}

// PaymentHashOf derives the synthetic payment hash used to key cashu
// settlements alongside lightning ones.
func PaymentHashOf(tokenString string) string {
	digest := sha256.Sum256([]byte(strings.TrimSpace(tokenString)))
	return hex.EncodeToString(digest[:])
}

func (v *Verifier) IsTrustedMint(mintUrl string) bool {
	mintUrl = NormalizeMintUrl(mintUrl)
	for _, trusted := range v.trustedMints {
		if trusted == mintUrl {
			return true
		}
	}
	return false
}

// Verify decodes the token, checks its mint against the allowlist, checks
// the proofs cover minAmountSat and redeems it. Redemption spends the token
// at the mint, so every rejection has to happen before the mint is
// contacted.
func (v *Verifier) Verify(ctx context.Context, tokenString string, minAmountSat int64) (*l402.PaymentResult, error) {
	token, err := DecodeToken(tokenString)
	if err != nil {
		return nil, err
	}

	var amountSat int64
	for _, entry := range token.Token {
		if !v.IsTrustedMint(entry.Mint) {
			return nil, fmt.Errorf("%w: mint %s is not trusted", l402.ErrPaymentVerification, entry.Mint)
		}
		for _, proof := range entry.Proofs {
			amountSat += proof.Amount
		}
	}
	if amountSat < minAmountSat {
		return nil, fmt.Errorf("%w: token amount %d below required amount %d",
			l402.ErrPaymentVerification, amountSat, minAmountSat)
	}

	for _, entry := range token.Token {
		if err := v.redeem(ctx, NormalizeMintUrl(entry.Mint), entry.Proofs); err != nil {
			return nil, err
		}
	}

	return &l402.PaymentResult{
		Method:      l402.METHOD_CASHU,
		Verified:    true,
		PaymentHash: PaymentHashOf(tokenString),
		AmountSat:   amountSat,
	}, nil
}

func (v *Verifier) redeem(ctx context.Context, mintUrl string, proofs []Proof) error {
	reqBody, err := json.Marshal(&swapReqJson{Inputs: proofs})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mintUrl+"/v1/swap", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", l402.ErrPaymentBackendUnavailable, err.Error())
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%w: %s", l402.ErrPaymentBackendUnavailable, err.Error())
	}
	if res.StatusCode >= 400 {
		return fmt.Errorf("%w: mint rejected redemption: %s", l402.ErrPaymentVerification, string(resBody))
	}
	return nil
}
