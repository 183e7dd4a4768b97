package ln

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/archetech/archon-l402/l402"
	"github.com/lightningnetwork/lnd/lntypes"
)

// Verifier proves a Lightning payment: the claimed preimage must hash to the
// expected payment hash and the node must report the invoice settled.
type Verifier struct {
	LNClient LNClient
}

func NewVerifier(lnClient LNClient) *Verifier {
	return &Verifier{LNClient: lnClient}
}

func (v *Verifier) Verify(ctx context.Context, preimage string, expectedHash string) (*l402.PaymentResult, error) {
	if !l402.VerifyPreimage(preimage, expectedHash) {
		return nil, fmt.Errorf("%w: preimage does not match payment hash", l402.ErrPaymentVerification)
	}

	paymentHash, err := lntypes.MakeHashFromStr(expectedHash)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid payment hash", l402.ErrPaymentVerification)
	}

	invoice, err := v.LNClient.LookupInvoice(ctx, paymentHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", l402.ErrPaymentBackendUnavailable, err.Error())
	}
	if !invoice.Settled {
		return nil, fmt.Errorf("%w: invoice is not settled", l402.ErrPaymentVerification)
	}

	// When the node reveals the preimage, cross-check it against the claim.
	if len(invoice.RPreimage) > 0 && hex.EncodeToString(invoice.RPreimage) != preimage {
		return nil, fmt.Errorf("%w: node preimage does not match claim", l402.ErrPaymentVerification)
	}

	return &l402.PaymentResult{
		Method:      l402.METHOD_LIGHTNING,
		Verified:    true,
		PaymentHash: expectedHash,
		AmountSat:   invoice.Value,
	}, nil
}
