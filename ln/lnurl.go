package ln

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lntypes"
)

type LNURLoptions struct {
	// Address is a lightning address, e.g. registry@getalby.com.
	Address string
}

type LNURLWrapper struct {
	options LNURLoptions
}

type LnAddressUrlResJson struct {
	Callback       string `json:"callback"`
	MaxSendable    uint64 `json:"maxSendable"`
	MinSendable    uint64 `json:"minSendable"`
	Metadata       string `json:"metadata"`
	CommentAllowed uint   `json:"commentAllowed"`
	Tag            string `json:"tag"`
}

type CallbackUrlResJson struct {
	PR string `json:"pr"`
}

func NewLNURLClient(lnurlOptions LNURLoptions) (*LNURLWrapper, error) {
	if _, _, err := ParseLnAddress(lnurlOptions.Address); err != nil {
		return nil, err
	}
	return &LNURLWrapper{options: lnurlOptions}, nil
}

func ParseLnAddress(address string) (string, string, error) {
	address = strings.TrimSpace(address)
	addressSplit := strings.Split(address, "@")
	if len(addressSplit) != 2 {
		return "", "", fmt.Errorf("Invalid lightning address")
	}
	return addressSplit[0], addressSplit[1], nil
}

func (wrapper *LNURLWrapper) AddInvoice(ctx context.Context, lnInvoice *lnrpc.Invoice) (*lnrpc.AddInvoiceResponse, error) {
	username, domain, err := ParseLnAddress(wrapper.options.Address)
	if err != nil {
		return nil, err
	}
	lnAddressUrl := fmt.Sprintf("https://%s/.well-known/lnurlp/%s", domain, username)
	lnAddressUrlResBody, err := DoGetRequest(ctx, lnAddressUrl)
	if err != nil {
		return nil, err
	}
	lnAddressUrlResJson := &LnAddressUrlResJson{}
	if err := json.Unmarshal(lnAddressUrlResBody, lnAddressUrlResJson); err != nil {
		return nil, err
	}

	callbackUrl := fmt.Sprintf("%s?amount=%d", lnAddressUrlResJson.Callback, 1000*lnInvoice.Value)
	callbackUrlResBody, err := DoGetRequest(ctx, callbackUrl)
	if err != nil {
		return nil, err
	}
	callbackUrlResJson := &CallbackUrlResJson{}
	if err := json.Unmarshal(callbackUrlResBody, callbackUrlResJson); err != nil {
		return nil, err
	}

	invoice := callbackUrlResJson.PR
	decoded, err := decodepay.Decodepay(invoice)
	if err != nil {
		return nil, err
	}
	paymentHash, err := lntypes.MakeHashFromStr(decoded.PaymentHash)
	if err != nil {
		return nil, err
	}
	return &lnrpc.AddInvoiceResponse{
		RHash:          paymentHash[:],
		PaymentRequest: invoice,
	}, nil
}

// LookupInvoice is not available over LNURL: a lightning address gives no
// view of the receiving wallet's invoice state.
func (wrapper *LNURLWrapper) LookupInvoice(ctx context.Context, paymentHash lntypes.Hash) (*lnrpc.Invoice, error) {
	return nil, fmt.Errorf("LNURL client cannot look up invoice state")
}

func DoGetRequest(ctx context.Context, Url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Url, nil)
	if err != nil {
		return nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return []byte{}, err
	}
	defer res.Body.Close()

	return io.ReadAll(res.Body)
}
