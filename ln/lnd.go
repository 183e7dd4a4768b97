package ln

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lntypes"
)

type LNDoptions struct {
	// Address is the REST endpoint of the node, e.g. https://localhost:8080.
	Address     string
	MacaroonHex string
}

type LNDclient struct {
	options    LNDoptions
	httpClient *http.Client
}

type lndAddInvoiceReqJson struct {
	Value string `json:"value"`
	Memo  string `json:"memo"`
}

type lndAddInvoiceResJson struct {
	RHash          string `json:"r_hash"`
	PaymentRequest string `json:"payment_request"`
}

type lndInvoiceResJson struct {
	RPreimage      string `json:"r_preimage"`
	PaymentRequest string `json:"payment_request"`
	Value          string `json:"value"`
	Settled        bool   `json:"settled"`
	Memo           string `json:"memo"`
}

func NewLNDclient(lndOptions LNDoptions) (*LNDclient, error) {
	if lndOptions.Address == "" {
		return nil, fmt.Errorf("LND address not configured")
	}
	lndOptions.Address = strings.TrimSuffix(lndOptions.Address, "/")
	return &LNDclient{
		options:    lndOptions,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (client *LNDclient) AddInvoice(ctx context.Context, lnReq *lnrpc.Invoice) (*lnrpc.AddInvoiceResponse, error) {
	reqJson := &lndAddInvoiceReqJson{
		Value: strconv.FormatInt(lnReq.Value, 10),
		Memo:  lnReq.Memo,
	}
	resBody, err := client.doPostRequest(ctx, "/v1/invoices", reqJson)
	if err != nil {
		return nil, err
	}

	resJson := &lndAddInvoiceResJson{}
	if err := json.Unmarshal(resBody, resJson); err != nil {
		return nil, err
	}
	rHash, err := base64.StdEncoding.DecodeString(resJson.RHash)
	if err != nil {
		return nil, err
	}
	return &lnrpc.AddInvoiceResponse{
		RHash:          rHash,
		PaymentRequest: resJson.PaymentRequest,
	}, nil
}

func (client *LNDclient) LookupInvoice(ctx context.Context, paymentHash lntypes.Hash) (*lnrpc.Invoice, error) {
	resBody, err := client.doGetRequest(ctx, fmt.Sprintf("/v1/invoice/%s", hex.EncodeToString(paymentHash[:])))
	if err != nil {
		return nil, err
	}

	resJson := &lndInvoiceResJson{}
	if err := json.Unmarshal(resBody, resJson); err != nil {
		return nil, err
	}

	value, err := strconv.ParseInt(resJson.Value, 10, 64)
	if err != nil {
		value = 0
	}
	rPreimage, err := base64.StdEncoding.DecodeString(resJson.RPreimage)
	if err != nil {
		rPreimage = nil
	}
	return &lnrpc.Invoice{
		RPreimage:      rPreimage,
		RHash:          paymentHash[:],
		PaymentRequest: resJson.PaymentRequest,
		Value:          value,
		Settled:        resJson.Settled,
		Memo:           resJson.Memo,
	}, nil
}

func (client *LNDclient) doGetRequest(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.options.Address+path, nil)
	if err != nil {
		return nil, err
	}
	return client.doRequest(req)
}

func (client *LNDclient) doPostRequest(ctx context.Context, path string, reqJson interface{}) ([]byte, error) {
	reqBody, err := json.Marshal(reqJson)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.options.Address+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.doRequest(req)
}

func (client *LNDclient) doRequest(req *http.Request) ([]byte, error) {
	if client.options.MacaroonHex != "" {
		req.Header.Set("Grpc-Metadata-macaroon", client.options.MacaroonHex)
	}
	res, err := client.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("LND returned status %d: %s", res.StatusCode, string(resBody))
	}
	return resBody, nil
}
