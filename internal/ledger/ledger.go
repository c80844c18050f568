package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/parlakisik/x402-trust/internal/httpclient"
	"github.com/parlakisik/x402-trust/internal/model"
)

// ErrNotFound means the ledger has no finalized transfer for the signature.
var ErrNotFound = errors.New("transfer not found")

// Ledger is the consumed capability that reports finalized transfers. The
// engine only reads receipts; it never moves funds itself.
type Ledger interface {
	LookupTransfer(ctx context.Context, signatureRef string) (*model.TransferReceipt, error)
}

// HTTPLedger resolves receipts from a ledger gateway over HTTP.
type HTTPLedger struct {
	client  *httpclient.Client
	baseURL string
}

func NewHTTPLedger(baseURL string, timeout time.Duration) *HTTPLedger {
	return &HTTPLedger{
		client:  httpclient.New("ledger", timeout),
		baseURL: baseURL,
	}
}

func (l *HTTPLedger) LookupTransfer(ctx context.Context, signatureRef string) (*model.TransferReceipt, error) {
	var receipt model.TransferReceipt
	lookup := fmt.Sprintf("%s/v1/transfers/%s", l.baseURL, url.PathEscape(signatureRef))
	if err := l.client.GetJSON(ctx, lookup, nil, &receipt); err != nil {
		var httpErr *httpclient.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == 404 {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup transfer: %w", err)
	}
	if receipt.SignatureRef == "" {
		receipt.SignatureRef = signatureRef
	}
	return &receipt, nil
}
