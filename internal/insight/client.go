package insight

import (
	"context"
	"net/url"
	"strings"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/httpx"
)

// UTXO is an unspent output as reported by the Insight API.
type UTXO struct {
	TxID         string `json:"txid"`
	Vout         uint32 `json:"vout"`
	Satoshis     uint64 `json:"satoshis"`
	ScriptPubKey string `json:"scriptPubKey"`
	Height       int64  `json:"height,omitempty"`
}

type Client struct {
	http *httpx.Client
	base string
}

func New(httpClient *httpx.Client, baseURL string) *Client {
	return &Client{http: httpClient, base: strings.TrimRight(strings.TrimSpace(baseURL), "/")}
}

func (c *Client) BaseURL() string { return c.base }

// UTXOs lists unspent outputs for every address in one request.
func (c *Client) UTXOs(ctx context.Context, addresses []string) ([]UTXO, error) {
	if c.base == "" {
		return nil, clierr.New(clierr.CodeConfig, "insight api url is not configured")
	}
	if len(addresses) == 0 {
		return nil, clierr.New(clierr.CodeUsage, "at least one address is required")
	}
	var resp []UTXO
	form := url.Values{"addrs": {strings.Join(addresses, ",")}}
	if _, err := httpx.DoFormJSON(ctx, c.http, c.base+"/addrs/utxo", form, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Balance sums the unspent outputs of address, in duffs.
func (c *Client) Balance(ctx context.Context, address string) (uint64, error) {
	utxos, err := c.UTXOs(ctx, []string{address})
	if err != nil {
		return 0, err
	}
	return Sum(utxos), nil
}

func Sum(utxos []UTXO) uint64 {
	var total uint64
	for _, u := range utxos {
		total += u.Satoshis
	}
	return total
}
