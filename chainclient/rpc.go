package chainclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/btcgate/btc-gateway-server/model"

	"github.com/btcsuite/go-socks/socks"
)

// BlockchainSource is the contract the order pollers depend on: fetch the
// transactions currently observed for a receiving address. Implementations
// may return an empty slice indefinitely.
type BlockchainSource interface {
	FetchTransactions(ctx context.Context, address string) ([]model.Transaction, error)
}

// Config holds the connection options for the blockchain backend.
type Config struct {
	// BaseURL is the address of the blockchain query backend,
	// e.g. https://127.0.0.1:3080.
	BaseURL  string
	Username string
	Password string
	// Proxy optionally routes requests through a SOCKS5 proxy
	// (host:port).
	Proxy          string
	ProxyUser      string
	ProxyPass      string
	RequestTimeout time.Duration
}

// RPCClient queries the blockchain backend over HTTP. It is safe for
// concurrent use by multiple pollers.
type RPCClient struct {
	cfg        *Config
	httpClient *http.Client
}

func NewRPCClient(cfg *Config) (*RPCClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("chain client needs a base URL")
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var transport http.RoundTripper
	if cfg.Proxy != "" {
		proxy := &socks.Proxy{
			Addr:     cfg.Proxy,
			Username: cfg.ProxyUser,
			Password: cfg.ProxyPass,
		}
		transport = &http.Transport{Dial: proxy.Dial}
		log.Infof("Chain client using SOCKS5 proxy %s", cfg.Proxy)
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
	return &RPCClient{cfg: cfg, httpClient: client}, nil
}

type addressTransaction struct {
	Amount        int64  `json:"amount"`
	Confirmations int64  `json:"confirmations"`
	TxID          string `json:"tx_id"`
}

// FetchTransactions returns every transaction paying the given address.
func (c *RPCClient) FetchTransactions(ctx context.Context, address string) ([]model.Transaction, error) {
	url := fmt.Sprintf("%s/addresses/%s/transactions", c.cfg.BaseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("chain backend returned status %d: %s", resp.StatusCode, body)
	}

	var raw []addressTransaction
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	txs := make([]model.Transaction, 0, len(raw))
	for _, tx := range raw {
		txs = append(txs, model.Transaction{
			Amount:        tx.Amount,
			Confirmations: tx.Confirmations,
			TID:           tx.TxID,
		})
	}
	log.Tracef("Fetched %d transaction(s) for address %s", len(txs), address)
	return txs, nil
}
