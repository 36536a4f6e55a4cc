package walletclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AddressProvider derives receiving addresses for gateways. The derivation
// itself (keychain cryptography) lives behind this contract; the gateway
// core only needs the next address for a keychain index and whether the
// provider charges fees on top of the order amount.
type AddressProvider interface {
	NewAddress(ctx context.Context, gatewayHashedID string, keychainID uint64) (string, error)
	TakesFees() bool
}

// Config holds the connection options for the address derivation backend.
type Config struct {
	// BaseURL is the address of the derivation backend,
	// e.g. https://127.0.0.1:3090.
	BaseURL        string
	Username       string
	Password       string
	TakesFees      bool
	RequestTimeout time.Duration
}

// RPCClient requests address derivation from the wallet backend over HTTP.
type RPCClient struct {
	cfg        *Config
	httpClient *http.Client
}

func NewRPCClient(cfg *Config) (*RPCClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("wallet client needs a base URL")
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RPCClient{cfg: cfg, httpClient: &http.Client{Timeout: timeout}}, nil
}

type newAddressRequest struct {
	Gateway    string `json:"gateway"`
	KeychainID uint64 `json:"keychain_id"`
}

type newAddressResponse struct {
	Address string `json:"address"`
}

// NewAddress derives the receiving address for the given keychain index of a
// gateway's key material.
func (c *RPCClient) NewAddress(ctx context.Context, gatewayHashedID string, keychainID uint64) (string, error) {
	payload, err := json.Marshal(&newAddressRequest{Gateway: gatewayHashedID, KeychainID: keychainID})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/addresses", c.cfg.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("wallet backend returned status %d: %s", resp.StatusCode, body)
	}

	var res newAddressResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	if res.Address == "" {
		return "", fmt.Errorf("wallet backend returned an empty address for keychain id %d", keychainID)
	}
	log.Debugf("Derived address %s for gateway %s (keychain id %d)", res.Address, gatewayHashedID, keychainID)
	return res.Address, nil
}

// TakesFees reports whether the provider collects fees on received payments.
func (c *RPCClient) TakesFees() bool {
	return c.cfg.TakesFees
}
