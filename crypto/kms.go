package crypto

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"

	"confio/core/txn"
)

// KMSConfig captures the parameters required to establish an mTLS session with
// the remote signing service.
type KMSConfig struct {
	BaseURL    string
	KeyLabel   string
	Address    string
	CACertPath string
	ClientCert string
	ClientKey  string
	Timeout    time.Duration
	SignPath   string
}

// KMSSigner signs sponsor transactions through a remote key service over mTLS.
// The service never returns key material; signatures are verified locally
// against the configured sponsor address before use.
type KMSSigner struct {
	keyLabel   string
	address    types.Address
	httpClient *http.Client
	baseURL    string
	signPath   string
}

// NewKMSSigner builds a KMS signer using the supplied configuration.
func NewKMSSigner(cfg KMSConfig) (*KMSSigner, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("kms: base url required")
	}
	if strings.TrimSpace(cfg.KeyLabel) == "" {
		return nil, fmt.Errorf("kms: key label required")
	}
	addr, err := ParseAddress(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("kms: %w", err)
	}
	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return newKMSSigner(cfg, addr, &http.Transport{TLSClientConfig: tlsConfig}), nil
}

func newKMSSigner(cfg KMSConfig, addr types.Address, transport http.RoundTripper) *KMSSigner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	signPath := strings.TrimSpace(cfg.SignPath)
	if signPath == "" {
		signPath = "/v1/sign"
	}
	return &KMSSigner{
		keyLabel: strings.TrimSpace(cfg.KeyLabel),
		address:  addr,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		signPath: signPath,
	}
}

func buildTLSConfig(cfg KMSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("kms: load client certificate: %w", err)
	}
	rootPool, err := loadCACert(cfg.CACertPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      rootPool,
	}, nil
}

func loadCACert(path string) (*x509.CertPool, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("kms: ca certificate required")
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kms: read ca certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("kms: failed to append ca certificate %s", path)
	}
	return pool, nil
}

type kmsSignRequest struct {
	KeyLabel string `json:"key"`
	Message  string `json:"message"`
}

type kmsSignResponse struct {
	Signature string `json:"signature"`
}

func (s *KMSSigner) Address() types.Address { return s.address }

func (s *KMSSigner) AssertMatches(expected string) error {
	return assertMatches(s.address, expected)
}

// Sign asks the key service to sign the domain-separated transaction bytes and
// assembles the signed transaction.
func (s *KMSSigner) Sign(ctx context.Context, tx types.Transaction) ([]byte, error) {
	if s == nil || s.httpClient == nil {
		return nil, fmt.Errorf("kms: client not configured")
	}
	if tx.Sender != s.address {
		return nil, fmt.Errorf("kms: refusing to sign for %s", tx.Sender.String())
	}
	msg := txn.BytesToSign(tx)
	buf, err := json.Marshal(kmsSignRequest{KeyLabel: s.keyLabel, Message: base64.StdEncoding.EncodeToString(msg)})
	if err != nil {
		return nil, err
	}
	url := s.baseURL + path.Clean("/"+s.signPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("kms: sign failed: status=%d", resp.StatusCode)
	}
	var decoded kmsSignResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("kms: decode response: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(decoded.Signature))
	if err != nil {
		return nil, fmt.Errorf("kms: invalid signature encoding: %w", err)
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(ed25519.PublicKey(s.address[:]), msg, sig) {
		return nil, fmt.Errorf("kms: signature does not verify for %s", s.address.String())
	}
	return txn.Attach(tx, sig)
}

var _ SponsorSigner = (*KMSSigner)(nil)
