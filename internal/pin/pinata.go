// Package pin uploads profile images to a Pinata-compatible pinning service
// and turns content hashes into gateway URLs.
package pin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/amigochat/amigo/internal/config"
)

// MaxImageSize bounds uploads; profile images only.
const MaxImageSize = 5 << 20

// Client is a minimal Pinata API client. Authentication uses the JWT when
// present, the legacy key/secret pair otherwise.
type Client struct {
	endpoint  string
	gateway   string
	jwt       string
	apiKey    string
	apiSecret string
	http      *http.Client
	logger    *zap.Logger
}

// NewClient builds a client from config. Returns an error when no
// credentials are configured.
func NewClient(cfg config.Pin, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.JWT == "" && (cfg.APIKey == "" || cfg.APISecret == "") {
		return nil, errors.New("pin: no pinata credentials configured")
	}
	return &Client{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		gateway:   strings.TrimRight(cfg.Gateway, "/"),
		jwt:       cfg.JWT,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		http:      &http.Client{Timeout: 60 * time.Second},
		logger:    logger,
	}, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.jwt != "" {
		req.Header.Set("Authorization", "Bearer "+c.jwt)
		return
	}
	req.Header.Set("pinata_api_key", c.apiKey)
	req.Header.Set("pinata_secret_api_key", c.apiSecret)
}

// TestAuth verifies the configured credentials against the service.
func (c *Client) TestAuth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/data/testAuthentication", nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pin: auth check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pin: auth check: status %d", resp.StatusCode)
	}
	return nil
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
}

// Upload pins the content of r under name and returns its content hash.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(part, io.LimitReader(r, MaxImageSize+1))
	if err != nil {
		return "", fmt.Errorf("pin: read upload: %w", err)
	}
	if n > MaxImageSize {
		return "", fmt.Errorf("pin: upload exceeds %d bytes", MaxImageSize)
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/pinning/pinFileToIPFS", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("pin: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("pin: upload: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("pin: decode response: %w", err)
	}
	if parsed.IpfsHash == "" {
		return "", errors.New("pin: service returned no hash")
	}

	c.logger.Info("image pinned", zap.String("hash", parsed.IpfsHash), zap.Int64("bytes", n))
	return parsed.IpfsHash, nil
}

// URLFor returns the gateway URL serving the given content hash. Empty in,
// empty out.
func (c *Client) URLFor(hash string) string {
	if hash == "" {
		return ""
	}
	return c.gateway + "/ipfs/" + hash
}
