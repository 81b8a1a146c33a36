package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"benchline/internal/config"
)

// ContentPublisher stores a passport body in content-addressed storage and
// returns its content reference.
type ContentPublisher interface {
	Publish(ctx context.Context, name string, body []byte) (string, error)
}

// LedgerClient records an anchoring payload on an external append-only ledger
// and returns the transaction reference.
type LedgerClient interface {
	Record(ctx context.Context, payload string) (string, error)
}

// ShortLinker produces a stable short link for a public passport URL.
type ShortLinker interface {
	Shorten(ctx context.Context, longURL, keyword string) (string, error)
}

const clientTimeout = 30 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: clientTimeout}
}

// gatewayPublisher talks to the content-store HTTP gateway.
type gatewayPublisher struct {
	base   string
	client *http.Client
}

func NewContentPublisher(cfg *config.Config) ContentPublisher {
	return &gatewayPublisher{base: strings.TrimRight(cfg.ContentStore.GatewayURL, "/"), client: newHTTPClient()}
}

func (g *gatewayPublisher) Publish(ctx context.Context, name string, body []byte) (string, error) {
	reqBody, err := json.Marshal(map[string]string{"filename": name, "content": string(body)})
	if err != nil {
		return "", err
	}
	var resp struct {
		CID string `json:"cid"`
	}
	if err := postJSON(ctx, g.client, g.base+"/publish", reqBody, &resp); err != nil {
		return "", fmt.Errorf("content gateway: %w", err)
	}
	if resp.CID == "" {
		return "", fmt.Errorf("content gateway returned no cid for %s", name)
	}
	return resp.CID, nil
}

// ledgerGateway posts datalog payloads to the ledger node's HTTP endpoint.
type ledgerGateway struct {
	endpoint string
	seed     string
	client   *http.Client
}

func NewLedgerClient(cfg *config.Config) LedgerClient {
	return &ledgerGateway{endpoint: strings.TrimRight(cfg.Ledger.Endpoint, "/"), seed: cfg.Ledger.AccountSeed, client: newHTTPClient()}
}

func (l *ledgerGateway) Record(ctx context.Context, payload string) (string, error) {
	reqBody, err := json.Marshal(map[string]string{"payload": payload, "seed": l.seed})
	if err != nil {
		return "", err
	}
	var resp struct {
		Txn string `json:"txn"`
	}
	if err := postJSON(ctx, l.client, l.endpoint+"/datalog", reqBody, &resp); err != nil {
		return "", fmt.Errorf("ledger: %w", err)
	}
	if resp.Txn == "" {
		return "", fmt.Errorf("ledger returned no transaction reference")
	}
	return resp.Txn, nil
}

// yourlsShortener uses the yourls JSON API.
type yourlsShortener struct {
	server   string
	username string
	password string
	client   *http.Client
}

func NewShortLinker(cfg *config.Config) ShortLinker {
	return &yourlsShortener{
		server:   strings.TrimRight(cfg.Shortener.Server, "/"),
		username: cfg.Shortener.Username,
		password: cfg.Shortener.Password,
		client:   newHTTPClient(),
	}
}

func (y *yourlsShortener) Shorten(ctx context.Context, longURL, keyword string) (string, error) {
	params := url.Values{}
	params.Set("action", "shorturl")
	params.Set("format", "json")
	params.Set("url", longURL)
	if keyword != "" {
		params.Set("keyword", keyword)
	}
	params.Set("username", y.username)
	params.Set("password", y.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.server+"/yourls-api.php?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := y.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("shortener: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("shortener: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("shortener: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var body struct {
		ShortURL string `json:"shorturl"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", fmt.Errorf("shortener: %w", err)
	}
	if body.ShortURL == "" {
		return "", fmt.Errorf("shortener returned no short url")
	}
	return body.ShortURL, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, reqBody []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}
