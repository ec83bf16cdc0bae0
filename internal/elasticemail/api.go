// Package elasticemail delivers messages through Elastic Email, either with
// the v4 transactional HTTP API or with its SMTP submission service.
package elasticemail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/shineum/elasticemail-relay/internal/email"
)

const (
	apiScheme         = "elasticemail+api"
	defaultAPIHost    = "api.elasticemail.com"
	transactionalPath = "/v4/emails/transactional"
	apiKeyHeader      = "X-ElasticEmail-ApiKey"
)

// APITransport sends messages to the transactional endpoint of the Elastic
// Email HTTP API. Each Send is a single request; it is safe for concurrent
// use as long as the HTTP client is.
type APITransport struct {
	apiKey     string
	host       string
	port       int
	httpClient *http.Client
}

// APIOption configures an APITransport.
type APIOption func(*APITransport)

// WithHost overrides the API hostname.
func WithHost(host string) APIOption {
	return func(t *APITransport) {
		t.host = host
	}
}

// WithPort sets an explicit API port.
func WithPort(port int) APIOption {
	return func(t *APITransport) {
		t.port = port
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) APIOption {
	return func(t *APITransport) {
		if client != nil {
			t.httpClient = client
		}
	}
}

// NewAPITransport creates a transport authenticating with apiKey.
func NewAPITransport(apiKey string, opts ...APIOption) *APITransport {
	t := &APITransport{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the provider name.
func (t *APITransport) Name() string {
	return apiScheme
}

// String identifies the transport as elasticemail+api://host[:port].
func (t *APITransport) String() string {
	return apiScheme + "://" + t.endpoint()
}

func (t *APITransport) endpoint() string {
	host := t.host
	if host == "" {
		host = defaultAPIHost
	}
	if t.port > 0 {
		return net.JoinHostPort(host, strconv.Itoa(t.port))
	}
	return host
}

// Send builds the transactional payload for msg, posts it, and returns the
// receipt issued by Elastic Email. Any failure is a *TransportError except
// errors preparing the request itself.
func (t *APITransport) Send(ctx context.Context, msg *email.Email) (*email.Receipt, error) {
	body, err := json.Marshal(BuildPayload(msg))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	url := "https://" + t.endpoint() + transactionalPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(apiKeyHeader, t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{
			Kind:    KindUnreachable,
			Message: "could not reach the remote Elastic Email server",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{
			Kind:       KindUnreachable,
			StatusCode: resp.StatusCode,
			Message:    "could not read the Elastic Email response",
			Err:        err,
		}
	}

	return parseResponse(resp.StatusCode, raw)
}

// sendResponse is the success body of the transactional endpoint. Pointers
// distinguish a missing key from an empty value.
type sendResponse struct {
	MessageID     *string `json:"MessageID"`
	TransactionID *string `json:"TransactionID"`
}

// parseResponse turns a status code and raw body into a receipt. Only a 200
// carrying both MessageID and TransactionID is a success.
func parseResponse(status int, raw []byte) (*email.Receipt, error) {
	if status != http.StatusOK {
		return nil, &TransportError{
			Kind:       KindRejectedByProvider,
			StatusCode: status,
			Body:       string(raw),
			Message:    "unable to send an email",
		}
	}

	var result sendResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &TransportError{
			Kind:       KindMalformedResponse,
			StatusCode: status,
			Body:       string(raw),
			Message:    "unable to send an email",
			Err:        err,
		}
	}

	if result.MessageID == nil || result.TransactionID == nil {
		return nil, &TransportError{
			Kind:       KindMalformedResponse,
			StatusCode: status,
			Body:       string(raw),
			Message:    "unable to send an email: malformed api response",
		}
	}

	return &email.Receipt{
		Provider:      apiScheme,
		MessageID:     *result.MessageID,
		TransactionID: *result.TransactionID,
	}, nil
}
