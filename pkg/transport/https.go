package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// AcceptHeader is the Accept value sent with every submission
const AcceptHeader = "text/xml, multipart/related, text/html, image/gif, image/jpeg, *; q=.2, */*; q=.2"

// DefaultMaxBodySize limits request bodies accepted by HTTPServer
const DefaultMaxBodySize = 10 << 20

var (
	// ErrSubmissionCancelled is returned when the context ends before the
	// exchange completes. The context error is wrapped as well.
	ErrSubmissionCancelled = errors.New("transport: submission cancelled")
	// ErrTransport covers connection, TLS and I/O failures
	ErrTransport = errors.New("transport: exchange failed")
)

// RecommendedTLS12CipherSuites are offered when TLS 1.2 is negotiated
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// HTTPConfig contains HTTP client/server configuration
type HTTPConfig struct {
	MinTLSVersion      uint16
	MaxTLSVersion      uint16
	CipherSuites       []uint16
	ClientAuth         tls.ClientAuthType
	Certificates       []tls.Certificate
	RootCAs            *x509.CertPool
	ClientCAs          *x509.CertPool
	InsecureSkipVerify bool
	Timeout            time.Duration
	IdleConnTimeout    time.Duration
	UserAgent          string
	Path               string
	MaxBodySize        int64
}

// DefaultHTTPConfig returns a default configuration
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		ClientAuth:      tls.NoClientCert,
		Timeout:         30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
		UserAgent:       "go-etax/1.0",
		Path:            "/",
		MaxBodySize:     DefaultMaxBodySize,
	}
}

// Response is the raw answer of the receiving endpoint
type Response struct {
	StatusCode int
	// Status is the reason phrase as sent by the server
	Status     string
	Header     http.Header
	Body       []byte
}

// HTTPClient posts submissions to a receiving endpoint
type HTTPClient struct {
	client *http.Client
	config *HTTPConfig
}

// NewHTTPClient creates a new client
func NewHTTPClient(config *HTTPConfig) *HTTPClient {
	if config == nil {
		config = DefaultHTTPConfig()
	}

	tlsConfig := &tls.Config{
		MinVersion:         config.MinTLSVersion,
		MaxVersion:         config.MaxTLSVersion,
		CipherSuites:       config.CipherSuites,
		Certificates:       config.Certificates,
		RootCAs:            config.RootCAs,
		InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec // test endpoints only, off by default
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}

	return &HTTPClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		config: config,
	}
}

// Post sends body to endpoint in a single POST. The status is not
// interpreted: any complete HTTP exchange returns a Response.
func (c *HTTPClient) Post(ctx context.Context, endpoint string, body []byte, contentType string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubmissionCancelled, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrTransport, err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", AcceptHeader)
	req.Header.Set("SOAPAction", `""`)
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.wrap(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.wrap(ctx, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     reasonPhrase(resp),
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// reasonPhrase strips the status code from resp.Status, "202 Queued" gives
// "Queued"
func reasonPhrase(resp *http.Response) string {
	return strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
}

func (c *HTTPClient) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrSubmissionCancelled, ctxErr)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// Handler processes a received submission and returns the response body
// and its content type
type Handler interface {
	HandleSubmission(ctx context.Context, body []byte, contentType string) ([]byte, string, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, body []byte, contentType string) ([]byte, string, error)

// HandleSubmission calls f
func (f HandlerFunc) HandleSubmission(ctx context.Context, body []byte, contentType string) ([]byte, string, error) {
	return f(ctx, body, contentType)
}

// HTTPServer hosts a receiving endpoint
type HTTPServer struct {
	server  *http.Server
	config  *HTTPConfig
	handler Handler
}

// NewHTTPServer creates a new server
func NewHTTPServer(addr string, config *HTTPConfig, handler Handler) *HTTPServer {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	if config.Path == "" {
		config.Path = "/"
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}

	tlsConfig := &tls.Config{
		MinVersion:   config.MinTLSVersion,
		MaxVersion:   config.MaxTLSVersion,
		CipherSuites: config.CipherSuites,
		Certificates: config.Certificates,
		ClientCAs:    config.ClientCAs,
		ClientAuth:   config.ClientAuth,
	}

	s := &HTTPServer{
		config:  config,
		handler: handler,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(config.Path, s.handleSubmission)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		TLSConfig:         tlsConfig,
		ReadTimeout:       config.Timeout,
		ReadHeaderTimeout: config.Timeout,
		WriteTimeout:      config.Timeout,
		IdleTimeout:       config.IdleConnTimeout,
	}

	return s
}

// Handler returns the HTTP handler, for mounting or tests
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) handleSubmission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodySize))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	response, contentType, err := s.handler.HandleSubmission(r.Context(), body, r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to process submission: %v", err), http.StatusInternalServerError)
		return
	}

	if contentType == "" {
		contentType = "text/xml; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(response)
}

// Start serves until Shutdown. TLS is used when certificates are
// configured.
func (s *HTTPServer) Start() error {
	var err error
	if len(s.config.Certificates) > 0 {
		err = s.server.ListenAndServeTLS("", "")
	} else {
		err = s.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
