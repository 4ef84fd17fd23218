package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/ebms"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// DefaultPath is the path on which the server accepts messages
const DefaultPath = "/msh"

// maxMessageSize limits the size of a received envelope
const maxMessageSize = 10 << 20

// Recommended TLS 1.2 cipher suites
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// ErrNoEndpoint is returned when the P-Mode of a unit names no address
var ErrNoEndpoint = errors.New("no endpoint configured")

// StatusError is returned when the peer answers with an unexpected HTTP
// status and no ebMS signal
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.Code, e.Body)
}

// HTTPSConfig contains HTTP client/server configuration. Without
// certificates the server listens on plain HTTP.
type HTTPSConfig struct {
	MinTLSVersion   uint16
	MaxTLSVersion   uint16
	CipherSuites    []uint16
	ClientAuth      tls.ClientAuthType
	Certificates    []tls.Certificate
	RootCAs         *x509.CertPool
	ClientCAs       *x509.CertPool
	Timeout         time.Duration
	IdleConnTimeout time.Duration
	// Path the server accepts messages on, DefaultPath when empty
	Path string
}

// DefaultHTTPSConfig returns a default HTTPS configuration
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		ClientAuth:      tls.NoClientCert,
		Timeout:         30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
	}
}

func (c *HTTPSConfig) tlsConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   c.MinTLSVersion,
		MaxVersion:   c.MaxTLSVersion,
		CipherSuites: c.CipherSuites,
		Certificates: c.Certificates,
		RootCAs:      c.RootCAs,
		ClientCAs:    c.ClientCAs,
		ClientAuth:   c.ClientAuth,
	}
}

// PModeSource looks up P-Modes by id
type PModeSource interface {
	Get(id string) *pmode.ProcessingMode
}

// Client transmits message units to the peer over HTTP(S)
type Client struct {
	client *http.Client
	config *HTTPSConfig
	pmodes PModeSource
	log    *slog.Logger
}

// NewClient creates a new client. The endpoint of a unit is taken from its
// P-Mode leg.
func NewClient(config *HTTPSConfig, pmodes PModeSource, logger *slog.Logger) *Client {
	if config == nil {
		config = DefaultHTTPSConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		TLSClientConfig:     config.tlsConfig(),
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		config: config,
		pmodes: pmodes,
		log:    logger.With("component", "transport"),
	}
}

// Endpoint returns the address a unit is sent to. Receipts and errors use
// the address of their reply configuration and fall back to the protocol
// address of the leg.
func (c *Client) Endpoint(unit *message.MessageUnit) (string, error) {
	var leg *pmode.Leg
	if c.pmodes != nil && unit.PModeID != "" {
		if pm := c.pmodes.Get(unit.PModeID); pm != nil {
			leg = pm.Leg(unit.Leg)
		}
	}
	if leg == nil {
		return "", fmt.Errorf("%s %s: %w", unit.Kind, unit.MessageID, ErrNoEndpoint)
	}
	switch {
	case unit.Kind == message.KindReceipt && leg.Receipt != nil && leg.Receipt.To != "":
		return leg.Receipt.To, nil
	case unit.Kind == message.KindError && leg.ErrorHandling != nil && leg.ErrorHandling.To != "":
		return leg.ErrorHandling.To, nil
	case leg.Protocol != nil && leg.Protocol.Address != "":
		return leg.Protocol.Address, nil
	}
	return "", fmt.Errorf("%s %s: %w", unit.Kind, unit.MessageID, ErrNoEndpoint)
}

// Transmit sends unit to its endpoint and returns the signals the peer
// included in the response
func (c *Client) Transmit(ctx context.Context, unit *message.MessageUnit) ([]*message.MessageUnit, error) {
	endpoint, err := c.Endpoint(unit)
	if err != nil {
		return nil, err
	}
	envelope, err := ebms.Envelope(unit)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	body, err := c.Send(ctx, endpoint, envelope, ebms.ContentType)
	c.log.Debug("message unit transmitted",
		"message_id", unit.MessageID,
		"kind", unit.Kind,
		"endpoint", endpoint,
		"duration", time.Since(start),
		"error", err,
	)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Body != "" {
			// peers report ebMS errors with a 500 status
			if units, perr := ebms.Parse([]byte(se.Body)); perr == nil && len(units) > 0 {
				return units, nil
			}
		}
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	units, err := ebms.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("response to %s: %w", unit.MessageID, err)
	}
	return units, nil
}

// Send posts a message to the endpoint and returns the response body
func (c *Client) Send(ctx context.Context, endpoint string, msg []byte, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(msg))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "go-msh/1.0")
	req.Header.Set("SOAPAction", "")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(responseBody)}
	}
	return responseBody, nil
}

// MessageHandler processes received envelopes. A nil response is answered
// with 202 Accepted.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg []byte) ([]byte, error)
}

// Server receives messages over HTTP(S)
type Server struct {
	server  *http.Server
	config  *HTTPSConfig
	handler MessageHandler
	log     *slog.Logger
}

// NewServer creates a new server
func NewServer(addr string, config *HTTPSConfig, handler MessageHandler, logger *slog.Logger) *Server {
	if config == nil {
		config = DefaultHTTPSConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  config,
		handler: handler,
		log:     logger.With("component", "transport"),
	}

	mux := http.NewServeMux()
	path := config.Path
	if path == "" {
		path = DefaultPath
	}
	mux.HandleFunc(path, s.handleMessage)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		TLSConfig:    config.tlsConfig(),
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
		IdleTimeout:  config.IdleConnTimeout,
	}

	return s
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	response, err := s.handler.HandleMessage(r.Context(), body)
	if err != nil {
		s.log.Warn("failed to process message", "remote", r.RemoteAddr, "error", err)
		http.Error(w, fmt.Sprintf("Failed to process message: %v", err), http.StatusInternalServerError)
		return
	}
	if len(response) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", ebms.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(response)
}

// Start starts the server. It blocks until the server is shut down and
// returns http.ErrServerClosed in that case.
func (s *Server) Start() error {
	if len(s.config.Certificates) == 0 {
		s.log.Warn("no TLS certificates configured, listening on plain HTTP", "addr", s.server.Addr)
		return s.server.ListenAndServe()
	}
	s.log.Info("listening", "addr", s.server.Addr)
	return s.server.ListenAndServeTLS("", "")
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
