package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/pkg/ebms"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

func TestDefaultHTTPSConfig(t *testing.T) {
	config := DefaultHTTPSConfig()
	require.NotNil(t, config)
	assert.Equal(t, uint16(TLS12), config.MinTLSVersion)
	assert.Equal(t, uint16(TLS13), config.MaxTLSVersion)
	assert.NotEmpty(t, config.CipherSuites)
	assert.Equal(t, tls.NoClientCert, config.ClientAuth)
	assert.Equal(t, 30*time.Second, config.Timeout)
	assert.Equal(t, 90*time.Second, config.IdleConnTimeout)

	for _, suite := range RecommendedTLS12CipherSuites {
		assert.NotEmpty(t, tls.CipherSuiteName(suite))
	}
}

func testPModes(address string) *pmode.Manager {
	return pmode.NewManager(&pmode.ProcessingMode{
		ID: "p1",
		Legs: []pmode.Leg{{
			Protocol:      &pmode.Protocol{Address: address},
			Receipt:       &pmode.ReceiptConfiguration{Pattern: pmode.ReplyCallback, To: address + "/receipts"},
			ErrorHandling: &pmode.ErrorHandling{To: address + "/errors"},
		}},
	})
}

func TestEndpoint(t *testing.T) {
	c := NewClient(nil, testPModes("https://peer.example.com"), nil)

	tests := []struct {
		name string
		unit *message.MessageUnit
		want string
	}{
		{"user message", message.NewUserMessage(message.WithPMode("p1")).Build(), "https://peer.example.com"},
		{"receipt", message.NewReceipt("x", message.ReceiptReceptionAwareness, message.WithPMode("p1")).Build(), "https://peer.example.com/receipts"},
		{"error", message.NewErrorMessage(nil, message.WithPMode("p1")).Build(), "https://peer.example.com/errors"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Endpoint(tt.unit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := c.Endpoint(message.NewUserMessage(message.WithPMode("missing")).Build())
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestTransmitParsesResponseSignals(t *testing.T) {
	um := message.NewUserMessage(message.WithPMode("p1"), message.WithAction("submit")).Build()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, ebms.ContentType, r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		units, err := ebms.Parse(body)
		require.NoError(t, err)
		require.Len(t, units, 1)

		receipt := message.NewReceipt(units[0].MessageID, message.ReceiptReceptionAwareness).Build()
		resp, err := ebms.Envelope(receipt)
		require.NoError(t, err)
		w.Header().Set("Content-Type", ebms.ContentType)
		_, _ = w.Write(resp)
	}))
	defer server.Close()

	c := NewClient(nil, testPModes(server.URL), nil)
	signals, err := c.Transmit(context.Background(), um)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, message.KindReceipt, signals[0].Kind)
	assert.Equal(t, um.MessageID, signals[0].RefToMessageID)
}

func TestTransmitAccepted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := NewClient(nil, testPModes(server.URL), nil)
	signals, err := c.Transmit(context.Background(), message.NewUserMessage(message.WithPMode("p1")).Build())
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestTransmitErrorSignalWithServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, _ := ebms.Envelope(message.NewErrorMessage([]message.EbmsError{
			message.ErrOther.New("m1", "rejected"),
		}).Build())
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write(resp)
	}))
	defer server.Close()

	c := NewClient(nil, testPModes(server.URL), nil)
	signals, err := c.Transmit(context.Background(), message.NewUserMessage(message.WithPMode("p1")).Build())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, message.KindError, signals[0].Kind)
}

func TestSendErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal Server Error"))
	}))
	defer server.Close()

	c := NewClient(nil, nil, nil)
	_, err := c.Send(context.Background(), server.URL, []byte("<Request/>"), ebms.ContentType)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)

	_, err = c.Transmit(context.Background(), message.NewUserMessage().Build())
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestSendContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(&HTTPSConfig{Timeout: 10 * time.Second}, nil, nil)
	_, err := c.Send(ctx, server.URL, []byte("<Request/>"), ebms.ContentType)
	assert.Error(t, err)
}

type mockHandler struct {
	response []byte
	err      error
}

func (h *mockHandler) HandleMessage(ctx context.Context, msg []byte) ([]byte, error) {
	return h.response, h.err
}

func TestServerHandler(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		handler *mockHandler
		code    int
	}{
		{"method not allowed", http.MethodGet, &mockHandler{}, http.StatusMethodNotAllowed},
		{"response", http.MethodPost, &mockHandler{response: []byte("<Receipt/>")}, http.StatusOK},
		{"accepted", http.MethodPost, &mockHandler{}, http.StatusAccepted},
		{"handler error", http.MethodPost, &mockHandler{err: http.ErrAbortHandler}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(":0", nil, tt.handler, nil)
			req := httptest.NewRequest(tt.method, DefaultPath, http.NoBody)
			w := httptest.NewRecorder()

			s.Handler().ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, ebms.ContentType, w.Header().Get("Content-Type"))
			}
		})
	}
}

func TestServerShutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", &HTTPSConfig{}, &mockHandler{}, nil)
	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Shutdown(context.Background()))
	assert.ErrorIs(t, <-done, http.ErrServerClosed)
}
