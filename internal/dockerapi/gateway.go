package dockerapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	connectTimeout = 3 * time.Second
	readTimeout    = 20 * time.Second
)

// Endpoint describes how to reach one Docker Engine API. It is loaded from
// the admin-managed config row and passed explicitly into every call, so a
// config change takes effect on the next request. Cert material is held as
// PEM bytes in memory, never written to disk.
type Endpoint struct {
	Hostname     string
	TLSEnabled   bool
	CACert       []byte
	ClientCert   []byte
	ClientKey    []byte
	Repositories []string
}

// Host returns the hostname with any port stripped. This is what players
// connect to, combined with the instance's published ports.
func (e Endpoint) Host() string {
	host, _, err := net.SplitHostPort(e.Hostname)
	if err != nil {
		return e.Hostname
	}
	return host
}

func (e Endpoint) baseURL() string {
	scheme := "http"
	if e.TLSEnabled {
		scheme = "https"
	}
	return scheme + "://" + e.Hostname
}

func (e Endpoint) tlsConfig() (*tls.Config, error) {
	if len(e.CACert) == 0 || len(e.ClientCert) == 0 || len(e.ClientKey) == 0 {
		return nil, fmt.Errorf("tls enabled but cert material is incomplete")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(e.CACert) {
		return nil, fmt.Errorf("could not parse CA certificate")
	}
	pair, err := tls.X509KeyPair(e.ClientCert, e.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("could not load client key pair: %w", err)
	}
	return &tls.Config{RootCAs: pool, Certificates: []tls.Certificate{pair}}, nil
}

// Do sends one request to the Docker Engine API. A non-nil error means the
// daemon was unreachable (refused, timed out, TLS setup failed); callers must
// treat that differently from an HTTP error status, which comes back as an
// ordinary response for the caller to interpret. A non-nil body is JSON
// encoded unless it is already a []byte.
func Do(ctx context.Context, ep Endpoint, method, path string, body any) (*http.Response, error) {
	if ep.Hostname == "" {
		return nil, fmt.Errorf("no docker hostname configured")
	}

	var payload io.Reader
	if body != nil {
		raw, ok := body.([]byte)
		if !ok {
			var err error
			raw, err = json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("could not encode request body: %w", err)
			}
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, ep.baseURL()+path, payload)
	if err != nil {
		return nil, fmt.Errorf("could not build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	if ep.TLSEnabled {
		cfg, err := ep.tlsConfig()
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = cfg
	}
	client := &http.Client{Transport: transport, Timeout: readTimeout}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("docker request %s %s failed: %w", method, path, err)
	}
	return resp, nil
}

// DecodeJSON decodes and closes a response body.
func DecodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("could not decode docker response: %w", err)
	}
	return nil
}

// Discard drains and closes a response body so the connection can be reused.
func Discard(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// StatusError turns a non-2xx response into an error carrying only the
// status code. Docker error bodies can contain internal hostnames and paths,
// so they are logged here and not propagated.
func StatusError(resp *http.Response, op string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	log.Printf("[ERROR] Docker rejected %s: status=%d body=%s", op, resp.StatusCode, strings.TrimSpace(string(raw)))
	return &UpstreamError{Op: op, StatusCode: resp.StatusCode}
}

// UpstreamError is a non-2xx answer from the Docker Engine API.
type UpstreamError struct {
	Op         string
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("docker rejected %s with status %d", e.Op, e.StatusCode)
}
