/*
Copyright 2026 UDS Client Gateway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package broker implements the JSON-over-HTTPS client to the UDS broker:
// version negotiation, signed transport-descriptor fetch, and remote log
// upload.
package broker

import (
	"bytes"
	"compress/bzip2"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/udsclient/gateway/lib/uds/consts"
	"github.com/udsclient/gateway/lib/uds/sigverify"
	"github.com/udsclient/gateway/lib/uds/types"
	"github.com/udsclient/gateway/lib/uds/uderrors"
)

var log = logrus.WithField("component", "uds:broker")

// CertChecker is consulted when the broker's TLS certificate can't be
// verified against the trusted pool; it returns true if the request should
// be retried once with verification disabled.
type CertChecker interface {
	OnCertError(host, serialHex string) (bool, error)
}

// ScriptBundle is the decoded, signature-verified broker response to a
// get-script-and-parameters request.
type ScriptBundle struct {
	ScriptBytes []byte
	Params      json.RawMessage
	Log         *types.LogDescriptor
}

// Client talks to one broker endpoint for the lifetime of a session.
type Client struct {
	endpoint types.Endpoint
	certs    CertChecker
	caBundle []byte

	httpClient *http.Client

	mu              sync.Mutex
	requiredVersion string
	clientLink      string
	versionFetched  bool

	// insecureNextRequest disables certificate verification for exactly one
	// subsequent request, set after a user-approved certificate error.
	insecureNextRequest bool

	// testBaseURL, when set, overrides endpoint.URL() for tests run against
	// a plain-HTTP httptest.Server instead of a real broker.
	testBaseURL string
}

func (c *Client) baseURL() string {
	if c.testBaseURL != "" {
		return c.testBaseURL
	}
	return c.endpoint.URL()
}

// NewClient constructs a Client for endpoint. caBundle may be nil to use the
// system root pool.
func NewClient(endpoint types.Endpoint, certs CertChecker, caBundle []byte) *Client {
	c := &Client{endpoint: endpoint, certs: certs, caBundle: caBundle}
	c.httpClient = &http.Client{Transport: c.newTransport(false)}
	return c
}

func (c *Client) newTransport(insecure bool) *http.Transport {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		CipherSuites:       consts.SecureCipherSuiteIDs(),
		InsecureSkipVerify: insecure,
	}
	if !insecure && len(c.caBundle) > 0 {
		pool := trustPoolFromPEM(c.caBundle)
		if pool != nil {
			tlsConfig.RootCAs = pool
		}
	}
	return &http.Transport{TLSClientConfig: tlsConfig}
}

// GetRequiredVersion fetches and caches the broker's advertised required
// client version and upgrade link. Subsequent calls return the cached
// values without another round trip.
func (c *Client) GetRequiredVersion(ctx context.Context) (requiredVersion, clientLink string, err error) {
	c.mu.Lock()
	if c.versionFetched {
		requiredVersion, clientLink = c.requiredVersion, c.clientLink
		c.mu.Unlock()
		return requiredVersion, clientLink, nil
	}
	c.mu.Unlock()

	var resp versionResponse
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL()+"/", nil, &resp); err != nil {
		return "", "", trace.Wrap(err)
	}
	if resp.Err != "" {
		return "", "", serverErrorFrom(resp.Err, resp.Retryable())
	}

	c.mu.Lock()
	c.requiredVersion = resp.Result.requiredVersion()
	c.clientLink = resp.Result.clientLink()
	c.versionFetched = true
	requiredVersion, clientLink = c.requiredVersion, c.clientLink
	c.mu.Unlock()

	if CompareVersions(requiredVersion, consts.ClientVersion) > 0 {
		return requiredVersion, clientLink, &uderrors.UpgradeRequired{Link: clientLink, RequiredVersion: requiredVersion}
	}
	return requiredVersion, clientLink, nil
}

// GetScriptAndParameters fetches, decodes, and signature-verifies the
// transport descriptor bundle for ticket/scrambler.
func (c *Client) GetScriptAndParameters(ctx context.Context, ticket types.Ticket, scrambler types.Scrambler) (*ScriptBundle, error) {
	path := fmt.Sprintf("%s/%s/%s", c.baseURL(), url.PathEscape(string(ticket)), url.PathEscape(string(scrambler)))
	path += "?" + c.queryParams().Encode()

	var resp scriptResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.Err != "" {
		return nil, serverErrorFrom(resp.Err, resp.Retryable())
	}

	scriptBytes, err := decodeBz2Base64(resp.Result.Script)
	if err != nil {
		return nil, trace.Wrap(err, "decoding script")
	}
	paramsBytes, err := decodeBz2Base64(resp.Result.Params)
	if err != nil {
		return nil, trace.Wrap(err, "decoding params")
	}

	if !sigverify.Verify(scriptBytes, resp.Result.Signature) {
		return nil, &uderrors.SignatureInvalid{}
	}

	return &ScriptBundle{
		ScriptBytes: scriptBytes,
		Params:      json.RawMessage(paramsBytes),
		Log:         resp.Result.Log,
	}, nil
}

// SendLog uploads logTicket's log body to the broker.
func (c *Client) SendLog(ctx context.Context, logTicket string, logBody string) error {
	path := fmt.Sprintf("%s/%s/log?%s", c.baseURL(), url.PathEscape(logTicket), c.queryParams().Encode())

	body, err := json.Marshal(map[string]string{"log": logBody})
	if err != nil {
		return trace.Wrap(err)
	}

	var resp errorResponse
	if err := c.doJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		return trace.Wrap(err)
	}
	if resp.Err != "" {
		return serverErrorFrom(resp.Err, resp.Retryable())
	}
	return nil
}

func (c *Client) queryParams() url.Values {
	v := url.Values{}
	v.Set("hostname", localHostname())
	v.Set("version", consts.ClientVersion)
	return v
}

func (c *Client) doJSON(ctx context.Context, method, rawURL string, body []byte, out interface{}) error {
	resp, err := c.request(ctx, method, rawURL, body)
	if err != nil {
		return trace.Wrap(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return trace.Wrap(&uderrors.TransportError{Cause: err})
	}
	if err := json.Unmarshal(data, out); err != nil {
		return trace.Wrap(&uderrors.TransportError{Cause: err})
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	c.mu.Lock()
	insecure := c.insecureNextRequest
	c.insecureNextRequest = false
	c.mu.Unlock()

	client := c.httpClient
	if insecure {
		client = &http.Client{Transport: c.newTransport(true)}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, &uderrors.TransportError{Cause: err}
	}
	req.Header.Set("User-Agent", consts.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err == nil {
		return resp, nil
	}

	host := req.URL.Hostname()
	serial, certErr := PeerCertificateSerial(host, req.URL.Port())
	if certErr != nil || c.certs == nil {
		return nil, &uderrors.TransportError{Cause: err}
	}

	approved, approveErr := c.certs.OnCertError(host, serial)
	if approveErr != nil || !approved {
		return nil, &uderrors.CertificateUntrusted{Host: host, Serial: serial}
	}

	c.mu.Lock()
	c.insecureNextRequest = true
	c.mu.Unlock()

	insecureClient := &http.Client{Transport: c.newTransport(true)}
	retryReq, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, &uderrors.TransportError{Cause: err}
	}
	retryReq.Header.Set("User-Agent", consts.UserAgent())
	if body != nil {
		retryReq.Header.Set("Content-Type", "application/json")
	}
	resp, err = insecureClient.Do(retryReq)
	if err != nil {
		return nil, &uderrors.TransportError{Cause: err}
	}
	return resp, nil
}

func localHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

func decodeBz2Base64(s string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		compressed, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return nil, trace.Wrap(err, "invalid base64")
		}
	}
	data, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(compressed)))
	if err != nil {
		return nil, trace.Wrap(err, "invalid bzip2 stream")
	}
	return data, nil
}

func serverErrorFrom(message string, retryable bool) error {
	if retryable {
		return &uderrors.Retryable{Message: message}
	}
	return &uderrors.ServerError{Message: message}
}

// CompareVersions compares two dotted-numeric version strings field by
// field, falling back to lexicographic string comparison for any
// non-numeric component (spec decision: numeric tuple compare with string
// fallback). Returns >0 if a > b, 0 if equal, <0 if a < b.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}

		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if an != bn {
				return an - bn
			}
			continue
		}
		if av != bv {
			return strings.Compare(av, bv)
		}
	}
	return 0
}

// PeerCertificateSerial dials host:port with certificate verification
// disabled and returns the leaf certificate's serial number as lowercase
// hex with no leading "0x".
func PeerCertificateSerial(host, port string) (string, error) {
	if port == "" {
		port = "443"
	}
	conn, err := tls.Dial("tcp", net.JoinHostPort(host, port), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		return "", trace.Wrap(err)
	}
	defer conn.Close()

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", trace.NotFound("no peer certificates presented")
	}
	return strings.ToLower(state.PeerCertificates[0].SerialNumber.Text(16)), nil
}
