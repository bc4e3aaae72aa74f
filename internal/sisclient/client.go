// Package sisclient implements the transport to the remote Student
// Information System: a pre-warmed keep-alive HTTP client, the Request
// Builder (spec.md §4.2), and response classification into domain.CRNResult
// (spec.md §4.5). It never itself decides retry pacing — that is the
// attempt package's job.
package sisclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/regbot/engine/internal/domain"
)

// RegistrationPath is the SIS endpoint the attempt loop posts to (spec.md
// §6 SIS wire contract).
const RegistrationPath = "/api/ders-kayit/v21"

// Client owns a single keep-alive http.Client to the SIS host, mirroring
// the connection-pool-as-owned-resource pattern used for the database
// connection pool: one transport, reused across the run, never recreated
// per request.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New constructs a Client against baseURL (e.g. "https://obs.itu.edu.tr")
// using token as the bearer credential. The transport is tuned for a single
// long-lived session: one connection kept warm, no idle-timeout churn during
// the wait phase.
func New(baseURL, token string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		MaxConnsPerHost:     5,
		IdleConnTimeout:     5 * time.Minute,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   5 * time.Second,
		},
	}
}

// registrationBody is the wire body for the add/drop endpoint.
type registrationBody struct {
	ECRN []string `json:"ECRN"`
	SCRN []string `json:"SCRN"`
}

// resultEntry mirrors one per-CRN entry of the SIS response's
// ecrnResultList and scrnResultList (spec.md §6).
type resultEntry struct {
	CRN        string          `json:"crn"`
	StatusCode int             `json:"statusCode"`
	ResultCode string          `json:"resultCode"`
	ResultData json.RawMessage `json:"resultData"`
}

type registrationResponse struct {
	StatusCode     int           `json:"statusCode"`
	ECRNResultList []resultEntry `json:"ecrnResultList"`
	SCRNResultList []resultEntry `json:"scrnResultList"`
}

// PreparedRequest is a fully-serialized add/drop request: body bytes and
// headers are built once and reused for every send until the working set
// changes (spec.md §4.2). Rebuild via Client.Prepare.
type PreparedRequest struct {
	url    string
	body   []byte
	token  string
	ecrns  []string
	scrns  []string
}

// Prepare builds a PreparedRequest for the given working ECRN set and the
// (stable) SCRN set. Call again only when the working set changes; headers
// and URL never do.
func (c *Client) Prepare(ecrns, scrns []string) (*PreparedRequest, error) {
	body, err := json.Marshal(registrationBody{ECRN: ecrns, SCRN: scrns})
	if err != nil {
		return nil, fmt.Errorf("marshal registration body: %w", err)
	}
	return &PreparedRequest{
		url:   c.baseURL + RegistrationPath,
		body:  body,
		token: c.token,
		ecrns: append([]string(nil), ecrns...),
		scrns: append([]string(nil), scrns...),
	}, nil
}

// ECRNs and SCRNs report the working set this PreparedRequest was built for.
// The attempt loop does not consult them; it tracks working-set changes
// itself and calls Prepare again.
func (p *PreparedRequest) ECRNs() []string { return p.ecrns }
func (p *PreparedRequest) SCRNs() []string { return p.scrns }

func (p *PreparedRequest) newHTTPRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(p.body))
	if err != nil {
		return nil, fmt.Errorf("build registration request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// SendResult is the outcome of one dispatched attempt, before per-CRN
// classification. HTTPStatus is zero when the request never got a response
// (transport error, in Err).
type SendResult struct {
	SentAt     time.Time
	RecvAt     time.Time
	HTTPStatus int
	RetryAfter time.Duration
	ECRN       map[string]domain.CRNResult
	SCRN       map[string]domain.CRNResult
	Err        error
}

// Send dispatches a prepared request and classifies every per-CRN result in
// the response. It does not interpret status codes into retry decisions;
// the attempt loop does that with the classified map.
func (c *Client) Send(ctx context.Context, p *PreparedRequest) SendResult {
	httpReq, err := p.newHTTPRequest(ctx)
	sentAt := time.Now()
	if err != nil {
		return SendResult{SentAt: sentAt, RecvAt: time.Now(), Err: err}
	}

	resp, err := c.httpClient.Do(httpReq)
	recvAt := time.Now()
	if err != nil {
		return SendResult{SentAt: sentAt, RecvAt: recvAt, Err: fmt.Errorf("%w: %v", domain.ErrUnreachable, err)}
	}
	defer resp.Body.Close()

	result := SendResult{SentAt: sentAt, RecvAt: recvAt, HTTPStatus: resp.StatusCode}

	if resp.StatusCode == http.StatusTooManyRequests {
		result.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		result.Err = domain.ErrRateLimited
		return result
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		result.Err = domain.ErrTokenInvalid
		return result
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		result.Err = fmt.Errorf("%w: HTTP %d: %s", domain.ErrWholesaleReject, resp.StatusCode, body)
		return result
	}

	var parsed registrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		result.Err = fmt.Errorf("decode registration response: %w", err)
		return result
	}

	result.ECRN = make(map[string]domain.CRNResult, len(parsed.ECRNResultList))
	for _, entry := range parsed.ECRNResultList {
		result.ECRN[entry.CRN] = domain.ClassifyECRN(entry.CRN, entry.StatusCode, entry.ResultCode)
	}
	result.SCRN = make(map[string]domain.CRNResult, len(parsed.SCRNResultList))
	for _, entry := range parsed.SCRNResultList {
		result.SCRN[entry.CRN] = domain.ClassifySCRN(entry.CRN, entry.StatusCode, entry.ResultCode)
	}
	return result
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 5 * time.Second
	}
	var seconds int
	if _, err := fmt.Sscanf(header, "%d", &seconds); err != nil || seconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(seconds) * time.Second
}

// Prewarm sends a throwaway HEAD (and, unless headOnly, a dummy POST) to
// warm the TCP/TLS connection and any server-side session affinity
// (SUPPLEMENTED FEATURES #1, grounded on the original's _prewarm).
func (c *Client) Prewarm(ctx context.Context, headOnly bool) error {
	headReq, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("build prewarm request: %w", err)
	}
	resp, err := c.httpClient.Do(headReq)
	if err != nil {
		return fmt.Errorf("prewarm HEAD: %w", err)
	}
	resp.Body.Close()

	if headOnly {
		return nil
	}

	dummy, err := c.Prepare([]string{"00000"}, nil)
	if err != nil {
		return fmt.Errorf("build prewarm POST: %w", err)
	}
	result := c.Send(ctx, dummy)
	return result.Err
}

// TestToken issues a dummy registration request to validate the credential,
// mirroring the original's test_token: any 200 response (even a rejection
// code) means the token is accepted by the SIS; 401/403 means it is not.
func (c *Client) TestToken(ctx context.Context) error {
	probe, err := c.Prepare([]string{"00000"}, nil)
	if err != nil {
		return err
	}
	result := c.Send(ctx, probe)
	if result.Err != nil {
		return result.Err
	}
	return nil
}
