// Package fakesis is an httptest.Server standing in for the remote Student
// Information System, scripted with a fixed sequence of per-CRN result
// codes. It exists to drive the Registration Engine through full wire-level
// scenarios (spec.md §8 S1-S6) without a real SIS, grounded on the scripted
// request/response sequences in original_source/backend/test_val16.py.
package fakesis

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// RegistrationPath mirrors sisclient.RegistrationPath. Duplicated rather
// than imported to keep this fixture free of a dependency on the package it
// stands in for.
const RegistrationPath = "/api/ders-kayit/v21"

// CRNOutcome is one scripted per-CRN entry in a registration response.
type CRNOutcome struct {
	CRN        string
	StatusCode int
	ResultCode string
}

// Response is one scripted answer to a registration POST. Set HTTPStatus to
// a non-2xx value (401, 429, 500) to script a wholesale failure instead of a
// per-CRN body; RetryAfter is only meaningful when HTTPStatus is 429.
type Response struct {
	HTTPStatus int
	ECRN       []CRNOutcome
	SCRN       []CRNOutcome
	RetryAfter string
}

// Success builds the common single-ECRN success response.
func Success(crns ...string) Response {
	r := Response{HTTPStatus: http.StatusOK}
	for _, crn := range crns {
		r.ECRN = append(r.ECRN, CRNOutcome{CRN: crn, StatusCode: 0, ResultCode: "0"})
	}
	return r
}

// WithResultCode builds a single-ECRN response carrying a non-success result
// code (e.g. "VAL16" for debounce, "VAL02" for window-closed).
func WithResultCode(crn, resultCode string) Response {
	return Response{
		HTTPStatus: http.StatusOK,
		ECRN:       []CRNOutcome{{CRN: crn, StatusCode: 1, ResultCode: resultCode}},
	}
}

type wireEntry struct {
	CRN        string `json:"crn"`
	StatusCode int    `json:"statusCode"`
	ResultCode string `json:"resultCode"`
}

type wireResponse struct {
	StatusCode     int         `json:"statusCode"`
	ECRNResultList []wireEntry `json:"ecrnResultList"`
	SCRNResultList []wireEntry `json:"scrnResultList"`
}

// Server is a scriptable fake SIS. A fresh Response is consumed from Script
// on every registration POST; once Script is exhausted, the final entry
// repeats indefinitely. The dummy POST for CRN "00000" that the client sends
// for the token check and the first prewarm is answered with an empty
// success body, consumes no script entry, and is not recorded in Calls. HEAD requests (used by Probe and Prewarm) are
// always answered 200 with a Date header computed from DateHeader.
type Server struct {
	mu         sync.Mutex
	httpServer *httptest.Server
	token      string
	script     []Response
	calls      []time.Time
	headCalls  int

	// DateHeader computes the Date header value on each HEAD request. It
	// defaults to the real current second, so second-boundary detection in
	// the Clock Calibrator converges against real time rather than a
	// synthetic, possibly offset, epoch.
	DateHeader func() string
}

// New starts a fake SIS requiring the given bearer token (empty accepts any
// token) and scripted to answer registration POSTs with script in order.
func New(token string, script []Response) *Server {
	s := &Server{
		token:      token,
		script:     append([]Response(nil), script...),
		DateHeader: func() string { return time.Now().UTC().Format(http.TimeFormat) },
	}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the fake server's base URL, suitable for sisclient.New.
func (s *Server) URL() string { return s.httpServer.URL }

// Close shuts down the underlying httptest.Server.
func (s *Server) Close() { s.httpServer.Close() }

// Calls returns the local receive time of every registration POST observed
// so far, in order, for asserting inter-attempt spacing (S2, S4).
func (s *Server) Calls() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.calls...)
}

// CallCount reports how many registration POSTs have been received.
func (s *Server) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// HeadCount reports how many HEAD requests (probes and prewarm) have been
// received.
func (s *Server) HeadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headCalls
}

// SetScript replaces the scripted response sequence, resetting the replay
// cursor to its start. Safe to call between attempts in a running test.
func (s *Server) SetScript(script []Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append([]Response(nil), script...)
	s.calls = nil
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		s.mu.Lock()
		s.headCalls++
		header := s.DateHeader
		s.mu.Unlock()
		if header != nil {
			w.Header().Set("Date", header())
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var reqBody struct {
		ECRN []string `json:"ECRN"`
		SCRN []string `json:"SCRN"`
	}
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err == nil &&
		len(reqBody.ECRN) == 1 && reqBody.ECRN[0] == "00000" && len(reqBody.SCRN) == 0 {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(wireResponse{StatusCode: 0})
		return
	}

	s.mu.Lock()
	idx := len(s.calls)
	s.calls = append(s.calls, time.Now())
	resp := s.scriptAt(idx)
	s.mu.Unlock()

	if resp.HTTPStatus == 0 {
		resp.HTTPStatus = http.StatusOK
	}

	if resp.HTTPStatus == http.StatusTooManyRequests {
		if resp.RetryAfter != "" {
			w.Header().Set("Retry-After", resp.RetryAfter)
		}
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	if resp.HTTPStatus != http.StatusOK {
		w.WriteHeader(resp.HTTPStatus)
		return
	}

	body := wireResponse{StatusCode: 0}
	for _, o := range resp.ECRN {
		body.ECRNResultList = append(body.ECRNResultList, wireEntry{CRN: o.CRN, StatusCode: o.StatusCode, ResultCode: o.ResultCode})
	}
	for _, o := range resp.SCRN {
		body.SCRNResultList = append(body.SCRNResultList, wireEntry{CRN: o.CRN, StatusCode: o.StatusCode, ResultCode: o.ResultCode})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// scriptAt returns the scripted response for the idx'th call, repeating the
// final entry once the script is exhausted. Caller holds s.mu.
func (s *Server) scriptAt(idx int) Response {
	if len(s.script) == 0 {
		return Success()
	}
	if idx >= len(s.script) {
		return s.script[len(s.script)-1]
	}
	return s.script[idx]
}
