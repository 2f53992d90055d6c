// Package whipsig implements the HTTP resource lifecycle shared by the
// WHIP and WHEP clients: SDP offer POST, Location/ETag/Link parsing,
// trickle ICE candidate batching via PATCH, and best-effort DELETE.
package whipsig

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/peermesh/peermesh/pkg/protocol"
	"github.com/peermesh/peermesh/pkg/rtc"
)

const (
	// CandidateDebounce batches candidates into one PATCH instead of one
	// request each.
	CandidateDebounce = 50 * time.Millisecond

	contentTypeSDP  = "application/sdp"
	contentTypeFrag = "application/trickle-ice-sdpfrag"
)

var iceServerLink = regexp.MustCompile(`<([^>]+)>[^,]*rel="ice-server"`)

// Resource is one negotiated WHIP/WHEP session on a remote endpoint.
// Candidates queued before the endpoint assigns a resource URL stay
// buffered; PATCHing without a resource is a protocol violation.
type Resource struct {
	endpoint  *url.URL
	client    *http.Client
	authToken string
	headers   http.Header

	mu          sync.Mutex
	resourceURL string
	etag        string
	iceServers  []webrtc.ICEServer
	creds       rtc.ICECredentials
	haveCreds   bool
	pending     []string
	timer       *time.Timer
	closed      bool
}

func New(endpoint string, client *http.Client, authToken string, headers http.Header) (*Resource, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &protocol.NegotiationError{Op: "endpoint", Err: err}
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Resource{
		endpoint:  u,
		client:    client,
		authToken: authToken,
		headers:   headers,
	}, nil
}

func (r *Resource) applyAuth(req *http.Request) {
	for k, vs := range r.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}
}

// PostOffer sends the SDP offer and returns the answer SDP. On success the
// resource URL, ETag and any advertised ICE servers are recorded, and
// candidates buffered beforehand are scheduled for flushing.
func (r *Resource) PostOffer(ctx context.Context, sdp string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint.String(), strings.NewReader(sdp))
	if err != nil {
		return "", &protocol.NegotiationError{Op: "offer", Err: err}
	}
	req.Header.Set("Content-Type", contentTypeSDP)
	r.applyAuth(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", &protocol.NegotiationError{Op: "offer", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &protocol.NegotiationError{Op: "offer", Status: resp.StatusCode, Body: string(body)}
	}

	r.mu.Lock()
	if loc := resp.Header.Get("Location"); loc != "" {
		if ref, err := url.Parse(loc); err == nil {
			// Relative Location headers resolve against the endpoint.
			r.resourceURL = r.endpoint.ResolveReference(ref).String()
		}
	}
	r.etag = resp.Header.Get("ETag")
	if link := resp.Header.Get("Link"); link != "" {
		r.iceServers = parseICEServers(link)
	}
	flush := r.resourceURL != "" && len(r.pending) > 0
	r.mu.Unlock()

	log.Info().Str("module", "whipsig").Str("resource", r.ResourceURL()).Msg("offer accepted")
	if flush {
		r.scheduleFlush()
	}
	return string(body), nil
}

// SetCredentials records the local ICE ufrag/pwd used to frame trickle
// fragments. Must be set before the first flush fires.
func (r *Resource) SetCredentials(creds rtc.ICECredentials) {
	r.mu.Lock()
	r.creds = creds
	r.haveCreds = true
	r.mu.Unlock()
}

// QueueCandidate buffers cand. Sending is debounced, and held back
// entirely until the endpoint has assigned a resource URL.
func (r *Resource) QueueCandidate(cand string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.pending = append(r.pending, cand)
	ready := r.resourceURL != ""
	r.mu.Unlock()
	if ready {
		r.scheduleFlush()
	}
}

func (r *Resource) scheduleFlush() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(CandidateDebounce, r.sendCandidates)
	r.mu.Unlock()
}

func (r *Resource) sendCandidates() {
	r.mu.Lock()
	if r.closed || r.resourceURL == "" || len(r.pending) == 0 || !r.haveCreds {
		r.mu.Unlock()
		return
	}
	batch := r.pending
	r.pending = nil
	frag := rtc.CandidateFragment(r.creds, batch)
	target := r.resourceURL
	etag := r.etag
	r.mu.Unlock()

	req, err := http.NewRequest(http.MethodPatch, target, strings.NewReader(frag))
	if err != nil {
		log.Error().Err(err).Str("module", "whipsig").Msg("patch build")
		return
	}
	req.Header.Set("Content-Type", contentTypeFrag)
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}
	r.applyAuth(req)

	resp, err := r.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("module", "whipsig").Msg("candidate patch failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNoContent {
		log.Warn().Int("status", resp.StatusCode).Str("module", "whipsig").Msg("candidate patch rejected")
	}
}

// RestartICE PATCHes a fresh offer SDP to the resource and returns the
// answer. The stored ETag is refreshed from the response.
func (r *Resource) RestartICE(ctx context.Context, sdp string) (string, error) {
	r.mu.Lock()
	target := r.resourceURL
	etag := r.etag
	r.mu.Unlock()
	if target == "" {
		return "", &protocol.NegotiationError{Op: "ice-restart", Err: errNoResource}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, target, strings.NewReader(sdp))
	if err != nil {
		return "", &protocol.NegotiationError{Op: "ice-restart", Err: err}
	}
	req.Header.Set("Content-Type", contentTypeSDP)
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}
	r.applyAuth(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", &protocol.NegotiationError{Op: "ice-restart", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &protocol.NegotiationError{Op: "ice-restart", Status: resp.StatusCode, Body: string(body)}
	}
	r.mu.Lock()
	if e := resp.Header.Get("ETag"); e != "" {
		r.etag = e
	}
	r.mu.Unlock()
	return string(body), nil
}

// Close cancels pending flushes and DELETEs the resource best-effort.
// Safe to call repeatedly.
func (r *Resource) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.pending = nil
	target := r.resourceURL
	r.resourceURL = ""
	r.etag = ""
	r.mu.Unlock()

	if target == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return
	}
	r.applyAuth(req)
	resp, err := r.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("module", "whipsig").Msg("delete failed")
		return
	}
	_ = resp.Body.Close()
}

func (r *Resource) ResourceURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resourceURL
}

func (r *Resource) ETag() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.etag
}

// ICEServers returns servers advertised by the endpoint via Link headers.
func (r *Resource) ICEServers() []webrtc.ICEServer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.iceServers
}

func parseICEServers(link string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, m := range iceServerLink.FindAllStringSubmatch(link, -1) {
		servers = append(servers, webrtc.ICEServer{URLs: []string{m[1]}})
	}
	return servers
}
