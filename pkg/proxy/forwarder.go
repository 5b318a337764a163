package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"

	apierrors "github.com/stacklok/capsule-broker/pkg/errors"
	"github.com/stacklok/capsule-broker/pkg/logger"
)

const (
	maxRequestBody = 10 * 1024 * 1024
	sseChunkSize   = 16 * 1024
	plainChunkSize = 64 * 1024
)

// hopByHop lists headers that must never be forwarded by a proxy, in
// either direction (RFC 7230 section 6.1).
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Config is the per-instance proxy configuration (spec section 4.5).
type Config struct {
	Name    string
	Target  *url.URL
	Bearer  string
	Timeout time.Duration

	// AgentID / SessionID, when non-empty, are injected as X-CA-Agent /
	// X-CA-Session on every forwarded request.
	AgentID   string
	SessionID string
}

// Forwarder is the allowlist-enforcing reverse proxy handler.
type Forwarder struct {
	cfg    Config
	client *http.Client
}

// NewForwarder builds a Forwarder over cfg.
func NewForwarder(cfg Config) *Forwarder {
	return &Forwarder{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			// Forward redirects to the caller rather than follow them
			// transparently: the allowlist check must see every hop.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Routes returns a chi.Router wired with /health and the catch-all
// forwarding handler.
func (f *Forwarder) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", apierrors.AsHandler(f.handleHealth))
	r.HandleFunc("/*", apierrors.AsHandler(f.handleForward))
	return r
}

func (f *Forwarder) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","name":"` + f.cfg.Name + `"}`))
	return nil
}

// mergeURL joins path (with a single leading slash stripped) onto the
// configured target, then forces scheme and host back to the target's,
// preventing a crafted request line from redirecting the upstream host.
func (f *Forwarder) mergeURL(path string) *url.URL {
	trimmed := strings.TrimPrefix(path, "/")
	merged := *f.cfg.Target
	base := strings.TrimSuffix(f.cfg.Target.Path, "/")
	merged.Path = base + "/" + trimmed
	merged.Scheme = f.cfg.Target.Scheme
	merged.Host = f.cfg.Target.Host
	return &merged
}

func (f *Forwarder) isAllowed(u *url.URL) bool {
	return u.Host == f.cfg.Target.Host
}

func (f *Forwarder) handleForward(w http.ResponseWriter, r *http.Request) error {
	target := f.mergeURL(r.URL.Path)
	if r.URL.RawQuery != "" {
		target.RawQuery = r.URL.RawQuery
	}
	if !f.isAllowed(target) {
		return apierrors.NewIntegrityError("destination not permitted: "+target.Host, nil)
	}

	if r.ContentLength > maxRequestBody {
		http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		http.Error(w, "error reading request body", http.StatusBadGateway)
		return nil
	}
	if len(body) > maxRequestBody {
		http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
		return nil
	}

	headers := filterHeaders(r.Header)
	headers.Set("X-CA-Helper", f.cfg.Name)
	if f.cfg.AgentID != "" {
		headers.Set("X-CA-Agent", f.cfg.AgentID)
	}
	if f.cfg.SessionID != "" {
		headers.Set("X-CA-Session", f.cfg.SessionID)
	}
	if f.cfg.Bearer != "" && headers.Get("Authorization") == "" {
		headers.Set("Authorization", "Bearer "+f.cfg.Bearer)
	}

	ctx, cancel := context.WithTimeout(r.Context(), f.effectiveTimeout())
	defer cancel()

	upstream, err := f.dialUpstream(ctx, target.String(), r.Method, headers, body)
	if err != nil {
		writeUpstreamError(w, err)
		return nil
	}
	defer upstream.Body.Close()

	forwardResponse(w, upstream)
	return nil
}

func (f *Forwarder) effectiveTimeout() time.Duration {
	if f.cfg.Timeout <= 0 {
		return 60 * time.Second
	}
	return f.cfg.Timeout
}

// dialUpstream issues the upstream request, retrying transient dial
// failures (connection refused, DNS hiccups) a bounded number of times
// before giving up.
func (f *Forwarder) dialUpstream(ctx context.Context, target, method string, headers http.Header, body []byte) (*http.Response, error) {
	operation := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, target, newBodyReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header = headers.Clone()

		resp, err := f.client.Do(req)
		if err != nil {
			var netErr net.Error
			if ok := asNetError(err, &netErr); ok && !netErr.Timeout() {
				return nil, err // retryable: dial-level failure
			}
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(backoff.NewExponentialBackOff()))
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	var netErr net.Error
	if asNetError(err, &netErr) && netErr.Timeout() {
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
		return
	}
	http.Error(w, "upstream connection failed: "+err.Error(), http.StatusBadGateway)
}

func forwardResponse(w http.ResponseWriter, upstream *http.Response) {
	header := filterHeaders(upstream.Header)
	for key, values := range header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(upstream.StatusCode)

	contentType := upstream.Header.Get("Content-Type")
	isSSE := strings.Contains(strings.ToLower(contentType), "text/event-stream")
	chunkSize := plainChunkSize
	if isSSE {
		chunkSize = sseChunkSize
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, chunkSize)
	for {
		n, err := upstream.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Debugf("proxy: writing response chunk: %v", werr)
				return
			}
			if isSSE && flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			logger.Debugf("proxy: reading upstream body: %v", err)
			return
		}
	}
}

func filterHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for key, values := range in {
		if hopByHop[strings.ToLower(key)] {
			continue
		}
		out[key] = append([]string(nil), values...)
	}
	return out
}

func newBodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return &byteReader{data: body}
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// ParseListen splits a "host:port" string into components, matching the
// source's _parse_listen_value.
func ParseListen(listen string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
