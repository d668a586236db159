package forwarder

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"

	"scenestream-proxy/work/client"
	"scenestream-proxy/work/config"
	"scenestream-proxy/work/logger"
	"scenestream-proxy/work/resolver"
	"scenestream-proxy/work/utils"
)

// Request describes one upstream fetch: the resolved instance, the
// upstream path and query to request, the client's Range header when
// seeking, and the media class that selects the wall timeout.
type Request struct {
	Instance *resolver.Instance
	Path     string // upstream path, leading slash included
	Query    url.Values
	Range    string // forwarded verbatim when non-empty
	Class    string // media, manifest, caption or static
}

// Upstream is a successfully opened upstream response. Close must be
// called on every path once the body has been consumed or abandoned; it
// releases the deadline timer and the pooled connection.
type Upstream struct {
	Resp   *http.Response
	cancel context.CancelFunc
}

// Close aborts any remaining transfer and returns the connection to the
// pool.
func (u *Upstream) Close() {
	u.Resp.Body.Close()
	u.cancel()
}

// Forwarder issues outbound requests through the connection pool,
// attaching instance credentials, applying per-class timeouts, pacing
// per-instance request rates, and classifying every failure into the
// package error taxonomy.
type Forwarder struct {
	cfg      *config.Config
	pool     *client.Pool
	log      *logger.Logger
	limiters *xsync.MapOf[string, ratelimit.Limiter]
}

// New creates a Forwarder over the given transport pool.
func New(cfg *config.Config, pool *client.Pool, log *logger.Logger) *Forwarder {
	return &Forwarder{
		cfg:      cfg,
		pool:     pool,
		log:      log,
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// Fetch opens the upstream response for req. ctx is the session scope:
// when it is cancelled (client disconnect or supersession) the upstream
// connection is aborted silently. The per-class timeout runs from request
// start and covers the whole transfer, not just the response headers.
//
// On success the returned Upstream carries a 2xx response whose body is
// ready to relay. All failures come back as *Error.
func (f *Forwarder) Fetch(ctx context.Context, req *Request) (*Upstream, error) {
	inst := req.Instance
	if inst == nil {
		return nil, &Error{Kind: KindConfiguration, Err: resolver.ErrNoInstance}
	}

	target := inst.Address + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	deadline, cancel := context.WithTimeout(ctx, f.cfg.TimeoutForClass(req.Class))

	httpReq, err := http.NewRequestWithContext(deadline, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, &Error{Kind: KindConfiguration, Err: err}
	}

	// the token travels upstream only, never toward the client
	if inst.APIKey != "" {
		httpReq.Header.Set("ApiKey", inst.APIKey)
	}
	if req.Range != "" {
		httpReq.Header.Set("Range", req.Range)
	}

	f.limiterFor(inst).Take()

	f.log.Debug("{forwarder - Fetch} %s %s (class=%s, range=%q, token=%s)",
		http.MethodGet, utils.LogURL(f.cfg, target), req.Class, req.Range, utils.TokenDigest(inst.APIKey))

	resp, err := f.pool.Do(httpReq)
	if err != nil {
		cancel()
		cls := classify(ctx, deadline, err)
		if cls.Kind == KindCancelled {
			f.log.Debug("{forwarder - Fetch} Cancelled before response: %s", utils.LogURL(f.cfg, target))
		} else {
			f.log.Warn("{forwarder - Fetch} Upstream fetch failed (%s): %s", cls.Kind, utils.LogURL(f.cfg, target))
		}
		return nil, cls
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		f.log.Warn("{forwarder - Fetch} Upstream returned HTTP %d for %s",
			resp.StatusCode, utils.LogURL(f.cfg, target))
		return nil, &Error{Kind: KindUpstreamStatus, Status: resp.StatusCode}
	}

	return &Upstream{Resp: resp, cancel: cancel}, nil
}

// ClassifyStreamError translates an error observed while relaying the
// response body, keeping the same taxonomy as Fetch. Used by the relay so
// it never interprets raw transport errors itself.
func ClassifyStreamError(session context.Context, err error) *Error {
	return classify(session, session, err)
}

// limiterFor returns the pacing limiter for an instance, creating it on
// first use. Instances discovered from the store at runtime get a limiter
// at the configured default rate.
func (f *Forwarder) limiterFor(inst *resolver.Instance) ratelimit.Limiter {
	lim, _ := f.limiters.LoadOrCompute(inst.ID, func() ratelimit.Limiter {
		rate := 10
		if ic := f.cfg.GetInstanceByID(inst.ID); ic != nil && ic.RequestsPerSecond > 0 {
			rate = ic.RequestsPerSecond
		}
		f.log.Debug("{forwarder - limiterFor} Created rate limiter for instance %s: %d req/sec", inst.ID, rate)
		return ratelimit.New(rate)
	})
	return lim
}

// MediaClassForPath derives the media class from an upstream path suffix.
func MediaClassForPath(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".m3u8"):
		return "manifest"
	case strings.HasSuffix(lower, ".vtt"), strings.HasSuffix(lower, ".srt"):
		return "caption"
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"),
		strings.HasSuffix(lower, ".png"), strings.HasSuffix(lower, ".webp"):
		return "static"
	default:
		return "media"
	}
}
