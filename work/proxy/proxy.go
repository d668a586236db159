// Package proxy ties the request pipeline together: credential resolution,
// the global concurrency limit, per-entity stream sessions, the upstream
// fetch and the response relay. Handlers stay thin; this is where the flow
// lives.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"scenestream-proxy/work/config"
	"scenestream-proxy/work/forwarder"
	"scenestream-proxy/work/limiter"
	"scenestream-proxy/work/logger"
	"scenestream-proxy/work/metrics"
	"scenestream-proxy/work/registry"
	"scenestream-proxy/work/relay"
	"scenestream-proxy/work/resolver"
	"scenestream-proxy/work/rewrite"
)

// StreamProxy owns the proxy pipeline. One instance serves all requests;
// every component it holds is safe for concurrent use.
type StreamProxy struct {
	Config    *config.Config
	Log       *logger.Logger
	Limiter   *limiter.Limiter
	Registry  *registry.Registry
	Resolver  *resolver.Resolver
	Forwarder *forwarder.Forwarder
	Relay     *relay.Relay
}

// New assembles a StreamProxy from its components.
func New(cfg *config.Config, log *logger.Logger, lim *limiter.Limiter, reg *registry.Registry, res *resolver.Resolver, fwd *forwarder.Forwarder, rl *relay.Relay) *StreamProxy {
	return &StreamProxy{
		Config:    cfg,
		Log:       log,
		Limiter:   lim,
		Registry:  reg,
		Resolver:  res,
		Forwarder: fwd,
		Relay:     rl,
	}
}

// ServeEntityStream proxies a direct or adaptive stream request for one
// entity. suffix is the stream-relative path ("stream", "stream.m3u8" or
// "stream/<segment>"). Starting a new stream for an entity supersedes and
// cancels any stream already in flight for it.
func (sp *StreamProxy) ServeEntityStream(w http.ResponseWriter, r *http.Request, entityID, suffix string) {
	inst, err := sp.resolveRequest(r, entityID)
	if err != nil {
		sp.writeResolveError(w, entityID, err)
		return
	}

	permit, err := sp.Limiter.Acquire(r.Context())
	if err != nil {
		// Client gave up while queued; nothing left to answer.
		sp.Log.Debug("{proxy/proxy - ServeEntityStream} entity %s: left the queue: %v", entityID, err)
		return
	}
	defer permit.Release()

	session := sp.Registry.Begin(r.Context(), entityID)
	defer sp.Registry.End(entityID, session)

	class := forwarder.MediaClassForPath(suffix)
	up, err := sp.Forwarder.Fetch(session.Context(), &forwarder.Request{
		Instance: inst,
		Path:     "/entity/" + url.PathEscape(entityID) + "/" + suffix,
		Query:    outboundQuery(r.URL.Query()),
		Range:    r.Header.Get("Range"),
		Class:    class,
	})
	if err != nil {
		sp.writeFetchError(w, err)
		return
	}
	defer up.Close()

	var rctx *rewrite.Context
	if class == "manifest" {
		rctx = &rewrite.Context{
			EntityID:   entityID,
			InstanceID: inst.ID,
			BasePath:   sp.Config.BasePath(),
		}
	}

	sp.finishRelay(w, session.Context(), up, class, rctx)
}

// ServeCaption proxies subtitle text for an entity. Captions are immutable
// per entity, so they carry a long-lived cache header; no stream session is
// involved, a caption fetch must not cancel active playback.
func (sp *StreamProxy) ServeCaption(w http.ResponseWriter, r *http.Request, entityID, lang, captionType string) {
	inst, err := sp.resolveRequest(r, entityID)
	if err != nil {
		sp.writeResolveError(w, entityID, err)
		return
	}

	permit, err := sp.Limiter.Acquire(r.Context())
	if err != nil {
		sp.Log.Debug("{proxy/proxy - ServeCaption} entity %s: left the queue: %v", entityID, err)
		return
	}
	defer permit.Release()

	query := url.Values{}
	if lang != "" {
		query.Set("lang", lang)
	}
	if captionType != "" {
		query.Set("type", captionType)
	}

	up, err := sp.Forwarder.Fetch(r.Context(), &forwarder.Request{
		Instance: inst,
		Path:     "/entity/" + url.PathEscape(entityID) + "/caption",
		Query:    query,
		Range:    r.Header.Get("Range"),
		Class:    "caption",
	})
	if err != nil {
		sp.writeFetchError(w, err)
		return
	}
	defer up.Close()

	sp.finishRelay(w, r.Context(), up, "caption", nil)
}

// ServeMedia proxies a generic static asset (thumbnail, sprite) identified
// by an upstream path and an explicit instance id.
func (sp *StreamProxy) ServeMedia(w http.ResponseWriter, r *http.Request, path, instanceID string) {
	inst, err := sp.Resolver.Resolve(r.Context(), instanceID)
	if err != nil {
		sp.writeResolveError(w, path, err)
		return
	}

	permit, err := sp.Limiter.Acquire(r.Context())
	if err != nil {
		sp.Log.Debug("{proxy/proxy - ServeMedia} %s: left the queue: %v", path, err)
		return
	}
	defer permit.Release()

	if path == "" || path[0] != '/' {
		path = "/" + path
	}

	up, err := sp.Forwarder.Fetch(r.Context(), &forwarder.Request{
		Instance: inst,
		Path:     path,
		Range:    r.Header.Get("Range"),
		Class:    "static",
	})
	if err != nil {
		sp.writeFetchError(w, err)
		return
	}
	defer up.Close()

	sp.finishRelay(w, r.Context(), up, "static", nil)
}

// resolveRequest picks the upstream instance for a request: an explicit
// instance id on the query wins (rewritten manifests carry one), otherwise
// the entity routing lookup decides.
func (sp *StreamProxy) resolveRequest(r *http.Request, entityID string) (*resolver.Instance, error) {
	if id := r.URL.Query().Get(rewrite.InstanceParam); id != "" {
		return sp.Resolver.Resolve(r.Context(), id)
	}
	return sp.Resolver.ResolveForEntity(r.Context(), entityID)
}

// finishRelay hands the upstream response to the relay. At this point the
// relay owns the status line; it either answers the request itself or the
// error arrived mid-body, so the only thing left here is bookkeeping.
func (sp *StreamProxy) finishRelay(w http.ResponseWriter, ctx context.Context, up *forwarder.Upstream, class string, rctx *rewrite.Context) {
	if err := sp.Relay.Send(w, ctx, up, class, rctx); err != nil {
		fe := forwarder.AsError(err)
		if fe != nil && fe.Kind == forwarder.KindCancelled {
			sp.Log.Debug("{proxy/proxy - finishRelay} relay stopped: %v", err)
			return
		}
		sp.Log.Warn("{proxy/proxy - finishRelay} relay failed: %v", err)
		if fe != nil {
			metrics.ProxyErrors.WithLabelValues(fe.Kind.String()).Inc()
		}
	}
}

// writeResolveError answers a request whose upstream instance could not be
// determined. An unknown or disabled route reads as a missing entity to the
// client; anything else is a proxy configuration failure.
func (sp *StreamProxy) writeResolveError(w http.ResponseWriter, subject string, err error) {
	if errors.Is(err, resolver.ErrNoInstance) {
		sp.Log.Debug("{proxy/proxy - writeResolveError} %s: no upstream instance: %v", subject, err)
		http.Error(w, "entity not found", http.StatusNotFound)
		return
	}
	sp.Log.Error("{proxy/proxy - writeResolveError} %s: resolve failed: %v", subject, err)
	metrics.ProxyErrors.WithLabelValues(forwarder.KindConfiguration.String()).Inc()
	http.Error(w, "proxy error", http.StatusInternalServerError)
}

// writeFetchError maps a forwarder failure onto the client response.
// Cancellations stay silent; everything else gets its taxonomy status and a
// terse body, never upstream details or credentials.
func (sp *StreamProxy) writeFetchError(w http.ResponseWriter, err error) {
	fe := forwarder.AsError(err)
	if fe == nil {
		sp.Log.Error("{proxy/proxy - writeFetchError} unclassified error: %v", err)
		http.Error(w, "proxy error", http.StatusInternalServerError)
		return
	}

	if fe.Kind == forwarder.KindCancelled {
		sp.Log.Debug("{proxy/proxy - writeFetchError} request cancelled: %v", err)
		return
	}

	metrics.ProxyErrors.WithLabelValues(fe.Kind.String()).Inc()
	switch fe.Kind {
	case forwarder.KindUpstreamStatus:
		http.Error(w, "upstream error", fe.HTTPStatus())
	case forwarder.KindTimeout:
		http.Error(w, "upstream timeout", fe.HTTPStatus())
	default:
		http.Error(w, "proxy error", fe.HTTPStatus())
	}
}

// outboundQuery copies the client's query for the upstream request,
// dropping the proxy's own routing parameter and any stray access token a
// player might replay from an unrewritten manifest.
func outboundQuery(q url.Values) url.Values {
	out := url.Values{}
	for key, values := range q {
		if key == rewrite.InstanceParam || strings.EqualFold(key, "apikey") {
			continue
		}
		out[key] = values
	}
	return out
}
