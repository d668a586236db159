// Package relay copies upstream response bodies to the client connection.
// Media and static bodies stream through in pooled chunks with cooperative
// cancellation at every chunk boundary; manifest bodies are buffered whole,
// handed to the rewriter and sent with caching disabled.
package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/valyala/bytebufferpool"

	"scenestream-proxy/work/config"
	"scenestream-proxy/work/forwarder"
	"scenestream-proxy/work/logger"
	"scenestream-proxy/work/metrics"
	"scenestream-proxy/work/rewrite"
)

// ManifestMIME is the canonical content type for rewritten manifests,
// forced regardless of what the upstream declared.
const ManifestMIME = "application/vnd.apple.mpegurl"

const chunkSize = 32 * 1024

// allowedHeaders is the set of upstream response headers forwarded to the
// client. Everything else, the access token included, is dropped.
var allowedHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Accept-Ranges",
	"Content-Range",
	"Cache-Control",
	"Last-Modified",
	"Etag",
}

// Relay copies upstream bodies to clients. Safe for concurrent use; chunk
// buffers are pooled across requests.
type Relay struct {
	cfg      *config.Config
	log      *logger.Logger
	rewriter *rewrite.Rewriter
	buffers  bytebufferpool.Pool
}

// New creates a Relay using the given rewriter for manifest bodies.
func New(cfg *config.Config, log *logger.Logger, rewriter *rewrite.Rewriter) *Relay {
	return &Relay{
		cfg:      cfg,
		log:      log,
		rewriter: rewriter,
	}
}

// Send forwards the upstream response to the client: headers first (allow-
// listed, with class-appropriate cache policy), then the body. For the
// manifest class with a rewrite context, the body is buffered and rewritten
// before sending; a buffering failure happens before any header has gone
// out, so Send reports that failure status itself. Either way the caller
// must never attempt a second status write: any error Send returns has
// already been answered or arrived mid-body.
func (rl *Relay) Send(w http.ResponseWriter, session context.Context, up *forwarder.Upstream, class string, rctx *rewrite.Context) error {
	resp := up.Resp
	copyAllowedHeaders(w.Header(), resp.Header)
	setCacheDefaults(w.Header(), class)

	if class == "manifest" && rctx != nil {
		return rl.sendManifest(w, session, resp, rctx)
	}

	w.WriteHeader(resp.StatusCode)
	return rl.copyBody(w, session, resp.Body, class)
}

// sendManifest buffers the body up to the configured cap, rewrites it and
// sends the result. A manifest larger than the cap is relayed raw without
// rewriting; that mirrors the per-line fail-open policy at whole-body scale.
func (rl *Relay) sendManifest(w http.ResponseWriter, session context.Context, resp *http.Response, rctx *rewrite.Context) error {
	maxBytes := rl.cfg.ManifestMaxBytes

	body := rl.buffers.Get()
	defer rl.buffers.Put(body)

	if _, err := body.ReadFrom(io.LimitReader(resp.Body, maxBytes+1)); err != nil {
		fe := forwarder.ClassifyStreamError(session, fmt.Errorf("buffer manifest: %w", err))
		if fe.Kind == forwarder.KindCancelled {
			rl.log.Debug("{relay/relay - sendManifest} entity %s: cancelled while buffering manifest", rctx.EntityID)
			return fe
		}
		// no header has been written yet, so the failure status can still
		// reach the client instead of an implicit empty 200
		rl.log.Warn("{relay/relay - sendManifest} entity %s: buffering failed: %v", rctx.EntityID, err)
		for _, name := range allowedHeaders {
			w.Header().Del(name)
		}
		http.Error(w, "proxy error", fe.HTTPStatus())
		return fe
	}

	if int64(body.Len()) > maxBytes {
		rl.log.Warn("{relay/relay - sendManifest} entity %s: manifest exceeds %d bytes, relaying without rewrite", rctx.EntityID, maxBytes)
		metrics.RewriteWarnings.Inc()
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(resp.StatusCode)
		if _, err := w.Write(body.B); err != nil {
			return &forwarder.Error{Kind: forwarder.KindCancelled, Err: err}
		}
		metrics.BytesRelayed.WithLabelValues("manifest").Add(float64(body.Len()))
		return rl.copyBody(w, session, resp.Body, "manifest")
	}

	rewritten := rl.rewriter.Rewrite(body.B, rctx)

	// Manifests describe one session and must never be cached across
	// requests, whatever the upstream said.
	w.Header().Set("Content-Type", ManifestMIME)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(rewritten)))
	w.WriteHeader(resp.StatusCode)

	n, err := w.Write(rewritten)
	metrics.BytesRelayed.WithLabelValues("manifest").Add(float64(n))
	if err != nil {
		return &forwarder.Error{Kind: forwarder.KindCancelled, Err: err}
	}
	return nil
}

// copyBody streams the upstream body to the client in pooled chunks,
// checking the session at every chunk boundary so a superseded or
// disconnected stream stops reading upstream within one chunk.
func (rl *Relay) copyBody(w http.ResponseWriter, session context.Context, body io.Reader, class string) error {
	flusher, canFlush := w.(http.Flusher)

	chunk := rl.buffers.Get()
	defer rl.buffers.Put(chunk)
	if cap(chunk.B) < chunkSize {
		chunk.B = make([]byte, chunkSize)
	}
	buf := chunk.B[:chunkSize]

	var total int64
	for {
		select {
		case <-session.Done():
			rl.log.Debug("{relay/relay - copyBody} session ended after %d bytes", total)
			return &forwarder.Error{Kind: forwarder.KindCancelled, Err: session.Err()}
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			written, werr := w.Write(buf[:n])
			total += int64(written)
			metrics.BytesRelayed.WithLabelValues(class).Add(float64(written))
			if werr != nil {
				// Client went away; not an upstream fault.
				rl.log.Debug("{relay/relay - copyBody} client write failed after %d bytes: %v", total, werr)
				return &forwarder.Error{Kind: forwarder.KindCancelled, Err: werr}
			}
			if canFlush {
				flusher.Flush()
			}
		}

		if err != nil {
			if err == io.EOF {
				return nil
			}
			fe := forwarder.ClassifyStreamError(session, err)
			if fe.Kind == forwarder.KindCancelled {
				rl.log.Debug("{relay/relay - copyBody} cancelled after %d bytes", total)
			} else {
				rl.log.Warn("{relay/relay - copyBody} upstream read failed after %d bytes: %v", total, err)
			}
			return fe
		}
	}
}

func copyAllowedHeaders(dst, src http.Header) {
	for _, name := range allowedHeaders {
		if values, ok := src[http.CanonicalHeaderKey(name)]; ok {
			dst[name] = values
		}
	}
}

// setCacheDefaults applies per-class cache policy. Captions are immutable
// per entity and always carry a 1-year header, whatever the upstream sent;
// static assets and media previews only get a default when the upstream
// declared nothing.
func setCacheDefaults(h http.Header, class string) {
	switch class {
	case "caption":
		h.Set("Cache-Control", "public, max-age=31536000, immutable")
	case "static":
		if h.Get("Cache-Control") == "" {
			h.Set("Cache-Control", "public, max-age=31536000, immutable")
		}
	case "media":
		if h.Get("Cache-Control") == "" {
			h.Set("Cache-Control", "public, max-age=86400")
		}
	}
}
