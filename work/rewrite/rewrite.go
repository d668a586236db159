// Package rewrite transforms adaptive-streaming manifests so every media and
// segment reference routes back through this proxy. Upstream access tokens
// are stripped from each URI line and the routing instance id is injected so
// follow-up segment requests land on the correct upstream instance.
package rewrite

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"

	"scenestream-proxy/work/config"
	"scenestream-proxy/work/logger"
	"scenestream-proxy/work/metrics"
)

// apikeyParam matches the upstream access-token query parameter; upstream
// servers vary the casing, so the match is case-insensitive.
var apikeyParam = regexp.MustCompile(`(?i)^apikey$`)

// InstanceParam is the query parameter carrying the routing instance id on
// rewritten manifest lines. Handlers read it back on segment requests.
const InstanceParam = "instanceId"

// Context carries just enough information to reconstruct proxy-relative URLs
// for every line of a single manifest. It is ephemeral, scoped to one
// Rewrite call.
type Context struct {
	EntityID   string
	InstanceID string
	BasePath   string
}

// Rewriter performs the line-oriented manifest transform. Safe for
// concurrent use.
type Rewriter struct {
	cfg *config.Config
	log *logger.Logger
}

// New creates a Rewriter.
func New(cfg *config.Config, log *logger.Logger) *Rewriter {
	return &Rewriter{
		cfg: cfg,
		log: log,
	}
}

// Rewrite processes the raw manifest text line by line. Blank lines and
// directive lines (leading '#') pass through byte-identical; every other
// line is treated as a URI reference and repointed at this proxy's
// entity-scoped stream endpoint with the access token removed.
//
// A line that cannot be parsed is emitted unchanged and counted as a
// warning; a single corrupt line must not break the whole manifest.
func (rw *Rewriter) Rewrite(raw []byte, rctx *Context) []byte {
	rw.classify(raw, rctx)

	var out bytes.Buffer
	out.Grow(len(raw) + len(raw)/2)

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}

		rewritten, err := rw.rewriteLine(trimmed, rctx)
		if err != nil {
			rw.log.Warn("{rewrite/rewrite - Rewrite} entity %s: leaving manifest line unchanged: %v", rctx.EntityID, err)
			metrics.RewriteWarnings.Inc()
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}

		out.WriteString(rewritten)
		out.WriteByte('\n')
	}

	if err := scanner.Err(); err != nil {
		// Oversized or unreadable input: hand the original back untouched.
		rw.log.Warn("{rewrite/rewrite - Rewrite} entity %s: manifest scan failed, passing through: %v", rctx.EntityID, err)
		metrics.RewriteWarnings.Inc()
		return raw
	}

	return out.Bytes()
}

// rewriteLine handles the three URI shapes a manifest line can take:
// absolute URL with scheme, absolute path, and relative path or bare
// filename. All three reduce to a path plus query parameters.
func (rw *Rewriter) rewriteLine(line string, rctx *Context) (string, error) {
	u, err := url.Parse(line)
	if err != nil {
		return "", fmt.Errorf("parse uri: %w", err)
	}

	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", fmt.Errorf("parse query: %w", err)
	}

	for key := range query {
		if apikeyParam.MatchString(key) {
			delete(query, key)
		}
	}

	if rctx.InstanceID != "" {
		query.Set(InstanceParam, rctx.InstanceID)
	}

	suffix := streamSuffix(u.Path, rctx.EntityID)

	var b strings.Builder
	b.WriteString(rctx.BasePath)
	b.WriteString("/entity/")
	b.WriteString(url.PathEscape(rctx.EntityID))
	b.WriteString("/stream/")
	b.WriteString(suffix)
	if encoded := query.Encode(); encoded != "" {
		b.WriteByte('?')
		b.WriteString(encoded)
	}

	return b.String(), nil
}

// streamSuffix derives the stream-relative portion of a manifest URI path:
// everything after the entity-scoped prefix when one is present, otherwise
// the path with any leading separator stripped.
func streamSuffix(path, entityID string) string {
	marker := "/entity/" + entityID + "/"
	if idx := strings.Index(path, marker); idx >= 0 {
		// Segment paths nested under the stream endpoint keep only the
		// part after it, so rewriting the same manifest twice is a no-op.
		return strings.TrimPrefix(path[idx+len(marker):], "stream/")
	}
	return strings.TrimPrefix(path, "/")
}

// classify runs the grafov parser over the manifest purely for visibility:
// master vs media playlists behave differently for players, and knowing
// which kind flowed through helps when debugging rewrite complaints.
func (rw *Rewriter) classify(raw []byte, rctx *Context) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(raw), true)
	if err != nil {
		rw.log.Debug("{rewrite/rewrite - classify} entity %s: manifest did not parse as m3u8: %v", rctx.EntityID, err)
		return
	}

	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		rw.log.Debug("{rewrite/rewrite - classify} entity %s: master playlist, %d variants", rctx.EntityID, len(master.Variants))
	case m3u8.MEDIA:
		media := playlist.(*m3u8.MediaPlaylist)
		rw.log.Debug("{rewrite/rewrite - classify} entity %s: media playlist, %d segments", rctx.EntityID, media.Count())
	}
}
