package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenestream-proxy/work/client"
	"scenestream-proxy/work/config"
	"scenestream-proxy/work/forwarder"
	"scenestream-proxy/work/limiter"
	"scenestream-proxy/work/logger"
	"scenestream-proxy/work/proxy"
	"scenestream-proxy/work/registry"
	"scenestream-proxy/work/relay"
	"scenestream-proxy/work/resolver"
	"scenestream-proxy/work/rewrite"
)

// newTestProxy wires a full pipeline against the given upstream address and
// returns the StreamProxy plus a server exposing the public routes.
func newTestProxy(t *testing.T, upstreamAddr string) (*proxy.StreamProxy, *httptest.Server) {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Instances = []config.InstanceConfig{
		{ID: "default", Address: upstreamAddr, APIKey: "secret-token", Enabled: true},
	}

	log := logger.NewWithWriter("ERROR", io.Discard)
	sp := proxy.New(
		cfg,
		log,
		limiter.New(cfg.MaxConcurrentRequests),
		registry.New(log),
		resolver.New(cfg, nil, log),
		forwarder.New(cfg, client.NewPool(cfg), log),
		relay.New(cfg, log, rewrite.New(cfg, log)),
	)

	srv := httptest.NewServer(Router(sp))
	t.Cleanup(srv.Close)
	return sp, srv
}

func TestStreamEndpointProxiesMedia(t *testing.T) {
	var gotPath, gotToken string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("ApiKey")
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("media-bytes"))
	}))
	defer upstream.Close()

	_, srv := newTestProxy(t, upstream.URL)

	resp, err := http.Get(srv.URL + "/entity/7/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "media-bytes", string(body))
	assert.Equal(t, "/entity/7/stream", gotPath)
	assert.Equal(t, "secret-token", gotToken)
	assert.Empty(t, resp.Header.Get("ApiKey"))
}

func TestManifestEndpointRewrites(t *testing.T) {
	manifest := "#EXTM3U\n#EXTINF:10,\nseg0.ts?apikey=SECRET&resolution=HD\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(manifest))
	}))
	defer upstream.Close()

	_, srv := newTestProxy(t, upstream.URL)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/entity/7/stream.m3u8", nil)
	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, relay.ManifestMIME, resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.NotContains(t, string(body), "SECRET")
	assert.Contains(t, string(body), "#EXTINF:10,")
	assert.Contains(t, string(body), "/entity/7/stream/seg0.ts?")
	assert.Contains(t, string(body), "instanceId=default")
	assert.Contains(t, string(body), "resolution=HD")
}

func TestManifestRewritePrefixesBasePath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\nseg0.ts?apikey=SECRET\n"))
	}))
	defer upstream.Close()

	sp, srv := newTestProxy(t, upstream.URL)
	sp.Config.BaseURL = "http://proxy.example.com/media-proxy"

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/entity/7/stream.m3u8", nil)
	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Contains(t, string(body), "/media-proxy/entity/7/stream/seg0.ts?")
	assert.NotContains(t, string(body), "SECRET")
}

func TestManifestEndpointCompresses(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\nseg0.ts?apikey=SECRET\n"))
	}))
	defer upstream.Close()

	_, srv := newTestProxy(t, upstream.URL)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/entity/7/stream.m3u8", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	gz, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "SECRET")
	assert.Contains(t, string(body), "/entity/7/stream/seg0.ts")
}

func TestVariantManifestCompressesLikeTopLevel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\nseg0.ts?apikey=SECRET\n"))
	}))
	defer upstream.Close()

	_, srv := newTestProxy(t, upstream.URL)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/entity/7/stream/variants/720p.m3u8", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	gz, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "SECRET")
	assert.Contains(t, string(body), "/entity/7/stream/seg0.ts")
}

func TestSegmentEndpointStripsRoutingParams(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte("segment-bytes"))
	}))
	defer upstream.Close()

	_, srv := newTestProxy(t, upstream.URL)

	resp, err := http.Get(srv.URL + "/entity/7/stream/low/seg3.ts?instanceId=default&resolution=HD")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/entity/7/stream/low/seg3.ts", gotPath)
	assert.NotContains(t, gotQuery, "instanceId")
	assert.Contains(t, gotQuery, "resolution=HD")
}

func TestCaptionEndpoint(t *testing.T) {
	var gotPath string
	var gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte("WEBVTT"))
	}))
	defer upstream.Close()

	_, srv := newTestProxy(t, upstream.URL)

	resp, err := http.Get(srv.URL + "/entity/7/caption?lang=en&type=srt")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/entity/7/caption", gotPath)
	assert.Contains(t, gotQuery, "lang=en")
	assert.Contains(t, gotQuery, "type=srt")
	assert.Equal(t, "public, max-age=31536000, immutable", resp.Header.Get("Cache-Control"))
}

func TestCaptionRejectsBadLanguage(t *testing.T) {
	var hit atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit.Store(true)
	}))
	defer upstream.Close()

	_, srv := newTestProxy(t, upstream.URL)

	resp, err := http.Get(srv.URL + "/entity/7/caption?lang=../../etc")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, hit.Load())
}

func TestMediaEndpoint(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("jpeg-bytes"))
	}))
	defer upstream.Close()

	_, srv := newTestProxy(t, upstream.URL)

	resp, err := http.Get(srv.URL + "/proxy/media?path=/thumbs/7.jpg&instanceId=default")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/thumbs/7.jpg", gotPath)
	assert.Equal(t, "public, max-age=31536000, immutable", resp.Header.Get("Cache-Control"))

	resp, err = http.Get(srv.URL + "/proxy/media")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownInstanceIs404(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	_, srv := newTestProxy(t, upstream.URL)

	resp, err := http.Get(srv.URL + "/entity/7/stream?instanceId=nope")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpstreamStatusForwardedVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer upstream.Close()

	_, srv := newTestProxy(t, upstream.URL)

	resp, err := http.Get(srv.URL + "/entity/404/stream")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRangeForwarded(t *testing.T) {
	var gotRange string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Range", "bytes 1000-1010/5000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("partial-byte"))
	}))
	defer upstream.Close()

	_, srv := newTestProxy(t, upstream.URL)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/entity/7/stream", nil)
	req.Header.Set("Range", "bytes=1000-")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "bytes=1000-", gotRange)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 1000-1010/5000", resp.Header.Get("Content-Range"))
}

func TestClientDisconnectAbortsUpstreamAndClearsSession(t *testing.T) {
	upstreamAborted := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 1024)))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
			close(upstreamAborted)
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	sp, srv := newTestProxy(t, upstream.URL)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/entity/7/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	buf := make([]byte, 512)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)

	cancel()
	resp.Body.Close()

	select {
	case <-upstreamAborted:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream connection was not aborted after client disconnect")
	}

	require.Eventually(t, func() bool { return sp.Registry.Len() == 0 },
		2*time.Second, 10*time.Millisecond, "session registry entry not cleared")
}

func TestNewStreamSupersedesPrior(t *testing.T) {
	firstAborted := make(chan struct{})
	firstStarted := make(chan struct{})
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(firstStarted)
			w.Write([]byte("first"))
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				close(firstAborted)
			case <-time.After(5 * time.Second):
			}
			return
		}
		w.Write([]byte("second"))
	}))
	defer upstream.Close()

	_, srv := newTestProxy(t, upstream.URL)

	go func() {
		resp, err := http.Get(srv.URL + "/entity/7/stream")
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}()

	select {
	case <-firstStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("first stream never reached the upstream")
	}

	resp, err := http.Get(srv.URL + "/entity/7/stream")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "second", string(body))

	select {
	case <-firstAborted:
	case <-time.After(2 * time.Second):
		t.Fatal("starting a new stream did not cancel the prior session")
	}
}

func TestHealthEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	_, srv := newTestProxy(t, upstream.URL)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
}
