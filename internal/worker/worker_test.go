package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/desertwitch/sitemount/internal/protocol"
	"github.com/desertwitch/sitemount/internal/router"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testOrigin = "site.test"

func testWorker(t *testing.T, compress bool) (string, *Worker) {
	t.Helper()

	tmpDir := t.TempDir()
	for name, content := range map[string]string{
		"site/index.html":   "<h1>ok</h1>",
		"site/style.css":    "body{}",
		"other/index.html":  "<h1>other</h1>",
		"noindex/style.css": "body{}",
	} {
		path := filepath.Join(tmpDir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	f, err := os.Create(filepath.Join(tmpDir, "site.zip"))
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range map[string]string{
		"index.html":     "<h1>zip</h1>",
		"css/style.css":  "body{color:blue}",
		"img/pixel.webp": "RIFF",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	ropts := router.DefaultOptions()
	ropts.Origin = testOrigin

	wk, err := New(Config{
		RootDir:  tmpDir,
		Router:   ropts,
		Upstream: roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, io.ErrUnexpectedEOF }),
		Compress: compress,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { wk.Close() })

	return tmpDir, wk
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func postMessage(t *testing.T, h http.Handler, path, client, body string) (*httptest.ResponseRecorder, protocol.Event) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "http://service.worker"+path, strings.NewReader(body))
	if client != "" {
		req.Header.Set(router.ClientHeader, client)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var ev protocol.Event
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))
	}

	return rec, ev
}

func getAs(t *testing.T, h http.Handler, client, target string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	if client != "" {
		req.Header.Set(router.ClientHeader, client)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

// Expectation: New should reject a missing logger or root directory.
func Test_New_Error(t *testing.T) {
	t.Parallel()

	_, err := New(Config{RootDir: t.TempDir()}, nil)
	require.ErrorIs(t, err, errMissingArgument)

	_, err = New(Config{RootDir: filepath.Join(t.TempDir(), "missing")}, zaptest.NewLogger(t))
	require.Error(t, err)
}

// Expectation: The complete flow of probe, register, serve and unregister
// should work over the HTTP handler.
func Test_Worker_Handler_Scenario_Success(t *testing.T) {
	t.Parallel()
	_, wk := testWorker(t, false)
	h := wk.Handler()

	rec := getAs(t, h, "", "http://service.worker/check")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Body.String())

	rec, ev := postMessage(t, h, "/register", "tab-1",
		`{"type":"REGISTER","handle":{"kind":"directory","path":"site"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, protocol.EventLoad, ev.Type)
	require.Equal(t, "tab-1", ev.Client)
	require.Equal(t, "<h1>ok</h1>", *ev.Content)

	rec = getAs(t, h, "tab-1", "http://site.test/style.css")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/css", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	require.Equal(t, "body{}", rec.Body.String())

	rec = getAs(t, h, "tab-1", "http://site.test/missing.js")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, rec.Body.String())

	rec = getAs(t, h, "tab-2", "http://site.test/style.css")
	require.Equal(t, http.StatusNotFound, rec.Code) // own origin, without backend

	rec, ev = postMessage(t, h, "/unregister", "tab-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, protocol.EventUnloaded, ev.Type)
	require.True(t, *ev.Removed)

	rec = getAs(t, h, "tab-1", "http://site.test/style.css")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, ev = postMessage(t, h, "/unregister", "tab-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, *ev.Removed)
}

// Expectation: A REGISTER without identity on the own origin should be
// assigned one, which a browser then sends along with the site's requests.
func Test_Worker_Handler_AssignedClient_Success(t *testing.T) {
	t.Parallel()
	_, wk := testWorker(t, false)

	srv := httptest.NewServer(wk.Handler())
	defer srv.Close()

	proxy, err := url.Parse(srv.URL)
	require.NoError(t, err)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	tr := &http.Transport{Proxy: http.ProxyURL(proxy)}
	defer tr.CloseIdleConnections()

	hc := &http.Client{Transport: tr, Jar: jar}

	resp, err := hc.Post("http://"+testOrigin+ControlPrefix+"/message", "application/json",
		strings.NewReader(`{"type":"REGISTER","handle":{"kind":"file","path":"site.zip"}}`))
	require.NoError(t, err)

	var ev protocol.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ev))
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, protocol.EventLoad, ev.Type)
	require.NotEmpty(t, ev.Client)
	require.Equal(t, "<h1>zip</h1>", *ev.Content)

	_, ok := wk.Registry.Lookup(ev.Client)
	require.True(t, ok)

	resp, err = hc.Get("http://" + testOrigin + "/css/style.css")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "body{color:blue}", string(body))

	resp, err = hc.Post("http://"+testOrigin+ControlPrefix+"/unregister", "application/json", http.NoBody)
	require.NoError(t, err)

	ev = protocol.Event{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ev))
	resp.Body.Close()

	require.Equal(t, protocol.EventUnloaded, ev.Type)
	require.True(t, *ev.Removed)
	require.Zero(t, wk.Registry.Len())
}

// Expectation: The identity cookie set on the reserved host should
// identify the client for its following control messages there.
func Test_Worker_Handler_AssignedClient_ProbeHost_Success(t *testing.T) {
	t.Parallel()
	_, wk := testWorker(t, false)
	h := wk.Handler()

	rec, ev := postMessage(t, h, "/register", "",
		`{"type":"REGISTER","handle":{"kind":"directory","path":"site"}}`)
	require.Equal(t, protocol.EventLoad, ev.Type)

	cookies := rec.Result().Cookies() //nolint:bodyclose
	require.Len(t, cookies, 1)
	require.Equal(t, router.ClientCookie, cookies[0].Name)
	require.Equal(t, ev.Client, cookies[0].Value)

	req := httptest.NewRequest(http.MethodPost, "http://service.worker/unregister", http.NoBody)
	req.AddCookie(cookies[0])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))
	require.Equal(t, protocol.EventUnloaded, ev.Type)
	require.True(t, *ev.Removed)
}

// Expectation: A REGISTER should complete even if its client went away.
func Test_Worker_Handler_RegisterCanceled_Success(t *testing.T) {
	t.Parallel()
	_, wk := testWorker(t, false)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	req := httptest.NewRequestWithContext(ctx, http.MethodPost, "http://service.worker/register",
		strings.NewReader(`{"type":"REGISTER","handle":{"kind":"directory","path":"site"}}`))
	req.Header.Set(router.ClientHeader, "tab")

	rec := httptest.NewRecorder()
	wk.Handler().ServeHTTP(rec, req)

	var ev protocol.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))
	require.Equal(t, protocol.EventLoad, ev.Type)
	require.Empty(t, ev.Error)
	require.Equal(t, "<h1>ok</h1>", *ev.Content)

	_, ok := wk.Registry.Lookup("tab")
	require.True(t, ok)
	require.Zero(t, wk.Protocol.Metrics.TotalLoadError.Load())
}

// Expectation: Unmountable handles and missing home pages should be
// rejected, without mounting anything.
func Test_Worker_Handler_Rejected_Success(t *testing.T) {
	t.Parallel()
	_, wk := testWorker(t, false)
	h := wk.Handler()

	for _, body := range []string{
		`{"type":"REGISTER","handle":{"kind":"directory","path":"noindex"}}`,
		`{"type":"REGISTER","handle":{"kind":"socket","path":"site"}}`,
		`{"type":"REGISTER","handle":{"kind":"directory","path":"../etc"}}`,
		`{"type":"REGISTER"}`,
	} {
		rec, ev := postMessage(t, h, "/register", "tab", body)
		require.Equal(t, http.StatusOK, rec.Code, body)
		require.Equal(t, protocol.EventRejected, ev.Type, body)
		require.NotEmpty(t, ev.Reason, body)
	}

	require.Zero(t, wk.Registry.Len())
}

// Expectation: Malformed or misrouted control messages should return 400,
// and anything but POST should return 405.
func Test_Worker_Handler_Control_Error(t *testing.T) {
	t.Parallel()
	_, wk := testWorker(t, false)
	h := wk.Handler()

	rec, _ := postMessage(t, h, "/register", "tab", "{")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = postMessage(t, h, "/register", "tab", `{"type":"UNREGISTER"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = postMessage(t, h, "/message", "tab", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = postMessage(t, h, "/message", "tab", `{"type":"LOAD"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = getAs(t, h, "tab", "http://service.worker/register")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

// Expectation: Registering again should replace the mount, with
// no request being served from the previous mount afterwards.
func Test_Worker_Send_Replace_Success(t *testing.T) {
	t.Parallel()
	_, wk := testWorker(t, false)

	ev, err := wk.Mount(t.Context(), "tab", "site")
	require.NoError(t, err)
	require.Equal(t, protocol.EventLoad, ev.Type)

	hc := wk.Client("tab")

	resp, err := hc.Get("http://site.test/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "<h1>ok</h1>", string(body))

	ev, err = wk.Mount(t.Context(), "tab", "other")
	require.NoError(t, err)
	require.Equal(t, "<h1>other</h1>", *ev.Content)

	resp, err = hc.Get("http://site.test/")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "<h1>other</h1>", string(body))

	resp, err = hc.Get("http://site.test/style.css")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Eventually(t, func() bool {
		return wk.FS.Metrics.ActiveMounts.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

// Expectation: A missing home page should not replace an existing mount.
func Test_Worker_Send_RejectedKeepsMount_Success(t *testing.T) {
	t.Parallel()
	_, wk := testWorker(t, false)

	_, err := wk.Mount(t.Context(), "tab", "site")
	require.NoError(t, err)

	ev, err := wk.Mount(t.Context(), "tab", "noindex")
	require.NoError(t, err)
	require.Equal(t, protocol.EventRejected, ev.Type)

	_, ok := wk.Registry.Lookup("tab")
	require.True(t, ok)

	_, err = wk.Mount(t.Context(), "tab", "missing")
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = wk.Send(t.Context(), "tab", protocol.Message{Type: "bogus"})
	require.ErrorIs(t, err, protocol.ErrUnknownMessage)
}

// Expectation: In-process clients should see the probe and pass-through.
func Test_Worker_Client_Success(t *testing.T) {
	t.Parallel()
	_, wk := testWorker(t, false)

	hc := wk.Client("tab")

	resp, err := hc.Get("http://service.worker/check")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "200 ACK", resp.Status)

	_, err = hc.Get("http://elsewhere.test/") //nolint:bodyclose
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, int64(1), wk.Router.Metrics.TotalPassThrough.Load())
}

// Expectation: Responses should be compressed when enabled and accepted.
func Test_Worker_Handler_Compress_Success(t *testing.T) {
	t.Parallel()
	_, wk := testWorker(t, true)
	h := wk.Handler()

	_, err := wk.Mount(t.Context(), "tab", "site")
	require.NoError(t, err)

	big := strings.Repeat("<p>compressible</p>", 200)
	require.NoError(t, os.WriteFile(filepath.Join(wk.FS.RootDir, "site", "big.html"), []byte(big), 0o644))

	req := httptest.NewRequest(http.MethodGet, "http://site.test/big.html", nil)
	req.Header.Set(router.ClientHeader, "tab")
	req.Header.Set("Accept-Encoding", "gzip")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	require.Less(t, rec.Body.Len(), len(big))
}

// Expectation: Close should close all mounts.
func Test_Worker_Close_Success(t *testing.T) {
	t.Parallel()
	_, wk := testWorker(t, false)

	for _, client := range []string{"a", "b"} {
		_, err := wk.Mount(t.Context(), client, "site")
		require.NoError(t, err)
	}
	require.Equal(t, int64(2), wk.FS.Metrics.ActiveMounts.Load())

	require.NoError(t, wk.Close())
	require.Eventually(t, func() bool {
		return wk.FS.Metrics.ActiveMounts.Load() == 0
	}, time.Second, 5*time.Millisecond)
}
