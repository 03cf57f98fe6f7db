// Package router implements the interception of requests for mounted clients.
//
// Each request is either answered from the mount of its client, answered as
// the probe of the interception layer, or passed through to the network:
//
//   - service.worker/check: 200 "ACK" for every client, mounted or not.
//   - foreign authority or client without mount: passed through unmodified.
//   - otherwise: the path is resolved within the mount (200, 404 or 500).
//
// The [Router] is both an [http.RoundTripper] (client identity in the request
// context, see [WithClient]) and an [http.Handler] (client identity in the
// [ClientHeader] header or the [ClientCookie] cookie).
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/http/httputil"
	"net/netip"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/desertwitch/sitemount/internal/filesystem"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const (
	// ProbeHost is the reserved authority of the probe and control channel.
	ProbeHost = "service.worker"

	// ProbePath is the path of the probe on the [ProbeHost].
	ProbePath = "/check"

	// ProbeStatus is the status text of a probe response.
	ProbeStatus = "ACK"

	// ClientHeader is the request header carrying the client identity.
	ClientHeader = "X-Client-ID"

	// ClientCookie is the cookie carrying the client identity,
	// when no [ClientHeader] was set on the request.
	ClientCookie = "sitemount_client"

	// DefaultContentType is used when no type is known for a name.
	DefaultContentType = "application/octet-stream"

	// ViaPseudonym marks the requests forwarded by the worker within their
	// Via header. A request arriving with it has looped back to the worker.
	ViaPseudonym = "sitemount"
)

var errMissingArgument = errors.New("missing argument")

// Mounts looks up (and removes) the mount of a client.
type Mounts interface {
	Lookup(client string) (filesystem.DirLike, bool)
	Remove(client string) bool
}

// Options contains all settings for the operation of the router.
type Options struct {
	// Origin is the own authority (host:port) of the worker.
	// Only requests for this authority are served from mounts.
	Origin string

	// Backend is the optional server behind the own origin, which receives
	// the requests of clients without a mount. Without it these requests
	// are answered with 404 (when being served as [http.Handler]).
	Backend *url.URL

	// DefaultClient is the identity of all requests without one.
	DefaultClient string

	// IndexFile is resolved for paths that are empty or end with a slash.
	IndexFile string

	// StreamingThreshold is the size from which on entries are streamed,
	// instead of being read into memory as a whole before responding.
	StreamingThreshold atomic.Uint64

	// EvictOnError removes the mount of a client, after a store error
	// occurred while serving one of its requests.
	EvictOnError atomic.Bool
}

// DefaultOptions returns a pointer to [Options] with the default values.
func DefaultOptions() *Options {
	opts := &Options{
		IndexFile: filesystem.IndexFile,
	}
	opts.StreamingThreshold.Store(10 * humanize.MiByte)
	opts.EvictOnError.Store(false)

	return opts
}

// Metrics contains all metrics which are collected within the router.
type Metrics struct {
	TotalProbes      atomic.Int64
	TotalServed      atomic.Int64
	TotalStreamed    atomic.Int64
	TotalServedBytes atomic.Int64
	TotalNotFound    atomic.Int64
	TotalNotAllowed  atomic.Int64
	TotalErrors      atomic.Int64
	TotalEvicted     atomic.Int64
	TotalPassThrough atomic.Int64
	TotalUpstreamErr atomic.Int64
	TotalLoops       atomic.Int64
	TotalCanceled    atomic.Int64
}

// Router intercepts requests of clients, safe for concurrent use.
type Router struct {
	Options *Options
	Metrics *Metrics

	mounts   Mounts
	upstream http.RoundTripper
	proxy    *httputil.ReverseProxy
	log      *zap.Logger
}

// New returns a pointer to a new [Router]. The upstream is used for all
// requests that are passed through, if nil [http.DefaultTransport] is used.
func New(mounts Mounts, upstream http.RoundTripper, opts *Options, log *zap.Logger) (*Router, error) {
	if mounts == nil {
		return nil, fmt.Errorf("%w: need mounts", errMissingArgument)
	}
	if log == nil {
		return nil, fmt.Errorf("%w: need a logger", errMissingArgument)
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.IndexFile == "" {
		opts.IndexFile = filesystem.IndexFile
	}
	if upstream == nil {
		upstream = http.DefaultTransport
	}

	rt := &Router{
		Options:  opts,
		Metrics:  &Metrics{},
		mounts:   mounts,
		upstream: upstream,
		log:      log,
	}

	rt.proxy = &httputil.ReverseProxy{
		Rewrite:      rt.rewrite,
		Transport:    upstream,
		ErrorHandler: rt.upstreamError,
	}

	return rt, nil
}

type clientKey struct{}

// WithClient returns a copy of ctx carrying the client identity.
func WithClient(ctx context.Context, client string) context.Context {
	return context.WithValue(ctx, clientKey{}, client)
}

// ClientFromContext returns the client identity carried by ctx.
func ClientFromContext(ctx context.Context) string {
	client, _ := ctx.Value(clientKey{}).(string)

	return client
}

// ClientFromRequest returns the client identity of a request, which is
// taken from the context, the [ClientHeader] or the [ClientCookie].
func ClientFromRequest(r *http.Request) string {
	if client := ClientFromContext(r.Context()); client != "" {
		return client
	}
	if client := r.Header.Get(ClientHeader); client != "" {
		return client
	}
	if c, err := r.Cookie(ClientCookie); err == nil {
		return c.Value
	}

	return ""
}

// ClientTransport is an [http.RoundTripper] sending all requests as Client.
type ClientTransport struct {
	Client string
	Base   http.RoundTripper
}

func (t *ClientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.Base.RoundTrip(req.WithContext(WithClient(req.Context(), t.Client))) //nolint:wrapcheck
}

// RoundTrip intercepts a request of the client within the request context.
// Requests that are passed through are sent using the upstream transport.
func (rt *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	target := targetURL(req)
	client := rt.clientOrDefault(ClientFromContext(req.Context()))

	resp, err := rt.intercept(req, target, client)
	if err != nil {
		return nil, fmt.Errorf("intercept: %w", err)
	}
	if resp != nil {
		return resp, nil
	}

	rt.Metrics.TotalPassThrough.Add(1)

	resp, err = rt.upstream.RoundTrip(req)
	if err != nil {
		rt.Metrics.TotalUpstreamErr.Add(1)

		return nil, fmt.Errorf("pass-through: %w", err)
	}

	return resp, nil
}

// ServeHTTP intercepts a request of the client within the request headers.
// Requests that are passed through are reverse proxied to their authority.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := targetURL(r)
	client := rt.clientOrDefault(ClientFromRequest(r))

	resp, err := rt.intercept(r, target, client)
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)

		return
	}
	if resp != nil {
		writeResponse(w, r, resp)

		return
	}

	if rt.isOrigin(target) && rt.Options.Backend == nil {
		// Forwarding to our own authority would only loop back to us.
		rt.Metrics.TotalNotFound.Add(1)
		w.WriteHeader(http.StatusNotFound)

		return
	}

	if hasVia(r.Header, ViaPseudonym) {
		// An authority resolving back to us, under a name other than the origin.
		rt.Metrics.TotalLoops.Add(1)
		rt.log.Warn("pass-through looped back to the worker",
			zap.String("url", target.String()))
		w.WriteHeader(http.StatusLoopDetected)

		return
	}

	rt.Metrics.TotalPassThrough.Add(1)
	rt.proxy.ServeHTTP(w, r)
}

func (rt *Router) rewrite(pr *httputil.ProxyRequest) {
	pr.Out.Header.Add("Via", fmt.Sprintf("%d.%d %s", pr.In.ProtoMajor, pr.In.ProtoMinor, ViaPseudonym))

	target := targetURL(pr.In)
	if rt.isOrigin(target) && rt.Options.Backend != nil {
		pr.SetURL(rt.Options.Backend)
		pr.Out.Host = pr.In.Host

		return
	}

	pr.Out.URL.Scheme = target.Scheme
	pr.Out.URL.Host = target.Host
	pr.Out.Host = target.Host
}

func (rt *Router) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	rt.Metrics.TotalUpstreamErr.Add(1)
	rt.log.Warn("pass-through failed",
		zap.String("url", targetURL(r).String()), zap.Error(err))

	w.WriteHeader(http.StatusBadGateway)
}

// intercept returns the response for a request which is not passed through,
// or nil if the request is to be passed through to the network. An error is
// only returned for a request that was canceled while being resolved.
func (rt *Router) intercept(req *http.Request, target *url.URL, client string) (*http.Response, error) {
	if isProbe(target) {
		rt.Metrics.TotalProbes.Add(1)

		return newResponse(req, http.StatusOK, ProbeStatus, nil), nil
	}

	if !rt.isOrigin(target) {
		return nil, nil //nolint:nilnil
	}

	dir, ok := rt.mounts.Lookup(client)
	if !ok {
		return nil, nil //nolint:nilnil
	}

	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		rt.Metrics.TotalNotAllowed.Add(1)

		resp := newResponse(req, http.StatusMethodNotAllowed, "", nil)
		resp.Header.Set("Allow", "GET, HEAD")

		return resp, nil
	}

	name := rt.resolveName(target.Path)

	resp, err := rt.serve(req, dir, name)
	if errors.Is(err, filesystem.ErrMountClosed) {
		// Replaced (or removed) while resolving, so retry with the current.
		if dir, ok = rt.mounts.Lookup(client); !ok {
			return nil, nil //nolint:nilnil
		}
		resp, err = rt.serve(req, dir, name)
	}

	switch {
	case err == nil:
		return resp, nil

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The client went away, which says nothing about the mount.
		rt.Metrics.TotalCanceled.Add(1)
		rt.log.Debug("request canceled",
			zap.String("client", client), zap.String("path", name), zap.Error(err))

		return nil, err

	default:
		return rt.storeError(req, client, name, err), nil
	}
}

// resolveName returns the name within a mount for a request path.
func (rt *Router) resolveName(p string) string {
	name := strings.TrimPrefix(p, "/")
	if name == "" || strings.HasSuffix(name, "/") {
		name += rt.Options.IndexFile
	}

	return name
}

func (rt *Router) serve(req *http.Request, dir filesystem.DirLike, name string) (*http.Response, error) {
	ctx := req.Context()

	f, ok, err := dir.Open(ctx, name)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if !ok {
		rt.Metrics.TotalNotFound.Add(1)

		return newResponse(req, http.StatusNotFound, "", nil), nil
	}

	var (
		body io.ReadCloser
		size int64
	)

	switch {
	case req.Method == http.MethodHead:
		body, size = http.NoBody, f.Size()

	case uint64(f.Size()) >= rt.Options.StreamingThreshold.Load(): //nolint:gosec
		rc, err := f.Reader(ctx)
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
		body, size = rc, f.Size()
		rt.Metrics.TotalStreamed.Add(1)

	default:
		data, err := f.Bytes(ctx)
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
		body, size = io.NopCloser(bytes.NewReader(data)), int64(len(data))
	}

	resp := newResponse(req, http.StatusOK, "", body)
	resp.ContentLength = size
	resp.Header.Set("Content-Type", ContentType(f.Name()))
	resp.Header.Set("Cache-Control", "no-store")
	resp.Header.Set("Content-Length", strconv.FormatInt(size, 10))

	rt.Metrics.TotalServed.Add(1)
	rt.Metrics.TotalServedBytes.Add(size)

	return resp, nil
}

func (rt *Router) storeError(req *http.Request, client, name string, err error) *http.Response {
	rt.Metrics.TotalErrors.Add(1)
	rt.log.Error("failed to resolve request",
		zap.String("client", client), zap.String("path", name), zap.Error(err))

	if rt.Options.EvictOnError.Load() && rt.mounts.Remove(client) {
		rt.Metrics.TotalEvicted.Add(1)
		rt.log.Warn("mount evicted after error", zap.String("client", client))
	}

	return newResponse(req, http.StatusInternalServerError, "", nil)
}

func (rt *Router) clientOrDefault(client string) string {
	if client == "" {
		return rt.Options.DefaultClient
	}

	return client
}

// IsOrigin reports whether a request targets the own origin.
func (rt *Router) IsOrigin(r *http.Request) bool {
	return rt.isOrigin(targetURL(r))
}

// isOrigin matches the origin literally, or any loopback name for a
// loopback origin (localhost:8080 is the same as 127.0.0.1:8080).
func (rt *Router) isOrigin(target *url.URL) bool {
	origin := rt.Options.Origin
	if origin == "" {
		return false
	}
	if strings.EqualFold(target.Host, origin) {
		return true
	}

	host, port, err := net.SplitHostPort(origin)
	if err != nil {
		host, port = origin, ""
	}

	return isLoopback(host) && isLoopback(target.Hostname()) &&
		portOrDefault(port, "http") == portOrDefault(target.Port(), target.Scheme)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap().IsLoopback()
	}

	return false
}

func portOrDefault(port, scheme string) string {
	switch {
	case port != "":
		return port
	case scheme == "https":
		return "443"
	default:
		return "80"
	}
}

// hasVia reports whether any entry of the Via headers was added by pseudonym.
func hasVia(h http.Header, pseudonym string) bool {
	for _, v := range h.Values("Via") {
		for entry := range strings.SplitSeq(v, ",") {
			fields := strings.Fields(entry)
			if len(fields) >= 2 && fields[1] == pseudonym {
				return true
			}
		}
	}

	return false
}

func isProbe(target *url.URL) bool {
	return strings.EqualFold(target.Hostname(), ProbeHost) && target.Path == ProbePath
}

// ContentType returns the media type for a name (without parameters),
// or [DefaultContentType] if no type is known for its extension.
func ContentType(name string) string {
	typ := mime.TypeByExtension(path.Ext(name))
	if typ == "" {
		return DefaultContentType
	}

	mediaType, _, err := mime.ParseMediaType(typ)
	if err != nil {
		return DefaultContentType
	}

	return mediaType
}

// targetURL returns the absolute URL a request is targeting.
func targetURL(r *http.Request) *url.URL {
	u := *r.URL

	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}

	return &u
}

func newResponse(req *http.Request, status int, text string, body io.ReadCloser) *http.Response {
	if text == "" {
		text = http.StatusText(status)
	}
	if body == nil {
		body = http.NoBody
	}

	return &http.Response{
		Status:     fmt.Sprintf("%d %s", status, text),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       body,
		Request:    req,
	}
}

// writeResponse writes an intercepted response to w.
func writeResponse(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if r.Method == http.MethodHead {
		return
	}

	_, _ = io.Copy(w, resp.Body)
}
