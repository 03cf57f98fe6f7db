// Package worker implements the interception worker, which is shared by all
// clients and combines the control channel with the request interception.
//
// The control channel is served on the reserved [router.ProbeHost]:
//
//	POST /register    REGISTER message, answered with LOAD or REJECTED
//	POST /unregister  UNREGISTER message, answered with UNLOADED
//	POST /message     any message
//	GET  /check       the probe (see [router.Router])
//
// The same messages are accepted on the own origin below [ControlPrefix].
// An identity assigned there is set as cookie of the own origin, so that it
// is sent along with all following requests of the site.
//
// All other requests are intercepted by the [router.Router].
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/desertwitch/sitemount/internal/filesystem"
	"github.com/desertwitch/sitemount/internal/protocol"
	"github.com/desertwitch/sitemount/internal/registry"
	"github.com/desertwitch/sitemount/internal/router"
	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"
)

// ControlPrefix is the path prefix of the control channel on the own origin.
const ControlPrefix = "/.sitemount"

var errMissingArgument = errors.New("missing argument")

// Config contains everything needed to construct a [Worker].
type Config struct {
	RootDir string

	FS       *filesystem.Options
	Registry *registry.Options
	Router   *router.Options

	// Upstream is the transport for passed through requests (can be nil).
	Upstream http.RoundTripper

	// Compress enables gzip compression of responses when accepted.
	Compress bool
}

// Worker is the interception worker, safe for concurrent use.
type Worker struct {
	FS       *filesystem.FS
	Registry *registry.Registry
	Protocol *protocol.Handler
	Router   *router.Router

	compress bool
	log      *zap.Logger
}

// New returns a pointer to a new [Worker].
// The worker must be closed with [Worker.Close] once no longer needed.
func New(cfg Config, log *zap.Logger) (*Worker, error) {
	if log == nil {
		return nil, fmt.Errorf("%w: need a logger", errMissingArgument)
	}

	fsys, err := filesystem.NewFS(cfg.RootDir, cfg.FS, log.Named("filesystem"))
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem: %w", err)
	}

	reg, err := registry.New(cfg.Registry, log.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	proto, err := protocol.NewHandler(fsys, reg, log.Named("protocol"))
	if err != nil {
		reg.Close()

		return nil, fmt.Errorf("failed to create protocol handler: %w", err)
	}

	rt, err := router.New(reg, cfg.Upstream, cfg.Router, log.Named("router"))
	if err != nil {
		reg.Close()

		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	proto.IndexFile = rt.Options.IndexFile

	return &Worker{
		FS:       fsys,
		Registry: reg,
		Protocol: proto,
		Router:   rt,
		compress: cfg.Compress,
		log:      log,
	}, nil
}

// Send processes a control message of a client within the process.
func (wk *Worker) Send(ctx context.Context, client string, msg protocol.Message) (protocol.Event, error) {
	ev, err := wk.Protocol.Handle(ctx, client, msg)
	if err != nil {
		return protocol.Event{}, fmt.Errorf("failed to handle message: %w", err)
	}

	return ev, nil
}

// Mount registers the handle at path (relative to the root) for a client,
// as a REGISTER message would with the handle of a picked path.
func (wk *Worker) Mount(ctx context.Context, client string, path string) (protocol.Event, error) {
	h, err := filesystem.PickHandle(wk.FS.RootDir, path)
	if err != nil {
		return protocol.Event{}, fmt.Errorf("failed to pick handle: %w", err)
	}

	return wk.Send(ctx, client, protocol.Message{Type: protocol.TypeRegister, Handle: &h})
}

// Client returns a [http.Client] whose requests are intercepted as client.
func (wk *Worker) Client(client string) *http.Client {
	return &http.Client{
		Transport: &router.ClientTransport{Client: client, Base: wk.Router},
	}
}

// Handler returns the [http.Handler] serving control channel and interception.
func (wk *Worker) Handler() http.Handler {
	m := mux.NewRouter()
	m.SkipClean(true) // paths are resolved as-is within mounts

	for path, typ := range map[string]protocol.MessageType{
		"/register":   protocol.TypeRegister,
		"/unregister": protocol.TypeUnregister,
		"/message":    "",
	} {
		m.Host(router.ProbeHost).Path(path).HandlerFunc(wk.messageHandler(typ))
		m.MatcherFunc(wk.isOrigin).Path(ControlPrefix + path).HandlerFunc(wk.messageHandler(typ))
	}

	// Everything else (including CONNECT and the probe) is intercepted.
	m.NotFoundHandler = wk.Router

	if wk.compress {
		return gzhttp.GzipHandler(m)
	}

	return m
}

func (wk *Worker) messageHandler(typ protocol.MessageType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)

			return
		}

		msg, err := protocol.DecodeMessage(r.Body)
		switch {
		case err == nil:
		case typ != "" && errors.Is(err, io.EOF):
			// empty body, the type is known from the path
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}
		if msg.Type == "" {
			msg.Type = typ
		}
		if typ != "" && msg.Type != typ {
			http.Error(w, fmt.Sprintf("Unexpected message type: %q", msg.Type), http.StatusBadRequest)

			return
		}

		client := router.ClientFromRequest(r)

		// A client going away does not abort its registration.
		ev, err := wk.Protocol.Handle(context.WithoutCancel(r.Context()), client, msg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		if client == "" && ev.Client != "" && msg.Client == "" {
			http.SetCookie(w, &http.Cookie{
				Name:     router.ClientCookie,
				Value:    ev.Client,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		if err := json.NewEncoder(w).Encode(ev); err != nil {
			wk.log.Warn("failed to write event", zap.Error(err))
		}
	}
}

func (wk *Worker) isOrigin(r *http.Request, _ *mux.RouteMatch) bool {
	return wk.Router.IsOrigin(r)
}

// Close removes and closes all mounts.
func (wk *Worker) Close() error {
	return wk.Registry.Close() //nolint:wrapcheck
}
