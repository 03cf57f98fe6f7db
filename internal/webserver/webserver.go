// Package webserver implements the diagnostics server.
package webserver

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/desertwitch/sitemount/assets"
	"github.com/desertwitch/sitemount/internal/logging"
	"github.com/desertwitch/sitemount/internal/registry"
	"github.com/desertwitch/sitemount/internal/worker"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const readHeaderTimeout = 10 * time.Second

var (
	//go:embed templates/*.html
	templateFS    embed.FS
	indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

	// errInvalidArgument is for an invalid constructor argument.
	errInvalidArgument = errors.New("invalid argument")
)

// Dashboard is the implementation of the worker dashboard.
type Dashboard struct {
	version string
	wk      *worker.Worker
	rbuf    *logging.RingBuffer
	prom    *prometheus.Registry
	log     *zap.Logger
}

// NewDashboard returns a pointer to a new [Dashboard].
func NewDashboard(wk *worker.Worker, rbuf *logging.RingBuffer, version string, log *zap.Logger) (*Dashboard, error) {
	if wk == nil {
		return nil, fmt.Errorf("%w: need worker", errInvalidArgument)
	}
	if rbuf == nil {
		return nil, fmt.Errorf("%w: need ring buffer", errInvalidArgument)
	}
	if log == nil {
		return nil, fmt.Errorf("%w: need a logger", errInvalidArgument)
	}

	d := &Dashboard{
		version: version,
		wk:      wk,
		rbuf:    rbuf,
		log:     log,
	}

	prom, err := d.newPrometheusRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to register collectors: %w", err)
	}
	d.prom = prom

	return d, nil
}

// Server returns a [http.Server] serving the dashboard on addr.
// The returned server is not yet started.
func (d *Dashboard) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           d.dashboardMux(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(d.log),
	}
}

func (d *Dashboard) dashboardMux() *mux.Router {
	mux := mux.NewRouter()

	mux.HandleFunc("/", d.dashboardHandler)
	mux.HandleFunc("/metrics.json", d.metricsHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(d.prom, promhttp.HandlerOpts{}))
	mux.HandleFunc("/mounts", d.mountsHandler)
	mux.HandleFunc("/unmount/{client}", d.unmountHandler)
	mux.HandleFunc("/gc", d.gcHandler)
	mux.HandleFunc("/reset", d.resetMetricsHandler)

	mux.HandleFunc("/set/must-crc32/{value}",
		d.booleanHandler("Forced integrity checking", &d.wk.FS.Options.MustCRC32))
	mux.HandleFunc("/set/evict-on-error/{value}",
		d.booleanHandler("Eviction on store errors", &d.wk.Router.Options.EvictOnError))
	mux.HandleFunc("/set/stream-threshold/{value}", d.thresholdHandler)

	mux.HandleFunc("/sitemount.svg", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = w.Write(assets.Logo)
	})

	return mux
}

type dashboardData struct {
	ActiveMounts       int64           `json:"activeMounts"`
	AllocBytes         string          `json:"allocBytes"`
	AvgDecodeTime      string          `json:"avgDecodeTime"`
	AvgReadSpeed       string          `json:"avgReadSpeed"`
	AvgReadTime        string          `json:"avgReadTime"`
	DefaultClient      string          `json:"defaultClient"`
	EvictOnError       string          `json:"evictOnError"`
	IdleTTL            string          `json:"idleTtl"`
	IndexFile          string          `json:"indexFile"`
	Logs               []string        `json:"logs"`
	MaxMounts          uint64          `json:"maxMounts"`
	Mounts             []registry.Info `json:"mounts"`
	MustCRC32          string          `json:"mustCrc32"`
	NumGC              uint32          `json:"numGc"`
	OpenZips           int64           `json:"openZips"`
	Origin             string          `json:"origin"`
	RingBufferSize     int             `json:"ringBufferSize"`
	RootDir            string          `json:"rootDir"`
	ServedRatio        string          `json:"servedRatio"`
	StreamingThreshold string          `json:"streamingThreshold"`
	SysBytes           string          `json:"sysBytes"`
	TotalAlloc         string          `json:"totalAlloc"`
	TotalClosedZips    int64           `json:"totalClosedZips"`
	TotalDecodes       int64           `json:"totalDecodes"`
	TotalErrors        int64           `json:"totalErrors"`
	TotalEvicted       int64           `json:"totalEvicted"`
	TotalLoadErrors    int64           `json:"totalLoadErrors"`
	TotalCanceled      int64           `json:"totalCanceled"`
	TotalLoaded        int64           `json:"totalLoaded"`
	TotalLookups       int64           `json:"totalLookups"`
	TotalLoops         int64           `json:"totalLoops"`
	TotalMessages      int64           `json:"totalMessages"`
	TotalMounts        int64           `json:"totalMounts"`
	TotalNotAllowed    int64           `json:"totalNotAllowed"`
	TotalNotFound      int64           `json:"totalNotFound"`
	TotalOpenedZips    int64           `json:"totalOpenedZips"`
	TotalPassThrough   int64           `json:"totalPassThrough"`
	TotalProbes        int64           `json:"totalProbes"`
	TotalReadBytes     string          `json:"totalReadBytes"`
	TotalReads         int64           `json:"totalReads"`
	TotalRejected      int64           `json:"totalRejected"`
	TotalReplaced      int64           `json:"totalReplaced"`
	TotalServed        int64           `json:"totalServed"`
	TotalServedBytes   string          `json:"totalServedBytes"`
	TotalStoreErrors   int64           `json:"totalStoreErrors"`
	TotalStreamed      int64           `json:"totalStreamed"`
	TotalUnloaded      int64           `json:"totalUnloaded"`
	TotalUpstreamErr   int64           `json:"totalUpstreamErrors"`
	Uptime             string          `json:"uptime"`
	Version            string          `json:"version"`
}

func (d *Dashboard) collectMetrics() dashboardData {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	lines := d.rbuf.Lines()
	slices.Reverse(lines)

	fsm := d.wk.FS.Metrics
	rgm := d.wk.Registry.Metrics
	prm := d.wk.Protocol.Metrics
	rtm := d.wk.Router.Metrics

	return dashboardData{
		ActiveMounts:       fsm.ActiveMounts.Load(),
		AllocBytes:         humanize.IBytes(m.Alloc),
		AvgDecodeTime:      d.avgDecodeTime(),
		AvgReadSpeed:       d.avgReadSpeed(),
		AvgReadTime:        d.avgReadTime(),
		DefaultClient:      d.wk.Router.Options.DefaultClient,
		EvictOnError:       enabledOrDisabled(d.wk.Router.Options.EvictOnError.Load()),
		IdleTTL:            d.idleTTL(),
		IndexFile:          d.wk.Router.Options.IndexFile,
		Logs:               lines,
		MaxMounts:          d.wk.Registry.Options.MaxMounts,
		Mounts:             d.wk.Registry.Mounts(),
		MustCRC32:          enabledOrDisabled(d.wk.FS.Options.MustCRC32.Load()),
		NumGC:              m.NumGC,
		OpenZips:           fsm.OpenZips.Load(),
		Origin:             d.wk.Router.Options.Origin,
		RingBufferSize:     d.rbuf.Size(),
		RootDir:            d.wk.FS.RootDir,
		ServedRatio:        d.servedRatio(),
		StreamingThreshold: humanize.IBytes(d.wk.Router.Options.StreamingThreshold.Load()),
		SysBytes:           humanize.IBytes(m.Sys),
		TotalAlloc:         humanize.IBytes(m.TotalAlloc),
		TotalClosedZips:    fsm.TotalClosedZips.Load(),
		TotalDecodes:       fsm.TotalDecodeCount.Load(),
		TotalErrors:        rtm.TotalErrors.Load(),
		TotalEvicted:       rgm.TotalEvicted.Load() + rtm.TotalEvicted.Load(),
		TotalLoadErrors:    prm.TotalLoadError.Load(),
		TotalLoaded:        prm.TotalLoaded.Load(),
		TotalLookups:       fsm.TotalLookups.Load(),
		TotalLoops:         rtm.TotalLoops.Load(),
		TotalMessages:      prm.TotalMessages.Load(),
		TotalCanceled:      rtm.TotalCanceled.Load(),
		TotalMounts:        fsm.TotalMounts.Load(),
		TotalNotAllowed:    rtm.TotalNotAllowed.Load(),
		TotalNotFound:      rtm.TotalNotFound.Load(),
		TotalOpenedZips:    fsm.TotalOpenedZips.Load(),
		TotalPassThrough:   rtm.TotalPassThrough.Load(),
		TotalProbes:        rtm.TotalProbes.Load(),
		TotalReadBytes:     humanizeInt64(fsm.TotalReadBytes.Load()),
		TotalReads:         fsm.TotalReadCount.Load(),
		TotalRejected:      prm.TotalRejected.Load(),
		TotalReplaced:      rgm.TotalReplaced.Load(),
		TotalServed:        rtm.TotalServed.Load(),
		TotalServedBytes:   humanizeInt64(rtm.TotalServedBytes.Load()),
		TotalStoreErrors:   fsm.Errors.Load(),
		TotalStreamed:      rtm.TotalStreamed.Load(),
		TotalUnloaded:      prm.TotalUnloaded.Load(),
		TotalUpstreamErr:   rtm.TotalUpstreamErr.Load(),
		Uptime:             humanize.Time(d.wk.FS.MountTime),
		Version:            d.version,
	}
}

func (d *Dashboard) dashboardHandler(w http.ResponseWriter, _ *http.Request) {
	data := d.collectMetrics()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		d.log.Error("HTTP template execution error", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *Dashboard) metricsHandler(w http.ResponseWriter, _ *http.Request) {
	data := d.collectMetrics()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *Dashboard) mountsHandler(w http.ResponseWriter, _ *http.Request) {
	mounts := d.wk.Registry.Mounts()
	if mounts == nil {
		mounts = []registry.Info{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(mounts); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *Dashboard) unmountHandler(w http.ResponseWriter, r *http.Request) {
	client := mux.Vars(r)["client"]
	if client == "" {
		http.Error(w, "Missing client", http.StatusBadRequest)

		return
	}

	if !d.wk.Registry.Remove(client) {
		http.Error(w, fmt.Sprintf("No mount for client: %q", client), http.StatusNotFound)

		return
	}

	d.log.Info("Mount removed via API", zap.String("client", client))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Mount removed: %s.\n", client)
}

func (d *Dashboard) gcHandler(w http.ResponseWriter, _ *http.Request) {
	runtime.GC()
	debug.FreeOSMemory()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	d.log.Info("GC forced via API", zap.String("heap", humanize.IBytes(m.Alloc)))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "GC forced, current heap: %s.\n", humanize.IBytes(m.Alloc))
}

func (d *Dashboard) resetMetricsHandler(w http.ResponseWriter, _ *http.Request) {
	fsm := d.wk.FS.Metrics
	fsm.Errors.Store(0)
	fsm.TotalMounts.Store(0)
	fsm.TotalOpenedZips.Store(0)
	fsm.TotalClosedZips.Store(0)
	fsm.TotalDecodeTime.Store(0)
	fsm.TotalDecodeCount.Store(0)
	fsm.TotalLookups.Store(0)
	fsm.TotalReadTime.Store(0)
	fsm.TotalReadCount.Store(0)
	fsm.TotalReadBytes.Store(0)

	rgm := d.wk.Registry.Metrics
	rgm.TotalRegistered.Store(0)
	rgm.TotalReplaced.Store(0)
	rgm.TotalUnregistered.Store(0)
	rgm.TotalEvicted.Store(0)

	prm := d.wk.Protocol.Metrics
	prm.TotalMessages.Store(0)
	prm.TotalLoaded.Store(0)
	prm.TotalLoadError.Store(0)
	prm.TotalRejected.Store(0)
	prm.TotalUnloaded.Store(0)

	rtm := d.wk.Router.Metrics
	rtm.TotalProbes.Store(0)
	rtm.TotalServed.Store(0)
	rtm.TotalStreamed.Store(0)
	rtm.TotalServedBytes.Store(0)
	rtm.TotalNotFound.Store(0)
	rtm.TotalNotAllowed.Store(0)
	rtm.TotalErrors.Store(0)
	rtm.TotalEvicted.Store(0)
	rtm.TotalPassThrough.Store(0)
	rtm.TotalUpstreamErr.Store(0)
	rtm.TotalLoops.Store(0)
	rtm.TotalCanceled.Store(0)

	d.log.Info("Metrics reset via API")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Metrics reset.")
}

func (d *Dashboard) thresholdHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	val, err := humanize.ParseBytes(vars["value"])
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid string value: %v", err), http.StatusBadRequest)

		return
	}
	d.wk.Router.Options.StreamingThreshold.Store(val)

	d.log.Info("Streaming threshold set via API", zap.String("threshold", humanize.IBytes(val)))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Streaming threshold set: %s.\n", humanize.IBytes(val))
}

func (d *Dashboard) booleanHandler(desc string, target *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)

		val, err := strconv.ParseBool(vars["value"])
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid boolean value: %v", err), http.StatusBadRequest)

			return
		}
		target.Store(val)

		d.log.Info(desc+" set via API", zap.Bool("value", val))

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "%s set: %t.\n", desc, val)
	}
}
