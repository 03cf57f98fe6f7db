package webserver

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "sitemount"

type metricDesc struct {
	subsystem string
	name      string
	help      string
	gauge     bool
	value     func() float64
}

func counterOf(v *atomic.Int64) func() float64 {
	return func() float64 { return float64(v.Load()) }
}

func secondsOf(v *atomic.Int64) func() float64 {
	return func() float64 { return time.Duration(v.Load()).Seconds() }
}

// metricDescs returns the exported metrics, all read from the atomics
// of the worker components at collection time.
func (d *Dashboard) metricDescs() []metricDesc {
	fsm := d.wk.FS.Metrics
	rgm := d.wk.Registry.Metrics
	prm := d.wk.Protocol.Metrics
	rtm := d.wk.Router.Metrics

	return []metricDesc{
		{"filesystem", "store_errors_total", "Store errors while reading mounts.", false, counterOf(&fsm.Errors)},
		{"filesystem", "mounts_active", "Mounted directories not yet closed.", true, counterOf(&fsm.ActiveMounts)},
		{"filesystem", "mounts_total", "Mounted directories.", false, counterOf(&fsm.TotalMounts)},
		{"filesystem", "zips_open", "Currently open ZIP archives.", true, counterOf(&fsm.OpenZips)},
		{"filesystem", "zips_opened_total", "Opened ZIP archives.", false, counterOf(&fsm.TotalOpenedZips)},
		{"filesystem", "zips_closed_total", "Closed ZIP archives.", false, counterOf(&fsm.TotalClosedZips)},
		{"filesystem", "decodes_total", "Decoded ZIP archive indexes.", false, counterOf(&fsm.TotalDecodeCount)},
		{"filesystem", "decode_seconds_total", "Time spent decoding ZIP archive indexes.", false, secondsOf(&fsm.TotalDecodeTime)},
		{"filesystem", "lookups_total", "Resolved paths (found or not).", false, counterOf(&fsm.TotalLookups)},
		{"filesystem", "reads_total", "Entry content reads.", false, counterOf(&fsm.TotalReadCount)},
		{"filesystem", "read_bytes_total", "Bytes read from entries.", false, counterOf(&fsm.TotalReadBytes)},
		{"filesystem", "read_seconds_total", "Time spent reading entry contents.", false, secondsOf(&fsm.TotalReadTime)},

		{"registry", "mounts", "Mounts held by the registry.", true, func() float64 { return float64(d.wk.Registry.Len()) }},
		{"registry", "registered_total", "Committed registrations.", false, counterOf(&rgm.TotalRegistered)},
		{"registry", "replaced_total", "Registrations replacing a mount.", false, counterOf(&rgm.TotalReplaced)},
		{"registry", "unregistered_total", "Removed mounts.", false, counterOf(&rgm.TotalUnregistered)},
		{"registry", "evicted_total", "Mounts evicted for idling or capacity.", false, counterOf(&rgm.TotalEvicted)},

		{"protocol", "messages_total", "Handled control messages.", false, counterOf(&prm.TotalMessages)},
		{"protocol", "loaded_total", "LOAD events with content.", false, counterOf(&prm.TotalLoaded)},
		{"protocol", "load_errors_total", "LOAD events with an error.", false, counterOf(&prm.TotalLoadError)},
		{"protocol", "rejected_total", "REJECTED events.", false, counterOf(&prm.TotalRejected)},
		{"protocol", "unloaded_total", "UNLOADED events.", false, counterOf(&prm.TotalUnloaded)},

		{"router", "probes_total", "Answered probe requests.", false, counterOf(&rtm.TotalProbes)},
		{"router", "served_total", "Requests served from mounts.", false, counterOf(&rtm.TotalServed)},
		{"router", "streamed_total", "Requests served from mounts by streaming.", false, counterOf(&rtm.TotalStreamed)},
		{"router", "served_bytes_total", "Bytes served from mounts.", false, counterOf(&rtm.TotalServedBytes)},
		{"router", "not_found_total", "Requests answered with 404.", false, counterOf(&rtm.TotalNotFound)},
		{"router", "not_allowed_total", "Requests answered with 405.", false, counterOf(&rtm.TotalNotAllowed)},
		{"router", "errors_total", "Requests failed by store errors.", false, counterOf(&rtm.TotalErrors)},
		{"router", "evicted_total", "Mounts evicted after store errors.", false, counterOf(&rtm.TotalEvicted)},
		{"router", "pass_through_total", "Requests passed through to the network.", false, counterOf(&rtm.TotalPassThrough)},
		{"router", "upstream_errors_total", "Passed through requests that failed.", false, counterOf(&rtm.TotalUpstreamErr)},
		{"router", "loops_total", "Passed through requests looping back to the worker.", false, counterOf(&rtm.TotalLoops)},
		{"router", "canceled_total", "Requests canceled while being resolved.", false, counterOf(&rtm.TotalCanceled)},
	}
}

func (d *Dashboard) newPrometheusRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()

	cs := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "build_info",
			Help:        "Always 1, labeled with the program version.",
			ConstLabels: prometheus.Labels{"version": d.version},
		}, func() float64 { return 1 }),
	}

	for _, s := range d.metricDescs() {
		if s.gauge {
			cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: s.subsystem,
				Name:      s.name,
				Help:      s.help,
			}, s.value))

			continue
		}
		cs = append(cs, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: s.subsystem,
			Name:      s.name,
			Help:      s.help,
		}, s.value))
	}

	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, err //nolint:wrapcheck
		}
	}

	return reg, nil
}
