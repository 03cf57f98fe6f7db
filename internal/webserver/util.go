//nolint:mnd
package webserver

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// avgDecodeTime returns a string of the average archive index decode time.
func (d *Dashboard) avgDecodeTime() string {
	m := d.wk.FS.Metrics

	return time.Duration(m.TotalDecodeTime.Load() / max(1, m.TotalDecodeCount.Load())).String()
}

// avgReadTime returns a string of the average entry read time.
func (d *Dashboard) avgReadTime() string {
	m := d.wk.FS.Metrics

	return time.Duration(m.TotalReadTime.Load() / max(1, m.TotalReadCount.Load())).String()
}

// avgReadSpeed returns a string of the average entry read throughput.
func (d *Dashboard) avgReadSpeed() string {
	bytes := d.wk.FS.Metrics.TotalReadBytes.Load()
	ns := d.wk.FS.Metrics.TotalReadTime.Load()

	if ns == 0 || bytes < 0 {
		return "0 B/s"
	}

	bps := float64(bytes) / (float64(ns) / 1e9)

	return humanize.IBytes(uint64(bps)) + "/s"
}

// servedRatio returns a string of the ratio of served to not found requests.
func (d *Dashboard) servedRatio() string {
	served := d.wk.Router.Metrics.TotalServed.Load()
	notFound := d.wk.Router.Metrics.TotalNotFound.Load()
	total := served + notFound

	if total == 0 {
		return "0.00%"
	}

	perc := (float64(served) / float64(total)) * 100

	return fmt.Sprintf("%.2f%%", perc)
}

// idleTTL returns a string of the idle duration after which mounts are evicted.
func (d *Dashboard) idleTTL() string {
	if ttl := d.wk.Registry.Options.IdleTTL; ttl > 0 {
		return ttl.String()
	}

	return "Never"
}

// humanizeInt64 returns a string of a byte count, negative counts being zero.
func humanizeInt64(bytes int64) string {
	if bytes < 0 {
		return humanize.IBytes(0)
	}

	return humanize.IBytes(uint64(bytes))
}

// enabledOrDisabled returns string "Enabled" or "Disabled" based on a boolean.
func enabledOrDisabled(v bool) string {
	if v {
		return "Enabled"
	}

	return "Disabled"
}
