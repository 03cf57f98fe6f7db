// Package registry implements the per-client table of active mounts.
//
// Every client identity maps to at most one mounted [filesystem.DirLike].
// Entries are replaced by registering again, and dropped by removal, idle
// expiry or capacity pressure. Any mount leaving the registry is closed.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/desertwitch/sitemount/internal/filesystem"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

var errMissingArgument = errors.New("missing argument")

// Options contains all settings for the operation of the registry.
type Options struct {
	// IdleTTL is the duration after which an unused mount is evicted.
	// Every lookup of a mount extends its lifetime. Zero never expires.
	IdleTTL time.Duration

	// MaxMounts is the maximum amount of mounts, after which the least
	// recently used mount is evicted for a new one. Zero is unlimited.
	MaxMounts uint64
}

// DefaultOptions returns a pointer to [Options] with the default values.
func DefaultOptions() *Options {
	return &Options{
		IdleTTL:   0,
		MaxMounts: 0,
	}
}

// Metrics contains all metrics which are collected within the registry.
type Metrics struct {
	// TotalRegistered is the amount of committed registrations.
	TotalRegistered atomic.Int64

	// TotalReplaced is the amount of registrations replacing a mount.
	TotalReplaced atomic.Int64

	// TotalUnregistered is the amount of removed mounts.
	TotalUnregistered atomic.Int64

	// TotalEvicted is the amount of mounts evicted for idling or capacity.
	TotalEvicted atomic.Int64
}

// Entry is one registered mount.
type Entry struct {
	Dir    filesystem.DirLike
	Handle filesystem.Handle
	Since  time.Time
}

// Info describes an [Entry] for display purposes.
type Info struct {
	Client    string            `json:"client"`
	Handle    filesystem.Handle `json:"handle"`
	Since     time.Time         `json:"since"`
	ExpiresAt time.Time         `json:"expiresAt,omitzero"`
}

// Registry maps client identities to their mounts, safe for concurrent use.
type Registry struct {
	Options *Options
	Metrics *Metrics

	mu       sync.Mutex // serializes writes per registry
	cache    *ttlcache.Cache[string, *Entry]
	log      *zap.Logger
	stopOnce sync.Once
}

// New returns a pointer to a new [Registry].
// The registry must be closed with [Registry.Close] once no longer needed.
func New(opts *Options, log *zap.Logger) (*Registry, error) {
	if log == nil {
		return nil, fmt.Errorf("%w: need a logger", errMissingArgument)
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	r := &Registry{
		Options: opts,
		Metrics: &Metrics{},
		log:     log,
	}

	cacheOpts := []ttlcache.Option[string, *Entry]{
		ttlcache.WithTTL[string, *Entry](opts.IdleTTL),
	}
	if opts.MaxMounts > 0 {
		cacheOpts = append(cacheOpts, ttlcache.WithCapacity[string, *Entry](opts.MaxMounts))
	}

	r.cache = ttlcache.New(cacheOpts...)
	r.cache.OnEviction(r.onEviction)

	go r.cache.Start()

	return r, nil
}

func (r *Registry) onEviction(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Entry]) {
	e := item.Value()

	switch reason {
	case ttlcache.EvictionReasonExpired:
		r.Metrics.TotalEvicted.Add(1)
		r.log.Info("mount evicted (idle)",
			zap.String("client", item.Key()), zap.Stringer("handle", e.Handle))
	case ttlcache.EvictionReasonCapacityReached:
		r.Metrics.TotalEvicted.Add(1)
		r.log.Info("mount evicted (capacity)",
			zap.String("client", item.Key()), zap.Stringer("handle", e.Handle))
	default:
	}

	if err := e.Dir.Close(); err != nil {
		r.log.Warn("failed to close mount",
			zap.String("client", item.Key()), zap.Stringer("handle", e.Handle), zap.Error(err))
	}
}

// Register inserts the mount for a client, replacing (and closing) any
// previous mount of that client. The previous mount is never served again
// once Register returns.
func (r *Registry) Register(client string, h filesystem.Handle, dir filesystem.DirLike) error {
	if client == "" {
		return fmt.Errorf("%w: need a client", errMissingArgument)
	}
	if dir == nil {
		return fmt.Errorf("%w: need a mount", errMissingArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Deleting (also when expired, but not yet evicted) closes the old mount.
	if r.cache.Has(client) {
		r.Metrics.TotalReplaced.Add(1)
	}
	r.cache.Delete(client)

	r.cache.Set(client, &Entry{
		Dir:    dir,
		Handle: h,
		Since:  time.Now(),
	}, ttlcache.DefaultTTL)

	r.Metrics.TotalRegistered.Add(1)
	r.log.Info("mount registered",
		zap.String("client", client), zap.Stringer("handle", h))

	return nil
}

// Remove deletes (and closes) the mount of a client.
// It reports whether the client had a mount, removing none is a no-op.
func (r *Registry) Remove(client string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.cache.Has(client) {
		r.cache.Delete(client) // expired, but not yet evicted

		return false
	}
	r.cache.Delete(client)

	r.Metrics.TotalUnregistered.Add(1)
	r.log.Info("mount unregistered", zap.String("client", client))

	return true
}

// Lookup returns the mount of a client, extending its idle lifetime.
func (r *Registry) Lookup(client string) (filesystem.DirLike, bool) {
	if client == "" {
		return nil, false
	}

	item := r.cache.Get(client)
	if item == nil {
		return nil, false
	}

	return item.Value().Dir, true
}

// Clients returns the sorted identities of all clients with a mount.
func (r *Registry) Clients() []string {
	keys := r.cache.Keys()
	slices.Sort(keys)

	return keys
}

// Mounts returns the sorted [Info] of all mounts, without extending them.
func (r *Registry) Mounts() []Info {
	items := r.cache.Items()

	infos := make([]Info, 0, len(items))
	for client, item := range items {
		if item.IsExpired() {
			continue
		}
		e := item.Value()
		infos = append(infos, Info{
			Client:    client,
			Handle:    e.Handle,
			Since:     e.Since,
			ExpiresAt: expiresAt(item),
		})
	}

	slices.SortFunc(infos, func(a, b Info) int {
		return strings.Compare(a.Client, b.Client)
	})

	return infos
}

// Len returns the amount of mounts.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Close stops the expiry loop, then removes and closes all mounts.
func (r *Registry) Close() error {
	r.stopOnce.Do(func() {
		r.cache.Stop()

		r.mu.Lock()
		defer r.mu.Unlock()

		r.cache.DeleteAll()
	})

	return nil
}

func expiresAt(item *ttlcache.Item[string, *Entry]) time.Time {
	if item.TTL() <= 0 {
		return time.Time{}
	}

	return item.ExpiresAt()
}
