// Package protocol implements the control channel between a client and the
// worker, turning REGISTER and UNREGISTER messages into registry changes.
//
// Every message yields exactly one [Event] for the client:
//
//	REGISTER   -> LOAD{content}   mount committed, content of the home page
//	           -> LOAD{error}     home page could not be read, not committed
//	           -> REJECTED{reason} handle not mountable or no home page
//	UNREGISTER -> UNLOADED{removed}
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/desertwitch/sitemount/internal/filesystem"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errMissingArgument = errors.New("missing argument")

	// ErrUnknownMessage is returned for a message of unknown type.
	ErrUnknownMessage = errors.New("unknown message type")

	// ErrMalformedMessage is returned for a message that cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")
)

// MessageType is the type of a [Message] from a client.
type MessageType string

const (
	TypeRegister   MessageType = "REGISTER"
	TypeUnregister MessageType = "UNREGISTER"
)

// EventType is the type of an [Event] for a client.
type EventType string

const (
	EventLoad     EventType = "LOAD"
	EventRejected EventType = "REJECTED"
	EventUnloaded EventType = "UNLOADED"
)

// Message is a control message sent by a client.
type Message struct {
	Type   MessageType        `json:"type"`
	Handle *filesystem.Handle `json:"handle,omitempty"`

	// Client is an optional identity, if not known from the transport.
	Client string `json:"client,omitempty"`
}

// Event is the outcome of a [Message] returned to the client.
type Event struct {
	Type   EventType `json:"type"`
	Client string    `json:"client,omitempty"`

	Content *string `json:"content,omitempty"`
	Error   string  `json:"error,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	Removed *bool   `json:"removed,omitempty"`
}

// Mounter constructs mounts from handles.
type Mounter interface {
	Mount(h filesystem.Handle) (filesystem.DirLike, error)
}

// Registry stores the committed mounts per client.
type Registry interface {
	Register(client string, h filesystem.Handle, dir filesystem.DirLike) error
	Remove(client string) bool
}

// Metrics contains all metrics which are collected within the protocol.
type Metrics struct {
	TotalMessages  atomic.Int64
	TotalLoaded    atomic.Int64
	TotalLoadError atomic.Int64
	TotalRejected  atomic.Int64
	TotalUnloaded  atomic.Int64
}

// Handler processes control messages, safe for concurrent use.
type Handler struct {
	// IndexFile is the home page that must exist for a mount to commit.
	IndexFile string

	Metrics *Metrics

	mounter  Mounter
	registry Registry
	log      *zap.Logger
}

// NewHandler returns a pointer to a new [Handler].
func NewHandler(m Mounter, r Registry, log *zap.Logger) (*Handler, error) {
	if m == nil || r == nil {
		return nil, fmt.Errorf("%w: need a mounter and registry", errMissingArgument)
	}
	if log == nil {
		return nil, fmt.Errorf("%w: need a logger", errMissingArgument)
	}

	return &Handler{
		IndexFile: filesystem.IndexFile,
		Metrics:   &Metrics{},
		mounter:   m,
		registry:  r,
		log:       log,
	}, nil
}

// NewClientID returns a new random client identity.
func NewClientID() string {
	return uuid.NewString()
}

// DecodeMessage reads one JSON [Message] from r.
func DecodeMessage(r io.Reader) (Message, error) {
	var msg Message

	dec := json.NewDecoder(io.LimitReader(r, 1<<20))
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	return msg, nil
}

// Handle processes one message of a client and returns the resulting event.
//
// The client identity from the transport takes precedence over the one within
// the message. A REGISTER without any identity is assigned a new one, which is
// returned within the event. An error is only returned for messages that are
// not understood, all other outcomes are expressed as [Event].
func (h *Handler) Handle(ctx context.Context, client string, msg Message) (Event, error) {
	h.Metrics.TotalMessages.Add(1)

	if client == "" {
		client = msg.Client
	}

	switch msg.Type {
	case TypeRegister:
		if client == "" {
			client = NewClientID()
		}

		return h.register(ctx, client, msg.Handle), nil

	case TypeUnregister:
		return h.unregister(client), nil

	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

func (h *Handler) register(ctx context.Context, client string, handle *filesystem.Handle) Event {
	if handle == nil {
		return h.reject(client, nil, "missing handle")
	}

	dir, err := h.mounter.Mount(*handle)
	if err != nil {
		return h.reject(client, handle, err.Error())
	}

	content, ok, err := h.readIndex(ctx, dir)
	if err != nil {
		dir.Close()

		h.Metrics.TotalLoadError.Add(1)
		h.log.Warn("failed to load home page",
			zap.String("client", client), zap.Stringer("handle", handle), zap.Error(err))

		return Event{Type: EventLoad, Client: client, Error: err.Error()}
	}
	if !ok {
		dir.Close()

		return h.reject(client, handle, h.IndexFile+" not found")
	}

	if err := h.registry.Register(client, *handle, dir); err != nil {
		dir.Close()

		return h.reject(client, handle, err.Error())
	}

	h.Metrics.TotalLoaded.Add(1)

	return Event{Type: EventLoad, Client: client, Content: &content}
}

func (h *Handler) readIndex(ctx context.Context, dir filesystem.DirLike) (string, bool, error) {
	f, ok, err := dir.Open(ctx, h.IndexFile)
	if err != nil || !ok {
		return "", ok, err
	}

	content, err := f.String(ctx)
	if err != nil {
		return "", false, err //nolint:wrapcheck
	}

	return content, true, nil
}

func (h *Handler) reject(client string, handle *filesystem.Handle, reason string) Event {
	h.Metrics.TotalRejected.Add(1)
	h.log.Info("mount rejected",
		zap.String("client", client), zap.Stringer("handle", handle), zap.String("reason", reason))

	return Event{Type: EventRejected, Client: client, Reason: reason}
}

func (h *Handler) unregister(client string) Event {
	removed := client != "" && h.registry.Remove(client)

	h.Metrics.TotalUnloaded.Add(1)

	return Event{Type: EventUnloaded, Client: client, Removed: &removed}
}
