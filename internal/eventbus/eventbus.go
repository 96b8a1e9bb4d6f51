// Package eventbus implements the typed, synchronous in-process pub/sub
// used to thread lifecycle events across components and plugins (C8).
package eventbus

import "sync"

// Name identifies an event channel.
type Name string

const (
	Initialized        Name = "initialized"
	Exit                Name = "exit"
	ConfigLoaded        Name = "configLoaded"
	GenerateStarted     Name = "generateStarted"
	AllTasksComplete    Name = "allTasksComplete"
	Begin               Name = "begin"
	End                 Name = "end"
	Error               Name = "error"
	Changed             Name = "changed"
	Pause               Name = "pause"
	Resume              Name = "resume"
	ComputeArtifact     Name = "computeArtifact"
	ComputeAllArtifacts Name = "computeAllArtifacts"
)

// ChangeKind discriminates Changed event payloads.
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "add"
	ChangeModify ChangeKind = "modify"
	ChangeRemove ChangeKind = "remove"
)

// ConfigLoadedPayload carries the newly loaded configuration object. It is
// declared as `any` here to avoid an import cycle with internal/config; the
// publisher and subscribers agree on the concrete type out of band.
type ConfigLoadedPayload struct {
	Config any
}

// ArtifactsPayload carries the artifact output paths affected by begin/end.
type ArtifactsPayload struct {
	Artifacts []string
}

// ErrorPayload carries the artifacts and message for an error event.
type ErrorPayload struct {
	Artifacts []string
	Message   string
}

// ChangedPayload carries a single filesystem change.
type ChangedPayload struct {
	Path string
	Kind ChangeKind
}

// ComputeArtifactPayload names a single artifact to compute.
type ComputeArtifactPayload struct {
	Output string
}

// ComputeAllArtifactsPayload names every configured artifact to compute.
type ComputeAllArtifactsPayload struct {
	Artifacts []string
}

// Subscriber receives an event payload. Subscribers must not panic across
// the bus boundary; Bus recovers from a panicking subscriber and logs it via
// the onSubscriberPanic hook instead of propagating it to the emitter.
type Subscriber func(payload any)

// Bus dispatches events to subscribers synchronously, in registration order,
// preserving the real-time order of emission per emitting goroutine.
type Bus struct {
	mu          sync.Mutex
	subscribers map[Name][]Subscriber
	onPanic     func(name Name, recovered any)
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[Name][]Subscriber)}
}

// OnSubscriberPanic installs a hook invoked whenever a subscriber panics;
// if nil (the default), panics are silently recovered and discarded.
func (b *Bus) OnSubscriberPanic(fn func(name Name, recovered any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPanic = fn
}

// Subscribe registers fn to be invoked, synchronously, whenever name is
// emitted.
func (b *Bus) Subscribe(name Name, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[name] = append(b.subscribers[name], fn)
}

// Emit dispatches payload to every subscriber of name, in subscription
// order, synchronously on the calling goroutine.
func (b *Bus) Emit(name Name, payload any) {
	b.mu.Lock()
	subs := make([]Subscriber, len(b.subscribers[name]))
	copy(subs, b.subscribers[name])
	onPanic := b.onPanic
	b.mu.Unlock()

	for _, sub := range subs {
		b.dispatchOne(name, sub, payload, onPanic)
	}
}

func (b *Bus) dispatchOne(name Name, sub Subscriber, payload any, onPanic func(Name, any)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(name, r)
		}
	}()
	sub(payload)
}
