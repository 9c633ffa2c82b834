package batchscope

import "github.com/krew-solutions/workhub-go/workhub/store"

// Factory builds scopes that share one store and one work channel, so
// call sites only ever name the instance identity a scope runs under —
// an explicit scope-as-value in place of an attribute-driven DI
// container.
type Factory struct {
	store   Flusher
	channel *WorkChannel
}

// NewFactory returns a Factory over st and channel. Construct one per
// process and share it: channel is process-wide by contract (see
// WorkChannel), and st is normally shared by every worker already.
func NewFactory(st Flusher, channel *WorkChannel) *Factory {
	return &Factory{store: st, channel: channel}
}

// New opens a scope under instance's identity. The caller owns the
// returned scope's lifetime and must call DisposeAsync on every exit path.
func (f *Factory) New(instance store.InstanceIdentity) *Scope {
	return New(f.store, f.channel, instance)
}
