// Package disposable gives signal/mediator subscriptions a handle that
// releases the subscription on Dispose, so observers attached for the
// lifetime of one scope never outlive it.
package disposable

// Disposable releases whatever resource its constructor captured.
// Dispose is idempotent: calling it more than once is a no-op.
type Disposable interface {
	Dispose()
}

// New wraps a plain func as a Disposable, guarding against double-dispose.
func New(dispose func()) Disposable {
	return &funcDisposable{dispose: dispose}
}

type funcDisposable struct {
	dispose func()
	done    bool
}

func (d *funcDisposable) Dispose() {
	if d.done {
		return
	}
	d.done = true
	d.dispose()
}

// NewComposite returns a Disposable that disposes every delegate, in order.
func NewComposite(delegates ...Disposable) Disposable {
	return &compositeDisposable{delegates: delegates}
}

type compositeDisposable struct {
	delegates []Disposable
}

func (d *compositeDisposable) Dispose() {
	for _, delegate := range d.delegates {
		delegate.Dispose()
	}
}
