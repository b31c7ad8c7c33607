package broker

import (
	"fmt"

	"signalrelay/internal/model"
)

// Registry maps a broker name to its adapter.
type Registry struct {
	adapters map[model.Broker]Adapter
	paper    Adapter
}

// NewRegistry registers adapters by their Name.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Broker]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// UsePaper routes every broker to the paper adapter. Credentials are still
// resolved per broker so the ledger keeps one leg per trader credential.
func (r *Registry) UsePaper(a Adapter) {
	r.paper = a
	r.adapters[a.Name()] = a
}

// Paper reports whether all orders go to the paper adapter.
func (r *Registry) Paper() bool { return r.paper != nil }

// For returns the adapter serving broker b.
func (r *Registry) For(b model.Broker) (Adapter, error) {
	if r.paper != nil {
		return r.paper, nil
	}
	a, ok := r.adapters[b]
	if !ok {
		return nil, fmt.Errorf("no adapter for broker %q", b)
	}
	return a, nil
}
