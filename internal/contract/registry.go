package contract

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/rs/zerolog/log"

	"callgate/internal/callerr"
	"callgate/internal/provider"
	"callgate/pkg/chain/evm"
)

// BackendSource supplies the active backend. *provider.Pool implements it.
type BackendSource interface {
	Backend() (evm.Backend, provider.Endpoint)
	Generation() uint64
}

type handleKey struct {
	address string
	kind    Kind
}

// Registry caches contract handles per (address, kind). A cached handle is
// reused only while the pool generation it was built for is current.
type Registry struct {
	source BackendSource

	mu      sync.Mutex
	handles map[handleKey]*Handle
}

// NewRegistry creates an empty registry over source.
func NewRegistry(source BackendSource) *Registry {
	return &Registry{
		source:  source,
		handles: make(map[handleKey]*Handle),
	}
}

// Resolve returns the handle for desc and kind, building a new one when none
// is cached or the cached one is bound to a replaced backend. Sign handles
// need a signer.
func (r *Registry) Resolve(desc Descriptor, kind Kind, signer *bind.TransactOpts) (*Handle, error) {
	if kind == Sign && signer == nil {
		return nil, callerr.Fatalf("resolve", "signing handle for %s requires a signer", desc.Address.Hex())
	}

	key := handleKey{address: strings.ToLower(desc.Address.Hex()), kind: kind}
	generation := r.source.Generation()

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[key]; ok && h.generation == generation && (kind == Read || h.signer == signer) {
		return h, nil
	}

	backend, endpoint := r.source.Backend()
	h := &Handle{
		Address:    desc.Address,
		Kind:       kind,
		ABI:        desc.ABI,
		backend:    backend,
		endpoint:   endpoint,
		generation: generation,
	}

	if kind == Sign {
		transactor, ok := backend.(bind.ContractTransactor)
		if !ok {
			return nil, callerr.Fatalf("resolve", "endpoint %s does not support transactions", endpoint.URL)
		}
		h.signer = signer
		h.bound = bind.NewBoundContract(desc.Address, desc.ABI, nil, transactor, nil)
	}

	r.handles[key] = h
	log.Debug().
		Str("address", key.address).
		Str("kind", kind.String()).
		Str("endpoint", endpoint.URL).
		Uint64("generation", generation).
		Msg("Built contract handle")
	return h, nil
}

// Rebind returns a handle equivalent to h for the current backend.
func (r *Registry) Rebind(h *Handle) (*Handle, error) {
	return r.Resolve(h.Descriptor(), h.Kind, h.signer)
}

// Clear drops every cached handle.
func (r *Registry) Clear() {
	r.mu.Lock()
	n := len(r.handles)
	r.handles = make(map[handleKey]*Handle)
	r.mu.Unlock()
	log.Debug().Int("handles", n).Msg("Cleared contract handles")
}

// Len returns the number of cached handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
