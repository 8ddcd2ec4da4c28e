package contract

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"callgate/internal/callerr"
	"callgate/internal/provider"
	"callgate/pkg/chain/evm"
)

// Kind is the execution context a handle is bound to.
type Kind int

const (
	// Read handles perform eth_call against the active endpoint.
	Read Kind = iota
	// Sign handles submit signed transactions.
	Sign
)

func (k Kind) String() string {
	if k == Sign {
		return "sign"
	}
	return "read"
}

// Descriptor identifies a contract by address and interface.
type Descriptor struct {
	Address common.Address
	ABI     abi.ABI
}

// ParseDescriptor builds a Descriptor from a hex address and ABI JSON.
func ParseDescriptor(address, abiJSON string) (Descriptor, error) {
	if !common.IsHexAddress(address) {
		return Descriptor{}, fmt.Errorf("invalid contract address %q", address)
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return Descriptor{}, fmt.Errorf("parsing contract ABI: %w", err)
	}
	return Descriptor{Address: common.HexToAddress(address), ABI: parsed}, nil
}

// Handle is a contract bound to one backend and execution context.
type Handle struct {
	Address common.Address
	Kind    Kind
	ABI     abi.ABI

	backend    evm.Backend
	endpoint   provider.Endpoint
	generation uint64
	signer     *bind.TransactOpts
	bound      *bind.BoundContract
}

// Descriptor returns the descriptor the handle was built from.
func (h *Handle) Descriptor() Descriptor {
	return Descriptor{Address: h.Address, ABI: h.ABI}
}

// Endpoint returns the endpoint the handle is bound to.
func (h *Handle) Endpoint() provider.Endpoint {
	return h.endpoint
}

// Generation returns the pool generation the handle was built for.
func (h *Handle) Generation() uint64 {
	return h.generation
}

// Target is the lower-case hex address used in cache keys.
func (h *Handle) Target() string {
	return strings.ToLower(h.Address.Hex())
}

// Pack ABI-encodes a call to method. Encoding failures are fatal.
func (h *Handle) Pack(method string, args ...interface{}) ([]byte, error) {
	data, err := h.ABI.Pack(method, args...)
	if err != nil {
		return nil, callerr.Fatalf("pack", "encoding %s arguments: %w", method, err)
	}
	return data, nil
}

// Unpack decodes the return data of method. Decoding failures are fatal.
func (h *Handle) Unpack(method string, data []byte) ([]interface{}, error) {
	out, err := h.ABI.Unpack(method, data)
	if err != nil {
		return nil, callerr.Fatalf("unpack", "decoding %s result: %w", method, err)
	}
	return out, nil
}

// CallRaw performs an eth_call with pre-encoded input at the latest block.
func (h *Handle) CallRaw(ctx context.Context, data []byte) ([]byte, error) {
	if h.backend == nil {
		return nil, callerr.Fatalf("eth_call", "provider pool closed")
	}
	return h.backend.CallContract(ctx, ethereum.CallMsg{To: &h.Address, Data: data}, nil)
}

// Backend returns the backend the handle is bound to.
func (h *Handle) Backend() evm.Backend {
	return h.backend
}

// Transact signs and submits a call to method. Only Sign handles can transact.
func (h *Handle) Transact(ctx context.Context, method string, args ...interface{}) (*types.Transaction, error) {
	if h.Kind != Sign || h.bound == nil {
		return nil, callerr.Fatalf("transact", "%s handle cannot submit transactions", h.Kind)
	}

	opts := *h.signer
	opts.Context = ctx
	tx, err := h.bound.Transact(&opts, method, args...)
	if err != nil {
		return nil, evm.Classify("transact", err)
	}
	return tx, nil
}
