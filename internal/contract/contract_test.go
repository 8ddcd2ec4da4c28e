package contract

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"callgate/internal/callerr"
	"callgate/internal/provider"
	"callgate/pkg/chain/evm"
	"callgate/pkg/contracts"
)

const recordAddress = "0x00000000000000000000000000000000000000C0"

// readBackend implements evm.Backend only.
type readBackend struct {
	url string
}

func (b *readBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}
func (b *readBackend) BlockNumber(ctx context.Context) (uint64, error) { return 1, nil }
func (b *readBackend) Close()                                          {}

// signBackend also implements bind.ContractTransactor and records sent txs.
type signBackend struct {
	readBackend
	mu   sync.Mutex
	sent []*types.Transaction
}

func (b *signBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1)}, nil
}
func (b *signBackend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{1}, nil
}
func (b *signBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (b *signBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (b *signBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (b *signBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 100000, nil
}
func (b *signBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	b.sent = append(b.sent, tx)
	b.mu.Unlock()
	return nil
}

type fakeSource struct {
	backend    evm.Backend
	generation uint64
}

func (s *fakeSource) Backend() (evm.Backend, provider.Endpoint) {
	return s.backend, provider.Endpoint{URL: "https://rpc.example"}
}

func (s *fakeSource) Generation() uint64 { return s.generation }

func recordDescriptor(t *testing.T) Descriptor {
	t.Helper()
	desc, err := ParseDescriptor(recordAddress, contracts.RecordRegistryABIJSON)
	require.NoError(t, err)
	return desc
}

func newSigner(t *testing.T) *bind.TransactOpts {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(1337))
	require.NoError(t, err)
	opts.GasPrice = big.NewInt(1)
	opts.GasLimit = 100000
	opts.Nonce = big.NewInt(0)
	return opts
}

// TestParseDescriptor verifies address and ABI validation.
func TestParseDescriptor(t *testing.T) {
	desc := recordDescriptor(t)
	require.Equal(t, common.HexToAddress(recordAddress), desc.Address)
	require.Contains(t, desc.ABI.Methods, "ownerOf")

	_, err := ParseDescriptor("0x123", contracts.RecordRegistryABIJSON)
	require.Error(t, err)
	_, err = ParseDescriptor(recordAddress, "not json")
	require.Error(t, err)
}

// TestResolveCachesPerAddressAndKind verifies handle reuse and that address
// case does not create a second entry.
func TestResolveCachesPerAddressAndKind(t *testing.T) {
	source := &fakeSource{backend: &signBackend{}}
	reg := NewRegistry(source)
	desc := recordDescriptor(t)

	h1, err := reg.Resolve(desc, Read, nil)
	require.NoError(t, err)
	h2, err := reg.Resolve(desc, Read, nil)
	require.NoError(t, err)
	require.Same(t, h1, h2)
	require.Equal(t, "0x00000000000000000000000000000000000000c0", h1.Target())

	signer := newSigner(t)
	s1, err := reg.Resolve(desc, Sign, signer)
	require.NoError(t, err)
	require.NotSame(t, h1, s1)
	require.Equal(t, 2, reg.Len())
}

// TestResolveRebuildsAfterSwitch verifies a generation change rebuilds the
// handle against the new backend.
func TestResolveRebuildsAfterSwitch(t *testing.T) {
	first := &readBackend{url: "a"}
	source := &fakeSource{backend: first}
	reg := NewRegistry(source)
	desc := recordDescriptor(t)

	h, err := reg.Resolve(desc, Read, nil)
	require.NoError(t, err)
	require.Same(t, first, h.Backend())

	second := &readBackend{url: "b"}
	source.backend = second
	source.generation++

	rebound, err := reg.Rebind(h)
	require.NoError(t, err)
	require.NotSame(t, h, rebound)
	require.Same(t, second, rebound.Backend())
	require.Equal(t, uint64(1), rebound.Generation())

	reg.Clear()
	require.Zero(t, reg.Len())
}

// TestResolveSignRequirements verifies sign handles need a signer and a
// transacting backend.
func TestResolveSignRequirements(t *testing.T) {
	desc := recordDescriptor(t)

	_, err := NewRegistry(&fakeSource{backend: &signBackend{}}).Resolve(desc, Sign, nil)
	require.Equal(t, callerr.Fatal, callerr.KindOf(err))

	_, err = NewRegistry(&fakeSource{backend: &readBackend{}}).Resolve(desc, Sign, newSigner(t))
	require.Error(t, err)
	require.Equal(t, callerr.Fatal, callerr.KindOf(err))
}

// TestTransact verifies a sign handle submits a signed transaction.
func TestTransact(t *testing.T) {
	backend := &signBackend{}
	reg := NewRegistry(&fakeSource{backend: backend})
	desc := recordDescriptor(t)

	h, err := reg.Resolve(desc, Sign, newSigner(t))
	require.NoError(t, err)
	tx, err := h.Transact(context.Background(), "vote", big.NewInt(42), true)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	require.Equal(t, tx.Hash(), backend.sent[0].Hash())
	require.Equal(t, desc.Address, *tx.To())

	read, err := reg.Resolve(desc, Read, nil)
	require.NoError(t, err)
	_, err = read.Transact(context.Background(), "vote", big.NewInt(42), true)
	require.Equal(t, callerr.Fatal, callerr.KindOf(err))
}

// TestPackUnpack verifies encoding failures are fatal and results decode.
func TestPackUnpack(t *testing.T) {
	reg := NewRegistry(&fakeSource{backend: &readBackend{}})
	h, err := reg.Resolve(recordDescriptor(t), Read, nil)
	require.NoError(t, err)

	_, err = h.Pack("ownerOf", "not a number")
	require.Equal(t, callerr.Fatal, callerr.KindOf(err))

	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	data, err := h.ABI.Methods["ownerOf"].Outputs.Pack(owner)
	require.NoError(t, err)
	out, err := h.Unpack("ownerOf", data)
	require.NoError(t, err)
	require.Equal(t, []interface{}{owner}, out)
}

// TestParseArgs verifies CLI strings convert to packer types.
func TestParseArgs(t *testing.T) {
	desc := recordDescriptor(t)

	args, err := ParseArgs(desc.ABI.Methods["ownerOf"], []string{"42"})
	require.NoError(t, err)
	require.Equal(t, []interface{}{big.NewInt(42)}, args)

	args, err = ParseArgs(desc.ABI.Methods["vote"], []string{"0x2a", "true"})
	require.NoError(t, err)
	require.Equal(t, []interface{}{big.NewInt(42), true}, args)

	args, err = ParseArgs(desc.ABI.Methods["balanceOf"], []string{" 0x00000000000000000000000000000000000000aa "})
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xaa"), args[0])

	_, err = ParseArgs(desc.ABI.Methods["ownerOf"], []string{})
	require.Error(t, err)
	_, err = ParseArgs(desc.ABI.Methods["ownerOf"], []string{"-1"})
	require.Error(t, err)
	_, err = ParseArgs(desc.ABI.Methods["balanceOf"], []string{"nope"})
	require.Equal(t, callerr.Fatal, callerr.KindOf(err))

	_, err = ParseArgs(desc.ABI.Methods["mint"], []string{"ipfs://record"})
	require.NoError(t, err)
}
