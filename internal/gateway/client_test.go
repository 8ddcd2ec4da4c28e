package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"callgate/internal/cache"
	"callgate/internal/callerr"
	"callgate/internal/contract"
	"callgate/internal/metrics"
	"callgate/internal/persistence"
	"callgate/internal/provider"
	"callgate/internal/ratelimit"
	"callgate/internal/retry"
	"callgate/pkg/chain/evm"
	"callgate/pkg/contracts"
)

const recordAddress = "0x00000000000000000000000000000000000000C0"

var endpoints = []string{"https://rpc-a.example", "https://rpc-b.example", "https://rpc-c.example"}

// revertError looks like a node's "execution reverted" JSON-RPC error.
type revertError struct{}

func (revertError) Error() string          { return "execution reverted" }
func (revertError) ErrorCode() int         { return 3 }
func (revertError) ErrorData() interface{} { return "0x" }

type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type result3 struct {
	Success    bool
	ReturnData []byte
}

// fakeChain serves the record registry from memory for every endpoint.
type fakeChain struct {
	mu      sync.Mutex
	owners  map[int64]common.Address
	reverts map[int64]bool
	down    map[string]bool
	hang    map[string]bool
	calls   map[string]int
	gate    chan struct{}
	sent    []*types.Transaction
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		owners:  make(map[int64]common.Address),
		reverts: make(map[int64]bool),
		down:    make(map[string]bool),
		hang:    make(map[string]bool),
		calls:   make(map[string]int),
	}
}

func (c *fakeChain) setOwner(id int64, owner common.Address) {
	c.mu.Lock()
	c.owners[id] = owner
	c.mu.Unlock()
}

func (c *fakeChain) setDown(url string, down bool) {
	c.mu.Lock()
	c.down[url] = down
	c.mu.Unlock()
}

// setHang makes eth_call on url accept the request and never answer.
func (c *fakeChain) setHang(url string, hang bool) {
	c.mu.Lock()
	c.hang[url] = hang
	c.mu.Unlock()
}

func (c *fakeChain) callCount(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[url]
}

func (c *fakeChain) totalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func (c *fakeChain) dial(ctx context.Context, url string) (evm.Backend, error) {
	return &chainBackend{url: url, chain: c}, nil
}

func (c *fakeChain) dispatch(data []byte) ([]byte, error) {
	method, err := contracts.RecordRegistryABI.MethodById(data[:4])
	if err != nil {
		return nil, evm.Classify("eth_call", revertError{})
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, evm.Classify("eth_call", revertError{})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch method.Name {
	case "ownerOf":
		id := args[0].(*big.Int).Int64()
		if c.reverts[id] {
			return nil, evm.Classify("eth_call", revertError{})
		}
		return method.Outputs.Pack(c.owners[id])
	case "tokenURI":
		return method.Outputs.Pack(fmt.Sprintf("ipfs://record/%d", args[0].(*big.Int)))
	case "totalSupply":
		return method.Outputs.Pack(big.NewInt(int64(len(c.owners))))
	default:
		return nil, evm.Classify("eth_call", revertError{})
	}
}

func (c *fakeChain) aggregate(data []byte) ([]byte, error) {
	aggregate := evm.Multicall3ABI.Methods["aggregate3"]
	vals, err := aggregate.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	calls := *abi.ConvertType(vals[0], new([]call3)).(*[]call3)

	results := make([]result3, len(calls))
	for i, call := range calls {
		out, err := c.dispatch(call.CallData)
		results[i] = result3{Success: err == nil, ReturnData: out}
	}
	return aggregate.Outputs.Pack(results)
}

type chainBackend struct {
	url   string
	chain *fakeChain
}

func (b *chainBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.chain.mu.Lock()
	b.chain.calls[b.url]++
	down := b.chain.down[b.url]
	hang := b.chain.hang[b.url]
	gate := b.chain.gate
	b.chain.mu.Unlock()

	if down {
		return nil, evm.Classify("eth_call", context.DeadlineExceeded)
	}
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if gate != nil {
		<-gate
	}
	if *msg.To == evm.Multicall3Address {
		return b.chain.aggregate(msg.Data)
	}
	return b.chain.dispatch(msg.Data)
}

func (b *chainBackend) BlockNumber(ctx context.Context) (uint64, error) {
	b.chain.mu.Lock()
	down := b.chain.down[b.url]
	b.chain.mu.Unlock()
	if down {
		return 0, evm.Classify("eth_blockNumber", context.DeadlineExceeded)
	}
	return 100, nil
}

func (b *chainBackend) Close() {}

func (b *chainBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100)}, nil
}
func (b *chainBackend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{1}, nil
}
func (b *chainBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (b *chainBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (b *chainBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (b *chainBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 100000, nil
}
func (b *chainBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.chain.mu.Lock()
	b.chain.sent = append(b.chain.sent, tx)
	b.chain.mu.Unlock()
	return nil
}

type chanRecorder struct {
	ch chan Failure
}

func (r chanRecorder) RecordFailure(f Failure) {
	r.ch <- f
}

type panicRecorder struct{}

func (panicRecorder) RecordFailure(f Failure) {
	panic("recorder exploded")
}

type testEnv struct {
	client  *Client
	pool    *provider.Pool
	chain   *fakeChain
	metrics *metrics.Metrics
	handle  *contract.Handle
}

func newTestEnv(t *testing.T, recorder Recorder, tweaks ...func(*Config)) *testEnv {
	t.Helper()
	ctx := context.Background()
	chain := newFakeChain()

	pool, err := provider.New(ctx, endpoints, chain.dial, provider.Options{})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store, err := persistence.NewStore(filepath.Join(t.TempDir(), "callgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	callCache, err := cache.New(100, cache.NewKVTier(store))
	require.NoError(t, err)
	t.Cleanup(callCache.Close)

	m := metrics.New(prometheus.NewRegistry())
	engine := retry.New(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, pool)

	cfg := Config{
		DefaultTTL:  time.Minute,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		CallTimeout: time.Second,
		BatchSize:   2,
		BatchDelay:  time.Millisecond,
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}

	client := New(cfg, Deps{
		Pool:     pool,
		Cache:    callCache,
		Limiter:  ratelimit.New(1000, time.Minute, 0),
		Retry:    engine,
		Metrics:  m,
		Recorder: recorder,
	})
	t.Cleanup(client.Close)

	desc, err := contract.ParseDescriptor(recordAddress, contracts.RecordRegistryABIJSON)
	require.NoError(t, err)
	h, err := client.Handle(desc, contract.Read, nil)
	require.NoError(t, err)

	return &testEnv{client: client, pool: pool, chain: chain, metrics: m, handle: h}
}

func owner(n int64) common.Address {
	return common.BigToAddress(big.NewInt(0xa000 + n))
}

// TestCallServedFromCacheWithinTTL verifies two reads of the same token 10ms
// apart with a 60s TTL cause one network call.
func TestCallServedFromCacheWithinTTL(t *testing.T) {
	env := newTestEnv(t, nil)
	env.chain.setOwner(42, owner(1))
	ctx := context.Background()
	opts := CallOptions{CacheTTL: 60 * time.Second}

	first, err := env.client.Call(ctx, env.handle, "ownerOf", []interface{}{big.NewInt(42)}, opts)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	second, err := env.client.Call(ctx, env.handle, "ownerOf", []interface{}{big.NewInt(42)}, opts)
	require.NoError(t, err)

	require.Equal(t, []interface{}{owner(1)}, first)
	require.Equal(t, first, second)
	require.Equal(t, 1, env.chain.totalCalls())
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CacheLookups.WithLabelValues("memory", "hit")))
}

// TestCallDeduplicatesConcurrentCalls verifies N identical in-flight reads
// produce one network call and the same result.
func TestCallDeduplicatesConcurrentCalls(t *testing.T) {
	env := newTestEnv(t, nil)
	env.chain.setOwner(7, owner(7))
	env.chain.gate = make(chan struct{})

	const n = 10
	var wg sync.WaitGroup
	results := make([][]interface{}, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.client.Call(context.Background(), env.handle, "ownerOf", []interface{}{big.NewInt(7)}, CallOptions{SkipCache: true})
		}(i)
	}

	require.Eventually(t, func() bool { return env.chain.totalCalls() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(env.chain.gate)
	wg.Wait()

	require.Equal(t, 1, env.chain.totalCalls())
	for i, r := range results {
		require.NoError(t, errs[i])
		require.Equal(t, []interface{}{owner(7)}, r)
	}
	require.Equal(t, float64(n), testutil.ToFloat64(env.metrics.DedupShared))
}

// TestCallFailsOverToThirdEndpoint verifies a read succeeds when the first
// two endpoints time out.
func TestCallFailsOverToThirdEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.chain.setOwner(42, owner(2))
	env.chain.setDown(endpoints[0], true)
	env.chain.setDown(endpoints[1], true)

	out, err := env.client.Call(context.Background(), env.handle, "ownerOf", []interface{}{big.NewInt(42)}, CallOptions{})
	require.NoError(t, err)
	require.Equal(t, []interface{}{owner(2)}, out)

	require.Equal(t, 1, env.chain.callCount(endpoints[0]))
	require.Equal(t, 0, env.chain.callCount(endpoints[1]))
	require.Equal(t, 1, env.chain.callCount(endpoints[2]))
	require.Equal(t, 2, env.pool.Current().Ordinal)
	require.Equal(t, provider.StatusConnected, env.client.NetworkStatus())
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Failovers.WithLabelValues("switched")))
}

// TestCallFailsOverSilentEndpoint verifies an endpoint that accepts a call
// and never answers is timed out and failed over, so callers of the same key
// are not pinned to it.
func TestCallFailsOverSilentEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *Config) { cfg.CallTimeout = 50 * time.Millisecond })
	env.chain.setOwner(42, owner(4))
	env.chain.setHang(endpoints[0], true)
	args := []interface{}{big.NewInt(42)}

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := env.client.Call(short, env.handle, "ownerOf", args, CallOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, callerr.Aborted, callerr.KindOf(err))
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CallsTotal.WithLabelValues("ownerOf", "aborted")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := env.client.Call(ctx, env.handle, "ownerOf", args, CallOptions{})
	require.NoError(t, err)
	require.Equal(t, []interface{}{owner(4)}, out)

	require.Equal(t, 1, env.chain.callCount(endpoints[0]))
	require.Equal(t, 1, env.pool.Current().Ordinal)
	require.Equal(t, provider.StatusConnected, env.client.NetworkStatus())

	// A fresh key goes straight to the new endpoint.
	env.chain.setOwner(43, owner(5))
	out, err = env.client.Call(ctx, env.handle, "ownerOf", []interface{}{big.NewInt(43)}, CallOptions{})
	require.NoError(t, err)
	require.Equal(t, []interface{}{owner(5)}, out)
	require.Equal(t, 1, env.chain.callCount(endpoints[0]))
}

// TestBatchCallMulticallSilentEndpoint verifies the aggregate3 path times out
// a silent endpoint and fails over.
func TestBatchCallMulticallSilentEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *Config) { cfg.CallTimeout = 50 * time.Millisecond })
	env.chain.setOwner(1, owner(1))
	env.chain.setOwner(2, owner(2))
	env.chain.setHang(endpoints[0], true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results := env.client.BatchCall(ctx, env.handle, ownerRequests(1, 2), BatchOptions{Multicall: true})
	require.Len(t, results, 2)
	for i, r := range results {
		require.NoError(t, r.Err)
		require.Equal(t, []interface{}{owner(int64(i + 1))}, r.Value)
	}
	require.Equal(t, 1, env.pool.Current().Ordinal)
}

// TestZeroConfigCaches verifies a zero Config still serves repeats from the
// cache when one is supplied.
func TestZeroConfigCaches(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *Config) { *cfg = Config{} })
	env.chain.setOwner(9, owner(9))

	for i := 0; i < 2; i++ {
		out, err := env.client.Call(context.Background(), env.handle, "ownerOf", []interface{}{big.NewInt(9)}, CallOptions{})
		require.NoError(t, err)
		require.Equal(t, []interface{}{owner(9)}, out)
	}
	require.Equal(t, 1, env.chain.totalCalls())
}

// TestCallFatalShortCircuits verifies a revert is returned after exactly one
// network call and recorded.
func TestCallFatalShortCircuits(t *testing.T) {
	rec := chanRecorder{ch: make(chan Failure, 4)}
	env := newTestEnv(t, rec)
	env.chain.reverts[13] = true

	_, err := env.client.Call(context.Background(), env.handle, "ownerOf", []interface{}{big.NewInt(13)}, CallOptions{})
	require.Error(t, err)
	require.Equal(t, callerr.Fatal, callerr.KindOf(err))
	require.NotErrorIs(t, err, callerr.ErrExhaustedRetries)
	require.Equal(t, 1, env.chain.totalCalls())

	select {
	case f := <-rec.ch:
		require.Equal(t, "ownerOf", f.Method)
		require.Equal(t, callerr.Fatal, f.Kind)
		require.Equal(t, []interface{}{big.NewInt(13)}, f.Args)
	case <-time.After(time.Second):
		t.Fatal("failure was not recorded")
	}
}

// TestCallExhausted verifies the terminal error when every endpoint is down.
func TestCallExhausted(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, u := range endpoints {
		env.chain.setDown(u, true)
	}

	_, err := env.client.Call(context.Background(), env.handle, "ownerOf", []interface{}{big.NewInt(1)}, CallOptions{})
	require.ErrorIs(t, err, callerr.ErrExhaustedRetries)
	require.Equal(t, 3, env.chain.totalCalls())
	require.Equal(t, provider.StatusError, env.client.NetworkStatus())
}

// TestCallSkipRetry verifies a single attempt when retries are disabled.
func TestCallSkipRetry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.chain.setDown(endpoints[0], true)

	_, err := env.client.Call(context.Background(), env.handle, "ownerOf", []interface{}{big.NewInt(1)}, CallOptions{SkipRetry: true})
	require.ErrorIs(t, err, callerr.ErrExhaustedRetries)
	require.Equal(t, 1, env.chain.totalCalls())
}

// TestCallInvalidArguments verifies encoding errors never reach the network.
func TestCallInvalidArguments(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.client.Call(context.Background(), env.handle, "ownerOf", []interface{}{"forty-two"}, CallOptions{})
	require.Equal(t, callerr.Fatal, callerr.KindOf(err))
	_, err = env.client.Call(context.Background(), env.handle, "noSuchMethod", nil, CallOptions{})
	require.Equal(t, callerr.Fatal, callerr.KindOf(err))
	require.Zero(t, env.chain.totalCalls())
}

// TestCallForceRefresh verifies a forced refresh bypasses the cache and
// writes the new value back.
func TestCallForceRefresh(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	args := []interface{}{big.NewInt(42)}
	env.chain.setOwner(42, owner(1))

	_, err := env.client.Call(ctx, env.handle, "ownerOf", args, CallOptions{})
	require.NoError(t, err)
	env.chain.setOwner(42, owner(2))

	stale, err := env.client.Call(ctx, env.handle, "ownerOf", args, CallOptions{})
	require.NoError(t, err)
	require.Equal(t, []interface{}{owner(1)}, stale)

	fresh, err := env.client.Call(ctx, env.handle, "ownerOf", args, CallOptions{ForceRefresh: true})
	require.NoError(t, err)
	require.Equal(t, []interface{}{owner(2)}, fresh)

	cached, err := env.client.Call(ctx, env.handle, "ownerOf", args, CallOptions{})
	require.NoError(t, err)
	require.Equal(t, []interface{}{owner(2)}, cached)
	require.Equal(t, 2, env.chain.totalCalls())
}

// TestClearCachePattern verifies only entries matching the pattern are
// invalidated.
func TestClearCachePattern(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.chain.setOwner(42, owner(1))
	env.chain.setOwner(7, owner(1))

	for _, id := range []int64{42, 7} {
		_, err := env.client.Call(ctx, env.handle, "ownerOf", []interface{}{big.NewInt(id)}, CallOptions{})
		require.NoError(t, err)
	}
	env.chain.setOwner(42, owner(3))
	env.chain.setOwner(7, owner(3))

	require.NoError(t, env.client.ClearCache(ctx, cache.TokenPattern(recordAddress, "ownerOf", "42")))

	out, err := env.client.Call(ctx, env.handle, "ownerOf", []interface{}{big.NewInt(42)}, CallOptions{})
	require.NoError(t, err)
	require.Equal(t, []interface{}{owner(3)}, out)

	out, err = env.client.Call(ctx, env.handle, "ownerOf", []interface{}{big.NewInt(7)}, CallOptions{})
	require.NoError(t, err)
	require.Equal(t, []interface{}{owner(1)}, out)
	require.Equal(t, 3, env.chain.totalCalls())
}

func ownerRequests(ids ...int64) []Request {
	reqs := make([]Request, len(ids))
	for i, id := range ids {
		reqs[i] = Request{Method: "ownerOf", Args: []interface{}{big.NewInt(id)}}
	}
	return reqs
}

// TestBatchCallIsolation verifies one failing request leaves the others intact.
func TestBatchCallIsolation(t *testing.T) {
	env := newTestEnv(t, nil)
	for id := int64(1); id <= 5; id++ {
		env.chain.setOwner(id, owner(id))
	}
	env.chain.reverts[3] = true

	results := env.client.BatchCall(context.Background(), env.handle, ownerRequests(1, 2, 3, 4, 5), BatchOptions{})
	require.Len(t, results, 5)
	for i, r := range results {
		id := int64(i + 1)
		if id == 3 {
			require.Error(t, r.Err)
			continue
		}
		require.NoError(t, r.Err)
		require.Equal(t, []interface{}{owner(id)}, r.Value)
	}
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.BatchItems.WithLabelValues("null")))
}

// TestBatchCallMulticall verifies each chunk is one aggregate3 call, failed
// sub-calls are isolated and successful ones are cached.
func TestBatchCallMulticall(t *testing.T) {
	env := newTestEnv(t, nil)
	for id := int64(1); id <= 5; id++ {
		env.chain.setOwner(id, owner(id))
	}
	env.chain.reverts[3] = true
	reqs := ownerRequests(1, 2, 3, 4, 5)
	reqs = append(reqs, Request{Method: "ownerOf", Args: []interface{}{"bad"}})

	results := env.client.BatchCall(context.Background(), env.handle, reqs, BatchOptions{Multicall: true})
	require.Len(t, results, 6)
	require.Equal(t, 3, env.chain.totalCalls())
	for i, r := range results[:5] {
		id := int64(i + 1)
		if id == 3 {
			require.Error(t, r.Err)
			continue
		}
		require.NoError(t, r.Err)
		require.Equal(t, []interface{}{owner(id)}, r.Value)
	}
	require.Equal(t, callerr.Fatal, callerr.KindOf(results[5].Err))

	// Only the chunk holding the reverted token goes back to the network.
	results = env.client.BatchCall(context.Background(), env.handle, ownerRequests(1, 2, 3, 4, 5), BatchOptions{Multicall: true})
	require.Equal(t, 4, env.chain.totalCalls())
	require.NoError(t, results[3].Err)
	require.Error(t, results[2].Err)
}

// TestRecorderPanicDoesNotAffectCaller verifies a broken recorder cannot
// change the returned error.
func TestRecorderPanicDoesNotAffectCaller(t *testing.T) {
	env := newTestEnv(t, panicRecorder{})
	env.chain.reverts[1] = true

	for i := 0; i < 3; i++ {
		_, err := env.client.Call(context.Background(), env.handle, "ownerOf", []interface{}{big.NewInt(1)}, CallOptions{})
		require.Equal(t, callerr.Fatal, callerr.KindOf(err))
	}
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

// TestSubmitInvalidatesCache verifies a successful write clears the listed
// patterns and is never cached itself.
func TestSubmitInvalidatesCache(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.chain.setOwner(42, owner(1))

	_, err := env.client.Call(ctx, env.handle, "ownerOf", []interface{}{big.NewInt(42)}, CallOptions{})
	require.NoError(t, err)

	signHandle, err := env.client.Handle(env.handle.Descriptor(), contract.Sign, newSigner(t))
	require.NoError(t, err)

	tx, err := env.client.Submit(ctx, signHandle, "vote", []interface{}{big.NewInt(42), true}, SubmitOptions{
		Invalidate: []string{cache.TokenPattern(recordAddress, "ownerOf", "42")},
	})
	require.NoError(t, err)
	require.Len(t, env.chain.sent, 1)
	require.Equal(t, tx.Hash(), env.chain.sent[0].Hash())

	env.chain.setOwner(42, owner(2))
	out, err := env.client.Call(ctx, env.handle, "ownerOf", []interface{}{big.NewInt(42)}, CallOptions{})
	require.NoError(t, err)
	require.Equal(t, []interface{}{owner(2)}, out)

	_, err = env.client.Submit(ctx, env.handle, "vote", []interface{}{big.NewInt(42), true}, SubmitOptions{})
	require.Equal(t, callerr.Fatal, callerr.KindOf(err))
	require.False(t, errors.Is(err, callerr.ErrExhaustedRetries))
}
