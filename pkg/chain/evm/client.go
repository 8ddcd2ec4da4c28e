package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of a chain endpoint the call layer needs. Every
// error it returns is tagged with a callerr.Kind.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

var (
	_ Backend                 = (*Client)(nil)
	_ bind.ContractCaller     = (*Client)(nil)
	_ bind.ContractTransactor = (*Client)(nil)
)

// Client wraps an ethclient connection to a single endpoint and classifies
// its errors.
type Client struct {
	ethClient *ethclient.Client
	rpcURL    string
}

// Dial connects to rpcURL. HTTP endpoints are not contacted until the first call.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, Classify("dial", fmt.Errorf("connecting to %s: %w", rpcURL, err))
	}

	return &Client{
		ethClient: client,
		rpcURL:    rpcURL,
	}, nil
}

// DialBackend adapts Dial to the provider pool's dialer signature.
func DialBackend(ctx context.Context, rpcURL string) (Backend, error) {
	c, err := Dial(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) URL() string {
	return c.rpcURL
}

func (c *Client) Close() {
	c.ethClient.Close()
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	result, err := c.ethClient.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return nil, Classify("eth_call", err)
	}
	return result, nil
}

func (c *Client) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	code, err := c.ethClient.CodeAt(ctx, contract, blockNumber)
	return code, Classify("eth_getCode", err)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.ethClient.BlockNumber(ctx)
	return n, Classify("eth_blockNumber", err)
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.ethClient.ChainID(ctx)
	return id, Classify("eth_chainId", err)
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	h, err := c.ethClient.HeaderByNumber(ctx, number)
	return h, Classify("eth_getBlockByNumber", err)
}

func (c *Client) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	code, err := c.ethClient.PendingCodeAt(ctx, account)
	return code, Classify("eth_getCode", err)
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.ethClient.PendingNonceAt(ctx, account)
	return nonce, Classify("eth_getTransactionCount", err)
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.ethClient.SuggestGasPrice(ctx)
	return price, Classify("eth_gasPrice", err)
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	tip, err := c.ethClient.SuggestGasTipCap(ctx)
	return tip, Classify("eth_maxPriorityFeePerGas", err)
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	gas, err := c.ethClient.EstimateGas(ctx, msg)
	return gas, Classify("eth_estimateGas", err)
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return Classify("eth_sendRawTransaction", c.ethClient.SendTransaction(ctx, tx))
}
