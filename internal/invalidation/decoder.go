package invalidation

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"callgate/internal/cache"
	"callgate/pkg/contracts"
)

// LogEntry is a log object as delivered by eth_subscribe.
type LogEntry struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
	Removed         bool     `json:"removed"`
}

// Transfer is a decoded ERC-721 Transfer event.
type Transfer struct {
	Contract    string
	From        common.Address
	To          common.Address
	TokenID     *big.Int
	BlockNumber uint64
	TxHash      string
	Removed     bool
}

// ParseNotification extracts the log from eth_subscription params.
func ParseNotification(raw json.RawMessage) (*LogEntry, error) {
	var n struct {
		Subscription string   `json:"subscription"`
		Result       LogEntry `json:"result"`
	}
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("parsing notification: %w", err)
	}
	return &n.Result, nil
}

// IsTransfer reports whether entry is an ERC-721 Transfer. ERC-20 Transfer
// logs share the signature but carry the amount in data with only three topics.
func IsTransfer(entry *LogEntry) bool {
	return len(entry.Topics) == 4 &&
		strings.EqualFold(entry.Topics[0], contracts.TransferEventTopic.Hex())
}

// DecodeTransfer decodes the indexed from, to and tokenId topics.
func DecodeTransfer(entry *LogEntry) (*Transfer, error) {
	if !IsTransfer(entry) {
		return nil, fmt.Errorf("not an ERC-721 Transfer log")
	}
	if !common.IsHexAddress(entry.Address) {
		return nil, fmt.Errorf("invalid log address %q", entry.Address)
	}

	for i, topic := range entry.Topics[1:] {
		b, err := hexutil.Decode(topic)
		if err != nil || len(b) != common.HashLength {
			return nil, fmt.Errorf("invalid topic %d: %q", i+1, topic)
		}
	}

	ev := &Transfer{
		Contract: strings.ToLower(entry.Address),
		From:     common.BytesToAddress(common.HexToHash(entry.Topics[1]).Bytes()),
		To:       common.BytesToAddress(common.HexToHash(entry.Topics[2]).Bytes()),
		TokenID:  common.HexToHash(entry.Topics[3]).Big(),
		TxHash:   entry.TransactionHash,
		Removed:  entry.Removed,
	}
	if entry.BlockNumber != "" {
		n, err := hexutil.DecodeUint64(entry.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("invalid block number %q: %w", entry.BlockNumber, err)
		}
		ev.BlockNumber = n
	}
	return ev, nil
}

// Patterns returns the cache patterns a transfer makes stale: the token's
// owner and URI reads, every read keyed by the sender or recipient, and the
// supply on mint or burn.
func Patterns(ev *Transfer) []string {
	id := ev.TokenID.String()
	patterns := []string{
		cache.TokenPattern(ev.Contract, "ownerOf", id),
		cache.TokenPattern(ev.Contract, "tokenURI", id),
	}

	zero := common.Address{}
	for _, addr := range []common.Address{ev.From, ev.To} {
		if addr == zero {
			continue
		}
		patterns = append(patterns, strings.ToLower(addr.Hex()))
	}
	if ev.From == zero || ev.To == zero {
		patterns = append(patterns, ev.Contract+":totalSupply:")
	}
	return patterns
}
