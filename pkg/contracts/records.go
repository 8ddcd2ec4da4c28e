package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// ABI definitions for the content record registry: an ERC-721 collection
// where every token is a catalogued record that accounts can vote on.

// RecordRegistryABIJSON - only the functions and events we need
const RecordRegistryABIJSON = `[
	{
		"inputs": [{"internalType": "uint256", "name": "tokenId", "type": "uint256"}],
		"name": "ownerOf",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "tokenId", "type": "uint256"}],
		"name": "tokenURI",
		"outputs": [{"internalType": "string", "name": "", "type": "string"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "owner", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "owner", "type": "address"}],
		"name": "tokensOfOwner",
		"outputs": [{"internalType": "uint256[]", "name": "", "type": "uint256[]"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "totalSupply",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "tokenId", "type": "uint256"}],
		"name": "getVotes",
		"outputs": [
			{"internalType": "uint256", "name": "up", "type": "uint256"},
			{"internalType": "uint256", "name": "down", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "tokenId", "type": "uint256"},
			{"internalType": "bool", "name": "upvote", "type": "bool"}
		],
		"name": "vote",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "string", "name": "uri", "type": "string"}],
		"name": "mint",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "from", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "to", "type": "address"},
			{"indexed": true, "internalType": "uint256", "name": "tokenId", "type": "uint256"}
		],
		"name": "Transfer",
		"type": "event"
	}
]`

var (
	RecordRegistryABI abi.ABI

	// TransferEventTopic is keccak256("Transfer(address,address,uint256)")
	TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func init() {
	var err error
	RecordRegistryABI, err = abi.JSON(strings.NewReader(RecordRegistryABIJSON))
	if err != nil {
		panic("failed to parse record registry ABI: " + err.Error())
	}
}
