package contracts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRecordRegistryABI verifies the embedded ABI exposes the calls the gateway relies on.
func TestRecordRegistryABI(t *testing.T) {
	for _, name := range []string{"ownerOf", "tokenURI", "balanceOf", "tokensOfOwner", "totalSupply", "getVotes", "vote", "mint"} {
		_, ok := RecordRegistryABI.Methods[name]
		require.True(t, ok, "missing method %s", name)
	}

	transfer, ok := RecordRegistryABI.Events["Transfer"]
	require.True(t, ok)
	require.Equal(t, TransferEventTopic, transfer.ID)
}
