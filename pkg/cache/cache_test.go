package cache

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestStore_RecordAndReload_Verified(t *testing.T) {
	dir := t.TempDir()

	s, err := Load(dir)
	require.NoError(t, err)

	token := common.HexToAddress("0x000000000000000000000000000000000000a1")
	require.False(t, s.IsVerified(token))

	rec := TokenRecord{Address: token, Name: "Wrapped Ether", Symbol: "WETH", Decimals: 18}
	require.NoError(t, s.RecordVerified(rec))
	require.True(t, s.IsVerified(token))

	// A fresh Store over the same directory must see the persisted record.
	reloaded, err := Load(dir)
	require.NoError(t, err)
	require.True(t, reloaded.IsVerified(token))
}

func TestStore_RecordAndReload_Honeypot(t *testing.T) {
	dir := t.TempDir()

	s, err := Load(dir)
	require.NoError(t, err)

	token := common.HexToAddress("0x000000000000000000000000000000000000b2")
	require.False(t, s.IsHoneypot(token))
	require.NoError(t, s.RecordHoneypot(token))
	require.True(t, s.IsHoneypot(token))

	reloaded, err := Load(dir)
	require.NoError(t, err)
	require.True(t, reloaded.IsHoneypot(token))
}

func TestStore_ProxyImplementationRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir)
	require.NoError(t, err)

	token := common.HexToAddress("0x000000000000000000000000000000000000c3")
	impl := common.HexToAddress("0x000000000000000000000000000000000000d4")
	require.NoError(t, s.RecordVerified(TokenRecord{Address: token, Implementation: impl, Name: "Proxy", Symbol: "PRX", Decimals: 6}))

	reloaded, err := Load(dir)
	require.NoError(t, err)
	reloaded.mu.Lock()
	rec := reloaded.tokens[token]
	reloaded.mu.Unlock()
	require.Equal(t, impl, rec.Implementation)
}

func TestLoad_MissingFilesStartEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir)
	require.NoError(t, err)
	require.False(t, s.IsVerified(common.HexToAddress("0x01")))
	require.False(t, s.IsHoneypot(common.HexToAddress("0x01")))
}
