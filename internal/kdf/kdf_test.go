package kdf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveRootChainIsDeterministic(t *testing.T) {
	master := bytes.Repeat([]byte{0x11}, 96)

	root1, chain1, err := DeriveRootChain(master, []byte(RootChainInfo))
	require.NoError(t, err)
	root2, chain2, err := DeriveRootChain(master, []byte(RootChainInfo))
	require.NoError(t, err)

	require.Equal(t, root1, root2)
	require.Equal(t, chain1, chain2)
	require.Len(t, root1, 32)
	require.Len(t, chain1, 32)
	require.NotEqual(t, root1, chain1)
}

func TestDeriveRootChainVariesWithInfo(t *testing.T) {
	master := bytes.Repeat([]byte{0x22}, 96)

	root1, chain1, err := DeriveRootChain(master, []byte(RootChainInfo))
	require.NoError(t, err)
	root2, chain2, err := DeriveRootChain(master, []byte(RatchetInfoPrefix+"extra"))
	require.NoError(t, err)

	require.NotEqual(t, root1, root2)
	require.NotEqual(t, chain1, chain2)
}

func TestDeriveMessageSecretsSizesAndDeterminism(t *testing.T) {
	chainKey := bytes.Repeat([]byte{0x33}, 32)

	s1, err := DeriveMessageSecrets(chainKey)
	require.NoError(t, err)
	s2, err := DeriveMessageSecrets(chainKey)
	require.NoError(t, err)

	require.Len(t, s1.CipherKey, 32)
	require.Len(t, s1.MacKey, 32)
	require.Len(t, s1.IV, 16)
	require.Equal(t, s1.CipherKey, s2.CipherKey)
	require.Equal(t, s1.MacKey, s2.MacKey)
	require.Equal(t, s1.IV, s2.IV)
}

func TestMessageSecretsWipe(t *testing.T) {
	chainKey := bytes.Repeat([]byte{0x44}, 32)
	s, err := DeriveMessageSecrets(chainKey)
	require.NoError(t, err)

	s.Wipe()
	require.Equal(t, make([]byte, 32), s.CipherKey)
	require.Equal(t, make([]byte, 32), s.MacKey)
	require.Equal(t, make([]byte, 16), s.IV)
}
