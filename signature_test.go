package dbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignatureBasics(t *testing.T) {
	trees, err := ParseSignature("siu")
	require.NoError(t, err)
	require.Len(t, trees, 3)
	assert.Equal(t, "s", trees[0].String())
	assert.Equal(t, "i", trees[1].String())
	assert.Equal(t, "u", trees[2].String())
}

func TestParseSignatureContainers(t *testing.T) {
	tree, err := ParseSingle("a{sv}")
	require.NoError(t, err)
	assert.Equal(t, KindArray, tree.Kind)
	assert.Equal(t, KindDict, tree.Children[0].Kind)
	assert.Equal(t, "a{sv}", tree.String())
}

func TestParseSignatureStruct(t *testing.T) {
	tree, err := ParseSingle("(sbd)")
	require.NoError(t, err)
	assert.Equal(t, KindStruct, tree.Kind)
	assert.Len(t, tree.Children, 3)
	assert.Equal(t, "(sbd)", tree.String())
}

func TestParseSignatureRejectsBadDictKey(t *testing.T) {
	_, err := ParseSingle("a{(s)v}")
	assert.Error(t, err)
}

func TestParseSingleRejectsMultipleTypes(t *testing.T) {
	_, err := ParseSingle("ss")
	assert.Error(t, err)
}

func TestJoinSignatures(t *testing.T) {
	trees, err := ParseSignature("sib")
	require.NoError(t, err)
	assert.Equal(t, "sib", JoinSignatures(trees))
}
