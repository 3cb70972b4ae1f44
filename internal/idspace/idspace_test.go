package idspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubspace(t *testing.T) {
	ss, err := ParseSubspace("42:43")
	require.NoError(t, err)
	assert.Equal(t, 42, ss.Begin)
	assert.Equal(t, 43, ss.End)
	assert.Equal(t, 1, ss.Size())

	for _, bad := range []string{"abc", "a:b", "0:1", "0:1024", "5:5", "10:5", "1:2:3", "-1:5"} {
		_, err := ParseSubspace(bad)
		assert.Error(t, err, bad)
	}

	full, err := ParseSubspace("")
	require.NoError(t, err)
	assert.True(t, full.IsFull())
}

func TestParseSpace(t *testing.T) {
	for in, want := range map[string]Space{
		"8bit":           Space8Bit,
		"8bit_diacritic": Space8BitDiacritic,
		"16bit":          Space16Bit,
		"24":             Space24Bit,
		"32bit":          Space32Bit,
	} {
		sp, err := ParseSpace(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, sp)
	}
	_, err := ParseSpace("12bit")
	assert.Error(t, err)
}

func TestRandomID_SubspaceConstraint(t *testing.T) {
	ss, err := NewSubspace(42, 43)
	require.NoError(t, err)
	for _, sp := range AllSpaces() {
		for i := 0; i < 32; i++ {
			id, err := RandomID(sp, ss)
			require.NoError(t, err)
			assert.Equal(t, uint8(42), sp.HighByte(id), "space %s id %x", sp, id)
			assert.True(t, sp.Contains(id), "space %s id %x", sp, id)
		}
	}
	// In the 8-bit space a one-byte subspace pins the whole id.
	id, err := RandomID(Space8Bit, ss)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), id)
}

func TestRandomID_NeverZero(t *testing.T) {
	for _, sp := range AllSpaces() {
		for i := 0; i < 64; i++ {
			id, err := RandomID(sp, FullSubspace())
			require.NoError(t, err)
			assert.NotZero(t, id)
		}
	}
}

func TestFromID(t *testing.T) {
	tests := []struct {
		id   uint32
		want Space
	}{
		{0x0000002a, Space8Bit},
		{0x2a000000, Space8BitDiacritic},
		{0x00002a01, Space16Bit},
		{0x00123456, Space24Bit},
		{0x12345678, Space32Bit},
		{0xff000001, Space32Bit},
	}
	for _, tt := range tests {
		sp, err := FromID(tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, sp, "id %x", tt.id)
	}
	_, err := FromID(0)
	assert.Error(t, err)
}

func TestIDCellColor(t *testing.T) {
	// 24-bit ids map straight onto an RGB triple.
	cc := IDCellColor(0x123456, Space24Bit)
	assert.Equal(t, ColorRGB, cc.Mode)
	assert.Equal(t, uint8(0x12), cc.R)
	assert.Equal(t, uint8(0x34), cc.G)
	assert.Equal(t, uint8(0x56), cc.B)
	assert.False(t, cc.HasDiacritic)

	cc = IDCellColor(0x2a, Space8Bit)
	assert.Equal(t, Color256, cc.Mode)
	assert.Equal(t, uint8(0x2a), cc.Index)
	assert.False(t, cc.HasDiacritic)

	cc = IDCellColor(0x2a000000, Space8BitDiacritic)
	assert.Equal(t, Color256, cc.Mode)
	assert.Equal(t, uint8(0), cc.Index)
	assert.True(t, cc.HasDiacritic)
	assert.Equal(t, uint8(0x2a), cc.Diacritic)

	cc = IDCellColor(0x2a17, Space16Bit)
	assert.Equal(t, Color256, cc.Mode)
	assert.Equal(t, uint8(0x2a), cc.Index)
	assert.True(t, cc.HasDiacritic)
	assert.Equal(t, uint8(0), cc.Diacritic)

	cc = IDCellColor(0x80123456, Space32Bit)
	assert.Equal(t, ColorRGB, cc.Mode)
	assert.Equal(t, uint8(0x12), cc.R)
	assert.True(t, cc.HasDiacritic)
	assert.Equal(t, uint8(0x80), cc.Diacritic)
}

func TestSubspaceContains(t *testing.T) {
	ss, err := NewSubspace(16, 32)
	require.NoError(t, err)
	assert.True(t, ss.Contains(Space24Bit, 0x1f0102))
	assert.False(t, ss.Contains(Space24Bit, 0x200102))
	assert.True(t, ss.Contains(Space32Bit, 0x10000101))
	assert.False(t, ss.Contains(Space32Bit, 0x0f000101))
}
