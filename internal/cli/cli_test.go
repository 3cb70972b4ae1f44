package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergei-grechanik/ikup/internal/iddb"
	"github.com/sergei-grechanik/ikup/internal/idspace"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{"1234", 1234, true},
		{"0xABC", 0xabc, true},
		{"id:1234", 1234, true},
		{"id:0xABC", 0xabc, true},
		{"1193046", 0x123456, true},
		{"abc", 0, false},
		{"", 0, false},
		{"-5", 0, false},
		{"99999999999", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseID(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if ok {
			assert.Equal(t, tt.want, got, tt.in)
		}
	}
}

func TestSplitSegments(t *testing.T) {
	segments := splitSegments([]string{"display", "a.png", ":", "list", "-v"})
	require.Len(t, segments, 2)
	assert.Equal(t, []string{"display", "a.png"}, segments[0])
	assert.Equal(t, []string{"list", "-v"}, segments[1])

	segments = splitSegments([]string{"status"})
	require.Len(t, segments, 1)
}

func TestNormalizeArgs(t *testing.T) {
	assert.Equal(t, []string{"display", "a.png", "-r", "2"},
		normalizeArgs([]string{"a.png", "-r", "2"}))
	assert.Equal(t, []string{"list", "-v"}, normalizeArgs([]string{"list", "-v"}))
	assert.Equal(t, []string{"-h"}, normalizeArgs([]string{"-h"}))
	assert.Empty(t, normalizeArgs(nil))
}

func TestFormatRecord(t *testing.T) {
	rec := iddb.ImageRecord{
		ID:          0x123456,
		Space:       idspace.Space24Bit,
		Fingerprint: "deadbeef",
		Path:        "/img/tux.png",
		MtimeNs:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixNano(),
		Cols:        4,
		Rows:        2,
		Atime:       time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC),
	}

	got, err := formatRecord("%i\t%cx%r\t%P", rec)
	require.NoError(t, err)
	assert.Equal(t, "1193046\t4x2\t/img/tux.png", got)

	got, err = formatRecord("%x %D %%", rec)
	require.NoError(t, err)
	assert.Equal(t, "00123456 deadbeef %", got)

	got, err = formatRecord("a\\nb\\tc\\\\", rec)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\tc\\", got)

	_, err = formatRecord("%z", rec)
	assert.Error(t, err)
	_, err = formatRecord("\\q", rec)
	assert.Error(t, err)
}

func TestBuildQuery_Validation(t *testing.T) {
	// --all with explicit targets is rejected.
	_, _, err := buildQuery("forget", []string{"1234"}, &foreachFlags{all: true})
	assert.Error(t, err)

	// Non-list commands require some selection.
	_, _, err = buildQuery("forget", nil, &foreachFlags{})
	assert.Error(t, err)

	// list defaults to --all.
	q, _, err := buildQuery("list", nil, &foreachFlags{})
	require.NoError(t, err)
	assert.True(t, q.All)

	// Ids and queries cannot be mixed.
	_, _, err = buildQuery("forget", []string{"1234"}, &foreachFlags{last: 2})
	assert.Error(t, err)

	q, wanted, err := buildQuery("forget", []string{"0x2a"}, &foreachFlags{})
	require.NoError(t, err)
	assert.Equal(t, []uint32{42}, q.IDs)
	assert.True(t, wanted["id:42"])
}
