package wire

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecimalRoundTrip(t *testing.T) {
	in := decimal.RequireFromString("2.5")
	data, err := Marshal(in)
	require.NoError(t, err)
	var out decimal.Decimal
	require.NoError(t, Unmarshal(data, &out))
	assert.True(t, in.Equal(out))
}

func TestUUIDRoundTrip(t *testing.T) {
	in := uuid.New()
	data, err := Marshal(in)
	require.NoError(t, err)
	var out uuid.UUID
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestEnumRoundTrip(t *testing.T) {
	in := Enum{QualifiedName: "KernelStatus", Value: "RUNNING"}
	data, err := Marshal(in)
	require.NoError(t, err)
	var out Enum
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestDatetimeEncodedAsISO8601String(t *testing.T) {
	in := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	data, err := Marshal(in)
	require.NoError(t, err)
	var out string
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, "2026-07-30T12:00:00Z", out)
}

func TestCallRoundTrip(t *testing.T) {
	in := Call{Method: "create_kernel", Args: []any{"k1"}, Kwargs: map[string]any{"throttle": true}}
	data, err := Marshal(in)
	require.NoError(t, err)
	var out Call
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in.Method, out.Method)
}
