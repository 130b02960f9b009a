package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cmdFields() map[string]any {
	return map[string]any{
		"type":           "BROADCAST.PULSE",
		"payload":        map[string]any{"intensity": 3, "color": "violet"},
		"idempotencyKey": "k-123",
		"timestamp":      int64(1700000000000),
		"actor":          "operator:abc",
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	sig, err := Sign(cmdFields(), "secret-333")
	require.NoError(t, err)
	require.NotEmpty(t, sig)
	assert.True(t, Verify(cmdFields(), sig, "secret-333"))
}

func TestSignDeterministic(t *testing.T) {
	a, err := Sign(cmdFields(), "secret-333")
	require.NoError(t, err)
	b, err := Sign(cmdFields(), "secret-333")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	sig, err := Sign(cmdFields(), "secret-333")
	require.NoError(t, err)

	for name, mutate := range map[string]func(map[string]any){
		"type":           func(f map[string]any) { f["type"] = "MINT.GATE.OPEN" },
		"actor":          func(f map[string]any) { f["actor"] = "owner:evil" },
		"timestamp":      func(f map[string]any) { f["timestamp"] = int64(1700000000001) },
		"idempotencyKey": func(f map[string]any) { f["idempotencyKey"] = "k-124" },
		"payload":        func(f map[string]any) { f["payload"].(map[string]any)["intensity"] = 9 },
	} {
		f := cmdFields()
		mutate(f)
		assert.False(t, Verify(f, sig, "secret-333"), "mutated %s should not verify", name)
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	sig, err := Sign(cmdFields(), "secret-333")
	require.NoError(t, err)

	assert.False(t, Verify(cmdFields(), "", "secret-333"), "missing signature")
	assert.False(t, Verify(cmdFields(), sig, ""), "missing secret")
	assert.False(t, Verify(cmdFields(), sig, "wrong-secret"), "wrong secret")

	unmarshalable := map[string]any{"bad": func() {}}
	assert.False(t, Verify(unmarshalable, sig, "secret-333"), "marshal error")
}

func TestSignRequiresSecret(t *testing.T) {
	_, err := Sign(cmdFields(), "")
	assert.Error(t, err)
}
