package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap_Format(t *testing.T) {
	base := stderrors.New("connection refused")
	err := Wrap(base, "Client", "Open", "native dial")

	assert.Equal(t, "Client.Open: native dial failed: connection refused", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Nil(t, Wrap(nil, "Client", "Open", "native dial"))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"wrapped transient", WrapTransient(stderrors.New("x"), "c", "m", "a"), ErrorTransient},
		{"wrapped invalid", WrapInvalid(stderrors.New("x"), "c", "m", "a"), ErrorInvalid},
		{"wrapped fatal", WrapFatal(stderrors.New("x"), "c", "m", "a"), ErrorFatal},
		{"connection timeout", ErrConnectionTimeout, ErrorTransient},
		{"timeout pattern", stderrors.New("i/o timeout"), ErrorTransient},
		{"invalid config", ErrInvalidConfig, ErrorFatal},
		{"remote error", NewRemoteError(400, "bad schema"), ErrorInvalid},
		{"corrupt record", &CorruptRecordError{Declared: 99, Max: 10}, ErrorInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassification_SurvivesWrapping(t *testing.T) {
	inner := WrapTransient(stderrors.New("flaky"), "c", "m", "a")
	outer := fmt.Errorf("outer context: %w", inner)

	assert.True(t, IsTransient(outer))
	assert.False(t, IsFatal(outer))
}

func TestInitError(t *testing.T) {
	base := stderrors.New("bad key format")
	err := NewInitError("api key rejected", base)

	assert.True(t, IsInitError(err))
	assert.True(t, IsInitError(fmt.Errorf("wrapped: %w", err)))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "initialization failed: api key rejected")

	bare := NewInitError("missing endpoint", nil)
	assert.Equal(t, "initialization failed: missing endpoint", bare.Error())
	assert.False(t, IsInitError(stderrors.New("other")))
}

func TestRemoteError(t *testing.T) {
	err := NewRemoteError(429, "rate limited")
	assert.True(t, IsRemoteError(err))
	assert.Contains(t, err.Error(), "code 429")
	assert.Contains(t, err.Error(), "rate limited")

	// Remote errors are call outcomes, never retry fodder.
	assert.False(t, IsTransient(err))
}

func TestCorruptRecordError(t *testing.T) {
	err := &CorruptRecordError{Declared: 1_000_000, Max: 4096, RType: 0x17}
	assert.True(t, IsCorruptRecord(err))
	assert.True(t, IsCorruptRecord(fmt.Errorf("stream ended: %w", err)))
	assert.Contains(t, err.Error(), "1000000")

	var cre *CorruptRecordError
	require.ErrorAs(t, fmt.Errorf("w: %w", err), &cre)
	assert.Equal(t, uint8(0x17), cre.RType)
}

func TestRetryConfigConversion(t *testing.T) {
	rc := DefaultRetryConfig()
	cfg := rc.ToRetryConfig()

	// MaxRetries counts additional attempts; the retry package counts total
	assert.Equal(t, rc.MaxRetries+1, cfg.MaxAttempts)
	assert.Equal(t, rc.InitialDelay, cfg.InitialDelay)
	assert.Equal(t, rc.MaxDelay, cfg.MaxDelay)
	assert.True(t, cfg.AddJitter)
}
