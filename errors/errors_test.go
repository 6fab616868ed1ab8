package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

func TestWrapPattern(t *testing.T) {
	base := stderrors.New("port closed")
	err := Wrap(base, "TTLDevice", "Send", "pulse write")
	require.Error(t, err)
	assert.Equal(t, "TTLDevice.Send: pulse write failed: port closed", err.Error())
	assert.True(t, stderrors.Is(err, base))

	assert.NoError(t, Wrap(nil, "TTLDevice", "Send", "pulse write"))
}

func TestClassifiedWrapping(t *testing.T) {
	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := stderrors.New("boom")
			err := tt.wrap(base, "Registry", "Exec", "dispatch")
			require.Error(t, err)

			var ce *ClassifiedError
			require.True(t, stderrors.As(err, &ce))
			assert.Equal(t, tt.class, ce.Class)
			assert.Equal(t, "Registry", ce.Component)
			assert.True(t, stderrors.Is(err, base))

			assert.NoError(t, tt.wrap(nil, "Registry", "Exec", "dispatch"))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(ErrTimeout))
	assert.Equal(t, ErrorTransient, Classify(ErrCommunication))
	assert.Equal(t, ErrorTransient, Classify(ErrDeviceBusy))
	assert.Equal(t, ErrorInvalid, Classify(ErrProtocol))
	assert.Equal(t, ErrorInvalid, Classify(ErrUnknownDevice))
	assert.Equal(t, ErrorFatal, Classify(ErrInvalidConfig))
	// Unknown errors default to transient so callers may retry
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("mystery")))
}

func TestIsTransientPatterns(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("read timeout on socket")))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(WrapInvalid(stderrors.New("bad json"), "Server", "route", "decode")))
}

func TestCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{ErrUnknownDevice, CodeUnknownDevice},
		{ErrAlreadyConnected, CodeAlreadyConnected},
		{ErrNotConnected, CodeNotConnected},
		{ErrDeviceDisconnected, CodeDeviceDisconnected},
		{ErrDeviceBusy, CodeDeviceBusy},
		{ErrTimeout, CodeTimeout},
		{context.DeadlineExceeded, CodeTimeout},
		{ErrConnectionFailed, CodeConnectionFailed},
		{ErrCommunication, CodeCommunicationFailure},
		{ErrProtocol, CodeProtocolError},
		{ErrDuplicateID, CodeProtocolError},
		{ErrInvalidConfig, CodeConfigInvalid},
		{stderrors.New("mystery"), CodeInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, Code(tt.err), "code for %v", tt.err)
	}
	assert.Equal(t, "", Code(nil))
}

func TestCodeSurvivesWrapping(t *testing.T) {
	err := WrapTransient(fmt.Errorf("tcp dial: %w", ErrConnectionFailed), "KernelDevice", "Connect", "dial")
	assert.Equal(t, CodeConnectionFailed, Code(err))
}
