package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
)

func TestPendingDuplicateRejected(t *testing.T) {
	p := newPendingTable()

	require.NoError(t, p.add("c1", "42"))
	err := p.add("c1", "42")
	require.Error(t, err)
	assert.Equal(t, errors.CodeProtocolError, errors.Code(err))

	// Same id from a different client is fine
	assert.NoError(t, p.add("c2", "42"))
}

func TestPendingResolveOnce(t *testing.T) {
	p := newPendingTable()
	require.NoError(t, p.add("c1", "42"))

	assert.True(t, p.resolve("c1", "42"))
	assert.False(t, p.resolve("c1", "42"), "second resolution is late")
	assert.Equal(t, uint64(1), p.lateCount())

	// Id is reusable once resolved
	assert.NoError(t, p.add("c1", "42"))
}

func TestPendingDropClient(t *testing.T) {
	p := newPendingTable()
	require.NoError(t, p.add("c1", "a"))
	require.NoError(t, p.add("c1", "b"))
	require.NoError(t, p.add("c2", "a"))

	p.dropClient("c1")
	assert.Equal(t, 1, p.inFlight())
	assert.False(t, p.resolve("c1", "a"))
	assert.True(t, p.resolve("c2", "a"))
}
