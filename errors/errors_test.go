package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelClassification(t *testing.T) {
	transient := Wrap(ErrTransient, "dial tcp: connection refused")
	assert.True(t, IsTransient(transient))
	assert.False(t, IsEntityGone(transient))

	gone := NewEntityGone("workspace %s deleted", "ws-1")
	assert.True(t, IsEntityGone(gone))
	assert.False(t, IsTransient(gone))

	rejected := NewRejected("mutation %s: payload too large", "m-1")
	assert.True(t, IsRejected(rejected))

	unavailable := WrapUnavailable(New("dial tcp: no route to host"), "push channel")
	assert.True(t, Is(unavailable, ErrUnavailable))
	assert.False(t, IsTransient(unavailable))
}

func TestWrappingPreservesClass(t *testing.T) {
	err := WrapTransient(New("socket closed"), "pull stream")
	err = Wrap(err, "sync job")
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "sync job")
	assert.Contains(t, err.Error(), "pull stream")
}

func TestWrappingPreservesCause(t *testing.T) {
	cause := New("connection reset by peer")

	transient := WrapTransient(cause, "pull stream")
	assert.True(t, IsTransient(transient))
	assert.True(t, Is(transient, cause), "the original error must stay in the chain")

	unavailable := WrapUnavailable(cause, "push channel")
	assert.True(t, Is(unavailable, ErrUnavailable))
	assert.True(t, Is(unavailable, cause))
}

func TestNilIsNoClass(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsEntityGone(nil))
	assert.False(t, IsRejected(nil))
	assert.False(t, IsNotFound(nil))
}

func TestAssertionFailureDetection(t *testing.T) {
	err := AssertionFailedf("cursor regressed from %q to %q", "20", "10")
	assert.True(t, HasAssertionFailure(err))
	assert.True(t, HasAssertionFailure(Wrap(err, "apply batch")))
	assert.False(t, HasAssertionFailure(New("ordinary failure")))
}
