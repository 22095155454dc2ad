package jvmerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThrowableError(t *testing.T) {
	th := New(NullPointerException, "receiver is null")
	assert.Equal(t, "java/lang/NullPointerException: receiver is null", th.Error())
}

func TestThrowableErrorNoMessage(t *testing.T) {
	th := New(StackOverflowError, "")
	assert.Equal(t, "java/lang/StackOverflowError", th.Error())
}

func TestIs(t *testing.T) {
	th := New(ArithmeticException, "/ by zero")
	assert.True(t, Is(th, ArithmeticException))
	assert.False(t, Is(th, NullPointerException))
	assert.False(t, Is(errors.New("plain error"), ArithmeticException))
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("file not found")
	th := NewClassNotFoundException("com/example/Foo", cause)
	assert.True(t, Is(th, ClassNotFoundException))
	assert.ErrorIs(t, th, cause)
}

func TestNewUnsupportedClassVersionError(t *testing.T) {
	th := NewUnsupportedClassVersionError(56, 7)
	assert.True(t, Is(th, UnsupportedClassVersionError))
	assert.Contains(t, th.Error(), "56.7")
}
