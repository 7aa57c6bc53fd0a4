package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextFunctionsUseAttachedLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithWriter(&buf))
	ctx := WithContext(context.Background(), l)

	Info(ctx, "attached")

	assert.Contains(t, buf.String(), "attached")
}

func TestContextFunctionsFallBackToDefaultLogger(t *testing.T) {
	ctx := context.Background()

	assert.NotPanics(t, func() {
		Info(ctx, "no logger attached")
	})
}

func TestFromContextReturnsDefaultWhenAbsent(t *testing.T) {
	got := FromContext(context.Background())
	assert.Equal(t, defaultLogger, got)
}
