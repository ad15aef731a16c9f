package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "validation", err: Validationf("bad page"), want: KindValidation},
		{name: "gateway", err: Gatewayf("api said no"), want: KindGateway},
		{name: "timeout", err: Timeout("too slow", nil), want: KindTimeout},
		{name: "deadline exceeded maps to timeout", err: context.DeadlineExceeded, want: KindTimeout},
		{name: "wrapped keeps kind", err: fmt.Errorf("outer: %w", Validationf("inner")), want: KindValidation},
		{name: "plain error is internal", err: errors.New("boom"), want: KindInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestMessageOf(t *testing.T) {
	require.Equal(t, "bad page", MessageOf(Validationf("bad page")))
	require.Equal(t, "boom", MessageOf(errors.New("boom")))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Gateway("billing unreachable", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "billing unreachable")
}
