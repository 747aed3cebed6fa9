package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type estimate struct {
	Delay time.Duration
	At    time.Time
	Known bool
}

func TestEstimatesPutGet(t *testing.T) {
	c := NewEstimates(1<<20, 5*time.Second)

	tests := []struct {
		name      string
		key       string
		value     any
		expectErr bool
	}{
		{"Empty key should fail", "", estimate{}, true},
		{"Nil value should fail", "nil_value", nil, true},
		{"Struct value should succeed", "start:1", estimate{Delay: time.Minute, Known: true}, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := c.Put(tt.key, tt.value)
			if tt.expectErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}

	var got estimate
	require.NoError(t, c.Get("start:1", &got))
	require.Equal(t, time.Minute, got.Delay)
	require.True(t, got.Known)
}

func TestEstimatesMissAndInvalidate(t *testing.T) {
	c := NewEstimates(1<<20, 0)
	require.Equal(t, time.Second, c.TTL())

	var got estimate
	require.ErrorIs(t, c.Get("start:2", &got), ErrMiss)

	require.NoError(t, c.Put("start:2", estimate{Known: true}))
	c.Invalidate("start:2")
	require.ErrorIs(t, c.Get("start:2", &got), ErrMiss)

	require.NoError(t, c.Put("start:3", estimate{Known: true}))
	c.Clear()
	require.ErrorIs(t, c.Get("start:3", &got), ErrMiss)
}
