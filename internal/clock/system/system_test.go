package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/snipewatch/internal/clock"
)

var _ clock.Clock = (*Clock)(nil)

// TestClockNowUTC ensures timestamps used for deadlines and backup names are UTC.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "got %v outside [%v, %v]", got, before, after)
}

// TestClockNowMonotonic checks successive timestamps are non-decreasing.
func TestClockNowMonotonic(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	second := clk.Now()
	require.False(t, second.Before(first))
}
