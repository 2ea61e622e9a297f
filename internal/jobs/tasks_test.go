package jobs

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestClientEnqueueIntegrityScan(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewClient(mr.Addr())
	defer client.Close()

	require.NoError(t, client.EnqueueIntegrityScan())
	require.NotEmpty(t, mr.Keys())
}

func TestNewScheduler(t *testing.T) {
	mr := miniredis.RunT(t)
	scheduler, err := NewScheduler(mr.Addr(), time.UTC)
	require.NoError(t, err)
	require.NotNil(t, scheduler)
}
