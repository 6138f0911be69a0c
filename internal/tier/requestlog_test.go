package tier

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestLogKeepsNewestRecords(t *testing.T) {
	log := NewRequestLog(3)
	require.Empty(t, log.Recent())

	for i := 1; i <= 5; i++ {
		log.Add(LogRecord{Key: fmt.Sprintf("k%d", i), Status: 200})
	}
	recent := log.Recent()
	require.Len(t, recent, 3)
	require.Equal(t, "k5", recent[0].Key)
	require.Equal(t, "k4", recent[1].Key)
	require.Equal(t, "k3", recent[2].Key)

	log.Reset()
	require.Empty(t, log.Recent())
	log.Add(LogRecord{Key: "fresh"})
	require.Len(t, log.Recent(), 1)
}

func TestRequestLogDefaultSize(t *testing.T) {
	require.Equal(t, DefaultRequestLogSize, NewRequestLog(0).Cap())
}
