package monitor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsConcurrentRecord(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordServed(10)
			m.RecordFetched(20)
		}()
	}
	wg.Wait()
	m.RecordFetchFailure()

	s := m.Snapshot()
	require.Equal(t, int64(50), s.ChunksServed)
	require.Equal(t, int64(500), s.BytesServed)
	require.Equal(t, int64(50), s.ChunksFetched)
	require.Equal(t, int64(1000), s.BytesFetched)
	require.Equal(t, int64(1), s.FetchFailures)
}
