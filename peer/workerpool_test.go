package peer

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type funcJob func() error

func (f funcJob) Execute() error { return f() }

func TestWorkerPoolRunsEveryJob(t *testing.T) {
	const workers, jobs = 3, 20
	wp := NewWorkerPool(workers)
	wp.Start()

	var running, peak atomic.Int32
	boom := errors.New("boom")

	go func() {
		for i := 0; i < jobs; i++ {
			i := i
			wp.Submit(funcJob(func() error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				if i%5 == 0 {
					return boom
				}
				return nil
			}))
		}
		wp.Stop()
	}()

	var ok, failed int
	for res := range wp.Results() {
		if res.Err != nil {
			require.ErrorIs(t, res.Err, boom)
			failed++
		} else {
			ok++
		}
	}
	<-wp.Done()

	require.Equal(t, jobs, ok+failed)
	require.Equal(t, 4, failed)
	require.LessOrEqual(t, peak.Load(), int32(workers))
}
