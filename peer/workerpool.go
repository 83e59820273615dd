package peer

import "sync"

type Job interface {
	Execute() error
}

type Result struct {
	Job Job
	Err error
}

// WorkerPool runs submitted jobs on a fixed number of goroutines. Every
// submitted job yields exactly one Result; Results is closed once Stop has
// been called and the queue has drained.
type WorkerPool struct {
	workers int
	jobs    chan Job
	results chan Result
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		workers: workers,
		jobs:    make(chan Job),
		results: make(chan Result, workers),
		done:    make(chan struct{}),
	}
}

func (wp *WorkerPool) Start() {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
	go func() {
		wp.wg.Wait()
		close(wp.results)
		close(wp.done)
	}()
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobs {
		wp.results <- Result{Job: job, Err: job.Execute()}
	}
}

// Submit blocks until a worker picks the job up. It must not be called after Stop.
func (wp *WorkerPool) Submit(job Job) {
	wp.jobs <- job
}

// Stop closes the queue; jobs already submitted still run.
func (wp *WorkerPool) Stop() {
	wp.once.Do(func() { close(wp.jobs) })
}

func (wp *WorkerPool) Results() <-chan Result {
	return wp.results
}

func (wp *WorkerPool) Done() <-chan struct{} {
	return wp.done
}
