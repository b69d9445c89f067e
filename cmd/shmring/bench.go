package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/srediag/shmring/adapter"
	"github.com/srediag/shmring/pkg/ringbuf"
	"github.com/srediag/shmring/pkg/shm"
)

type benchResult struct {
	Rings    int
	Messages int
	Bytes    uint64
	Elapsed  time.Duration
}

func (r benchResult) String() string {
	secs := r.Elapsed.Seconds()
	if secs == 0 {
		secs = 1e-9
	}
	total := float64(r.Rings * r.Messages)
	return fmt.Sprintf("%d rings x %d messages in %s: %.0f msg/s, %.2f MiB/s",
		r.Rings, r.Messages, r.Elapsed.Round(time.Millisecond), total/secs, float64(r.Bytes)/secs/(1<<20))
}

type benchOptions struct {
	rings    int
	messages int
	payload  int
	ringSize uint32
}

func runBench(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var opts benchOptions
	fs.IntVar(&opts.rings, "rings", 1, "number of sender/receiver pairs")
	fs.IntVar(&opts.messages, "messages", 100000, "messages per ring")
	fs.IntVar(&opts.payload, "payload", 64, "payload size in bytes")
	size := fs.Uint("size", 64<<10, "data region size of each ring")
	listen := fs.String("listen", "", "serve /live, /ready and /metrics on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts.ringSize = uint32(*size)

	area, err := benchArea(opts)
	if err != nil {
		return err
	}
	defer area.Close()
	reg := ringbuf.NewRegistry()
	defer reg.Close()
	// runs first: no scrape may touch the rings once they are closed and unmapped
	defer serve(ctx, *listen, reg)()

	res, err := bench(ctx, e, area, reg, opts)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, res)
	return nil
}

// benchArea creates an anonymous area sized for opts.rings rings and their signals.
func benchArea(opts benchOptions) (*shm.Area, error) {
	if opts.rings <= 0 || opts.messages <= 0 || opts.payload <= 0 {
		return nil, fmt.Errorf("rings, messages and payload must be positive: %w", ringbuf.ErrInvalidArgument)
	}
	areaSize := shm.MinAreaSize + opts.rings*(ringbuf.ChunkSize(ringbuf.RoundUp(opts.ringSize))+3*shm.DescriptorSize)
	return shm.NewAnonymousArea("bench", areaSize)
}

// bench runs opts.rings pairs inside area, each end on a pooled goroutine.
func bench(ctx context.Context, e *env, area *shm.Area, reg *ringbuf.Registry, opts benchOptions) (benchResult, error) {
	pool, err := ants.NewPool(2*opts.rings, ants.WithPreAlloc(true))
	if err != nil {
		return benchResult{}, err
	}
	defer pool.Release()

	type pair struct{ tx, rx *ringbuf.Ring }
	pairs := make([]pair, opts.rings)
	for i := range pairs {
		conf := adapter.WithGlobalTelemetry(ringbuf.DefaultConfig())
		conf.ChunkName = fmt.Sprintf("bench-%d", i)
		conf.SignalBaseName = conf.ChunkName
		conf.Size = opts.ringSize
		conf.LogOutput = e.stderr
		if pairs[i].tx, err = ringbuf.InitBuffer(area, conf); err != nil {
			return benchResult{}, err
		}
		if pairs[i].rx, err = ringbuf.InitReceiver(ctx, area, conf); err != nil {
			return benchResult{}, err
		}
		if err := pairs[i].tx.AttachSender(owner("bench-tx")); err != nil {
			return benchResult{}, err
		}
		if err := pairs[i].rx.AttachReceiver(owner("bench-rx")); err != nil {
			return benchResult{}, err
		}
		if err := errors.Join(reg.Register(pairs[i].tx), reg.Register(pairs[i].rx)); err != nil {
			return benchResult{}, err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	fail := func(err error) {
		errOnce.Do(func() { runErr = err })
		cancel()
	}
	payload := make([]byte, opts.payload)
	start := time.Now()
	for _, p := range pairs {
		tx, rx := p.tx, p.rx
		wg.Add(2)
		if err := pool.Submit(func() {
			defer wg.Done()
			for i := 0; i < opts.messages; i++ {
				if err := tx.Send(ctx, payload); err != nil {
					fail(err)
					return
				}
			}
		}); err != nil {
			wg.Done()
			wg.Done()
			fail(err)
			break
		}
		if err := pool.Submit(func() {
			defer wg.Done()
			for i := 0; i < opts.messages; i++ {
				if _, err := rx.Receive(ctx); err != nil {
					fail(err)
					return
				}
			}
		}); err != nil {
			wg.Done()
			fail(err)
			break
		}
	}
	wg.Wait()
	if runErr != nil {
		return benchResult{}, runErr
	}

	res := benchResult{Rings: opts.rings, Messages: opts.messages, Elapsed: time.Since(start)}
	for _, p := range pairs {
		res.Bytes += p.rx.Stats().BytesReceived
	}
	return res, nil
}
