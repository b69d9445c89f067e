package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/shmring/adapter"
	"github.com/srediag/shmring/api"
	"github.com/srediag/shmring/internal/logging"
	"github.com/srediag/shmring/pkg/ringbuf"
	"github.com/srediag/shmring/pkg/shm"
)

var log = logging.New("shmring", os.Stderr)

// common holds the flags every ring command accepts.
type common struct {
	configPath string
	area       string
	dir        string
	chunk      string
	listen     string
	create     bool
}

func (c *common) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML config file")
	fs.StringVar(&c.area, "area", "", "area name, overrides area.name")
	fs.StringVar(&c.dir, "dir", "", "directory of the area file, overrides area.dir")
	fs.StringVar(&c.chunk, "chunk", "", "ring chunk and signal base name, overrides ring.chunk")
	fs.StringVar(&c.listen, "listen", "", "serve /live, /ready and /metrics on this address")
	fs.BoolVar(&c.create, "create", false, "create the area and the ring instead of attaching")
}

// load merges the config file and the flags.
func (c *common) load() (*fileConfig, error) {
	fc, err := loadConfig(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.area != "" {
		fc.Area.Name = c.area
	}
	if c.dir != "" {
		fc.Area.Dir = c.dir
	}
	if c.chunk != "" {
		fc.Ring.Chunk = c.chunk
		fc.Ring.Signals = c.chunk
	}
	if c.listen != "" {
		fc.Listen = c.listen
	}
	return fc, nil
}

// endpoint is an open area and ring; close releases both and removes the area when
// this process created it.
type endpoint struct {
	area    *shm.Area
	ring    *ringbuf.Ring
	reg     *ringbuf.Registry
	created bool
	stop    func()
}

func openEndpoint(ctx context.Context, e *env, fc *fileConfig, create bool) (*endpoint, error) {
	opts := &shm.Options{Dir: fc.Area.Dir, LogOutput: e.stderr}
	conf := adapter.WithGlobalTelemetry(fc.ringConfig())
	conf.LogOutput = e.stderr

	ep := &endpoint{reg: ringbuf.NewRegistry(), created: create, stop: func() {}}
	var err error
	if create {
		if ep.area, err = shm.CreateArea(ctx, fc.Area.Name, fc.Area.Size, opts); err != nil {
			return nil, err
		}
		ep.ring, err = ringbuf.InitBuffer(ep.area, conf)
	} else {
		if ep.area, err = shm.AttachArea(ctx, fc.Area.Name, fc.Ring.AttachTimeout, opts); err != nil {
			return nil, err
		}
		ep.ring, err = ringbuf.InitReceiver(ctx, ep.area, conf)
	}
	if err != nil {
		ep.close()
		return nil, err
	}
	if err := ep.reg.Register(ep.ring); err != nil {
		ep.close()
		return nil, err
	}
	return ep, nil
}

// serve exposes the endpoint's ring over HTTP until close.
func (ep *endpoint) serve(ctx context.Context, addr string) {
	ep.stop = serve(ctx, addr, ep.reg)
}

// close stops the HTTP server before the rings and the mapping go away, so no scrape
// reads unmapped memory.
func (ep *endpoint) close() {
	ep.stop()
	if err := ep.reg.Close(); err != nil {
		log.Warnf("close rings: %v", err)
	}
	if ep.ring != nil {
		_ = ep.ring.Deinit()
	}
	if err := ep.area.Close(); err != nil {
		log.Warnf("unmap area %s: %v", ep.area.Name(), err)
	}
	if ep.created {
		if err := ep.area.Remove(); err != nil {
			log.Warnf("remove area %s: %v", ep.area.Name(), err)
		}
	}
}

func owner(role string) api.Owner {
	return api.Owner(fmt.Sprintf("shmring-%s-%d", role, os.Getpid()))
}

// serve exposes reg over HTTP until ctx is done or the returned stop is called. stop
// waits for in-flight requests. An empty addr serves nothing.
func serve(ctx context.Context, addr string, reg *ringbuf.Registry) (stop func()) {
	if addr == "" {
		return func() {}
	}
	pr := prometheus.NewRegistry()
	pr.MustRegister(adapter.NewCollector(reg), collectors.NewGoCollector())
	health := adapter.NewHealthHandler(reg)

	mux := http.NewServeMux()
	mux.Handle("/live", health)
	mux.Handle("/ready", health)
	mux.Handle("/metrics", promhttp.HandlerFor(pr, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("http %s: %v", addr, err)
		}
	}()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	log.Infof("serving health and metrics on %s", addr)
	return stop
}

func runSend(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var c common
	c.bind(fs)
	message := fs.String("message", "", "send this message instead of stdin lines")
	count := fs.Int("count", 1, "how many times to send -message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	fc, err := c.load()
	if err != nil {
		return err
	}
	ep, err := openEndpoint(ctx, e, fc, c.create)
	if err != nil {
		return err
	}
	defer ep.close()
	if err := ep.ring.AttachSender(owner("send")); err != nil {
		return err
	}
	ep.serve(ctx, fc.Listen)

	if *message != "" {
		for i := 0; i < *count; i++ {
			if err := ep.ring.Send(ctx, []byte(*message)); err != nil {
				return err
			}
		}
		return nil
	}
	scanner := bufio.NewScanner(e.stdin)
	scanner.Buffer(make([]byte, 0, 4096), ep.ring.Header().MaxPayload())
	for scanner.Scan() {
		if err := ep.ring.Send(ctx, scanner.Bytes()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func runRecv(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("recv", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var c common
	c.bind(fs)
	count := fs.Int("count", 0, "exit after this many messages, 0 runs until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	fc, err := c.load()
	if err != nil {
		return err
	}
	ep, err := openEndpoint(ctx, e, fc, c.create)
	if err != nil {
		return err
	}
	defer ep.close()
	if err := ep.ring.AttachReceiver(owner("recv")); err != nil {
		return err
	}
	ep.serve(ctx, fc.Listen)

	for n := 0; *count == 0 || n < *count; n++ {
		msg, err := ep.ring.Receive(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.stdout, "%s\n", msg)
	}
	return nil
}

func runInspect(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var c common
	c.bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	fc, err := c.load()
	if err != nil {
		return err
	}
	area, err := shm.AttachArea(ctx, fc.Area.Name, 0, &shm.Options{Dir: fc.Area.Dir, LogOutput: e.stderr})
	if err != nil {
		return err
	}
	defer area.Close()
	return inspectArea(ctx, e, area)
}

func inspectArea(ctx context.Context, e *env, area *shm.Area) error {
	entries, err := area.Entries()
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "area %s: %d bytes, %d free, %d entries\n", area.Name(), area.Size(), area.FreeSize(), len(entries))
	for _, ent := range entries {
		switch ent.Kind {
		case shm.KindSignal:
			fmt.Fprintf(e.stdout, "  signal %-32s seq %d owner pid %d\n", ent.Name, ent.Seq, ent.OwnerPID)
		case shm.KindChunk:
			fmt.Fprintf(e.stdout, "  chunk  %-32s %d bytes at %#x\n", ent.Name, ent.Capacity, ent.Offset)
			chunk, err := area.GetChunk(ctx, ent.Name, 0)
			if err != nil {
				return err
			}
			h, err := ringbuf.OpenHeader(chunk.Bytes())
			if err != nil {
				fmt.Fprintf(e.stdout, "    not a ring: %v\n", err)
				continue
			}
			fmt.Fprintf(e.stdout, "    %s\n", h.State())
		}
	}
	return nil
}
