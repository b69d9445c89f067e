// Command shmring moves messages between processes over a shared-memory ring.
//
//	shmring recv -create -count 10     # create the area and print 10 messages
//	echo hello | shmring send          # attach and send stdin line by line
//	shmring inspect                    # dump the area and ring headers
//	shmring bench -rings 4 -messages 100000
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, env *env, args []string) error
}

var commands = []command{
	{"send", "send stdin lines, or -message, over the ring", runSend},
	{"recv", "print messages received from the ring", runRecv},
	{"inspect", "dump the area entries and ring headers", runInspect},
	{"bench", "measure throughput over in-process rings", runBench},
}

// env carries the process streams so subcommands can be tested.
type env struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, &env{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}, os.Args[1:]))
}

func run(ctx context.Context, e *env, args []string) int {
	if len(args) == 0 {
		usage(e.stderr)
		return 2
	}
	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		err := c.run(ctx, e, args[1:])
		switch {
		case err == nil:
			return 0
		case errors.Is(err, flag.ErrHelp):
			return 2
		case errors.Is(err, context.Canceled):
			return 130
		}
		fmt.Fprintf(e.stderr, "shmring %s: %v\n", c.name, err)
		return 1
	}
	usage(e.stderr)
	return 2
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: shmring <command> [flags]")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.usage)
	}
}
