// Command compilectl is a CLI shim for submitting a compile request,
// either straight to Redis or, with -local, against a one-worker
// in-process broker running the HACKC_COMMAND worker — useful for a quick manual
// check that a worker command speaks the wire protocol correctly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hackc-pool/hackpoold/internal/assembler"
	"github.com/hackc-pool/hackpoold/internal/broker"
	"github.com/hackc-pool/hackpoold/internal/domain"
	"github.com/hackc-pool/hackpoold/internal/platform/launcher"
	"github.com/hackc-pool/hackpoold/internal/platform/queue"
	"github.com/google/uuid"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var (
		filename  = flag.String("filename", "cli.hack", "source filename to report to the worker")
		codePath  = flag.String("code", "", "path to a source file to compile (- for stdin)")
		redisAddr = flag.String("redis", os.Getenv("REDIS_ADDR"), "redis address for queued submission")
		local     = flag.Bool("local", false, "compile against an in-process broker instead of enqueueing")
	)
	flag.Parse()

	code, err := readSource(*codePath)
	if err != nil {
		slog.Error("failed to read source", "error", err)
		os.Exit(1)
	}

	if *local {
		runLocal(*filename, code)
		return
	}

	if *redisAddr == "" {
		slog.Error("either -local or -redis (or REDIS_ADDR) must be set")
		os.Exit(1)
	}
	runQueued(*redisAddr, *filename, code)
}

func readSource(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("-code is required")
	}
	if path == "-" {
		buf := make([]byte, 0, 4096)
		tmp := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(tmp)
			buf = append(buf, tmp[:n]...)
			if err != nil {
				break
			}
		}
		return buf, nil
	}
	return os.ReadFile(path)
}

func runQueued(addr, filename string, code []byte) {
	q := queue.NewRedisQueue(addr, "hackc:requests", "hackc:workers")
	id := uuid.New().String()
	req := queue.Request{
		ID: id,
		Compile: domain.CompileRequest{
			Filename: filename,
			Source:   code,
		},
	}
	if err := q.Publish(context.Background(), req); err != nil {
		slog.Error("failed to publish compile request", "error", err)
		os.Exit(1)
	}
	slog.Info("published compile request", "requestID", id)
}

func runLocal(filename string, code []byte) {
	command := strings.Fields(os.Getenv("HACKC_COMMAND"))
	if len(command) == 0 {
		slog.Error("HACKC_COMMAND must be set for -local")
		os.Exit(1)
	}

	cfg := domain.Config{
		Command:    command,
		Workers:    1,
		MaxRetries: 1,
	}
	sup := broker.NewSupervisor(cfg, domain.ModeFatal,
		func(ctx context.Context) (launcher.Launcher, error) { return launcher.NewExecLauncher(), nil },
		broker.SlogAdapter{L: slog.Default()},
		func() []byte { return nil }, func() []byte { return nil })
	defer sup.Shutdown()

	svc := broker.NewService(sup, assembler.Passthrough{}, broker.SlogAdapter{L: slog.Default()}, cfg.MaxRetries)
	result := svc.Compile(context.Background(), domain.CompileRequest{Filename: filename, Source: code})
	if result.Err != "" {
		fmt.Fprintln(os.Stderr, result.Err)
		os.Exit(1)
	}
	os.Stdout.Write(result.Emitter.Bytes)
}
