// Command mockcompiler is a reference implementation of an external
// worker binary: it speaks the wire protocol over stdin/stdout so
// cmd/server can be exercised end to end without a real hackc binary on
// hand. It "compiles" by running the source through a real interpreter
// inside a throwaway Docker container and returns the container's
// stdout as the artifact bytes.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

const version = "mockcompiler-0.1.0"

type header struct {
	Type        string `json:"type"`
	Bytes       int    `json:"bytes"`
	MD5         string `json:"md5,omitempty"`
	File        string `json:"file,omitempty"`
	IsSystemlib bool   `json:"is_systemlib,omitempty"`
	Error       string `json:"error,omitempty"`
	Version     string `json:"version,omitempty"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	in := bufio.NewReader(os.Stdin)
	out := bufio.NewWriter(os.Stdout)

	// 1. Announce version.
	writeHeader(out, header{Version: version})

	// 2. Swallow the stray newline the broker sends to reserve the byte
	// its own first read would otherwise eat.
	if _, err := in.ReadByte(); err != nil {
		slog.Error("failed to read initial newline", "error", err)
		os.Exit(1)
	}

	// 3. Two config frames (bodies may be empty).
	for i := 0; i < 2; i++ {
		if _, _, err := readFrame(in); err != nil {
			slog.Error("failed to read config frame", "error", err)
			os.Exit(1)
		}
	}

	cli, dockerErr := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if dockerErr == nil {
		if _, err := cli.Ping(context.Background()); err != nil {
			dockerErr = err
		}
	}
	if dockerErr != nil {
		slog.Warn("docker unavailable, falling back to identity compile", "error", dockerErr)
	}

	// 4. code/response loop.
	for {
		h, body, err := readFrame(in)
		if err != nil {
			if err == io.EOF {
				return
			}
			slog.Error("failed to read frame", "error", err)
			return
		}
		if h.Type != "code" {
			writeHeader(out, header{Type: "error", Error: fmt.Sprintf("unexpected message type, %s", h.Type)})
			continue
		}

		artifact, compileErr := compile(cli, dockerErr, body)
		if compileErr != nil {
			writeHeader(out, header{Type: "error", Error: compileErr.Error()})
			continue
		}
		writeHeader(out, header{Type: "hhas", Bytes: len(artifact)})
		out.Write(artifact)
		out.Flush()
	}
}

// compile runs code through a python:alpine container and returns its
// stdout. If docker is unavailable it degrades to returning code
// unchanged, so the wire protocol can still be exercised without a
// daemon present.
func compile(cli *client.Client, dockerErr error, code []byte) ([]byte, error) {
	if dockerErr != nil {
		return code, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const imageName = "python:alpine"
	reader, err := cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("pull image: %w", err)
	}
	io.Copy(io.Discard, reader)
	reader.Close()

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: imageName,
		Cmd:   []string{"python", "-c", string(code)},
	}, &container.HostConfig{
		Resources:  container.Resources{Memory: 512 * 1024 * 1024},
		AutoRemove: true,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	logsOpts := container.LogsOptions{ShowStdout: true, ShowStderr: false}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("wait container: %w", err)
		}
	case <-statusCh:
	}

	logs, err := cli.ContainerLogs(ctx, resp.ID, logsOpts)
	if err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	defer logs.Close()
	out, err := io.ReadAll(logs)
	if err != nil {
		return nil, fmt.Errorf("drain logs: %w", err)
	}
	return out, nil
}

func writeHeader(w *bufio.Writer, h header) {
	data, _ := json.Marshal(h)
	w.Write(data)
	w.WriteByte('\n')
	w.Flush()
}

func readFrame(r *bufio.Reader) (header, []byte, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return header{}, nil, err
	}
	var h header
	if err := json.Unmarshal([]byte(line[:len(line)-1]), &h); err != nil {
		return header{}, nil, err
	}
	if h.Bytes == 0 {
		return h, nil, nil
	}
	body := make([]byte, h.Bytes)
	if _, err := io.ReadFull(r, body); err != nil {
		return header{}, nil, err
	}
	return h, body, nil
}
