package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"pika-chat/go-core/internal/app"
	"pika-chat/go-core/internal/config"
	"pika-chat/go-core/pkg/models"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const stateCommand = "state"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	dataDir := flag.String("data-dir", "", "Directory for local data (default: ./pika-data)")
	configPath := flag.String("config", "", "Path to a config file overriding <data-dir>/"+config.FileName)
	transport := flag.String("transport", "", "Transport override: nostr | bus | waku")
	metricsAddr := flag.String("metrics-addr", "", "Serve prometheus metrics on this address (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("pika-core version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	if *configPath != "" {
		_ = os.Setenv(config.PathEnv, *configPath)
	}
	if *transport != "" {
		_ = os.Setenv("PIKA_TRANSPORT", *transport)
	}
	dir := strings.TrimSpace(*dataDir)
	if dir == "" {
		dir = "pika-data"
	}

	core, err := app.New(dir)
	if err != nil {
		log.Fatalf("pika-core failed to initialize: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(core.MetricsRegistry(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server failed: %v", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	out := newLineWriter(os.Stdout)
	core.ListenForUpdates(app.ListenerFunc(func(u models.AppUpdate) {
		out.write(u)
	}))

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			shutdown(core)
			return
		case line, ok := <-lines:
			if !ok {
				shutdown(core)
				return
			}
			handleLine(core, out, line)
		}
	}
}

func shutdown(core *app.App) {
	if err := core.Close(); err != nil {
		log.Printf("pika-core close failed: %v", err)
	}
}

// handleLine dispatches one JSON action. {"kind":"state"} prints a snapshot
// instead.
func handleLine(core *app.App, out *lineWriter, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	var action models.AppAction
	if err := json.Unmarshal([]byte(line), &action); err != nil {
		out.write(map[string]string{"kind": "error", "error": "invalid action: " + err.Error()})
		return
	}
	if action.Kind == stateCommand {
		out.write(map[string]any{"kind": stateCommand, "state": core.State()})
		return
	}
	core.Dispatch(action)
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		log.Printf("read stdin: %v", err)
	}
}

// lineWriter serializes JSON lines from the listener goroutine and the
// command loop.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{enc: json.NewEncoder(w)}
}

func (w *lineWriter) write(v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(v); err != nil {
		log.Printf("write output: %v", err)
	}
}
