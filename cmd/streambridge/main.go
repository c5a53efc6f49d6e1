package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nexflow/streambridge/pkg/config"
	"github.com/nexflow/streambridge/pkg/connector"
	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/logger"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:   "streambridge",
		Short: "StreamBridge - unified streaming platform connector layer",
		Long: `StreamBridge connects workflows to Kafka, Pulsar, Kinesis, Google Pub/Sub,
Azure Event Hubs, Redis Streams and NATS behind one produce/consume contract.
A single YAML config selects the platform; everything else stays the same.`,
	}

	root.AddCommand(versionCmd(), platformsCmd(), consumeCmd(), produceCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("StreamBridge v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func platformsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "platforms",
		Short: "List platforms available in this build",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available platforms:")
			for _, p := range connector.Platforms() {
				fmt.Printf("  - %s\n", p)
			}
		},
	}
}

func consumeCmd() *cobra.Command {
	var configFile, metricsAddr string

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume events and print them as JSON lines",
		Long: `Consume events from the configured platform and print each as one JSON
line on stdout. Runs until interrupted.

Example:
  streambridge consume --config kafka.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsume(configFile, metricsAddr)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to stream configuration YAML file (required)")
	_ = cmd.MarkFlagRequired("config")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9102)")
	return cmd
}

func produceCmd() *cobra.Command {
	var configFile, metricsAddr string
	var batch bool

	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Produce events read as JSON lines from stdin",
		Long: `Read one JSON event per line from stdin and produce each to the
configured platform. Lines may be bare JSON payloads or envelopes of the
form {"key": "...", "value": ..., "headers": {...}}.

Example:
  cat events.jsonl | streambridge produce --config pulsar.yaml --batch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProduce(configFile, metricsAddr, batch)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to stream configuration YAML file (required)")
	_ = cmd.MarkFlagRequired("config")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9102)")
	cmd.Flags().BoolVar(&batch, "batch", false, "Use the platform's batch API where available")
	return cmd
}

// openClient loads the config and connects the selected platform.
func openClient(ctx context.Context, configFile, metricsAddr string) (core.PlatformClient, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	log := logger.Get().With(
		zap.String("component", "streambridge-cli"),
		zap.String("platform", string(cfg.Platform)),
	)

	serveMetrics(metricsAddr, log)

	client, err := connector.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, nil, err
	}
	return client, log, nil
}

func runConsume(configFile, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, log, err := openClient(ctx, configFile, metricsAddr)
	if err != nil {
		return err
	}
	defer disconnect(client, log)

	out := json.NewEncoder(os.Stdout)
	handler := func(ctx context.Context, event *core.StreamEvent) error {
		return out.Encode(event)
	}

	// Disconnect on signal so the consume loop exits cooperatively.
	go func() {
		<-ctx.Done()
		dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = client.Disconnect(dctx)
	}()

	log.Info("consuming")
	if err := client.Consume(ctx, handler); err != nil && ctx.Err() == nil {
		return err
	}

	snap := client.Metrics()
	log.Info("consume finished",
		zap.Int64("records", snap.RecordsIn),
		zap.Int64("bytes", snap.BytesIn),
		zap.Float64("events_per_second", snap.EventsPerSecond))
	return nil
}

// envelope is the optional stdin line format carrying key and headers
// alongside the payload.
type envelope struct {
	Key     string            `json:"key"`
	Value   json.RawMessage   `json:"value"`
	Headers map[string]string `json:"headers"`
}

func runProduce(configFile, metricsAddr string, batch bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, log, err := openClient(ctx, configFile, metricsAddr)
	if err != nil {
		return err
	}
	defer disconnect(client, log)

	events, err := readEvents(os.Stdin)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		log.Warn("no events on stdin")
		return nil
	}

	start := time.Now()
	sent := 0

	if bp, ok := client.(core.BatchProducer); ok && batch {
		sent, err = bp.ProduceBatch(ctx, events)
		if err != nil {
			return err
		}
	} else {
		for _, event := range events {
			if err := client.Produce(ctx, event); err != nil {
				return err
			}
			sent++
		}
	}

	log.Info("produce finished",
		zap.Int("events", sent),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// readEvents parses one event per stdin line, accepting either a bare
// JSON payload or an envelope with key/value/headers.
func readEvents(f *os.File) ([]*core.StreamEvent, error) {
	var events []*core.StreamEvent

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(line, &env); err == nil && len(env.Value) > 0 {
			events = append(events, &core.StreamEvent{
				Key:       env.Key,
				Value:     core.NormalizeValue([]byte(env.Value)),
				Timestamp: time.Now(),
				Headers:   env.Headers,
			})
			continue
		}

		raw := make([]byte, len(line))
		copy(raw, line)
		events = append(events, &core.StreamEvent{
			Value:     core.NormalizeValue(raw),
			Timestamp: time.Now(),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	return events, nil
}

func serveMetrics(addr string, log *zap.Logger) {
	if addr == "" {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Info("serving metrics", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
}

func disconnect(client core.PlatformClient, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		log.Warn("failed to disconnect", zap.Error(err))
	}
}
