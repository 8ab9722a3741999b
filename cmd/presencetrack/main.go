package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"presencetrack/config"
	"presencetrack/internal/api"
	"presencetrack/internal/logger"
	"presencetrack/internal/metrics"
	"presencetrack/internal/output/presenceclickhouse"
	"presencetrack/internal/output/presencehttp"
	"presencetrack/internal/output/presencejson"
	"presencetrack/internal/output/presencekafka"
	"presencetrack/internal/output/rawjson"
	"presencetrack/internal/pipeline"
	"presencetrack/internal/presence"
	"presencetrack/internal/presencestate"
	"presencetrack/internal/replay"
	"presencetrack/internal/resolver"
	"presencetrack/internal/rules"
	"presencetrack/internal/source"
	sourceredis "presencetrack/internal/source/redis"
	"presencetrack/internal/source/socket"
	"presencetrack/pkg/models"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("presencetrack.yml"); err == nil {
		return "presencetrack.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		path := filepath.Join(filepath.Dir(exePath), "presencetrack.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "presencetrack.yml"
}

func applyDefaults(cfg *config.Config) {
	pt := &cfg.PresenceTrack

	if pt.Source.Mode == "" {
		pt.Source.Mode = "socket"
	}
	if pt.Source.Socket.EventName == "" {
		pt.Source.Socket.EventName = "tag_detected"
	}
	if pt.Source.Socket.PingInterval <= 0 {
		pt.Source.Socket.PingInterval = 25 * time.Second
	}
	if pt.Source.Redis.Addr == "" {
		pt.Source.Redis.Addr = "127.0.0.1:6379"
	}
	if pt.Source.Redis.Key == "" {
		pt.Source.Redis.Key = "tag_sightings"
	}
	if pt.Source.Redis.BlockTimeout == 0 {
		pt.Source.Redis.BlockTimeout = 5 * time.Second
	}

	if pt.Resolver.AcceptedType == "" {
		pt.Resolver.AcceptedType = "customer"
	}
	if pt.Resolver.Timeout <= 0 {
		pt.Resolver.Timeout = 5 * time.Second
	}

	if pt.Registry.Window <= 0 {
		pt.Registry.Window = 5 * time.Second
	}
	if pt.Registry.Tick <= 0 {
		pt.Registry.Tick = time.Second
	}
	if pt.Registry.TimestampSource == "" {
		pt.Registry.TimestampSource = "processed"
	}

	if pt.Pipeline.Workers <= 0 {
		pt.Pipeline.Workers = 4
	}
	if pt.Pipeline.BatchSize <= 0 {
		pt.Pipeline.BatchSize = 100
	}
	if pt.Pipeline.FlushInterval <= 0 {
		pt.Pipeline.FlushInterval = time.Second
	}
	if pt.Pipeline.MaxPending <= 0 {
		pt.Pipeline.MaxPending = pt.Pipeline.BatchSize * 10
	}

	if pt.Output.File.Path == "" {
		pt.Output.File.Path = "output/presence_events.jsonl"
	}
	if pt.Output.ClickHouse.Database == "" {
		pt.Output.ClickHouse.Database = "presencetrack"
	}
	if pt.Output.ClickHouse.Table == "" {
		pt.Output.ClickHouse.Table = "presence_events"
	}
	if pt.Output.Kafka.Topic == "" {
		pt.Output.Kafka.Topic = "presence-events"
	}
	if pt.Output.Redis.Addr == "" {
		pt.Output.Redis.Addr = pt.Source.Redis.Addr
	}

	if pt.ReplayCapture.File.Path == "" {
		pt.ReplayCapture.File.Path = "output/raw_payloads.jsonl"
	}

	if pt.Metrics.Listen == "" {
		pt.Metrics.Listen = ":9464"
	}

	if pt.Logging.Level == "" {
		pt.Logging.Level = "info"
	}
}

func loadConfig(configArg string) (*config.Config, string) {
	configPath := findConfigFile(configArg)
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyDefaults(cfg)
	return cfg, configPath
}

func buildResolver(cfg config.ResolverConfig) (*resolver.Resolver, error) {
	lookup, err := resolver.NewHTTPLookup(resolver.HTTPConfig{
		BaseURL:    cfg.BaseURL,
		TagPath:    cfg.TagPath,
		EntityPath: cfg.EntityPath,
		Timeout:    cfg.Timeout,
		Headers:    cfg.Headers,
	})
	if err != nil {
		return nil, err
	}
	return resolver.New(lookup, resolverConfig(cfg))
}

func resolverConfig(cfg config.ResolverConfig) resolver.Config {
	fields := make([]resolver.Field, 0, len(cfg.Fields))
	for _, f := range cfg.Fields {
		fields = append(fields, resolver.Field{Name: f.Name, Kind: resolver.FieldKind(f.Kind)})
	}
	return resolver.Config{
		AcceptedType: cfg.AcceptedType,
		KeyPrefixLen: cfg.KeyPrefixLen,
		IDField:      cfg.IDField,
		Fields:       fields,
	}
}

func useDetectedAt(cfg config.RegistryConfig) bool {
	return strings.EqualFold(strings.TrimSpace(cfg.TimestampSource), "detected")
}

func buildSource(cfg config.SourceConfig, onRaw source.RawObserver, m *metrics.Metrics) (source.Source, error) {
	onMalformed := func(error) { m.SightingDropped(metrics.DropMalformed) }
	switch cfg.Mode {
	case "socket":
		logger.Infof("Source mode: socket (%s, event=%s)", cfg.Socket.URL, cfg.Socket.EventName)
		return socket.New(socket.Config{
			URL:               cfg.Socket.URL,
			EventName:         cfg.Socket.EventName,
			DeviceID:          cfg.Socket.DeviceID,
			DeviceToken:       cfg.Socket.DeviceToken,
			DeviceIDHeader:    cfg.Socket.DeviceIDHeader,
			DeviceTokenHeader: cfg.Socket.DeviceTokenHeader,
			HandshakeTimeout:  cfg.Socket.HandshakeTimeout,
			PingInterval:      cfg.Socket.PingInterval,
			ReconnectMin:      cfg.Socket.ReconnectMin,
			ReconnectMax:      cfg.Socket.ReconnectMax,
			OnRaw:             onRaw,
			OnMalformed:       onMalformed,
		})
	case "redis":
		logger.Infof("Source mode: redis (%s, key=%s)", cfg.Redis.Addr, cfg.Redis.Key)
		return sourceredis.NewConsumer(sourceredis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			Key:          cfg.Redis.Key,
			BlockTimeout: cfg.Redis.BlockTimeout,
			OnRaw:        onRaw,
			OnMalformed:  onMalformed,
		})
	default:
		return nil, fmt.Errorf("unknown source mode: %s", cfg.Mode)
	}
}

func buildEngine(cfg config.RulesConfig) rules.Engine {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Path) == "" {
		logger.Warnf("Rules enabled but rules.path is empty; entity tagging disabled")
		return nil
	}
	engine, stats, err := rules.NewSigmaEngine(cfg.Path)
	if err != nil {
		logger.Errorf("Failed to load Sigma rules from %s: %v", cfg.Path, err)
		log.Fatalf("Failed to load Sigma rules: %v", err)
	}
	logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_datasource=%d skipped_invalid=%d files=%d",
		stats.Loaded,
		stats.SkippedComplex,
		stats.SkippedDatasource,
		stats.SkippedInvalid,
		stats.TotalFiles,
	)
	if stats.Loaded == 0 {
		logger.Warnf("No compatible Sigma rules loaded; entity tagging is effectively disabled")
	}
	return engine
}

func buildWriters(cfg config.OutputConfig) *pipeline.MultiEventWriter {
	var writers []pipeline.EventWriter

	if cfg.File.Enabled {
		w, err := presencejson.NewWriter(cfg.File.Path)
		if err != nil {
			log.Fatalf("Failed to create presence file writer: %v", err)
		}
		writers = append(writers, w)
		logger.Infof("Output: file (%s)", cfg.File.Path)
	}
	if cfg.HTTP.Enabled {
		w, err := presencehttp.NewWriter(presencehttp.Config{
			URL:     cfg.HTTP.URL,
			Timeout: cfg.HTTP.Timeout,
			Headers: cfg.HTTP.Headers,
		})
		if err != nil {
			log.Fatalf("Failed to create presence HTTP writer: %v", err)
		}
		writers = append(writers, w)
		logger.Infof("Output: http (%s)", cfg.HTTP.URL)
	}
	if cfg.ClickHouse.Enabled {
		w, err := presenceclickhouse.NewWriter(presenceclickhouse.Config{
			URL:      cfg.ClickHouse.URL,
			Database: cfg.ClickHouse.Database,
			Table:    cfg.ClickHouse.Table,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
			Timeout:  cfg.ClickHouse.Timeout,
			Headers:  cfg.ClickHouse.Headers,
		})
		if err != nil {
			log.Fatalf("Failed to create presence ClickHouse writer: %v", err)
		}
		writers = append(writers, w)
		logger.Infof("Output: clickhouse (%s/%s.%s)", cfg.ClickHouse.URL, cfg.ClickHouse.Database, cfg.ClickHouse.Table)
	}
	if cfg.Kafka.Enabled {
		w, err := presencekafka.NewWriter(presencekafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Timeout: cfg.Kafka.Timeout,
		})
		if err != nil {
			log.Fatalf("Failed to create presence Kafka writer: %v", err)
		}
		writers = append(writers, w)
	}
	if cfg.Redis.Enabled {
		store, err := presencestate.NewRedisStore(presencestate.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			log.Fatalf("Failed to create presence Redis mirror: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := store.Reset(ctx); err != nil {
			logger.Warnf("Failed to reset presence Redis mirror: %v", err)
		}
		cancel()
		writers = append(writers, store)
		logger.Infof("Output: redis mirror (%s)", cfg.Redis.Addr)
	}

	if len(writers) == 0 {
		logger.Warnf("No presence outputs enabled; transitions are only visible through the API")
	}
	return pipeline.NewMultiEventWriter(writers...)
}

func runTracker(args []string) {
	configArg := ""
	if len(args) > 0 {
		configArg = args[0]
	}
	cfg, configPath := loadConfig(configArg)
	pt := cfg.PresenceTrack

	if err := logger.Init(pt.Logging.Enabled, pt.Logging.Level, pt.Logging.File, pt.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Infof("PresenceTrack starting")
	logger.Infof("Config loaded from: %s", configPath)

	m := metrics.New()

	res, err := buildResolver(pt.Resolver)
	if err != nil {
		logger.Errorf("Failed to create resolver: %v", err)
		log.Fatalf("Failed to create resolver: %v", err)
	}

	var capture *pipeline.RawCapture
	var onRaw source.RawObserver
	if pt.ReplayCapture.Enabled {
		w, err := rawjson.NewWriter(pt.ReplayCapture.File.Path)
		if err != nil {
			log.Fatalf("Failed to create raw capture writer: %v", err)
		}
		capture = pipeline.NewRawCapture(w, pt.ReplayCapture.BatchSize, pt.ReplayCapture.FlushInterval)
		onRaw = capture.Observe
	}

	src, err := buildSource(pt.Source, onRaw, m)
	if err != nil {
		logger.Errorf("Failed to create source: %v", err)
		log.Fatalf("Failed to create source: %v", err)
	}

	events := make(chan models.PresenceEvent, pt.Pipeline.BatchSize*2)
	onDropped := func(models.PresenceEvent) { m.PresenceEventDropped(metrics.EventDropTracker) }
	tracker := presence.NewTracker(presence.TrackerConfig{
		Window:         pt.Registry.Window,
		Tick:           pt.Registry.Tick,
		ClampLastSeen:  pt.Registry.ClampEnabled(),
		UseDetectedAt:  useDetectedAt(pt.Registry),
		Events:         events,
		OnEventDropped: onDropped,
	})

	pipe, err := pipeline.NewPresencePipeline(pipeline.PresenceConfig{
		Source:        src,
		Resolver:      res,
		Engine:        buildEngine(pt.Rules),
		Tracker:       tracker,
		Events:        events,
		Writer:        buildWriters(pt.Output),
		Capture:       capture,
		Metrics:       m,
		Workers:       pt.Pipeline.Workers,
		BatchSize:     pt.Pipeline.BatchSize,
		FlushInterval: pt.Pipeline.FlushInterval,
		MaxPending:    pt.Pipeline.MaxPending,
	})
	if err != nil {
		log.Fatalf("Failed to create pipeline: %v", err)
	}

	var srv *http.Server
	if pt.Metrics.Enabled {
		srv = &http.Server{
			Addr:              pt.Metrics.Listen,
			Handler:           api.NewServer(tracker, m.Handler()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Infof("API listening on %s", pt.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("API server error: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := pipe.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("Pipeline error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("Shutting down")
	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		logger.Warnf("Pipeline did not stop within 5s")
	}

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if err := pipe.Close(); err != nil {
		logger.Errorf("Error closing pipeline: %v", err)
	}

	logger.Infof("PresenceTrack stopped")
}

func runInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configArg := fs.String("config", "", "Config file path")
	limit := fs.Int64("limit", 100, "Maximum number of entities to print")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, _ := loadConfig(*configArg)
	rc := cfg.PresenceTrack.Output.Redis
	store, err := presencestate.NewRedisStore(presencestate.RedisConfig{
		Addr:      rc.Addr,
		Password:  rc.Password,
		DB:        rc.DB,
		KeyPrefix: rc.KeyPrefix,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to presence mirror: %v\n", err)
		return 1
	}
	defer store.Close()

	entities, err := store.FetchPresent(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read presence mirror: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range entities {
		if err := enc.Encode(e); err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode entity: %v\n", err)
			return 1
		}
	}
	fmt.Fprintf(os.Stderr, "present=%d\n", len(entities))
	return 0
}

func runReplay(args []string) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	configArg := fs.String("config", "", "Config file path")
	input := fs.String("input", "", "Raw capture JSONL input path (defaults to replay_capture.file.path)")
	output := fs.String("output", "output/presence_timeline.jsonl", "Presence event timeline JSONL output path")
	lookup := fs.String("lookup", "identity", "Entity lookup: identity|http")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, _ := loadConfig(*configArg)
	pt := cfg.PresenceTrack
	if *input == "" {
		*input = pt.ReplayCapture.File.Path
	}

	var res replay.EntityResolver
	switch *lookup {
	case "identity":
		r, err := resolver.New(resolver.IdentityLookup{TagType: pt.Resolver.AcceptedType}, resolverConfig(pt.Resolver))
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create resolver: %v\n", err)
			return 1
		}
		res = r
	case "http":
		r, err := buildResolver(pt.Resolver)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create resolver: %v\n", err)
			return 1
		}
		res = r
	default:
		fmt.Fprintf(os.Stderr, "unknown lookup %q\n", *lookup)
		return 2
	}

	sum, err := replay.RunFile(context.Background(), *input, *output, res, replay.Config{
		Window:        pt.Registry.Window,
		Tick:          pt.Registry.Tick,
		ClampLastSeen: pt.Registry.ClampEnabled(),
		UseDetectedAt: useDetectedAt(pt.Registry),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		return 1
	}
	fmt.Printf("%s output=%s\n", sum, *output)
	return 0
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runTracker(os.Args[2:])
			return
		case "inspect":
			os.Exit(runInspect(os.Args[2:]))
		case "replay":
			os.Exit(runReplay(os.Args[2:]))
		default:
			// First arg is the config path.
			runTracker(os.Args[1:])
			return
		}
	}

	runTracker(nil)
}
