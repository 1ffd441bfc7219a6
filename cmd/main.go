package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"reflect"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/events"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/aukilabs/spatialgrid/featureflag"
	sghttp "github.com/aukilabs/spatialgrid/http"
	"github.com/aukilabs/spatialgrid/models"
	"github.com/aukilabs/spatialgrid/smoketest"
	sgwebsocket "github.com/aukilabs/spatialgrid/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

var (
	// The spatialgrid version number. Set at build.
	version = "v0.1.0"

	infoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:        "spatialgrid_info",
		Help:        "Spatialgrid information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
)

// This will effectively disable obfuscation of the config struct. Without it, the keys would get obfuscated causing the cli package to generate garbled command-line options.
// https://github.com/burrowers/garble/issues/403
var _ = reflect.TypeOf(config{})

type config struct {
	Addr               string        `cli:""        env:"SPATIALGRID_ADDR"                 help:"Listening address for client connections."`
	AdminAddr          string        `cli:""        env:"SPATIALGRID_ADMIN_ADDR"           help:"Admin listening address."`
	PublicEndpoint     string        `cli:""        env:"SPATIALGRID_PUBLIC_ENDPOINT"      help:"The public endpoint where this server is reachable."`
	LogLevel           string        `cli:""        env:"SPATIALGRID_LOG_LEVEL"            help:"Log level (debug|info|warning|error)."`
	LogIndent          bool          `cli:""        env:"SPATIALGRID_LOG_INDENT"           help:"Indent logs."`
	SeedFile           string        `cli:""        env:"SPATIALGRID_SEED_FILE"            help:"YAML file describing the spaces and bodies to load at startup."`
	MaxBodyCells       int           `cli:",hidden" env:"SPATIALGRID_MAX_BODY_CELLS"       help:"The maximum number of cells a body can overlap."`
	MaxRequestSize     int64         `cli:",hidden" env:"SPATIALGRID_MAX_REQUEST_SIZE"     help:"The maximum size in bytes of an HTTP request body."`
	ClientIdleTimeout  time.Duration `cli:",hidden" env:"SPATIALGRID_CLIENT_IDLE_TIMEOUT"  help:"Time until an idle client will be disconnected"`
	LogSummaryInterval time.Duration `cli:",hidden" env:"SPATIALGRID_LOG_SUMMARY_INTERVAL" help:"The duration between each log summary by connection."`
	ShutdownTimeout    time.Duration `cli:",hidden" env:"SPATIALGRID_SHUTDOWN_TIMEOUT"     help:"The time given to in-flight requests to complete on shutdown."`
	SmokeTestTimeout   time.Duration `cli:",hidden" env:"SPATIALGRID_SMOKE_TEST_TIMEOUT"   help:"The maximum duration of a smoke test."`
	Events             eventsConfig  `cli:",hidden" env:"-"                                help:"Event pusher configuration."`
	FeatureFlags       []string      `cli:",hidden" env:"SPATIALGRID_FEATURE_FLAGS"        help:"Comma separated feature flags"`
	Version            bool          `cli:""        env:"-"                                help:"Show version."`
	Help               bool          `cli:""        env:"-"                                help:"Show help."`
}

type eventsConfig struct {
	Endpoint      string        `cli:",hidden" env:"SPATIALGRID_EVENTS_ENDPOINT"       help:"Endpoint to where events are pushed."`
	FlushInterval time.Duration `cli:",hidden" env:"SPATIALGRID_EVENTS_FLUSH_INTERVAL" help:"The duration between each event flush."`
	BatchSize     int           `cli:",hidden" env:"SPATIALGRID_EVENTS_BATCH_SIZE"     help:"The maximum number of events sent at once."`
	QueueSize     int           `cli:",hidden" env:"SPATIALGRID_EVENTS_QUEUE_SIZE"     help:"The size of the queue where events are stored."`
}

func defaultConfig() config {
	return config{
		Addr:               ":4000",
		AdminAddr:          ":18190",
		PublicEndpoint:     "http://localhost:4000",
		LogLevel:           logs.InfoLevel.String(),
		MaxBodyCells:       models.DefaultMaxBodyCells,
		MaxRequestSize:     1 << 20,
		ClientIdleTimeout:  time.Minute * 5,
		LogSummaryInterval: time.Minute,
		ShutdownTimeout:    time.Second * 10,
		SmokeTestTimeout:   time.Second * 10,
		Events: eventsConfig{
			FlushInterval: events.DefaultFlushInterval,
			BatchSize:     events.DefaultBatchSize,
			QueueSize:     events.DefaultQueueSize,
		},
	}
}

func main() {
	conf := defaultConfig()

	// set the information gauge to 1, useful for SUM query
	infoGauge.Set(1)

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Starts the spatial grid server.").
		Options(&conf)
	cli.Load()

	if conf.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := validateConfig(conf); err != nil {
		logs.Fatal(err)
	}

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}

	errors.Encoder = json.Marshal

	if conf.Events.Endpoint != "" {
		eventsPusher := events.Pusher{
			Endpoint:      conf.Events.Endpoint,
			FlushInterval: conf.Events.FlushInterval,
			BatchSize:     conf.Events.BatchSize,
			QueueSize:     conf.Events.QueueSize,
			Transport:     metrics.HTTPTransport(http.DefaultTransport),
		}
		go eventsPusher.Start()
		defer eventsPusher.Close()

		eventsLogger := events.Logger{
			Pusher:           &eventsPusher,
			SDKType:          "spatialgrid",
			SDKVersionFamily: version,
		}
		logs.SetLogger(eventsLogger.Log)
	}

	flags := featureflag.New(conf.FeatureFlags)
	spaces := models.SpaceStore{
		MaxBodyCells: conf.MaxBodyCells,
		FeatureFlags: flags,
	}
	defer spaces.Close()

	var ready atomic.Bool
	readinessCheck := ready.Load

	service := newServiceMux(ctx, conf, flags, &spaces, readinessCheck)

	var admin http.ServeMux
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/health", sghttp.HandleHealthCheck)
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	admin.HandleFunc("/debug/pprof/trace", pprof.Trace)
	admin.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	admin.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	admin.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	admin.Handle("/debug/pprof/block", pprof.Handler("block"))
	admin.HandleFunc("/ready", sghttp.HandleReadyCheck(readinessCheck))

	if conf.SeedFile != "" {
		if err := seedSpaces(&spaces, conf.SeedFile); err != nil {
			logs.Fatal(err)
		}
	}
	ready.Store(true)

	logs.WithTag("version", version).
		WithTag("log_level", conf.LogLevel).
		WithTag("endpoint", conf.PublicEndpoint).
		WithTag("feature_flags", flags.List()).
		Info("starting spatialgrid server")

	sghttp.ListenAndServe(ctx, conf.ShutdownTimeout,
		&http.Server{Addr: conf.Addr, Handler: metrics.HTTPHandler(service,
			sghttp.MetricsPathFormatter)},
		&http.Server{Addr: conf.AdminAddr, Handler: &admin},
	)
}

func newServiceMux(ctx context.Context, conf config, flags featureflag.FeatureFlag, spaces *models.SpaceStore, readinessCheck func() bool) *http.ServeMux {
	var service http.ServeMux

	api := sghttp.API{
		Spaces:         spaces,
		FeatureFlags:   flags,
		MaxRequestSize: conf.MaxRequestSize,
	}
	api.Register(&service)

	service.Handle("/health", sghttp.HandleWithCORS(http.HandlerFunc(sghttp.HandleHealthCheck)))
	service.Handle("/version", sghttp.HandleWithCORS(http.HandlerFunc(sghttp.HandleVersion(version))))
	service.Handle("/ready", sghttp.HandleWithCORS(http.HandlerFunc(sghttp.HandleReadyCheck(readinessCheck))))

	flags.IfNotSet(featureflag.FlagDisableWebsocket, func() {
		service.Handle("/ws", websocket.Server{
			Handshake: func(c *websocket.Config, r *http.Request) error {
				return nil
			},
			Handler: func(conn *websocket.Conn) {
				defer conn.Close()

				var h sgwebsocket.Handler = &sgwebsocket.RealtimeHandler{
					ClientIdleTimeout: conf.ClientIdleTimeout,
					Spaces:            spaces,
				}
				h = sgwebsocket.HandlerWithLogs(h, conf.LogSummaryInterval)
				h = sgwebsocket.HandlerWithMetrics(h, conf.PublicEndpoint)
				defer h.Close()

				sgwebsocket.Handle(ctx, conn, h)
			},
		})

		// The public endpoint is validated at startup.
		endpoint, _ := smoketest.WebSocketURL(conf.PublicEndpoint)
		service.HandleFunc("POST /smoke-test", smoketest.HandleSmokeTest(smoketest.Options{
			Endpoint:  endpoint,
			Spaces:    spaces,
			Timeout:   conf.SmokeTestTimeout,
			UserAgent: fmt.Sprintf("spatialgrid %s", version),
		}))
	})

	return &service
}

func seedSpaces(spaces *models.SpaceStore, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return errors.New("opening seed file failed").
			WithTag("file_name", filename).
			Wrap(err)
	}
	defer f.Close()

	seed, err := models.LoadSeed(f)
	if err != nil {
		return errors.New("loading seed file failed").
			WithTag("file_name", filename).
			Wrap(err)
	}

	created, err := spaces.Seed(seed)
	if err != nil {
		return errors.New("seeding spaces failed").
			WithTag("file_name", filename).
			Wrap(err)
	}

	for _, s := range created {
		logs.WithTag("space_id", s.ID).
			WithTag("space_name", s.Name).
			WithTag("body_count", s.BodyCount()).
			Info("space seeded")
	}
	return nil
}

func validateConfig(conf config) error {
	if _, err := url.ParseRequestURI(conf.PublicEndpoint); err != nil {
		return errors.New("invalid public endpoint").Wrap(err)
	}

	if conf.MaxBodyCells <= 0 {
		return errors.New("max body cells must be greater than zero").
			WithTag("max_body_cells", conf.MaxBodyCells)
	}

	if conf.MaxRequestSize <= 0 {
		return errors.New("max request size must be greater than zero").
			WithTag("max_request_size", conf.MaxRequestSize)
	}

	if conf.ClientIdleTimeout <= 0 {
		return errors.New("client idle timeout must be greater than zero").
			WithTag("client_idle_timeout", conf.ClientIdleTimeout)
	}

	if conf.LogSummaryInterval <= 0 {
		return errors.New("log summary interval must be greater than zero").
			WithTag("log_summary_interval", conf.LogSummaryInterval)
	}

	if conf.Events.Endpoint != "" {
		if _, err := url.ParseRequestURI(conf.Events.Endpoint); err != nil {
			return errors.New("invalid events endpoint").Wrap(err)
		}
	}

	return nil
}
