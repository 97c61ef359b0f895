// Command simulator is the headless CLI entrypoint for the simulation
// kernel: it loads a scenario config file, runs the kernel to completion (or
// to an optional hard duration), and exits with the documented exit codes.
package main

import (
	"context"
	"encoding/xml"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/signalsfoundry/wsnkernel/config"
	"github.com/signalsfoundry/wsnkernel/internal/logging"
	"github.com/signalsfoundry/wsnkernel/internal/observability"
	"github.com/signalsfoundry/wsnkernel/kernel"
	"github.com/signalsfoundry/wsnkernel/kernelerr"
	"go.opentelemetry.io/otel"
)

func main() {
	configPath := flag.String("config", "", "path to a simconf scenario file (required)")
	headless := flag.Bool("headless", true, "run without an interactive UI; unhandled event errors exit the process")
	speedFlag := flag.String("speed", "", "override the config's speed limit: a decimal ratio, or \"unlimited\"")
	duration := flag.Duration("duration", 0, "optional hard stop after this much simulated time has elapsed")
	logLevel := flag.String("log-level", "", "debug, info, warn, or error (default: info, or $LOG_LEVEL)")
	logFormat := flag.String("log-format", "", "json or text (default: text, or $LOG_FORMAT)")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus /metrics on this address")
	tracingExporter := flag.String("tracing", "", "stdout, otlp, or off (default: off unless $WSNKERNEL_TRACING_ENABLED=true, then $WSNKERNEL_TRACING_EXPORTER or stdout)")

	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "simulator: -config is required")
		os.Exit(2)
	}

	if *logLevel == "" {
		*logLevel = os.Getenv("LOG_LEVEL")
	}
	if *logFormat == "" {
		*logFormat = os.Getenv("LOG_FORMAT")
	}
	log := logging.New(logging.Config{Level: *logLevel, Format: *logFormat, AddSource: true})
	ctx, log := logging.WithRunLogger(context.Background(), log)

	tracingCfg := observability.TracingConfigFromEnv()
	if *tracingExporter != "" {
		tracingCfg.Enabled = *tracingExporter != "off"
		tracingCfg.Exporter = *tracingExporter
	}
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		log.Error(ctx, "failed to initialize tracing", logging.Any("error", err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	var metrics *observability.KernelCollector
	metrics, err = observability.NewKernelCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to register metrics", logging.Any("error", err))
		os.Exit(1)
	}
	if *metricsAddr != "" {
		go serveMetrics(ctx, *metricsAddr, metrics, log)
	}

	f, err := os.Open(*configPath)
	if err != nil {
		log.Error(ctx, "failed to open config", logging.String("path", *configPath), logging.Any("error", err))
		os.Exit(1)
	}
	defer f.Close()

	k := kernel.New(kernel.Config{
		Headless: *headless,
		Logger:   log,
		Metrics:  metrics,
		Tracer:   otel.Tracer("github.com/signalsfoundry/wsnkernel/kernel"),
		UISink: func(err error) {
			log.Error(ctx, "unhandled event execution error", logging.Any("error", err))
		},
	})

	codec := config.New()
	codec.Logger = log
	codec.RadioMediumFactory = func(typeTag string, raw []byte) (kernel.RadioMedium, error) {
		return newPassthroughRadioMedium(typeTag, raw), nil
	}
	codec.MoteTypeFactory = newPassthroughMoteType
	codec.MoteFactory = newPassthroughMote

	_, loadSpan := otel.Tracer("github.com/signalsfoundry/wsnkernel/config").Start(ctx, "kernel.config.load")
	err = codec.Decode(f, k)
	if err != nil {
		loadSpan.RecordError(err)
	}
	loadSpan.End()
	if err != nil {
		log.Error(ctx, "failed to load config", logging.Any("error", err))
		os.Exit(1)
	}

	if *speedFlag != "" {
		if err := applySpeedFlag(k, *speedFlag); err != nil {
			log.Error(ctx, "invalid -speed flag", logging.Any("error", err))
			os.Exit(2)
		}
	}

	if *duration > 0 {
		stopAt := k.GetSimulationTime() + duration.Microseconds()
		k.ScheduleEvent(kernel.NewEvent("cli-duration-limit", func(int64) error {
			return kernelerr.ErrEmulatorStop
		}), stopAt)
	}

	log.Info(ctx, "starting simulation", logging.String("config", *configPath), logging.String("title", k.Title()))

	if err := k.Start(); err != nil {
		log.Error(ctx, "failed to start kernel", logging.Any("error", err))
		os.Exit(1)
	}

	if err := k.Wait(); err != nil {
		log.Error(ctx, "simulation ended with an unhandled error", logging.Any("error", err))
		os.Exit(1)
	}

	log.Info(ctx, "simulation complete", logging.Any("sim_time_us", k.GetSimulationTime()))
}

func serveMetrics(ctx context.Context, addr string, collector *observability.KernelCollector, log logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	log.Info(ctx, "serving metrics", logging.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error(ctx, "metrics server exited", logging.Any("error", err))
	}
}

func applySpeedFlag(k *kernel.SimulationKernel, raw string) error {
	if raw == "unlimited" {
		k.SetSpeedLimit(nil)
		return nil
	}
	ratio, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("speed %q: %w", raw, err)
	}
	k.SetSpeedLimit(&ratio)
	return nil
}

// passthroughRadioMedium, passthroughMoteType and passthroughMote are the
// CLI's default collaborator factories: mote and radio-medium firmware
// behavior is out of scope for the kernel itself, so the standalone
// simulator ships opaque collaborators that round-trip their XML config
// byte-for-byte without interpreting it. Embedding programs that need real
// mote behavior register their own factories on a *config.Codec instead of
// linking this command.

type passthroughRadioMedium struct {
	typeTag string
	raw     []byte
}

func newPassthroughRadioMedium(typeTag string, raw []byte) *passthroughRadioMedium {
	return &passthroughRadioMedium{typeTag: typeTag, raw: raw}
}

func (m *passthroughRadioMedium) LoadFinished()          {}
func (m *passthroughRadioMedium) Register(kernel.Mote)   {}
func (m *passthroughRadioMedium) Unregister(kernel.Mote) {}
func (m *passthroughRadioMedium) TypeTag() string        { return m.typeTag }
func (m *passthroughRadioMedium) RawXML() []byte         { return m.raw }

type passthroughMoteType struct {
	id      string
	typeTag string
	raw     []byte
}

func newPassthroughMoteType(typeTag string, raw []byte) (kernel.MoteType, error) {
	var fields struct {
		Identifier string `xml:"identifier"`
	}
	if err := xml.Unmarshal(wrapElement("motetype", raw), &fields); err != nil {
		return nil, fmt.Errorf("parse motetype: %w", err)
	}
	if fields.Identifier == "" {
		return nil, fmt.Errorf("motetype %q missing <identifier>", typeTag)
	}
	return &passthroughMoteType{id: fields.Identifier, typeTag: typeTag, raw: raw}, nil
}

func (t *passthroughMoteType) ID() string      { return t.id }
func (t *passthroughMoteType) TypeTag() string { return t.typeTag }
func (t *passthroughMoteType) RawXML() []byte  { return t.raw }

type passthroughMote struct {
	id     string
	typeID string
	raw    []byte
}

func newPassthroughMote(moteTypeID string, raw []byte) (kernel.Mote, error) {
	var fields struct {
		ID string `xml:"id"`
	}
	if err := xml.Unmarshal(wrapElement("mote", raw), &fields); err != nil {
		return nil, fmt.Errorf("parse mote: %w", err)
	}
	if fields.ID == "" {
		return nil, fmt.Errorf("mote of type %q missing <id>", moteTypeID)
	}
	return &passthroughMote{id: fields.ID, typeID: moteTypeID, raw: raw}, nil
}

func (m *passthroughMote) ID() string      { return m.id }
func (m *passthroughMote) TypeID() string  { return m.typeID }
func (m *passthroughMote) Remove()         {}
func (m *passthroughMote) TypeTag() string { return m.typeID }
func (m *passthroughMote) RawXML() []byte  { return m.raw }

func wrapElement(tag string, inner []byte) []byte {
	out := make([]byte, 0, len(inner)+2*len(tag)+5)
	out = append(out, '<')
	out = append(out, tag...)
	out = append(out, '>')
	out = append(out, inner...)
	out = append(out, '<', '/')
	out = append(out, tag...)
	out = append(out, '>')
	return out
}
