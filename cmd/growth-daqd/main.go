// Command growth-daqd is the minimal driver binary SPEC_FULL.md §2
// calls for: it wires link -> framer -> engine -> registers -> decoder
// -> archive, using a single-instance file lock so two copies never
// fight over the same serial port. A full ZeroMQ REPL / FITS writer
// remain out of scope (spec.md §1); this is the thin entry point over
// the core transport and decoder stack.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/archive"
	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/daqconfig"
	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/decoder"
	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/link/serial"
	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/metrics"
	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/pool"
	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/registers"
	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/rmap"
	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/ssdtp"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML process configuration file")
	lockPath := flag.String("lock", "/var/run/growth-daqd.lock", "single-instance lock file path")
	metricsAddr := flag.String("metrics-addr", ":9100", "address to serve Prometheus metrics on")
	dryRun := flag.Bool("dry-run", false, "log that the in-memory archive writer is in use (it is the only writer built in, so it is used either way)")
	flag.Parse()

	runID := xid.New().String()
	log.WithField("run_id", runID).Info("growth-daqd starting")

	fileLock := flock.New(*lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		log.WithError(err).Fatal("growth-daqd: acquiring single-instance lock failed")
	}
	if !locked {
		log.Fatal("growth-daqd: another instance is already running")
	}
	defer fileLock.Unlock()

	cfg := daqconfig.Default()
	if *configPath != "" {
		cfg, err = daqconfig.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("growth-daqd: loading configuration")
		}
	}

	regs := registers.DefaultMap()
	if cfg.Registers != "" {
		regs, err = registers.LoadMap(cfg.Registers)
		if err != nil {
			log.WithError(err).Fatal("growth-daqd: loading register map")
		}
	}

	metricsReg := metrics.NewRegistry(prometheus.DefaultRegisterer)
	go serveMetrics(*metricsAddr)

	port, err := serial.Open(serial.Config{Device: cfg.Serial.Device, Baud: cfg.Serial.Baud})
	if err != nil {
		log.WithError(err).Fatal("growth-daqd: opening serial port")
	}

	framer := ssdtp.New(port)
	engine := rmap.NewEngine(framer)
	defer engine.Shutdown()

	target := rmap.Target{
		TargetLogicalAddress:    cfg.RMAP.TargetLogicalAddress,
		InitiatorLogicalAddress: cfg.RMAP.InitiatorLogicalAddress,
		Key:                     cfg.RMAP.Key,
	}
	initiator := rmap.NewInitiator(engine, target)
	accessor := registers.NewAccessor(initiator, cfg.RMAP.Timeout)
	accessor.OnRetry(func() { metricsReg.RegisterAccessRetries.Inc() })

	bufPool := pool.NewBufferPool(decoder.MaxChunkBytes)
	eventPool := pool.NewEventPool()
	eventListPool := pool.NewEventListPool()

	dec := decoder.New(bufPool, eventPool, eventListPool, cfg.Decoder.MaxQueuedLists)
	dec.Start()
	defer dec.Shutdown()

	dataCountAddr, err := regs.Address("event_fifo_data_count")
	if err != nil {
		log.WithError(err).Fatal("growth-daqd: resolving event_fifo_data_count")
	}
	fifoAddr, err := regs.Address("event_fifo")
	if err != nil {
		log.WithError(err).Fatal("growth-daqd: resolving event_fifo")
	}

	reader := decoder.NewFIFOReader(accessor, dec, bufPool, dataCountAddr, fifoAddr, cfg.Decoder.PollInterval)
	ctx, cancel := context.WithCancel(context.Background())
	reader.Start(ctx)

	var writer archive.Writer
	if *dryRun {
		writer = archive.NewMemoryWriter(eventPool, eventListPool)
		log.Info("growth-daqd: using in-memory archive writer (-dry-run)")
	} else {
		// A real archive writer (FITS/ROOT) is out of scope per
		// spec.md §1; fall back to the reference implementation until
		// one is wired in.
		writer = archive.NewMemoryWriter(eventPool, eventListPool)
	}

	go runWriterLoop(dec, writer)
	go reportCounters(engine, dec, metricsReg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("growth-daqd: shutting down")
	cancel()
	reader.Wait()
}

func runWriterLoop(dec *decoder.Decoder, writer archive.Writer) {
	for {
		list, ok := dec.PopEventList()
		if !ok {
			return
		}
		if err := writer.WriteEventList(list); err != nil {
			log.WithError(err).Warn("growth-daqd: archive writer failed")
		}
	}
}

func reportCounters(engine *rmap.Engine, dec *decoder.Decoder, reg *metrics.Registry) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		c := engine.Counters()
		reg.SampleEngineCounters(
			c.DiscardedReceivedCommands,
			c.ErroneousReceivedCommands,
			c.DiscardedMalformedPackets,
			c.ErroneousReplies,
			c.TransactionsAborted,
			c.TransactionIDExhausted,
		)

		input, output := dec.QueueDepths()
		reg.DecoderInputQueueDepth.Set(float64(input))
		reg.DecoderOutputQueueDepth.Set(float64(output))
		reg.SampleDecoderDropped(dec.DroppedEventLists())
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("growth-daqd: metrics server exited")
	}
}
