// Package metrics mirrors spec.md §4.E's "Counters exposed" list and
// the decoder's pool/queue depths into Prometheus instruments, the
// ambient observability stack this repo carries regardless of which
// user-facing features are in scope (SPEC_FULL.md §1). Grounded on the
// teacher pack's exporter.TCPInfoCollector (a Describe/Collect pair
// wrapping an existing source of truth rather than incrementing
// duplicate state), adapted here to a simpler direct-instrument style
// since the engine/decoder counters are already plain atomics — there
// is no per-scrape collection cost worth a custom Collector.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every counter/gauge this repository exposes. Callers
// register it with prometheus.DefaultRegisterer (or a test registry)
// once at startup.
type Registry struct {
	DiscardedReceivedCommands prometheus.Counter
	ErroneousReceivedCommands prometheus.Counter
	DiscardedMalformedPackets prometheus.Counter
	ErroneousReplies          prometheus.Counter
	TransactionsAborted       prometheus.Counter
	TransactionIDExhausted    prometheus.Counter

	DecoderDroppedEventLists prometheus.Counter
	DecoderOutputQueueDepth  prometheus.Gauge
	DecoderInputQueueDepth   prometheus.Gauge

	RegisterAccessRetries prometheus.Counter

	prevDiscardedReceivedCommands uint64
	prevErroneousReceivedCommands uint64
	prevDiscardedMalformedPackets uint64
	prevErroneousReplies          uint64
	prevTransactionsAborted       uint64
	prevTransactionIDExhausted    uint64
	prevDecoderDroppedEventLists  uint64
}

// NewRegistry constructs a Registry with the namespace "growth_daq" and
// registers every instrument with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	const ns = "growth_daq"

	r := &Registry{
		DiscardedReceivedCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rmap", Name: "discarded_received_commands_total",
			Help: "Command packets received by the initiator side and discarded.",
		}),
		ErroneousReceivedCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rmap", Name: "erroneous_received_commands_total",
			Help: "Command packets received by the initiator side that themselves requested a reply.",
		}),
		DiscardedMalformedPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rmap", Name: "discarded_malformed_packets_total",
			Help: "Packets that failed to parse (bad protocol id or CRC).",
		}),
		ErroneousReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rmap", Name: "erroneous_replies_total",
			Help: "Replies that matched no pending transaction id.",
		}),
		TransactionsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rmap", Name: "transactions_aborted_total",
			Help: "Transactions cancelled by the caller, typically on timeout.",
		}),
		TransactionIDExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rmap", Name: "transaction_id_exhausted_total",
			Help: "Initiate calls that failed because the free-id FIFO was empty.",
		}),
		DecoderDroppedEventLists: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "decoder", Name: "dropped_event_lists_total",
			Help: "Event lists dropped because the output queue exceeded its high-water mark.",
		}),
		DecoderOutputQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "decoder", Name: "output_queue_depth",
			Help: "Number of decoded event lists waiting for the archive writer.",
		}),
		DecoderInputQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "decoder", Name: "input_queue_depth",
			Help: "Number of raw byte chunks waiting to be decoded.",
		}),
		RegisterAccessRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "registers", Name: "access_retries_total",
			Help: "Retries issued by the register-access façade after a timed-out transaction.",
		}),
	}

	reg.MustRegister(
		r.DiscardedReceivedCommands,
		r.ErroneousReceivedCommands,
		r.DiscardedMalformedPackets,
		r.ErroneousReplies,
		r.TransactionsAborted,
		r.TransactionIDExhausted,
		r.DecoderDroppedEventLists,
		r.DecoderOutputQueueDepth,
		r.DecoderInputQueueDepth,
		r.RegisterAccessRetries,
	)
	return r
}

// SampleEngineCounters takes a fresh rmap.Counters-shaped snapshot
// (monotonic totals) and adds each one's delta since the last sample
// into the corresponding Prometheus counter. Call periodically (e.g.
// from the CLI's reporting ticker) from a single goroutine.
func (r *Registry) SampleEngineCounters(discardedReceivedCommands, erroneousReceivedCommands, discardedMalformedPackets, erroneousReplies, transactionsAborted, transactionIDExhausted uint64) {
	addDelta(r.DiscardedReceivedCommands, &r.prevDiscardedReceivedCommands, discardedReceivedCommands)
	addDelta(r.ErroneousReceivedCommands, &r.prevErroneousReceivedCommands, erroneousReceivedCommands)
	addDelta(r.DiscardedMalformedPackets, &r.prevDiscardedMalformedPackets, discardedMalformedPackets)
	addDelta(r.ErroneousReplies, &r.prevErroneousReplies, erroneousReplies)
	addDelta(r.TransactionsAborted, &r.prevTransactionsAborted, transactionsAborted)
	addDelta(r.TransactionIDExhausted, &r.prevTransactionIDExhausted, transactionIDExhausted)
}

// SampleDecoderDropped adds the delta since the last sample of the
// decoder's dropped-event-list total (spec.md §9 open question 3) into
// DecoderDroppedEventLists.
func (r *Registry) SampleDecoderDropped(dropped uint64) {
	addDelta(r.DecoderDroppedEventLists, &r.prevDecoderDroppedEventLists, dropped)
}

// addDelta adds the increase in total since *prev to c, then updates
// *prev. Prometheus counters only accept non-negative Add deltas; the
// source counters are already monotonic so total >= *prev always holds
// outside of a process restart.
func addDelta(c prometheus.Counter, prev *uint64, total uint64) {
	if total > *prev {
		c.Add(float64(total - *prev))
	}
	*prev = total
}
