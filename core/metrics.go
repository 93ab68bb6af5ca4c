package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors a running node exposes at
// /metrics: chain height and difficulty, mempool depth, peer-set size and
// average peer score, and WASM gas consumption. A node wires one Metrics
// into its registry and refreshes the gauges through Sample, which
// cmd/edgeaid calls from its own 5-second sampling loop.
type Metrics struct {
	Height       prometheus.Gauge
	Difficulty   prometheus.Gauge
	MempoolSize  prometheus.Gauge
	PeerCount    prometheus.Gauge
	PeerAvgScore prometheus.Gauge
	GasUsedTotal prometheus.Counter
	BlocksSealed prometheus.Counter
}

// NewMetrics constructs and registers the node's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgeai", Name: "chain_height", Help: "current ledger height",
		}),
		Difficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgeai", Name: "chain_difficulty", Help: "current PoIE sealing difficulty",
		}),
		MempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgeai", Name: "mempool_size", Help: "pending transactions awaiting inclusion",
		}),
		PeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgeai", Name: "peer_count", Help: "connected gossip-overlay peers",
		}),
		PeerAvgScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgeai", Name: "peer_avg_score", Help: "mean peer reputation score",
		}),
		GasUsedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeai", Name: "wasm_gas_used_total", Help: "cumulative gas consumed across contract calls",
		}),
		BlocksSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeai", Name: "blocks_sealed_total", Help: "blocks successfully sealed by this node",
		}),
	}
	reg.MustRegister(m.Height, m.Difficulty, m.MempoolSize, m.PeerCount, m.PeerAvgScore, m.GasUsedTotal, m.BlocksSealed)
	return m
}

// Sample refreshes the gauges from current ledger, mempool and peer state.
// It leaves the counters (GasUsedTotal, BlocksSealed) alone, since a
// periodic sample cannot recover a monotonic total from point-in-time
// state; no code in this repository increments them, so both read zero.
func (m *Metrics) Sample(ledger *Ledger, mempool *Mempool, node *Node) {
	if ledger != nil {
		m.Height.Set(float64(ledger.Height()))
		m.Difficulty.Set(float64(ledger.Difficulty()))
	}
	if mempool != nil {
		m.MempoolSize.Set(float64(mempool.Len()))
	}
	if node != nil {
		peers := node.Peers()
		m.PeerCount.Set(float64(len(peers)))
		scores := node.Scores().Snapshot()
		if len(scores) > 0 {
			var sum float64
			for _, s := range scores {
				sum += s
			}
			m.PeerAvgScore.Set(sum / float64(len(scores)))
		} else {
			m.PeerAvgScore.Set(0)
		}
	}
}
