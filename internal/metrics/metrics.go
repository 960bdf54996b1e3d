// Package metrics exposes Prometheus collectors for the tunnel gateway.
// Collectors are package-level, promauto-registered globals, mirroring
// internal/obs/metrics.go in the showoff tunnel server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TunnelsActive counts WebSocket tunnels currently upgraded and running.
	TunnelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wsmuxgw_tunnels_active",
		Help: "WebSocket tunnels currently established",
	})

	// TCPSessionsActive counts live virtual TCP sessions across all tunnels.
	TCPSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wsmuxgw_tcp_sessions_active",
		Help: "Virtual TCP sessions currently open",
	})

	// UDPFlowsActive counts live virtual UDP flows across all tunnels.
	UDPFlowsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wsmuxgw_udp_flows_active",
		Help: "Virtual UDP flows currently open",
	})

	// TCPDialFailuresTotal counts outbound TCP dials that failed.
	TCPDialFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsmuxgw_tcp_dial_failures_total",
		Help: "Outbound TCP dials that failed",
	})

	// UDPErrorsTotal counts non-fatal UDP send/receive errors reported to clients.
	UDPErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsmuxgw_udp_errors_total",
		Help: "Non-fatal UDP send/receive errors reported to clients",
	})

	// FramesDroppedTotal counts malformed or orphan frames silently dropped.
	FramesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsmuxgw_frames_dropped_total",
		Help: "Frames dropped for being malformed, unrecognized, or referencing an unknown CID",
	})

	// AdmissionDenialsTotal counts pre-upgrade denials by reason.
	AdmissionDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wsmuxgw_admission_denials_total",
		Help: "Pre-upgrade admission denials by reason",
	}, []string{"reason"})

	// BytesTransferredTotal counts bytes moved through virtual connections by direction.
	BytesTransferredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wsmuxgw_bytes_transferred_total",
		Help: "Bytes moved through virtual TCP/UDP connections",
	}, []string{"proto", "direction"})
)
