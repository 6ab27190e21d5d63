package weft

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricParcelOutCount           = []string{"weft", "parcel", "out", "count"}
	MetricParcelOutBytes           = []string{"weft", "parcel", "out", "bytes"}
	MetricParcelInCount            = []string{"weft", "parcel", "in", "count"}
	MetricParcelInBytes            = []string{"weft", "parcel", "in", "bytes"}
	MetricParcelForwardedCount     = []string{"weft", "parcel", "forwarded", "count"}
	MetricBypassStartedCount       = []string{"weft", "bypass", "started", "count"}
	MetricBypassCompletedCount     = []string{"weft", "bypass", "completed", "count"}
	MetricBypassRejectedCount      = []string{"weft", "bypass", "rejected", "count"}
	MetricProxyRetiredCount        = []string{"weft", "proxy", "retired", "count"}
	MetricNodeLinkCount            = []string{"weft", "nodelink", "count"}
	MetricNodeLinkFrameOutCount    = []string{"weft", "nodelink", "frame", "out", "count"}
	MetricNodeLinkFrameInCount     = []string{"weft", "nodelink", "frame", "in", "count"}
	MetricNodeLinkFrameErrCount    = []string{"weft", "nodelink", "frame", "error", "count"}
	MetricMemoryFragmentAllocCount = []string{"weft", "memory", "fragment", "alloc", "count"}
	MetricMemoryBufferCount        = []string{"weft", "memory", "buffer", "count"}
	MetricTrapFiredCount           = []string{"weft", "trap", "fired", "count"}
)

type TelemetryLabel string

var (
	LabelError   TelemetryLabel = "error"
	LabelPeer    TelemetryLabel = "peer"
	LabelSublink TelemetryLabel = "sublink"
	LabelMessage TelemetryLabel = "message"
	LabelSide    TelemetryLabel = "side"
	LabelMode    TelemetryLabel = "mode"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
