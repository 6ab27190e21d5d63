package quicdriver

var (
	MetricConnEstCount      = []string{"quicdriver", "connection", "established", "count"}
	MetricStreamEstInCount  = []string{"quicdriver", "stream", "establishment", "in", "count"}
	MetricStreamEstOutCount = []string{"quicdriver", "stream", "establishment", "out", "count"}
	MetricStreamEstErrCount = []string{"quicdriver", "stream", "establishment", "error", "count"}
	MetricFrameInBytes      = []string{"quicdriver", "frame", "in", "bytes"}
	MetricFrameOutBytes     = []string{"quicdriver", "frame", "out", "bytes"}
	MetricRelayFrameCount   = []string{"quicdriver", "relay", "frame", "count"}
	MetricShmAllocBytes     = []string{"quicdriver", "shm", "alloc", "bytes"}
)
