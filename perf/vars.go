package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency     = metric.NewHistogram("1m1s")
	SentPacketPerSecond = metric.NewCounter("10s1s")
	RecvPacketPerSecond = metric.NewCounter("10s1s")
	SentBytesPerSecond  = metric.NewCounter("10s1s")
	RecvBytesPerSecond  = metric.NewCounter("10s1s")
	DroppedPerSecond    = metric.NewCounter("10s1s")
	DecodeErrors        = metric.NewCounter("1m10s")
)

// Handler serves the metrics page. Register it wherever debug endpoints are served.
func Handler() http.Handler {
	return metric.Handler(metric.Exposed)
}

func init() {
	expvar.Publish("nbns:SentPacket/s", SentPacketPerSecond)
	expvar.Publish("nbns:RecvPacket/s", RecvPacketPerSecond)
	expvar.Publish("nbns:SentBytes/s", SentBytesPerSecond)
	expvar.Publish("nbns:RecvBytes/s", RecvBytesPerSecond)
	expvar.Publish("nbns:Dropped/s", DroppedPerSecond)
	expvar.Publish("nbns:DecodeErrors", DecodeErrors)
	expvar.Publish("nbns:DispatchLatency (µs)", DispatchLatency)
}
