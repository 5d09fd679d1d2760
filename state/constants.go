package state

import "time"

const (
	// NbnsPort is the well known name service port, for both udp and tcp.
	NbnsPort = 137
	// MaxDatagramSize is the largest message sent over udp: 576 minus ip and udp headers.
	MaxDatagramSize = 576 - 28
)

var (
	DefaultTtl      = uint32(3600)
	BcastRetryCount = 3
	BcastRetryDelay = time.Millisecond * 250
	ConflictDelay   = time.Millisecond * 1000
	MapTickDelay    = time.Second * 1

	// how long an observed conflict is remembered for inspection
	ConflictMemory = time.Minute * 10
	GcDelay        = time.Second * 10

	DefaultBroadcastAddress = "255.255.255.255"
	DefaultConfigPath       = "nbns.yaml"
	DefaultDebugAddr        = "127.0.0.1:6137"
)

// set from the command line
var (
	ConfigPath = DefaultConfigPath

	DBG_log_packets = false
	DBG_log_maps    = false
)
