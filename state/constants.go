package state

import "time"

var (
	// connection manager
	RetryBaseDelay    = time.Second * 1
	RetryBackoffCap   = 8 // delay multiplier caps at 8x base after the third attempt
	MaxRetries        = 5 // 6 total attempts
	ExhaustionDelay   = 10 * RetryBaseDelay
	CleanupSpacing    = time.Millisecond * 500 // the transport cannot tear down multiple handles at once
	HandshakeTimeout  = time.Second * 10
	TopologySyncDelay = time.Second * 30

	// lock acquisition cap, tuned upward from 10ms which caused spurious
	// failures under load
	LockTimeout = time.Millisecond * 100

	// bridge coordinator
	ElectionGracePeriod = time.Second * 60
	ElectionCooldown    = time.Second * 60
	ElectionJitterMin   = time.Second * 1
	ElectionJitterMax   = time.Second * 3
	BridgeMonitorDelay  = time.Second * 30
	BridgeHealthTimeout = time.Second * 45
	HeartbeatInterval   = time.Second * 15
	ParentHysteresis    = time.Second * 30
	DuplicateTrackTTL   = time.Second * 60
	InternetCheckDelay  = time.Second * 30

	// decode capacity
	MaxDecodeCapacity      = 8 * 1024
	DecodeFixedOverhead    = 256
	DecodePerLevelOverhead = 64

	// message queue
	QueueCapacity = 1000

	// transport
	DefaultPort = 42212
)
