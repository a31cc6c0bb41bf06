package link

// SpeedClass selects the outbound batching sizes the engine uses for
// its ping-pong transport writes and corresponding response reads.
type SpeedClass int

// Speed classes (§4.4). High is used for internal BRAM/CSR traffic,
// Low for slower external bridge/JTAG traffic.
const (
	HighSpeed SpeedClass = iota
	LowSpeed
)

// batchSizes holds the four tunable batch sizes for a speed class.
type batchSizes struct {
	readSend  int
	readRecv  int
	writeSend int
	writeRecv int
}

var speedTable = map[SpeedClass]batchSizes{
	HighSpeed: {readSend: 180, readRecv: 900, writeSend: 900, writeRecv: 450},
	LowSpeed:  {readSend: 9, readRecv: 45, writeSend: 45, writeRecv: 22},
}

func (s SpeedClass) sizes() batchSizes {
	return speedTable[s]
}

// String returns a human-readable speed-class name.
func (s SpeedClass) String() string {
	switch s {
	case HighSpeed:
		return "high"
	case LowSpeed:
		return "low"
	default:
		return "unknown"
	}
}
