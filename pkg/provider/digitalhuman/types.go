package digitalhuman

// Voice-state values delivered to [Handlers.OnVoiceStateChange].
const (
	VoiceStart = "voice_start"
	VoiceEnd   = "voice_end"
)

// Render-state values that mean the avatar is visibly rendering.
const (
	RenderIdle   = "idle"
	RenderOnline = "online"
)

// Engine message codes.
const (
	CodeAuthFailed    = 10001
	CodeAuthExpired   = 10002
	CodeRequestFailed = 10003
	CodeActiveClose   = 10004
	CodeRoomLimited   = 10005
)

// Message is an engine message.
type Message struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NetworkInfo is an engine network report.
type NetworkInfo struct {
	RTT        int     `json:"rtt"`
	PacketLoss float64 `json:"packetLoss"`
	Quality    string  `json:"quality"`
}

// Status is the SDK connectivity status.
type Status int

const (
	StatusOnline Status = iota
	StatusOffline
	StatusNetworkOn
	StatusNetworkOff
	StatusClose
)

// String returns the SDK's name for s.
func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	case StatusNetworkOn:
		return "network_on"
	case StatusNetworkOff:
		return "network_off"
	case StatusClose:
		return "close"
	default:
		return "unknown"
	}
}
