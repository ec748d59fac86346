package xingyun

import "encoding/json"

// Command ops sent to the host page.
const (
	opCreate          = "create"
	opInit            = "init"
	opSpeak           = "speak"
	opIdle            = "idle"
	opListen          = "listen"
	opThink           = "think"
	opInteractiveIdle = "interactiveidle"
	opOfflineMode     = "offlineMode"
	opOnlineMode      = "onlineMode"
	opSetVolume       = "setVolume"
	opDestroy         = "destroy"
	opProbe           = "probe"
)

// Frame types sent by the host page.
const (
	frameResult      = "result"
	frameMessage     = "message"
	frameVoiceState  = "voice_state"
	frameRenderState = "render_state"
	frameState       = "state"
	frameStatus      = "status"
	frameProgress    = "progress"
	frameWidget      = "widget"
	frameNetwork     = "network"
)

// command is a server → host frame.
type command struct {
	ID       string `json:"id,omitempty"`
	Instance string `json:"instance"`
	Op       string `json:"op"`
	Args     any    `json:"args,omitempty"`
}

type createArgs struct {
	ContainerID   string `json:"containerId"`
	AppID         string `json:"appId"`
	AppSecret     string `json:"appSecret"`
	GatewayServer string `json:"gatewayServer"`
	EnableLogger  bool   `json:"enableLogger"`
}

type speakArgs struct {
	Text    string `json:"text"`
	IsStart bool   `json:"isStart"`
	IsEnd   bool   `json:"isEnd"`
}

type volumeArgs struct {
	Volume float64 `json:"volume"`
}

type probeArgs struct {
	ContainerID string `json:"containerId"`
}

// probeResult is the payload of a probe result frame.
type probeResult struct {
	Container bool `json:"container"`
	Surface   bool `json:"surface"`
}

// frame is a host → server frame. Only the fields relevant to Type are set.
type frame struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Instance string          `json:"instance,omitempty"`
	Error    string          `json:"error,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`

	Code     int    `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
	State    string `json:"state,omitempty"`
	Status   int    `json:"status,omitempty"`
	Percent  int    `json:"percent,omitempty"`
	Duration int    `json:"duration,omitempty"`
}
