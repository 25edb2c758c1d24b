package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ProtocolVersion is the current wire protocol version. Hello/Welcome
// exchange it; a Hello carrying a different version gets an Error reply,
// and the connection is not closed.
const ProtocolVersion uint32 = 1

// Client message kinds.
const (
	KindHello         = "hello"
	KindInput         = "input"
	KindInputTo       = "input_to"
	KindCreateChannel = "create_channel"
	KindKillChannel   = "kill_channel"
	KindSwitchChannel = "switch_channel"
	KindSubscribe     = "subscribe"
	KindUnsubscribe   = "unsubscribe"
	KindListChannels  = "list_channels"
	KindGetStatus     = "get_status"
	KindResize        = "resize"
	KindDetach        = "detach"
	KindShutdown      = "shutdown"
)

// Server message kinds.
const (
	KindWelcome     = "welcome"
	KindOutput      = "output"
	KindEvent       = "event"
	KindChannelList = "channel_list"
	KindStatus      = "status"
	KindError       = "error"
	KindAck         = "ack"
)

// ChannelEvent kinds.
const (
	EventCreated             = "created"
	EventExited              = "exited"
	EventKilled              = "killed"
	EventActiveChanged       = "active_changed"
	EventSubscriptionChanged = "subscription_changed"
)

// ClientMessage is the closed tagged union of client→daemon messages
// (spec §6). Kind selects which of the variant fields is populated;
// ListChannels, Detach and Shutdown carry no payload so Kind alone
// identifies them.
type ClientMessage struct {
	Kind string `msgpack:"kind"`

	Hello         *Hello         `msgpack:"hello,omitempty"`
	Input         *Input         `msgpack:"input,omitempty"`
	InputTo       *InputTo       `msgpack:"input_to,omitempty"`
	CreateChannel *CreateChannel `msgpack:"create_channel,omitempty"`
	KillChannel   *KillChannel   `msgpack:"kill_channel,omitempty"`
	SwitchChannel *SwitchChannel `msgpack:"switch_channel,omitempty"`
	Subscribe     *Subscribe     `msgpack:"subscribe,omitempty"`
	Unsubscribe   *Unsubscribe   `msgpack:"unsubscribe,omitempty"`
	GetStatus     *GetStatus     `msgpack:"get_status,omitempty"`
	Resize        *Resize        `msgpack:"resize,omitempty"`
}

type Hello struct {
	ProtocolVersion uint32 `msgpack:"protocol_version"`
}

type Input struct {
	Data []byte `msgpack:"data"`
}

type InputTo struct {
	Channel string `msgpack:"channel"`
	Data    []byte `msgpack:"data"`
}

type CreateChannel struct {
	Name       string  `msgpack:"name"`
	Command    *string `msgpack:"command,omitempty"`
	WorkingDir *string `msgpack:"working_dir,omitempty"`
}

type KillChannel struct {
	Name string `msgpack:"name"`
}

type SwitchChannel struct {
	Name string `msgpack:"name"`
}

type Subscribe struct {
	Channels []string `msgpack:"channels"`
}

type Unsubscribe struct {
	Channels []string `msgpack:"channels"`
}

type GetStatus struct {
	Channel *string `msgpack:"channel,omitempty"`
}

type Resize struct {
	Cols uint16 `msgpack:"cols"`
	Rows uint16 `msgpack:"rows"`
}

// EncodeClient serializes a client→daemon message to its wire payload.
func EncodeClient(msg ClientMessage) ([]byte, error) {
	return msgpack.Marshal(msg)
}

// DecodeClient parses a client→daemon payload.
func DecodeClient(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	return msg, nil
}

// ServerMessage is the closed tagged union of daemon→client messages.
type ServerMessage struct {
	Kind string `msgpack:"kind"`

	Welcome     *Welcome     `msgpack:"welcome,omitempty"`
	Output      *Output      `msgpack:"output,omitempty"`
	Event       *ChannelEvent `msgpack:"event,omitempty"`
	ChannelList *ChannelList `msgpack:"channel_list,omitempty"`
	Status      *Status      `msgpack:"status,omitempty"`
	Error       *Error       `msgpack:"error,omitempty"`
	Ack         *Ack         `msgpack:"ack,omitempty"`
}

type Welcome struct {
	SessionID       string `msgpack:"session_id"`
	ProtocolVersion uint32 `msgpack:"protocol_version"`
}

type Output struct {
	Channel   string `msgpack:"channel"`
	Data      []byte `msgpack:"data"`
	Timestamp int64  `msgpack:"timestamp"`
}

type ChannelList struct {
	Channels []ChannelInfo `msgpack:"channels"`
}

type ChannelInfo struct {
	Name         string `msgpack:"name"`
	Running      bool   `msgpack:"running"`
	IsActive     bool   `msgpack:"is_active"`
	IsSubscribed bool   `msgpack:"is_subscribed"`
}

type Status struct {
	Channels []ChannelStatus `msgpack:"channels"`
}

type ChannelStatus struct {
	Name        string  `msgpack:"name"`
	PID         *int    `msgpack:"pid,omitempty"`
	Running     bool    `msgpack:"running"`
	ExitCode    *int    `msgpack:"exit_code,omitempty"`
	WorkingDir  string  `msgpack:"working_dir"`
	Command     string  `msgpack:"command"`
	CreatedAt   int64   `msgpack:"created_at"`
	OutputLines int64   `msgpack:"output_lines"`
}

type Error struct {
	Message string `msgpack:"message"`
}

type Ack struct {
	ForCommand string `msgpack:"for_command"`
}

// ChannelEvent is the closed tagged union of channel lifecycle events.
type ChannelEvent struct {
	Kind string `msgpack:"kind"`

	Created             *EventCreatedMsg             `msgpack:"created,omitempty"`
	Exited              *EventExitedMsg              `msgpack:"exited,omitempty"`
	Killed              *EventKilledMsg              `msgpack:"killed,omitempty"`
	ActiveChanged       *EventActiveChangedMsg       `msgpack:"active_changed,omitempty"`
	SubscriptionChanged *EventSubscriptionChangedMsg `msgpack:"subscription_changed,omitempty"`
}

type EventCreatedMsg struct {
	Name string `msgpack:"name"`
}

type EventExitedMsg struct {
	Name     string `msgpack:"name"`
	ExitCode *int   `msgpack:"exit_code,omitempty"`
}

type EventKilledMsg struct {
	Name string `msgpack:"name"`
}

type EventActiveChangedMsg struct {
	Name string `msgpack:"name"`
}

type EventSubscriptionChangedMsg struct {
	Subscribed []string `msgpack:"subscribed"`
}

// EncodeServer serializes a daemon→client message to its wire payload.
func EncodeServer(msg ServerMessage) ([]byte, error) {
	return msgpack.Marshal(msg)
}

// DecodeServer parses a daemon→client payload. Exposed mainly for tests
// that assert on what the daemon sent.
func DecodeServer(payload []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("decode server message: %w", err)
	}
	return msg, nil
}

// Convenience constructors used throughout internal/session.

func NewAck(forCommand string) ServerMessage {
	return ServerMessage{Kind: KindAck, Ack: &Ack{ForCommand: forCommand}}
}

func NewError(message string) ServerMessage {
	return ServerMessage{Kind: KindError, Error: &Error{Message: message}}
}

func NewWelcome(sessionID string, protocolVersion uint32) ServerMessage {
	return ServerMessage{Kind: KindWelcome, Welcome: &Welcome{SessionID: sessionID, ProtocolVersion: protocolVersion}}
}

func NewOutput(channel string, data []byte, timestamp int64) ServerMessage {
	return ServerMessage{Kind: KindOutput, Output: &Output{Channel: channel, Data: data, Timestamp: timestamp}}
}

func NewEvent(event ChannelEvent) ServerMessage {
	return ServerMessage{Kind: KindEvent, Event: &event}
}

func EventCreatedEvent(name string) ChannelEvent {
	return ChannelEvent{Kind: EventCreated, Created: &EventCreatedMsg{Name: name}}
}

func EventExitedEvent(name string, exitCode *int) ChannelEvent {
	return ChannelEvent{Kind: EventExited, Exited: &EventExitedMsg{Name: name, ExitCode: exitCode}}
}

func EventKilledEvent(name string) ChannelEvent {
	return ChannelEvent{Kind: EventKilled, Killed: &EventKilledMsg{Name: name}}
}

func EventActiveChangedEvent(name string) ChannelEvent {
	return ChannelEvent{Kind: EventActiveChanged, ActiveChanged: &EventActiveChangedMsg{Name: name}}
}

func EventSubscriptionChangedEvent(subscribed []string) ChannelEvent {
	return ChannelEvent{Kind: EventSubscriptionChanged, SubscriptionChanged: &EventSubscriptionChangedMsg{Subscribed: subscribed}}
}
