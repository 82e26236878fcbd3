// Package agent implements the org.bluez.Agent1 object BlueZ calls while
// pairing. Every prompt is turned into a Request and handed to a Handler;
// a handler error is answered with org.bluez.Error.Rejected so that BlueZ
// treats it as "user declined" rather than an internal fault.
//
// Agent methods run on godbus's dispatch goroutine. Handler calls are bounded
// by Options.CallbackTimeout and by Cancel from BlueZ; handlers must honour
// ctx.
package agent

import (
	"context"
	"errors"

	dbus "github.com/godbus/dbus/v5"
	mukagent "github.com/muka/go-bluetooth/bluez/profile/agent"
)

// ErrRejected is the conventional error a Handler returns to decline.
// Any non-nil error declines; this one just reads well in logs.
var ErrRejected = errors.New("agent: request rejected")

// MaxPasskey is the largest six-digit passkey.
const MaxPasskey uint32 = 999999

// DefaultCapability is registered when none is configured.
const DefaultCapability = string(mukagent.CapKeyboardDisplay)

// Capabilities lists the IO capabilities AgentManager1.RegisterAgent accepts.
func Capabilities() []string {
	return []string{
		string(mukagent.CapDisplayOnly),
		string(mukagent.CapDisplayYesNo),
		string(mukagent.CapKeyboardOnly),
		string(mukagent.CapNoInputNoOutput),
		string(mukagent.CapKeyboardDisplay),
	}
}

// ValidCapability reports whether c is one of Capabilities. The empty
// string is accepted; BlueZ then picks KeyboardDisplay.
func ValidCapability(c string) bool {
	if c == "" {
		return true
	}
	for _, k := range Capabilities() {
		if k == c {
			return true
		}
	}
	return false
}

// Kind tags a pairing Request.
type Kind string

const (
	KindPinCode        Kind = "pin"
	KindPasskey        Kind = "passkey"
	KindConfirm        Kind = "confirm"
	KindAuthorize      Kind = "authorize"     // AuthorizeService
	KindAuthorization  Kind = "authorization" // RequestAuthorization
	KindDisplayPinCode Kind = "display_pin"
	KindDisplayPasskey Kind = "display_passkey"
)

// Request is one pairing prompt from BlueZ. Only the payload fields that
// belong to Kind are set.
type Request struct {
	Kind    Kind
	Device  dbus.ObjectPath
	PinCode string // display_pin
	Passkey uint32 // confirm, display_passkey
	Entered uint16 // display_passkey
	UUID    string // authorize
}

// Handler answers pairing prompts, one method per request kind.
type Handler interface {
	// PinCode returns the legacy PIN for req.Device. An empty PIN rejects.
	PinCode(ctx context.Context, req Request) (string, error)

	// Passkey returns a numeric passkey in [0, MaxPasskey].
	Passkey(ctx context.Context, req Request) (uint32, error)

	// Confirm accepts or declines req.Passkey shown on both sides.
	Confirm(ctx context.Context, req Request) error

	// AuthorizeService accepts or declines a connection to service req.UUID.
	AuthorizeService(ctx context.Context, req Request) error

	// Authorize accepts or declines an incoming pairing without a passkey.
	Authorize(ctx context.Context, req Request) error

	// DisplayPinCode and DisplayPasskey are informational.
	DisplayPinCode(ctx context.Context, req Request)
	DisplayPasskey(ctx context.Context, req Request)
}

// Exporter publishes Go objects on a D-Bus connection. *bluez.Conn and
// *dbus.Conn implement it.
type Exporter interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
}
