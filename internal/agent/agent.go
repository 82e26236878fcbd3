package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"bt-harness/internal/bluez"
)

// DefaultCallbackTimeout stays below BlueZ's own agent reply timeout.
const DefaultCallbackTimeout = 25 * time.Second

var errNoValue = errors.New("handler returned no value")

// Options configures an Agent.
type Options struct {
	CallbackTimeout time.Duration
	Logger          zerolog.Logger
}

// Agent is the object exported as org.bluez.Agent1.
type Agent struct {
	h       Handler
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]context.CancelFunc

	canceled atomic.Int64
	released atomic.Bool
}

// New creates an Agent that forwards prompts to h.
func New(h Handler, opts Options) *Agent {
	if opts.CallbackTimeout <= 0 {
		opts.CallbackTimeout = DefaultCallbackTimeout
	}
	return &Agent{
		h:       h,
		timeout: opts.CallbackTimeout,
		log:     opts.Logger.With().Str("component", "agent").Logger(),
		pending: make(map[uint64]context.CancelFunc),
	}
}

// Export publishes a on e at path under org.bluez.Agent1.
func Export(e Exporter, path dbus.ObjectPath, a *Agent) error {
	if err := e.Export(a, path, bluez.AgentIface); err != nil {
		return fmt.Errorf("agent: export %s: %w", path, err)
	}
	return nil
}

// Unexport removes the object at path.
func Unexport(e Exporter, path dbus.ObjectPath) error {
	if err := e.Export(nil, path, bluez.AgentIface); err != nil {
		return fmt.Errorf("agent: unexport %s: %w", path, err)
	}
	return nil
}

// Canceled returns how many times BlueZ called Cancel.
func (a *Agent) Canceled() int64 { return a.canceled.Load() }

// Released reports whether BlueZ unregistered the agent.
func (a *Agent) Released() bool { return a.released.Load() }

// Release is called when BlueZ unregisters the agent.
func (a *Agent) Release() *dbus.Error {
	a.released.Store(true)
	a.log.Info().Msg("agent released by bluetoothd")
	return nil
}

// RequestPinCode returns the handler's PIN; an empty PIN is rejected.
func (a *Agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	req := Request{Kind: KindPinCode, Device: device}
	var pin string
	derr := a.dispatch(req, func(ctx context.Context) error {
		var err error
		pin, err = a.h.PinCode(ctx, req)
		if err == nil && pin == "" {
			err = errNoValue
		}
		return err
	})
	if derr != nil {
		return "", derr
	}
	return pin, nil
}

// RequestPasskey returns the handler's passkey.
func (a *Agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	req := Request{Kind: KindPasskey, Device: device}
	var passkey uint32
	derr := a.dispatch(req, func(ctx context.Context) error {
		var err error
		passkey, err = a.h.Passkey(ctx, req)
		if err == nil && passkey > MaxPasskey {
			err = fmt.Errorf("passkey %d exceeds six digits", passkey)
		}
		return err
	})
	if derr != nil {
		return 0, derr
	}
	return passkey, nil
}

// RequestConfirmation asks the handler to confirm passkey.
func (a *Agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	req := Request{Kind: KindConfirm, Device: device, Passkey: passkey}
	return a.dispatch(req, func(ctx context.Context) error {
		return a.h.Confirm(ctx, req)
	})
}

// RequestAuthorization asks the handler to accept an incoming pairing.
func (a *Agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	req := Request{Kind: KindAuthorization, Device: device}
	return a.dispatch(req, func(ctx context.Context) error {
		return a.h.Authorize(ctx, req)
	})
}

// AuthorizeService asks the handler to accept a connection to uuid.
func (a *Agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	req := Request{Kind: KindAuthorize, Device: device, UUID: uuid}
	return a.dispatch(req, func(ctx context.Context) error {
		return a.h.AuthorizeService(ctx, req)
	})
}

// DisplayPinCode forwards pincode to the handler. It never fails.
func (a *Agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	req := Request{Kind: KindDisplayPinCode, Device: device, PinCode: pincode}
	if derr := a.dispatch(req, func(ctx context.Context) error {
		a.h.DisplayPinCode(ctx, req)
		return nil
	}); derr != nil {
		a.log.Debug().Str("device", string(device)).Msg("display pin code interrupted")
	}
	return nil
}

// DisplayPasskey forwards passkey and the number of digits entered so far.
// It never fails.
func (a *Agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	req := Request{Kind: KindDisplayPasskey, Device: device, Passkey: passkey, Entered: entered}
	if derr := a.dispatch(req, func(ctx context.Context) error {
		a.h.DisplayPasskey(ctx, req)
		return nil
	}); derr != nil {
		a.log.Debug().Str("device", string(device)).Msg("display passkey interrupted")
	}
	return nil
}

// Cancel records that the remote side aborted and cancels in-flight
// handler calls.
func (a *Agent) Cancel() *dbus.Error {
	a.canceled.Add(1)
	a.mu.Lock()
	n := len(a.pending)
	for _, cancel := range a.pending {
		cancel()
	}
	a.mu.Unlock()
	a.log.Info().Int("pending", n).Msg("pairing canceled by remote")
	return nil
}

// dispatch runs fn under the callback bound and maps its outcome to a BlueZ
// reply: nil, Rejected for a handler error, Canceled when the bound expired
// or Cancel arrived first.
func (a *Agent) dispatch(req Request, fn func(ctx context.Context) error) *dbus.Error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	id := a.track(cancel)
	defer a.untrack(id)
	defer cancel()

	l := a.log.With().Str("kind", string(req.Kind)).Str("device", string(req.Device)).Logger()
	l.Debug().Msg("agent request")

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	switch {
	case err == nil:
		l.Info().Msg("agent request accepted")
		return nil
	case ctx.Err() != nil:
		l.Warn().Err(ctx.Err()).Msg("agent request canceled")
		return &dbus.Error{Name: bluez.ErrorCanceled, Body: []interface{}{ctx.Err().Error()}}
	default:
		l.Info().Err(err).Msg("agent request rejected")
		return &dbus.Error{Name: bluez.ErrorRejected, Body: []interface{}{err.Error()}}
	}
}

func (a *Agent) track(cancel context.CancelFunc) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	a.pending[a.seq] = cancel
	return a.seq
}

func (a *Agent) untrack(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, id)
}
