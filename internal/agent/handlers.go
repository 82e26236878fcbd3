package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// AutoHandler answers every prompt without user interaction: a fixed PIN
// and passkey, and every confirmation and authorization accepted.
type AutoHandler struct {
	Pin     string
	Key     uint32
	Display func(req Request) // optional observer for Display* requests
}

func (h *AutoHandler) PinCode(context.Context, Request) (string, error) { return h.Pin, nil }
func (h *AutoHandler) Passkey(context.Context, Request) (uint32, error) { return h.Key, nil }
func (h *AutoHandler) Confirm(context.Context, Request) error           { return nil }
func (h *AutoHandler) AuthorizeService(context.Context, Request) error  { return nil }
func (h *AutoHandler) Authorize(context.Context, Request) error         { return nil }

func (h *AutoHandler) DisplayPinCode(_ context.Context, req Request) {
	if h.Display != nil {
		h.Display(req)
	}
}

func (h *AutoHandler) DisplayPasskey(_ context.Context, req Request) {
	if h.Display != nil {
		h.Display(req)
	}
}

// Callback is a single function answering every kind of request. An empty
// answer means "no value" and declines.
type Callback func(ctx context.Context, req Request) (string, error)

// CallbackHandler adapts a Callback to Handler. Passkeys are parsed from the
// answer as decimal; for yes/no prompts "n", "no", "false", "0" and
// "reject" decline as well.
type CallbackHandler struct {
	Fn Callback
}

func (h CallbackHandler) PinCode(ctx context.Context, req Request) (string, error) {
	s, err := h.Fn(ctx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

func (h CallbackHandler) Passkey(ctx context.Context, req Request) (uint32, error) {
	s, err := h.Fn(ctx, req)
	if err != nil {
		return 0, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrRejected
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse passkey %q: %w", s, err)
	}
	return uint32(n), nil
}

func (h CallbackHandler) Confirm(ctx context.Context, req Request) error { return h.yesNo(ctx, req) }
func (h CallbackHandler) AuthorizeService(ctx context.Context, req Request) error {
	return h.yesNo(ctx, req)
}
func (h CallbackHandler) Authorize(ctx context.Context, req Request) error { return h.yesNo(ctx, req) }

func (h CallbackHandler) DisplayPinCode(ctx context.Context, req Request) { _, _ = h.Fn(ctx, req) }
func (h CallbackHandler) DisplayPasskey(ctx context.Context, req Request) { _, _ = h.Fn(ctx, req) }

func (h CallbackHandler) yesNo(ctx context.Context, req Request) error {
	s, err := h.Fn(ctx, req)
	if err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "n", "no", "false", "0", "reject":
		return ErrRejected
	}
	return nil
}

// PromptHandler asks on Out and reads one answer line per prompt from In.
// It is meant for interactive runs of the harness.
type PromptHandler struct {
	In  io.Reader
	Out io.Writer

	once  sync.Once
	lines chan string
}

// Handler returns the Handler view of p.
func (p *PromptHandler) Handler() Handler {
	return CallbackHandler{Fn: p.ask}
}

func (p *PromptHandler) ask(ctx context.Context, req Request) (string, error) {
	p.once.Do(p.startReader)

	switch req.Kind {
	case KindDisplayPinCode:
		fmt.Fprintf(p.Out, "[%s] PIN code: %s\n", req.Device, req.PinCode)
		return "", nil
	case KindDisplayPasskey:
		fmt.Fprintf(p.Out, "[%s] passkey: %06d (entered %d)\n", req.Device, req.Passkey, req.Entered)
		return "", nil
	case KindPinCode:
		fmt.Fprintf(p.Out, "[%s] enter PIN code: ", req.Device)
	case KindPasskey:
		fmt.Fprintf(p.Out, "[%s] enter passkey (0-999999): ", req.Device)
	case KindConfirm:
		fmt.Fprintf(p.Out, "[%s] confirm passkey %06d (yes/no): ", req.Device, req.Passkey)
	case KindAuthorize:
		fmt.Fprintf(p.Out, "[%s] authorize service %s (yes/no): ", req.Device, req.UUID)
	case KindAuthorization:
		fmt.Fprintf(p.Out, "[%s] authorize pairing (yes/no): ", req.Device)
	}

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.Out)
		return "", ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	}
}

// startReader feeds lines from In. Only this goroutine reads In.
func (p *PromptHandler) startReader() {
	p.lines = make(chan string)
	go func() {
		defer close(p.lines)
		sc := bufio.NewScanner(p.In)
		for sc.Scan() {
			p.lines <- sc.Text()
		}
	}()
}
