// ABOUTME: Interactive loop forwarding typed lines to the device
// ABOUTME: A monitor goroutine prints device output as it arrives

package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const exitCommand = "exit"

// Device is what the REPL needs from the device link.
type Device interface {
	Send(text string) error
	Monitor(ctx context.Context, fn func(line string)) error
}

type input struct {
	line string
	err  error
}

// Run reads lines from p and sends them to dev until the user exits, ctx is
// done, or the device fails. Device output is written to p as it arrives.
func Run(ctx context.Context, dev Device, p Prompter, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	monitorErr := make(chan error, 1)
	go func() {
		monitorErr <- dev.Monitor(ctx, func(line string) {
			fmt.Fprintln(p, line)
		})
	}()

	// ReadLine cannot be interrupted, so the reader may outlive Run. It asks
	// for the next line only when Run is ready, so a prompt never appears
	// before the previous line has been handled.
	inputs := make(chan input)
	next := make(chan struct{})
	go func() {
		for {
			line, err := p.ReadLine()
			select {
			case inputs <- input{line, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
			select {
			case <-next:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-monitorErr:
			if err != nil {
				return fmt.Errorf("device: %w", err)
			}
			return nil

		case in := <-inputs:
			if in.err != nil {
				if errors.Is(in.err, io.EOF) {
					return nil
				}
				return fmt.Errorf("reading input: %w", in.err)
			}

			text := strings.TrimSpace(in.line)
			if text == exitCommand {
				return nil
			}
			if text != "" {
				logger.Debug("sending line", "text", text)
				if err := dev.Send(text); err != nil {
					return fmt.Errorf("sending to device: %w", err)
				}
			}

			select {
			case next <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
