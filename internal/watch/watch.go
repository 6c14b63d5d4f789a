// Package watch renders dispatch events for the CLI.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/conduit/internal/printer"
	"github.com/dyluth/conduit/pkg/codec"
	consumer "github.com/dyluth/conduit/pkg/gateway"
)

// OutputFormat selects how events are written.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSON    OutputFormat = "json"
)

// maxPreview truncates payloads in the default format.
const maxPreview = 160

// ParseFormat validates a --output value.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSON:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format: %s", s)
}

// record is the JSON line written per event.
type record struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	ID        string `json:"id"`
	Data      any    `json:"data"`
}

// Write renders one dispatch.
func Write(w io.Writer, d consumer.Dispatch, format OutputFormat, now time.Time) error {
	data, err := json.Marshal(codec.ToNative(d.Data))
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", d.Type, err)
	}

	if format == OutputFormatJSON {
		line, err := json.Marshal(record{
			Timestamp: now.UTC().Format(time.RFC3339),
			Type:      d.Type,
			ID:        d.ID,
			Data:      json.RawMessage(data),
		})
		if err != nil {
			return fmt.Errorf("failed to render %s: %w", d.Type, err)
		}
		_, err = fmt.Fprintf(w, "%s\n", line)
		return err
	}

	preview := string(data)
	if len(preview) > maxPreview {
		preview = preview[:maxPreview] + "…"
	}
	printer.Faint(w, "[%s] ", now.Format("15:04:05"))
	printer.Highlight(w, "%-24s", d.Type)
	_, err = fmt.Fprintf(w, " %s\n", preview)
	return err
}

// Stream writes every dispatch from sub accepted by match (nil accepts all)
// until ctx is cancelled or the subscription ends.
func Stream(ctx context.Context, sub *consumer.Subscription, match func(consumer.Dispatch) bool, format OutputFormat, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if match != nil && !match(d) {
				continue
			}
			if err := Write(w, d, format, time.Now()); err != nil {
				return err
			}
		}
	}
}

// WaitFor returns the first dispatch accepted by match, or an error if none
// arrives within timeout.
func WaitFor(ctx context.Context, sub *consumer.Subscription, match func(consumer.Dispatch) bool, timeout time.Duration) (consumer.Dispatch, error) {
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return consumer.Dispatch{}, ctx.Err()

		case <-timeoutCh:
			return consumer.Dispatch{}, fmt.Errorf("timeout waiting for event after %v", timeout)

		case d, ok := <-sub.Events():
			if !ok {
				return consumer.Dispatch{}, fmt.Errorf("subscription closed")
			}
			if match == nil || match(d) {
				return d, nil
			}
		}
	}
}
