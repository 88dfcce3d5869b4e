// Package ingest turns raw producer payloads into validated outcome events
// and feeds them to the engine from a JSONL file or a Kafka topic.
package ingest

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/policyd/internal/audit"
	"github.com/basket/policyd/internal/engine"
	"github.com/basket/policyd/internal/policy"
	"github.com/basket/policyd/internal/shared"
	"github.com/basket/policyd/internal/telemetry"
)

//go:embed event.schema.json
var eventSchema []byte

// Sink accepts decoded events. *engine.Engine satisfies it.
type Sink interface {
	Submit(ctx context.Context, ev policy.OutcomeEvent, done engine.DoneFunc) error
}

// Decoder validates payloads against the outcome event schema before
// unmarshalling them.
type Decoder struct {
	schema *jsonschema.Schema
}

func NewDecoder() (*Decoder, error) {
	// UnmarshalJSON keeps numbers as json.Number, which the validator needs.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("event.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("event.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

// Decode parses one payload. Every error it returns matches
// policy.ErrInvalidEvent.
func (d *Decoder) Decode(raw []byte) (policy.OutcomeEvent, error) {
	var ev policy.OutcomeEvent
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return ev, &policy.ValidationError{Reason: fmt.Sprintf("malformed json: %s", err)}
	}
	if err := d.schema.Validate(doc); err != nil {
		return ev, &policy.ValidationError{Reason: "schema: " + flatten(err.Error())}
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, &policy.ValidationError{Reason: fmt.Sprintf("decode: %s", err)}
	}
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}

func flatten(msg string) string {
	lines := strings.Split(strings.TrimSpace(msg), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.Join(lines, "; ")
}

// rejectPayload logs and journals a payload that never reached the reducer.
// Whatever identity the payload carries is included for the producer's sake.
func rejectPayload(ctx context.Context, logger *slog.Logger, source string, raw []byte, err error) {
	var partial policy.OutcomeEvent
	_ = json.Unmarshal(raw, &partial)
	telemetry.FromContext(ctx, logger).Warn("payload rejected",
		append(telemetry.EventAttrs(partial), "source", source, "error", err)...)
	audit.Record(audit.Entry{
		Decision:       audit.DecisionReject,
		PolicyID:       partial.PolicyID,
		Kind:           string(partial.Kind),
		IdempotencyKey: partial.IdempotencyKey,
		Reason:         err.Error(),
		TraceID:        shared.TraceID(ctx),
	})
}
