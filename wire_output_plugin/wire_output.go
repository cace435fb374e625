// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wire_output_plugin registers the capture_wire output, which
// publishes benthos messages as framed records to a capture sink.
package wire_output_plugin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/streamcheck/pkg/wire"
)

const (
	defaultAddress      = "localhost:7661"
	defaultDialTimeout  = "5s"
	defaultWriteTimeout = "5s"
)

func init() {
	err := service.RegisterBatchOutput("capture_wire", outputConfig(), newWireOutput)
	if err != nil {
		panic(err)
	}
}

func fieldList(name, section string) *service.ConfigField {
	return service.NewObjectListField(name,
		service.NewStringField("field").
			Description("Top level field of the structured message to read."),
		service.NewStringField("type").
			Description("Wire type of the value: int32, int64, float32, float64, bool or string.").
			Default("string"),
	).
		Description(fmt.Sprintf("Fields copied into the record's %s array, in order.", section)).
		Default([]any{})
}

func outputConfig() *service.ConfigSpec {
	return service.NewConfigSpec().
		Summary("Publishes messages as framed records to a capture sink").
		Description(`
The capture_wire output turns each message into a record and writes it to a
capture sink over TCP. Messages of a batch are written in order on a single
connection.

When none of meta, correlation or payload is configured, the message body must
already be a record in JSON form:

  {"streamId":"Sensor.Stream:1.0.0","metaData":[{"type":"int32","value":7}],...}

Otherwise the listed fields are read from the structured message and coerced to
their wire types.`).
		Field(service.NewStringField("address").
			Description("host:port of the capture sink.").
			Default(defaultAddress)).
		Field(service.NewInterpolatedStringField("stream_id").
			Description("Stream identifier of the record. Overrides the streamId of a JSON record.").
			Example("Sensor.Stream:1.0.0").
			Example(`${! meta("stream_id") }`).
			Optional()).
		Field(fieldList("meta", "meta")).
		Field(fieldList("correlation", "correlation")).
		Field(fieldList("payload", "payload")).
		Field(service.NewDurationField("dial_timeout").
			Description("Timeout for connecting to the sink.").
			Default(defaultDialTimeout)).
		Field(service.NewDurationField("write_timeout").
			Description("Timeout for writing one batch.").
			Default(defaultWriteTimeout))
}

type fieldMapping struct {
	field string
	kind  wire.Kind
}

type wireConfig struct {
	address      string
	streamID     *service.InterpolatedString
	meta         []fieldMapping
	correlation  []fieldMapping
	payload      []fieldMapping
	dialTimeout  time.Duration
	writeTimeout time.Duration
}

func (c wireConfig) mapped() bool {
	return len(c.meta)+len(c.correlation)+len(c.payload) > 0
}

type wireOutput struct {
	config    wireConfig
	publisher *wire.Publisher
	log       *service.Logger
}

func parseMappings(conf *service.ParsedConfig, name string) ([]fieldMapping, error) {
	objs, err := conf.FieldObjectList(name)
	if err != nil {
		return nil, err
	}
	out := make([]fieldMapping, 0, len(objs))
	for i, obj := range objs {
		field, err := obj.FieldString("field")
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		typ, err := obj.FieldString("type")
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		kind, err := wire.ParseKind(typ)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		out = append(out, fieldMapping{field: field, kind: kind})
	}
	return out, nil
}

func parseConfig(conf *service.ParsedConfig) (wireConfig, error) {
	var c wireConfig
	var err error
	if c.address, err = conf.FieldString("address"); err != nil {
		return c, err
	}
	if conf.Contains("stream_id") {
		if c.streamID, err = conf.FieldInterpolatedString("stream_id"); err != nil {
			return c, err
		}
	}
	if c.meta, err = parseMappings(conf, "meta"); err != nil {
		return c, err
	}
	if c.correlation, err = parseMappings(conf, "correlation"); err != nil {
		return c, err
	}
	if c.payload, err = parseMappings(conf, "payload"); err != nil {
		return c, err
	}
	if c.mapped() && c.streamID == nil {
		return c, errors.New("stream_id is required when fields are mapped")
	}
	if c.dialTimeout, err = conf.FieldDuration("dial_timeout"); err != nil {
		return c, err
	}
	if c.writeTimeout, err = conf.FieldDuration("write_timeout"); err != nil {
		return c, err
	}
	return c, nil
}

func newWireOutput(conf *service.ParsedConfig, mgr *service.Resources) (service.BatchOutput, service.BatchPolicy, int, error) {
	// records must reach the sink in the order they were produced
	maxInFlight := 1
	batchPolicy := service.BatchPolicy{}

	config, err := parseConfig(conf)
	if err != nil {
		return nil, batchPolicy, 0, fmt.Errorf("error while parsing capture_wire config: %v", err)
	}
	return newWireOutputWithPublisher(config, nil, mgr.Logger()), batchPolicy, maxInFlight, nil
}

func newWireOutputWithPublisher(config wireConfig, publisher *wire.Publisher, log *service.Logger) *wireOutput {
	if publisher == nil {
		publisher = wire.NewPublisher(config.address, wire.WithWriteTimeout(config.writeTimeout))
	}
	return &wireOutput{config: config, publisher: publisher, log: log}
}

// Connect dials the capture sink.
func (o *wireOutput) Connect(ctx context.Context) error {
	o.log.Infof("Connecting to capture sink at %s", o.config.address)
	dialCtx, cancel := context.WithTimeout(ctx, o.config.dialTimeout)
	defer cancel()
	if err := o.publisher.Connect(dialCtx); err != nil {
		return err
	}
	o.log.Infof("Connected to capture sink at %s", o.config.address)
	return nil
}

// WriteBatch implements service.BatchOutput.
func (o *wireOutput) WriteBatch(ctx context.Context, msgs service.MessageBatch) error {
	recs := make([]wire.Record, 0, len(msgs))
	for i, msg := range msgs {
		rec, err := o.toRecord(msg)
		if err != nil {
			return fmt.Errorf("error converting message %d: %v", i, err)
		}
		recs = append(recs, rec)
	}

	if err := o.publisher.Publish(ctx, recs...); err != nil {
		if errors.Is(err, wire.ErrNotConnected) || !o.publisher.Connected() {
			// a failed write drops the connection, so benthos has to reconnect
			o.log.Warnf("Write to capture sink failed: %v", err)
			return service.ErrNotConnected
		}
		return err
	}
	o.log.Tracef("Published %d records to %s", len(recs), o.config.address)
	return nil
}

// Close closes the sink connection.
func (o *wireOutput) Close(ctx context.Context) error {
	return o.publisher.Close()
}

func (o *wireOutput) toRecord(msg *service.Message) (wire.Record, error) {
	var rec wire.Record
	if o.config.mapped() {
		structured, err := msg.AsStructured()
		if err != nil {
			return rec, fmt.Errorf("message is not structured: %v", err)
		}
		obj, ok := structured.(map[string]any)
		if !ok {
			return rec, fmt.Errorf("expected a JSON object, got %T", structured)
		}
		for _, section := range []struct {
			name string
			maps []fieldMapping
			dst  *[]wire.Value
		}{
			{"meta", o.config.meta, &rec.Meta},
			{"correlation", o.config.correlation, &rec.Correlation},
			{"payload", o.config.payload, &rec.Payload},
		} {
			for _, m := range section.maps {
				raw, ok := obj[m.field]
				if !ok {
					return rec, fmt.Errorf("%s field %q missing", section.name, m.field)
				}
				v, err := wire.Coerce(m.kind, raw)
				if err != nil {
					return rec, fmt.Errorf("%s field %q: %v", section.name, m.field, err)
				}
				*section.dst = append(*section.dst, v)
			}
		}
	} else {
		body, err := msg.AsBytes()
		if err != nil {
			return rec, err
		}
		if err := json.Unmarshal(body, &rec); err != nil {
			return rec, fmt.Errorf("body is not a JSON record: %v", err)
		}
	}

	if o.config.streamID != nil {
		id, err := o.config.streamID.TryString(msg)
		if err != nil {
			return rec, fmt.Errorf("failed to resolve stream_id: %v", err)
		}
		rec.StreamID = id
	}
	if _, err := wire.ParseStreamID(rec.StreamID); err != nil {
		return rec, err
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = messageTimestamp(msg)
	}
	return rec, nil
}

// messageTimestamp prefers the timestamp_ms metadata set by most inputs.
func messageTimestamp(msg *service.Message) int64 {
	if s, ok := msg.MetaGet("timestamp_ms"); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return ms
		}
	}
	return time.Now().UnixMilli()
}
