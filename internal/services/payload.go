package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/registry"
	"github.com/digital-egiz/telemetry-core/internal/utils"
)

// telemetryMessage is the single-device message shared by HTTP, MQTT and Kafka
type telemetryMessage struct {
	DeviceID  uint                   `json:"device_id"`
	GatewayID uint                   `json:"gateway_id"`
	EdgeKey   string                 `json:"edge_key"`
	Token     string                 `json:"token"`
	Timestamp string                 `json:"timestamp"`
	Source    string                 `json:"source"`
	Values    map[string]interface{} `json:"values"`
}

type batchMessage struct {
	GatewayID uint          `json:"gateway_id"`
	Records   []batchRecord `json:"records"`
}

type batchRecord struct {
	DeviceID    uint        `json:"device_id"`
	EdgeKey     string      `json:"edge_key"`
	DatapointID *uint       `json:"datapoint_id"`
	Datapoint   string      `json:"datapoint"`
	Timestamp   string      `json:"timestamp"`
	Value       interface{} `json:"value"`
	StringValue *string     `json:"string_value"`
	Quality     string      `json:"quality"`
}

// PayloadDecoder validates and decodes inbound telemetry documents
type PayloadDecoder struct {
	validator *utils.JSONSchemaValidator
}

// NewPayloadDecoder creates a decoder with the telemetry schemas loaded
func NewPayloadDecoder() (*PayloadDecoder, error) {
	v, err := utils.NewTelemetrySchemaValidator()
	if err != nil {
		return nil, err
	}
	return &PayloadDecoder{validator: v}, nil
}

// DecodeMessage turns a message into an ingest request. Identity fields in the payload win
// over fallback, which transports fill from their topic or key.
func (d *PayloadDecoder) DecodeMessage(payload []byte, fallback registry.Identity, source string) (IngestRequest, error) {
	if err := d.validator.ValidateBytes(utils.SchemaTelemetryMessage, payload); err != nil {
		return IngestRequest{}, err
	}

	var msg telemetryMessage
	if err := decodeNumbers(payload, &msg); err != nil {
		return IngestRequest{}, err
	}

	ts, err := utils.ParseTimestamp(msg.Timestamp, time.Time{})
	if err != nil {
		return IngestRequest{}, err
	}

	id := registry.Identity{
		DeviceID:  msg.DeviceID,
		GatewayID: msg.GatewayID,
		EdgeKey:   msg.EdgeKey,
		Token:     msg.Token,
	}
	if id.Empty() {
		id = fallback
	}
	if msg.Source != "" {
		source = msg.Source
	}

	return IngestRequest{
		Identity:  id,
		Values:    msg.Values,
		Timestamp: ts,
		Source:    source,
	}, nil
}

// DecodeBatch turns a batch document into records. A batch-level gateway id applies to
// records that name their device by edge key.
func (d *PayloadDecoder) DecodeBatch(payload []byte) ([]BatchRecord, error) {
	if err := d.validator.ValidateBytes(utils.SchemaTelemetryBatch, payload); err != nil {
		return nil, err
	}

	var msg batchMessage
	if err := decodeNumbers(payload, &msg); err != nil {
		return nil, err
	}

	records := make([]BatchRecord, 0, len(msg.Records))
	for i, r := range msg.Records {
		ts, err := utils.ParseTimestamp(r.Timestamp, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		rec := BatchRecord{
			DeviceID:    r.DeviceID,
			EdgeKey:     r.EdgeKey,
			DatapointID: r.DatapointID,
			Datapoint:   r.Datapoint,
			Timestamp:   ts,
			Value:       r.Value,
			Quality:     models.Quality(r.Quality),
		}
		if r.StringValue != nil {
			rec.Value = *r.StringValue
		}
		if r.EdgeKey != "" {
			rec.GatewayID = msg.GatewayID
		}
		records = append(records, rec)
	}
	return records, nil
}

// decodeNumbers keeps numbers as json.Number so integers survive untouched
func decodeNumbers(payload []byte, target interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrBadRequest, err)
	}
	return nil
}
