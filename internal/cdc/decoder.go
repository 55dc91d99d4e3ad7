// Package cdc decodes Postgres logical-replication WAL messages off
// incidents, alert_events, and maintenance_matches into the domain
// events cmd/domainevents fans out onto NATS (spec §6 "Outbound:
// domain events", SPEC_FULL.md DOMAIN STACK entry for pglogrepl).
package cdc

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pglogrepl"
	"go.uber.org/zap"
)

// DomainEvent is the canonical JSON structure published to
// DOMAIN_EVENTS.<aggregate_type>.
type DomainEvent struct {
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Operation     string          `json:"operation"` // "created" or "updated"
	Payload       json.RawMessage `json:"payload"`
}

// Decoder maintains a registry of RelationMessages keyed by relation ID
// so Insert/Update messages can be decoded into structured JSON.
type Decoder struct {
	relations map[uint32]*pglogrepl.RelationMessageV2
	log       *zap.Logger
}

func NewDecoder(log *zap.Logger) *Decoder {
	return &Decoder{relations: make(map[uint32]*pglogrepl.RelationMessageV2), log: log}
}

// RegisterRelation stores a RelationMessage for later column lookups.
func (d *Decoder) RegisterRelation(msg *pglogrepl.RelationMessageV2) {
	d.relations[msg.RelationID] = msg
	d.log.Debug("registered relation", zap.String("table", msg.RelationName), zap.Uint32("relation_id", msg.RelationID))
}

// DecodeInsert converts an InsertMessage into a DomainEvent.
func (d *Decoder) DecodeInsert(msg *pglogrepl.InsertMessageV2) (*DomainEvent, error) {
	return d.decodeTuple(msg.RelationID, msg.Tuple, "created")
}

// DecodeUpdate converts an UpdateMessage's new tuple into a
// DomainEvent — incidents transition through open/resolving/resolved
// via UPDATE, not INSERT, so these carry the lifecycle changes
// downstream consumers actually care about.
func (d *Decoder) DecodeUpdate(msg *pglogrepl.UpdateMessageV2) (*DomainEvent, error) {
	return d.decodeTuple(msg.RelationID, msg.NewTuple, "updated")
}

func (d *Decoder) decodeTuple(relationID uint32, tuple *pglogrepl.TupleData, operation string) (*DomainEvent, error) {
	rel, ok := d.relations[relationID]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID %d", relationID)
	}

	values := make(map[string]string, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case 't':
			values[name] = string(col.Data)
		case 'n':
			values[name] = ""
		default:
			values[name] = string(col.Data)
		}
	}

	payload, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("marshal domain event payload: %w", err)
	}

	event := &DomainEvent{
		AggregateType: aggregateType(rel.RelationName),
		AggregateID:   values["id"],
		Operation:     operation,
		Payload:       payload,
	}

	d.log.Debug("decoded domain event", zap.String("aggregate_type", event.AggregateType),
		zap.String("aggregate_id", event.AggregateID), zap.String("operation", operation))

	return event, nil
}

func aggregateType(relationName string) string {
	switch relationName {
	case "incidents":
		return "incident"
	case "alert_events":
		return "alert_event"
	case "maintenance_matches":
		return "maintenance_match"
	default:
		return relationName
	}
}
