package cdc

import (
	"encoding/json"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func textColumn(v string) *pglogrepl.TupleDataColumn {
	return &pglogrepl.TupleDataColumn{DataType: 't', Data: []byte(v)}
}

func incidentsRelation() *pglogrepl.RelationMessageV2 {
	return &pglogrepl.RelationMessageV2{
		RelationMessage: pglogrepl.RelationMessage{
			RelationID:   42,
			RelationName: "incidents",
			Columns: []*pglogrepl.RelationMessageColumn{
				{Name: "id"},
				{Name: "status"},
			},
		},
	}
}

func TestDecodeInsert_MapsIncidentsRowToCreatedEvent(t *testing.T) {
	d := NewDecoder(zaptest.NewLogger(t))
	d.RegisterRelation(incidentsRelation())

	event, err := d.DecodeInsert(&pglogrepl.InsertMessageV2{
		InsertMessage: pglogrepl.InsertMessage{
			RelationID: 42,
			Tuple: &pglogrepl.TupleData{
				Columns: []*pglogrepl.TupleDataColumn{textColumn("incident-1"), textColumn("open")},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "incident", event.AggregateType)
	assert.Equal(t, "incident-1", event.AggregateID)
	assert.Equal(t, "created", event.Operation)

	var fields map[string]string
	require.NoError(t, json.Unmarshal(event.Payload, &fields))
	assert.Equal(t, "open", fields["status"])
}

func TestDecodeUpdate_UsesNewTupleAndMarksUpdated(t *testing.T) {
	d := NewDecoder(zaptest.NewLogger(t))
	d.RegisterRelation(incidentsRelation())

	event, err := d.DecodeUpdate(&pglogrepl.UpdateMessageV2{
		UpdateMessage: pglogrepl.UpdateMessage{
			RelationID: 42,
			NewTuple: &pglogrepl.TupleData{
				Columns: []*pglogrepl.TupleDataColumn{textColumn("incident-1"), textColumn("resolved")},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "updated", event.Operation)

	var fields map[string]string
	require.NoError(t, json.Unmarshal(event.Payload, &fields))
	assert.Equal(t, "resolved", fields["status"])
}

func TestDecodeInsert_UnknownRelationErrors(t *testing.T) {
	d := NewDecoder(zaptest.NewLogger(t))

	_, err := d.DecodeInsert(&pglogrepl.InsertMessageV2{
		InsertMessage: pglogrepl.InsertMessage{RelationID: 99, Tuple: &pglogrepl.TupleData{}},
	})
	assert.Error(t, err, "expected error for unregistered relation")
}

func TestAggregateType_MapsKnownTablesAndPassesThroughUnknown(t *testing.T) {
	cases := map[string]string{
		"incidents":           "incident",
		"alert_events":        "alert_event",
		"maintenance_matches": "maintenance_match",
		"something_else":      "something_else",
	}
	for table, want := range cases {
		assert.Equal(t, want, aggregateType(table))
	}
}
