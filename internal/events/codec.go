package events

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"

	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
)

// EncodingVersion is the current event encoding version. It is stored as
// the first byte of every encoded event and inside the envelope.
const EncodingVersion byte = 1

type envelope struct {
	V       int     `msgpack:"v"`
	Kind    Kind    `msgpack:"kind"`
	Payload payload `msgpack:"payload"`
}

type payload struct {
	Table                 string            `msgpack:"table"`
	UID                   int64             `msgpack:"uid"`
	PID                   int64             `msgpack:"pid"`
	PreviousPID           int64             `msgpack:"previous_pid,omitempty"`
	Fields                map[string]string `msgpack:"fields,omitempty"`
	ForcedChangeTime      int64             `msgpack:"forced_change_time,omitempty"`
	FrontendGroupsRemoved bool              `msgpack:"frontend_groups_removed,omitempty"`
	OccurredAt            int64             `msgpack:"occurred_at,omitempty"`
}

// Encode serializes an event: a version byte followed by the
// snappy-compressed msgpack envelope.
func Encode(e Event) ([]byte, error) {
	if !e.kind.Valid() {
		return nil, sqerrors.NewSerializationError(sqerrors.CodeCorruptPayload,
			fmt.Sprintf("cannot encode event of unknown kind %q", e.kind), nil)
	}

	raw, err := msgpack.Marshal(envelope{
		V:    int(EncodingVersion),
		Kind: e.kind,
		Payload: payload{
			Table:                 e.table,
			UID:                   e.uid,
			PID:                   e.pid,
			PreviousPID:           e.previousPID,
			Fields:                e.fields,
			ForcedChangeTime:      e.forcedChangeTime,
			FrontendGroupsRemoved: e.frontendGroupsRemoved,
			OccurredAt:            e.occurredAt,
		},
	})
	if err != nil {
		return nil, sqerrors.NewSerializationError(sqerrors.CodeCorruptPayload, "failed to encode event", err)
	}

	compressed := snappy.Encode(nil, raw)
	out := make([]byte, 0, len(compressed)+1)
	out = append(out, EncodingVersion)
	return append(out, compressed...), nil
}

// Decode deserializes an event produced by Encode. Unknown versions yield
// SERIALIZATION/UNSUPPORTED_VERSION, anything unreadable
// SERIALIZATION/CORRUPT_PAYLOAD.
func Decode(data []byte) (Event, error) {
	if len(data) < 2 {
		return Event{}, sqerrors.NewSerializationError(sqerrors.CodeCorruptPayload, "event payload too short", nil)
	}
	if data[0] != EncodingVersion {
		return Event{}, sqerrors.NewSerializationError(sqerrors.CodeUnsupportedVersion,
			fmt.Sprintf("unsupported event encoding version %d", data[0]), nil)
	}

	raw, err := snappy.Decode(nil, data[1:])
	if err != nil {
		return Event{}, sqerrors.NewSerializationError(sqerrors.CodeCorruptPayload, "failed to decompress event", err)
	}

	var env envelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return Event{}, sqerrors.NewSerializationError(sqerrors.CodeCorruptPayload, "failed to decode event", err)
	}
	if env.V != int(EncodingVersion) {
		return Event{}, sqerrors.NewSerializationError(sqerrors.CodeUnsupportedVersion,
			fmt.Sprintf("unsupported event envelope version %d", env.V), nil)
	}
	if !env.Kind.Valid() {
		return Event{}, sqerrors.NewSerializationError(sqerrors.CodeCorruptPayload,
			fmt.Sprintf("unknown event kind %q", env.Kind), nil)
	}

	p := env.Payload
	return Event{
		kind:                  env.Kind,
		table:                 p.Table,
		uid:                   p.UID,
		pid:                   p.PID,
		previousPID:           p.PreviousPID,
		fields:                copyFields(p.Fields),
		forcedChangeTime:      p.ForcedChangeTime,
		frontendGroupsRemoved: p.FrontendGroupsRemoved,
		occurredAt:            p.OccurredAt,
	}, nil
}
