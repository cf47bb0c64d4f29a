package swap

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/teris-io/shortid"
	"github.com/tidwall/buntdb"
	"github.com/tinylib/msgp/msgp"
)

// TraceKind is one of the three diagnostic events spec.md §7 names.
type TraceKind string

const (
	TraceSetAddr TraceKind = "SET_ADDR"
	TraceGetAddr TraceKind = "GET_ADDR"
	TraceDelAddr TraceKind = "DEL_ADDR"
)

// TraceEvent is a single diagnostic record, handed to the history module
// for offline analysis per spec.md §7. It is msgp-encoded by hand below
// (no codegen) before being stored in the buntdb-backed Sink.
type TraceEvent struct {
	ID     string
	Kind   TraceKind
	Handle Handle
	Device int
	Size   int64
	AtNano int64
}

// MarshalMsg appends e's msgpack encoding to b.
func (e *TraceEvent) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 6)
	o = msgp.AppendString(o, "id")
	o = msgp.AppendString(o, e.ID)
	o = msgp.AppendString(o, "kind")
	o = msgp.AppendString(o, string(e.Kind))
	o = msgp.AppendString(o, "handle")
	o = msgp.AppendUint64(o, uint64(e.Handle))
	o = msgp.AppendString(o, "device")
	o = msgp.AppendInt(o, e.Device)
	o = msgp.AppendString(o, "size")
	o = msgp.AppendInt64(o, e.Size)
	o = msgp.AppendString(o, "at_nano")
	o = msgp.AppendInt64(o, e.AtNano)
	return o, nil
}

// UnmarshalMsg decodes bts into e, returning unread trailing bytes.
func (e *TraceEvent) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, errors.WithStack(err)
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return bts, errors.WithStack(err)
		}
		switch key {
		case "id":
			e.ID, bts, err = msgp.ReadStringBytes(bts)
		case "kind":
			var k string
			k, bts, err = msgp.ReadStringBytes(bts)
			e.Kind = TraceKind(k)
		case "handle":
			var h uint64
			h, bts, err = msgp.ReadUint64Bytes(bts)
			e.Handle = Handle(h)
		case "device":
			e.Device, bts, err = msgp.ReadIntBytes(bts)
		case "size":
			e.Size, bts, err = msgp.ReadInt64Bytes(bts)
		case "at_nano":
			e.AtNano, bts, err = msgp.ReadInt64Bytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return bts, errors.WithStack(err)
		}
	}
	return bts, nil
}

// Sink persists trace events into an embedded buntdb store, keyed by
// emission time, so they can be replayed in order after a run (ForEach)
// rather than discarded as an in-memory slice once the process exits. No
// secondary index by handle or device is created.
type Sink struct {
	db *buntdb.DB
}

// NewSink opens (or creates) a buntdb file at path. Pass ":memory:" for an
// ephemeral in-process sink.
func NewSink(path string) (*Sink, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open trace sink %q", path)
	}
	return &Sink{db: db}, nil
}

func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Emit stamps ev with a correlation id and persists it keyed by
// (timestamp, id) so a range scan returns events in emission order.
func (s *Sink) Emit(ev TraceEvent) error {
	if s == nil {
		return nil
	}
	id, err := shortid.Generate()
	if err != nil {
		return errors.Wrap(err, "generate trace correlation id")
	}
	ev.ID = id
	data, err := ev.MarshalMsg(nil)
	if err != nil {
		return errors.Wrap(err, "encode trace event")
	}
	key := fmt.Sprintf("trace:%020d:%s", ev.AtNano, id)
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(data), nil)
		return err
	})
}

// ForEach replays every stored event in emission order, decoding each one.
func (s *Sink) ForEach(fn func(TraceEvent) error) error {
	if s == nil {
		return nil
	}
	return s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("trace:*", func(key, value string) bool {
			var ev TraceEvent
			if _, err := ev.UnmarshalMsg([]byte(value)); err != nil {
				return false
			}
			if err := fn(ev); err != nil {
				return false
			}
			return true
		})
	})
}
