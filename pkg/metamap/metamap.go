package metamap

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"
	"google.golang.org/protobuf/encoding/protowire"

	"metastate/pkg/dberrors"
	"metastate/pkg/hydra"
)

// Entry is a stored value together with its replicated bookkeeping.
type Entry struct {
	Key      string    `json:"key"`
	Value    []byte    `json:"value"`
	Revision uint64    `json:"revision"`
	Token    uint64    `json:"token"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

type orderedMap = skipmap.FuncMap[string, Entry]

func newOrderedMap() *orderedMap {
	return skipmap.NewFunc[string, Entry](func(a, b string) bool {
		return a < b
	})
}

// Map is an ordered key/value automaton. Mutations come through
// hydra.DecoratedAutomaton; reads may happen from any goroutine.
type Map struct {
	underlying atomic.Pointer[orderedMap]
	logger     *slog.Logger
}

var _ hydra.Automaton = (*Map)(nil)

func New(logger *slog.Logger) *Map {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Map{logger: logger.With("component", "metamap")}
	m.underlying.Store(newOrderedMap())
	return m
}

func (m *Map) Get(key string) (Entry, bool) {
	return m.underlying.Load().Load(key)
}

func (m *Map) Len() int {
	return m.underlying.Load().Len()
}

// List returns entries whose key starts with prefix, in key order.
func (m *Map) List(prefix string, limit int) []Entry {
	var out []Entry
	m.underlying.Load().Range(func(key string, e Entry) bool {
		if !strings.HasPrefix(key, prefix) {
			return key < prefix
		}
		out = append(out, e)
		return limit <= 0 || len(out) < limit
	})
	return out
}

func (m *Map) ApplyMutation(mc *hydra.MutationContext) {
	req := mc.Request()
	var res Result
	switch req.Type {
	case TypeSet:
		res = m.set(mc)
	case TypeRemove:
		res = m.remove(mc)
	default:
		res = Result{Error: fmt.Sprintf("unknown mutation type %q", req.Type)}
	}
	mc.SetResponse(hydra.MutationResponse{Data: encodeResult(res)})
}

func (m *Map) set(mc *hydra.MutationContext) Result {
	key, value, err := decodeKeyValue(mc.Request().Data)
	if err != nil {
		return Result{Error: err.Error()}
	}
	if key == "" {
		return Result{Error: dberrors.ErrInvalidArgument.Error() + ": empty key"}
	}

	entries := m.underlying.Load()
	prev, existed := entries.Load(key)
	e := Entry{
		Key:      key,
		Value:    value,
		Revision: prev.Revision + 1,
		Token:    prev.Token,
		Created:  prev.Created,
		Modified: mc.Timestamp(),
	}
	if !existed {
		e.Token = mc.Rand().Uint64()
		e.Created = mc.Timestamp()
	}
	entries.Store(key, e)
	return Result{Revision: e.Revision, Token: e.Token, Existed: existed}
}

func (m *Map) remove(mc *hydra.MutationContext) Result {
	key, _, err := decodeKeyValue(mc.Request().Data)
	if err != nil {
		return Result{Error: err.Error()}
	}
	prev, existed := m.underlying.Load().LoadAndDelete(key)
	return Result{Revision: prev.Revision, Token: prev.Token, Existed: existed}
}

func (m *Map) Clear() {
	m.underlying.Store(newOrderedMap())
}

// SaveSnapshot writes entries in key order, each as a length-delimited
// protobuf message, so equal states produce equal bytes.
func (m *Map) SaveSnapshot(w io.Writer) error {
	bw := bufio.NewWriter(w)
	var (
		buf []byte
		err error
		n   int
	)
	m.underlying.Load().Range(func(_ string, e Entry) bool {
		buf = protowire.AppendBytes(buf[:0], marshalEntry(e))
		if _, err = bw.Write(buf); err != nil {
			return false
		}
		n++
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to write metamap snapshot: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush metamap snapshot: %w", err)
	}
	m.logger.Debug("metamap snapshot saved", "entries", n)
	return nil
}

func (m *Map) LoadSnapshot(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read metamap snapshot: %w", err)
	}

	entries := newOrderedMap()
	for len(data) > 0 {
		msg, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("%w: metamap snapshot: %w", dberrors.ErrCorruptRecord, protowire.ParseError(n))
		}
		e, err := unmarshalEntry(msg)
		if err != nil {
			return err
		}
		entries.Store(e.Key, e)
		data = data[n:]
	}
	m.underlying.Store(entries)
	m.logger.Info("metamap snapshot loaded", "entries", entries.Len())
	return nil
}

const (
	entryKey      protowire.Number = 1
	entryValue    protowire.Number = 2
	entryRevision protowire.Number = 3
	entryToken    protowire.Number = 4
	entryCreated  protowire.Number = 5
	entryModified protowire.Number = 6
)

func marshalEntry(e Entry) []byte {
	var b []byte
	b = protowire.AppendTag(b, entryKey, protowire.BytesType)
	b = protowire.AppendString(b, e.Key)
	b = protowire.AppendTag(b, entryValue, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Value)
	b = protowire.AppendTag(b, entryRevision, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Revision)
	b = protowire.AppendTag(b, entryToken, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Token)
	b = protowire.AppendTag(b, entryCreated, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Created.UnixMicro()))
	b = protowire.AppendTag(b, entryModified, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Modified.UnixMicro()))
	return b
}

func unmarshalEntry(b []byte) (Entry, error) {
	var e Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("%w: metamap entry: %w", dberrors.ErrCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == entryKey && typ == protowire.BytesType:
			e.Key, n = protowire.ConsumeString(b)
		case num == entryValue && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			e.Value = append([]byte(nil), v...)
		case typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			switch num {
			case entryRevision:
				e.Revision = v
			case entryToken:
				e.Token = v
			case entryCreated:
				e.Created = time.UnixMicro(int64(v))
			case entryModified:
				e.Modified = time.UnixMicro(int64(v))
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return e, fmt.Errorf("%w: metamap entry field %d: %w", dberrors.ErrCorruptRecord, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return e, nil
}
