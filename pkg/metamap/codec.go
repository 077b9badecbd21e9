package metamap

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"metastate/pkg/dberrors"
)

const (
	TypeSet    = "metamap.set"
	TypeRemove = "metamap.remove"
)

const (
	fieldKey   protowire.Number = 1
	fieldValue protowire.Number = 2

	fieldRevision protowire.Number = 1
	fieldToken    protowire.Number = 2
	fieldExisted  protowire.Number = 3
	fieldError    protowire.Number = 4
)

// Result is the response of a metamap mutation.
type Result struct {
	Revision uint64 `json:"revision,omitempty"`
	Token    uint64 `json:"token,omitempty"`
	Existed  bool   `json:"existed"`
	Error    string `json:"error,omitempty"`
}

func EncodeSet(key string, value []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendString(b, key)
	b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
	return protowire.AppendBytes(b, value)
}

func EncodeRemove(key string) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	return protowire.AppendString(b, key)
}

func decodeKeyValue(b []byte) (key string, value []byte, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, fmt.Errorf("%w: %w", dberrors.ErrCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldKey && typ == protowire.BytesType:
			key, n = protowire.ConsumeString(b)
		case num == fieldValue && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			value = append([]byte(nil), v...)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return "", nil, fmt.Errorf("%w: field %d: %w", dberrors.ErrCorruptRecord, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return key, value, nil
}

func encodeResult(r Result) []byte {
	var b []byte
	if r.Revision != 0 {
		b = protowire.AppendTag(b, fieldRevision, protowire.VarintType)
		b = protowire.AppendVarint(b, r.Revision)
	}
	if r.Token != 0 {
		b = protowire.AppendTag(b, fieldToken, protowire.VarintType)
		b = protowire.AppendVarint(b, r.Token)
	}
	if r.Existed {
		b = protowire.AppendTag(b, fieldExisted, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if r.Error != "" {
		b = protowire.AppendTag(b, fieldError, protowire.BytesType)
		b = protowire.AppendString(b, r.Error)
	}
	return b
}

func DecodeResult(b []byte) (Result, error) {
	var r Result
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, fmt.Errorf("%w: %w", dberrors.ErrCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldError && typ == protowire.BytesType:
			r.Error, n = protowire.ConsumeString(b)
		case typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			switch num {
			case fieldRevision:
				r.Revision = v
			case fieldToken:
				r.Token = v
			case fieldExisted:
				r.Existed = protowire.DecodeBool(v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return r, fmt.Errorf("%w: field %d: %w", dberrors.ErrCorruptRecord, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return r, nil
}
