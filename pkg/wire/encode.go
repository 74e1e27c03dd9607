package wire

import (
	"fmt"

	"github.com/pitlane/amb-ingest/pkg/model"
)

// EncodeInput is what Encode needs to build one record: the type-of-record
// name and the fields to emit, keyed by field name. Each field's Width
// determines how many little-endian bytes are written; Raw (if set) is
// used verbatim, otherwise Value is encoded as Width little-endian bytes.
type EncodeInput struct {
	TOR     string
	Version uint8
	Flags   uint16
	Fields  map[string]model.Field
}

// Encode assembles a wire-identical frame for a synthetic record: header
// with CRC placeholder, TLV body, EOR, then CRC patch and escape-stuffing.
// Encode and Decode are exact inverses for the field set defined in
// spec.md §6 (spec.md §8's frame round-trip property).
func Encode(in EncodeInput) ([]byte, error) {
	tor, ok := torByName(in.TOR)
	if !ok {
		return nil, fmt.Errorf("wire.Encode: unknown TOR %q", in.TOR)
	}

	body := make([]byte, 0, 32)
	for _, id := range fieldIDsForRecord(tor) {
		spec := fieldsForTOR(tor)[id]
		f, ok := in.Fields[spec.name]
		if !ok {
			continue
		}
		raw := f.Raw
		if raw == nil {
			w := f.Width
			if w == 0 {
				w = 4
			}
			raw = make([]byte, w)
			v := f.Value
			for i := 0; i < w; i++ {
				raw[i] = byte(v)
				v >>= 8
			}
		}
		body = append(body, id, byte(len(raw)))
		body = append(body, raw...)
	}
	body = append(body, bodyTerminator)

	// Length counts the entire framed record including SOR and EOR.
	recordLen := headerLen + len(body) + 1
	frame := make([]byte, 0, recordLen)
	frame = append(frame, SOR, in.Version)
	lenBytes := make([]byte, 2)
	putLE16(lenBytes, uint16(recordLen))
	frame = append(frame, lenBytes...)
	frame = append(frame, 0x00, 0x00) // CRC placeholder
	flagBytes := make([]byte, 2)
	putLE16(flagBytes, in.Flags)
	frame = append(frame, flagBytes...)
	torBytes := make([]byte, 2)
	putLE16(torBytes, tor)
	frame = append(frame, torBytes...)
	frame = append(frame, body...)
	frame = append(frame, EOR)

	patchCRC(frame)
	return Escape(frame), nil
}

func torByName(name string) (uint16, bool) {
	for id, n := range torNames {
		if n == name {
			return id, true
		}
	}
	return 0, false
}
