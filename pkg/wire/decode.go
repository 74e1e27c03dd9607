package wire

import (
	"encoding/hex"
	"fmt"

	"github.com/pitlane/amb-ingest/pkg/errs"
	"github.com/pitlane/amb-ingest/pkg/model"
)

// Options controls decode behavior that varies by decoder firmware.
type Options struct {
	// CheckCRC enables CRC verification (spec.md §4.2.4). Some decoder
	// firmwares emit an all-zero CRC and rely on the transport instead;
	// disabling this is a legitimate operating mode, not a debug escape
	// hatch (original_source/amb_client.py defaults it off).
	CheckCRC bool
}

// Decode parses one raw, still-escaped frame (as produced by Split) into a
// Record. It unescapes, optionally verifies the CRC, parses the header, and
// decodes the TLV body. A malformed frame (bad CRC, truncated TLV, a frame
// too short to hold a header and EOR) yields a *errs.Error of KindMalformedFrame;
// the caller drops the frame and continues with the next one, per spec.md
// §7's recovery rule for this error kind.
func Decode(raw []byte, opts Options) (*model.Record, Header, error) {
	frame := Unescape(raw)
	if len(frame) < headerLen+1 {
		return nil, Header{}, errs.New(errs.KindMalformedFrame, "wire.decode", fmt.Errorf("frame too short: %d bytes", len(frame)))
	}
	if opts.CheckCRC && !VerifyCRC(frame) {
		return nil, Header{}, errs.New(errs.KindMalformedFrame, "wire.decode", fmt.Errorf("CRC mismatch"))
	}
	hdr := ParseHeader(frame)
	body := frame[headerLen : len(frame)-1] // drop trailing EOR from the body view

	rec, err := decodeBody(hdr.TOR, body)
	if err != nil {
		return nil, hdr, err
	}
	return rec, hdr, nil
}

// decodeBody iterates the TLV triples of a record body. Unknown TORs
// produce a catch-all Record carrying the raw body (spec.md §4.2.5,
// §9 Design Note); unknown field ids within a known TOR produce a field
// named UNDECODED_<hex> and decoding continues.
func decodeBody(tor uint16, body []byte) (*model.Record, error) {
	name, known := torNames[tor]
	if !known {
		return &model.Record{TOR: fmt.Sprintf("UNKNOWN_0x%04x", tor), Undecoded: append([]byte(nil), body...)}, nil
	}

	fields := fieldsForTOR(tor)
	rec := &model.Record{TOR: name, Fields: make(map[string]model.Field)}

	i := 0
	for i < len(body) {
		id := body[i]
		if id == bodyTerminator {
			break
		}
		if i+1 >= len(body) {
			return nil, errs.New(errs.KindMalformedFrame, "wire.decodeBody", fmt.Errorf("truncated TLV: missing length byte for field 0x%02x", id))
		}
		n := int(body[i+1])
		valStart := i + 2
		if valStart+n > len(body) {
			return nil, errs.New(errs.KindMalformedFrame, "wire.decodeBody", fmt.Errorf("truncated TLV: field 0x%02x wants %d bytes, %d remain", id, n, len(body)-valStart))
		}
		raw := body[valStart : valStart+n]

		fieldName := fmt.Sprintf("UNDECODED_%02x", id)
		if spec, ok := fields[id]; ok {
			fieldName = spec.name
		}

		f := model.Field{ID: id, Width: n, Raw: append([]byte(nil), raw...), Hex: hex.EncodeToString(raw)}
		if n <= 8 {
			f.Value = leUint(raw)
		}
		rec.Fields[fieldName] = f

		i = valStart + n
	}
	return rec, nil
}

func leUint(b []byte) uint64 {
	var v uint64
	for i, bb := range b {
		v |= uint64(bb) << (8 * uint(i))
	}
	return v
}
