package wire

import "sort"

// TOR (type-of-record) identifiers known to this codec.
const (
	TORPassing  uint16 = 0x0001
	TORStatus   uint16 = 0x0002
	TORGetTime  uint16 = 0x0024
)

var torNames = map[uint16]string{
	TORPassing: "PASSING",
	TORStatus:  "STATUS",
	TORGetTime: "GET_TIME",
}

// fieldSpec names one field-id's canonical field name within a record body.
// It carries no width: a field's width always comes from its TLV length
// byte, so a field whose width can legitimately vary, like GET_TIME's
// RTC_TIME (4 or 8 bytes), decodes at either width.
type fieldSpec struct {
	name string
}

// generalFields are field ids >= 0x80, shared across all record types.
var generalFields = map[byte]fieldSpec{
	0x81: {"DECODER_ID"},
}

// torFields are record-specific field ids (< 0x80), keyed per TOR.
var torFields = map[uint16]map[byte]fieldSpec{
	TORPassing: {
		0x01: {"PASSING_NUMBER"},
		0x03: {"TRANSPONDER"},
		0x04: {"RTC_TIME"},
		0x05: {"STRENGTH"},
		0x06: {"HITS"},
		0x08: {"FLAGS"},
		0x10: {"UTC_TIME"},
	},
	TORStatus: {
		0x01: {"NOISE"},
		0x06: {"GPS"},
		0x07: {"TEMPERATURE"},
		0x0b: {"LOOP_TRIGGERS"},
		0x0c: {"INPUT_VOLTAGE"},
	},
	TORGetTime: {
		0x01: {"RTC_TIME"},
	},
}

// fieldsForTOR returns the merged field table (general + record-specific)
// for a TOR. Record-specific ids take precedence on overlap, matching the
// original's `{**general_fields, **tor_fields}` merge order in
// original_source/AmbP3/decoder.py.
func fieldsForTOR(tor uint16) map[byte]fieldSpec {
	out := make(map[byte]fieldSpec, len(generalFields)+4)
	for id, spec := range generalFields {
		out[id] = spec
	}
	for id, spec := range torFields[tor] {
		out[id] = spec
	}
	return out
}

// fieldIDsForRecord reports the field ids (and their wire order) needed to
// encode a record of the given TOR, used by Encode. Record-specific ids come
// first in ascending order, then the general ids in ascending order.
func fieldIDsForRecord(tor uint16) []byte {
	ids := make([]byte, 0, 8)
	for id := range torFields[tor] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	general := make([]byte, 0, len(generalFields))
	for id := range generalFields {
		general = append(general, id)
	}
	sort.Slice(general, func(i, j int) bool { return general[i] < general[j] })
	return append(ids, general...)
}

// fieldNameToID finds the field id for a name within a TOR's merged table.
func fieldNameToID(tor uint16, name string) (byte, bool) {
	for id, spec := range fieldsForTOR(tor) {
		if spec.name == name {
			return id, true
		}
	}
	return 0, false
}
