package wire

import (
	"testing"

	"github.com/pitlane/amb-ingest/pkg/errs"
	"github.com/pitlane/amb-ingest/pkg/model"
)

func TestDecodePassingFrame(t *testing.T) {
	raw, err := Encode(EncodeInput{
		TOR: "PASSING",
		Fields: map[string]model.Field{
			"PASSING_NUMBER": {Width: 4, Value: 100},
			"TRANSPONDER":    {Width: 4, Value: 123},
			"RTC_TIME":       {Width: 8, Value: 1_000_000},
			"STRENGTH":       {Width: 2, Value: 512},
			"HITS":           {Width: 2, Value: 3},
			"FLAGS":          {Width: 2, Value: 0},
			"DECODER_ID":     {Width: 4, Value: 42},
		},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	rec, hdr, err := Decode(raw, Options{CheckCRC: true})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if hdr.TOR != TORPassing {
		t.Fatalf("header TOR = 0x%04x, want 0x%04x", hdr.TOR, TORPassing)
	}
	if rec.TOR != "PASSING" {
		t.Fatalf("rec.TOR = %q, want PASSING", rec.TOR)
	}

	for name, want := range map[string]uint64{
		"PASSING_NUMBER": 100,
		"TRANSPONDER":    123,
		"RTC_TIME":       1_000_000,
		"STRENGTH":       512,
		"HITS":           3,
		"DECODER_ID":     42,
	} {
		got, ok := rec.FieldUint(name)
		if !ok {
			t.Fatalf("field %s missing from decoded record", name)
		}
		if got != want {
			t.Fatalf("field %s = %d, want %d", name, got, want)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []EncodeInput{
		{TOR: "GET_TIME", Fields: map[string]model.Field{
			"RTC_TIME": {Width: 8, Value: 123456789},
		}},
		{TOR: "GET_TIME", Fields: map[string]model.Field{
			"RTC_TIME": {Width: 4, Value: 987654},
		}},
		{TOR: "STATUS", Fields: map[string]model.Field{
			"NOISE":         {Width: 2, Value: 7},
			"GPS":           {Width: 1, Value: 1},
			"TEMPERATURE":   {Width: 2, Value: 250},
			"LOOP_TRIGGERS": {Width: 2, Value: 9},
			"INPUT_VOLTAGE": {Width: 1, Value: 120},
		}},
	}

	for _, in := range cases {
		raw, err := Encode(in)
		if err != nil {
			t.Fatalf("Encode(%s): %v", in.TOR, err)
		}
		rec, _, err := Decode(raw, Options{CheckCRC: true})
		if err != nil {
			t.Fatalf("Decode(%s): %v", in.TOR, err)
		}
		if rec.TOR != in.TOR {
			t.Fatalf("round trip TOR = %q, want %q", rec.TOR, in.TOR)
		}
		for name, f := range in.Fields {
			got, ok := rec.FieldUint(name)
			if !ok {
				t.Fatalf("%s: field %s missing after round trip", in.TOR, name)
			}
			if got != f.Value {
				t.Fatalf("%s: field %s = %d, want %d", in.TOR, name, got, f.Value)
			}
		}
	}
}

func TestDecodeUnknownTORPreservesRawBody(t *testing.T) {
	raw, err := Encode(EncodeInput{TOR: "GET_TIME", Fields: map[string]model.Field{
		"RTC_TIME": {Width: 4, Value: 1},
	}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Mutate the (unescaped) TOR field to an unrecognized value and re-patch
	// the CRC so the frame still verifies.
	frame := Unescape(raw)
	putLE16(frame[8:10], 0x9999)
	putLE16(frame[4:6], 0)
	patchCRC(frame)
	mutated := Escape(frame)

	rec, hdr, err := Decode(mutated, Options{CheckCRC: true})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if hdr.TOR != 0x9999 {
		t.Fatalf("header TOR = 0x%04x, want 0x9999", hdr.TOR)
	}
	if rec.Undecoded == nil {
		t.Fatalf("expected Undecoded to be set for unknown TOR")
	}
}

func TestDecodeCRCMismatchIsMalformed(t *testing.T) {
	raw, err := Encode(EncodeInput{TOR: "GET_TIME", Fields: map[string]model.Field{
		"RTC_TIME": {Width: 4, Value: 1},
	}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame := Unescape(raw)
	frame[headerLen] ^= 0xFF // corrupt the first body byte
	corrupted := Escape(frame)

	_, _, err = Decode(corrupted, Options{CheckCRC: true})
	if err == nil {
		t.Fatalf("expected a CRC decode failure")
	}
	if !errs.Is(err, errs.KindMalformedFrame) {
		t.Fatalf("expected KindMalformedFrame, got %v", err)
	}

	// With CRC checking disabled the same corrupted frame decodes.
	_, _, err = Decode(corrupted, Options{CheckCRC: false})
	if err != nil {
		t.Fatalf("expected decode to succeed with CheckCRC disabled, got %v", err)
	}
}

func TestDecodeTruncatedTLVIsMalformed(t *testing.T) {
	frame := make([]byte, headerLen+1)
	frame[0] = SOR
	frame[len(frame)-1] = EOR
	putLE16(frame[8:10], TORGetTime)
	// Body: field id 0x01, length 8, but zero value bytes follow before EOR.
	body := []byte{0x01, 0x08}
	full := make([]byte, 0, headerLen+len(body)+1)
	full = append(full, frame[:headerLen]...)
	full = append(full, body...)
	full = append(full, EOR)
	putLE16(full[4:6], 0)
	patchCRC(full)

	_, _, err := Decode(Escape(full), Options{CheckCRC: true})
	if err == nil {
		t.Fatalf("expected a truncated-TLV decode failure")
	}
	if !errs.Is(err, errs.KindMalformedFrame) {
		t.Fatalf("expected KindMalformedFrame, got %v", err)
	}
}
