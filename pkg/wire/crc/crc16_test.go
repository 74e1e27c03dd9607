package crc

import "testing"

func TestChecksumKnownVector(t *testing.T) {
	// CRC-16/CCITT (poly 0x1021, init 0xFFFF, no final XOR) of the ASCII
	// string "123456789" is the well-known check value 0x29B1.
	got := Checksum([]byte("123456789"))
	if got != 0x29B1 {
		t.Fatalf("Checksum(\"123456789\") = 0x%04x, want 0x29B1", got)
	}
}

func TestSwapRoundTrips(t *testing.T) {
	if Swap(Swap(0x1234)) != 0x1234 {
		t.Fatalf("Swap is not its own inverse")
	}
	if Swap(0x29B1) != 0xB129 {
		t.Fatalf("Swap(0x29B1) = 0x%04x, want 0xB129", Swap(0x29B1))
	}
}

func TestFrameChecksumAppliesSwap(t *testing.T) {
	b := []byte("123456789")
	if FrameChecksum(b) != Swap(Checksum(b)) {
		t.Fatalf("FrameChecksum did not apply the byte swap")
	}
}

func TestChecksumDiffersOnBitFlip(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03, 0x04}
	b := append([]byte(nil), a...)
	b[2] ^= 0x01
	if Checksum(a) == Checksum(b) {
		t.Fatalf("single bit flip did not change checksum")
	}
}
