package wire

import "testing"

func TestCRC791KnownVector(t *testing.T) {
	// RFC 1071 §3 worked example.
	buf := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	var c CRC791
	c.Write(buf)
	got := c.Sum16()
	const want = 0x220d
	if got != want {
		t.Fatalf("got %#04x, want %#04x", got, want)
	}
}

func TestCRC791OddTrailingByte(t *testing.T) {
	var c1, c2 CRC791
	c1.WritePayload([]byte{0x01, 0x02, 0x03})
	c2.Write([]byte{0x01, 0x02, 0x03, 0x00})
	if c1.Sum16() != c2.Sum16() {
		t.Fatalf("odd trailing byte not padded the same as an explicit zero byte")
	}
}

func TestNeverZero(t *testing.T) {
	if NeverZero(0) != 0xffff {
		t.Fatal("zero checksum must map to 0xffff")
	}
	if NeverZero(0x1234) != 0x1234 {
		t.Fatal("non-zero checksum must pass through unchanged")
	}
}

func TestValidatorFailFast(t *testing.T) {
	var v Validator
	v.AddError(ErrShortBuffer)
	v.AddError(ErrBadCRC)
	if !v.HasError() {
		t.Fatal("expected error recorded")
	}
	if v.Err() != ErrShortBuffer {
		t.Fatalf("fail-fast validator should keep only the first error, got %v", v.Err())
	}
}

func TestValidatorMultiErr(t *testing.T) {
	v := NewMultiErrValidator()
	v.AddError(ErrShortBuffer)
	v.AddError(ErrBadCRC)
	err := v.Err()
	if err == nil {
		t.Fatal("expected joined error")
	}
	v.ResetErr()
	if v.HasError() {
		t.Fatal("ResetErr should clear accumulated errors")
	}
}

func TestValidatorBitPosErr(t *testing.T) {
	v := NewMultiErrValidator()
	v.AddBitPosErr(4, 4, ErrInvalidLengthField)
	if !v.HasError() {
		t.Fatal("expected error recorded")
	}
	var bpe *BitPosErr
	for _, e := range []error{v.Err()} {
		if be, ok := e.(*BitPosErr); ok {
			bpe = be
		}
	}
	if bpe == nil {
		t.Fatal("expected a *BitPosErr")
	}
	if bpe.BitStart != 4 || bpe.BitLen != 4 {
		t.Fatalf("unexpected bit position: %+v", bpe)
	}
}
