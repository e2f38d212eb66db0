package tftp

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeWRQ(t *testing.T) {
	var buf [MaxPacketSize]byte
	n, err := EncodeWRQ(buf[:], "report.bin", ModeOctet)
	if err != nil {
		t.Fatalf("EncodeWRQ: %v", err)
	}

	pkt, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	req, ok := pkt.(*RequestPacket)
	if !ok {
		t.Fatalf("Decode returned %T, want *RequestPacket", pkt)
	}
	if req.Op != OpWRQ || req.Filename != "report.bin" || req.ModeStr != "octet" {
		t.Fatalf("got %+v", req)
	}
}

func TestEncodeDecodeData(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, BlockSize)
	var buf [MaxPacketSize]byte
	n, err := EncodeData(buf[:], 7, payload)
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}

	pkt, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	data, ok := pkt.(*DataPacket)
	if !ok {
		t.Fatalf("Decode returned %T, want *DataPacket", pkt)
	}
	if data.Block != 7 || !bytes.Equal(data.Data, payload) {
		t.Fatalf("round-trip mismatch: block=%d len=%d", data.Block, len(data.Data))
	}
}

func TestEncodeDataShortFinalBlock(t *testing.T) {
	var buf [MaxPacketSize]byte
	n, err := EncodeData(buf[:], 1, nil)
	if err != nil {
		t.Fatalf("EncodeData with empty payload: %v", err)
	}
	pkt, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	data := pkt.(*DataPacket)
	if len(data.Data) != 0 {
		t.Fatalf("expected zero-length final block, got %d bytes", len(data.Data))
	}
}

func TestEncodeDataOversize(t *testing.T) {
	var buf [4]byte
	_, err := EncodeData(buf[:], 1, make([]byte, BlockSize))
	if err == nil {
		t.Fatal("expected ErrOversize for undersized destination buffer")
	}
}

func TestEncodeACK(t *testing.T) {
	var buf [4]byte
	n, err := EncodeACK(buf[:], 42)
	if err != nil {
		t.Fatalf("EncodeACK: %v", err)
	}
	pkt, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ack := pkt.(*AckPacket)
	if ack.Block != 42 {
		t.Fatalf("got block %d, want 42", ack.Block)
	}
}

func TestEncodeError(t *testing.T) {
	var buf [MaxPacketSize]byte
	n, err := EncodeError(buf[:], ErrDiskFull, "disk is full")
	if err != nil {
		t.Fatalf("EncodeError: %v", err)
	}
	pkt, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	e := pkt.(*ErrorPacket)
	if e.Code != ErrDiskFull || e.Message != "disk is full" {
		t.Fatalf("got %+v", e)
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	if _, err := Decode([]byte{0}); err == nil {
		t.Fatal("expected error decoding a 1-byte packet")
	}
}

func TestDecodeRejectsUnknownOpcode(t *testing.T) {
	buf := []byte{0, 99, 'x', 0, 'o', 'c', 't', 'e', 't', 0}
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error decoding an unknown opcode")
	}
}

func TestDecodeRejectsUnterminatedFilename(t *testing.T) {
	buf := []byte{0, byte(OpWRQ), 'a', 'b', 'c'}
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error decoding a WRQ with no NUL terminator")
	}
}

func TestDecodeRejectsShortACK(t *testing.T) {
	buf := []byte{0, byte(OpACK), 0}
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error decoding a truncated ACK")
	}
}

func TestAckPacketOpcodeIsACK(t *testing.T) {
	p := &AckPacket{Block: 1}
	if p.Opcode() != OpACK {
		t.Fatalf("got %v, want OpACK", p.Opcode())
	}
}
