package shared

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestParseCommand(t *testing.T) {
	for _, cmd := range Commands() {
		got, err := ParseCommand(uint32(cmd))
		if err != nil {
			t.Fatalf("Failed to parse %s: %v", cmd, err)
		}
		if got != cmd {
			t.Errorf("Expected %s, got %s", cmd, got)
		}
	}

	for _, id := range []uint32{2, 9, 0xFFFFFFFF} {
		if _, err := ParseCommand(id); !errors.Is(err, ErrBadParameters) {
			t.Errorf("Expected BadParameters for id %d, got %v", id, err)
		}
	}
}

func TestFrameCarriesInvokeParams(t *testing.T) {
	var buf bytes.Buffer
	req := Request{
		Kind:    FrameInvoke,
		Session: "s-1",
		Command: uint32(CmdPushEncryptedChunk),
	}
	req.Params[0] = Param{Type: ParamMemrefInput, Data: []byte{1, 2, 3}}
	req.Params[1] = Param{Type: ParamValueInput, A: 7}

	if err := WriteFrame(&buf, &req); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
	if got := binary.BigEndian.Uint32(buf.Bytes()[:4]); int(got) != buf.Len()-4 {
		t.Errorf("Length prefix %d does not match payload %d", got, buf.Len()-4)
	}

	var decoded Request
	if err := ReadFrame(&buf, &decoded, 0); err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	if decoded.Kind != FrameInvoke || decoded.Command != uint32(CmdPushEncryptedChunk) {
		t.Errorf("Unexpected header: %+v", decoded)
	}
	if !bytes.Equal(decoded.Params[0].Data, []byte{1, 2, 3}) || decoded.Params[1].A != 7 {
		t.Errorf("Params not preserved: %+v", decoded.Params)
	}
	if decoded.Params.Types() != [4]ParamType{ParamMemrefInput, ParamValueInput, ParamNone, ParamNone} {
		t.Errorf("Unexpected param types: %v", decoded.Params.Types())
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, &Reply{Code: ResultSuccess, Message: "0123456789"}); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
	var reply Reply
	err := ReadFrame(&buf, &reply, 4)
	if !errors.Is(err, ErrCommunication) {
		t.Errorf("Expected Communication error, got %v", err)
	}
}

func TestWriteFrameLimitWritesNothingWhenOversized(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrameLimit(&buf, &Reply{Code: ResultSuccess, Message: "0123456789"}, 4)
	if !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Expected OutOfMemory, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("Expected nothing written, got %d bytes", buf.Len())
	}

	if err := WriteFrameLimit(&buf, &Reply{Code: ResultSuccess}, 1024); err != nil {
		t.Fatalf("Small frame rejected: %v", err)
	}
	var reply Reply
	if err := ReadFrame(&buf, &reply, 1024); err != nil {
		t.Errorf("Failed to read frame back: %v", err)
	}
}

func TestReplyErr(t *testing.T) {
	ok := Reply{Code: ResultSuccess}
	if err := ok.Err("invoke"); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}

	failed := Reply{Code: uint32(ErrShortBuffer), Message: "need 48 bytes"}
	err := failed.Err("invoke")
	if !errors.Is(err, ErrShortBuffer) {
		t.Errorf("Expected ShortBuffer, got %v", err)
	}
	if KindOf(err) != ErrShortBuffer {
		t.Errorf("KindOf returned %s", KindOf(err))
	}
}
