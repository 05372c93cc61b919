package proto

import (
	"bytes"
	"strings"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"ping","body":{"text":"hi"}}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameTypeCap(t *testing.T) {
	big := `{"type":"ping","body":{"text":"` + strings.Repeat("x", SoftMaxFrameSize) + `"}}`
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte(big)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if _, err := ReadFrameWithTypeCap(&buf, SoftMaxFrameSize, RequestTypeCap); err == nil {
		t.Fatalf("expected oversized ping to be rejected")
	}

	call := `{"type":"call","body":{"init_payload":"` + strings.Repeat("y", SoftMaxFrameSize) + `"}}`
	buf.Reset()
	if err := WriteFrame(&buf, []byte(call)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrameWithTypeCap(&buf, SoftMaxFrameSize, RequestTypeCap)
	if err != nil {
		t.Fatalf("call frame rejected: %v", err)
	}
	if len(got) != len(call) {
		t.Fatalf("call frame truncated")
	}
}

func TestRequestResponseCodec(t *testing.T) {
	data, err := EncodeRequest(MsgTypePing, "s1", PingBody{Text: "hello"})
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}
	req, err := DecodeRequest(data)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	var body PingBody
	if err := DecodeBody(req.Body, &body); err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if req.Type != MsgTypePing || req.Session != "s1" || body.Text != "hello" {
		t.Fatalf("unexpected request %+v %+v", req, body)
	}

	data, err = EncodeResponse(nil, "not found", "missing profile")
	if err != nil {
		t.Fatalf("EncodeResponse failed: %v", err)
	}
	resp, err := DecodeResponse(data)
	if err != nil {
		t.Fatalf("DecodeResponse failed: %v", err)
	}
	if resp.OK || resp.Code != "not found" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if _, err := DecodeResponse([]byte(`{"type":"item"}`)); err == nil {
		t.Fatalf("expected type mismatch")
	}
}
