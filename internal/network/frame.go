package network

import (
	"encoding/json"
	"time"

	quic "github.com/quic-go/quic-go"

	"mercury/internal/errs"
	"mercury/internal/proto"
)

const (
	streamRWTimeout      = 10 * time.Second
	helloTimeout         = 5 * time.Second
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 5 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

func writeFrameWithTimeout(s *quic.Stream, d time.Duration, payload []byte) error {
	if d > 0 {
		_ = s.SetWriteDeadline(time.Now().Add(d))
		defer func() { _ = s.SetWriteDeadline(time.Time{}) }()
	}
	return proto.WriteFrame(s, payload)
}

func readFrameWithTimeout(s *quic.Stream, d time.Duration) ([]byte, error) {
	if d > 0 {
		_ = s.SetReadDeadline(time.Now().Add(d))
		defer func() { _ = s.SetReadDeadline(time.Time{}) }()
	}
	return proto.ReadFrame(s)
}

// readRequestFrame applies the per-type size caps to untrusted input.
func readRequestFrame(s *quic.Stream, d time.Duration) ([]byte, error) {
	if d > 0 {
		_ = s.SetReadDeadline(time.Now().Add(d))
		defer func() { _ = s.SetReadDeadline(time.Time{}) }()
	}
	return proto.ReadFrameWithTypeCap(s, proto.SoftMaxFrameSize, proto.RequestTypeCap)
}

func writeJSON(s *quic.Stream, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeFrameWithTimeout(s, streamRWTimeout, data)
}

func errorFields(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	return errs.Code(err), err.Error()
}

func remoteError(code, msg string) error {
	if code == "" && msg == "" {
		return nil
	}
	return errs.FromCode(code, msg)
}

func writeResponse(s *quic.Stream, body any, err error) error {
	code, msg := errorFields(err)
	data, encErr := proto.EncodeResponse(body, code, msg)
	if encErr != nil {
		return encErr
	}
	return writeFrameWithTimeout(s, streamRWTimeout, data)
}

func writeItem(s *quic.Stream, body any, err error) error {
	code, msg := errorFields(err)
	data, encErr := proto.EncodeItem(body, code, msg)
	if encErr != nil {
		return encErr
	}
	return writeFrameWithTimeout(s, streamRWTimeout, data)
}

// readItem blocks without deadline; long-lived streams end by cancellation.
func readItem(s *quic.Stream) (proto.Item, error) {
	data, err := proto.ReadFrame(s)
	if err != nil {
		return proto.Item{}, err
	}
	return proto.DecodeItem(data)
}

// pumpOut writes every frame of src to s until src is closed, then closes
// the write side of s.
func pumpOut(s *quic.Stream, src <-chan proto.Result[proto.AppMessageFrame]) error {
	defer s.Close()
	for r := range src {
		var err error
		if r.Err != nil {
			err = writeItem(s, nil, r.Err)
		} else {
			err = writeItem(s, proto.FrameBody{Data: r.Value}, nil)
		}
		if err != nil {
			s.CancelWrite(0)
			for range src {
			}
			return err
		}
	}
	return nil
}

// pumpIn forwards frames read from s to dst until the peer closes its side,
// then closes dst. dst must not have other writers.
func pumpIn(s *quic.Stream, dst chan<- proto.Result[proto.AppMessageFrame]) {
	defer close(dst)
	for {
		it, err := readItem(s)
		if err != nil {
			return
		}
		if it.Code != "" || it.Error != "" {
			dst <- proto.Fail[proto.AppMessageFrame](remoteError(it.Code, it.Error))
			continue
		}
		var fb proto.FrameBody
		if err := proto.DecodeBody(it.Body, &fb); err != nil {
			dst <- proto.Fail[proto.AppMessageFrame](errs.Wrap(err, errs.InvalidMessage))
			continue
		}
		dst <- proto.Ok(fb.Data)
	}
}
