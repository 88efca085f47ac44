package whatsapp

import (
	"context"
	"testing"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

func TestOptionsApply(t *testing.T) {
	var cfg Opts
	for _, opt := range []Option{
		WithDBDSN("file:wa.db?_foreign_keys=on"),
		WithQRCodeOutput("/tmp/qr.txt"),
		WithNumericCode(),
	} {
		opt(&cfg)
	}

	if cfg.DBDSN != "file:wa.db?_foreign_keys=on" {
		t.Errorf("WithDBDSN not applied, got %q", cfg.DBDSN)
	}
	if cfg.QRPath != "/tmp/qr.txt" {
		t.Errorf("WithQRCodeOutput not applied, got %q", cfg.QRPath)
	}
	if !cfg.NumericCode {
		t.Error("WithNumericCode not applied")
	}
}

func TestSendMessageValidation(t *testing.T) {
	c := &Client{}

	if err := c.SendMessage(context.Background(), "5511999990000", "hi"); err == nil {
		t.Error("expected error when client is not initialized")
	}
}

func TestMediaMimetype(t *testing.T) {
	cases := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{
			name: "image",
			msg:  &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Mimetype: proto.String("image/jpeg")}},
			want: "image/jpeg",
		},
		{
			name: "audio",
			msg:  &waE2E.Message{AudioMessage: &waE2E.AudioMessage{Mimetype: proto.String("audio/ogg; codecs=opus")}},
			want: "audio/ogg; codecs=opus",
		},
		{
			name: "document",
			msg:  &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{Mimetype: proto.String("application/pdf")}},
			want: "application/pdf",
		},
		{
			name: "text has no media",
			msg:  &waE2E.Message{Conversation: proto.String("hello")},
			want: "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mediaMimetype(tc.msg); got != tc.want {
				t.Errorf("mediaMimetype() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMockClientImplementsSender(t *testing.T) {
	var s Sender = NewMockClient()
	if err := s.SendMessage(context.Background(), "5511999990000", "hello"); err != nil {
		t.Errorf("MockClient.SendMessage returned error: %v", err)
	}
}
