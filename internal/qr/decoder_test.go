package qr

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

func encodeQRPNG(t *testing.T, payload string) []byte {
	t.Helper()

	matrix, err := qrcode.NewQRCodeWriter().Encode(payload, gozxing.BarcodeFormat_QR_CODE, 256, 256, nil)
	if err != nil {
		t.Fatalf("encode qr: %v", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, matrix); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	return buf.Bytes()
}

func TestDecode_RoundTrip(t *testing.T) {
	payloads := []string{
		"https://ofd.example.com/check?t=20240101T1200&s=150.00&fn=9999078900005419",
		"t=20240101T1200&s=100.00&fn=123&i=456&fp=789&n=1",
	}

	d := NewDecoder()

	for _, payload := range payloads {
		got, err := d.Decode(encodeQRPNG(t, payload))
		if err != nil {
			t.Fatalf("Decode error: %v", err)
		}
		if got != payload {
			t.Fatalf("payload = %q, want %q", got, payload)
		}
	}
}

func TestDecode_BlankImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 128, 128))
	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			img.Set(x, y, color.White)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	d := NewDecoder()

	_, err := d.Decode(buf.Bytes())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDecode_NotAnImage(t *testing.T) {
	d := NewDecoder()

	_, err := d.Decode([]byte("definitely not an image"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
