// Package qr извлекает полезную нагрузку QR-кода из растрового изображения.
package qr

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// ErrNotFound возвращается, если изображение не удаётся разобрать или
// QR-код на нём отсутствует.
var ErrNotFound = errors.New("qr code not found")

// Decoder распознаёт QR-коды на фотографиях чеков.
type Decoder struct {
	hints map[gozxing.DecodeHintType]interface{}
}

// NewDecoder создаёт декодер с включённым режимом тщательного поиска.
func NewDecoder() *Decoder {
	return &Decoder{
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

// Decode декодирует изображение и возвращает текст первого найденного
// QR-кода. Любая причина неудачи оборачивает ErrNotFound.
func (d *Decoder) Decode(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, err)
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, err)
	}

	result, err := qrcode.NewQRCodeReader().Decode(bmp, d.hints)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, err)
	}

	return result.GetText(), nil
}
