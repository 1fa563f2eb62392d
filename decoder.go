package imgdl

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"gitlab.com/NebulousLabs/errors"
)

// stdlibDecoder is the default downloader.Decoder: it defers to
// image.Decode, which dispatches to whichever of the blank-imported
// codecs above recognizes the payload's header. Platform-specific
// decoding (e.g. a native decoder with HEIC/WebP support) is the
// injected trait described in §6; a caller needing that supplies a
// downloader.Decoder of its own via InstanceForWithDecoder.
type stdlibDecoder struct{}

func (stdlibDecoder) Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.AddContext(err, "unable to decode image payload")
	}
	return img, nil
}
