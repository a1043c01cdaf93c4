package imageio

import (
	"errors"
	"fmt"
)

// #region shape
// Fixed sample geometry. Pixels are stored row-major in HWC order.
const (
	Height   = 64
	Width    = 64
	Channels = 3
	Size     = Height * Width * Channels
)

// Shape is the canonical array shape of every sample and artifact.
var Shape = [3]int{Height, Width, Channels}

// ErrInvalidImage marks shape or element-type violations.
var ErrInvalidImage = errors.New("invalid image")
// #endregion shape

// #region image
// Image is a 64x64x3 grid of 8-bit unsigned channel values.
type Image struct {
	Pix []uint8
}

// New returns a zero-valued image of the canonical shape.
func New() Image {
	return Image{Pix: make([]uint8, Size)}
}

// FromBytes copies b into a new image. b must hold exactly Size bytes.
func FromBytes(b []byte) (Image, error) {
	if len(b) != Size {
		return Image{}, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidImage, len(b), Size)
	}
	pix := make([]uint8, Size)
	copy(pix, b)
	return Image{Pix: pix}, nil
}

// Validate reports whether the image has the canonical element count.
func (im Image) Validate() error {
	if len(im.Pix) != Size {
		return fmt.Errorf("%w: %d elements, want %d", ErrInvalidImage, len(im.Pix), Size)
	}
	return nil
}

// Clone returns a deep copy.
func (im Image) Clone() Image {
	pix := make([]uint8, len(im.Pix))
	copy(pix, im.Pix)
	return Image{Pix: pix}
}

// At returns the channel value at row y, column x, channel c.
func (im Image) At(y, x, c int) uint8 {
	return im.Pix[(y*Width+x)*Channels+c]
}
// #endregion image
