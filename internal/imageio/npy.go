package imageio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// #region header
var npyMagic = []byte("\x93NUMPY")

// maxHeaderLen bounds the header dictionary, matching numpy's own read limit.
const maxHeaderLen = 10000

var (
	descrRe   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	fortranRe = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// header is the parsed dictionary of an .npy file.
type header struct {
	Descr        string
	FortranOrder bool
	Shape        []int
}

func parseHeader(raw string) (header, error) {
	var h header
	m := descrRe.FindStringSubmatch(raw)
	if m == nil {
		return h, fmt.Errorf("%w: header missing descr", ErrInvalidImage)
	}
	h.Descr = m[1]

	m = fortranRe.FindStringSubmatch(raw)
	if m == nil {
		return h, fmt.Errorf("%w: header missing fortran_order", ErrInvalidImage)
	}
	h.FortranOrder = m[1] == "True"

	m = shapeRe.FindStringSubmatch(raw)
	if m == nil {
		return h, fmt.Errorf("%w: header missing shape", ErrInvalidImage)
	}
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return h, fmt.Errorf("%w: bad shape dimension %q", ErrInvalidImage, part)
		}
		h.Shape = append(h.Shape, n)
	}
	return h, nil
}

func isUint8(descr string) bool {
	switch descr {
	case "|u1", "<u1", ">u1", "=u1", "u1":
		return true
	}
	return false
}

func (h header) check() error {
	if !isUint8(h.Descr) {
		return fmt.Errorf("%w: dtype %q, want uint8", ErrInvalidImage, h.Descr)
	}
	if h.FortranOrder {
		return fmt.Errorf("%w: fortran order not supported", ErrInvalidImage)
	}
	if len(h.Shape) != len(Shape) {
		return fmt.Errorf("%w: shape %v, want %v", ErrInvalidImage, h.Shape, Shape)
	}
	for i, d := range h.Shape {
		if d != Shape[i] {
			return fmt.Errorf("%w: shape %v, want %v", ErrInvalidImage, h.Shape, Shape)
		}
	}
	return nil
}
// #endregion header

// #region decode
// Decode reads a NumPy .npy array and checks it against the sample contract.
func Decode(r io.Reader) (Image, error) {
	br := bufio.NewReader(r)

	prefix := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(br, prefix); err != nil {
		return Image{}, fmt.Errorf("%w: read magic: %v", ErrInvalidImage, err)
	}
	if !bytes.Equal(prefix[:len(npyMagic)], npyMagic) {
		return Image{}, fmt.Errorf("%w: not an npy file", ErrInvalidImage)
	}

	var headerLen int
	switch major := prefix[len(npyMagic)]; major {
	case 1:
		var n uint16
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			return Image{}, fmt.Errorf("%w: read header length: %v", ErrInvalidImage, err)
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			return Image{}, fmt.Errorf("%w: read header length: %v", ErrInvalidImage, err)
		}
		headerLen = int(n)
	default:
		return Image{}, fmt.Errorf("%w: unsupported npy version %d", ErrInvalidImage, major)
	}
	if headerLen > maxHeaderLen {
		return Image{}, fmt.Errorf("%w: header length %d exceeds %d", ErrInvalidImage, headerLen, maxHeaderLen)
	}

	raw := make([]byte, headerLen)
	if _, err := io.ReadFull(br, raw); err != nil {
		return Image{}, fmt.Errorf("%w: read header: %v", ErrInvalidImage, err)
	}
	h, err := parseHeader(string(raw))
	if err != nil {
		return Image{}, err
	}
	if err := h.check(); err != nil {
		return Image{}, err
	}

	data, err := io.ReadAll(io.LimitReader(br, Size+1))
	if err != nil {
		return Image{}, fmt.Errorf("read data: %w", err)
	}
	return FromBytes(data)
}

// ReadFile decodes the .npy file at path.
func ReadFile(path string) (Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return Image{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	im, err := Decode(f)
	if err != nil {
		return Image{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return im, nil
}
// #endregion decode

// #region encode
// Encode writes im as a version 1.0 .npy array of dtype uint8.
func Encode(w io.Writer, im Image) error {
	if err := im.Validate(); err != nil {
		return err
	}

	dict := fmt.Sprintf("{'descr': '|u1', 'fortran_order': False, 'shape': (%d, %d, %d), }",
		Height, Width, Channels)
	// magic + version + length + dict + newline, padded to a 64-byte boundary
	pre := len(npyMagic) + 2 + 2
	total := pre + len(dict) + 1
	if rem := total % 64; rem != 0 {
		dict += strings.Repeat(" ", 64-rem)
	}
	dict += "\n"

	var buf bytes.Buffer
	buf.Grow(pre + len(dict) + Size)
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	if err := binary.Write(&buf, binary.LittleEndian, uint16(len(dict))); err != nil {
		return fmt.Errorf("write header length: %w", err)
	}
	buf.WriteString(dict)
	buf.Write(im.Pix)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write npy: %w", err)
	}
	return nil
}

// FileMode is the permission of files written by WriteFile. Staged samples
// are read by attack containers that may run as another user.
const FileMode os.FileMode = 0o644

// WriteFile writes im to path, replacing any existing file atomically.
func WriteFile(path string, im Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".npy-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, im); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(FileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
// #endregion encode
