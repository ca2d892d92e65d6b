package labfile

import (
	"bytes"
	"io"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeReader returns r as UTF-8. A leading BOM is dropped; content that is
// not valid UTF-8 is decoded as Windows-1252, which is what older instrument
// software on lab PCs writes.
func DecodeReader(r io.Reader) (io.Reader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "labfile: read")
	}
	out, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(out), nil
}

// Decode converts data to UTF-8.
func Decode(data []byte) ([]byte, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return data, nil
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return nil, eris.Wrap(err, "labfile: decode windows-1252")
	}
	return out, nil
}
