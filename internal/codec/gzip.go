package codec

import (
	"bytes"
	"compress/gzip"
	"io"
)

type gzipCodec struct{}

func init() {
	Register(gzipCodec{})
}

func (gzipCodec) ID() ID { return Gzip }

func (gzipCodec) Encode(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(plain); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
