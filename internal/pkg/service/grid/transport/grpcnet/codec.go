package grpcnet

import (
	"io"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"

	"github.com/keboola/data-grid/internal/pkg/encoding/json"
)

const (
	codecName      = "json"
	compressorName = "zstd"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
	encoding.RegisterCompressor(zstdCompressor{})
}

// jsonCodec encodes messages of the transport package, they are plain structs, not protobuf messages.
type jsonCodec struct{}

func (jsonCodec) Name() string {
	return codecName
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Encode(v, false)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Decode(data, v)
}

type zstdCompressor struct{}

func (zstdCompressor) Name() string {
	return compressorName
}

func (zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
}

func (zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &zstdReader{dec: dec}, nil
}

// zstdReader releases the decoder at the end of the stream.
type zstdReader struct {
	dec *zstd.Decoder
}

func (r *zstdReader) Read(p []byte) (int, error) {
	n, err := r.dec.Read(p)
	if err != nil {
		r.dec.Close()
	}
	return n, err
}
