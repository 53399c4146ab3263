package chunk

import (
	"fmt"
	"sync"

	"github.com/janelia-flyem/ngsource/multiscale"
	"github.com/janelia-flyem/ngsource/vox"
)

// DecodeFunc decodes the payload of the chunk addressed by req.
type DecodeFunc func(p Params, req multiscale.ChunkRequest, data []byte) (*VoxelBuffer, error)

// Decoder decodes chunk payloads of one chunk source.
type Decoder interface {
	Params() Params
	Decode(req multiscale.ChunkRequest, data []byte) (*VoxelBuffer, error)
}

// Registry maps encodings to decode functions.
type Registry struct {
	sync.RWMutex
	decoders map[Encoding]DecodeFunc
}

// NewRegistry returns a registry holding the built-in decoders.
func NewRegistry() *Registry {
	return &Registry{
		decoders: map[Encoding]DecodeFunc{
			Raw:                    decodeRaw,
			JPEG:                   decodeJPEG,
			CompressedSegmentation: decodeCompressedSegmentation,
			LabelBlocks:            decodeLabelBlocks,
			JPEGBlocks:             decodeJPEGBlocks,
		},
	}
}

// DefaultRegistry is used by chunk sources that are not given a registry.
var DefaultRegistry = NewRegistry()

// Register sets the decode function for an encoding, replacing any previous one.
func (r *Registry) Register(e Encoding, fn DecodeFunc) {
	r.Lock()
	r.decoders[e] = fn
	r.Unlock()
}

// Decoder returns the decoder for a chunk source.  Unknown encodings and parameters an
// encoding cannot handle fail here, before any chunk is fetched.
func (r *Registry) Decoder(p Params) (Decoder, error) {
	r.RLock()
	fn, found := r.decoders[p.Encoding]
	r.RUnlock()
	if !found {
		return nil, vox.NewError(vox.UnsupportedEncoding, "encoding", p.Encoding.String(), "no registered decoder")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.NumChannels == 0 {
		p.NumChannels = 1
	}
	return &decoder{params: p, fn: fn}, nil
}

type decoder struct {
	params Params
	fn     DecodeFunc
}

func (d *decoder) Params() Params {
	return d.params
}

func (d *decoder) Decode(req multiscale.ChunkRequest, data []byte) (*VoxelBuffer, error) {
	for i := 0; i < 3; i++ {
		if req.Size[i] <= 0 {
			return nil, fmt.Errorf("can't decode %s with empty size", req)
		}
	}
	buf, err := d.fn(d.params, req, data)
	if err != nil {
		return nil, err
	}
	if buf.NumBytes() != int64(len(buf.Data)) {
		return nil, vox.NewError(vox.MalformedPayload, d.params.Encoding.String(), "", "decoded %d bytes for %s", len(buf.Data), buf)
	}
	return buf, nil
}

func lengthMismatch(p Params, req multiscale.ChunkRequest, got, expected int64) error {
	return vox.NewError(vox.MalformedPayload, p.Encoding.String(), fmt.Sprintf("%d bytes", got),
		"expected %d bytes for %s of %s x %d", expected, req, p.DataType, p.NumChannels)
}
