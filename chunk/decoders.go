package chunk

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/janelia-flyem/ngsource/labels"
	"github.com/janelia-flyem/ngsource/multiscale"
	"github.com/janelia-flyem/ngsource/vox"
)

func decodeRaw(p Params, req multiscale.ChunkRequest, data []byte) (*VoxelBuffer, error) {
	buf := NewVoxelBuffer(p.DataType, p.NumChannels, req.Size)
	expected := buf.NumBytes()
	if p.Compression == Uncompressed {
		// Payloads of the expected length are raw voxels whatever their first bytes are.
		if int64(len(data)) != expected {
			data = SniffUncompress(data)
		}
	} else {
		var err error
		if data, err = Uncompress(data, p.Compression, expected); err != nil {
			return nil, err
		}
	}
	if int64(len(data)) != expected {
		return nil, lengthMismatch(p, req, int64(len(data)), expected)
	}
	copy(buf.Data, data)
	return buf, nil
}

func decodeJPEG(p Params, req multiscale.ChunkRequest, data []byte) (*VoxelBuffer, error) {
	buf := NewVoxelBuffer(p.DataType, p.NumChannels, req.Size)
	if err := decodeJPEGInto(buf, data); err != nil {
		return nil, err
	}
	return buf, nil
}

// decodeJPEGInto decodes an image of width size[0] and height size[1] * size[2] into
// the channel planes of buf.
func decodeJPEGInto(buf *VoxelBuffer, data []byte) error {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return vox.WrapError(vox.MalformedPayload, "jpeg", err)
	}
	width, height := int(buf.Size[0]), int(buf.Size[1]*buf.Size[2])
	r := img.Bounds()
	if r.Dx() != width || r.Dy() != height {
		return vox.NewError(vox.MalformedPayload, "jpeg", r.Size().String(),
			"expected %d x %d image for chunk of size %s", width, height, buf.Size)
	}
	planeSize := width * height
	if buf.NumChannels == 1 {
		var pix []uint8
		var stride int
		switch typed := img.(type) {
		case *image.Gray:
			pix, stride = typed.Pix, typed.Stride
		case *image.YCbCr:
			pix, stride = typed.Y, typed.YStride
		}
		if pix != nil {
			for y := 0; y < height; y++ {
				copy(buf.Data[y*width:(y+1)*width], pix[y*stride:y*stride+width])
			}
			return nil
		}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				g := color.GrayModel.Convert(img.At(r.Min.X+x, r.Min.Y+y)).(color.Gray)
				buf.Data[y*width+x] = g.Y
			}
		}
		return nil
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.RGBAModel.Convert(img.At(r.Min.X+x, r.Min.Y+y)).(color.RGBA)
			i := y*width + x
			buf.Data[i] = c.R
			buf.Data[planeSize+i] = c.G
			buf.Data[2*planeSize+i] = c.B
		}
	}
	return nil
}

func decodeCompressedSegmentation(p Params, req multiscale.ChunkRequest, data []byte) (*VoxelBuffer, error) {
	data = SniffUncompress(data)
	if len(data)%4 != 0 {
		return nil, vox.NewError(vox.MalformedPayload, "compressed segmentation", "",
			"payload of %d bytes is not a whole number of 32-bit words", len(data))
	}
	uint64Labels := p.DataType == vox.T_uint64
	lbls, err := labels.DecodeCompressedSegmentation(vox.Uint32sFromBytes(data), req.Size, p.BlockSize, p.NumChannels, uint64Labels)
	if err != nil {
		return nil, err
	}
	buf := NewVoxelBuffer(p.DataType, p.NumChannels, req.Size)
	if err := buf.SetLabels(lbls); err != nil {
		return nil, err
	}
	return buf, nil
}
