package labels

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/janelia-flyem/ngsource/vox"
)

type testData struct {
	lbls []uint64
	size vox.Point3d
}

func makeTestData(size vox.Point3d, numLabels int, seed int64) testData {
	r := rand.New(rand.NewSource(seed))
	lbls := make([]uint64, size.Prod())
	// runs of labels so sub-blocks have a mix of solid and multi-label content
	var cur uint64
	for i := range lbls {
		if i%37 == 0 {
			cur = uint64(r.Intn(numLabels)) + 1<<40
		}
		lbls[i] = cur
	}
	return testData{lbls, size}
}

func checkLabels(t *testing.T, got, expected []uint64) {
	if len(got) != len(expected) {
		t.Fatalf("expected %d labels, got %d", len(expected), len(got))
	}
	for i := range got {
		if got[i] != expected[i] {
			t.Fatalf("label mismatch at %d: expected %d, got %d", i, expected[i], got[i])
		}
	}
}

func TestBlockRoundTrip(t *testing.T) {
	for _, numLabels := range []int{2, 7, 100, 600} {
		d := makeTestData(vox.Point3d{64, 32, 16}, numLabels, int64(numLabels))
		block, err := MakeBlock(d.lbls, d.size)
		if err != nil {
			t.Fatalf("unable to make block: %v", err)
		}
		serialization, err := block.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		var block2 Block
		if err := block2.UnmarshalBinary(serialization); err != nil {
			t.Fatalf("unable to unmarshal block with %d labels: %v", numLabels, err)
		}
		if block2.Size != d.size {
			t.Fatalf("expected size %s, got %s", d.size, block2.Size)
		}
		lbls, size := block2.MakeLabelVolume()
		if size != d.size {
			t.Fatalf("bad size %s", size)
		}
		checkLabels(t, lbls, d.lbls)

		for _, pos := range []vox.Point3d{{0, 0, 0}, {63, 31, 15}, {17, 9, 3}, {40, 20, 10}} {
			i := pos[0] + pos[1]*64 + pos[2]*64*32
			if v := block2.Value(pos); v != d.lbls[i] {
				t.Errorf("Value(%s) = %d, expected %d", pos, v, d.lbls[i])
			}
		}
		if v := block2.Value(vox.Point3d{64, 0, 0}); v != 0 {
			t.Errorf("expected 0 outside block, got %d", v)
		}
	}
}

func TestSolidBlock(t *testing.T) {
	lbls := make([]uint64, 16*16*16)
	for i := range lbls {
		lbls[i] = 9
	}
	block, err := MakeBlock(lbls, vox.Point3d{16, 16, 16})
	if err != nil {
		t.Fatal(err)
	}
	if len(block.Labels) != 1 || block.Labels[0] != 9 {
		t.Fatalf("expected solid block of label 9, got %v", block.Labels)
	}
	data, _ := block.MarshalBinary()
	if len(data) != 24 {
		t.Errorf("solid block should serialize to 24 bytes, got %d", len(data))
	}
	out, _ := MakeSolidBlock(9, vox.Point3d{16, 16, 16}).MakeLabelVolume()
	checkLabels(t, out, lbls)

	if _, err := MakeBlock(lbls[:100], vox.Point3d{16, 16, 16}); err == nil {
		t.Errorf("expected error for short label array")
	}
	if _, err := MakeBlock(make([]uint64, 12*16*16), vox.Point3d{12, 16, 16}); err == nil {
		t.Errorf("expected error for block size not multiple of 8")
	}
}

func TestMalformedBlock(t *testing.T) {
	d := makeTestData(vox.Point3d{16, 16, 16}, 20, 3)
	block, err := MakeBlock(d.lbls, d.size)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := block.MarshalBinary()
	var b Block
	for _, n := range []int{10, 30, len(data) / 2, len(data) - 1} {
		err := b.UnmarshalBinary(data[:n])
		if !errors.Is(err, vox.MalformedPayload) {
			t.Errorf("expected MalformedPayload for %d of %d bytes, got %v", n, len(data), err)
		}
	}
}

func TestBlockGzip(t *testing.T) {
	d := makeTestData(vox.Point3d{32, 32, 32}, 50, 11)
	block, err := MakeBlock(d.lbls, d.size)
	if err != nil {
		t.Fatal(err)
	}
	gzipped, err := block.CompressGZIP()
	if err != nil {
		t.Fatal(err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(gzipped))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	var block2 Block
	if err := block2.UnmarshalBinary(raw); err != nil {
		t.Fatal(err)
	}
	lbls, _ := block2.MakeLabelVolume()
	checkLabels(t, lbls, d.lbls)
}

func TestCompressedSegmentationRoundTrip(t *testing.T) {
	sizes := []vox.Point3d{{64, 64, 64}, {30, 17, 9}, {8, 8, 8}, {1, 1, 1}}
	for _, size := range sizes {
		for _, numLabels := range []int{1, 2, 5, 300, 70000} {
			d := makeTestData(size, numLabels, int64(numLabels))
			words, err := EncodeCompressedSegmentation(d.lbls, size, vox.Point3d{8, 8, 8}, true)
			if err != nil {
				t.Fatalf("encode %s: %v", size, err)
			}
			out, err := DecodeCompressedSegmentation(words, size, vox.Point3d{8, 8, 8}, 1, true)
			if err != nil {
				t.Fatalf("decode %s with %d labels: %v", size, numLabels, err)
			}
			checkLabels(t, out, d.lbls)
		}
	}
}

func TestCompressedSegmentation32(t *testing.T) {
	size := vox.Point3d{20, 20, 4}
	lbls := make([]uint64, size.Prod()*2) // two channels
	for i := range lbls {
		lbls[i] = uint64(i % 13)
	}
	words, err := EncodeCompressedSegmentation(lbls, size, vox.Point3d{8, 8, 4}, false)
	if err != nil {
		t.Fatal(err)
	}
	if words[0] != 2 {
		t.Errorf("expected first channel at word 2, got %d", words[0])
	}
	out, err := DecodeCompressedSegmentation(words, size, vox.Point3d{8, 8, 4}, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	checkLabels(t, out, lbls)

	lbls[0] = 1 << 33
	if _, err := EncodeCompressedSegmentation(lbls, size, vox.Point3d{8, 8, 4}, false); err == nil {
		t.Errorf("expected error encoding 64-bit label as 32-bit")
	}
}

func TestCompressedSegmentationMalformed(t *testing.T) {
	size := vox.Point3d{16, 16, 16}
	d := makeTestData(size, 40, 5)
	words, err := EncodeCompressedSegmentation(d.lbls, size, vox.Point3d{8, 8, 8}, true)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{0, 5, len(words) - 1} {
		_, err := DecodeCompressedSegmentation(words[:n], size, vox.Point3d{8, 8, 8}, 1, true)
		if !errors.Is(err, vox.MalformedPayload) {
			t.Errorf("expected MalformedPayload for %d words, got %v", n, err)
		}
	}
	bad := append([]uint32(nil), words...)
	bad[1] = bad[1]&0xffffff | 3<<24
	if _, err := DecodeCompressedSegmentation(bad, size, vox.Point3d{8, 8, 8}, 1, true); !errors.Is(err, vox.MalformedPayload) {
		t.Errorf("expected MalformedPayload for 3 encoding bits, got %v", err)
	}
}

func TestWriteGoogleCompression(t *testing.T) {
	d := makeTestData(vox.Point3d{32, 32, 32}, 25, 21)
	block, err := MakeBlock(d.lbls, d.size)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := block.WriteGoogleCompression(&buf); err != nil {
		t.Fatal(err)
	}
	out, err := DecodeCompressedSegmentation(vox.Uint32sFromBytes(buf.Bytes()), d.size, vox.Point3d{8, 8, 8}, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	checkLabels(t, out, d.lbls)
}
