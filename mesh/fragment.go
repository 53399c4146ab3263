package mesh

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/janelia-flyem/ngsource/vox"
)

// Separator joins the object id and fragment key of a change-tracked fragment id.  It
// cannot appear in either component.
const Separator = "\x00"

// DefaultFragmentSize is the edge length in voxels of the spatial cell a fragment key
// addresses through its Morton code.
const DefaultFragmentSize = 500

// BatchSize is the maximum # of fragment ids in one batch.
const BatchSize = 100

// FragmentID names one fragment.  Without change tracking it is the bare fragment key;
// with change tracking it is the decimal object id and the key joined by Separator.
type FragmentID string

// NewFragmentID returns the change-tracked id of a fragment of the given object.
func NewFragmentID(objectID, key string) FragmentID {
	return FragmentID(objectID + Separator + key)
}

// Split returns the object id and fragment key.  Untracked ids have an empty object.
func (id FragmentID) Split() (objectID, key string) {
	s := string(id)
	i := strings.Index(s, Separator)
	if i < 0 {
		return "", s
	}
	return s[:i], s[i+1:]
}

// Key returns the fragment key without any object prefix.
func (id FragmentID) Key() string {
	_, key := id.Split()
	return key
}

func (id FragmentID) String() string {
	objectID, key := id.Split()
	if objectID == "" {
		return key
	}
	return objectID + "/" + key
}

type manifestJSON struct {
	FragmentKey  *[]string `json:"fragmentKey"`
	SupervoxelID *[]string `json:"supervoxelId"`
}

// DecodeManifest parses a fragment listing.  Without change tracking only the
// "fragmentKey" array is used.  With change tracking a parallel "supervoxelId" array of
// the same length is required and each id pairs a supervoxel with its key.
func DecodeManifest(data []byte, changeTracking bool) ([]FragmentID, error) {
	var m manifestJSON
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, vox.WrapError(vox.ParseError, "manifest", err)
	}
	if m.FragmentKey == nil {
		return nil, vox.NewError(vox.ParseError, "fragmentKey", "", "missing fragment key list")
	}
	keys := *m.FragmentKey
	ids := make([]FragmentID, len(keys))
	if !changeTracking {
		for i, key := range keys {
			ids[i] = FragmentID(key)
		}
		return ids, nil
	}
	if m.SupervoxelID == nil {
		return nil, vox.NewError(vox.ParseError, "supervoxelId", "", "missing supervoxel id list")
	}
	svs := *m.SupervoxelID
	if len(svs) != len(keys) {
		return nil, vox.NewError(vox.ParseError, "supervoxelId", fmt.Sprintf("%d ids", len(svs)),
			"expected fragmentKey and supervoxelId arrays to have the same length %d", len(keys))
	}
	for i, key := range keys {
		ids[i] = NewFragmentID(svs[i], key)
	}
	return ids, nil
}

// FragmentBounds returns the spatial cell of a fragment key: the key is a hex Morton code
// of the cell's grid position and the cell has edge length size.
func FragmentBounds(key string, size float64) (vox.Bounds, error) {
	code, err := vox.ParseUint64(key, 16)
	if err != nil {
		return vox.Bounds{}, err
	}
	cell, err := vox.DecodeMorton(code)
	if err != nil {
		return vox.Bounds{}, err
	}
	extent := vox.Vector3d{size, size, size}
	corner := cell.Vector3d().Mult(extent)
	return vox.Bounds{Center: corner.Add(extent.Scale(0.5)), Size: extent}, nil
}

// FilterFragments returns the ids whose spatial cell intersects clip, keeping order.
func FilterFragments(ids []FragmentID, clip vox.Bounds, size float64) ([]FragmentID, error) {
	if size <= 0 {
		size = DefaultFragmentSize
	}
	var kept []FragmentID
	for _, id := range ids {
		bounds, err := FragmentBounds(id.Key(), size)
		if err != nil {
			return nil, err
		}
		if bounds.Intersects(clip) {
			kept = append(kept, id)
		}
	}
	return kept, nil
}

// GroupIntoBatches splits ids into serialized lists of at most n ids.
func GroupIntoBatches(ids []FragmentID, n int) ([]string, error) {
	if n <= 0 {
		n = BatchSize
	}
	var batches []string
	for begin := 0; begin < len(ids); begin += n {
		end := begin + n
		if end > len(ids) {
			end = len(ids)
		}
		data, err := json.Marshal(ids[begin:end])
		if err != nil {
			return nil, err
		}
		batches = append(batches, string(data))
	}
	return batches, nil
}

// ParseBatch returns the ids of a batch serialized by GroupIntoBatches.
func ParseBatch(batch string) ([]FragmentID, error) {
	var ids []FragmentID
	if err := json.Unmarshal([]byte(batch), &ids); err != nil {
		return nil, vox.WrapError(vox.ParseError, "fragment batch", err)
	}
	return ids, nil
}
