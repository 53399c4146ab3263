package dvid

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/janelia-flyem/ngsource/chunk"
	"github.com/janelia-flyem/ngsource/multiscale"
	"github.com/janelia-flyem/ngsource/vox"
)

var serverDataTypes = map[string]vox.DataType{
	"uint8":  vox.T_uint8,
	"uint32": vox.T_uint32,
	"uint64": vox.T_uint64,
}

// DataInstanceInfo describes a volume data instance of a repository.
type DataInstanceInfo struct {
	Name        string
	TypeName    string
	Compression string

	Encoding chunk.Encoding

	// Array is set for label arrays whose levels are addressed by a scale parameter
	// instead of sibling instances.
	Array bool

	DataType    vox.DataType
	NumChannels int
	VoxelSize   vox.Vector3d
	NumLevels   int

	// SkeletonInstance is the name of a keyvalue instance holding SWC skeletons or "".
	SkeletonInstance string
}

// Kind returns whether the instance holds images or segmentation.
func (d *DataInstanceInfo) Kind() multiscale.VolumeKind {
	if d.Encoding == chunk.CompressedSegmentation || d.Encoding == chunk.LabelBlocks {
		return multiscale.Segmentation
	}
	return multiscale.Image
}

// LevelInstance returns the instance name holding a level.
func (d *DataInstanceInfo) LevelInstance(level int) string {
	if d.Array {
		return d.Name
	}
	return multiscale.LevelName(d.Name, level)
}

type baseJSON struct {
	TypeName    *string
	Compression string
}

type extendedJSON struct {
	Values          []map[string]json.RawMessage
	VoxelSize       []float64
	MaxDownresLevel *int
	MinPoint        []int32
	MaxPoint        []int32
}

type instanceJSON struct {
	Base     *baseJSON
	Extended *extendedJSON
}

func parseError(field, value, format string, args ...interface{}) error {
	return vox.NewError(vox.ParseError, field, value, format, args...)
}

// ParseDataInstance parses the description of data instance name.  instanceNames holds
// all instance names of the repository and is used to find multiscale levels stored as
// sibling instances and an associated skeleton instance.
func ParseDataInstance(data []byte, name string, instanceNames []string) (*DataInstanceInfo, error) {
	var obj instanceJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, vox.WrapError(vox.ParseError, name, err)
	}
	if obj.Base == nil || obj.Base.TypeName == nil {
		return nil, parseError(name+".Base.TypeName", "", "missing data type name")
	}
	info := &DataInstanceInfo{
		Name:        name,
		TypeName:    *obj.Base.TypeName,
		Compression: obj.Base.Compression,
		NumChannels: 1,
	}
	switch info.TypeName {
	case "uint8blk", "grayscale8":
		if strings.Contains(info.Compression, "jpeg") {
			info.Encoding = chunk.JPEGBlocks
		} else {
			info.Encoding = chunk.Raw
		}
	case "labels64", "labelblk":
		info.Encoding = chunk.CompressedSegmentation
	case "labelarray", "labelmap":
		info.Encoding = chunk.CompressedSegmentation
		info.Array = true
	default:
		return nil, parseError(name+".Base.TypeName", info.TypeName, "DVID data type is not supported")
	}

	ext := obj.Extended
	if ext == nil {
		return nil, parseError(name+".Extended", "", "missing extended properties")
	}
	if len(ext.Values) < 1 {
		return nil, parseError(name+".Extended.Values", fmt.Sprintf("%d values", len(ext.Values)), "expected at least 1 value")
	}
	var typeName string
	if raw, found := ext.Values[0]["DataType"]; !found || json.Unmarshal(raw, &typeName) != nil {
		return nil, parseError(name+".Extended.Values[0].DataType", string(raw), "expected data type name")
	}
	var found bool
	if info.DataType, found = serverDataTypes[typeName]; !found {
		return nil, parseError(name+".Extended.Values[0].DataType", typeName, "expected uint8, uint32 or uint64")
	}
	if len(ext.VoxelSize) != 3 {
		return nil, parseError(name+".Extended.VoxelSize", fmt.Sprintf("%v", ext.VoxelSize), "expected 3 values")
	}
	for i, s := range ext.VoxelSize {
		if !(s > 0) || math.IsInf(s, 0) {
			return nil, parseError(name+".Extended.VoxelSize", fmt.Sprintf("%v", ext.VoxelSize), "size %d must be finite and positive", i)
		}
		info.VoxelSize[i] = s
	}

	instSet := make(map[string]struct{}, len(instanceNames))
	for _, n := range instanceNames {
		instSet[n] = struct{}{}
	}
	exists := func(n string) bool {
		_, found := instSet[n]
		return found
	}
	var maxDownres *int
	if info.Array {
		if ext.MaxDownresLevel == nil {
			return nil, parseError(name+".Extended.MaxDownresLevel", "", "required for %s", info.TypeName)
		}
		maxDownres = ext.MaxDownresLevel
	}
	var err error
	if info.NumLevels, err = multiscale.CountLevels(name, maxDownres, exists); err != nil {
		return nil, err
	}
	if exists(name + "_skeletons") {
		info.SkeletonInstance = name + "_skeletons"
	}
	return info, nil
}

// RepositoryInfo describes a repository as seen from one of its version nodes.  All nodes
// of a repository share the same instance table; only UUID differs.
type RepositoryInfo struct {
	UUID        string
	Alias       string
	Description string

	// DataInstances is shared by every node of the repository and must not be modified.
	DataInstances map[string]*DataInstanceInfo

	// Errors lists instances that could not be parsed.
	Errors []string

	// Nodes are the version node UUIDs of the repository's DAG.
	Nodes []string
}

// InstanceNames returns the sorted names of the parsed data instances.
func (r *RepositoryInfo) InstanceNames() []string {
	names := make([]string, 0, len(r.DataInstances))
	for name := range r.DataInstances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instance returns a parsed data instance.
func (r *RepositoryInfo) Instance(name string) (*DataInstanceInfo, error) {
	info, found := r.DataInstances[name]
	if !found {
		for _, msg := range r.Errors {
			if strings.Contains(msg, fmt.Sprintf("%q", name)) {
				return nil, fmt.Errorf("invalid data instance %q: %s", name, msg)
			}
		}
		return nil, fmt.Errorf("invalid data instance %q in node %s", name, r.UUID)
	}
	return info, nil
}

type repoJSON struct {
	Alias         *string
	Description   *string
	DataInstances map[string]json.RawMessage
	DAG           *struct {
		Nodes map[string]json.RawMessage
	}
}

func parseRepository(uuid string, data []byte) (*RepositoryInfo, error) {
	var obj repoJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, vox.WrapError(vox.ParseError, uuid, err)
	}
	if obj.Alias == nil {
		return nil, parseError(uuid+".Alias", "", "missing alias")
	}
	if obj.Description == nil {
		return nil, parseError(uuid+".Description", "", "missing description")
	}
	if obj.DataInstances == nil {
		return nil, parseError(uuid+".DataInstances", "", "missing data instances")
	}
	if obj.DAG == nil || obj.DAG.Nodes == nil {
		return nil, parseError(uuid+".DAG.Nodes", "", "missing version DAG")
	}
	repo := &RepositoryInfo{
		UUID:          uuid,
		Alias:         *obj.Alias,
		Description:   *obj.Description,
		DataInstances: make(map[string]*DataInstanceInfo),
	}
	names := make([]string, 0, len(obj.DataInstances))
	for name := range obj.DataInstances {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		info, err := ParseDataInstance(obj.DataInstances[name], name, names)
		if err != nil {
			msg := fmt.Sprintf("failed to parse data instance %q: %v", name, err)
			vox.Debugf("%s\n", msg)
			repo.Errors = append(repo.Errors, msg)
			continue
		}
		repo.DataInstances[name] = info
	}
	for node := range obj.DAG.Nodes {
		repo.Nodes = append(repo.Nodes, node)
	}
	sort.Strings(repo.Nodes)
	return repo, nil
}

// ServerInfo holds the repositories of a server keyed by every version node UUID.
type ServerInfo struct {
	Repositories map[string]*RepositoryInfo
}

// ParseServerInfo parses the response of /api/repos/info.  Each version node of a
// repository DAG is made available as its own RepositoryInfo sharing the repository's
// instance table.
func ParseServerInfo(data []byte) (*ServerInfo, error) {
	var repos map[string]json.RawMessage
	if err := json.Unmarshal(data, &repos); err != nil {
		return nil, vox.WrapError(vox.ParseError, "repos info", err)
	}
	if repos == nil {
		return nil, parseError("repos info", string(data), "expected object")
	}
	info := &ServerInfo{Repositories: make(map[string]*RepositoryInfo)}
	for uuid, raw := range repos {
		repo, err := parseRepository(uuid, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DVID repositories info: %w", err)
		}
		info.Repositories[uuid] = repo
	}
	// nodes are added after every root so a root always keeps its own entry.
	for uuid, repo := range repoSnapshot(info.Repositories) {
		for _, node := range repo.Nodes {
			if node == uuid {
				continue
			}
			if _, found := info.Repositories[node]; found {
				continue
			}
			clone := *repo
			clone.UUID = node
			info.Repositories[node] = &clone
		}
	}
	return info, nil
}

func repoSnapshot(m map[string]*RepositoryInfo) map[string]*RepositoryInfo {
	out := make(map[string]*RepositoryInfo, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NodeUUIDs returns all node UUIDs in sorted order.
func (s *ServerInfo) NodeUUIDs() []string {
	uuids := make([]string, 0, len(s.Repositories))
	for uuid := range s.Repositories {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	return uuids
}

// Node returns the repository of the single node whose UUID starts with prefix.
func (s *ServerInfo) Node(prefix string) (*RepositoryInfo, error) {
	var matches []string
	for _, uuid := range s.NodeUUIDs() {
		if strings.HasPrefix(uuid, prefix) {
			matches = append(matches, uuid)
		}
	}
	if len(matches) != 1 {
		return nil, fmt.Errorf("node key %q matches %d nodes %v", prefix, len(matches), matches)
	}
	return s.Repositories[matches[0]], nil
}

// VolumeDetails are the instance properties only reported by the instance itself.
type VolumeDetails struct {
	MinPoint vox.Point3d
	MaxPoint vox.Point3d
}

// ParseVolumeDetails parses the response of /api/node/<uuid>/<name>/info.
func ParseVolumeDetails(data []byte, name string) (*VolumeDetails, error) {
	var obj instanceJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, vox.WrapError(vox.ParseError, name+" info", err)
	}
	if obj.Extended == nil {
		return nil, parseError(name+".Extended", "", "missing extended properties")
	}
	var details VolumeDetails
	for _, pt := range []struct {
		field string
		src   []int32
		dst   *vox.Point3d
	}{
		{"MinPoint", obj.Extended.MinPoint, &details.MinPoint},
		{"MaxPoint", obj.Extended.MaxPoint, &details.MaxPoint},
	} {
		if len(pt.src) != 3 {
			return nil, parseError(name+".Extended."+pt.field, fmt.Sprintf("%v", pt.src), "expected 3 integers")
		}
		copy(pt.dst[:], pt.src)
	}
	return &details, nil
}

// DefaultChunkSizes are the chunk sizes offered for every DVID volume level.
var DefaultChunkSizes = []vox.Point3d{{64, 64, 64}, {128, 128, 64}}

// VolumeDescriptor returns the multiscale description of a volume instance.
func (d *DataInstanceInfo) VolumeDescriptor(details *VolumeDetails) (*multiscale.VolumeDescriptor, error) {
	levels, err := multiscale.BuildLevels(details.MinPoint, details.MaxPoint, d.VoxelSize, d.NumLevels,
		multiscale.DefaultBlockEdge, DefaultChunkSizes, d.LevelInstance)
	if err != nil {
		return nil, err
	}
	if d.Encoding == chunk.CompressedSegmentation {
		for i := range levels {
			levels[i].CompressedBlockSize = vox.Point3d{8, 8, 8}
		}
	}
	return &multiscale.VolumeDescriptor{
		DataType:    d.DataType,
		NumChannels: d.NumChannels,
		Kind:        d.Kind(),
		Levels:      levels,
	}, nil
}
