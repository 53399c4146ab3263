// Command-line fetching of volume chunks, meshes, skeletons and annotations

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/janelia-flyem/ngsource/chunk"
	"github.com/janelia-flyem/ngsource/datasource"
	"github.com/janelia-flyem/ngsource/vox"

	_ "github.com/janelia-flyem/ngsource/datasource/brainmaps"
	_ "github.com/janelia-flyem/ngsource/datasource/dvid"
	_ "github.com/janelia-flyem/ngsource/datasource/precomputed"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// TOML configuration file.
	configFile = flag.String("config", "", "")

	// Cap on voxels per fetched chunk.
	maxChunkVoxels = flag.Int64("maxvoxels", 0, "")

	// Format of chunk files saved by the chunk command.
	exportFormat = flag.String("format", "raw", "")
)

const helpMessage = `
ngfetch reads data from DVID, Brainmaps and precomputed sources.

Usage: ngfetch [options] <command> <source> [args]

      -config     =string   TOML configuration file with logging, http and cache settings
      -maxvoxels  =number   Maximum # of voxels per fetched chunk
      -format     =string   Saved chunk format: raw, labelblock or compressed_segmentation
  -v, -verbose    (flag)    Log debug messages
  -h, -help       (flag)    Show help message

A source is a URL such as dvid://https://emdata.example.org/a89e/segmentation or an
alias given in the configuration file.

Commands:

  providers                               List the supported URL schemes
  complete <partial url>                  List completions of a partial source URL
  info <source>                           Describe the source and its levels
  levels <source>                         List the levels of a volume
  chunk <source> <level> <x,y,z> [file]   Fetch the chunk holding a voxel, optionally saving it
  region <source> <level> <x,y,z> <x,y,z> Fetch all chunks intersecting a box in parallel
  mesh <source> <id> [file.obj]           Fetch the mesh of a segment
  skeleton <source> <id> [file.swc]       Fetch the skeleton of a segment
  annotations <source> <x,y,z> <size>     List annotations within a box
  segment-annotations <source> <id>       List annotations associated with a segment
`

var usage = func() {
	fmt.Print(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.BoolVar(runVerbose, "v", false, "Run in verbose mode")
	flag.Usage = usage
	flag.Parse()

	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	var cfg *datasource.Config
	if *configFile != "" {
		var err error
		if cfg, err = datasource.LoadConfig(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = datasource.DefaultConfig()
	}
	if err := cfg.Logging.SetLogger(); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to set logger: %v\n", err)
		os.Exit(1)
	}
	if *runVerbose {
		vox.Verbose = true
		vox.SetLogMode(vox.DebugMode)
	}
	if *maxChunkVoxels > 0 {
		cfg.Mesh.MaxChunkVoxels = *maxChunkVoxels
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	env, err := datasource.NewEnv(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	err = run(ctx, env, os.Stdout, flag.Args())
	if cerr := env.Close(); cerr != nil {
		vox.Errorf("closing transports: %v\n", cerr)
	}
	vox.Shutdown()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, env *datasource.Env, w io.Writer, args []string) error {
	command := args[0]
	switch command {
	case "providers":
		for _, p := range datasource.Providers() {
			fmt.Fprintf(w, "%-12s %-8s %s\n", p.Scheme(), p.SemVer(), p.Description())
		}
		return nil
	case "complete":
		if len(args) != 2 {
			return fmt.Errorf("usage: complete <partial url>")
		}
		completions, err := env.Complete(ctx, args[1])
		if err != nil {
			return err
		}
		for _, c := range completions {
			fmt.Fprintln(w, c)
		}
		return nil
	}
	if len(args) < 2 {
		return fmt.Errorf("command %q needs a source", command)
	}
	src, err := env.Open(ctx, args[1])
	if err != nil {
		return err
	}
	args = args[2:]
	switch command {
	case "info":
		fmt.Fprintf(w, "%s\n", src)
		if src.Volume == nil {
			return nil
		}
		return printLevels(w, src)
	case "levels":
		return printLevels(w, src)
	case "chunk":
		if len(args) < 2 || len(args) > 3 {
			return fmt.Errorf("usage: chunk <source> <level> <x,y,z> [file]")
		}
		return fetchChunk(ctx, env, w, src, args)
	case "region":
		if len(args) != 3 {
			return fmt.Errorf("usage: region <source> <level> <x,y,z> <x,y,z>")
		}
		return fetchRegion(ctx, env, w, src, args)
	case "mesh":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("usage: mesh <source> <id> [file.obj]")
		}
		return fetchMesh(ctx, w, src, args)
	case "skeleton":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("usage: skeleton <source> <id> [file.swc]")
		}
		return fetchSkeleton(ctx, w, src, args)
	case "annotations":
		if len(args) != 2 {
			return fmt.Errorf("usage: annotations <source> <x,y,z> <size>")
		}
		return listAnnotations(ctx, w, src, args)
	case "segment-annotations":
		if len(args) != 1 {
			return fmt.Errorf("usage: segment-annotations <source> <id>")
		}
		return listSegmentAnnotations(ctx, w, src, args)
	default:
		return fmt.Errorf("unknown command %q, use -h for help", command)
	}
}

// parsePoint parses "x,y,z" into a point.
func parsePoint(s string) (vox.Point3d, error) {
	var p vox.Point3d
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return p, fmt.Errorf("expected x,y,z, got %q", s)
	}
	for i, part := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return p, fmt.Errorf("bad coordinate in %q: %v", s, err)
		}
		p[i] = int32(v)
	}
	return p, nil
}

func parseID(s string) (uint64, error) {
	return vox.ParseUint64(s, 10)
}

// create opens the output file or returns nil if no file was given.
func create(args []string, i int) (*os.File, error) {
	if len(args) <= i {
		return nil, nil
	}
	return os.Create(args[i])
}

func printLevels(w io.Writer, src *datasource.Source) error {
	if src.Volume == nil {
		return fmt.Errorf("%s has no volume", src.URL)
	}
	desc := src.Volume.Descriptor()
	fmt.Fprintf(w, "%s %s volume, %d channel(s)\n", desc.Kind, desc.DataType, desc.NumChannels)
	for _, level := range desc.Levels {
		size := level.Size()
		fmt.Fprintf(w, "  level %d [%s]: %s -> %s, %s voxels, voxel size %s, chunk sizes %v\n",
			level.Level, level.Key, level.Lower, level.Upper, humanize.Comma(size.Prod()),
			level.VoxelSize, level.ChunkSizes)
	}
	return nil
}

func fetchChunk(ctx context.Context, env *datasource.Env, w io.Writer, src *datasource.Source, args []string) error {
	if src.Volume == nil {
		return fmt.Errorf("%s has no volume", src.URL)
	}
	level, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("bad level %q: %v", args[0], err)
	}
	voxel, err := parsePoint(args[1])
	if err != nil {
		return err
	}
	format, err := chunk.ParseExportFormat(*exportFormat)
	if err != nil {
		return err
	}
	grid, err := datasource.ChunkGrid(src.Volume, level, env.Config.Mesh.MaxChunkVoxels)
	if err != nil {
		return err
	}
	req, err := grid.ChunkContaining(voxel)
	if err != nil {
		return err
	}
	timedLog := vox.NewTimeLog()
	buf, err := src.Volume.FetchChunk(ctx, req)
	if err != nil {
		return err
	}
	timedLog.Infof("Fetched %s", req)
	offset := voxel.Sub(req.Corner)
	fmt.Fprintf(w, "%s: %s, %s\n", req, buf, humanize.Bytes(uint64(buf.NumBytes())))
	for c := 0; c < buf.NumChannels; c++ {
		fmt.Fprintf(w, "  channel %d at %s: %d\n", c, voxel, buf.Value(offset, c))
	}
	f, err := create(args, 2)
	if err != nil || f == nil {
		return err
	}
	defer f.Close()
	return buf.Export(f, format)
}

func fetchRegion(ctx context.Context, env *datasource.Env, w io.Writer, src *datasource.Source, args []string) error {
	if src.Volume == nil {
		return fmt.Errorf("%s has no volume", src.URL)
	}
	level, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("bad level %q: %v", args[0], err)
	}
	lo, err := parsePoint(args[1])
	if err != nil {
		return err
	}
	hi, err := parsePoint(args[2])
	if err != nil {
		return err
	}
	grid, err := datasource.ChunkGrid(src.Volume, level, env.Config.Mesh.MaxChunkVoxels)
	if err != nil {
		return err
	}
	reqs := grid.Intersecting(lo, hi)
	if len(reqs) == 0 {
		return fmt.Errorf("box %s -> %s is outside level %d", lo, hi, level)
	}
	timedLog := vox.NewTimeLog()
	bufs, err := datasource.FetchChunks(ctx, src.Volume, reqs, env.Config.HTTP.MaxConcurrent)
	if err != nil {
		return err
	}
	var total int64
	for _, buf := range bufs {
		total += buf.NumBytes()
	}
	timedLog.Infof("Fetched %d chunks", len(reqs))
	fmt.Fprintf(w, "%d chunks of size %s, %s\n", len(reqs), grid.ChunkSize(), humanize.Bytes(uint64(total)))
	return nil
}

func fetchMesh(ctx context.Context, w io.Writer, src *datasource.Source, args []string) error {
	if src.Mesh == nil {
		return fmt.Errorf("%s has no meshes", src.URL)
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	m, err := src.Mesh.FetchMesh(ctx, id, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "mesh %d: %s vertices, %s triangles\n", id,
		humanize.Comma(int64(m.NumVertices())), humanize.Comma(int64(m.NumTriangles())))
	f, err := create(args, 1)
	if err != nil || f == nil {
		return err
	}
	defer f.Close()
	return m.WriteOBJ(f)
}

func fetchSkeleton(ctx context.Context, w io.Writer, src *datasource.Source, args []string) error {
	if src.Skeleton == nil {
		return fmt.Errorf("%s has no skeletons", src.URL)
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	skel, err := src.Skeleton.FetchSkeleton(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "skeleton %d: %d vertices, %d edges\n", id, skel.NumVertices(), skel.NumEdges())
	f, err := create(args, 1)
	if err != nil || f == nil {
		return err
	}
	defer f.Close()
	return skel.WriteSWC(f)
}

func listAnnotations(ctx context.Context, w io.Writer, src *datasource.Source, args []string) error {
	if src.Annotations == nil {
		return fmt.Errorf("%s has no annotations", src.URL)
	}
	corner, err := parsePoint(args[0])
	if err != nil {
		return err
	}
	size, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("bad box size %q: %v", args[1], err)
	}
	lo := corner.Vector3d()
	hi := lo.Add(vox.Vector3d{size, size, size})
	anns, err := src.Annotations.InBounds(ctx, vox.BoundsFromCorners(lo, hi))
	if err != nil {
		return err
	}
	for _, a := range anns {
		fmt.Fprintln(w, a)
	}
	fmt.Fprintf(w, "%d annotations\n", len(anns))
	return nil
}

func listSegmentAnnotations(ctx context.Context, w io.Writer, src *datasource.Source, args []string) error {
	if src.Annotations == nil {
		return fmt.Errorf("%s has no annotations", src.URL)
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	anns, err := src.Annotations.ForSegment(ctx, id)
	if err != nil {
		return err
	}
	for _, a := range anns {
		fmt.Fprintln(w, a)
	}
	fmt.Fprintf(w, "%d annotations\n", len(anns))
	return nil
}
