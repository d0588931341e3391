// tilepack is a CLI utility for building and inspecting tile databases.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Faultbox/midgard-lod/internal/scene"
	"github.com/Faultbox/midgard-lod/internal/simplify"
	"github.com/Faultbox/midgard-lod/internal/tilestore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "generate", "gen":
		err = cmdGenerate(args)
	case "pack":
		err = cmdPack(args)
	case "list", "ls":
		err = cmdList(args)
	case "info":
		err = cmdInfo(args)
	case "cat":
		err = cmdCat(args)
	case "simplify":
		err = cmdSimplify(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`tilepack - paged tile database utility

Usage:
  tilepack <command> [options]

Commands:
  generate [flags] <out>           Generate a terrain pyramid into a directory or .db archive
  pack [-z] <dir> <archive.db>     Copy every tile of a directory into an archive
  list <source> [pattern]          List tiles of a directory or archive
  info <source>                    Show source statistics
  cat <source> <tile>              Print a tile document as JSON
  simplify [flags] <source> <tile> <out.json>
                                   Simplify every geometry of one tile

Examples:
  tilepack generate -levels 5 tiles
  tilepack generate -z world.db
  tilepack pack -z tiles world.db
  tilepack list world.db "tile_2_*"
  tilepack simplify -ratio 0.25 tiles root.json root_low.json`)
}

// openSource opens a tile archive when path is a file and a directory
// source otherwise.
func openSource(path string) (tilestore.Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return tilestore.NewDirSource(path)
	}
	return tilestore.OpenArchive(path)
}

func isArchivePath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".db" || ext == ".sqlite"
}

func cmdGenerate(args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	def := tilestore.DefaultPyramidConfig()
	levels := fs.Int("levels", def.Levels, "Number of levels of detail")
	extent := fs.Float64("extent", float64(def.Extent), "Side length of the whole terrain")
	resolution := fs.Int("resolution", def.Resolution, "Grid cells per tile side")
	amplitude := fs.Float64("amplitude", float64(def.Amplitude), "Terrain height amplitude")
	rangeFactor := fs.Float64("range", float64(def.RangeFactor), "Switch distance as a multiple of tile radius")
	compress := fs.Bool("z", false, "Compress tiles with zstd")
	ratio := fs.Float64("simplify", 0, "Simplify every tile to this triangle ratio (0 = off)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: tilepack generate [flags] <out>")
	}
	out := fs.Arg(0)

	cfg := tilestore.PyramidConfig{
		Levels:      *levels,
		Extent:      float32(*extent),
		Resolution:  *resolution,
		Amplitude:   float32(*amplitude),
		RangeFactor: float32(*rangeFactor),
	}

	write, closeOut, err := tileWriter(out, *compress)
	if err != nil {
		return err
	}
	defer closeOut()

	var simp *simplify.Simplifier
	if *ratio > 0 {
		sc := simplify.DefaultConfig()
		sc.SampleRatio = float32(*ratio)
		simp = simplify.New(sc)
	}

	count := 0
	err = tilestore.GeneratePyramid(cfg, func(name string, doc *tilestore.Document) error {
		if simp != nil {
			var err error
			if doc, err = simplifyDocument(simp, doc); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		data, err := tilestore.Encode(doc)
		if err != nil {
			return err
		}
		count++
		return write(name, data)
	})
	if err != nil {
		return err
	}
	fmt.Printf("Generated %d tiles in %s\n", count, out)
	return nil
}

// tileWriter returns a function that stores tiles under out, which is an
// archive when it has a database extension and a directory otherwise.
func tileWriter(out string, compress bool) (func(name string, data []byte) error, func(), error) {
	if isArchivePath(out) {
		a, err := tilestore.OpenArchive(out)
		if err != nil {
			return nil, nil, err
		}
		return func(name string, data []byte) error {
			return a.Put(name, data, compress)
		}, func() { a.Close() }, nil
	}

	if err := os.MkdirAll(out, 0755); err != nil {
		return nil, nil, err
	}
	return func(name string, data []byte) error {
		path := filepath.Join(out, filepath.FromSlash(name))
		if compress {
			z, err := tilestore.Compress(data)
			if err != nil {
				return err
			}
			data, path = z, path+tilestore.CompressedExt
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		return os.WriteFile(path, data, 0644)
	}, func() {}, nil
}

func simplifyDocument(s *simplify.Simplifier, doc *tilestore.Document) (*tilestore.Document, error) {
	n, err := doc.Build()
	if err != nil {
		return nil, err
	}
	s.Apply(n)
	return tilestore.FromScene(n)
}

func cmdPack(args []string) error {
	fs := flag.NewFlagSet("pack", flag.ExitOnError)
	compress := fs.Bool("z", false, "Compress tiles with zstd")
	fs.Parse(args)

	if fs.NArg() < 2 {
		return fmt.Errorf("usage: tilepack pack [-z] <dir> <archive.db>")
	}

	src, err := tilestore.NewDirSource(fs.Arg(0))
	if err != nil {
		return err
	}
	names, err := src.List()
	if err != nil {
		return err
	}

	a, err := tilestore.OpenArchive(fs.Arg(1))
	if err != nil {
		return err
	}
	defer a.Close()

	for _, name := range names {
		data, err := src.Read(name)
		if err != nil {
			return err
		}
		// Stored tiles are kept raw so the archive decides on compression.
		if data, err = tilestore.Decompress(data); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := a.Put(name, data, *compress); err != nil {
			return err
		}
	}
	fmt.Printf("Packed %d tiles into %s\n", len(names), fs.Arg(1))
	return nil
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	limit := fs.Int("n", 0, "Limit output to N tiles (0 = all)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: tilepack list <source> [pattern]")
	}
	src, err := openSource(fs.Arg(0))
	if err != nil {
		return err
	}
	defer src.Close()

	names, err := src.List()
	if err != nil {
		return err
	}
	pattern := ""
	if fs.NArg() > 1 {
		pattern = fs.Arg(1)
	}

	count := 0
	for _, name := range names {
		if pattern != "" {
			matched, _ := filepath.Match(pattern, filepath.Base(name))
			if !matched && !strings.Contains(name, pattern) {
				continue
			}
		}
		fmt.Println(name)
		count++
		if *limit > 0 && count >= *limit {
			break
		}
	}
	if pattern != "" {
		fmt.Fprintf(os.Stderr, "\n(%d tiles matched)\n", count)
	}
	return nil
}

func cmdInfo(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tilepack info <source>")
	}
	src, err := openSource(args[0])
	if err != nil {
		return err
	}
	defer src.Close()

	names, err := src.List()
	if err != nil {
		return err
	}
	fmt.Printf("Source: %s\n", src.Name())
	fmt.Printf("Tiles:  %d\n", len(names))

	if a, ok := src.(*tilestore.Archive); ok {
		entries, err := a.Entries()
		if err != nil {
			return err
		}
		var raw, stored int64
		compressed := 0
		for _, e := range entries {
			raw += e.Size
			stored += e.Stored
			if e.Compressed {
				compressed++
			}
		}
		fmt.Printf("Size:   %.2f MB raw, %.2f MB stored\n", float64(raw)/(1024*1024), float64(stored)/(1024*1024))
		fmt.Printf("Compressed tiles: %d\n", compressed)
	}

	var nodes, plods, triangles int
	for _, name := range names {
		data, err := src.Read(name)
		if err != nil {
			return err
		}
		if data, err = tilestore.Decompress(data); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		doc, err := tilestore.Decode(data, false)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		n, err := doc.Build()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		nodes += scene.CountNodes(n)
		plods += len(scene.FindPagedLODs(n))
		for _, g := range scene.Geometries(n) {
			triangles += g.NumTriangles()
		}
	}
	fmt.Println()
	fmt.Printf("Nodes:     %d\n", nodes)
	fmt.Printf("PagedLODs: %d\n", plods)
	fmt.Printf("Triangles: %d\n", triangles)
	return nil
}

func cmdCat(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: tilepack cat <source> <tile>")
	}
	src, err := openSource(args[0])
	if err != nil {
		return err
	}
	defer src.Close()

	data, err := src.Read(args[1])
	if err != nil {
		return err
	}
	if data, err = tilestore.Decompress(data); err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func cmdSimplify(args []string) error {
	fs := flag.NewFlagSet("simplify", flag.ExitOnError)
	def := simplify.DefaultConfig()
	ratio := fs.Float64("ratio", float64(def.SampleRatio), "Target triangle ratio; above 1 refines")
	maxErr := fs.Float64("max-error", float64(def.MaximumError), "Stop once the next collapse error exceeds this")
	maxLen := fs.Float64("max-length", float64(def.MaximumLength), "Stop refining once edges are shorter than this")
	smooth := fs.Bool("smooth", def.Smoothing, "Recompute smooth normals")
	strip := fs.Bool("strip", def.TriStrip, "Convert output to triangle strips")
	fs.Parse(args)

	if fs.NArg() < 3 {
		return fmt.Errorf("usage: tilepack simplify [flags] <source> <tile> <out.json>")
	}
	src, err := openSource(fs.Arg(0))
	if err != nil {
		return err
	}
	defer src.Close()

	data, err := src.Read(fs.Arg(1))
	if err != nil {
		return err
	}
	if data, err = tilestore.Decompress(data); err != nil {
		return err
	}
	doc, err := tilestore.Decode(data, true)
	if err != nil {
		return err
	}
	n, err := doc.Build()
	if err != nil {
		return err
	}

	s := simplify.New(simplify.Config{
		SampleRatio:   float32(*ratio),
		MaximumError:  float32(*maxErr),
		MaximumLength: float32(*maxLen),
		Smoothing:     *smooth,
		TriStrip:      *strip,
	})
	res := s.Apply(n)

	out, err := tilestore.FromScene(n)
	if err != nil {
		return err
	}
	encoded, err := tilestore.Encode(out)
	if err != nil {
		return err
	}
	if err := os.WriteFile(fs.Arg(2), encoded, 0644); err != nil {
		return err
	}
	fmt.Printf("Triangles: %d -> %d (last error %g)\n", res.Before, res.After, res.LastError)
	return nil
}
