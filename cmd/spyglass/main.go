// Spyglass CLI - inspects captured host images offline
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/spyglassmod/spyglass/config"
	"github.com/spyglassmod/spyglass/engine"
	"github.com/spyglassmod/spyglass/fields"
	"github.com/spyglassmod/spyglass/snapshot"
	"github.com/spyglassmod/spyglass/view"
)

func main() {
	snapshotPath := flag.String("snapshot", "", "Captured image to load")
	dump := flag.String("dump", "", "What to dump: objects, classes or version")
	className := flag.String("class", "", "Walk one class's fields")
	configPath := flag.String("config", "", "Configuration file (default spyglass.toml)")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: spyglass -snapshot file [options]\n\n")
		fmt.Fprintf(os.Stderr, "Loads a captured host image and inspects its object model.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  spyglass -snapshot host.snap -dump version   # Detected build and features\n")
		fmt.Fprintf(os.Stderr, "  spyglass -snapshot host.snap -dump classes   # Every class definition\n")
		fmt.Fprintf(os.Stderr, "  spyglass -snapshot host.snap -class Pawn     # Field layout of one class\n")
		os.Exit(2)
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail("%v", err)
	}
	verbosity := cfg.Verbosity
	if *verbose && verbosity < 1 {
		verbosity = 1
	}
	commonlog.Configure(verbosity, nil)

	if *snapshotPath == "" {
		fmt.Fprintf(os.Stderr, "spyglass: a -snapshot file is required\n")
		flag.Usage()
	}
	f, err := os.Open(*snapshotPath)
	if err != nil {
		fail("opening snapshot: %v", err)
	}
	snap, err := snapshot.Read(f)
	f.Close()
	if err != nil {
		fail("%v", err)
	}
	img, err := snap.Image()
	if err != nil {
		fail("%v", err)
	}

	// Interception is meaningless against a capture.
	cfg.DisableInterception = true
	eng, err := engine.New(engine.Options{Image: img, Config: cfg})
	if err != nil {
		fail("%v", err)
	}

	switch {
	case *className != "":
		dumpClass(eng, *className)
	case *dump == "version" || *dump == "":
		dumpVersion(eng)
	case *dump == "objects":
		dumpObjects(eng, false)
	case *dump == "classes":
		dumpObjects(eng, true)
	default:
		fail("unknown dump target %q", *dump)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "spyglass: "+format+"\n", args...)
	os.Exit(1)
}

func dumpVersion(eng *engine.Engine) {
	rec := eng.Version()
	fmt.Printf("engine:     %s\n", rec.Engine())
	fmt.Printf("product:    %s\n", rec.Product())
	fmt.Printf("revision:   %d\n", rec.Revision)
	fmt.Printf("generation: %s\n", rec.Generation)
	fmt.Printf("detected:   %v\n", rec.DetectedBy)
	fmt.Printf("features:   chunked-registry=%v packed-names=%v detached-fields=%v keyed-replication=%v indirect-refs=%v\n",
		rec.Flags.ChunkedRegistry, rec.Flags.PackedNames, rec.Flags.DetachedFields,
		rec.Flags.KeyedReplication, rec.Flags.IndirectObjectRefs)
}

func dumpObjects(eng *engine.Engine, classesOnly bool) {
	registry := eng.Registry()
	if registry == nil {
		fail("object registry unavailable in this capture")
	}
	total := 0
	for i := int32(0); i < registry.Count(); i++ {
		h := registry.Get(i)
		if h.IsZero() {
			continue
		}
		o := eng.Object(h)
		if !o.Valid() {
			continue
		}
		if classesOnly {
			if _, ok := o.AsClass(); !ok {
				continue
			}
		}
		fmt.Printf("[%6d] %s\n", i, o.FullName())
		total++
	}
	fmt.Printf("%d objects\n", total)
}

func dumpClass(eng *engine.Engine, name string) {
	c, err := eng.FindClass(name)
	if err != nil {
		fail("class %q: %v", name, err)
	}
	fmt.Printf("class %s", c.Name())
	if super := c.Super(); super.Valid() {
		fmt.Printf(" : %s", super.Name())
	}
	fmt.Printf(" (size %#x, align %d)\n", c.Size(), c.Alignment())

	c.EachField(func(d fields.Descriptor) bool {
		fmt.Printf("  %#06x %-32s %s", d.Offset, d.Name, d.KindName)
		if d.ArrayDim > 1 {
			fmt.Printf("[%d]", d.ArrayDim)
		}
		if d.Flags.Replicated() {
			fmt.Printf(" (replicated)")
		}
		fmt.Println()
		return true
	}, true)

	printDefault(c)
}

func printDefault(c view.Class) {
	if def := c.DefaultObject(); def.Valid() {
		fmt.Printf("default object: %s\n", def.PathName())
	}
}
