package depsolver

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/applesign/resigner/pkg/bundle"
)

const (
	testMachMagic64  = 0xfeedfacf
	testCPUTypeX8664 = 0x01000007
	testLCLoadDylib  = 0x0000000c
	testMHExecute    = 0x2
	testMHDylib      = 0x6
)

// writeMachO64 writes a minimal but real little-endian 64-bit Mach-O file
// at path, with one LC_LOAD_DYLIB command per entry in dylibPaths. It
// exists so depsolver tests can exercise the real debug/macho-backed
// importedLibraries path instead of stubbing dependency edges directly.
func writeMachO64(t *testing.T, path string, filetype uint32, dylibPaths []string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}

	var cmds []byte
	for _, lib := range dylibPaths {
		name := append([]byte(lib), 0)
		cmdLen := 24 + len(name)
		pad := (8 - cmdLen%8) % 8
		cmdsize := cmdLen + pad

		buf := make([]byte, cmdsize)
		binary.LittleEndian.PutUint32(buf[0:4], testLCLoadDylib)
		binary.LittleEndian.PutUint32(buf[4:8], uint32(cmdsize))
		binary.LittleEndian.PutUint32(buf[8:12], 24) // name offset within this command
		binary.LittleEndian.PutUint32(buf[12:16], 0) // timestamp
		binary.LittleEndian.PutUint32(buf[16:20], 0) // current_version
		binary.LittleEndian.PutUint32(buf[20:24], 0) // compatibility_version
		copy(buf[24:], name)
		cmds = append(cmds, buf...)
	}

	header := make([]byte, 32)
	binary.LittleEndian.PutUint32(header[0:4], testMachMagic64)
	binary.LittleEndian.PutUint32(header[4:8], testCPUTypeX8664)
	binary.LittleEndian.PutUint32(header[8:12], 3) // CPU_SUBTYPE_X86_64_ALL
	binary.LittleEndian.PutUint32(header[12:16], filetype)
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(dylibPaths)))
	binary.LittleEndian.PutUint32(header[20:24], uint32(len(cmds)))
	binary.LittleEndian.PutUint32(header[24:28], 0) // flags
	binary.LittleEndian.PutUint32(header[28:32], 0) // reserved

	out := append(header, cmds...)
	if err := os.WriteFile(path, out, 0o755); err != nil {
		t.Fatal(err)
	}
}

func layerIDs(layer []Node) map[string]bool {
	out := make(map[string]bool, len(layer))
	for _, n := range layer {
		out[n.ID] = true
	}
	return out
}

func TestTopoLayersOrdersDependenciesFirst(t *testing.T) {
	nodes := []Node{
		{ID: "Payload/App.app/App"},
		{ID: "Payload/App.app/Frameworks/A.framework/A"},
		{ID: "Payload/App.app/Frameworks/B.framework/B"},
	}
	deps := map[string]map[string]bool{
		"Payload/App.app/App":                          {"Payload/App.app/Frameworks/A.framework/A": true},
		"Payload/App.app/Frameworks/A.framework/A":      {"Payload/App.app/Frameworks/B.framework/B": true},
		"Payload/App.app/Frameworks/B.framework/B":      {},
	}

	layers, cyclic := topoLayers(nodes, deps)
	if cyclic {
		t.Fatal("expected no cycle")
	}
	if len(layers) != 3 {
		t.Fatalf("expected 3 layers, got %d", len(layers))
	}
	if !layerIDs(layers[0])["Payload/App.app/Frameworks/B.framework/B"] {
		t.Fatal("B should be in the first layer (no deps)")
	}
	if !layerIDs(layers[2])["Payload/App.app/App"] {
		t.Fatal("App should be in the last layer")
	}
}

func TestTopoLayersDetectsCycle(t *testing.T) {
	nodes := []Node{{ID: "A"}, {ID: "B"}}
	deps := map[string]map[string]bool{
		"A": {"B": true},
		"B": {"A": true},
	}
	_, cyclic := topoLayers(nodes, deps)
	if !cyclic {
		t.Fatal("expected cycle to be detected")
	}
}

func TestFlatFallbackPutsMainLast(t *testing.T) {
	nodes := []Node{
		{ID: "Payload/App.app/Frameworks/Z.framework/Z"},
		{ID: "Payload/App.app/App"},
		{ID: "Payload/App.app/Frameworks/A.framework/A"},
	}
	out := flatFallback(nodes, "Payload/App.app/App")
	if out[len(out)-1].ID != "Payload/App.app/App" {
		t.Fatalf("expected main executable last, got %v", out)
	}
	if out[0].ID != "Payload/App.app/Frameworks/A.framework/A" {
		t.Fatalf("expected lexicographic order before main, got %v", out)
	}
}

func TestResolveLibPathHandlesRpath(t *testing.T) {
	got := resolveLibPath("@rpath/Lib.framework/Lib", "Payload/App.app")
	want := "Payload/App.app/Lib.framework/Lib"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestResolveLibPathIgnoresSystemPaths(t *testing.T) {
	got := resolveLibPath("/usr/lib/libSystem.B.dylib", "Payload/App.app")
	if got != "" {
		t.Fatalf("expected empty for system path, got %q", got)
	}
}

// TestSolveOrdersRealBundleWalkOutput pipes real bundle.Walk output
// through Solve, reproducing scenario A: Demo links
// Frameworks/Libfoo.framework/Libfoo via @rpath, so Libfoo must land in
// its own layer ahead of Demo.
func TestSolveOrdersRealBundleWalkOutput(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "Demo.app")
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		t.Fatal(err)
	}

	infoPlist := `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleExecutable</key>
	<string>Demo</string>
</dict>
</plist>`
	if err := os.WriteFile(filepath.Join(appDir, "Info.plist"), []byte(infoPlist), 0o644); err != nil {
		t.Fatal(err)
	}

	writeMachO64(t, filepath.Join(appDir, "Demo"), testMHExecute, []string{"@rpath/Frameworks/Libfoo.framework/Libfoo"})
	writeMachO64(t, filepath.Join(appDir, "Frameworks", "Libfoo.framework", "Libfoo"), testMHDylib, nil)

	entries, err := bundle.Walk(appDir)
	if err != nil {
		t.Fatalf("bundle.Walk: %v", err)
	}

	var nodes []Node
	var mainID, frameworkID string
	for _, e := range entries {
		nodes = append(nodes, Node{Path: e.Path, ID: e.ID})
		if e.Kind == bundle.KindMainExecutable {
			mainID = e.ID
		} else {
			frameworkID = e.ID
		}
	}
	if mainID == "" || frameworkID == "" {
		t.Fatalf("expected one main executable and one framework entry, got %+v", entries)
	}

	plan := Solve(nodes, mainID)
	if plan.Cyclic {
		t.Fatal("expected no cycle")
	}
	if len(plan.Layers) != 2 {
		t.Fatalf("expected 2 layers (framework, then main), got %d: %+v", len(plan.Layers), plan.Layers)
	}
	if !layerIDs(plan.Layers[0])[frameworkID] {
		t.Fatalf("expected framework %q in layer 0, got %+v", frameworkID, plan.Layers[0])
	}
	if !layerIDs(plan.Layers[1])[mainID] {
		t.Fatalf("expected main executable %q in layer 1, got %+v", mainID, plan.Layers[1])
	}
}

func TestPlanSerialFlattensLayers(t *testing.T) {
	p := Plan{Layers: [][]Node{
		{{ID: "a"}, {ID: "b"}},
		{{ID: "c"}},
	}}
	serial := p.Serial()
	if len(serial) != 3 || serial[2].ID != "c" {
		t.Fatalf("unexpected serial order: %v", serial)
	}
}
