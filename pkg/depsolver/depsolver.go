// Package depsolver orders a bundle's Mach-O binaries so that every
// binary is signed after the binaries it links against (spec §4.5, C5).
package depsolver

import (
	"debug/macho"
	"path/filepath"
	"sort"
	"strings"
)

// Node is one signable binary, identified by its path relative to the
// directory holding the .app (e.g. "App.app/App",
// "App.app/Frameworks/Lib.framework/Lib").
type Node struct {
	Path string // absolute filesystem path
	ID   string // bundle-relative identifier, used for graph edges
}

// Plan is the ordered output of Solve: either a single flat serial order
// (Layers has one layer) or a set of parallel-safe layers, each of which
// can be signed concurrently once every prior layer has completed (spec
// §4.5 "layered-parallel strategy").
type Plan struct {
	Layers [][]Node
	// Cyclic is true when the dependency graph contained a cycle and
	// Solve fell back to a flat serial order with the main executable
	// last (spec §4.5 edge case).
	Cyclic bool
}

// Serial flattens the plan into a single signing order.
func (p Plan) Serial() []Node {
	var out []Node
	for _, layer := range p.Layers {
		out = append(out, layer...)
	}
	return out
}

// Solve builds a dependency graph over nodes from their Mach-O
// LC_LOAD_DYLIB references (LC_LOAD_WEAK_DYLIB, LC_REEXPORT_DYLIB and
// LC_LOAD_UPWARD_DYLIB are not read, so those links add no edges),
// resolves @rpath/@executable_path/@loader_path references
// against the bundle's own binaries, and returns a signing plan where
// dependencies always precede their dependents. mainExecutableID names
// the node that must sign last in the serial/cyclic-fallback case.
func Solve(nodes []Node, mainExecutableID string) Plan {
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	deps := make(map[string]map[string]bool, len(nodes))
	for _, n := range nodes {
		deps[n.ID] = resolveDeps(n, byID)
	}

	order, cyclic := topoLayers(nodes, deps)
	if cyclic {
		return Plan{Layers: [][]Node{flatFallback(nodes, mainExecutableID)}, Cyclic: true}
	}
	return Plan{Layers: order}
}

// resolveDeps reads n's Mach-O load commands and maps each imported
// library path to a bundle node ID, when that library lives inside the
// bundle (system frameworks and other binaries outside the bundle are
// not signing dependencies).
func resolveDeps(n Node, byID map[string]Node) map[string]bool {
	out := map[string]bool{}

	libs, err := importedLibraries(n.Path)
	if err != nil {
		return out
	}

	selfDir := filepath.Dir(n.ID)
	for _, lib := range libs {
		resolved := resolveLibPath(lib, selfDir)
		if resolved == "" {
			continue
		}
		for id := range byID {
			if id == n.ID {
				continue
			}
			if strings.HasSuffix(resolved, id) || strings.HasSuffix(id, resolved) || id == resolved {
				out[id] = true
			}
		}
	}
	return out
}

// resolveLibPath rewrites an @rpath/@executable_path/@loader_path-relative
// dylib reference into a bundle-relative path rooted at the binary's own
// directory, a reasonable approximation given IPAs place frameworks
// alongside (or one level under) the consuming binary.
func resolveLibPath(lib, selfDir string) string {
	switch {
	case strings.HasPrefix(lib, "@rpath/"):
		return filepath.Join(selfDir, strings.TrimPrefix(lib, "@rpath/"))
	case strings.HasPrefix(lib, "@executable_path/"):
		return filepath.Join(selfDir, strings.TrimPrefix(lib, "@executable_path/"))
	case strings.HasPrefix(lib, "@loader_path/"):
		return filepath.Join(selfDir, strings.TrimPrefix(lib, "@loader_path/"))
	case strings.HasPrefix(lib, "/"):
		// Absolute system path (e.g. /usr/lib/libSystem.B.dylib): never a
		// bundle-internal dependency.
		return ""
	default:
		return filepath.Join(selfDir, lib)
	}
}

// importedLibraries returns the LC_LOAD_DYLIB paths for path (as listed
// by debug/macho's ImportedLibraries), including fat binaries (the first slice's list is used; IPAs ship the
// same dependency set across architectures).
func importedLibraries(path string) ([]string, error) {
	if f, err := macho.Open(path); err == nil {
		defer f.Close()
		return f.ImportedLibraries()
	}
	fat, err := macho.OpenFat(path)
	if err != nil {
		return nil, err
	}
	defer fat.Close()
	if len(fat.Arches) == 0 {
		return nil, nil
	}
	return fat.Arches[0].ImportedLibraries()
}

// topoLayers Kahn's-algorithm-sorts nodes into parallel-safe layers: layer
// 0 has no bundle-internal dependencies, layer 1 depends only on layer 0,
// and so on. Within a layer, nodes are ordered lexicographically by ID
// for determinism (spec §4.5 "tie-break lexicographically").
func topoLayers(nodes []Node, deps map[string]map[string]bool) ([][]Node, bool) {
	remaining := make(map[string]map[string]bool, len(deps))
	for id, d := range deps {
		cp := make(map[string]bool, len(d))
		for k := range d {
			cp[k] = true
		}
		remaining[id] = cp
	}

	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	var layers [][]Node
	placed := 0
	for placed < len(nodes) {
		var ready []string
		for id, d := range remaining {
			if len(d) == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return nil, true // cycle: nodes remain but none are ready
		}
		sort.Strings(ready)

		layer := make([]Node, 0, len(ready))
		for _, id := range ready {
			layer = append(layer, byID[id])
			delete(remaining, id)
		}
		for _, d := range remaining {
			for _, id := range ready {
				delete(d, id)
			}
		}
		layers = append(layers, layer)
		placed += len(layer)
	}
	return layers, false
}

// flatFallback orders nodes lexicographically with mainExecutableID
// forced last, used when the dependency graph contains a cycle (spec
// §4.5 edge case: "a cyclic graph falls back to flat serial order with
// the main executable signed last").
func flatFallback(nodes []Node, mainExecutableID string) []Node {
	out := make([]Node, 0, len(nodes))
	var main *Node
	for i := range nodes {
		if nodes[i].ID == mainExecutableID {
			m := nodes[i]
			main = &m
			continue
		}
		out = append(out, nodes[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if main != nil {
		out = append(out, *main)
	}
	return out
}
