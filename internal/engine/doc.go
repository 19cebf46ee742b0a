// Package engine's LayerEngine interface is the one external collaborator
// spec §1 calls out by name: the core treats the numerical kernel that
// tokenizes, runs layers, and samples as opaque, consuming only embed/
// forward/sample (spec §6). ReferenceEngine exists so the rest of the
// module can be exercised without GGUF or safetensors weights on disk.
package engine
