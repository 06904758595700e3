// Package shadercache keeps compiled SPIR-V keyed by shader source.
//
// A Cache holds the most recently used modules up to a fixed capacity:
//
//	c := shadercache.New(64)
//	words, err := c.Compile(source, compileWGSL)
//
// Failed compilations are never cached. Cache is safe for concurrent use.
package shadercache
