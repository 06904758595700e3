package gfx

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gogpu/gfx/driver"
	"github.com/gogpu/naga"
)

// spirvMagic is the first word of every SPIR-V module.
const spirvMagic = 0x07230203

// CompileWGSL compiles WGSL source to SPIR-V words.
func CompileWGSL(source string) ([]uint32, error) {
	code, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("gfx: compile WGSL: %w", err)
	}
	return spirvWords(code)
}

// spirvWords converts a little-endian SPIR-V byte stream to words.
func spirvWords(code []byte) ([]uint32, error) {
	if len(code) < 4 || len(code)%4 != 0 {
		return nil, fmt.Errorf("gfx: SPIR-V length %d is not a positive multiple of 4", len(code))
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	if words[0] != spirvMagic {
		return nil, fmt.Errorf("gfx: bad SPIR-V magic 0x%08x", words[0])
	}
	return words, nil
}

// ComputePipelineDescriptor describes a compute pipeline. Exactly one of
// WGSL and SPIRV must be set.
type ComputePipelineDescriptor struct {
	Label string

	// WGSL is compiled with naga.
	WGSL string

	// SPIRV is used as is.
	SPIRV []uint32

	// EntryPoint defaults to "main".
	EntryPoint string

	// Layouts are the binding set layouts, in set index order.
	Layouts []*ShaderBindingSetLayout

	// PushConstantSize is the size of the push constant range in bytes.
	PushConstantSize uint32
}

// PipelineState is a compiled render or compute pipeline.
type PipelineState struct {
	dev    driver.Device
	native driver.Pipeline
	label  string
	owned  bool
}

// Native returns the driver pipeline.
func (p *PipelineState) Native() driver.Pipeline { return p.native }

// Label returns the debug label.
func (p *PipelineState) Label() string { return p.label }

// BindPoint reports whether the pipeline is a graphics or compute pipeline.
func (p *PipelineState) BindPoint() driver.BindPoint { return p.native.BindPoint() }

// Destroy releases a pipeline created by the device. Wrapped pipelines are
// only forgotten.
func (p *PipelineState) Destroy() {
	if p.owned && p.native != nil {
		p.dev.DestroyPipeline(p.native)
	}
	p.native = nil
}

// WrapRenderPipeline adopts a graphics pipeline created outside gfx.
func WrapRenderPipeline(native driver.Pipeline, label string) (*PipelineState, error) {
	if native == nil {
		return nil, errors.New("gfx: nil render pipeline")
	}
	if native.BindPoint() != driver.BindPointGraphics {
		return nil, fmt.Errorf("%w: %q is not a graphics pipeline", ErrPipelineKind, label)
	}
	return &PipelineState{native: native, label: label}, nil
}
