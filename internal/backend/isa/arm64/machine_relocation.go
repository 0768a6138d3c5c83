package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/jitlink/internal/backend"
)

const (
	// maxBranchDistance is the reach of B and BL: a signed 26-bit word offset.
	maxBranchDistance = (1 << 25) * 4

	// nopInstruction is the encoding of NOP.
	nopInstruction uint32 = 0xd503201f
	// blOpcode and bOpcode are the opcode bits of BL and B.
	blOpcode uint32 = 0b100101 << 26
	bOpcode  uint32 = 0b000101 << 26
)

// ResolveRelocations rewrites the branch-and-link instructions of relocs in code, which is installed at base,
// so that each reaches its absolute target. The opcode of every instruction is kept: a relocated instruction
// may be a BL or a B.
func ResolveRelocations(base uint64, code []byte, relocs []backend.RelocationInfo) error {
	for _, r := range relocs {
		if r.Offset < 0 || r.Offset+4 > int64(len(code)) {
			return fmt.Errorf("%w: relocation at %#x outside of %d bytes of code", backend.ErrEncoding, r.Offset, len(code))
		}
		instr := code[r.Offset : r.Offset+4]
		word, err := encodeBranch(binary.LittleEndian.Uint32(instr)&(0b111111<<26), base+uint64(r.Offset), r.Target)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(instr, word)
	}
	return nil
}

// EncodeBranch returns the encoding of an unconditional branch at the address from to the address to.
// It is what a tripped guard's no-op is patched to.
func EncodeBranch(from, to uint64) (uint32, error) {
	return encodeBranch(bOpcode, from, to)
}

// EncodeCall returns the encoding of a branch-and-link at the address from to the address to.
func EncodeCall(from, to uint64) (uint32, error) {
	return encodeBranch(blOpcode, from, to)
}

func encodeBranch(opcode uint32, from, to uint64) (uint32, error) {
	diff := int64(to - from)
	if diff%4 != 0 || diff < -maxBranchDistance || diff >= maxBranchDistance {
		return 0, fmt.Errorf("%w: branch from %#x to %#x out of range", backend.ErrEncoding, from, to)
	}
	// https://developer.arm.com/documentation/ddi0596/2020-12/Base-Instructions/BL--Branch-with-Link-
	return opcode | uint32(diff/4)&0x3ff_ffff, nil
}

// DecodeBranchTarget returns the target of the B or BL instruction word at the address pc.
func DecodeBranchTarget(pc uint64, word uint32) (uint64, bool) {
	if op := word & (0b111111 << 26); op != blOpcode && op != bOpcode {
		return 0, false
	}
	imm26 := int64(word&0x3ff_ffff) << 38 >> 38
	return pc + uint64(imm26*4), true
}

// Branches encodes the instructions written by the run-time patcher.
type Branches struct{}

// EncodeCall is EncodeCall.
func (Branches) EncodeCall(from, to uint64) (uint32, error) {
	return EncodeCall(from, to)
}

// EncodeBranch is EncodeBranch.
func (Branches) EncodeBranch(from, to uint64) (uint32, error) {
	return EncodeBranch(from, to)
}
