package reloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyantific/zyan-hook-engine/internal/disasm"
)

func TestAnalyzeCode_StopsAtMinDecode(t *testing.T) {
	// Five single-byte NOPs; min_decode=5 should consume exactly all of them.
	src := []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0xCC, 0xCC}
	insts, consumed, err := AnalyzeCode(disasm.Mode64, src, 0x1000, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, consumed)
	assert.Len(t, insts, 5)
	for i, ana := range insts {
		assert.Equal(t, i, ana.Offset)
		assert.False(t, ana.HasRelativeTarget)
	}
}

func TestAnalyzeCode_CrossLinksInternalBranch(t *testing.T) {
	// JE +2 (len 2), NOP, NOP, NOP -- the branch targets the NOP at offset 4.
	src := []byte{0x74, 0x02, 0x90, 0x90, 0x90}
	insts, _, err := AnalyzeCode(disasm.Mode64, src, 0x1000, 5)
	require.NoError(t, err)
	require.Len(t, insts, 4)

	branch := insts[0]
	assert.True(t, branch.HasRelativeTarget)
	assert.Equal(t, 3, branch.Outgoing)
	assert.False(t, branch.ExternalTarget)

	target := insts[3]
	assert.True(t, target.IsInternalTarget)
	assert.Contains(t, target.Incoming, 0)
}

func TestRelocate_CopiesNonRelativeVerbatim(t *testing.T) {
	src := []byte{0x90, 0x90, 0x90, 0x90, 0x90}
	dst := make([]byte, 32)
	result, err := Relocate(disasm.Mode64, 0x140000000, src, 0x150000000, dst, 5)
	require.NoError(t, err)

	assert.Equal(t, 5, result.BytesRead)
	assert.Equal(t, 5, result.BytesWritten)
	assert.Equal(t, src, dst[:5])
	require.Len(t, result.Map, 5)
	for i, e := range result.Map {
		assert.Equal(t, i, e.SourceOffset)
		assert.Equal(t, i, e.DestinationOffset)
	}
}

func TestRelocate_RejectsCall(t *testing.T) {
	src := []byte{0xE8, 0x00, 0x00, 0x00, 0x00}
	dst := make([]byte, 32)
	_, err := Relocate(disasm.Mode64, 0x140000000, src, 0x150000000, dst, 5)

	var unsupported *UnsupportedInstructionError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "CALL", unsupported.Mnemonic)
}

func TestRelocate_RebasesExternalShortJumpInPlaceWhenItStillFits(t *testing.T) {
	// JMP +3 (len 2): absolute target is srcAddr+2+3. Moving the trampoline
	// only a few bytes away keeps the new displacement within a signed byte.
	src := []byte{0xEB, 0x03, 0x90, 0x90, 0x90}
	dst := make([]byte, 32)
	result, err := Relocate(disasm.Mode64, 0x1000, src, 0x1040, dst, 5)
	require.NoError(t, err)

	assert.Equal(t, byte(0xEB), dst[0], "short jump should stay a short jump when the rebased target fits")
	assert.Equal(t, 5, result.BytesWritten)
}

func TestRelocate_EnlargesExternalShortJumpWhenItNoLongerFits(t *testing.T) {
	src := []byte{0xEB, 0x03, 0x90, 0x90, 0x90}
	dst := make([]byte, 32)
	// Moving the trampoline a long way from the original function pushes the
	// rebased displacement well past what a signed byte can hold.
	result, err := Relocate(disasm.Mode64, 0x140000000, src, 0x150000000, dst, 5)
	require.NoError(t, err)

	assert.Equal(t, byte(0xE9), dst[0], "short jump should enlarge to a 32-bit rel jump")
	assert.Equal(t, 8, result.BytesWritten, "enlarged jmp (5) + the three trailing NOPs (3)")
}

func TestRelocate_InternalBranchFixupPreservesDisplacement(t *testing.T) {
	src := []byte{0x74, 0x02, 0x90, 0x90, 0x90}
	dst := make([]byte, 32)
	result, err := Relocate(disasm.Mode64, 0x1000, src, 0x140000000, dst, 5)
	require.NoError(t, err)

	// No instruction length changed relocating this sequence, so the
	// internal branch's displacement is identical before and after.
	assert.Equal(t, src[:2], dst[:2])
	require.Len(t, result.Map, 4)
}

func TestRelocate_RewritesJecxzToThreeInstructionForm(t *testing.T) {
	// JECXZ +2 (67 E3 02), then two NOPs to reach min_decode=5. JCXZ/JECXZ/
	// LOOP have no 32-bit encoding, so an external-target occurrence always
	// becomes the fixed three-instruction sequence of spec.md §4.3: the
	// original short branch (displacement rewritten to skip the next
	// instruction), a short jump past the enlarged jump, then the enlarged
	// jump to the real target.
	src := []byte{0x67, 0xE3, 0x02, 0x90, 0x90}
	dst := make([]byte, 32)
	result, err := Relocate(disasm.Mode64, 0x1000, src, 0x1040, dst, 5)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x67, 0xE3, 0x02}, dst[:3], "original JECXZ, displacement rewritten to skip the short jump")
	assert.Equal(t, []byte{0xEB, 0x05}, dst[3:5], "short jump over the enlarged jump")
	assert.Equal(t, byte(0xE9), dst[5], "enlarged jump to the real target")

	entries := 0
	for _, e := range result.Map {
		if e.SourceOffset == 0 {
			entries++
		}
	}
	assert.Equal(t, 3, entries, "all three emitted instructions share the JECXZ's own source offset")
}
