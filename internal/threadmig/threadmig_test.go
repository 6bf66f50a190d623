package threadmig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyantific/zyan-hook-engine/internal/osthread"
	"github.com/zyantific/zyan-hook-engine/internal/reloc"
)

type fakeHandle struct {
	ip  uintptr
	set uintptr
}

func (h *fakeHandle) ID() osthread.ID     { return 1 }
func (h *fakeHandle) IP() (uintptr, error) { return h.ip, nil }
func (h *fakeHandle) SetIP(ip uintptr) error {
	h.set = ip
	return nil
}
func (h *fakeHandle) Close() error { return nil }

func TestMigrate_MovesThreadForwardIntoTrampoline(t *testing.T) {
	h := &fakeHandle{ip: 0x1000 + 3}
	tm := reloc.TranslationMap{
		{SourceOffset: 0, DestinationOffset: 0},
		{SourceOffset: 3, DestinationOffset: 5},
	}

	err := Migrate(h, Range{Base: 0x1000, Length: 5}, Range{Base: 0x9000, Length: 12}, tm, SrcToDst)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x9000+5), h.set)
}

func TestMigrate_MovesThreadBackwardIntoOriginal(t *testing.T) {
	h := &fakeHandle{ip: 0x9000 + 5}
	tm := reloc.TranslationMap{
		{SourceOffset: 0, DestinationOffset: 0},
		{SourceOffset: 3, DestinationOffset: 5},
	}

	err := Migrate(h, Range{Base: 0x9000, Length: 12}, Range{Base: 0x1000, Length: 5}, tm, DstToSrc)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x1000+3), h.set)
}

func TestMigrate_IgnoresThreadOutsideCurrentRange(t *testing.T) {
	h := &fakeHandle{ip: 0xDEAD0000}
	err := Migrate(h, Range{Base: 0x1000, Length: 5}, Range{Base: 0x9000, Length: 12}, nil, SrcToDst)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0), h.set, "a thread outside the current range must not be touched")
}

func TestMigrate_MidInstructionIsAnError(t *testing.T) {
	h := &fakeHandle{ip: 0x1000 + 1} // offset 1 is not a translation-map entry below
	tm := reloc.TranslationMap{
		{SourceOffset: 0, DestinationOffset: 0},
	}
	err := Migrate(h, Range{Base: 0x1000, Length: 5}, Range{Base: 0x9000, Length: 12}, tm, SrcToDst)
	assert.ErrorIs(t, err, ErrMidInstruction)
}
