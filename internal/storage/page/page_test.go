package page_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relforge/relforge/internal/storage/page"
)

func TestHeaderMarshalUnmarshalRoundTrips(t *testing.T) {
	h := page.Header{PageID: 3, PageLSN: 77, NextPageID: page.NoNext, TupleCount: 2, FreeSpaceOff: 4000}
	buf := make([]byte, page.HeaderSize)
	page.Marshal(h, buf)
	require.Equal(t, h, page.Unmarshal(buf))
}

func TestNewInitializesHeader(t *testing.T) {
	buf := page.New(page.DefaultSize, 5)
	h := page.Unmarshal(buf)
	require.Equal(t, page.ID(5), h.PageID)
	require.Equal(t, page.NoNext, h.NextPageID)
	require.Equal(t, uint16(page.DefaultSize), h.FreeSpaceOff)
}

func TestSetCRCThenVerifyCRCSucceeds(t *testing.T) {
	buf := page.New(page.DefaultSize, 1)
	page.SetCRC(buf)
	require.NoError(t, page.VerifyCRC(buf))
}

func TestVerifyCRCDetectsCorruption(t *testing.T) {
	buf := page.New(page.DefaultSize, 1)
	page.SetCRC(buf)
	buf[100] ^= 0xFF
	require.Error(t, page.VerifyCRC(buf))
}

func TestManagerAllocateWriteRead(t *testing.T) {
	dir := t.TempDir()
	m, err := page.Open(filepath.Join(dir, "data.db"), page.DefaultSize)
	require.NoError(t, err)
	defer m.Close()

	id, buf := m.Allocate()
	require.Equal(t, page.ID(0), id)
	copy(buf[page.HeaderSize:], []byte("hello"))
	require.NoError(t, m.Write(id, buf))

	got, err := m.Read(id)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got[page.HeaderSize:page.HeaderSize+5]))
	require.Equal(t, page.ID(1), m.PageCount())
}

func TestManagerReopenPreservesPageCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")
	m, err := page.Open(path, page.DefaultSize)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		id, buf := m.Allocate()
		require.NoError(t, m.Write(id, buf))
	}
	require.NoError(t, m.Close())

	reopened, err := page.Open(path, page.DefaultSize)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, page.ID(3), reopened.PageCount())
}

func TestEnsureAllocatedGrowsFile(t *testing.T) {
	dir := t.TempDir()
	m, err := page.Open(filepath.Join(dir, "data.db"), page.DefaultSize)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.EnsureAllocated(4))
	require.Equal(t, page.ID(5), m.PageCount())

	buf, err := m.Read(4)
	require.NoError(t, err)
	require.NoError(t, page.VerifyCRC(buf))
}
