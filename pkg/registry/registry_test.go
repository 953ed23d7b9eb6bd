package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberrange/cyris/pkg/types"
)

func TestOpen_EmptyDirStartsWithNoRanges(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, r.ListMetadata())
	assert.False(t, r.Exists("range-1"))
}

func TestPut_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	meta := types.RangeMetadata{RangeID: "range-1", Status: types.RangeStatus("ACTIVE")}
	res := types.RangeResources{RangeID: "range-1", DomainNames: []string{"range-1-desktop"}}
	require.NoError(t, r.Put(meta, res))

	reopened, err := Open(dir)
	require.NoError(t, err)

	got, ok := reopened.GetMetadata("range-1")
	require.True(t, ok)
	assert.Equal(t, types.RangeStatus("ACTIVE"), got.Status)

	gotRes, ok := reopened.GetResources("range-1")
	require.True(t, ok)
	assert.Equal(t, []string{"range-1-desktop"}, gotRes.DomainNames)
}

func TestPutMetadata_LeavesResourcesUntouched(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, r.Put(
		types.RangeMetadata{RangeID: "range-1", Status: types.RangeStatus("CREATING")},
		types.RangeResources{RangeID: "range-1", HostIDs: []string{"host-1"}},
	))

	require.NoError(t, r.PutMetadata(types.RangeMetadata{RangeID: "range-1", Status: types.RangeStatus("ACTIVE")}))

	got, ok := r.GetMetadata("range-1")
	require.True(t, ok)
	assert.Equal(t, types.RangeStatus("ACTIVE"), got.Status)

	res, ok := r.GetResources("range-1")
	require.True(t, ok)
	assert.Equal(t, []string{"host-1"}, res.HostIDs)
}

func TestRemove_DeletesBothRecords(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, r.Put(
		types.RangeMetadata{RangeID: "range-1"},
		types.RangeResources{RangeID: "range-1"},
	))
	require.NoError(t, r.Remove("range-1"))

	assert.False(t, r.Exists("range-1"))
	_, ok := r.GetResources("range-1")
	assert.False(t, ok)
}

func TestOpen_CorruptMetadataFileStartsEmptyInsteadOfFailing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeJSONAtomic(dir+"/"+metadataFile, "not valid json for a map"))

	r, err := Open(dir)
	require.NoError(t, err)
	assert.Empty(t, r.ListMetadata())
}

func TestRangeDir_JoinsUnderRegistryDir(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, dir+"/range-1", r.RangeDir("range-1"))
}
