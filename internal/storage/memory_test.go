package storage_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/dicomkit/dicomweb-server/internal/dicomjson"
	"github.com/dicomkit/dicomweb-server/internal/models"
	"github.com/dicomkit/dicomweb-server/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstance(study, series, sop, modality, patientName, studyDate string) *models.Instance {
	attrs := dicomjson.Dataset{}
	attrs.SetString(dicomjson.TagStudyInstanceUID, "UI", study)
	attrs.SetString(dicomjson.TagSeriesInstanceUID, "UI", series)
	attrs.SetString(dicomjson.TagSOPInstanceUID, "UI", sop)
	attrs.SetString(dicomjson.TagModality, "CS", modality)
	attrs.SetPersonName(dicomjson.TagPatientName, patientName)
	attrs.SetString(dicomjson.TagPatientID, "LO", "PID-"+patientName)
	attrs.SetString(dicomjson.TagStudyDate, "DA", studyDate)
	return &models.Instance{
		StudyInstanceUID:  study,
		SeriesInstanceUID: series,
		SOPInstanceUID:    sop,
		SOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		Attributes:        attrs,
		Data:              []byte("part10-" + sop),
	}
}

func seedProvider(t *testing.T) *storage.MemoryProvider {
	t.Helper()
	p := storage.NewMemoryProvider()
	ctx := context.Background()
	require.NoError(t, p.StoreInstance(ctx, newInstance("1.1", "1.1.1", "1.1.1.1", "CT", "DOE^JOHN", "20260110")))
	require.NoError(t, p.StoreInstance(ctx, newInstance("1.1", "1.1.1", "1.1.1.2", "CT", "DOE^JOHN", "20260110")))
	require.NoError(t, p.StoreInstance(ctx, newInstance("1.1", "1.1.2", "1.1.2.1", "SR", "DOE^JOHN", "20260110")))
	require.NoError(t, p.StoreInstance(ctx, newInstance("2.2", "2.2.1", "2.2.1.1", "MR", "ROE^JANE", "20260215")))
	return p
}

func TestStoreAndRetrieve(t *testing.T) {
	p := seedProvider(t)
	ctx := context.Background()

	inst, err := p.GetInstance(ctx, "1.1", "1.1.1", "1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, []byte("part10-1.1.1.1"), inst.Data)

	_, err = p.GetInstance(ctx, "1.1", "1.1.1", "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	exists, err := p.InstanceExists(ctx, "2.2", "2.2.1", "2.2.1.1")
	require.NoError(t, err)
	assert.True(t, exists)

	total, err := p.TotalInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
}

func TestSearchStudiesAggregation(t *testing.T) {
	p := seedProvider(t)

	studies, err := p.SearchStudies(context.Background(), storage.Query{})
	require.NoError(t, err)
	require.Len(t, studies, 2)

	s := studies[0]
	assert.Equal(t, "1.1", s.StudyInstanceUID)
	assert.Equal(t, "DOE^JOHN", s.PatientName)
	assert.Equal(t, 2, s.NumberOfSeries)
	assert.Equal(t, 3, s.NumberOfInstances)
	assert.Equal(t, []string{"CT", "SR"}, s.ModalitiesInStudy)
}

func TestSearchStudiesFilters(t *testing.T) {
	p := seedProvider(t)
	ctx := context.Background()

	byName, err := p.SearchStudies(ctx, storage.Query{PatientName: "DOE*"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "1.1", byName[0].StudyInstanceUID)

	byWildcard, err := p.SearchStudies(ctx, storage.Query{PatientName: "?OE^JOHN"})
	require.NoError(t, err)
	assert.Len(t, byWildcard, 1)

	byModality, err := p.SearchStudies(ctx, storage.Query{Modality: "MR"})
	require.NoError(t, err)
	require.Len(t, byModality, 1)
	assert.Equal(t, "2.2", byModality[0].StudyInstanceUID)

	byDate, err := p.SearchStudies(ctx, storage.Query{StudyDate: storage.ParseDateRange("20260201-20260228")})
	require.NoError(t, err)
	require.Len(t, byDate, 1)
	assert.Equal(t, "2.2", byDate[0].StudyInstanceUID)

	fuzzy, err := p.SearchStudies(ctx, storage.Query{PatientName: "jane", FuzzyMatching: true})
	require.NoError(t, err)
	assert.Len(t, fuzzy, 1)

	none, err := p.SearchStudies(ctx, storage.Query{PatientID: "PID-NOBODY"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSearchPagination(t *testing.T) {
	p := storage.NewMemoryProvider()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		study := fmt.Sprintf("1.%d", i)
		require.NoError(t, p.StoreInstance(ctx, newInstance(study, study+".1", study+".1.1", "CT", "DOE", "20260101")))
	}

	page, err := p.SearchStudies(ctx, storage.Query{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "1.1", page[0].StudyInstanceUID)
	assert.Equal(t, "1.2", page[1].StudyInstanceUID)

	past, err := p.SearchStudies(ctx, storage.Query{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestSearchSeriesAndInstances(t *testing.T) {
	p := seedProvider(t)
	ctx := context.Background()

	series, err := p.SearchSeries(ctx, "1.1", storage.Query{})
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, "CT", series[0].Modality)
	assert.Equal(t, 2, series[0].NumberOfInstances)

	ctOnly, err := p.SearchSeries(ctx, "1.1", storage.Query{Modality: "CT"})
	require.NoError(t, err)
	assert.Len(t, ctOnly, 1)

	instances, err := p.SearchInstances(ctx, "1.1", "1.1.1", storage.Query{})
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "1.1.1.1", instances[0].SOPInstanceUID)

	_, err = p.SearchSeries(ctx, "9.9", storage.Query{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeletePrunesEmptyLevels(t *testing.T) {
	p := seedProvider(t)
	ctx := context.Background()

	require.NoError(t, p.DeleteInstance(ctx, "1.1", "1.1.2", "1.1.2.1"))
	n, err := p.CountSeries(ctx, "1.1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "empty series is pruned")

	require.NoError(t, p.DeleteInstance(ctx, "2.2", "2.2.1", "2.2.1.1"))
	_, err = p.GetStudyInstances(ctx, "2.2")
	assert.ErrorIs(t, err, storage.ErrNotFound, "empty study is pruned")

	require.NoError(t, p.DeleteStudy(ctx, "1.1"))
	assert.ErrorIs(t, p.DeleteStudy(ctx, "1.1"), storage.ErrNotFound)
}

func TestStoreReplacesExisting(t *testing.T) {
	p := seedProvider(t)
	ctx := context.Background()

	replacement := newInstance("1.1", "1.1.1", "1.1.1.1", "CT", "DOE^JOHN", "20260110")
	replacement.Data = []byte("updated")
	require.NoError(t, p.StoreInstance(ctx, replacement))

	inst, err := p.GetInstance(ctx, "1.1", "1.1.1", "1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, []byte("updated"), inst.Data)

	total, err := p.TotalInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, total, "replacement does not grow the store")
}

func TestMatchText(t *testing.T) {
	assert.True(t, storage.MatchText("", "anything", false))
	assert.True(t, storage.MatchText("DOE*", "DOE^JOHN", false))
	assert.True(t, storage.MatchText("*JOHN", "DOE^JOHN", false))
	assert.True(t, storage.MatchText("D?E^JOHN", "DOE^JOHN", false))
	assert.False(t, storage.MatchText("DOE", "DOE^JOHN", false))
	assert.True(t, storage.MatchText("doe", "DOE^JOHN", true))
}
