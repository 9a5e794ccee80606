package router_test

import (
	"net/http"
	"testing"

	"github.com/dicomkit/dicomweb-server/internal/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchEveryRoute(t *testing.T) {
	r := router.New("/dicom-web")

	cases := []struct {
		method string
		path   string
		typ    router.HandlerType
		params map[string]string
	}{
		{http.MethodGet, "/dicom-web/studies", router.SearchStudies, map[string]string{}},
		{http.MethodGet, "/dicom-web/studies/1.2.3", router.RetrieveStudy, map[string]string{"studyUID": "1.2.3"}},
		{http.MethodGet, "/dicom-web/studies/1.2.3/metadata", router.RetrieveStudyMetadata, map[string]string{"studyUID": "1.2.3"}},
		{http.MethodGet, "/dicom-web/studies/1.2.3/series", router.SearchSeriesInStudy, map[string]string{"studyUID": "1.2.3"}},
		{http.MethodGet, "/dicom-web/studies/1.2.3/series/4.5", router.RetrieveSeries, map[string]string{"studyUID": "1.2.3", "seriesUID": "4.5"}},
		{http.MethodGet, "/dicom-web/studies/1.2.3/series/4.5/metadata", router.RetrieveSeriesMetadata, map[string]string{"studyUID": "1.2.3", "seriesUID": "4.5"}},
		{http.MethodGet, "/dicom-web/studies/1.2.3/series/4.5/instances", router.SearchInstancesInSeries, map[string]string{"studyUID": "1.2.3", "seriesUID": "4.5"}},
		{http.MethodGet, "/dicom-web/studies/1.2.3/series/4.5/instances/6.7", router.RetrieveInstance, map[string]string{"studyUID": "1.2.3", "seriesUID": "4.5", "instanceUID": "6.7"}},
		{http.MethodGet, "/dicom-web/studies/1.2.3/series/4.5/instances/6.7/metadata", router.RetrieveInstanceMetadata, map[string]string{"studyUID": "1.2.3", "seriesUID": "4.5", "instanceUID": "6.7"}},
		{http.MethodGet, "/dicom-web/studies/1.2.3/series/4.5/instances/6.7/frames/1,2", router.RetrieveFrames, map[string]string{"studyUID": "1.2.3", "seriesUID": "4.5", "instanceUID": "6.7", "frames": "1,2"}},
		{http.MethodDelete, "/dicom-web/studies/1.2.3", router.DeleteStudy, map[string]string{"studyUID": "1.2.3"}},
		{http.MethodDelete, "/dicom-web/studies/1.2.3/series/4.5", router.DeleteSeries, map[string]string{"studyUID": "1.2.3", "seriesUID": "4.5"}},
		{http.MethodDelete, "/dicom-web/studies/1.2.3/series/4.5/instances/6.7", router.DeleteInstance, map[string]string{"studyUID": "1.2.3", "seriesUID": "4.5", "instanceUID": "6.7"}},
		{http.MethodPost, "/dicom-web/studies", router.StoreInstances, map[string]string{}},
		{http.MethodPost, "/dicom-web/studies/1.2.3", router.StoreInstancesToStudy, map[string]string{"studyUID": "1.2.3"}},
		{http.MethodGet, "/dicom-web/workitems", router.SearchWorkitems, map[string]string{}},
		{http.MethodPost, "/dicom-web/workitems", router.CreateWorkitem, map[string]string{}},
		{http.MethodGet, "/dicom-web/workitems/9.8", router.RetrieveWorkitem, map[string]string{"workitemUID": "9.8"}},
		{http.MethodPost, "/dicom-web/workitems/9.8", router.CreateWorkitemWithUID, map[string]string{"workitemUID": "9.8"}},
		{http.MethodPut, "/dicom-web/workitems/9.8", router.UpdateWorkitem, map[string]string{"workitemUID": "9.8"}},
		{http.MethodPut, "/dicom-web/workitems/9.8/state", router.ChangeWorkitemState, map[string]string{"workitemUID": "9.8"}},
		{http.MethodPut, "/dicom-web/workitems/9.8/cancelrequest", router.RequestWorkitemCancellation, map[string]string{"workitemUID": "9.8"}},
		{http.MethodPost, "/dicom-web/workitems/9.8/subscribers/SCU1", router.SubscribeWorkitem, map[string]string{"workitemUID": "9.8", "aeTitle": "SCU1"}},
		{http.MethodDelete, "/dicom-web/workitems/9.8/subscribers/SCU1", router.UnsubscribeWorkitem, map[string]string{"workitemUID": "9.8", "aeTitle": "SCU1"}},
		{http.MethodPost, "/dicom-web/workitems/9.8/subscribers/SCU1/suspend", router.SuspendSubscription, map[string]string{"workitemUID": "9.8", "aeTitle": "SCU1"}},
	}

	for _, tc := range cases {
		m, ok := r.Match(tc.method, tc.path)
		require.True(t, ok, "%s %s should match", tc.method, tc.path)
		assert.Equal(t, tc.typ, m.Type, "%s %s", tc.method, tc.path)
		assert.Equal(t, tc.params, m.Params, "%s %s", tc.method, tc.path)
	}
}

func TestMatchRejects(t *testing.T) {
	r := router.New("/dicom-web")

	_, ok := r.Match(http.MethodGet, "/studies")
	assert.False(t, ok, "path outside the prefix must not match")

	_, ok = r.Match(http.MethodPatch, "/dicom-web/studies")
	assert.False(t, ok, "unknown method must not match")

	_, ok = r.Match(http.MethodGet, "/dicom-web/studies/1.2.3/unknown")
	assert.False(t, ok, "unknown resource must not match")

	_, ok = r.Match(http.MethodGet, "/dicom-web/studies//metadata")
	assert.False(t, ok, "empty UID segment must not match")
}

func TestMatchNoPrefix(t *testing.T) {
	r := router.New("")
	m, ok := r.Match(http.MethodGet, "/studies/1.2.3")
	require.True(t, ok)
	assert.Equal(t, router.RetrieveStudy, m.Type)
}

func TestFirstMatchWins(t *testing.T) {
	// "metadata" is a literal segment, so it must be captured by the metadata
	// route and never fall through to the series-UID capture.
	r := router.New("/dicom-web")
	m, ok := r.Match(http.MethodGet, "/dicom-web/studies/1.2.3/metadata")
	require.True(t, ok)
	assert.Equal(t, router.RetrieveStudyMetadata, m.Type)
}
