package handlers

import (
	"net/http"

	"github.com/dicomkit/dicomweb-server/internal/dicomjson"
	"github.com/dicomkit/dicomweb-server/internal/storage"
	"github.com/dicomkit/dicomweb-server/internal/weberror"
)

// parseSearchQuery maps QIDO-RS query parameters (keyword or hex-tag form)
// onto the storage query.
func parseSearchQuery(r *http.Request) storage.Query {
	get := func(keys ...string) string {
		for _, k := range keys {
			if v := r.URL.Query().Get(k); v != "" {
				return v
			}
		}
		return ""
	}
	q := storage.Query{
		PatientName:      get("PatientName", dicomjson.TagPatientName),
		PatientID:        get("PatientID", dicomjson.TagPatientID),
		AccessionNumber:  get("AccessionNumber", dicomjson.TagAccessionNumber),
		Modality:         get("Modality", dicomjson.TagModality, "ModalitiesInStudy", dicomjson.TagModalitiesInStudy),
		StudyInstanceUID: get("StudyInstanceUID", dicomjson.TagStudyInstanceUID),
		FuzzyMatching:    r.URL.Query().Get("fuzzymatching") == "true",
		IncludeFields:    r.URL.Query()["includefield"],
	}
	if date := get("StudyDate", dicomjson.TagStudyDate); date != "" {
		q.StudyDate = storage.ParseDateRange(date)
	}
	q.Offset, q.Limit = parsePaging(r)
	return q
}

func (h *Handlers) searchStudies(w http.ResponseWriter, r *http.Request) {
	q := parseSearchQuery(r)

	page, err := h.store.SearchStudies(r.Context(), q)
	if err != nil {
		weberror.Write(w, weberror.Wrap(weberror.KindInternal, err, "study search failed"))
		return
	}

	datasets := make([]dicomjson.Dataset, len(page))
	for i, s := range page {
		datasets[i] = s.ToDataset(h.baseURL)
	}
	writeDatasets(w, r, datasets)
}

func (h *Handlers) searchSeries(w http.ResponseWriter, r *http.Request, studyUID string) {
	q := parseSearchQuery(r)

	page, err := h.store.SearchSeries(r.Context(), studyUID, q)
	if err != nil {
		weberror.Write(w, weberror.Wrap(weberror.KindInternal, err, "series search failed"))
		return
	}

	datasets := make([]dicomjson.Dataset, len(page))
	for i, s := range page {
		datasets[i] = s.ToDataset(h.baseURL)
	}
	writeDatasets(w, r, datasets)
}

func (h *Handlers) searchInstances(w http.ResponseWriter, r *http.Request, studyUID, seriesUID string) {
	q := parseSearchQuery(r)

	page, err := h.store.SearchInstances(r.Context(), studyUID, seriesUID, q)
	if err != nil {
		weberror.Write(w, weberror.Wrap(weberror.KindInternal, err, "instance search failed"))
		return
	}

	datasets := make([]dicomjson.Dataset, len(page))
	for i, s := range page {
		datasets[i] = s.ToDataset(h.baseURL)
	}
	writeDatasets(w, r, datasets)
}
