// Package handlers implements the DICOMweb operations behind the route
// table: QIDO-RS search, WADO-RS retrieval, STOW-RS storage and the UPS-RS
// workitem service.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dicomkit/dicomweb-server/internal/config"
	"github.com/dicomkit/dicomweb-server/internal/dicomfile"
	"github.com/dicomkit/dicomweb-server/internal/dicomjson"
	"github.com/dicomkit/dicomweb-server/internal/events"
	"github.com/dicomkit/dicomweb-server/internal/negotiate"
	"github.com/dicomkit/dicomweb-server/internal/router"
	"github.com/dicomkit/dicomweb-server/internal/storage"
	"github.com/dicomkit/dicomweb-server/internal/ups"
	"github.com/dicomkit/dicomweb-server/internal/weberror"
)

// Media types served by the JSON endpoints.
const (
	mediaDICOMJSON = "application/dicom+json"
	mediaJSON      = "application/json"
	mediaDICOM     = "application/dicom"
	mediaOctets    = "application/octet-stream"
)

var jsonCharsets = []string{"utf-8"}

// Handlers carries the collaborators every operation needs. UPS may be nil,
// in which case every workitem route answers 501.
type Handlers struct {
	store  storage.Provider
	ups    ups.Provider
	subs   *events.SubscriptionManager
	parser dicomfile.Parser
	stow   config.STOWConfig

	// baseURL is the absolute prefix RetrieveURL and Location values are
	// built from.
	baseURL string
}

// New wires the handler set.
func New(store storage.Provider, upsProvider ups.Provider, subs *events.SubscriptionManager, parser dicomfile.Parser, stow config.STOWConfig, baseURL string) *Handlers {
	return &Handlers{
		store:   store,
		ups:     upsProvider,
		subs:    subs,
		parser:  parser,
		stow:    stow,
		baseURL: baseURL,
	}
}

// Handle dispatches a matched route.
func (h *Handlers) Handle(w http.ResponseWriter, r *http.Request, m *router.Match) {
	p := m.Params
	switch m.Type {
	case router.SearchStudies:
		h.searchStudies(w, r)
	case router.SearchSeriesInStudy:
		h.searchSeries(w, r, p["studyUID"])
	case router.SearchInstancesInSeries:
		h.searchInstances(w, r, p["studyUID"], p["seriesUID"])
	case router.RetrieveStudy:
		h.retrieveStudy(w, r, p["studyUID"])
	case router.RetrieveSeries:
		h.retrieveSeries(w, r, p["studyUID"], p["seriesUID"])
	case router.RetrieveInstance:
		h.retrieveInstance(w, r, p["studyUID"], p["seriesUID"], p["instanceUID"])
	case router.RetrieveStudyMetadata:
		h.retrieveStudyMetadata(w, r, p["studyUID"])
	case router.RetrieveSeriesMetadata:
		h.retrieveSeriesMetadata(w, r, p["studyUID"], p["seriesUID"])
	case router.RetrieveInstanceMetadata:
		h.retrieveInstanceMetadata(w, r, p["studyUID"], p["seriesUID"], p["instanceUID"])
	case router.RetrieveFrames:
		h.retrieveFrames(w, r, p["studyUID"], p["seriesUID"], p["instanceUID"], p["frames"])
	case router.DeleteStudy:
		h.deleteStudy(w, r, p["studyUID"])
	case router.DeleteSeries:
		h.deleteSeries(w, r, p["studyUID"], p["seriesUID"])
	case router.DeleteInstance:
		h.deleteInstance(w, r, p["studyUID"], p["seriesUID"], p["instanceUID"])
	case router.StoreInstances:
		h.storeInstances(w, r, "")
	case router.StoreInstancesToStudy:
		h.storeInstances(w, r, p["studyUID"])
	case router.SearchWorkitems:
		h.searchWorkitems(w, r)
	case router.CreateWorkitem:
		h.createWorkitem(w, r, "")
	case router.CreateWorkitemWithUID:
		h.createWorkitem(w, r, p["workitemUID"])
	case router.RetrieveWorkitem:
		h.retrieveWorkitem(w, r, p["workitemUID"])
	case router.UpdateWorkitem:
		h.updateWorkitem(w, r, p["workitemUID"])
	case router.ChangeWorkitemState:
		h.changeWorkitemState(w, r, p["workitemUID"])
	case router.RequestWorkitemCancellation:
		h.requestCancellation(w, r, p["workitemUID"])
	case router.SubscribeWorkitem:
		h.subscribe(w, r, p["workitemUID"], p["aeTitle"])
	case router.UnsubscribeWorkitem:
		h.unsubscribe(w, r, p["workitemUID"], p["aeTitle"])
	case router.SuspendSubscription:
		h.suspendSubscription(w, r, p["workitemUID"], p["aeTitle"])
	default:
		weberror.Write(w, weberror.New(weberror.KindNotFound, "unknown operation"))
	}
}

// negotiateJSON checks Accept and Accept-Charset for a DICOM+JSON response
// and returns the Content-Type to emit, or writes 406.
func negotiateJSON(w http.ResponseWriter, r *http.Request) (string, bool) {
	mt, ok := negotiate.NegotiateMediaType(r.Header.Get("Accept"), []string{mediaDICOMJSON, mediaJSON})
	if !ok {
		weberror.Write(w, weberror.New(weberror.KindNotAcceptable, "acceptable media types: %s, %s", mediaDICOMJSON, mediaJSON))
		return "", false
	}
	cs, ok := negotiate.NegotiateCharset(r.Header.Get("Accept-Charset"), jsonCharsets)
	if !ok {
		weberror.Write(w, weberror.New(weberror.KindNotAcceptable, "acceptable charsets: utf-8"))
		return "", false
	}
	return mt + "; charset=" + cs, true
}

func writeJSON(w http.ResponseWriter, status int, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDatasets emits a search result page. X-Total-Count reports the result
// count of this response. An empty result is a 200 with an empty JSON array,
// never a 204, so the response stays cacheable.
func writeDatasets(w http.ResponseWriter, r *http.Request, datasets []dicomjson.Dataset) {
	ct, ok := negotiateJSON(w, r)
	if !ok {
		return
	}
	if datasets == nil {
		datasets = []dicomjson.Dataset{}
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(len(datasets)))
	writeJSON(w, http.StatusOK, ct, datasets)
}

// parsePaging reads offset/limit, defaulting limit to 100.
func parsePaging(r *http.Request) (offset, limit int) {
	limit = 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}
	return offset, limit
}
