// Package router matches DICOMweb resource paths against the fixed PS3.18
// route table, returning the handler type and captured UID parameters.
package router

import (
	"net/http"
	"strings"
)

// HandlerType identifies the handler a matched route dispatches to.
type HandlerType string

const (
	SearchStudies                HandlerType = "searchStudies"
	RetrieveStudy                HandlerType = "retrieveStudy"
	RetrieveStudyMetadata        HandlerType = "retrieveStudyMetadata"
	SearchSeriesInStudy          HandlerType = "searchSeriesInStudy"
	RetrieveSeries               HandlerType = "retrieveSeries"
	RetrieveSeriesMetadata       HandlerType = "retrieveSeriesMetadata"
	SearchInstancesInSeries      HandlerType = "searchInstancesInSeries"
	RetrieveInstance             HandlerType = "retrieveInstance"
	RetrieveInstanceMetadata     HandlerType = "retrieveInstanceMetadata"
	RetrieveFrames               HandlerType = "retrieveFrames"
	DeleteStudy                  HandlerType = "deleteStudy"
	DeleteSeries                 HandlerType = "deleteSeries"
	DeleteInstance               HandlerType = "deleteInstance"
	StoreInstances               HandlerType = "storeInstances"
	StoreInstancesToStudy        HandlerType = "storeInstancesToStudy"
	SearchWorkitems              HandlerType = "searchWorkitems"
	CreateWorkitem               HandlerType = "createWorkitem"
	RetrieveWorkitem             HandlerType = "retrieveWorkitem"
	CreateWorkitemWithUID        HandlerType = "createWorkitemWithUID"
	UpdateWorkitem               HandlerType = "updateWorkitem"
	ChangeWorkitemState          HandlerType = "changeWorkitemState"
	RequestWorkitemCancellation  HandlerType = "requestWorkitemCancellation"
	SubscribeWorkitem            HandlerType = "subscribeWorkitem"
	UnsubscribeWorkitem          HandlerType = "unsubscribeWorkitem"
	SuspendSubscription          HandlerType = "suspendSubscription"
)

// Route is one entry of the route table.
type Route struct {
	Method   string
	Template string
	Type     HandlerType
}

// Table is the exhaustive DICOMweb route table. Matching is first-match-wins
// in declaration order.
var Table = []Route{
	{http.MethodGet, "/studies", SearchStudies},
	{http.MethodGet, "/studies/{studyUID}", RetrieveStudy},
	{http.MethodGet, "/studies/{studyUID}/metadata", RetrieveStudyMetadata},
	{http.MethodGet, "/studies/{studyUID}/series", SearchSeriesInStudy},
	{http.MethodGet, "/studies/{studyUID}/series/{seriesUID}", RetrieveSeries},
	{http.MethodGet, "/studies/{studyUID}/series/{seriesUID}/metadata", RetrieveSeriesMetadata},
	{http.MethodGet, "/studies/{studyUID}/series/{seriesUID}/instances", SearchInstancesInSeries},
	{http.MethodGet, "/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}", RetrieveInstance},
	{http.MethodGet, "/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}/metadata", RetrieveInstanceMetadata},
	{http.MethodGet, "/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}/frames/{frames}", RetrieveFrames},
	{http.MethodDelete, "/studies/{studyUID}", DeleteStudy},
	{http.MethodDelete, "/studies/{studyUID}/series/{seriesUID}", DeleteSeries},
	{http.MethodDelete, "/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}", DeleteInstance},
	{http.MethodPost, "/studies", StoreInstances},
	{http.MethodPost, "/studies/{studyUID}", StoreInstancesToStudy},
	{http.MethodGet, "/workitems", SearchWorkitems},
	{http.MethodPost, "/workitems", CreateWorkitem},
	{http.MethodGet, "/workitems/{workitemUID}", RetrieveWorkitem},
	{http.MethodPost, "/workitems/{workitemUID}", CreateWorkitemWithUID},
	{http.MethodPut, "/workitems/{workitemUID}", UpdateWorkitem},
	{http.MethodPut, "/workitems/{workitemUID}/state", ChangeWorkitemState},
	{http.MethodPut, "/workitems/{workitemUID}/cancelrequest", RequestWorkitemCancellation},
	{http.MethodPost, "/workitems/{workitemUID}/subscribers/{aeTitle}", SubscribeWorkitem},
	{http.MethodDelete, "/workitems/{workitemUID}/subscribers/{aeTitle}", UnsubscribeWorkitem},
	{http.MethodPost, "/workitems/{workitemUID}/subscribers/{aeTitle}/suspend", SuspendSubscription},
}

// Match is a successful route match.
type Match struct {
	Type   HandlerType
	Params map[string]string
}

type compiledRoute struct {
	method   string
	segments []string
	typ      HandlerType
}

// Router matches (method, path) pairs under a configured path prefix.
type Router struct {
	prefix string
	routes []compiledRoute
}

// New builds a router for the given path prefix (e.g. "/dicom-web").
func New(prefix string) *Router {
	prefix = strings.TrimSuffix(prefix, "/")
	r := &Router{prefix: prefix}
	for _, rt := range Table {
		r.routes = append(r.routes, compiledRoute{
			method:   rt.Method,
			segments: splitPath(rt.Template),
			typ:      rt.Type,
		})
	}
	return r
}

// Match resolves a request path. The path must begin with the configured
// prefix; the first declared route that matches wins.
func (r *Router) Match(method, path string) (*Match, bool) {
	if r.prefix != "" {
		if !strings.HasPrefix(path, r.prefix) {
			return nil, false
		}
		path = path[len(r.prefix):]
		if path != "" && path[0] != '/' {
			return nil, false
		}
	}
	segs := splitPath(path)
	for _, rt := range r.routes {
		if rt.method != method || len(rt.segments) != len(segs) {
			continue
		}
		params := map[string]string{}
		matched := true
		for i, pat := range rt.segments {
			if strings.HasPrefix(pat, "{") && strings.HasSuffix(pat, "}") {
				if segs[i] == "" {
					matched = false
					break
				}
				params[pat[1:len(pat)-1]] = segs[i]
				continue
			}
			if pat != segs[i] {
				matched = false
				break
			}
		}
		if matched {
			return &Match{Type: rt.typ, Params: params}, true
		}
	}
	return nil, false
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
