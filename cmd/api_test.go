//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/composite-cli/internal/model"
)

const (
	runA = "Component,CAS,Percentage\nLimonene,5989-27-5,90\nCitral,5392-40-5,3\n"
	runB = "Component,CAS,Percentage\nLimonene,5989-27-5,80\nCitral,5392-40-5,3\n"
)

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	cfg = testConfig(t)
	env, err := initEnv(context.Background(), "serve")
	require.NoError(t, err)
	t.Cleanup(env.Close)

	srv := httptest.NewServer(buildRouter(env, []string{"*"}))
	t.Cleanup(srv.Close)
	return srv
}

// call sends a request and decodes a JSON response into out when non-nil.
func call(t *testing.T, srv *httptest.Server, method, path, contentType string, body io.Reader, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func callJSON(t *testing.T, srv *httptest.Server, method, path string, in, out any) int {
	t.Helper()
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	return call(t, srv, method, path, "application/json", body, out)
}

func uploadCSV(t *testing.T, srv *httptest.Server, material, filename, csv string) *model.AnalysisRecord {
	t.Helper()
	var rec model.AnalysisRecord
	status := call(t, srv, http.MethodPost, "/materials/"+material+"/analyses?filename="+filename+"&batch=B-1",
		"text/csv", strings.NewReader(csv), &rec)
	require.Equal(t, http.StatusCreated, status)
	return &rec
}

func TestAPI_Health(t *testing.T) {
	srv := newTestAPI(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/health", "", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_Materials(t *testing.T) {
	srv := newTestAPI(t)

	var m model.Material
	status := callJSON(t, srv, http.MethodPost, "/materials", map[string]string{
		"reference_code": "RM-001",
		"name":           "Orange oil",
		"cas_number":     "8008-57-9",
	}, &m)
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, m.ID)
	assert.True(t, m.Active)

	var errResp errorResponse
	status = callJSON(t, srv, http.MethodPost, "/materials", map[string]string{"reference_code": "RM-002"}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, model.KindValidation, errResp.Kind)

	var got model.Material
	assert.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/materials/RM-001", "", nil, &got))
	assert.Equal(t, m.ID, got.ID)

	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, "/materials/RM-404", "", nil, &errResp))
	assert.Equal(t, model.KindNotFound, errResp.Kind)

	var list []model.Material
	assert.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/materials?search=orange", "", nil, &list))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodGet, "/materials?limit=-1", "", nil, &errResp))
}

func TestAPI_IngestFailedRecord(t *testing.T) {
	srv := newTestAPI(t)
	callJSON(t, srv, http.MethodPost, "/materials", map[string]string{"reference_code": "RM-001", "name": "Orange oil"}, nil)

	var errResp errorResponse
	status := call(t, srv, http.MethodPost, "/materials/RM-001/analyses?filename=bad.csv",
		"text/csv", strings.NewReader("Name,Area\nLimonene,90\n"), &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, errResp.Record)
	assert.Equal(t, model.ProcessingFailed, errResp.Record.Status)

	var list []model.AnalysisRecord
	assert.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/materials/RM-001/analyses?status=failed", "", nil, &list))
	assert.Len(t, list, 1)
}

func TestAPI_IngestOversizedUpload(t *testing.T) {
	cfg = testConfig(t)
	env, err := initEnv(context.Background(), "serve")
	require.NoError(t, err)
	t.Cleanup(env.Close)
	handler := buildRouter(env, nil)

	require.NoError(t, env.Engine.CreateMaterial(context.Background(), &model.Material{ReferenceCode: "RM-001", Name: "Orange oil"}))

	big := make([]byte, maxUploadBytes+1024)
	copy(big, runA)
	req := httptest.NewRequest(http.MethodPost, "/materials/RM-001/analyses?filename=big.csv", bytes.NewReader(big))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	var errResp errorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&errResp))
	assert.Nil(t, errResp.Record)

	req = httptest.NewRequest(http.MethodGet, "/materials/RM-001/analyses", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []model.AnalysisRecord
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	assert.Empty(t, list)
}

func TestAPI_CompositeLifecycle(t *testing.T) {
	srv := newTestAPI(t)
	callJSON(t, srv, http.MethodPost, "/materials", map[string]string{"reference_code": "RM-001", "name": "Orange oil"}, nil)

	a := uploadCSV(t, srv, "RM-001", "run-a.csv", runA)
	assert.Equal(t, model.ProcessingProcessed, a.Status)
	assert.Equal(t, "B-1", a.BatchNumber)

	var v1 model.Composite
	require.Equal(t, http.StatusCreated, callJSON(t, srv, http.MethodPost, "/materials/RM-001/composites",
		map[string]any{"analysis_ids": []string{a.ID}}, &v1))
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, model.CompositeDraft, v1.Status)

	var wf model.ApprovalWorkflow
	require.Equal(t, http.StatusOK, callJSON(t, srv, http.MethodPut, "/composites/"+v1.ID+"/submit",
		map[string]string{"assignee": "qa"}, &wf))
	assert.Equal(t, model.WorkflowPending, wf.Status)

	require.Equal(t, http.StatusOK, callJSON(t, srv, http.MethodPut, "/composites/"+v1.ID+"/review",
		map[string]string{"reviewer": "lead"}, &wf))
	assert.Equal(t, model.WorkflowInReview, wf.Status)

	var approved model.Composite
	require.Equal(t, http.StatusOK, callJSON(t, srv, http.MethodPut, "/composites/"+v1.ID+"/approve", nil, &approved))
	assert.Equal(t, model.CompositeApproved, approved.Status)

	// A second run drifts ten points from the specification.
	b := uploadCSV(t, srv, "RM-001", "run-b.csv", runB)
	var v2 model.Composite
	require.Equal(t, http.StatusCreated, callJSON(t, srv, http.MethodPost, "/materials/RM-001/composites",
		map[string]any{"analysis_ids": []string{b.ID}}, &v2))
	assert.Equal(t, 2, v2.Version)

	var cmp model.Comparison
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/composites/"+v1.ID+"/compare/"+v2.ID, "", nil, &cmp))
	assert.True(t, cmp.SignificantChanges)

	callJSON(t, srv, http.MethodPut, "/composites/"+v2.ID+"/submit", nil, nil)

	var errResp errorResponse
	assert.Equal(t, http.StatusConflict, callJSON(t, srv, http.MethodPut, "/composites/"+v2.ID+"/approve", nil, &errResp))
	assert.Equal(t, model.KindRequiresJustification, errResp.Kind)
	require.NotNil(t, errResp.Comparison)
	assert.InDelta(t, 10.0, errResp.Comparison.TotalChangeScore, 1e-9)

	assert.Equal(t, http.StatusConflict, callJSON(t, srv, http.MethodPut, "/composites/"+v1.ID+"/archive", nil, &errResp))
	assert.Equal(t, model.KindCannotArchiveActiveSpecification, errResp.Kind)

	require.Equal(t, http.StatusOK, callJSON(t, srv, http.MethodPut, "/composites/"+v2.ID+"/approve",
		map[string]any{"override": true, "comments": "new crop confirmed by supplier"}, &approved))
	assert.Equal(t, model.CompositeApproved, approved.Status)

	require.Equal(t, http.StatusOK, callJSON(t, srv, http.MethodPut, "/composites/"+v1.ID+"/archive", nil, &approved))
	assert.Equal(t, model.CompositeArchived, approved.Status)

	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/composites/"+v2.ID+"/workflow", "", nil, &wf))
	assert.True(t, wf.Overridden)

	var workflows []model.ApprovalWorkflow
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/workflows?material=RM-001&status=approved", "", nil, &workflows))
	assert.Len(t, workflows, 2)

	var composites []model.Composite
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/materials/RM-001/composites", "", nil, &composites))
	require.Len(t, composites, 2)
	assert.Equal(t, 2, composites[0].Version)
}

func TestAPI_RejectRequiresReason(t *testing.T) {
	srv := newTestAPI(t)
	callJSON(t, srv, http.MethodPost, "/materials", map[string]string{"reference_code": "RM-001", "name": "Orange oil"}, nil)
	a := uploadCSV(t, srv, "RM-001", "run-a.csv", runA)

	var c model.Composite
	callJSON(t, srv, http.MethodPost, "/materials/RM-001/composites", map[string]any{"analysis_ids": []string{a.ID}}, &c)
	callJSON(t, srv, http.MethodPut, "/composites/"+c.ID+"/submit", nil, nil)

	var errResp errorResponse
	assert.Equal(t, http.StatusBadRequest, callJSON(t, srv, http.MethodPut, "/composites/"+c.ID+"/reject", nil, &errResp))
	assert.Equal(t, model.KindMissingReason, errResp.Kind)

	var rejected model.Composite
	require.Equal(t, http.StatusOK, callJSON(t, srv, http.MethodPut, "/composites/"+c.ID+"/reject",
		map[string]string{"reason": "limonene out of range"}, &rejected))
	assert.Equal(t, model.CompositeRejected, rejected.Status)

	assert.Equal(t, http.StatusConflict, call(t, srv, http.MethodDelete, "/composites/"+c.ID, "", nil, &errResp))
	assert.Equal(t, model.KindInvalidTransition, errResp.Kind)
}

func TestAPI_AggregateErrors(t *testing.T) {
	srv := newTestAPI(t)
	callJSON(t, srv, http.MethodPost, "/materials", map[string]string{"reference_code": "RM-001", "name": "Orange oil"}, nil)

	var errResp errorResponse
	assert.Equal(t, http.StatusUnprocessableEntity, callJSON(t, srv, http.MethodPost, "/materials/RM-001/composites",
		map[string]any{"all": true}, &errResp))
	assert.Equal(t, model.KindNoUsableAnalyses, errResp.Kind)

	assert.Equal(t, http.StatusBadRequest, callJSON(t, srv, http.MethodPost, "/materials/RM-001/composites",
		map[string]any{"all": true, "origin": "manual"}, &errResp))

	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPost, "/materials/RM-001/composites",
		"application/json", strings.NewReader(`{"unknown": 1}`), &errResp))
}

func TestAPI_ManualAndDelete(t *testing.T) {
	srv := newTestAPI(t)
	callJSON(t, srv, http.MethodPost, "/materials", map[string]string{"reference_code": "RM-001", "name": "Orange oil"}, nil)

	var c model.Composite
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/materials/RM-001/composites/manual?notes=supplier+CoA",
		"text/csv", strings.NewReader(runA), &c))
	assert.Equal(t, model.OriginManual, c.Origin)
	assert.Equal(t, "supplier CoA", c.Notes)

	assert.Equal(t, http.StatusNoContent, call(t, srv, http.MethodDelete, "/composites/"+c.ID, "", nil, nil))
	var errResp errorResponse
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, "/composites/"+c.ID, "", nil, &errResp))
}

func TestAPI_MetricsAndStatus(t *testing.T) {
	srv := newTestAPI(t)
	callJSON(t, srv, http.MethodPost, "/materials", map[string]string{"reference_code": "RM-001", "name": "Orange oil"}, nil)
	uploadCSV(t, srv, "RM-001", "run-a.csv", runA)

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `composite_analyses_ingested_total{status="PROCESSED"} 1`)

	var snap map[string]any
	assert.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/status", "", nil, &snap))
	assert.Contains(t, snap, "composites_by_status")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.NewError(model.KindValidation, "x"), http.StatusBadRequest},
		{model.NewError(model.KindMissingReason, "x"), http.StatusBadRequest},
		{model.NewError(model.KindNotFound, "x"), http.StatusNotFound},
		{model.NewError(model.KindNoUsableAnalyses, "x"), http.StatusUnprocessableEntity},
		{model.NewError(model.KindInvalidTransition, "x"), http.StatusConflict},
		{model.NewError(model.KindRequiresJustification, "x"), http.StatusConflict},
		{model.NewError(model.KindCannotArchiveActiveSpecification, "x"), http.StatusConflict},
		{model.NewError(model.KindConcurrencyConflict, "x"), http.StatusConflict},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestWriteError_HidesInternalErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("pq: password authentication failed"))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "password")
}
