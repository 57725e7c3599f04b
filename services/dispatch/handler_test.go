// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/datastore"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/perm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "internal-test-secret"

// newTestRouter brings up an in-memory service with finalized
// migrations, seeds the given models and mounts the routes.
func newTestRouter(t *testing.T, models map[string]map[string]any) (*gin.Engine, *Service) {
	t.Helper()
	svc := newTestService(t, true)
	seedModels(t, svc, models)

	router := gin.New()
	RegisterRoutes(router, NewHandlers(svc), testSecret)
	return router, svc
}

func newTestService(t *testing.T, finalize bool) *Service {
	t.Helper()
	svc, err := NewService(Config{InMemory: true, InternalSecret: testSecret}, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	if finalize {
		if err := svc.Engine().Finalize(context.Background()); err != nil {
			t.Fatalf("Finalize() error = %v", err)
		}
	}
	return svc
}

func seedModels(t *testing.T, svc *Service, models map[string]map[string]any) {
	t.Helper()
	if len(models) == 0 {
		return
	}
	var events []datastore.Event
	for fq, fields := range models {
		events = append(events, datastore.NewCreateEvent(fqid.MustParse(fq), fields))
	}
	if _, err := svc.Store().Write(context.Background(), datastore.WriteRequest{UserID: 1, Events: events}); err != nil {
		t.Fatalf("seed write error = %v", err)
	}
}

// meetingModels is one active meeting with a motion manager (user 7)
// and a bystander without permissions (user 8).
func meetingModels() map[string]map[string]any {
	return map[string]map[string]any{
		"organization/1": {"active_meeting_ids": []any{1}, "default_language": "en"},
		"committee/60":   {"meeting_ids": []any{1}},
		"meeting/1": {
			"committee_id":                 60,
			"is_active_in_organization_id": 1,
			"motion_state_ids":             []any{3},
			"motions_default_state_id":     3,
		},
		"motion_state/3": {"meeting_id": 1},
		"group/5":        {"meeting_id": 1, "permissions": []any{string(perm.MotionCanManage)}},
		"user/7":         {"meeting_group_ids": map[string]any{"1": []any{5}}},
		"user/8":         {"username": "nobody"},
	}
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, _ := http.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) actionResponse {
	t.Helper()
	var resp actionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (body %s)", err, w.Body.String())
	}
	return resp
}

func TestHandleRequest_MotionCreate(t *testing.T) {
	router, svc := newTestRouter(t, meetingModels())

	w := postJSON(t, router, "/system/action/handle_request", []map[string]any{
		{"action": "motion.create", "data": []map[string]any{
			{"title": "A motion", "meeting_id": 1},
		}},
	}, map[string]string{"X-User-ID": "7"})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeResponse(t, w)
	if !resp.Success {
		t.Fatalf("success = false: %s", resp.Message)
	}
	if len(resp.Results) != 1 || len(resp.Results[0]) != 1 {
		t.Fatalf("results shape = %v", resp.Results)
	}
	id, ok := resp.Results[0][0]["id"].(float64)
	if !ok || id < 1 {
		t.Fatalf("result id = %v", resp.Results[0][0]["id"])
	}

	motion, err := svc.Store().NewSession().Get(context.Background(), fqid.New("motion", int(id)), nil, datastore.GetOpts{})
	if err != nil {
		t.Fatalf("read created motion: %v", err)
	}
	if motion.Str("title") != "A motion" {
		t.Errorf("title = %q", motion.Str("title"))
	}
}

func TestHandleRequest_PermissionDenied(t *testing.T) {
	router, _ := newTestRouter(t, meetingModels())

	w := postJSON(t, router, "/system/action/handle_request", []map[string]any{
		{"action": "motion.create", "data": []map[string]any{
			{"title": "No", "meeting_id": 1},
		}},
	}, map[string]string{"X-User-ID": "8"})

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeResponse(t, w)
	if resp.Success {
		t.Error("success = true for denied request")
	}
}

func TestHandleRequest_UnknownAction(t *testing.T) {
	router, _ := newTestRouter(t, meetingModels())

	w := postJSON(t, router, "/system/action/handle_request", []map[string]any{
		{"action": "motion.fly", "data": []map[string]any{{"id": 1}}},
	}, map[string]string{"X-User-ID": "7"})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeResponse(t, w)
	if !strings.Contains(resp.Message, "motion.fly") {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestHandleRequest_MigrationGate(t *testing.T) {
	svc := newTestService(t, false)
	router := gin.New()
	RegisterRoutes(router, NewHandlers(svc), testSecret)

	w := postJSON(t, router, "/system/action/handle_request", []map[string]any{
		{"action": "motion.create", "data": []map[string]any{
			{"title": "A", "meeting_id": 1},
		}},
	}, nil)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeResponse(t, w)
	if !strings.Contains(resp.Message, "Missing 3 migrations to apply.") {
		t.Errorf("message = %q", resp.Message)
	}
}

// An atomic bundle every part of which must commit or none: the second
// element fails schema validation, so the first one must not be written.
func TestHandleRequest_AtomicAbort(t *testing.T) {
	router, svc := newTestRouter(t, meetingModels())

	w := postJSON(t, router, "/system/action/handle_request", []map[string]any{
		{"action": "motion.create", "data": []map[string]any{
			{"title": "First", "meeting_id": 1},
		}},
		{"action": "motion.create", "data": []map[string]any{
			{"meeting_id": 1},
		}},
	}, map[string]string{"X-User-ID": "7"})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	motion, err := svc.Store().NewSession().Get(context.Background(), fqid.MustParse("motion/1"), nil, datastore.GetOpts{NoRaise: true})
	if err != nil {
		t.Fatalf("read motion/1: %v", err)
	}
	if motion != nil {
		t.Error("first action committed despite bundle failure")
	}
}

// In separate mode the same bundle leaves the valid action committed
// and reports the failing one.
func TestHandleSeparately_PartialCommit(t *testing.T) {
	router, svc := newTestRouter(t, meetingModels())

	w := postJSON(t, router, "/system/action/handle_separately", []map[string]any{
		{"action": "motion.create", "data": []map[string]any{
			{"title": "First", "meeting_id": 1},
		}},
		{"action": "motion.create", "data": []map[string]any{
			{"meeting_id": 1},
		}},
	}, map[string]string{"X-User-ID": "7"})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeResponse(t, w)
	if resp.Success {
		t.Error("success = true with a failing action")
	}
	if len(resp.Results) != 2 || resp.Results[0] == nil || resp.Results[1] != nil {
		t.Fatalf("results = %v", resp.Results)
	}

	motion, err := svc.Store().NewSession().Get(context.Background(), fqid.MustParse("motion/1"), nil, datastore.GetOpts{NoRaise: true})
	if err != nil {
		t.Fatalf("read motion/1: %v", err)
	}
	if motion == nil {
		t.Error("valid action was not committed in separate mode")
	}
}

func TestInternalRoute_SecretRequired(t *testing.T) {
	router, _ := newTestRouter(t, meetingModels())

	bundle := []map[string]any{
		{"action": "motion.create", "data": []map[string]any{
			{"title": "A", "meeting_id": 1},
		}},
	}

	w := postJSON(t, router, "/internal/handle_request", bundle, map[string]string{
		"Authorization": "wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status = %d", w.Code)
	}

	w = postJSON(t, router, "/internal/handle_request", bundle, map[string]string{
		"Authorization": testSecret,
		"X-User-ID":     "7",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("right secret: status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestStackInternalAction_NeverRouted(t *testing.T) {
	router, _ := newTestRouter(t, meetingModels())

	bundle := []map[string]any{
		{"action": "user.remove_from_group", "data": []map[string]any{
			{"id": 7, "meeting_id": 1, "group_id": 5},
		}},
	}

	w := postJSON(t, router, "/internal/handle_request", bundle, map[string]string{
		"Authorization": testSecret,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeResponse(t, w)
	if !strings.Contains(resp.Message, "user.remove_from_group") {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestHandleMigrations_StatsAndUnknown(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	w := postJSON(t, router, "/internal/migrations", map[string]any{"cmd": "stats"}, map[string]string{
		"Authorization": testSecret,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("stats: status = %d, body %s", w.Code, w.Body.String())
	}
	var stats struct {
		StoredIndex int `json:"stored_index"`
		TargetIndex int `json:"target_index"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.StoredIndex != stats.TargetIndex {
		t.Errorf("stored %d != target %d after finalize", stats.StoredIndex, stats.TargetIndex)
	}

	w = postJSON(t, router, "/internal/migrations", map[string]any{"cmd": "levitate"}, map[string]string{
		"Authorization": testSecret,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown cmd: status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	req, _ := http.NewRequest("GET", "/system/action/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "running") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestHandleHealth_BehindOnMigrations(t *testing.T) {
	svc := newTestService(t, false)
	router := gin.New()
	RegisterRoutes(router, NewHandlers(svc), testSecret)

	req, _ := http.NewRequest("GET", "/system/action/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}
