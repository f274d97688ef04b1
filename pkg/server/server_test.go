// SPDX-License-Identifier: Apache-2.0
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opsgate/opsgate/pkg/approval"
	"github.com/opsgate/opsgate/pkg/core"
	"github.com/opsgate/opsgate/pkg/learning"
	"github.com/opsgate/opsgate/pkg/notify"
	"github.com/opsgate/opsgate/pkg/policy"
	"github.com/opsgate/opsgate/pkg/record"
	"github.com/opsgate/opsgate/pkg/router"
	"github.com/opsgate/opsgate/pkg/store"
)

type stubDispatcher struct{}

func (stubDispatcher) Dispatch(_ context.Context, task *core.Task) (*core.Outcome, error) {
	return &core.Outcome{
		TaskID:     task.ID,
		Success:    true,
		Summary:    "done",
		RecordedAt: time.Now().UTC(),
		Signature:  core.Signature(task),
		Risk:       task.Risk,
	}, nil
}

type anyTarget struct{}

func (anyTarget) Knows(string) bool { return true }

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryTaskStore) {
	t.Helper()
	seed := policy.NewState(map[string]core.RiskLevel{
		"container-platform:restart": core.RiskLow,
		"hypervisor:decommission":    core.RiskHigh,
	}, nil)
	tasks := store.NewMemoryTaskStore()
	approvals := store.NewMemoryApprovalStore()
	outcomes := store.NewMemoryOutcomeStore()
	policies := store.NewMemoryPolicyStore(seed)
	gate := approval.NewGate(approvals, notify.LogNotifier{}, time.Hour)
	recorder := record.NewRecorder(outcomes, approvals, nil)
	rt := router.New(tasks, approvals, outcomes, policies, gate,
		stubDispatcher{}, anyTarget{}, recorder, nil)
	t.Cleanup(rt.Close)
	cycle := learning.NewCycle(outcomes, policies, nil, learning.DefaultWeights())

	srv := httptest.NewServer(New(rt, policies, cycle).Handler())
	t.Cleanup(srv.Close)
	return srv, tasks
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestSubmitAndStatus(t *testing.T) {
	srv, tasks := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/tasks", map[string]any{
		"objective": "restart service web",
		"target":    "container-platform",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d", resp.StatusCode)
	}
	var submitted struct {
		TaskID string `json:"task_id"`
	}
	decodeBody(t, resp, &submitted)
	if submitted.TaskID == "" {
		t.Fatalf("no task id")
	}

	// Wait out the async execution before asking for status.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := tasks.Get(context.Background(), submitted.TaskID)
		if err == nil && task.Status.IsTerminal() {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	statusResp, err := http.Get(srv.URL + "/v1/tasks/" + submitted.TaskID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("status code %d", statusResp.StatusCode)
	}
	var view struct {
		Task struct {
			Status string `json:"status"`
		} `json:"task"`
	}
	decodeBody(t, statusResp, &view)
	if view.Task.Status != string(core.StatusCompleted) {
		t.Fatalf("task status %q", view.Task.Status)
	}
}

func TestSubmitValidationError(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/tasks", map[string]any{"target": "container-platform"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &body)
	if body.Error.Code != "VALIDATION_ERROR" {
		t.Fatalf("error code %q", body.Error.Code)
	}
}

func TestStatusUnknownTask(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/tasks/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestResolveFlow(t *testing.T) {
	srv, tasks := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/tasks", map[string]any{
		"objective": "decommission cluster east",
		"target":    "hypervisor",
	})
	var submitted struct {
		TaskID string `json:"task_id"`
	}
	decodeBody(t, resp, &submitted)

	task, err := tasks.Get(context.Background(), submitted.TaskID)
	if err != nil || task.Status != core.StatusAwaitingApproval {
		t.Fatalf("expected suspension, got %+v %v", task, err)
	}

	rejectResp := postJSON(t, srv.URL+"/v1/tasks/"+submitted.TaskID+"/resolve",
		map[string]string{"decision": "reject", "reason": "maintenance freeze"})
	if rejectResp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d", rejectResp.StatusCode)
	}
	rejectResp.Body.Close()

	// Duplicate decision: nothing pending anymore.
	dupResp := postJSON(t, srv.URL+"/v1/tasks/"+submitted.TaskID+"/resolve",
		map[string]string{"decision": "approve"})
	if dupResp.StatusCode != http.StatusNotFound {
		t.Fatalf("duplicate resolve should 404, got %d", dupResp.StatusCode)
	}
	dupResp.Body.Close()
}

func TestCancelEndpoint(t *testing.T) {
	srv, tasks := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/tasks", map[string]any{
		"objective": "decommission cluster east",
		"target":    "hypervisor",
	})
	var submitted struct {
		TaskID string `json:"task_id"`
	}
	decodeBody(t, resp, &submitted)

	cancelResp := postJSON(t, srv.URL+"/v1/tasks/"+submitted.TaskID+"/cancel", struct{}{})
	if cancelResp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d", cancelResp.StatusCode)
	}
	cancelResp.Body.Close()

	task, _ := tasks.Get(context.Background(), submitted.TaskID)
	if task.Status != core.StatusRejected {
		t.Fatalf("cancelled task status %s", task.Status)
	}
}

func TestLearningRunAndPolicy(t *testing.T) {
	srv, _ := newTestServer(t)

	runResp := postJSON(t, srv.URL+"/v1/learning/run", struct{}{})
	if runResp.StatusCode != http.StatusOK {
		t.Fatalf("learning run status %d", runResp.StatusCode)
	}
	runResp.Body.Close()

	polResp, err := http.Get(srv.URL + "/v1/policy")
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	var state struct {
		Version int64 `json:"version"`
	}
	decodeBody(t, polResp, &state)
	if state.Version != 1 {
		t.Fatalf("empty learning run must not bump the version, got v%d", state.Version)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
}
