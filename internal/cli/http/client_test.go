package httpclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	httpclient "ojudge/internal/cli/http"
	"ojudge/internal/judge/model"
	appErr "ojudge/pkg/errors"
)

func writeEnvelope(w http.ResponseWriter, status int, code appErr.ErrorCode, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":     code,
		"message":  code.Message(),
		"data":     data,
		"trace_id": "trace-1",
	})
}

func TestSubmitAndStatus(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/judge/submissions":
			var req model.JudgeMessage
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeEnvelope(w, http.StatusBadRequest, appErr.InvalidParams, nil)
				return
			}
			writeEnvelope(w, http.StatusAccepted, appErr.Success, model.StatusRecord{SubmissionID: req.SubmissionID, State: model.StateQueued})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/judge/submissions/missing":
			writeEnvelope(w, http.StatusNotFound, appErr.SubmissionNotFound, nil)
		default:
			writeEnvelope(w, http.StatusOK, appErr.Success, model.StatusRecord{SubmissionID: "s1", State: model.StateFinished, Verdict: model.VerdictAccepted})
		}
	}))
	defer server.Close()

	client := httpclient.New(server.URL, time.Second)
	rec, err := client.Submit(context.Background(), model.JudgeMessage{SubmissionID: "s1", TaskID: "t", LanguageCode: "cpp", SourceCode: "x"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if rec.State != model.StateQueued {
		t.Fatalf("expected queued, got %s", rec.State)
	}
	rec, err = client.Status(context.Background(), "s1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if rec.Verdict != model.VerdictAccepted {
		t.Fatalf("expected accepted, got %s", rec.Verdict)
	}

	_, err = client.Status(context.Background(), "missing")
	var apiErr *httpclient.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.Code != int(appErr.SubmissionNotFound) || apiErr.TraceID != "trace-1" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestWaitPollsUntilTerminal(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		rec := model.StatusRecord{SubmissionID: "s2", State: model.StateTesting, StatusText: "Test #1 passed"}
		if n >= 3 {
			rec = model.StatusRecord{SubmissionID: "s2", State: model.StateFinished, Verdict: model.VerdictWrongAnswer, StatusText: "WrongAnswer #2"}
		}
		writeEnvelope(w, http.StatusOK, appErr.Success, rec)
	}))
	defer server.Close()

	client := httpclient.New(server.URL, time.Second)
	var seen []string
	rec, err := client.Wait(context.Background(), "s2", time.Millisecond, func(rec model.StatusRecord) {
		seen = append(seen, rec.StatusText)
	})
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if rec.Verdict != model.VerdictWrongAnswer {
		t.Fatalf("expected wrong answer, got %s", rec.Verdict)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 distinct events, got %v", seen)
	}
}
