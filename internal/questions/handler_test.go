package questions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/opos-prep/backend/internal/content"
	"github.com/opos-prep/backend/internal/generator"
	"github.com/opos-prep/backend/internal/logger"
	"github.com/opos-prep/backend/internal/middleware"
	"github.com/opos-prep/backend/internal/models"
)

var handlerSecret = []byte("handler-secret")

func newTestRouter(t *testing.T, env *testEnv) http.Handler {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("admin"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	NewHandler(env.svc, logger.Nop()).Register(api, middleware.Auth(handlerSecret), middleware.AdminKey(string(hash)))
	return r
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, userID int64, adminKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if userID > 0 {
		token, err := middleware.IssueToken(handlerSecret, userID, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if adminKey != "" {
		req.Header.Set(middleware.AdminKeyHeader, adminKey)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandler_Routes(t *testing.T) {
	env := newTestEnv(t, generator.NewMockClient(), nil)
	h := newTestRouter(t, env)

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		user     int64
		adminKey string
		want     int
	}{
		{"topics are public", "GET", "/api/v1/topics", "", 0, "", http.StatusOK},
		{"exam needs auth", "POST", "/api/v1/exams", `{"topics":["farmacia"],"question_count":5}`, 0, "", http.StatusUnauthorized},
		{"exam", "POST", "/api/v1/exams", `{"topics":["farmacia"],"question_count":5}`, 7, "", http.StatusOK},
		{"exam bad body", "POST", "/api/v1/exams", `{"topics":`, 7, "", http.StatusBadRequest},
		{"exam bad count", "POST", "/api/v1/exams", `{"topics":["farmacia"],"question_count":0}`, 7, "", http.StatusBadRequest},
		{"exam unknown topic", "POST", "/api/v1/exams", `{"topics":["x"],"question_count":5}`, 7, "", http.StatusBadRequest},
		{"official bad size", "POST", "/api/v1/exams/official", `{"question_count":10}`, 7, "", http.StatusBadRequest},
		{"study question", "POST", "/api/v1/study/question", `{"topic_id":"farmacia"}`, 7, "", http.StatusOK},
		{"study missing topic", "POST", "/api/v1/study/question", `{}`, 7, "", http.StatusBadRequest},
		{"prewarm", "POST", "/api/v1/study/prewarm", `{"topic_id":"almacen"}`, 8, "", http.StatusAccepted},
		{"admin needs key", "GET", "/api/v1/admin/cache/stats", "", 0, "", http.StatusUnauthorized},
		{"admin wrong key", "GET", "/api/v1/admin/cache/stats", "", 0, "nope", http.StatusForbidden},
		{"admin stats", "GET", "/api/v1/admin/cache/stats", "", 0, "admin", http.StatusOK},
		{"admin populate unknown", "POST", "/api/v1/admin/cache/populate", `{"topic_id":"x"}`, 0, "admin", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, h, tt.method, tt.path, tt.body, tt.user, tt.adminKey)
			if rr.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
	env.svc.Wait()
}

func TestHandler_ExamResponseBody(t *testing.T) {
	env := newTestEnv(t, generator.NewMockClient(), nil)
	h := newTestRouter(t, env)

	rr := doRequest(t, h, "POST", "/api/v1/exams", `{"topics":["farmacia"],"question_count":10}`, 3, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp models.ExamResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if resp.ExamID == "" || resp.QuestionCount != 10 || resp.IsOfficial {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		waitMs    int64
		retryable bool
	}{
		{"invalid count", fmt.Errorf("%w: 0", ErrInvalidCount), http.StatusBadRequest, 0, false},
		{"unknown topic", fmt.Errorf("%w: x", content.ErrUnknownTopic), http.StatusBadRequest, 0, false},
		{"no content", fmt.Errorf("%w: t", content.ErrNoContent), http.StatusNotFound, 0, false},
		{"rate limited", &generator.ServiceError{Kind: generator.KindRateLimited, RetryAfter: 30 * time.Second}, http.StatusTooManyRequests, 30000, true},
		{"overloaded", fmt.Errorf("generate: %w", &generator.ServiceError{Kind: generator.KindOverloaded, RetryAfter: 10 * time.Second}), 529, 10000, true},
		{"timeout", &generator.ServiceError{Kind: generator.KindTimeout}, http.StatusServiceUnavailable, 5000, true},
		{"malformed", &generator.ServiceError{Kind: generator.KindMalformed}, http.StatusInternalServerError, 5000, false},
		{"insufficient", &InsufficientSupplyError{Generated: 20, Requested: 25}, http.StatusInternalServerError, 5000, true},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError, 5000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := errorStatus(tt.err)
			if status != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, status)
			}
			if body.WaitMs != tt.waitMs || body.Retryable != tt.retryable {
				t.Errorf("expected wait %d retryable %v, got %+v", tt.waitMs, tt.retryable, body)
			}
		})
	}

	_, body := errorStatus(&InsufficientSupplyError{Generated: 20, Requested: 25})
	if body.Generated == nil || *body.Generated != 20 || body.Requested == nil || *body.Requested != 25 {
		t.Errorf("expected generated/requested counts, got %+v", body)
	}
}
