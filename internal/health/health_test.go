package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func get(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	h := New(Checker{Name: "never", Check: func(context.Context) error { return errors.New("down") }})
	code, body := get(t, h, "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, body.Status)
	}
}

func TestReadyz(t *testing.T) {
	pass := Checker{Name: "catalog", Check: func(context.Context) error { return nil }}
	fail := Checker{Name: "audio", Check: func(context.Context) error { return errors.New("no device") }}

	tests := []struct {
		name     string
		checkers []Checker
		wantCode int
		wantStat string
		want     map[string]string
	}{
		{"no checkers", nil, http.StatusOK, "ok", nil},
		{"all pass", []Checker{pass}, http.StatusOK, "ok", map[string]string{"catalog": "ok"}},
		{"one fails", []Checker{pass, fail}, http.StatusServiceUnavailable, "fail",
			map[string]string{"catalog": "ok", "audio": "fail: no device"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := get(t, New(tc.checkers...), "/readyz")
			if code != tc.wantCode || body.Status != tc.wantStat {
				t.Errorf("readyz = %d %q, want %d %q", code, body.Status, tc.wantCode, tc.wantStat)
			}
			for k, v := range tc.want {
				if body.Checks[k] != v {
					t.Errorf("checks[%s] = %q, want %q", k, body.Checks[k], v)
				}
			}
		})
	}
}

func TestReadyz_CheckerSeesDeadline(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
			return nil
		}
	}})
	if code, body := get(t, h, "/readyz"); code != http.StatusOK {
		t.Errorf("readyz = %d %v, want 200", code, body.Checks)
	}
}

func TestReady_ReportsState(t *testing.T) {
	state := "connecting"
	c := Ready("session", func() (bool, string) { return state == "open", state })

	err := c.Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connecting") {
		t.Errorf("Check = %v, want not ready (connecting)", err)
	}

	state = "open"
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("Check = %v, want nil", err)
	}
}
