package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, http.StatusBadRequest, "recipient is required")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "recipient is required" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Recipient string `json:"recipient"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"recipient":"a@b.c"}`))
	if err := DecodeJSON(httptest.NewRecorder(), req, 1024, &v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Recipient != "a@b.c" {
		t.Errorf("expected recipient a@b.c, got %q", v.Recipient)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"recipient":"a@b.c","extra":1}`))
	if err := DecodeJSON(httptest.NewRecorder(), req, 1024, &v); err == nil {
		t.Error("expected unknown field to be rejected")
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"recipient":"`+strings.Repeat("x", 100)+`"}`))
	if err := DecodeJSON(httptest.NewRecorder(), req, 16, &v); err == nil {
		t.Error("expected oversized body to be rejected")
	}
}
