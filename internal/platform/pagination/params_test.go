package pagination

import (
	"errors"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" || len(params.Cursor.StartAfter) != 0 {
		t.Fatalf("expected empty cursor, got %#v", params)
	}
	if params.Filters != nil {
		t.Fatalf("expected nil filters, got %#v", params.Filters)
	}
}

func TestParsePageSize(t *testing.T) {
	opts := Options{DefaultPageSize: 25, MaxPageSize: 40}
	values := url.Values{}
	values.Set("page_size", "30")

	params, err := Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != 30 {
		t.Fatalf("expected page size 30 got %d", params.PageSize)
	}

	values.Set("page_size", "400")
	params, err = Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != opts.MaxPageSize {
		t.Fatalf("expected page size clamped to %d got %d", opts.MaxPageSize, params.PageSize)
	}
}

func TestParseInvalidPageSize(t *testing.T) {
	for _, raw := range []string{"abc", "0", "-3"} {
		values := url.Values{}
		values.Set("page_size", raw)
		if _, err := Parse(values, Options{}); !errors.Is(err, ErrInvalidPageSize) {
			t.Fatalf("page_size %q: expected ErrInvalidPageSize, got %v", raw, err)
		}
	}
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := EncodeToken(Cursor{StartAfter: []any{"2024-05-01T10:00:00Z", "RF-1234-5678-9012-3456"}})
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	values := url.Values{}
	values.Set("page_token", token)
	params, err := Parse(values, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageToken != token {
		t.Fatalf("expected page token to be preserved")
	}
	if len(params.Cursor.StartAfter) != 2 || params.Cursor.StartAfter[1] != "RF-1234-5678-9012-3456" {
		t.Fatalf("unexpected cursor %#v", params.Cursor)
	}

	empty, err := EncodeToken(Cursor{})
	if err != nil || empty != "" {
		t.Fatalf("expected empty token for empty cursor, got %q (%v)", empty, err)
	}
}

func TestParseInvalidToken(t *testing.T) {
	values := url.Values{}
	values.Set("page_token", "%%%")
	if _, err := Parse(values, Options{}); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}

func TestParseFilters(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/refund?status=sentforapproval&other=x", nil)
	params, err := FromRequest(req, Options{AllowedFilters: []string{"status"}})
	if err != nil {
		t.Fatalf("FromRequest returned error: %v", err)
	}
	if params.Filters["status"] != "sentforapproval" {
		t.Fatalf("expected status filter, got %#v", params.Filters)
	}
	if _, ok := params.Filters["other"]; ok {
		t.Fatalf("expected unknown filter to be ignored")
	}

	req = httptest.NewRequest("GET", "/api/v1/refund?status=a&status=b", nil)
	if _, err := FromRequest(req, Options{AllowedFilters: []string{"status"}}); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter for repeated key, got %v", err)
	}
}

func TestDecodeTokenRejectsUnversionedTokens(t *testing.T) {
	token, err := EncodeToken(Cursor{StartAfter: []any{"2024-05-01T10:00:00Z", "RF-1234-5678-9012-3456"}})
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	if _, err := DecodeToken(strings.TrimPrefix(token, tokenVersion)); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken for unversioned token, got %v", err)
	}
}
