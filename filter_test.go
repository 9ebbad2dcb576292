package ezproxy

import (
	"slices"
	"strings"
	"testing"
)

func testRecord() *Record {
	return &Record{
		URL:        "https://api.Example.com:443/v1/users?page=2",
		Host:       "api.example.com:443",
		Path:       "/v1/users?page=2",
		Method:     "POST",
		ReqHeader:  `{"content-type":"application/json","x-trace":"abc-123"}`,
		StatusCode: Int(404),
		ResHeader:  `{"content-type":"application/json; charset=utf-8","cache-control":"no-store"}`,
		Mime:       "application/json",
	}
}

func TestFilterRule_Compile(t *testing.T) {
	tests := []struct {
		name string
		rule FilterRule
		want bool
	}{
		{"domain exact", FilterRule{Type: FilterDomain, Pattern: "api.example.com"}, true},
		{"domain other", FilterRule{Type: FilterDomain, Pattern: "example.com"}, false},
		{"domain wildcard", FilterRule{Type: FilterDomain, Pattern: "*.example.com"}, true},
		{"domain wildcard case", FilterRule{Type: FilterDomain, Pattern: "*.EXAMPLE.com"}, true},
		{"url prefix", FilterRule{Type: FilterURL, Pattern: "https://api.example.com:443/v1"}, true},
		{"url prefix miss", FilterRule{Type: FilterURL, Pattern: "http://api.example.com"}, false},
		{"regex", FilterRule{Type: FilterRegex, Pattern: `/users\?page=\d+$`}, true},
		{"regex miss", FilterRule{Type: FilterRegex, Pattern: `/orders`}, false},
		{"method list", FilterRule{Type: FilterMethod, Pattern: "get, post"}, true},
		{"method miss", FilterRule{Type: FilterMethod, Pattern: "DELETE"}, false},
		{"mime prefix", FilterRule{Type: FilterMime, Pattern: "application/"}, true},
		{"mime miss", FilterRule{Type: FilterMime, Pattern: "image/"}, false},
		{"status exact", FilterRule{Type: FilterStatus, Pattern: "404"}, true},
		{"status class", FilterRule{Type: FilterStatus, Pattern: "4xx"}, true},
		{"status class miss", FilterRule{Type: FilterStatus, Pattern: "5xx"}, false},
		{"header present", FilterRule{Type: FilterHeader, Pattern: "Cache-Control"}, true},
		{"header absent", FilterRule{Type: FilterHeader, Pattern: "ETag"}, false},
		{"header value", FilterRule{Type: FilterHeader, Pattern: "content-type=charset=utf-8"}, true},
		{"req header value", FilterRule{Type: FilterReqHeader, Pattern: `X-Trace=^abc-\d+$`}, true},
		{"req header miss", FilterRule{Type: FilterReqHeader, Pattern: "cache-control"}, false},
	}

	rec := testRecord()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := tt.rule.Compile()
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if got := fn(rec); got != tt.want {
				t.Errorf("filter(%s) = %v, want %v", tt.rule.FilterName(), got, tt.want)
			}
		})
	}
}

func TestFilterRule_StatusInFlight(t *testing.T) {
	fn, err := FilterRule{Type: FilterStatus, Pattern: "2xx"}.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if fn(&Record{URL: "http://a/"}) {
		t.Error("in-flight record should not match a status filter")
	}
}

func TestFilterRule_CompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		rule    FilterRule
		wantErr string
	}{
		{"empty pattern", FilterRule{Type: FilterDomain, Pattern: "  "}, "empty pattern"},
		{"unknown type", FilterRule{Type: "category", Pattern: "x"}, "unknown type"},
		{"bad regex", FilterRule{Type: FilterRegex, Pattern: "(["}, "invalid regex"},
		{"bad status", FilterRule{Type: FilterStatus, Pattern: "ok"}, "invalid status"},
		{"bad class", FilterRule{Type: FilterStatus, Pattern: "axx"}, "invalid status class"},
		{"bad header regex", FilterRule{Type: FilterHeader, Pattern: "a=(["}, "invalid header regex"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.rule.Compile()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Compile() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestFilterRule_FilterName(t *testing.T) {
	if got := (FilterRule{Type: "domain", Pattern: "a.com"}).FilterName(); got != "domain:a.com" {
		t.Errorf("FilterName() = %q", got)
	}
	if got := (FilterRule{Name: "api", Type: "domain", Pattern: "a.com"}).FilterName(); got != "api" {
		t.Errorf("FilterName() = %q", got)
	}
}

func TestApplyFilterRules(t *testing.T) {
	fc := NewFilterChain()
	fc.Add("manual", func(*Record) bool { return true })

	names, err := ApplyFilterRules(fc, nil, []FilterRule{
		{Type: FilterDomain, Pattern: "*.example.com"},
		{Name: "errors", Type: FilterStatus, Pattern: "4xx"},
	})
	if err != nil {
		t.Fatalf("ApplyFilterRules: %v", err)
	}
	if want := []string{"domain:*.example.com", "errors"}; !slices.Equal(names, want) {
		t.Errorf("names = %v, want %v", names, want)
	}
	if got := fc.Passes(testRecord()); got != 3 {
		t.Errorf("Passes() = %d, want 3", got)
	}

	// a broken rule leaves the chain untouched
	kept, err := ApplyFilterRules(fc, names, []FilterRule{{Type: FilterRegex, Pattern: "(["}})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if !slices.Equal(kept, names) || fc.Len() != 3 {
		t.Errorf("chain changed on error: kept=%v len=%d", kept, fc.Len())
	}

	names, err = ApplyFilterRules(fc, names, []FilterRule{{Name: "posts", Type: FilterMethod, Pattern: "POST"}})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"manual", "posts"}; !slices.Equal(fc.Names(), want) {
		t.Errorf("Names() = %v, want %v", fc.Names(), want)
	}
	if len(names) != 1 {
		t.Errorf("names = %v", names)
	}
}
