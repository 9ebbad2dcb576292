package ezproxy

import (
	"slices"
	"strings"
	"testing"
)

func TestFilterChain_Passes(t *testing.T) {
	fc := NewFilterChain()
	rec := &Record{Host: "api.example.com", Method: "GET"}

	if got := fc.Passes(rec); got != 1 {
		t.Errorf("empty chain passes = %d, want 1", got)
	}

	fc.Add("api", func(r *Record) bool { return strings.HasPrefix(r.Host, "api.") })
	fc.Add("get", func(r *Record) bool { return r.Method == "GET" })
	fc.Add("post", func(r *Record) bool { return r.Method == "POST" })

	// each accepting filter yields a full pass
	if got := fc.Passes(rec); got != 2 {
		t.Errorf("passes = %d, want 2", got)
	}
	if got := fc.Passes(&Record{Host: "cdn.example.com", Method: "PUT"}); got != 0 {
		t.Errorf("rejected record passes = %d, want 0", got)
	}
}

func TestFilterChain_Order(t *testing.T) {
	fc := NewFilterChain()
	fc.Add("a", func(*Record) bool { return true })
	fc.Add("b", func(*Record) bool { return true })
	fc.Add("c", func(*Record) bool { return true })

	// replacing keeps the position
	fc.Add("a", func(*Record) bool { return false })
	if got := fc.Names(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("names = %v", got)
	}
	if got := fc.Passes(&Record{}); got != 2 {
		t.Errorf("passes after replace = %d, want 2", got)
	}

	fc.Remove("b")
	fc.Remove("missing")
	if got := fc.Names(); !slices.Equal(got, []string{"a", "c"}) {
		t.Errorf("names after remove = %v", got)
	}

	fc.RemoveAll()
	if fc.Len() != 0 || fc.Passes(&Record{}) != 1 {
		t.Errorf("RemoveAll left %d filters", fc.Len())
	}
}
