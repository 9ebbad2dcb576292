package ezproxy

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// Declarative filter types.
const (
	FilterDomain    = "domain"
	FilterURL       = "url"
	FilterRegex     = "regex"
	FilterMethod    = "method"
	FilterMime      = "mime"
	FilterStatus    = "status"
	FilterHeader    = "header"
	FilterReqHeader = "req_header"
)

// FilterRule is a declarative record filter, as read from configuration.
type FilterRule struct {
	// Name registers the filter in the chain. Defaults to type:pattern.
	Name string `mapstructure:"name" json:"name"`

	// Type is one of domain, url, regex, method, mime, status, header or
	// req_header.
	Type string `mapstructure:"type" json:"type"`

	// Pattern is interpreted per type:
	//   domain      exact host, or *.example.com for the domain and its subdomains
	//   url         case-insensitive URL prefix
	//   regex       regular expression matched against the URL
	//   method      comma-separated methods
	//   mime        mime prefix, such as application/json or image/
	//   status      status code, or a class such as 4xx
	//   header      name or name=regex against response headers
	//   req_header  name or name=regex against request headers
	Pattern string `mapstructure:"pattern" json:"pattern"`
}

// FilterName returns the chain name for the rule.
func (fr FilterRule) FilterName() string {
	if fr.Name != "" {
		return fr.Name
	}
	return fr.Type + ":" + fr.Pattern
}

// Compile turns the rule into a FilterFunc.
func (fr FilterRule) Compile() (FilterFunc, error) {
	p := strings.TrimSpace(fr.Pattern)
	if p == "" {
		return nil, fmt.Errorf("filter %s: empty pattern", fr.FilterName())
	}

	switch fr.Type {
	case FilterDomain:
		return domainFilter(strings.ToLower(p)), nil

	case FilterURL:
		prefix := strings.ToLower(p)
		return func(rec *Record) bool {
			return strings.HasPrefix(strings.ToLower(rec.URL), prefix)
		}, nil

	case FilterRegex:
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("filter %s: invalid regex: %w", fr.FilterName(), err)
		}
		return func(rec *Record) bool { return re.MatchString(rec.URL) }, nil

	case FilterMethod:
		methods := make(map[string]bool)
		for m := range strings.SplitSeq(p, ",") {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				methods[m] = true
			}
		}
		return func(rec *Record) bool { return methods[strings.ToUpper(rec.Method)] }, nil

	case FilterMime:
		prefix := strings.ToLower(p)
		return func(rec *Record) bool {
			return strings.HasPrefix(strings.ToLower(rec.Mime), prefix)
		}, nil

	case FilterStatus:
		return statusFilter(fr.FilterName(), p)

	case FilterHeader:
		return headerFilter(fr.FilterName(), p, (*Record).ResHeaderValue)

	case FilterReqHeader:
		return headerFilter(fr.FilterName(), p, (*Record).ReqHeaderValue)

	default:
		return nil, fmt.Errorf("filter %s: unknown type %q", fr.FilterName(), fr.Type)
	}
}

func domainFilter(pattern string) FilterFunc {
	wildcard := strings.HasPrefix(pattern, "*.")
	if wildcard {
		pattern = pattern[2:]
	}
	return func(rec *Record) bool {
		host := rec.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		host = strings.ToLower(host)
		if host == pattern {
			return true
		}
		return wildcard && strings.HasSuffix(host, "."+pattern)
	}
}

func statusFilter(name, p string) (FilterFunc, error) {
	if len(p) == 3 && strings.HasSuffix(strings.ToLower(p), "xx") {
		class, err := strconv.Atoi(p[:1])
		if err != nil {
			return nil, fmt.Errorf("filter %s: invalid status class %q", name, p)
		}
		return func(rec *Record) bool {
			return rec.StatusCode.Valid && rec.StatusCode.V/100 == int64(class)
		}, nil
	}
	code, err := strconv.ParseInt(p, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("filter %s: invalid status %q", name, p)
	}
	return func(rec *Record) bool {
		return rec.StatusCode.Valid && rec.StatusCode.V == code
	}, nil
}

func headerFilter(name, p string, lookup func(*Record, string) string) (FilterFunc, error) {
	header, expr, hasValue := strings.Cut(p, "=")
	header = strings.TrimSpace(header)
	if !hasValue {
		return func(rec *Record) bool { return lookup(rec, header) != "" }, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("filter %s: invalid header regex: %w", name, err)
	}
	return func(rec *Record) bool {
		v := lookup(rec, header)
		return v != "" && re.MatchString(v)
	}, nil
}

// ApplyFilterRules replaces the chain's declarative filters: every name in
// previous is removed, then each rule is compiled and added. It returns
// the names now registered. A rule that does not compile aborts before the
// chain is changed.
func ApplyFilterRules(fc *FilterChain, previous []string, rules []FilterRule) ([]string, error) {
	type compiled struct {
		name string
		fn   FilterFunc
	}
	out := make([]compiled, 0, len(rules))
	for _, r := range rules {
		fn, err := r.Compile()
		if err != nil {
			return previous, err
		}
		out = append(out, compiled{name: r.FilterName(), fn: fn})
	}

	for _, name := range previous {
		fc.Remove(name)
	}
	names := make([]string, 0, len(out))
	for _, c := range out {
		fc.Add(c.name, c.fn)
		names = append(names, c.name)
	}
	return names, nil
}
