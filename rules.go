package ezproxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
)

// Response is a complete response produced by a rule instead of, or as a
// replacement for, the upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestDetail describes a request about to be sent upstream.
type RequestDetail struct {
	// Protocol is "http" or "https".
	Protocol string
	URL      string

	// Request is the outbound request. Rules may modify it or return a
	// detail carrying a different one.
	Request *http.Request
	Body    []byte

	// Response, when set by a request rule, is sent to the client and the
	// upstream is never contacted.
	Response *Response
}

// ResponseDetail wraps the response about to be sent to the client.
type ResponseDetail struct {
	Response *Response
}

// ConnectDetail describes a CONNECT request.
type ConnectDetail struct {
	// Host is the CONNECT target in host:port form.
	Host    string
	Request *http.Request
}

// Rule function shapes, one per hook.
type (
	// RequestRule returns a replacement detail, or nil for no opinion.
	RequestRule func(req *RequestDetail) *RequestDetail

	// ResponseRule returns a replacement response, or nil for no opinion.
	ResponseRule func(req *RequestDetail, res *ResponseDetail) *ResponseDetail

	// HTTPSRule returns true to intercept the CONNECT tunnel.
	HTTPSRule func(conn *ConnectDetail) bool

	// ErrorRule returns the response to send when the upstream fails.
	ErrorRule func(req *RequestDetail, err error) *ResponseDetail

	// ConnectErrorRule returns true when it handled a failed tunnel dial.
	ConnectErrorRule func(conn *ConnectDetail, err error) bool
)

// RuleChain is an insertion-ordered set of named rules. The zero value is
// ready to use.
type RuleChain[F any] struct {
	mu    sync.RWMutex
	names []string
	rules map[string]F
}

// Add registers fn under name. Replacing a rule keeps its position.
func (c *RuleChain[F]) Add(name string, fn F) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rules == nil {
		c.rules = make(map[string]F)
	}
	if _, ok := c.rules[name]; !ok {
		c.names = append(c.names, name)
	}
	c.rules[name] = fn
}

// Remove deletes the rule registered under name.
func (c *RuleChain[F]) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rules[name]; !ok {
		return
	}
	delete(c.rules, name)
	c.names = slices.DeleteFunc(c.names, func(n string) bool { return n == name })
}

// Names returns the rule names in insertion order.
func (c *RuleChain[F]) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.names)
}

// Len returns the number of registered rules.
func (c *RuleChain[F]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.names)
}

type namedRule[F any] struct {
	name string
	fn   F
}

func (c *RuleChain[F]) snapshot() []namedRule[F] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]namedRule[F], len(c.names))
	for i, n := range c.names {
		out[i] = namedRule[F]{name: n, fn: c.rules[n]}
	}
	return out
}

// Rules dispatches proxy hooks to the registered rule chains. Each hook
// returns the result of the first rule that produces one.
type Rules struct {
	Request      RuleChain[RequestRule]
	Response     RuleChain[ResponseRule]
	HTTPS        RuleChain[HTTPSRule]
	Error        RuleChain[ErrorRule]
	ConnectError RuleChain[ConnectErrorRule]

	logger  *slog.Logger
	metrics *Metrics
}

// NewRules creates an empty rule set.
func NewRules(logger *slog.Logger, metrics *Metrics) *Rules {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rules{logger: logger, metrics: metrics}
}

// firstMatch calls each rule in order and returns the first result that
// satisfies ok. A panicking rule is logged and skipped.
func firstMatch[F any, R any](rs *Rules, chain string, c *RuleChain[F], call func(F) R, ok func(R) bool) (R, bool) {
	for _, r := range c.snapshot() {
		res, err := callRule(r.fn, call)
		if err != nil {
			rs.logger.Error("rule failed", "chain", chain, "rule", r.name, "error", err)
			if rs.metrics != nil {
				rs.metrics.RecordRuleError(chain)
			}
			continue
		}
		if ok(res) {
			return res, true
		}
	}
	var zero R
	return zero, false
}

func callRule[F any, R any](fn F, call func(F) R) (res R, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return call(fn), nil
}

func nonNil[T any](v *T) bool { return v != nil }

func isTrue(v bool) bool { return v }

// BeforeSendRequest returns the first request rule's replacement, or nil.
func (rs *Rules) BeforeSendRequest(req *RequestDetail) *RequestDetail {
	res, _ := firstMatch(rs, "request", &rs.Request,
		func(fn RequestRule) *RequestDetail { return fn(req) }, nonNil[RequestDetail])
	return res
}

// BeforeSendResponse returns the first response rule's replacement, or nil.
func (rs *Rules) BeforeSendResponse(req *RequestDetail, res *ResponseDetail) *ResponseDetail {
	out, _ := firstMatch(rs, "response", &rs.Response,
		func(fn ResponseRule) *ResponseDetail { return fn(req, res) }, nonNil[ResponseDetail])
	return out
}

// BeforeDealHTTPSRequest reports whether the CONNECT tunnel should be
// intercepted. With no rule answering true, prior is returned unchanged.
func (rs *Rules) BeforeDealHTTPSRequest(conn *ConnectDetail, prior bool) bool {
	if ok, matched := firstMatch(rs, "https", &rs.HTTPS,
		func(fn HTTPSRule) bool { return fn(conn) }, isTrue); matched {
		return ok
	}
	return prior
}

// OnError returns the first error rule's response, or nil.
func (rs *Rules) OnError(req *RequestDetail, err error) *ResponseDetail {
	res, _ := firstMatch(rs, "error", &rs.Error,
		func(fn ErrorRule) *ResponseDetail { return fn(req, err) }, nonNil[ResponseDetail])
	return res
}

// OnConnectError reports whether a rule handled the failed dial.
func (rs *Rules) OnConnectError(conn *ConnectDetail, err error) bool {
	handled, _ := firstMatch(rs, "connect_error", &rs.ConnectError,
		func(fn ConnectErrorRule) bool { return fn(conn, err) }, isTrue)
	return handled
}

// RuleSummary lists registered rule names per hook.
type RuleSummary struct {
	Request      []string `json:"request"`
	Response     []string `json:"response"`
	HTTPS        []string `json:"https"`
	Error        []string `json:"error"`
	ConnectError []string `json:"connectError"`
}

// Summary returns the registered rule names.
func (rs *Rules) Summary() RuleSummary {
	return RuleSummary{
		Request:      rs.Request.Names(),
		Response:     rs.Response.Names(),
		HTTPS:        rs.HTTPS.Names(),
		Error:        rs.Error.Names(),
		ConnectError: rs.ConnectError.Names(),
	}
}
