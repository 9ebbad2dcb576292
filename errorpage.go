package ezproxy

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrorPage renders the HTML page returned to clients when the proxy cannot
// complete a request.
type ErrorPage struct {
	template *template.Template
}

// ErrorPageData contains the data passed to the error page template.
type ErrorPageData struct {
	Title     string
	Message   string
	URL       string
	Host      string
	Error     string
	Timestamp string
	CertError bool
}

// DefaultErrorPageHTML is the default error page template.
const DefaultErrorPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}} - EZProxy</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #f4f5f7;
            color: #2d2d2d;
            display: flex;
            align-items: center;
            justify-content: center;
            min-height: 100vh;
            margin: 0;
        }
        .card {
            background: #fff;
            border-radius: 12px;
            padding: 32px 40px;
            max-width: 640px;
            width: 90%;
            box-shadow: 0 8px 24px rgba(0, 0, 0, 0.08);
        }
        h1 { font-size: 24px; margin: 0 0 12px; }
        p { color: #555; line-height: 1.5; }
        dl { display: grid; grid-template-columns: 90px 1fr; gap: 8px 12px; font-size: 14px; }
        dt { color: #888; }
        dd { margin: 0; word-break: break-all; }
        code { background: #f0f0f0; padding: 2px 6px; border-radius: 4px; }
    </style>
</head>
<body>
    <div class="card">
        <h1>{{.Title}}</h1>
        <p>{{.Message}}</p>
        {{if .CertError}}<p>Install and trust the EZProxy root CA, or start the proxy with <code>ignore_unauthorized</code> enabled.</p>{{end}}
        <dl>
            <dt>URL</dt><dd>{{.URL}}</dd>
            <dt>Host</dt><dd>{{.Host}}</dd>
            <dt>Error</dt><dd>{{.Error}}</dd>
            <dt>Time</dt><dd>{{.Timestamp}}</dd>
        </dl>
    </div>
</body>
</html>`

// NewErrorPage creates an ErrorPage with the default template.
func NewErrorPage() *ErrorPage {
	tmpl := template.Must(template.New("error").Parse(DefaultErrorPageHTML))
	return &ErrorPage{template: tmpl}
}

// NewErrorPageFromTemplate creates an ErrorPage from a custom template string.
func NewErrorPageFromTemplate(templateStr string) (*ErrorPage, error) {
	tmpl, err := template.New("error").Parse(templateStr)
	if err != nil {
		return nil, err
	}
	return &ErrorPage{template: tmpl}, nil
}

// Render writes the error page to the given writer.
func (ep *ErrorPage) Render(w io.Writer, data ErrorPageData) error {
	return ep.template.Execute(w, data)
}

// RenderString returns the error page as a string.
func (ep *ErrorPage) RenderString(data ErrorPageData) (string, error) {
	var sb strings.Builder
	if err := ep.template.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// isCertError reports whether err comes from an untrusted or invalid
// upstream certificate.
func isCertError(err error) bool {
	var unknown x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError
	var verify *tls.CertificateVerificationError
	return errors.As(err, &unknown) || errors.As(err, &hostname) ||
		errors.As(err, &invalid) || errors.As(err, &verify)
}

// Response builds the 502 response describing an upstream failure for the
// request to rawURL.
func (ep *ErrorPage) Response(rawURL, host string, err error) *Response {
	data := ErrorPageData{
		Title:     "Bad Gateway",
		Message:   "The proxy could not get a response from the upstream server.",
		URL:       rawURL,
		Host:      host,
		Error:     err.Error(),
		Timestamp: time.Now().Format(time.RFC1123),
	}
	if isCertError(err) {
		data.Title = "Upstream Certificate Error"
		data.Message = "The upstream server presented a certificate that could not be verified."
		data.CertError = true
	}
	body, rerr := ep.RenderString(data)
	if rerr != nil {
		body = "Proxy Error: " + err.Error()
	}
	return &Response{
		StatusCode: http.StatusBadGateway,
		Header:     http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}
}
