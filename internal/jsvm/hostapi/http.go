package hostapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dop251/goja"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 4 << 20
)

// newHTTP builds codebox.http. Requests inherit the run's context, so a
// timed-out or cancelled run aborts its in-flight calls.
func newHTTP(vm *goja.Runtime, hctx *Context) (*goja.Object, error) {
	httpObj := vm.NewObject()
	allowlist := hctx.Capabilities.HTTPAllowlist

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			if !URLAllowed(req.URL, allowlist) {
				return fmt.Errorf("redirect to %s not allowed", req.URL.Host)
			}
			return nil
		},
	}

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
		method := method
		readOnly(vm, httpObj, strings.ToLower(method), func(call goja.FunctionCall) goja.Value {
			return doRequest(vm, hctx, client, allowlist, method, call)
		})
	}
	return httpObj, nil
}

type requestOptions struct {
	headers map[string]string
	timeout time.Duration
}

func doRequest(vm *goja.Runtime, hctx *Context, client *http.Client, allowlist []string, method string, call goja.FunctionCall) goja.Value {
	requireArgs(vm, call, 1, "url is")

	target, err := url.Parse(call.Arguments[0].String())
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		throw(vm, "invalid url: %s", call.Arguments[0].String())
	}
	if !URLAllowed(target, allowlist) {
		throw(vm, "url not allowed: %s", target.Redacted())
	}

	var body io.Reader
	optIdx := 1
	if method == http.MethodPost || method == http.MethodPut {
		optIdx = 2
		if arg := call.Argument(1); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			text := arg.String()
			if _, isObj := arg.(*goja.Object); isObj {
				if text, err = stringifyJSON(vm, arg); err != nil {
					throw(vm, "encode body: %v", err)
				}
			}
			body = strings.NewReader(text)
		}
	}
	opts := parseOptions(vm, call.Argument(optIdx))

	ctx, cancel := context.WithTimeout(hctx.Ctx, opts.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		throw(vm, "build request: %v", err)
	}
	for k, v := range opts.headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		throw(vm, "request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		throw(vm, "read response: %v", err)
	}
	if len(respBody) > maxResponseBytes {
		throw(vm, "response body exceeds %d bytes", maxResponseBytes)
	}

	hctx.Logger.Debug().
		Str("method", method).
		Str("host", target.Host).
		Int("status", resp.StatusCode).
		Msg("host http call")

	return buildResponse(vm, resp, string(respBody))
}

func parseOptions(vm *goja.Runtime, arg goja.Value) requestOptions {
	opts := requestOptions{timeout: defaultHTTPTimeout}
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		return opts
	}
	obj := arg.ToObject(vm)

	if h := obj.Get("headers"); h != nil && !goja.IsUndefined(h) && !goja.IsNull(h) {
		hObj := h.ToObject(vm)
		opts.headers = make(map[string]string)
		for _, k := range hObj.Keys() {
			opts.headers[k] = hObj.Get(k).String()
		}
	}
	if t := obj.Get("timeout"); t != nil && !goja.IsUndefined(t) {
		if ms := t.ToInteger(); ms > 0 {
			opts.timeout = time.Duration(ms) * time.Millisecond
		}
	}
	return opts
}

func buildResponse(vm *goja.Runtime, resp *http.Response, body string) goja.Value {
	response := vm.NewObject()
	_ = response.Set("status", resp.StatusCode)
	_ = response.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
	_ = response.Set("body", body)

	headers := vm.NewObject()
	for k, v := range resp.Header {
		if len(v) > 0 {
			_ = headers.Set(strings.ToLower(k), v[0])
		}
	}
	_ = response.Set("headers", headers)

	_ = response.Set("text", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(body)
	})
	_ = response.Set("json", func(goja.FunctionCall) goja.Value {
		v, err := parseJSON(vm, body)
		if err != nil {
			throw(vm, "parse JSON: %v", err)
		}
		return v
	})
	return response
}

// URLAllowed reports whether u matches an allowlist entry. Entries carrying a
// scheme must match scheme, host and port exactly, and their path is a prefix
// that ends on a segment boundary. Bare entries match the host (with or
// without port), and a leading "*." also matches any subdomain. URLs carrying
// userinfo never match. An empty allowlist allows nothing.
func URLAllowed(u *url.URL, allowlist []string) bool {
	if u == nil || u.User != nil || u.Opaque != "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, entry := range allowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "":
		case strings.Contains(entry, "://"):
			if prefixAllowed(u, entry) {
				return true
			}
		case strings.HasPrefix(entry, "*."):
			suffix := entry[1:]
			if strings.HasSuffix(host, suffix) || host == suffix[1:] {
				return true
			}
		case entry == host || entry == strings.ToLower(u.Host):
			return true
		}
	}
	return false
}

func prefixAllowed(u *url.URL, entry string) bool {
	allowed, err := url.Parse(entry)
	if err != nil || allowed.User != nil || allowed.Hostname() == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != allowed.Scheme || strings.ToLower(u.Hostname()) != allowed.Hostname() {
		return false
	}
	if effectivePort(scheme, u.Port()) != effectivePort(scheme, allowed.Port()) {
		return false
	}

	prefix := strings.TrimSuffix(allowed.Path, "/")
	if prefix == "" {
		return true
	}
	p := u.Path
	if p != "" {
		p = path.Clean(p)
	}
	// entry paths were lowercased with the rest of the entry
	p = strings.ToLower(p)
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func effectivePort(scheme, port string) string {
	if port != "" {
		return port
	}
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}
