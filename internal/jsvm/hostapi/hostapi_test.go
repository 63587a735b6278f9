package hostapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codebox/internal/execerr"
	"codebox/internal/sandbox"
	"codebox/internal/storage"
)

func newVM(t *testing.T, hctx *Context) *goja.Runtime {
	t.Helper()
	if hctx.Ctx == nil {
		hctx.Ctx = context.Background()
	}
	if hctx.ExecutionID == "" {
		hctx.ExecutionID = "test-123"
	}
	vm := goja.New()
	require.NoError(t, Register(vm, hctx))
	return vm
}

func grant(caps ...sandbox.Capability) sandbox.Capabilities {
	return sandbox.Capabilities{Allowed: caps}
}

func TestRegister_GrantedOnly(t *testing.T) {
	vm := newVM(t, &Context{Logger: zerolog.Nop(), Capabilities: grant(sandbox.CapLog)})

	v, err := vm.RunString(`typeof codebox.log.info`)
	require.NoError(t, err)
	assert.Equal(t, "function", v.String())

	for _, name := range []string{"fs", "http", "kv"} {
		t.Run(name, func(t *testing.T) {
			_, err := vm.RunString("codebox." + name)
			require.Error(t, err)
			var ex *goja.Exception
			require.ErrorAs(t, err, &ex)
			assert.Contains(t, ex.Value().String(), "capability not granted: "+name)
		})
	}
}

func TestRegister_NothingGranted(t *testing.T) {
	vm := newVM(t, &Context{Logger: zerolog.Nop()})

	v, err := vm.RunString(`codebox.capabilities.length + ":" + codebox.execution_id`)
	require.NoError(t, err)
	assert.Equal(t, "0:test-123", v.String())

	_, err = vm.RunString(`codebox.log.info("x")`)
	assert.Error(t, err)
}

func TestRegister_BindingIsReadOnly(t *testing.T) {
	vm := newVM(t, &Context{Logger: zerolog.Nop(), Capabilities: grant(sandbox.CapLog)})

	v, err := vm.RunString(`
		codebox = null;
		codebox.log = 1;
		codebox.log.info = 2;
		typeof codebox.log.info`)
	require.NoError(t, err)
	assert.Equal(t, "function", v.String())

	_, err = vm.RunString(`"use strict"; codebox.log = 1`)
	assert.Error(t, err)
}

func TestFS_ReadWriteList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.txt"), []byte("hello world"), 0o644))

	caps := grant(sandbox.CapFS)
	caps.AllowedPaths = []string{dir}
	caps.MaxWriteSize = 16
	vm := newVM(t, &Context{Logger: zerolog.Nop(), Capabilities: caps})
	require.NoError(t, vm.Set("dir", dir))

	v, err := vm.RunString(`codebox.fs.read(dir + "/in.txt")`)
	require.NoError(t, err)
	assert.Equal(t, "hello world", v.String())

	v, err = vm.RunString(`codebox.fs.read(dir + "/missing.txt")`)
	require.NoError(t, err)
	assert.True(t, goja.IsNull(v))

	_, err = vm.RunString(`codebox.fs.write(dir + "/sub/out.txt", "data")`)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "sub", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	_, err = vm.RunString(`codebox.fs.write(dir + "/big.txt", "x".repeat(17))`)
	assert.ErrorContains(t, err, "max write size")

	v, err = vm.RunString(`codebox.fs.list(dir).join(",")`)
	require.NoError(t, err)
	assert.Equal(t, "in.txt,sub/", v.String())

	v, err = vm.RunString(`codebox.fs.exists("/etc/passwd")`)
	require.NoError(t, err)
	assert.False(t, v.ToBoolean())
}

func TestResolvePath(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	tests := []struct {
		name    string
		path    string
		allowed bool
	}{
		{"root itself", root, true},
		{"new file", filepath.Join(root, "a", "b.txt"), true},
		{"traversal", filepath.Join(root, "..", filepath.Base(outside), "x"), false},
		{"symlink escape", filepath.Join(root, "escape", "x"), false},
		{"outside", "/etc/passwd", false},
		{"sibling prefix", root + "-other/x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolvePath(tt.path, []string{root})
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, execerr.ErrPathNotAllowed)
			}
		})
	}

	_, err := ResolvePath(root, nil)
	assert.ErrorIs(t, err, execerr.ErrPathNotAllowed)
}

func TestURLAllowed(t *testing.T) {
	allow := []string{"api.example.com", "*.internal.test", "http://127.0.0.1:8080/v1/", "https://pay.example.org"}

	tests := []struct {
		url  string
		want bool
	}{
		{"https://api.example.com/x", true},
		{"https://API.example.com:443/x", true},
		{"https://evil.com/?q=api.example.com", false},
		{"https://api.example.com.evil.com/", false},
		{"http://svc.internal.test/", true},
		{"http://internal.test/", true},
		{"http://127.0.0.1:8080/v1/items", true},
		{"http://127.0.0.1:8080/v2/items", false},
		{"http://127.0.0.1:8080/v1", true},
		{"http://127.0.0.1:8080/v1x/items", false},
		{"http://127.0.0.1:8080/v1/../admin", false},
		{"http://127.0.0.1:9090/v1/items", false},
		{"https://127.0.0.1:8080/v1/items", false},
		{"https://pay.example.org/charge", true},
		{"https://pay.example.org:443/charge", true},
		{"https://pay.example.org.evil.net/charge", false},
		{"https://pay.example.org@169.254.169.254/latest/meta-data", false},
		{"https://pay.example.org:8443/charge", false},
		{"http://pay.example.org/charge", false},
		{"https://user:pw@api.example.com/x", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			u, err := url.Parse(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, URLAllowed(u, allow))
		})
	}

	u, _ := url.Parse("https://api.example.com/")
	assert.False(t, URLAllowed(u, nil))
}

func TestHTTP_GetAndPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		_, _ = fmt.Fprintf(w, `{"method":%q,"body":%q}`, r.Method, string(body))
	}))
	defer srv.Close()

	caps := grant(sandbox.CapHTTP)
	caps.HTTPAllowlist = []string{srv.URL}
	vm := newVM(t, &Context{Logger: zerolog.Nop(), Capabilities: caps})
	require.NoError(t, vm.Set("base", srv.URL))

	v, err := vm.RunString(`var r = codebox.http.get(base + "/x"); r.status + " " + r.json().method + " " + r.headers["x-method"]`)
	require.NoError(t, err)
	assert.Equal(t, "200 GET GET", v.String())

	v, err = vm.RunString(`codebox.http.post(base, {a: 1}).json().body`)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, v.String())

	_, err = vm.RunString(`codebox.http.get("http://example.com/")`)
	assert.ErrorContains(t, err, "url not allowed")
}

func TestHTTP_RedirectOutsideAllowlist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/hop":
			http.Redirect(w, r, "/apix/secret", http.StatusFound)
		case "/api/ok":
			http.Redirect(w, r, "/api/done", http.StatusFound)
		default:
			_, _ = io.WriteString(w, r.URL.Path)
		}
	}))
	defer srv.Close()

	caps := grant(sandbox.CapHTTP)
	caps.HTTPAllowlist = []string{srv.URL + "/api"}
	vm := newVM(t, &Context{Logger: zerolog.Nop(), Capabilities: caps})
	require.NoError(t, vm.Set("base", srv.URL))

	v, err := vm.RunString(`codebox.http.get(base + "/api/ok").body`)
	require.NoError(t, err)
	assert.Equal(t, "/api/done", v.String())

	_, err = vm.RunString(`codebox.http.get(base + "/api/hop")`)
	assert.ErrorContains(t, err, "not allowed")
}

func TestHTTP_CancelledContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	caps := grant(sandbox.CapHTTP)
	caps.HTTPAllowlist = []string{srv.URL}
	vm := newVM(t, &Context{Ctx: ctx, Logger: zerolog.Nop(), Capabilities: caps})
	require.NoError(t, vm.Set("base", srv.URL))

	_, err := vm.RunString(`codebox.http.get(base)`)
	assert.ErrorContains(t, err, "request failed")
}

func TestKV_RoundTripAndQuota(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer db.Close()

	caps := grant(sandbox.CapKV)
	caps.MaxKVKeys = 2
	vm := newVM(t, &Context{DB: db, Logger: zerolog.Nop(), Capabilities: caps})

	v, err := vm.RunString(`
		codebox.kv.set("a", {n: 1, tags: ["x"]});
		codebox.kv.set("b", "text");
		var got = codebox.kv.get("a");
		got.n + got.tags[0] + codebox.kv.get("b") + codebox.kv.keys().join(",")`)
	require.NoError(t, err)
	assert.Equal(t, "1xtexta,b", v.String())

	raw, err := db.KVGet(KVPrefix + "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1,"tags":["x"]}`, raw)

	_, err = vm.RunString(`codebox.kv.set("c", 3)`)
	assert.ErrorContains(t, err, "quota")

	v, err = vm.RunString(`codebox.kv.set("a", 2); codebox.kv.delete("b") + ":" + codebox.kv.delete("b") + ":" + codebox.kv.get("b")`)
	require.NoError(t, err)
	assert.Equal(t, "true:false:null", v.String())
}

func TestKV_NoStore(t *testing.T) {
	vm := newVM(t, &Context{Logger: zerolog.Nop(), Capabilities: grant(sandbox.CapKV)})
	_, err := vm.RunString(`codebox.kv.get("a")`)
	assert.ErrorContains(t, err, "kv store unavailable")
}

func TestLog_WritesToHostLog(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	vm := newVM(t, &Context{ExecutionID: "exec-9", Logger: logger, Capabilities: grant(sandbox.CapLog)})

	_, err := vm.RunString(`codebox.log.warn("count", 3, {a: [1]})`)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"exec_id":"exec-9"`)
	assert.Contains(t, out, `count 3 {\"a\":[1]}`)
}

func TestFormatArgs(t *testing.T) {
	vm := goja.New()
	v, err := vm.RunString(`[ "s", 1.5, null, undefined, [1, "a"], function f() {} ]`)
	require.NoError(t, err)

	var args []goja.Value
	obj := v.ToObject(vm)
	for i := 0; i < 6; i++ {
		args = append(args, obj.Get(fmt.Sprint(i)))
	}
	assert.Equal(t, `s 1.5 null undefined [1,"a"] [Function: f]`, FormatArgs(args))
}
