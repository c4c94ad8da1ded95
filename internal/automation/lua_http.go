package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// maxResponseBody caps how much of a response body http.get/post read.
const maxResponseBody = 32 << 20

func newHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          16,
		},
	}
}

// registerHTTPModule installs the `http` table (get/post/download).
func registerHTTPModule(L *lua.LState, inv *invocation) {
	setFuncs(L, inv, "http", map[string]lua.LGFunction{
		"get": func(L *lua.LState) int {
			return httpGet(L, inv)
		},
		"post": func(L *lua.LState) int {
			return httpPost(L, inv)
		},
		"download": func(L *lua.LState) int {
			return httpDownload(L, inv)
		},
	})
}

// httpContext bounds one request by the state's context (if any) and the
// overall per-call budget of connect + read + write.
func (inv *invocation) httpContext(L *lua.LState) (context.Context, context.CancelFunc) {
	parent := L.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, 3*inv.e.cfg.HTTPTimeout)
}

// http.get(url, params?, headers?)
func httpGet(L *lua.LState, inv *invocation) int {
	raw := optString(L, 1)
	u, err := url.Parse(raw)
	if raw == "" || err != nil {
		return pushHTTPError(L, fmt.Errorf("invalid url %q", raw))
	}
	if params := optTable(L, 2); params != nil {
		q := u.Query()
		params.ForEach(func(k, v lua.LValue) {
			q.Add(luaString(k), luaString(v))
		})
		u.RawQuery = q.Encode()
	}

	ctx, cancel := inv.httpContext(L)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return pushHTTPError(L, err)
	}
	applyHeaders(req, optTable(L, 3))
	return inv.doHTTP(L, req)
}

// http.post(url, form?, json?, headers?)
//
// A non-nil json argument wins and is sent as application/json. Otherwise
// form is sent url-encoded. With neither the body is empty text/plain.
func httpPost(L *lua.LState, inv *invocation) int {
	raw := optString(L, 1)
	if _, err := url.Parse(raw); raw == "" || err != nil {
		return pushHTTPError(L, fmt.Errorf("invalid url %q", raw))
	}

	var (
		body        []byte
		contentType string
	)
	switch form, jsonArg := optTable(L, 2), L.Get(3); {
	case jsonArg != lua.LNil:
		encoded, err := luaToJSON(jsonArg)
		if err != nil {
			return pushHTTPError(L, fmt.Errorf("encode json body: %w", err))
		}
		body, contentType = encoded, "application/json; charset=utf-8"
	case form != nil:
		values := url.Values{}
		form.ForEach(func(k, v lua.LValue) {
			values.Add(luaString(k), luaString(v))
		})
		body, contentType = []byte(values.Encode()), "application/x-www-form-urlencoded"
	default:
		contentType = "text/plain; charset=utf-8"
	}

	ctx, cancel := inv.httpContext(L)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, raw, bytes.NewReader(body))
	if err != nil {
		return pushHTTPError(L, err)
	}
	req.Header.Set("Content-Type", contentType)
	applyHeaders(req, optTable(L, 4))
	return inv.doHTTP(L, req)
}

func applyHeaders(req *http.Request, headers *lua.LTable) {
	if headers == nil {
		return
	}
	headers.ForEach(func(k, v lua.LValue) {
		req.Header.Set(luaString(k), luaString(v))
	})
}

func (inv *invocation) doHTTP(L *lua.LState, req *http.Request) int {
	resp, err := inv.e.client.Do(req)
	if err != nil {
		inv.logger.Warn("http request failed", "method", req.Method, "url", req.URL.Redacted(), "err", err)
		return pushHTTPError(L, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return pushHTTPError(L, fmt.Errorf("read body: %w", err))
	}

	result := L.NewTable()
	result.RawSetString("ok", lua.LBool(resp.StatusCode < 400))
	result.RawSetString("status", lua.LNumber(resp.StatusCode))
	result.RawSetString("body", lua.LString(data))
	if isJSONContent(resp.Header.Get("Content-Type")) && len(bytes.TrimSpace(data)) > 0 {
		var parsed any
		if json.Unmarshal(data, &parsed) == nil {
			result.RawSetString("json", goToLua(L, parsed))
		}
	}
	headers := L.NewTable()
	for name := range resp.Header {
		headers.RawSetString(name, lua.LString(resp.Header.Get(name)))
	}
	result.RawSetString("headers", headers)

	L.Push(result)
	return 1
}

// isJSONContent reports whether a Content-Type names JSON, including
// structured suffixes such as application/problem+json.
func isJSONContent(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func pushHTTPError(L *lua.LState, err error) int {
	result := L.NewTable()
	result.RawSetString("ok", lua.LFalse)
	result.RawSetString("status", lua.LNumber(0))
	result.RawSetString("body", lua.LString(""))
	result.RawSetString("error", lua.LString(err.Error()))
	L.Push(result)
	return 1
}

func pushDownloadResult(L *lua.LState, ok bool, dest string) int {
	result := L.NewTable()
	result.RawSetString("ok", lua.LBool(ok))
	result.RawSetString("path", lua.LString(dest))
	L.Push(result)
	return 1
}

// http.download(url, filename?) saves the body into the cache directory.
func httpDownload(L *lua.LState, inv *invocation) int {
	raw := optString(L, 1)
	name := optString(L, 2)
	if name != "" {
		name = filepath.Base(name)
	} else {
		name = inferFilename(raw)
	}
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		inv.logger.Warn("http.download: cannot determine filename", "url", raw)
		return pushDownloadResult(L, false, "")
	}

	dir := inv.e.cfg.CacheDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "hostscript-cache")
	}
	inv.trimCache(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		inv.logger.Warn("http.download: create cache dir", "dir", dir, "err", err)
		return pushDownloadResult(L, false, "")
	}
	dest := filepath.Join(dir, name)

	ctx, cancel := inv.httpContext(L)
	defer cancel()
	if err := inv.fetchToFile(ctx, raw, dest); err != nil {
		inv.logger.Warn("http.download failed", "url", raw, "err", err)
		return pushDownloadResult(L, false, "")
	}
	if abs, err := filepath.Abs(dest); err == nil {
		dest = abs
	}
	return pushDownloadResult(L, true, dest)
}

func (inv *invocation) fetchToFile(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := inv.e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// inferFilename returns the last path segment of rawURL, or "" when the
// path is empty or ends with a slash.
func inferFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || strings.HasSuffix(u.Path, "/") {
		return ""
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return ""
	}
	return name
}

// trimCache wipes dir once its total size reaches the configured limit.
func (inv *invocation) trimCache(dir string) {
	size, err := dirSize(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			inv.logger.Warn("measure cache dir", "dir", dir, "err", err)
		}
		return
	}
	if size < inv.e.cfg.CacheLimit {
		return
	}
	inv.logger.Info("cache dir over limit, clearing", "dir", dir, "bytes", size)
	if err := os.RemoveAll(dir); err != nil {
		inv.logger.Warn("clear cache dir", "dir", dir, "err", err)
	}
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
