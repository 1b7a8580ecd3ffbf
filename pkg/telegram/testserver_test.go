package telegram

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTelegram is an httptest-backed Bot API double: it records every
// method call with its form values and serves canned results.
type fakeTelegram struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	calls     []apiCall
	nextMsgID int
	failures  map[string]string
	files     map[string]fileFixture
	updates   chan []byte
}

type apiCall struct {
	method string
	values url.Values
}

type fileFixture struct {
	path string
	data []byte
}

func newFakeTelegram(t *testing.T) *fakeTelegram {
	t.Helper()
	f := &fakeTelegram{
		t:        t,
		failures: make(map[string]string),
		files:    make(map[string]fileFixture),
		updates:  make(chan []byte, 16),
	}
	f.srv = httptest.NewServer(f)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTelegram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/file/") {
		f.serveFile(w, r)
		return
	}

	parts := strings.Split(r.URL.Path, "/")
	method := parts[len(parts)-1]

	values := url.Values{}
	if err := r.ParseMultipartForm(16 << 20); err == nil {
		for k, v := range r.MultipartForm.Value {
			values[k] = v
		}
	} else if err := r.ParseForm(); err == nil {
		values = r.PostForm
	}

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{method: method, values: values})
	if desc, ok := f.failures[method]; ok {
		delete(f.failures, method)
		f.mu.Unlock()
		fmt.Fprintf(w, `{"ok":false,"error_code":400,"description":%q}`, desc)
		return
	}
	f.nextMsgID++
	msgID := f.nextMsgID
	f.mu.Unlock()

	switch method {
	case "getMe":
		fmt.Fprint(w, `{"ok":true,"result":{"id":99,"is_bot":true,"first_name":"Parley","username":"parley_bot"}}`)
	case "getUpdates":
		select {
		case batch := <-f.updates:
			fmt.Fprintf(w, `{"ok":true,"result":%s}`, batch)
		case <-time.After(25 * time.Millisecond):
			fmt.Fprint(w, `{"ok":true,"result":[]}`)
		}
	case "getFile":
		f.mu.Lock()
		fx, ok := f.files[values.Get("file_id")]
		f.mu.Unlock()
		if !ok {
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: invalid file_id"}`)
			return
		}
		fmt.Fprintf(w, `{"ok":true,"result":{"file_id":%q,"file_unique_id":"u","file_size":%d,"file_path":%q}}`,
			values.Get("file_id"), len(fx.data), fx.path)
	case "sendMessage", "editMessageText", "sendInvoice", "sendPhoto", "sendAudio", "sendDocument":
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":1,"chat":{"id":1,"type":"private"}}}`, msgID)
	default:
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	}
}

func (f *fakeTelegram) serveFile(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fx := range f.files {
		if strings.HasSuffix(r.URL.Path, fx.path) {
			w.Write(fx.data)
			return
		}
	}
	http.NotFound(w, r)
}

// addFile registers a downloadable file fixture.
func (f *fakeTelegram) addFile(id, path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[id] = fileFixture{path: path, data: data}
}

// failOnce makes the next call to method fail with the description.
func (f *fakeTelegram) failOnce(method, description string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = description
}

func (f *fakeTelegram) callsTo(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTelegram) queueUpdates(updates ...map[string]any) {
	batch, err := json.Marshal(updates)
	require.NoError(f.t, err)
	f.updates <- batch
}

func newTestClient(t *testing.T, f *fakeTelegram, limit int) *Client {
	t.Helper()
	c, err := New("TESTTOKEN", Options{
		Endpoint:     f.srv.URL + "/bot%s/%s",
		FileEndpoint: f.srv.URL + "/file/bot%s/%s",
		MessageLimit: limit,
	})
	require.NoError(t, err)
	return c
}
