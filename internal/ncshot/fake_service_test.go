package ncshot

import (
	"bytes"
	"image"
	"image/jpeg"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeService mimics the recognition service endpoints used by the client.
type fakeService struct {
	mu sync.Mutex

	configStatus  int
	submitStatus  int
	submitBody    string
	submitDelay   time.Duration
	token         string
	releaseStatus int
	plates        map[int][]byte
	configs       []string

	configBodies []string
	submits      int
	submitQuery  string
	contentType  string
	released     []string
}

func newFakeService() *fakeService {
	return &fakeService{
		configStatus:  http.StatusOK,
		submitStatus:  http.StatusOK,
		submitBody:    "<result></result>",
		token:         "tok-1",
		releaseStatus: http.StatusOK,
		plates:        map[int][]byte{},
	}
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/":
		_, _ = io.WriteString(w, "NCShot OK")
	case r.Method == http.MethodGet && r.URL.Path == "/config":
		_, _ = io.WriteString(w, strings.Join(f.configs, "\n"))
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/config/"):
		body, _ := io.ReadAll(r.Body)
		f.configBodies = append(f.configBodies, string(body))
		w.WriteHeader(f.configStatus)
	case r.Method == http.MethodPut:
		f.submits++
		f.submitQuery = r.URL.RawQuery
		f.contentType = r.Header.Get("Content-Type")
		if f.submitDelay > 0 {
			delay := f.submitDelay
			f.mu.Unlock()
			select {
			case <-r.Context().Done():
			case <-time.After(delay):
			}
			f.mu.Lock()
		}
		if f.token != "" {
			w.Header().Set(DefaultTokenHeader, f.token)
		}
		w.WriteHeader(f.submitStatus)
		_, _ = io.WriteString(w, f.submitBody)
	case r.URL.Path == "/release":
		f.released = append(f.released, r.URL.Query().Get("token"))
		w.WriteHeader(f.releaseStatus)
	case r.URL.Path == "/vehicleplate":
		n, _ := strconv.Atoi(r.URL.Query().Get("number"))
		data, ok := f.plates[n]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, svc *fakeService, mutate func(*Options)) *Client {
	t.Helper()

	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	opts := DefaultOptions(host, port)
	opts.MinImageBytes = 16
	if mutate != nil {
		mutate(&opts)
	}
	return NewClient(opts, &net.Dialer{Timeout: time.Second}, zap.NewNop())
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 16, 16)), nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}
