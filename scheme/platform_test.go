package scheme

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPTaskServesSchemeResponse(t *testing.T) {
	h := newTestHandlers(t, nil, nil)
	require.NoError(t, h.RegisterSchemeHandler("socket", func(req *Request, _ *Callbacks, done func(*Response)) {
		res := NewResponse(req, http.StatusCreated)
		res.SetHeader("x-path", req.Pathname)
		res.Write([]byte("chunk-1;"))
		res.Write(req.Body)
		done(res)
	}))

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		task := NewHTTPTask(w, r, "socket", "com.example.app")
		req := NewBuilder(h, task).Build()
		if !h.HandleRequest(req, nil) {
			http.Error(w, "rejected", http.StatusInternalServerError)
			return
		}
		select {
		case <-task.Done():
		case <-r.Context().Done():
			h.StopTask(task)
		}
	}))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/upload?x=1", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "/upload", resp.Header.Get("X-Path"))
	require.Equal(t, "chunk-1;payload", string(body))
}

func TestHTTPTaskRejectsOversizedBody(t *testing.T) {
	h := newTestHandlers(t, nil, nil)
	require.NoError(t, h.RegisterSchemeHandler("socket", func(*Request, *Callbacks, func(*Response)) {
		t.Errorf("handler must not run for an oversized body")
	}))

	serve := func(body io.Reader, contentLength int64) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/upload", body)
		r.ContentLength = contentLength
		task := NewHTTPTask(rr, r, "socket", "")
		task.maxBody = 8

		req := NewBuilder(h, task).Build()
		require.ErrorIs(t, req.Err, ErrBodyTooLarge)
		require.True(t, h.HandleRequest(req, nil))
		<-task.Done()
		return rr
	}

	rr := serve(strings.NewReader("0123456789"), 10)
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	// Unknown length is caught while reading.
	rr = serve(io.MultiReader(strings.NewReader("01234"), strings.NewReader("56789")), -1)
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	r := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("01234567"))
	task := NewHTTPTask(httptest.NewRecorder(), r, "socket", "")
	task.maxBody = 8
	body, err := task.Body()
	require.NoError(t, err)
	require.Equal(t, "01234567", string(body))
}

func TestHTTPTaskFailBeforeHead(t *testing.T) {
	rr := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	task := NewHTTPTask(rr, r, "socket", "")

	require.Equal(t, "socket://example.com/x", task.URL())
	require.NoError(t, task.Fail(http.StatusOK, "nope"))
	require.Error(t, task.Finish())

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatalf("task not done after fail")
	}
	require.Equal(t, http.StatusBadGateway, rr.Code)
	require.Contains(t, rr.Body.String(), "nope")
}
