// This succint etag middleware has been borrowed from:
//
// https://github.com/wtg/shuttletracker/blob/cdd56dc4aeca922f333c913f09c1796851d6f677/api/etag.go
//
// It's very well articulated too by the author on their blog:
//
// https://sidney.kochman.org/2018/etag-middleware-go/
package http

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash"
	"io"
	"net/http"
	"strings"

	"github.com/leg100/jobq/internal/logr"
)

type etagResponseWriter struct {
	http.ResponseWriter
	buf  bytes.Buffer
	hash hash.Hash
	w    io.Writer
	code int
}

func (e *etagResponseWriter) Write(p []byte) (int, error) {
	return e.w.Write(p)
}

func (e *etagResponseWriter) WriteHeader(code int) {
	e.code = code
}

// etagMiddleware tags successful GET responses, responding with a 304 if
// the client already holds the same representation. Event streams pass
// straight through.
type etagMiddleware struct {
	logger logr.Logger
}

func (e *etagMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.Header.Get("Accept") == "text/event-stream" || strings.HasSuffix(r.URL.Path, "/stream") {
			next.ServeHTTP(w, r)
			return
		}
		ew := &etagResponseWriter{
			ResponseWriter: w,
			buf:            bytes.Buffer{},
			hash:           sha1.New(),
			code:           http.StatusOK,
		}
		ew.w = io.MultiWriter(&ew.buf, ew.hash)

		next.ServeHTTP(ew, r)

		if ew.code != http.StatusOK {
			w.WriteHeader(ew.code)
			if _, err := ew.buf.WriteTo(w); err != nil {
				e.logger.Error(err, "etag middleware: writing response")
			}
			return
		}

		sum := fmt.Sprintf(`"%x"`, ew.hash.Sum(nil))
		w.Header().Set("ETag", sum)

		if r.Header.Get("If-None-Match") == sum {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if _, err := ew.buf.WriteTo(w); err != nil {
			e.logger.Error(err, "etag middleware: writing response")
		}
	})
}
