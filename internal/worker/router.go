package worker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/benoitc/gunicorn-sub001/internal/dirty"
)

// Endpoints:
//   GET  /healthz               liveness
//   GET  /_worker               worker identity and request count
//   POST /dirty/:app/:action    body {"args": [...], "kwargs": {...}}
//                               ?stream=1 answers with NDJSON chunk lines

type errorResp struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type invokeReq struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

type infoResp struct {
	PID         int    `json:"pid"`
	Age         uint64 `json:"age"`
	Generation  int    `json:"generation"`
	Handled     int64  `json:"handled"`
	MaxRequests int64  `json:"max_requests"`
}

// streamLine is one NDJSON line of a streamed invocation.
type streamLine struct {
	Chunk any        `json:"chunk,omitempty"`
	Done  bool       `json:"done,omitempty"`
	Error *errorResp `json:"error,omitempty"`
}

// Handler returns the gin engine serving the worker endpoints.
func (w *Worker) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery(), w.counter)
	g.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, gin.H{"status": "ok"}) })
	g.GET("/_worker", w.handleInfo)
	g.POST("/dirty/:app/:action", w.handleInvoke)
	return g
}

func (w *Worker) counter(c *gin.Context) {
	c.Next()
	w.count()
}

func (w *Worker) handleInfo(c *gin.Context) {
	writeJSON(c, http.StatusOK, infoResp{
		PID:         os.Getpid(),
		Age:         w.opts.Boot.Age,
		Generation:  w.opts.Boot.Generation,
		Handled:     w.handled.Load(),
		MaxRequests: w.limit,
	})
}

func (w *Worker) handleInvoke(c *gin.Context) {
	if w.opts.Dirty == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "dirty arbiter is not enabled", Code: dirty.CodeUnavailable})
		return
	}
	var req invokeReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error(), Code: dirty.CodeBadRequest})
		return
	}
	app, action := c.Param("app"), c.Param("action")
	args := dirty.Args{Positional: req.Args, Keyword: req.Kwargs}
	ctx := c.Request.Context()

	if c.Query("stream") == "" || c.Query("stream") == "0" {
		v, err := w.opts.Dirty.Call(ctx, app, action, args)
		if err != nil {
			writeError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, gin.H{"result": v})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	enc := json.NewEncoder(c.Writer)
	_, err := w.opts.Dirty.Stream(ctx, app, action, args, func(chunk any) error {
		if err := enc.Encode(streamLine{Chunk: chunk}); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		e := toErrorResp(err)
		_ = enc.Encode(streamLine{Error: &e})
		return
	}
	_ = enc.Encode(streamLine{Done: true})
}

func toErrorResp(err error) errorResp {
	var de *dirty.Error
	if errors.As(err, &de) {
		return errorResp{Error: de.Message, Code: de.Code}
	}
	return errorResp{Error: err.Error()}
}

func writeError(c *gin.Context, err error) {
	e := toErrorResp(err)
	status := http.StatusInternalServerError
	switch e.Code {
	case dirty.CodeBadRequest:
		status = http.StatusBadRequest
	case dirty.CodeAppNotLoaded, dirty.CodeUnknownAction:
		status = http.StatusNotFound
	case dirty.CodeNoWorkerForApp, dirty.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(c, status, e)
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
