package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// A lean health sidecar: serves /healthz locally and reports the target
// maintenance listener's health without pulling in the full app stack.
func main() {
	addr := flag.String("addr", ":8081", "listen address for the probe")
	target := flag.String("target", "http://127.0.0.1:9090/healthz", "maintenance healthz URL to probe")
	timeout := flag.Duration("timeout", 2*time.Second, "probe timeout")
	flag.Parse()

	client := &fasthttp.Client{
		ReadTimeout:  *timeout,
		WriteTimeout: *timeout,
	}

	h := func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/health", "/healthz":
			code, _, err := client.GetTimeout(nil, *target, *timeout)
			ctx.Response.Header.Set("Content-Type", "application/json")
			if err != nil || code != fasthttp.StatusOK {
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
				_, _ = ctx.WriteString(fmt.Sprintf("{\"status\":\"unreachable\",\"target\":%q}", *target))
				return
			}
			ctx.SetStatusCode(fasthttp.StatusOK)
			_, _ = ctx.WriteString("{\"status\":\"ok\"}")
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}

	fmt.Printf("probe listening on %s -> %s\n", *addr, *target)
	srv := &fasthttp.Server{
		Handler:            h,
		Name:               "frontdoor-probe",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		MaxRequestBodySize: 1 << 20,
	}
	if err := srv.ListenAndServe(*addr); err != nil {
		fmt.Printf("probe server exit: %v\n", err)
	}
}
