package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
)

// ProfilingServer serves pprof endpoints on a separate listener so they
// are never exposed on the API address.
type ProfilingServer struct {
	server *http.Server
	addr   string
}

func NewProfilingServer(addr string) *ProfilingServer {
	return &ProfilingServer{addr: addr}
}

func (ps *ProfilingServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("GET /debug/build", buildInfoHandler)
	return mux
}

// Start serves until Shutdown is called.
func (ps *ProfilingServer) Start() error {
	ps.server = &http.Server{Addr: ps.addr, Handler: ps.handler(), ReadHeaderTimeout: 10 * time.Second}
	log.Info().Str("system", "telemetry").Str("addr", ps.addr).Msg("starting profiling server")
	return ps.server.ListenAndServe()
}

func (ps *ProfilingServer) Shutdown(ctx context.Context) error {
	if ps.server != nil {
		return ps.server.Shutdown(ctx)
	}
	return nil
}

type buildInfo struct {
	GoVersion string `json:"go_version"`
	GOOS      string `json:"go_os"`
	GOARCH    string `json:"go_arch"`
	Module    string `json:"module,omitempty"`
	Version   string `json:"version,omitempty"`
	NumCPU    int    `json:"num_cpu"`
	MaxProcs  int    `json:"max_procs"`
}

func buildInfoHandler(w http.ResponseWriter, r *http.Request) {
	info := buildInfo{
		GoVersion: runtime.Version(),
		GOOS:      runtime.GOOS,
		GOARCH:    runtime.GOARCH,
		NumCPU:    runtime.NumCPU(),
		MaxProcs:  runtime.GOMAXPROCS(0),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.Module, info.Version = bi.Main.Path, bi.Main.Version
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		log.Debug().Err(err).Msg("write build info")
	}
}
