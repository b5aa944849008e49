package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/calder-io/calder/internal/runtime"
	"github.com/calder-io/calder/internal/server/http/controllers"
)

type Server struct {
	rt  *runtime.Runtime
	srv *http.Server
	lis net.Listener
}

func New(rt *runtime.Runtime) *Server {
	mux := http.NewServeMux()
	controllers.NewRegistry(rt).RegisterAllRoutes(mux)
	return &Server{rt: rt, srv: &http.Server{Handler: cors(mux)}}
}

// Handler returns the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
