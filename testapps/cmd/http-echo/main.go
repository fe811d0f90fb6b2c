package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
}

func main() {
	var port int
	var startupDelay time.Duration
	var health bool
	var chainID string
	flag.IntVar(&port, "port", 0, "Port to listen on (0 for ephemeral)")
	flag.DurationVar(&startupDelay, "startup-delay", 0, "Wait this long before listening")
	flag.BoolVar(&health, "health", true, "Serve GET /health")
	flag.StringVar(&chainID, "chain-id", "0x1", "Result returned for eth_chainId")
	flag.Parse()

	if port == 0 {
		if v := os.Getenv("HTTP_ECHO_PORT"); v != "" {
			_, _ = fmt.Sscanf(v, "%d", &port)
		}
	}

	_, _ = fmt.Fprintf(os.Stderr, "http-echo booting (RUST_LOG=%s)\n", os.Getenv("RUST_LOG"))
	time.Sleep(startupDelay)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "listen error: %v\n", err)
		os.Exit(2)
	}
	_, _ = fmt.Fprintf(os.Stderr, "listening on %s\n", ln.Addr().String())

	mux := http.NewServeMux()
	if health {
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = fmt.Fprintf(os.Stdout, "rpc %s\n", req.Method)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if req.Method == "eth_chainId" {
			resp["result"] = chainID
		} else {
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		t := time.NewTicker(200 * time.Millisecond)
		defer t.Stop()
		for range t.C {
			_, _ = fmt.Fprintln(os.Stdout, "http-echo: tick")
		}
	}()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)
		<-sigs
		_, _ = fmt.Fprintln(os.Stderr, "http-echo: shutting down")
		_ = srv.Close()
	}()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		_, _ = fmt.Fprintf(os.Stderr, "serve error: %v\n", err)
		os.Exit(3)
	}
}
