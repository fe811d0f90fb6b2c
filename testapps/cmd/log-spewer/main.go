package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

func main() {
	var interval time.Duration
	var lines int
	var port int
	flag.DurationVar(&interval, "interval", 50*time.Millisecond, "Delay between lines")
	flag.IntVar(&lines, "lines", 50, "Number of lines to emit (0 emits forever)")
	flag.IntVar(&port, "port", 0, "Answer HTTP health checks on this port (0 disables)")
	flag.Parse()

	if port > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "listen error: %v\n", err)
			os.Exit(2)
		}
		go func() {
			_ = http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
		}()
	}

	for i := 0; lines == 0 || i < lines; i++ {
		_, _ = fmt.Fprintf(os.Stdout, "stdout line %d\n", i)
		_, _ = fmt.Fprintf(os.Stderr, "stderr line %d\n", i)
		time.Sleep(interval)
	}
	select {}
}
