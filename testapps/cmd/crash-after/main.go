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
	var after time.Duration
	var code int
	var port int
	flag.DurationVar(&after, "after", 250*time.Millisecond, "Duration before exit")
	flag.IntVar(&code, "code", 2, "Exit code")
	flag.IntVar(&port, "port", 0, "Answer HTTP health checks on this port until exiting (0 disables)")
	flag.Parse()

	_, _ = fmt.Fprintf(os.Stderr, "crash-after starting (after=%s code=%d)\n", after, code)
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
	_, _ = fmt.Fprintln(os.Stdout, "crash-after: hello")
	time.Sleep(after)
	_, _ = fmt.Fprintln(os.Stderr, "crash-after: exiting now")
	os.Exit(code)
}
