// The worker binary serves exactly one device in process-isolation mode. The
// gateway spawns it with the device's id and an allocated port; everything it
// echoes stays on its own socket.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

func main() {
	deviceID := flag.String("device-id", "", "device this worker is bound to")
	port := flag.String("port", "", "port to listen on")
	flag.Parse()

	if *deviceID == "" || *port == "" {
		log.Fatal("both --device-id and --port are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	upgrader := websocket.Upgrader{
		CheckOrigin:     func(r *http.Request) bool { return true },
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Printf("[worker] upgrade failed device=%s: %v", *deviceID, err)
			return
		}
		defer conn.Close()

		log.Printf("[worker] device %s connected", *deviceID)
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				log.Printf("[worker] device %s disconnected", *deviceID)
				return
			}
			// Echo back to the same device only.
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})

	srv := &http.Server{
		Addr:              ":" + *port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Printf("[worker] isolated server for device %s on port %s", *deviceID, *port)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[worker] server error: %v", err)
		}
	}
}
