// Command mock-endpoints runs a fake Bluesky PDS for exercising the bridge
// locally. Point BLUESKY_HOST at it and switch failure modes with
// PUT /admin/mode/{mode}.
package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}

	pds := newMockPDS(os.Getenv("MOCK_MODE"))

	log.Printf("Mock Bluesky server starting on :%s (mode=%s)", port, pds.currentMode())
	log.Printf("  POST /xrpc/com.atproto.server.createSession")
	log.Printf("  POST /xrpc/com.atproto.repo.createRecord")
	log.Printf("  PUT  /admin/mode/{mode}  -> ok | fail | flaky | slow | badauth")
	log.Printf("  POST /admin/expire       -> invalidate the issued token")
	log.Printf("  GET  /stats              -> request counters")

	if err := http.ListenAndServe(":"+port, pds.routes()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func (p *mockPDS) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/xrpc/com.atproto.server.createSession", p.createSession)
	r.Post("/xrpc/com.atproto.repo.createRecord", p.createRecord)

	r.Put("/admin/mode/{mode}", p.setMode)
	r.Post("/admin/expire", p.expire)
	r.Get("/stats", p.stats)
	return r
}

const slowDelay = 3 * time.Second
