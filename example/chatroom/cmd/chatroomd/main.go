// Command chatroomd runs the chatroom demo server, mirroring the role
// example/hackernews/main.go plays for the teacher: a minimal
// net/http.ListenAndServe wrapper around the library's own pieces.
package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/andrewwphillips/wsrouter/example/chatroom"
)

const (
	address  = "localhost:8080"
	wsPath   = "/ws"
	loginPat = "/login"
)

func main() {
	secret := []byte(os.Getenv("CHATROOM_JWT_SECRET"))
	if len(secret) == 0 {
		secret = []byte("chatroom-dev-secret") // TODO get this from a secret store
	}

	srv := chatroom.NewServer(secret)

	mux := http.NewServeMux()
	// The WS upgrade path is served directly: http.TimeoutHandler wraps
	// the ResponseWriter in a way that drops http.Hijacker, which the
	// upgrade needs, so only the plain HTTP login endpoint gets a timeout.
	mux.Handle(loginPat, http.TimeoutHandler(srv.LoginHandler(), 15*time.Second, `{"error":"timeout"}`))
	mux.Handle(wsPath, srv.WSHandler())

	log.Println("starting chatroom server on http://" + address)
	if err := http.ListenAndServe(address, mux); err != nil {
		log.Println("stopping server:", err)
	}
}
