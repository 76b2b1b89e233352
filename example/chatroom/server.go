package chatroom

import (
	"context"
	"net/http"
	"time"

	"github.com/andrewwphillips/wsrouter"
	"github.com/andrewwphillips/wsrouter/authmw"
	"github.com/andrewwphillips/wsrouter/gorillatransport"
	"github.com/andrewwphillips/wsrouter/localindex"
	"github.com/andrewwphillips/wsrouter/strictvalidator"
	"github.com/andrewwphillips/wsrouter/tokenbucket"
)

const jwtIssuer = "github.com/andrewwphillips/wsrouter/example/chatroom"

func roomTopic(room string) string { return "room:" + room }

// Server bundles the wiring a runnable chat server needs: the Router plus
// the HTTP pieces (login endpoint, WS upgrade endpoint) built around it.
type Server struct {
	Router  *wsrouter.Router
	Users   *Store
	Auth    *authmw.Authenticator
	secret  []byte
	driver  *localindex.Driver
	limiter *tokenbucket.Limiter
}

// NewServer builds a fully wired chat server: descriptor registry,
// strict validation, JWT auth (token read from the "?token=" query
// parameter, since browsers can't set a custom header on a WS upgrade),
// rate limiting keyed per user and message type, and localindex-backed room
// topics.
func NewServer(jwtSecret []byte) *Server {
	registry := wsrouter.NewRegistry()
	mustRegister(registry, wsrouter.Descriptor{MessageType: TypePing, Kind: wsrouter.KindEvent, RequestSchema: (*PingRequest)(nil)})
	mustRegister(registry, wsrouter.Descriptor{MessageType: TypeJoinRoom, Kind: wsrouter.KindEvent, RequestSchema: (*JoinRoomRequest)(nil)})
	mustRegister(registry, wsrouter.Descriptor{MessageType: TypeLeaveRoom, Kind: wsrouter.KindEvent, RequestSchema: (*LeaveRoomRequest)(nil)})
	mustRegister(registry, wsrouter.Descriptor{
		MessageType: TypeSendMessage, Kind: wsrouter.KindRPC,
		RequestSchema: (*SendMessageRequest)(nil), ResponseSchema: (*SendMessageResponse)(nil),
		ResponseType: TypeMessageSent,
	})

	limiter := tokenbucket.New(20, 5) // 20-token burst, 5 tokens/sec refill

	router := wsrouter.NewRouter(registry, strictvalidator.New(),
		wsrouter.WithRateLimiter(limiter),
		wsrouter.WithRPCTimeout(15*time.Second),
	)

	driver := localindex.New()
	router.SetPubSub(&wsrouter.PubSubAdapter{Driver: driver})

	auth := authmw.New(jwtSecret, jwtIssuer, queryTokenExtractor)
	router.OnOpen(auth.Hook())

	s := &Server{Router: router, Users: NewStore(), Auth: auth, secret: jwtSecret, driver: driver, limiter: limiter}
	s.registerHandlers()
	return s
}

func mustRegister(r *wsrouter.Registry, d wsrouter.Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// queryTokenExtractor reads the bearer token passed as the connection's
// "token" query parameter, stashed onto the request context by WSHandler
// before gorillatransport calls HandleOpen.
func queryTokenExtractor(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(tokenContextKey{}).(string)
	return tok, ok && tok != ""
}

type tokenContextKey struct{}

func (s *Server) registerHandlers() {
	_ = s.Router.Handle(TypePing, func(c *wsrouter.Context) error {
		return c.Send(TypePong, nil)
	})

	_ = s.Router.Handle(TypeJoinRoom, func(c *wsrouter.Context) error {
		req := c.Value.(*JoinRoomRequest)
		topic := roomTopic(req.Room)
		if err := c.Topics().Subscribe(c.Std, topic); err != nil {
			return err
		}
		return c.Publish(topic, TypeRoomJoined, RoomEvent{Room: req.Room, User: c.ClientID, At: time.Now().UnixMilli()}, false)
	})

	_ = s.Router.Handle(TypeLeaveRoom, func(c *wsrouter.Context) error {
		req := c.Value.(*LeaveRoomRequest)
		topic := roomTopic(req.Room)
		if err := c.Publish(topic, TypeRoomLeft, RoomEvent{Room: req.Room, User: c.ClientID, At: time.Now().UnixMilli()}, true); err != nil {
			return err
		}
		return c.Topics().Unsubscribe(c.Std, topic)
	})

	_ = s.Router.Handle(TypeSendMessage, func(c *wsrouter.Context) error {
		req := c.Value.(*SendMessageRequest)
		topic := roomTopic(req.Room)
		if !c.Topics().Has(topic) {
			return wsrouter.NewErrorf(wsrouter.CodeFailedPrecondition, "must JOIN_ROOM %q before sending to it", req.Room)
		}

		if err := c.Progress(DeliveryProgress{Delivered: 0, Total: 1}); err != nil {
			return err
		}
		now := time.Now()
		if err := c.Publish(topic, TypeRoomMessage, RoomEvent{Room: req.Room, User: c.ClientID, Text: req.Text, At: now.UnixMilli()}, false); err != nil {
			return err
		}
		if err := c.Progress(DeliveryProgress{Delivered: 1, Total: 1}); err != nil {
			return err
		}
		return c.Reply(SendMessageResponse{ID: c.Meta.CorrelationID, Room: req.Room, At: now.UnixMilli()})
	})
}

// LoginHandler is a plain HTTP endpoint (not part of the WS protocol)
// issuing a JWT for a valid email/password pair, mirroring
// example/hackernews's Login mutation but as a REST call since there is
// no GraphQL mutation layer here.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := r.FormValue("email")
		password := r.FormValue("password")
		u, err := s.Users.Login(email, password)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		token, err := authmw.NewToken(s.secret, jwtIssuer, u.ID, 24*time.Hour)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"` + token + `"}`))
	}
}

// WSHandler returns the http.Handler that upgrades to WebSocket and drives
// the Router, stashing the "?token=" query parameter onto the request
// context so the auth hook can read it via queryTokenExtractor.
func (s *Server) WSHandler() http.Handler {
	transport := gorillatransport.New(s.Router)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		ctx := context.WithValue(r.Context(), tokenContextKey{}, token)
		transport.ServeHTTP(w, r.WithContext(ctx))
	})
}
