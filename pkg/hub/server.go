// Package hub exposes the websocket endpoint and HTTP surface of the
// real-time delivery subsystem: connection handshake, inbound message
// handling, event publication and operational endpoints.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sams-monitoring/realtime-hub/pkg/dispatch"
	"github.com/sams-monitoring/realtime-hub/pkg/event"
	"github.com/sams-monitoring/realtime-hub/pkg/filter"
	"github.com/sams-monitoring/realtime-hub/pkg/heartbeat"
	"github.com/sams-monitoring/realtime-hub/pkg/identity"
	"github.com/sams-monitoring/realtime-hub/pkg/offline"
	"github.com/sams-monitoring/realtime-hub/pkg/protocol"
	"github.com/sams-monitoring/realtime-hub/pkg/session"
	"github.com/sams-monitoring/realtime-hub/pkg/subscription"
)

// capabilities advertised in the welcome message.
var serverCapabilities = []string{"subscriptions", "heartbeat", "offline-queue"}

// Deps bundles the collaborators the server is wired with.
type Deps struct {
	Authenticator identity.Authenticator
	Registry      *session.Registry
	Index         *subscription.Index
	Monitor       *heartbeat.Monitor
	Queue         *offline.Queue
	Interests     *offline.InterestRegistry
	Dispatcher    *dispatch.Dispatcher
	Audit         AuditLog
}

// Server is the HTTP/websocket front of the hub.
type Server struct {
	config     Config
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	validator  *protocol.Validator
	handlers   map[protocol.MessageType]func(*client, *protocol.Envelope)
	logger     zerolog.Logger
	startedAt  time.Time
	wg         sync.WaitGroup
}

// client is one websocket connection's server-side state.
type client struct {
	sess *session.Session
	conn *websocket.Conn
	id   identity.Identity
}

// NewServer creates the hub server. It does not start listening; call Start.
func NewServer(config Config, deps Deps, logger zerolog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hub config: %w", err)
	}
	validator, err := protocol.NewValidator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		config: config,
		deps:   deps,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if !config.OriginCheck {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range config.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
		validator: validator,
		logger:    logger,
	}
	s.handlers = map[protocol.MessageType]func(*client, *protocol.Envelope){
		protocol.TypeHeartbeat:        s.handleHeartbeat,
		protocol.TypeSubscribe:        s.handleSubscribe,
		protocol.TypeUnsubscribe:      s.handleUnsubscribe,
		protocol.TypeGetSubscriptions: s.handleGetSubscriptions,
	}
	s.setupRoutes()
	return s, nil
}

// Router returns the HTTP router, mainly for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/events", s.handlePublishEvent).Methods("POST")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
}

// Start begins serving. Non-blocking; the listener runs on its own
// goroutine until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", s.config.Address, s.config.Port),
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	s.logger.Info().
		Str("address", s.httpServer.Addr).
		Msg("Starting hub server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Hub server listen error")
		}
	}()
	return nil
}

// Stop shuts the listener down and closes every live session.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping hub server")

	s.deps.Registry.CloseAll()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("hub server shutdown: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}

// handleWebSocket authenticates and upgrades a connection, flushes the
// user's offline queue, then runs the read loop until disconnect.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, err := s.authenticate(r)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Connection rejected")
		http.Error(w, ErrConnectionRejected.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sessionID := uuid.New().String()
	sess := session.NewSession(sessionID, id.UserID, id.OrgID, id.DeviceID,
		newWSTransport(conn, s.config.WriteTimeout), s.config.OutboundQueueSize)
	s.deps.Registry.Register(sess)
	if s.deps.Audit != nil {
		s.deps.Audit.RecordSessionOpened(r.Context(), sessionID, id.UserID, id.OrgID, id.DeviceID)
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", id.UserID).
		Str("org_id", id.OrgID).
		Str("device_id", id.DeviceID).
		Str("remote_addr", r.RemoteAddr).
		Msg("Session connected")

	c := &client{sess: sess, conn: conn, id: id}
	s.welcome(c)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readPump(c)
	}()
}

// welcome sends the connection acknowledgement, drains the user's offline
// mailbox in enqueue order and only then activates the session, so queued
// events always precede new live events.
func (s *Server) welcome(c *client) {
	s.sendMessage(c, protocol.TypeConnectionEstablished, protocol.ConnectionEstablished{
		SessionID:    c.sess.ID,
		ServerTime:   time.Now().UTC(),
		Capabilities: serverCapabilities,
	})

	s.deps.Interests.ClearUser(c.sess.UserID)
	delivered, err := s.deps.Queue.DrainAndDeliver(context.Background(), c.sess.UserID, func(evt *event.Event) error {
		frame, err := protocol.Encode(protocol.TypeEvent, evt)
		if err != nil {
			return err
		}
		return c.sess.Send(frame)
	})
	if err != nil {
		s.logger.Warn().Err(err).
			Str("session_id", c.sess.ID).
			Str("user_id", c.sess.UserID).
			Int("delivered", delivered).
			Msg("Offline drain incomplete, remainder stays queued")
	}

	if err := c.sess.Activate(); err != nil {
		s.logger.Warn().Err(err).Str("session_id", c.sess.ID).Msg("Session closed before activation")
	}
}

// readPump consumes inbound frames until the connection dies, then
// unregisters the session, which cascades subscription cleanup.
func (s *Server) readPump(c *client) {
	defer s.closeClient(c)

	c.conn.SetReadLimit(s.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("session_id", c.sess.ID).Msg("Session transport error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		env, err := protocol.Decode(raw)
		if err != nil {
			s.sendError(c, codeMalformedMessage, err.Error())
			continue
		}
		if !env.Type.IsInbound() {
			s.sendError(c, codeUnknownMessageType, fmt.Sprintf("unsupported message type: %s", env.Type))
			continue
		}
		if err := s.validator.ValidateInbound(env); err != nil {
			s.sendError(c, codeMalformedMessage, err.Error())
			continue
		}
		s.handlers[env.Type](c, env)
	}
}

func (s *Server) closeClient(c *client) {
	if sess := s.deps.Registry.Unregister(c.sess.ID); sess != nil {
		s.logger.Info().
			Str("session_id", c.sess.ID).
			Str("user_id", c.sess.UserID).
			Msg("Session disconnected")
	}
	if s.deps.Audit != nil {
		s.deps.Audit.RecordSessionClosed(context.Background(), c.sess.ID)
	}
}

func (s *Server) handleHeartbeat(c *client, _ *protocol.Envelope) {
	s.deps.Monitor.OnHeartbeat(c.sess.ID)
	if s.deps.Audit != nil {
		s.deps.Audit.RecordHeartbeat(context.Background(), c.sess.ID)
	}
	s.sendMessage(c, protocol.TypeHeartbeatResponse, protocol.HeartbeatResponse{
		ServerTime: time.Now().UTC(),
	})
}

func (s *Server) handleSubscribe(c *client, env *protocol.Envelope) {
	var req protocol.SubscribeRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		s.sendError(c, codeMalformedMessage, err.Error())
		return
	}

	eventType := event.Type(req.EventType)
	if !eventType.IsValid() {
		s.sendError(c, codeUnknownSubscriptionType,
			fmt.Sprintf("unsupported event type: %s", req.EventType))
		return
	}

	compiled, err := filter.Compile(req.Filter)
	if err != nil {
		s.sendError(c, codeMalformedMessage, fmt.Sprintf("invalid filter: %v", err))
		return
	}

	subID, err := s.deps.Index.Create(c.sess.UserID, c.sess.OrgID, c.sess.ID, eventType, compiled)
	if err != nil {
		s.sendError(c, codeInternalError, err.Error())
		return
	}

	// The heartbeat monitor may tear this session down while the subscribe
	// is in flight; a cleanup pass that already ran cannot see an entry
	// created after it, so re-check liveness and undo the orphan.
	if _, live := s.deps.Registry.Get(c.sess.ID); !live {
		s.deps.Index.Remove(subID)
		return
	}

	if s.deps.Audit != nil {
		if sub := s.findSubscription(c.sess.ID, subID); sub != nil {
			s.deps.Audit.RecordSubscriptionCreated(context.Background(), sub)
		}
	}

	s.logger.Debug().
		Str("session_id", c.sess.ID).
		Str("subscription_id", subID).
		Str("event_type", req.EventType).
		Msg("Subscription created")
	s.sendMessage(c, protocol.TypeSubscriptionConfirmed, protocol.SubscriptionConfirmed{
		SubscriptionID: subID,
		EventType:      req.EventType,
	})
}

func (s *Server) handleUnsubscribe(c *client, env *protocol.Envelope) {
	var req protocol.UnsubscribeRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		s.sendError(c, codeMalformedMessage, err.Error())
		return
	}

	// Sessions may only remove their own subscriptions.
	if s.findSubscription(c.sess.ID, req.SubscriptionID) == nil {
		s.sendError(c, codeSubscriptionNotFound,
			fmt.Sprintf("no such subscription: %s", req.SubscriptionID))
		return
	}

	s.deps.Index.Remove(req.SubscriptionID)
	if s.deps.Audit != nil {
		s.deps.Audit.RecordSubscriptionRemoved(context.Background(), req.SubscriptionID)
	}
	s.sendMessage(c, protocol.TypeUnsubscriptionConfirmed, protocol.UnsubscriptionConfirmed{
		SubscriptionID: req.SubscriptionID,
	})
}

func (s *Server) handleGetSubscriptions(c *client, _ *protocol.Envelope) {
	subs := s.deps.Index.ForSession(c.sess.ID)
	summaries := make([]protocol.SubscriptionSummary, 0, len(subs))
	for _, sub := range subs {
		summary := protocol.SubscriptionSummary{
			SubscriptionID: sub.ID,
			EventType:      string(sub.EventType),
			CreatedAt:      sub.CreatedAt,
		}
		if sub.Filter != nil {
			summary.Filter = sub.Filter.Raw()
		}
		summaries = append(summaries, summary)
	}
	s.sendMessage(c, protocol.TypeSubscriptionsList, protocol.SubscriptionsList{
		Subscriptions: summaries,
	})
}

func (s *Server) findSubscription(sessionID, subscriptionID string) *subscription.Subscription {
	for _, sub := range s.deps.Index.ForSession(sessionID) {
		if sub.ID == subscriptionID {
			return sub
		}
	}
	return nil
}

// sendMessage queues an outbound message on the session, preserving order
// with event delivery.
func (s *Server) sendMessage(c *client, msgType protocol.MessageType, payload interface{}) {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(msgType)).Msg("Failed to encode outbound message")
		return
	}
	if err := c.sess.Send(frame); err != nil {
		s.logger.Warn().Err(err).
			Str("session_id", c.sess.ID).
			Str("type", string(msgType)).
			Msg("Failed to queue outbound message")
	}
}

func (s *Server) sendError(c *client, code, message string) {
	s.sendMessage(c, protocol.TypeError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// authenticate resolves the connection's bearer token, accepted either as an
// Authorization header or a token query parameter (browser websocket clients
// cannot set headers).
func (s *Server) authenticate(r *http.Request) (identity.Identity, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
	}

	id, err := s.deps.Authenticator.Authenticate(r.Context(), token)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("%w: %v", ErrConnectionRejected, err)
	}
	return id, nil
}

// handlePublishEvent accepts events from producer services over HTTP and
// hands them to the dispatcher.
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxMessageSize)

	var evt event.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, fmt.Sprintf("invalid event payload: %v", err), http.StatusBadRequest)
		return
	}
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.deps.Dispatcher.Dispatch(r.Context(), &evt); err != nil {
		s.logger.Error().Err(err).Str("event_id", evt.ID).Msg("Dispatch failed")
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"eventId": evt.ID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"sessions":          s.deps.Registry.Stats(),
		"dispatch":          s.deps.Dispatcher.Stats(),
		"subscriptions":     s.deps.Index.Count(),
		"offline_interests": s.deps.Interests.Count(),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
