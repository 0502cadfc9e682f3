package node

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flockmesh/flock/internal/a2a/client"
	"github.com/flockmesh/flock/internal/a2a/server"
	"github.com/flockmesh/flock/internal/audit"
	"github.com/flockmesh/flock/internal/cards"
	"github.com/flockmesh/flock/internal/channels"
	"github.com/flockmesh/flock/internal/common/config"
	"github.com/flockmesh/flock/internal/common/database"
	"github.com/flockmesh/flock/internal/common/httpmw"
	"github.com/flockmesh/flock/internal/common/logger"
	"github.com/flockmesh/flock/internal/events"
	"github.com/flockmesh/flock/internal/events/bus"
	"github.com/flockmesh/flock/internal/executor"
	"github.com/flockmesh/flock/internal/gateway/websocket"
	"github.com/flockmesh/flock/internal/home"
	"github.com/flockmesh/flock/internal/migration"
	"github.com/flockmesh/flock/internal/registry"
	"github.com/flockmesh/flock/internal/task/repository"
	"github.com/flockmesh/flock/internal/triage"
	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

// captureTTL bounds how long an undelivered triage decision is held.
const captureTTL = 5 * time.Minute

// Node is one fully wired Flock node.
type Node struct {
	cfg *config.Config
	log *logger.Logger

	db  *sqlx.DB
	bus bus.EventBus

	tasks   repository.Repository
	auditor *audit.Log
	homes   home.Store
	tickets migration.Store

	cards    *cards.Registry
	server   *server.Server
	client   *client.Client
	registry *registry.Registry
	executor *executor.Executor
	capture  *triage.Capture

	engine   *migration.Engine
	handlers *migration.Handlers

	channels *channels.Service
	inbound  *channels.Inbound
	loop     *LoopTracker

	scheduler *Scheduler
	hub       *websocket.Hub

	router *gin.Engine
	http   *http.Server

	subs []bus.Subscription
}

// Build wires a node from configuration. A nil send falls back to the
// echo session, which answers every request with its own input.
func Build(cfg *config.Config, send executor.SessionSend, log *logger.Logger) (*Node, error) {
	n := &Node{cfg: cfg, log: log}
	if send == nil {
		send = EchoSession()
	}

	eventBus, _, err := events.Provide(cfg, log)
	if err != nil {
		return nil, err
	}
	n.bus = eventBus

	if err := n.buildStores(); err != nil {
		n.Close()
		return nil, err
	}
	n.buildTransport(send)
	n.buildMigration()
	if err := n.buildChannels(); err != nil {
		n.Close()
		return nil, err
	}
	n.buildScheduler()
	n.buildRouter()
	return n, nil
}

func (n *Node) buildStores() error {
	if n.cfg.Database.Driver != "sqlite" {
		n.tasks = repository.NewMemoryRepository()
		n.auditor = audit.NewLog(audit.NewMemoryStore(), n.log)
		n.homes = home.NewMemoryStore()
		n.tickets = migration.NewMemoryStore()
		return nil
	}

	db, err := database.Open(n.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	n.db = db

	tasks, err := repository.NewSQLiteRepository(db)
	if err != nil {
		return fmt.Errorf("failed to init task store: %w", err)
	}
	auditStore, err := audit.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("failed to init audit store: %w", err)
	}
	homes, err := home.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("failed to init home store: %w", err)
	}
	tickets, err := migration.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("failed to init ticket store: %w", err)
	}
	n.tasks = tasks
	n.auditor = audit.NewLog(auditStore, n.log)
	n.homes = homes
	n.tickets = tickets
	return nil
}

func (n *Node) buildTransport(send executor.SessionSend) {
	cfg := n.cfg
	n.cards = cards.NewRegistry()
	n.server = server.New(server.Options{
		NodeID:    cfg.Node.ID,
		BasePath:  cfg.Server.BasePath,
		PublicURL: n.baseURL(),
		Cards:     n.cards,
		Logger:    n.log,
	})
	n.server.SetBusCheck(n.bus.IsConnected)

	n.registry = registry.New(registry.ParentConfig{
		Endpoint:  cfg.Parent.Endpoint,
		Timeout:   cfg.Parent.ParentTimeout(),
		CacheTTL:  cfg.Parent.CacheTTL(),
		CacheSize: cfg.Parent.CacheSize,
	}, n.log)
	n.registry.RegisterNode(&registry.NodeEntry{
		NodeID:      cfg.Node.ID,
		A2AEndpoint: n.Endpoint(),
		Status:      registry.NodeStatusOnline,
	})

	var resolver client.Resolver
	switch cfg.Topology.Mode {
	case "worker":
		resolver = client.NewCentralWorkerResolver(n.server, cfg.Topology.CentralEndpoint, cfg.Topology.CentralSysadmin)
	case "central":
		resolver = client.NewCentralResolver(n.server, n.registry)
	default:
		resolver = client.NewPeerResolver(n.server, n.registry)
	}
	n.client = client.New(n.server, resolver, cfg.Executor.ClientTimeout(), n.log)

	n.capture = triage.NewCapture(captureTTL)
	n.executor = executor.New(executor.Options{
		NodeID:          cfg.Node.ID,
		Send:            send,
		Tasks:           n.tasks,
		Bus:             n.bus,
		Audit:           n.auditor,
		Capture:         n.capture,
		ResponseTimeout: cfg.Executor.ResponseTimeout(),
		Logger:          n.log,
	})
}

func (n *Node) buildMigration() {
	cfg := n.cfg
	snapshotter := migration.NewSnapshotter(cfg.Migration.MaxPortableSizeBytes)

	n.engine = migration.NewEngine(migration.EngineOptions{
		NodeID:      cfg.Node.ID,
		Endpoint:    n.Endpoint(),
		HomeRoot:    cfg.Node.HomeRoot,
		Tickets:     n.tickets,
		Homes:       n.homes,
		Snapshotter: snapshotter,
		Caller:      n.client,
		Bus:         n.bus,
		Audit:       n.auditor,
		Logger:      n.log,
		OnDeparted: func(ctx context.Context, t *migration.Ticket) error {
			// the target owns the agent now; stop hosting it here
			n.UnregisterAgent(ctx, t.AgentID)
			return nil
		},
	})
	n.handlers = migration.NewHandlers(migration.HandlersOptions{
		NodeID:   cfg.Node.ID,
		HomeRoot: cfg.Node.HomeRoot,
		Tickets:  n.tickets,
		Homes:    n.homes,
		Engine:   n.engine,
		Audit:    n.auditor,
		Logger:   n.log,
	})
	n.server.SetMigrationHandler(n.handlers)
}

func (n *Node) buildChannels() error {
	var (
		channelStore channels.ChannelStore
		messageStore channels.MessageStore
		bridgeStore  channels.BridgeStore
		err          error
	)
	if n.db != nil {
		channelStore, err = channels.NewSQLiteChannelStore(n.db)
		if err != nil {
			return fmt.Errorf("failed to init channel store: %w", err)
		}
		messageStore, err = channels.NewSQLiteMessageStore(n.db)
		if err != nil {
			return fmt.Errorf("failed to init message store: %w", err)
		}
		bridgeStore, err = channels.NewSQLiteBridgeStore(n.db)
		if err != nil {
			return fmt.Errorf("failed to init bridge store: %w", err)
		}
	} else {
		channelStore = channels.NewMemoryChannelStore()
		messageStore = channels.NewMemoryMessageStore()
		bridgeStore = channels.NewMemoryBridgeStore()
	}

	n.channels = channels.NewService(channels.ServiceOptions{
		Channels: channelStore,
		Messages: messageStore,
		Bridges:  bridgeStore,
		Notify:   webhookNotify(n.log),
		Bus:      n.bus,
		Logger:   n.log,
	})
	n.loop = NewLoopTracker()
	n.inbound = channels.NewInbound(channels.InboundOptions{
		Service: n.channels,
		Waker:   n.loop,
		Bus:     n.bus,
		Logger:  n.log,
	})
	return n.wireBridgeFanOut()
}

// wireBridgeFanOut relays posted channel messages to the channel's
// active bridges. Messages that arrived through a bridge are
// suppressed once so the originating platform never sees its own
// message echoed back.
func (n *Node) wireBridgeFanOut() error {
	sub, err := n.bus.Subscribe(events.ChannelMessagePosted, func(ctx context.Context, event *bus.Event) error {
		channelID, _ := event.Data["channelId"].(string)
		seq := asInt64(event.Data["seq"])
		if channelID == "" || seq <= 0 {
			return nil
		}
		if n.inbound.Echo().Suppress(channelID, seq) {
			return nil
		}

		msgs, err := n.channels.Messages().List(ctx, channelID, seq-1, 1)
		if err != nil || len(msgs) == 0 || msgs[0].Seq != seq {
			return nil
		}
		bridges, err := n.channels.Bridges().ListByChannel(ctx, channelID, true)
		if err != nil {
			return nil
		}
		text := fmt.Sprintf("[%s] %s", msgs[0].AgentID, msgs[0].Content)
		for _, b := range bridges {
			if err := n.channels.Notify(ctx, b, text); err != nil {
				n.log.Warn("Bridge fan-out failed",
					zap.String("bridge_id", b.BridgeID), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe bridge fan-out: %w", err)
	}
	n.subs = append(n.subs, sub)
	return nil
}

func (n *Node) buildScheduler() {
	n.scheduler = NewScheduler(SchedulerOptions{
		Loop:     n.loop,
		Channels: n.channels,
		Deliver:  n.deliverDigest,
		Interval: n.cfg.Scheduler.TickInterval(),
		Logger:   n.log,
	})
	n.hub = websocket.NewHub(n.bus, n.log)
}

// deliverDigest pushes one tick's unread messages into the agent's
// session through the normal message/send path.
func (n *Node) deliverDigest(ctx context.Context, agentID, digest string) error {
	_, err := n.client.SendMessage(ctx, agentID, a2av1.Message{
		MessageID: uuid.New().String(),
		Role:      a2av1.RoleUser,
		Parts:     []a2av1.Part{a2av1.TextPart(digest)},
	})
	return err
}

func (n *Node) buildRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(n.log, "flockd"))

	n.server.RegisterRoutes(router)
	websocket.NewHandler(n.hub, n.log).RegisterRoutes(router)

	basePath := strings.TrimSuffix(n.cfg.Server.BasePath, "/")
	if basePath == "" {
		basePath = "/flock"
	}
	router.POST(basePath+"/inbound/:platform", n.postInbound)

	n.router = router
	n.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", n.cfg.Server.Host, n.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(n.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(n.cfg.Server.WriteTimeout) * time.Second,
	}
}

type inboundRequest struct {
	ConversationID string    `json:"conversationId" binding:"required"`
	From           string    `json:"from"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

func (n *Node) postInbound(c *gin.Context) {
	var req inboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed inbound event"})
		return
	}

	msg, err := n.inbound.Handle(c.Request.Context(), channels.InboundEvent{
		Platform:       c.Param("platform"),
		ConversationID: req.ConversationID,
		From:           req.From,
		Content:        req.Content,
		Timestamp:      req.Timestamp,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg == nil {
		c.JSON(http.StatusAccepted, gin.H{"accepted": false})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"accepted":  true,
		"channelId": msg.ChannelID,
		"seq":       msg.Seq,
	})
}

// RegisterAgent hosts an agent on this node: card, executor, home
// record, assignment, and an AWAKE loop slot.
func (n *Node) RegisterAgent(ctx context.Context, agentID string, card a2av1.AgentCard, meta cards.AgentMeta) error {
	meta.AgentID = agentID
	meta.NodeID = n.cfg.Node.ID
	if meta.Endpoint == "" {
		meta.Endpoint = n.Endpoint()
	}
	n.server.RegisterAgent(agentID, card, meta, n.executor)

	portable := n.cfg.Node.HomeRoot + "/" + agentID + "/agent"
	if err := n.homes.CreateHome(ctx, &home.Home{
		AgentID:      agentID,
		NodeID:       n.cfg.Node.ID,
		State:        home.StateActive,
		PortablePath: portable,
	}); err != nil {
		return fmt.Errorf("failed to create home for %s: %w", agentID, err)
	}
	if err := n.homes.PutAssignment(ctx, &home.Assignment{
		AgentID:      agentID,
		NodeID:       n.cfg.Node.ID,
		PortablePath: portable,
	}); err != nil {
		return fmt.Errorf("failed to record assignment for %s: %w", agentID, err)
	}

	n.loop.Track(agentID)
	if err := n.registry.UpdateAgents(n.cfg.Node.ID, n.server.AgentIDs()); err != nil {
		n.log.Warn("Failed to update node agent set", zap.Error(err))
	}
	n.publish(ctx, events.AgentRegistered, map[string]any{
		"agentId": agentID,
		"nodeId":  n.cfg.Node.ID,
	})
	return nil
}

// UnregisterAgent removes a hosted agent. Home and assignment records
// are kept; migration owns their lifecycle.
func (n *Node) UnregisterAgent(ctx context.Context, agentID string) {
	n.server.UnregisterAgent(agentID)
	n.loop.Forget(agentID)
	if err := n.registry.UpdateAgents(n.cfg.Node.ID, n.server.AgentIDs()); err != nil {
		n.log.Warn("Failed to update node agent set", zap.Error(err))
	}
	n.publish(ctx, events.AgentUnregistered, map[string]any{
		"agentId": agentID,
		"nodeId":  n.cfg.Node.ID,
	})
}

// Endpoint returns this node's mesh-facing A2A endpoint, base path
// included. Remote callers append /a2a/{agentId} to it.
func (n *Node) Endpoint() string {
	basePath := n.cfg.Server.BasePath
	if basePath == "" {
		basePath = "/flock"
	}
	return n.baseURL() + strings.TrimSuffix(basePath, "/")
}

// baseURL is the node's public URL without the A2A base path.
func (n *Node) baseURL() string {
	if n.cfg.Server.PublicURL != "" {
		return strings.TrimSuffix(n.cfg.Server.PublicURL, "/")
	}
	host := n.cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, n.cfg.Server.Port)
}

// Server exposes the A2A server for callers that register agents with
// custom executors.
func (n *Node) Server() *server.Server { return n.server }

// Router exposes the HTTP handler, mainly for tests.
func (n *Node) Router() http.Handler { return n.router }

// Client exposes the A2A client.
func (n *Node) Client() *client.Client { return n.client }

// Channels exposes the channel service.
func (n *Node) Channels() *channels.Service { return n.channels }

// Engine exposes the migration engine.
func (n *Node) Engine() *migration.Engine { return n.engine }

// Loop exposes the agent loop tracker.
func (n *Node) Loop() *LoopTracker { return n.loop }

// Run serves until the context is canceled, then shuts down.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.hub.Run(gctx) })
	g.Go(func() error { return n.scheduler.Run(gctx) })
	g.Go(func() error {
		n.log.Info("Node listening",
			zap.String("node_id", n.cfg.Node.ID),
			zap.String("addr", n.http.Addr))
		if err := n.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return n.http.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	n.Close()
	return err
}

// Close releases bus subscriptions, stores, and the database handle.
func (n *Node) Close() {
	for _, sub := range n.subs {
		sub.Unsubscribe()
	}
	n.subs = nil
	if n.bus != nil {
		n.bus.Close()
	}
	if n.db != nil {
		n.db.Close()
	}
}

func (n *Node) publish(ctx context.Context, eventType string, data map[string]any) {
	if n.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "node", data)
	if err := n.bus.Publish(ctx, eventType, event); err != nil {
		n.log.Warn("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// EchoSession is the development session: it answers every request by
// echoing the input back, prefixed with the agent's ID.
func EchoSession() executor.SessionSend {
	return func(ctx context.Context, agentID, text, sessionKey string) (string, error) {
		return fmt.Sprintf("[%s] echo: %s", agentID, text), nil
	}
}

// webhookNotify posts bridge notifications to the bridge's webhook.
func webhookNotify(log *logger.Logger) channels.NotifyFunc {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context, b *channels.Bridge, text string) error {
		if b.WebhookURL == "" {
			return nil
		}
		body := fmt.Sprintf(`{"content":%q}`, text)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.WebhookURL, bytes.NewBufferString(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		log.Debug("Bridge notification delivered",
			zap.String("bridge_id", b.BridgeID), zap.String("platform", b.Platform))
		return nil
	}
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	default:
		return 0
	}
}
