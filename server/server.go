// Package server runs the DICOM receivers: one Server per TCP port, each
// exposing every enabled instance configured for that port as an AE.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/caio-sobreiro/dicomscp/dimse"
	dicomerrors "github.com/caio-sobreiro/dicomscp/errors"
	"github.com/caio-sobreiro/dicomscp/executor"
	"github.com/caio-sobreiro/dicomscp/importer"
	"github.com/caio-sobreiro/dicomscp/instance"
	"github.com/caio-sobreiro/dicomscp/pdu"
	"github.com/caio-sobreiro/dicomscp/services"
	"github.com/caio-sobreiro/dicomscp/strategy"
	"github.com/caio-sobreiro/dicomscp/types"
)

// Runner runs association work. *executor.Executor implements it.
type Runner interface {
	RunShort(task executor.Task) error
	RunLongLived(task executor.Task) (string, error)
}

// StrategyResolver turns strategy names into implementations.
// *strategy.Registry implements it.
type StrategyResolver interface {
	Identifier(name string, routing *strategy.Routing) (strategy.Identifier, error)
	FileNamer(name string) (strategy.FileNamer, error)
}

// Dependencies are shared by every Server of a Registry.
type Dependencies struct {
	Runner     Runner
	Strategies StrategyResolver
	Importer   importer.Importer
	Lookup     services.InstanceLookup
	// User is the principal imports run as.
	User         string
	StoreMetrics *services.StoreMetrics
	Metrics      *Metrics
}

// Change reports an AE that was started or stopped.
type Change struct {
	AETitle string `json:"aeTitle"`
	Port    int    `json:"port"`
	Enabled bool   `json:"enabled"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the logger used by the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHost sets the interface to listen on. Empty means all interfaces.
func WithHost(host string) Option {
	return func(s *Server) {
		s.host = host
	}
}

// WithNegotiationTimeout bounds the time from connect to the association
// response.
func WithNegotiationTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.negotiationTimeout = timeout
	}
}

// WithPortRetries sets how often binding an occupied port is retried.
func WithPortRetries(retries int, delay time.Duration) Option {
	return func(s *Server) {
		s.portRetries = retries
		s.portRetryDelay = delay
	}
}

// WithAcceptRate limits accepted connections per second. A zero limit
// disables limiting.
func WithAcceptRate(limit float64, burst int) Option {
	return func(s *Server) {
		if limit <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
}

type state int

const (
	stateStopped state = iota
	stateStarted
)

// applicationEntity is one AE title served on the port.
type applicationEntity struct {
	instance     instance.Instance
	services     *services.Registry
	capabilities map[string][]string
	whitelist    []whitelistEntry
}

// Server listens on one port. Its life cycle is Stopped → Started →
// Stopped; Start and Stop are safe to repeat.
type Server struct {
	port      int
	instances []instance.Instance
	deps      Dependencies

	host               string
	negotiationTimeout time.Duration
	portRetries        int
	portRetryDelay     time.Duration
	limiter            *rate.Limiter
	logger             *slog.Logger

	mu       sync.RWMutex
	state    state
	aes      map[string]*applicationEntity
	listener net.Listener
	cancel   context.CancelFunc
	active   map[*pdu.Layer]struct{}
	acceptWG sync.WaitGroup
}

// New builds a stopped Server for port from a snapshot of its enabled
// instances.
func New(port int, instances []instance.Instance, deps Dependencies, opts ...Option) *Server {
	snapshot := make([]instance.Instance, 0, len(instances))
	for _, inst := range instances {
		snapshot = append(snapshot, inst.Clone())
	}
	s := &Server{
		port:               port,
		instances:          snapshot,
		deps:               deps,
		negotiationTimeout: 30 * time.Second,
		portRetries:        3,
		portRetryDelay:     250 * time.Millisecond,
		logger:             slog.Default(),
		active:             make(map[*pdu.Layer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "receiver", "port", port)
	return s
}

// Port returns the port the server listens on.
func (s *Server) Port() int { return s.port }

// Running reports whether the server is started.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == stateStarted
}

// AETitles returns the served AE titles, sorted.
func (s *Server) AETitles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	titles := make([]string, 0, len(s.aes))
	for title := range s.aes {
		titles = append(titles, title)
	}
	sort.Strings(titles)
	return titles
}

// ActiveAssociations returns the number of associations in progress.
func (s *Server) ActiveAssociations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// Addr returns the listener address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start builds one AE per enabled instance and starts listening. It
// returns no changes when already started, when no instance is enabled or
// when the port is taken. Unknown strategies and listener failures are
// returned as errors and leave the server stopped.
func (s *Server) Start() ([]Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateStarted {
		s.logger.Info("Receiver already started")
		return nil, nil
	}

	aes := make(map[string]*applicationEntity, len(s.instances))
	for _, inst := range s.instances {
		if !inst.Enabled {
			continue
		}
		ae, err := s.buildAE(inst)
		if err != nil {
			return nil, err
		}
		aes[inst.AETitle] = ae
	}
	if len(aes) == 0 {
		return nil, nil
	}

	ln, err := s.listen()
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			s.logger.Warn("Port already in use, receiver not started", "error", err)
			return nil, nil
		}
		return nil, dicomerrors.NewNetworkError("listen on port "+strconv.Itoa(s.port), err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.aes = aes
	s.listener = ln
	s.cancel = cancel
	s.state = stateStarted

	s.acceptWG.Add(1)
	name, err := s.deps.Runner.RunLongLived(func(execCtx context.Context) {
		defer s.acceptWG.Done()
		stop := context.AfterFunc(execCtx, func() {
			cancel()
			_ = ln.Close()
		})
		defer stop()
		s.acceptLoop(runCtx, ln)
	})
	if err != nil {
		s.acceptWG.Done()
		cancel()
		_ = ln.Close()
		s.aes = nil
		s.listener = nil
		s.cancel = nil
		s.state = stateStopped
		return nil, fmt.Errorf("start accept loop on port %d: %w", s.port, err)
	}

	changes := s.changesLocked(true)
	s.logger.Info("Receiver started",
		"address", ln.Addr().String(),
		"ae_titles", titlesOf(changes),
		"worker", name)
	return changes, nil
}

// Stop unregisters every service, closes the listener and asks open
// associations to end once their current message is answered.
func (s *Server) Stop() []Change {
	s.mu.Lock()
	if s.state != stateStarted {
		s.mu.Unlock()
		return nil
	}

	changes := s.changesLocked(false)
	for _, ae := range s.aes {
		ae.services.UnregisterAll()
		clear(ae.capabilities)
	}
	s.aes = nil
	s.state = stateStopped
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("Failed to close listener", "error", err)
	}
	s.listener = nil
	s.cancel()
	layers := make([]*pdu.Layer, 0, len(s.active))
	for l := range s.active {
		layers = append(layers, l)
	}
	s.mu.Unlock()

	s.acceptWG.Wait()
	for _, l := range layers {
		l.Shutdown()
	}
	s.logger.Info("Receiver stopped", "ae_titles", titlesOf(changes), "open_associations", len(layers))
	return changes
}

func (s *Server) buildAE(inst instance.Instance) (*applicationEntity, error) {
	routing, err := inst.Routing()
	if err != nil {
		return nil, err
	}
	identifier, err := s.deps.Strategies.Identifier(inst.IdentifierStrategy, routing)
	if err != nil {
		return nil, err
	}
	var namer strategy.FileNamer
	if strings.TrimSpace(inst.FileNamerStrategy) != "" {
		if namer, err = s.deps.Strategies.FileNamer(inst.FileNamerStrategy); err != nil {
			return nil, err
		}
	}

	logger := s.logger.With("ae_title", inst.AETitle)
	registry := services.NewRegistry(logger)
	registry.RegisterHandler(types.CEchoRQ, services.NewEchoService(logger))
	registry.RegisterHandler(types.CStoreRQ, services.NewStoreHandler(services.StoreHandlerConfig{
		AETitle:    inst.AETitle,
		Port:       s.port,
		User:       s.deps.User,
		Identifier: identifier,
		FileNamer:  namer,
		Lookup:     s.deps.Lookup,
		Importer:   s.deps.Importer,
		Metrics:    s.deps.StoreMetrics,
		Logger:     logger,
	}))

	var whitelist []whitelistEntry
	if inst.WhitelistEnabled {
		whitelist = parseWhitelist(inst.Whitelist)
	}
	return &applicationEntity{
		instance:     inst,
		services:     registry,
		capabilities: capabilities(),
		whitelist:    whitelist,
	}, nil
}

// capabilities pairs every storage class and verification with the
// accepted transfer syntaxes.
func capabilities() map[string][]string {
	syntaxes := types.AcceptedTransferSyntaxes()
	classes := types.StorageSOPClasses()
	caps := make(map[string][]string, len(classes)+1)
	caps[types.VerificationSOPClass] = []string{
		types.ExplicitVRLittleEndian,
		types.ImplicitVRLittleEndian,
		types.ExplicitVRBigEndian,
	}
	for _, class := range classes {
		caps[class] = syntaxes
	}
	return caps
}

// listen binds the port, retrying while it is in use.
func (s *Server) listen() (net.Listener, error) {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	var err error
	for attempt := 0; attempt <= s.portRetries; attempt++ {
		var ln net.Listener
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, err
		}
		if attempt < s.portRetries {
			s.logger.Debug("Port busy, retrying", "attempt", attempt+1, "delay", s.portRetryDelay)
			time.Sleep(s.portRetryDelay)
		}
	}
	return nil, err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn("Accept timeout", "error", err)
				continue
			}
			s.logger.Error("Accept failed, receiver no longer listening", "error", err)
			return
		}
		s.handleConnection(conn)
	}
}

// handleConnection negotiates on the short pool and, once accepted, serves
// the association on a long-lived worker.
func (s *Server) handleConnection(conn net.Conn) {
	id := uuid.NewString()
	logger := s.logger.With("association", id, "remote_addr", conn.RemoteAddr().String())

	err := s.deps.Runner.RunShort(func(ctx context.Context) {
		layer := pdu.NewLayer(conn, pdu.AcceptorFunc(func(req *pdu.AssociateRequest, remote net.Addr) (*pdu.Acceptance, error) {
			return s.accept(ctx, req, remote, logger)
		}), logger,
			pdu.WithNegotiationTimeout(s.negotiationTimeout),
			pdu.WithAssociationID(id),
			pdu.WithLocalPort(s.port),
		)
		if err := layer.Negotiate(); err != nil {
			s.deps.Metrics.association(resultOf(err))
			logger.Info("Association not established", "error", err)
			layer.Close()
			return
		}
		s.deps.Metrics.association("accepted")

		if !s.track(layer) {
			layer.Shutdown()
		}
		worker, err := s.deps.Runner.RunLongLived(func(context.Context) {
			defer s.untrack(layer)
			if err := layer.Serve(); err != nil {
				logger.Warn("Association ended with error", "error", err)
				return
			}
			logger.Info("Association closed")
		})
		if err != nil {
			logger.Error("Failed to start association worker", "error", err)
			s.untrack(layer)
			layer.Close()
			return
		}
		logger.Debug("Association worker started", "worker", worker)
	})
	if err != nil {
		s.deps.Metrics.association("dropped")
		logger.Warn("Dropping connection", "error", err)
		_ = conn.Close()
	}
}

// accept is consulted by the PDU layer for every association request.
func (s *Server) accept(ctx context.Context, req *pdu.AssociateRequest, remote net.Addr, logger *slog.Logger) (*pdu.Acceptance, error) {
	s.mu.RLock()
	ae, ok := s.aes[req.CalledAETitle]
	var caps map[string][]string
	if ok {
		caps = maps.Clone(ae.capabilities)
	}
	s.mu.RUnlock()
	if !ok {
		return nil, dicomerrors.NewAssociationError(
			dicomerrors.RejectSourceServiceUser,
			dicomerrors.RejectReasonCalledAETitleNotRecognized,
			fmt.Sprintf("called AE title %q is not served on port %d", req.CalledAETitle, s.port))
	}
	if ae.whitelist != nil && !allowed(ae.whitelist, req.CallingAETitle, hostOf(remote)) {
		return nil, dicomerrors.NewAssociationError(
			dicomerrors.RejectSourceServiceUser,
			dicomerrors.RejectReasonCallingAETitleNotRecognized,
			fmt.Sprintf("calling AE title %q from %s is not whitelisted", req.CallingAETitle, hostOf(remote)))
	}

	svc := dimse.NewService(ctx, ae.services, logger.With("ae_title", req.CalledAETitle, "calling_ae", req.CallingAETitle))
	return &pdu.Acceptance{
		Capabilities: caps,
		Handler:      &dimseHandlerAdapter{service: svc},
	}, nil
}

func (s *Server) track(l *pdu.Layer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[l] = struct{}{}
	s.deps.Metrics.activeAdd(1)
	return s.state == stateStarted
}

func (s *Server) untrack(l *pdu.Layer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[l]; ok {
		delete(s.active, l)
		s.deps.Metrics.activeAdd(-1)
	}
}

func (s *Server) changesLocked(enabled bool) []Change {
	changes := make([]Change, 0, len(s.aes))
	for title := range s.aes {
		changes = append(changes, Change{AETitle: title, Port: s.port, Enabled: enabled})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].AETitle < changes[j].AETitle })
	return changes
}

func titlesOf(changes []Change) []string {
	titles := make([]string, len(changes))
	for i, c := range changes {
		titles[i] = c.AETitle
	}
	return titles
}

func resultOf(err error) string {
	var assocErr *dicomerrors.AssociationError
	if errors.As(err, &assocErr) {
		return "rejected"
	}
	return "failed"
}

// dimseHandlerAdapter lets a dimse.Service receive PDVs from a pdu.Layer.
type dimseHandlerAdapter struct {
	service *dimse.Service
}

func (a *dimseHandlerAdapter) HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, layer *pdu.Layer) error {
	return a.service.HandleDIMSEMessage(presContextID, msgCtrlHeader, data, layer)
}

func (a *dimseHandlerAdapter) Idle() bool { return a.service.Idle() }

func (a *dimseHandlerAdapter) Close() { a.service.Close() }
