package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/caio-sobreiro/dicomscp/interfaces"
	"github.com/caio-sobreiro/dicomscp/types"
)

// Registry manages the DICOM service handlers of one Application Entity and
// routes incoming DIMSE messages to them by command field.
//
// A registry is shared by every association of its AE, so handlers may be
// registered and unregistered while messages are being routed.
//
// Example usage:
//
//	registry := services.NewRegistry(logger)
//	registry.RegisterHandler(types.CEchoRQ, services.NewEchoService(logger))
//	registry.RegisterHandler(types.CStoreRQ, storeHandler)
type Registry struct {
	mu       sync.RWMutex
	handlers map[uint16]interfaces.ServiceHandler
	logger   *slog.Logger
}

// NewRegistry creates a new, empty service registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[uint16]interfaces.ServiceHandler),
		logger:   logger,
	}
}

// RegisterHandler registers a service handler for a specific DIMSE command.
// Registering again for the same command replaces the previous handler.
func (r *Registry) RegisterHandler(commandField uint16, handler interfaces.ServiceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[commandField] = handler
}

// UnregisterHandler removes a service handler for a specific DIMSE command.
//
// After unregistering, C-STORE requests are answered with "out of
// resources" so that the sender retries later, and any other command with
// "unrecognized operation".
func (r *Registry) UnregisterHandler(commandField uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, commandField)
}

// UnregisterAll removes every handler.
func (r *Registry) UnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.handlers)
}

func (r *Registry) handler(commandField uint16) (interfaces.ServiceHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[commandField]
	return h, ok
}

// HandleDIMSE routes DIMSE messages to the appropriate service handler.
//
// If no handler is registered for the message's command field, the
// request is refused as described on UnregisterHandler.
func (r *Registry) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, []byte, error) {
	r.logger.DebugContext(ctx, "Routing DIMSE message",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"message_id", msg.MessageID)

	handler, ok := r.handler(msg.CommandField)
	if !ok {
		return r.unrecognized(ctx, msg), nil, nil
	}
	return handler.HandleDIMSE(ctx, msg, data, meta)
}

// Streams reports whether the data set of commandField is consumed as a
// stream. Data sets of commands without a handler are streamed too, so
// that they are discarded as they arrive instead of being buffered.
func (r *Registry) Streams(commandField uint16) bool {
	handler, ok := r.handler(commandField)
	if !ok {
		return true
	}
	_, ok = handler.(interfaces.StreamingHandler)
	return ok
}

// HandleDIMSEStream routes a streamed message. Without a handler the data
// set is left unread and the request refused.
func (r *Registry) HandleDIMSEStream(ctx context.Context, msg *types.Message, data io.Reader, meta interfaces.MessageContext) (*types.Message, error) {
	handler, ok := r.handler(msg.CommandField)
	if !ok {
		return r.unrecognized(ctx, msg), nil
	}
	if sh, ok := handler.(interfaces.StreamingHandler); ok {
		return sh.HandleDIMSEStream(ctx, msg, data, meta)
	}

	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}
	resp, _, err := handler.HandleDIMSE(ctx, msg, buf, meta)
	return resp, err
}

func (r *Registry) unrecognized(ctx context.Context, msg *types.Message) *types.Message {
	r.logger.WarnContext(ctx, "No handler registered for DIMSE command",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField))
	if msg.CommandField == types.CStoreRQ {
		// The AE was stopped while the association was open.
		resp := NewCStoreResponse(msg, types.StatusOutOfResources, true)
		SetErrorComment(resp, "receiver stopped")
		return resp
	}
	return CreateErrorResponse(msg, types.StatusUnrecognizedOperation)
}

// HasHandler returns true if a handler is registered for the given command field.
func (r *Registry) HasHandler(commandField uint16) bool {
	_, ok := r.handler(commandField)
	return ok
}

// RegisteredCommands returns the command fields that have handlers
// registered, in ascending order.
func (r *Registry) RegisteredCommands() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	commands := make([]uint16, 0, len(r.handlers))
	for cmd := range r.handlers {
		commands = append(commands, cmd)
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i] < commands[j] })
	return commands
}
