package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/caio-sobreiro/dicomscp/importer"
	"github.com/caio-sobreiro/dicomscp/instance"
	"github.com/caio-sobreiro/dicomscp/interfaces"
	"github.com/caio-sobreiro/dicomscp/strategy"
	"github.com/caio-sobreiro/dicomscp/types"
)

// InstanceLookup returns the current enabled instance for an AE title and
// port.
type InstanceLookup interface {
	Lookup(aeTitle string, port int) (instance.Instance, bool)
}

// StoreMetrics are shared by every StoreHandler of a process.
type StoreMetrics struct {
	requests *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewStoreMetrics creates the C-STORE metrics and registers them with reg
// when it is not nil.
func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dicomscp_store_requests_total",
			Help: "C-STORE requests answered, by response status",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dicomscp_store_duration_seconds",
			Help:    "Time from C-STORE command to response",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration)
	}
	return m
}

func (m *StoreMetrics) observe(status uint16, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(fmt.Sprintf("0x%04x", status)).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// StoreHandlerConfig configures the C-STORE handler of one AE.
type StoreHandlerConfig struct {
	AETitle string
	Port    int
	// User is the principal imports run as.
	User       string
	Identifier strategy.Identifier
	// FileNamer is optional.
	FileNamer strategy.FileNamer
	Lookup    InstanceLookup
	Importer  importer.Importer
	Metrics   *StoreMetrics
	Logger    *slog.Logger
}

// StoreHandler answers C-STORE requests by handing each data set to the
// import pipeline. It keeps no state between requests and is shared by
// every association of its AE.
type StoreHandler struct {
	aeTitle    string
	port       int
	user       string
	identifier strategy.Identifier
	fileNamer  strategy.FileNamer
	lookup     InstanceLookup
	importer   importer.Importer
	metrics    *StoreMetrics
	logger     *slog.Logger
}

// NewStoreHandler creates a C-STORE handler.
func NewStoreHandler(cfg StoreHandlerConfig) *StoreHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StoreHandler{
		aeTitle:    cfg.AETitle,
		port:       cfg.Port,
		user:       cfg.User,
		identifier: cfg.Identifier,
		fileNamer:  cfg.FileNamer,
		lookup:     cfg.Lookup,
		importer:   cfg.Importer,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With("ae_title", cfg.AETitle, "port", cfg.Port),
	}
}

// HandleDIMSE handles a C-STORE whose data set was received in full.
func (h *StoreHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, []byte, error) {
	resp, err := h.HandleDIMSEStream(ctx, msg, bytes.NewReader(data), meta)
	return resp, nil, err
}

// HandleDIMSEStream handles a C-STORE while its data set arrives. It
// always returns a response and never an error: every failure is mapped
// to a C-STORE status.
func (h *StoreHandler) HandleDIMSEStream(ctx context.Context, msg *types.Message, data io.Reader, meta interfaces.MessageContext) (resp *types.Message, _ error) {
	start := time.Now()
	transferID := uuid.NewString()
	logger := h.logger.With(
		"transfer_id", transferID,
		"message_id", msg.MessageID,
		"calling_ae", meta.Association.CallingAETitle,
		"remote_addr", meta.Association.RemoteAddr)

	resp = NewCStoreResponse(msg, types.StatusSuccess, true)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("C-STORE handler panicked", "panic", r)
			resp = NewCStoreResponse(msg, types.StatusOutOfResources, true)
			SetErrorComment(resp, "unexpected error while storing object")
		}
		h.metrics.observe(resp.Status, time.Since(start))
	}()

	if reason := validateStore(msg); reason != "" {
		logger.Warn("Rejecting C-STORE request", "reason", reason)
		resp.Status = types.StatusCannotUnderstand
		SetErrorComment(resp, reason)
		return resp, nil
	}

	inst, ok := h.lookup.Lookup(h.aeTitle, h.port)
	if !ok {
		logger.Warn("No enabled instance for AE title and port")
		resp.Status = types.StatusOutOfResources
		SetErrorComment(resp, fmt.Sprintf("receiver %s:%d is not enabled", h.aeTitle, h.port))
		return resp, nil
	}

	params := importer.Params{
		TransferID:           transferID,
		Sender:               sender(meta.Association),
		TransferSyntaxUID:    meta.TransferSyntaxUID,
		SOPClassUID:          msg.AffectedSOPClassUID,
		SOPInstanceUID:       msg.AffectedSOPInstanceUID,
		CallingAETitle:       meta.Association.CallingAETitle,
		CalledAETitle:        h.aeTitle,
		Port:                 h.port,
		CustomProcessing:     inst.CustomProcessing,
		DirectArchive:        inst.DirectArchive,
		Anonymize:            inst.AnonymizationEnabled,
		PreventAnonymization: !inst.AnonymizationEnabled,
		Identifier:           h.identifier,
		FileNamer:            h.fileNamer,
	}

	result, err := h.importer.Import(ctx, data, h.user, params)
	if err != nil {
		h.mapImportError(logger, resp, err)
		return resp, nil
	}

	logger.Info("Stored object",
		"sop_instance_uid", msg.AffectedSOPInstanceUID,
		"key", result.Key,
		"duration", time.Since(start))
	return resp, nil
}

// Streams reports that C-STORE data sets are consumed as they arrive.
func (h *StoreHandler) Streams(commandField uint16) bool {
	return commandField == types.CStoreRQ
}

func (h *StoreHandler) mapImportError(logger *slog.Logger, resp *types.Message, err error) {
	var clientErr *importer.ClientError
	var serverErr *importer.ServerError
	switch {
	case errors.As(err, &clientErr):
		logger.Warn("Import rejected object", "error", err)
		resp.Status = types.StatusCannotUnderstand
		SetErrorComment(resp, clientErr.Error())
	case errors.As(err, &serverErr):
		logger.Error("Import failed", "error", err)
		resp.Status = types.StatusOutOfResources
		SetErrorComment(resp, serverErr.Error())
	default:
		logger.Error("Unexpected import failure", "error", err)
		resp.Status = types.StatusOutOfResources
		SetErrorComment(resp, "unexpected error while storing object")
	}
}

func validateStore(msg *types.Message) string {
	switch {
	case msg.CommandField != types.CStoreRQ:
		return fmt.Sprintf("unexpected command 0x%04x", msg.CommandField)
	case msg.AffectedSOPClassUID == "":
		return "missing Affected SOP Class UID"
	case msg.AffectedSOPInstanceUID == "":
		return "missing Affected SOP Instance UID"
	case !msg.HasDataSet():
		return "C-STORE request without data set"
	}
	return ""
}

// sender formats the remote side as "<calling AE>@<remote socket address>".
func sender(info types.AssociationInfo) string {
	return info.CallingAETitle + "@" + info.RemoteAddr
}
