// Package archive is the import pipeline behind the C-STORE handler. It
// spools each received data set, identifies it, writes it as a Part 10
// file to a blob sink and publishes a receive event.
package archive

import (
	"bytes"
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/caio-sobreiro/dicomscp/blob"
	"github.com/caio-sobreiro/dicomscp/dicom"
	"github.com/caio-sobreiro/dicomscp/importer"
	"github.com/caio-sobreiro/dicomscp/notify"
	"github.com/caio-sobreiro/dicomscp/strategy"
	"github.com/caio-sobreiro/dicomscp/types"
)

const (
	// DefaultHeaderLimit bounds the bytes kept in memory for identification.
	DefaultHeaderLimit = 64 * 1024

	// UnassignedProject receives objects no project could be found for.
	UnassignedProject = "Unassigned"

	unknownComponent = "Unknown"
	prearchiveLayout = "20060102_150405"
)

// Pipeline implements importer.Importer.
type Pipeline struct {
	sink        blob.Sink
	publisher   notify.Publisher
	spoolDir    string
	headerLimit int
	now         func() time.Time
	logger      *slog.Logger
}

var _ importer.Importer = (*Pipeline)(nil)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPublisher sets where receive events go. Defaults to notify.Nop.
func WithPublisher(p notify.Publisher) Option {
	return func(pl *Pipeline) {
		if p != nil {
			pl.publisher = p
		}
	}
}

// WithSpoolDir sets the directory for spool files. Empty means os.TempDir.
func WithSpoolDir(dir string) Option {
	return func(pl *Pipeline) { pl.spoolDir = dir }
}

// WithHeaderLimit sets how many leading data set bytes are parsed.
func WithHeaderLimit(n int) Option {
	return func(pl *Pipeline) {
		if n > 0 {
			pl.headerLimit = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(pl *Pipeline) { pl.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(pl *Pipeline) {
		if logger != nil {
			pl.logger = logger
		}
	}
}

// New creates a pipeline writing to sink.
func New(sink blob.Sink, opts ...Option) *Pipeline {
	pl := &Pipeline{
		sink:        sink,
		publisher:   notify.Nop{},
		headerLimit: DefaultHeaderLimit,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(pl)
	}
	pl.logger = pl.logger.With("component", "archive")
	return pl
}

// Import stores one data set.
func (pl *Pipeline) Import(ctx context.Context, r io.Reader, user string, p importer.Params) (importer.Result, error) {
	if !types.IsAcceptedTransferSyntax(p.TransferSyntaxUID) {
		return importer.Result{}, importer.ClientErrorf("unsupported transfer syntax %s", p.TransferSyntaxUID)
	}

	spool, err := os.CreateTemp(pl.spoolDir, "dicomscp-spool-*")
	if err != nil {
		return importer.Result{}, &importer.ServerError{Msg: "failed to create spool file", Err: err}
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	// The meta header only needs the command's UIDs, so the spool file is
	// a complete Part 10 file once the stream ends.
	err = dicom.WriteFileMeta(spool, dicom.FileMeta{
		MediaStorageSOPClassUID:    p.SOPClassUID,
		MediaStorageSOPInstanceUID: p.SOPInstanceUID,
		TransferSyntaxUID:          p.TransferSyntaxUID,
		ImplementationClassUID:     types.ImplementationClassUID,
		ImplementationVersionName:  types.ImplementationVersionName,
		SourceAETitle:              p.CallingAETitle,
	})
	if err != nil {
		return importer.Result{}, &importer.ServerError{Msg: "failed to write spool file", Err: err}
	}

	header := &prefixBuffer{limit: pl.headerLimit}
	n, err := io.Copy(io.MultiWriter(spool, header), &ctxReader{ctx: ctx, r: r})
	if err != nil {
		return importer.Result{}, &importer.ServerError{Msg: "failed to receive data set", Err: err}
	}
	if n == 0 {
		return importer.Result{}, importer.ClientErrorf("empty data set")
	}

	ds, err := pl.parseHeader(header.Bytes(), n, p.TransferSyntaxUID)
	if err != nil {
		return importer.Result{}, &importer.ClientError{Msg: "unable to parse data set", Err: err}
	}
	if ds.GetString(dicom.TagSOPInstanceUID) == "" {
		ds.AddElement(dicom.TagSOPInstanceUID, dicom.VR_UI, p.SOPInstanceUID)
	}

	identifier := p.Identifier
	if identifier == nil {
		identifier = &strategy.ClassicIdentifier{}
	}
	namer := p.FileNamer
	if namer == nil {
		namer = strategy.SOPInstanceNamer{}
	}
	sess := identifier.Identify(ds)
	if strings.TrimSpace(sess.Project) == "" {
		sess.Project = UnassignedProject
	}
	key := pl.objectKey(sess, namer.FileName(ds), p.DirectArchive)

	size, err := spool.Seek(0, io.SeekCurrent)
	if err != nil {
		return importer.Result{}, &importer.ServerError{Msg: "failed to read spool file", Err: err}
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return importer.Result{}, &importer.ServerError{Msg: "failed to read spool file", Err: err}
	}

	info, err := pl.sink.Put(ctx, key, spool, blob.PutOptions{
		ContentType: blob.ContentTypeDICOM,
		Metadata: map[string]string{
			"transfer-id":       p.TransferID,
			"sender":            p.Sender,
			"user":              user,
			"custom-processing": strconv.FormatBool(p.CustomProcessing),
			"direct-archive":    strconv.FormatBool(p.DirectArchive),
			"anonymize":         strconv.FormatBool(p.Anonymize && !p.PreventAnonymization),
		},
		Size: size,
	})
	if err != nil {
		return importer.Result{}, &importer.ServerError{Msg: "failed to store object", Err: err}
	}

	logger := pl.logger.With("transfer_id", p.TransferID, "key", info.Key)
	logger.Info("Stored object",
		"driver", pl.sink.Driver(),
		"project", sess.Project,
		"subject", sess.Subject,
		"session", sess.Session,
		"bytes", size,
	)

	ev := notify.Event{
		TransferID:       p.TransferID,
		Project:          sess.Project,
		Subject:          sess.Subject,
		Session:          sess.Session,
		Key:              info.Key,
		SOPClassUID:      p.SOPClassUID,
		SOPInstanceUID:   p.SOPInstanceUID,
		Sender:           p.Sender,
		Receiver:         p.CalledAETitle,
		Port:             p.Port,
		CustomProcessing: p.CustomProcessing,
		DirectArchive:    p.DirectArchive,
		Anonymize:        p.Anonymize,
		ReceivedAt:       pl.now().UTC(),
	}
	// The object is already stored; a lost event does not fail the transfer.
	if err := pl.publisher.Publish(ctx, ev); err != nil {
		logger.Warn("Failed to publish receive event", "error", err)
	}

	return importer.Result{Key: info.Key, Session: sess}, nil
}

// parseHeader decodes the leading elements of the data set. A data set
// that fit entirely in the buffer must parse cleanly.
func (pl *Pipeline) parseHeader(buf []byte, total int64, ts string) (*dicom.Dataset, error) {
	var (
		ds  *dicom.Dataset
		err error
	)
	switch {
	case ts == types.DeflatedExplicitVRLittleEndian:
		inflated, ierr := io.ReadAll(io.LimitReader(flate.NewReader(bytes.NewReader(buf)), int64(pl.headerLimit)))
		if ierr != nil && !errors.Is(ierr, io.ErrUnexpectedEOF) && len(inflated) == 0 {
			return nil, ierr
		}
		ds, err = dicom.ParsePrefix(inflated, ts)
	case total <= int64(len(buf)):
		ds, err = dicom.Parse(buf, ts)
	default:
		ds, err = dicom.ParsePrefix(buf, ts)
	}
	if err != nil {
		return nil, err
	}
	if len(ds.Elements) == 0 {
		return nil, fmt.Errorf("%w: no elements", dicom.ErrMalformed)
	}
	return ds, nil
}

func (pl *Pipeline) objectKey(sess strategy.Session, file string, direct bool) string {
	file = component(file, "object.dcm")
	if direct {
		return path.Join("archive",
			component(sess.Project, UnassignedProject),
			component(sess.Subject, unknownComponent),
			component(sess.Session, unknownComponent),
			file)
	}
	return path.Join("prearchive",
		component(sess.Project, UnassignedProject),
		pl.now().UTC().Format(prearchiveLayout),
		component(sess.Session, unknownComponent),
		file)
}

// component makes s safe to use as one key segment.
func component(s, fallback string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '/', r == '\\', r == ':', r == '*', r == '?', r == '"', r == '<', r == '>', r == '|':
			return '_'
		case r < ' ', r == 0x7f:
			return -1
		case r == ' ':
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return fallback
	}
	return s
}

// prefixBuffer keeps the first limit bytes written to it.
type prefixBuffer struct {
	buf   []byte
	limit int
}

func (b *prefixBuffer) Write(p []byte) (int, error) {
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		b.buf = append(b.buf, p[:room]...)
	}
	return len(p), nil
}

func (b *prefixBuffer) Bytes() []byte { return b.buf }

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
