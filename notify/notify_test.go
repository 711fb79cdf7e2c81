package notify

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestNATSPublisher_Publish(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "dicom.received.", nil)

	ev := Event{TransferID: "t-1", Receiver: "XNAT.1 *", Key: "archive/P/S/E/x.dcm", Port: 8104, Anonymize: true}
	require.NoError(t, p.Publish(context.Background(), ev))

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "dicom.received.XNAT_1__", conn.subjects[0])

	var got map[string]any
	require.NoError(t, json.Unmarshal(conn.payloads[0], &got))
	assert.Equal(t, "t-1", got["transferId"])
	assert.Equal(t, "archive/P/S/E/x.dcm", got["key"])
	assert.Equal(t, true, got["anonymize"])
	assert.Equal(t, float64(8104), got["port"])

	require.NoError(t, p.Close())
	assert.True(t, conn.drained)
}

func TestNATSPublisher_Errors(t *testing.T) {
	conn := &fakeConn{err: nats.ErrConnectionClosed}
	p := NewNATSPublisher(conn, "", nil)

	err := p.Publish(context.Background(), Event{Receiver: "A"})
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(p.Publish(ctx, Event{}), context.Canceled))
	assert.Equal(t, "dicom.received._", p.Subject(""))
}

// DICOMSCP_TEST_NATS_URL points at a running server.
func TestConnect_Integration(t *testing.T) {
	url := os.Getenv("DICOMSCP_TEST_NATS_URL")
	if url == "" {
		t.Skip("DICOMSCP_TEST_NATS_URL not set")
	}

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe("test.dicom.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	p, err := Connect(url, "test.dicom", nil)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()
	require.NoError(t, p.Publish(context.Background(), Event{TransferID: "int", Receiver: "XNAT"}))

	select {
	case m := <-msgs:
		assert.Equal(t, "test.dicom.XNAT", m.Subject)
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}
}
