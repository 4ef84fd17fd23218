package filedrop

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/pkg/compression"
	"github.com/sirosfoundation/go-msh/pkg/ebms"
	"github.com/sirosfoundation/go-msh/pkg/message"
)

func TestDeliverUserMessage(t *testing.T) {
	d, err := New(filepath.Join(t.TempDir(), "inbox"), nil)
	require.NoError(t, err)

	um := message.NewUserMessage(
		message.WithMessageID("order/42@sender.example"),
		message.WithFrom("sender-org", ""),
		message.WithTo("receiver-org", ""),
		message.WithService("urn:example:orders"),
		message.WithAction("submit"),
	).AddPayload("cid:order", "application/xml").Build()
	require.NoError(t, d.Deliver(context.Background(), um))

	name := FileName(um)
	assert.Equal(t, "usermessage-order_42@sender.example.xml", name)

	data, err := os.ReadFile(filepath.Join(d.Dir(), name))
	require.NoError(t, err)
	units, err := ebms.Parse(data)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, um.MessageID, units[0].MessageID)
	assert.Equal(t, "submit", units[0].User.Collaboration.Action)

	// no temporary files are left behind
	entries, err := os.ReadDir(d.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDeliverSignals(t *testing.T) {
	d, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	receipt := message.NewReceipt("um-1@example", message.ReceiptReceptionAwareness).Build()
	failure := message.NewErrorMessage([]message.EbmsError{message.ErrOther.New("um-1@example", "rejected")}).Build()
	require.NoError(t, d.Deliver(ctx, receipt))
	require.NoError(t, d.Deliver(ctx, failure))

	entries, err := os.ReadDir(d.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDeliverCancelled(t *testing.T) {
	d, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Deliver(ctx, message.NewUserMessage().Build()), context.Canceled)
}

func TestNewRequiresDirectory(t *testing.T) {
	_, err := New("", nil)
	assert.Error(t, err)
}

func TestDeliverCompressed(t *testing.T) {
	d, err := New(t.TempDir(), nil, WithCompression(compression.NewCompressor()))
	require.NoError(t, err)

	um := message.NewUserMessage(
		message.WithMessageID("invoice-7@sender.example"),
		message.WithFrom("sender-org", ""),
		message.WithTo("receiver-org", ""),
		message.WithService("urn:example:invoices"),
		message.WithAction("submit"),
	).Build()
	require.NoError(t, d.Deliver(context.Background(), um))

	path := filepath.Join(d.Dir(), "usermessage-invoice-7@sender.example.xml.gz")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, compression.IsCompressed(raw))

	units, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, um.MessageID, units[0].MessageID)
}
