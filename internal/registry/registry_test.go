package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry/registrytest"
)

func TestRegisterBindsBothDirections(t *testing.T) {
	r := New()
	r.Open("c1", registrytest.NewOutbox())
	require.True(t, r.Register("c1", Driver, "d1"))

	ident, ok := r.IdentityOf("c1")
	require.True(t, ok)
	assert.Equal(t, DriverID("d1"), ident)

	conn, ok := r.ConnectionOf(DriverID("d1"))
	require.True(t, ok)
	assert.Equal(t, "c1", conn)

	_, ok = r.ConnectionOf(PassengerID("d1"))
	assert.False(t, ok, "kinds are separate namespaces")
}

func TestRegisterUnknownConnection(t *testing.T) {
	r := New()
	assert.False(t, r.Register("nope", Passenger, "p1"))
	_, ok := r.ConnectionOf(PassengerID("p1"))
	assert.False(t, ok)
}

func TestOpenIsIdempotent(t *testing.T) {
	r := New()
	first := registrytest.NewOutbox()
	second := registrytest.NewOutbox()
	assert.True(t, r.Open("c1", first))
	r.Register("c1", Passenger, "p1")
	assert.False(t, r.Open("c1", second), "re-open of a known handle")

	ident, ok := r.IdentityOf("c1")
	require.True(t, ok)
	assert.Equal(t, "p1", ident.ID)
	assert.Equal(t, 1, r.Len())

	require.True(t, r.Send("c1", models.Envelope{Type: "x"}))
	assert.Empty(t, first.Sent())
	assert.Len(t, second.Sent(), 1)
}

func TestLastRegisterWins(t *testing.T) {
	r := New()
	r.Open("old", registrytest.NewOutbox())
	r.Open("new", registrytest.NewOutbox())
	r.Register("old", Driver, "d1")
	r.Register("new", Driver, "d1")

	conn, _ := r.ConnectionOf(DriverID("d1"))
	assert.Equal(t, "new", conn)

	// closing the superseded connection must not drop the live mapping
	r.Close("old")
	conn, ok := r.ConnectionOf(DriverID("d1"))
	require.True(t, ok)
	assert.Equal(t, "new", conn)
}

func TestReRegisterUnderNewIdentity(t *testing.T) {
	r := New()
	r.Open("c1", registrytest.NewOutbox())
	r.Register("c1", Passenger, "p1")
	r.Register("c1", Passenger, "p2")

	_, ok := r.ConnectionOf(PassengerID("p1"))
	assert.False(t, ok)
	conn, ok := r.ConnectionOf(PassengerID("p2"))
	require.True(t, ok)
	assert.Equal(t, "c1", conn)
}

func TestCloseRemovesIdentity(t *testing.T) {
	r := New()
	r.Open("c1", registrytest.NewOutbox())
	r.Register("c1", Passenger, "p1")
	assert.True(t, r.Close("c1"))
	assert.False(t, r.Close("c1"), "second close is a no-op")

	_, ok := r.IdentityOf("c1")
	assert.False(t, ok)
	_, ok = r.ConnectionOf(PassengerID("p1"))
	assert.False(t, ok)
	assert.Zero(t, r.Len())
	assert.False(t, r.Send("c1", models.Envelope{Type: "x"}))
}

func TestSendToIdentity(t *testing.T) {
	r := New()
	out := registrytest.NewOutbox()
	r.Open("c1", out)
	r.Register("c1", Driver, "d1")

	assert.True(t, r.SendTo(DriverID("d1"), models.Envelope{Type: models.EventRideRequest}))
	assert.False(t, r.SendTo(DriverID("d2"), models.Envelope{Type: models.EventRideRequest}))
	assert.Equal(t, 1, out.Count(models.EventRideRequest))

	out.Close()
	assert.False(t, r.SendTo(DriverID("d1"), models.Envelope{Type: models.EventRideRequest}))
}
