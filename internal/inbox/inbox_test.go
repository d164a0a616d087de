package inbox_test

import (
	"strings"
	"testing"

	"github.com/OliverSchlueter/mail-relay/internal/inbox"
	"github.com/OliverSchlueter/mail-relay/internal/inbox/database/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const raw = "From: relay@example.com\r\n" +
	"To: peter@example.org\r\n" +
	"Subject: Test Mail\r\n" +
	"\r\n" +
	"Hello Peter,\r\n"

func TestStore_Deliver(t *testing.T) {
	s := inbox.NewStore(inbox.Configuration{DB: fake.NewDB()})

	m, err := s.Deliver("acc-1", "relay@example.com", []string{"peter@example.org"}, raw)
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "Test Mail", m.Headers["Subject"])
	assert.Equal(t, "Hello Peter,\r\n", m.Body)
	assert.Equal(t, len(raw), m.Size)
	assert.False(t, m.Received.IsZero())

	got, err := s.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, raw, got.Raw)

	list, err := s.List("acc-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = s.List("acc-2")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.Delete(m.ID))
	_, err = s.Get(m.ID)
	assert.ErrorIs(t, err, inbox.ErrMessageNotFound)
	assert.ErrorIs(t, s.Delete(m.ID), inbox.ErrMessageNotFound)
}

func TestStore_DeliverUnparseable(t *testing.T) {
	s := inbox.NewStore(inbox.Configuration{DB: fake.NewDB()})

	m, err := s.Deliver("", "a@b.c", []string{"d@e.f"}, "no headers at all")
	require.NoError(t, err)
	assert.Equal(t, "no headers at all", m.Body)
	assert.Empty(t, m.Headers)
}

func TestStore_DeliverTooLarge(t *testing.T) {
	s := inbox.NewStore(inbox.Configuration{DB: fake.NewDB(), MaxSize: 16})

	_, err := s.Deliver("", "a@b.c", []string{"d@e.f"}, strings.Repeat("x", 17))
	assert.ErrorIs(t, err, inbox.ErrMessageTooLarge)
}
