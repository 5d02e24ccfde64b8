package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherchat/internal/models"
)

func TestInitializeStatusesIdempotent(t *testing.T) {
	database := newTestDB(t)
	alice := createTestUser(t, database, "alice")
	bob := createTestUser(t, database, "bob")
	ctx := context.Background()

	conv, err := database.ResolveOrCreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	msg := appendTestMessage(t, database, conv.ID, alice.ID, bob.ID)

	// AppendMessage already created the rows; a retried initialization
	// creates nothing and changes nothing.
	created, err := database.InitializeStatuses(ctx, msg, []string{alice.ID, bob.ID, bob.ID})
	require.NoError(t, err)
	assert.Zero(t, created)

	var count int
	err = database.QueryRow(`SELECT COUNT(1) FROM message_statuses WHERE message_id = ?`, msg.ID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// The sender's pre-read row was not regressed by the retry.
	st, err := database.GetStatus(ctx, msg.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, st.Status)
}

func TestMarkDelivered(t *testing.T) {
	database := newTestDB(t)
	alice := createTestUser(t, database, "alice")
	bob := createTestUser(t, database, "bob")
	ctx := context.Background()

	conv, err := database.ResolveOrCreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	msg := appendTestMessage(t, database, conv.ID, alice.ID, bob.ID)

	count, err := database.MarkDelivered(ctx, []string{msg.ID}, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	st, err := database.GetStatus(ctx, msg.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, st.Status)
	assert.NotNil(t, st.DeliveredAt)

	// Already delivered: no-op, not an error.
	count, err = database.MarkDelivered(ctx, []string{msg.ID}, bob.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMarkDeliveredNeverRegressesRead(t *testing.T) {
	database := newTestDB(t)
	alice := createTestUser(t, database, "alice")
	bob := createTestUser(t, database, "bob")
	ctx := context.Background()

	conv, err := database.ResolveOrCreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	msg := appendTestMessage(t, database, conv.ID, alice.ID, bob.ID)

	_, err = database.MarkRead(ctx, []string{msg.ID}, bob.ID)
	require.NoError(t, err)

	count, err := database.MarkDelivered(ctx, []string{msg.ID}, bob.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	st, err := database.GetStatus(ctx, msg.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, st.Status)
}

func TestMarkReadBackfillsDeliveredAt(t *testing.T) {
	database := newTestDB(t)
	alice := createTestUser(t, database, "alice")
	bob := createTestUser(t, database, "bob")
	ctx := context.Background()

	conv, err := database.ResolveOrCreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	msg := appendTestMessage(t, database, conv.ID, alice.ID, bob.ID)

	transitions, err := database.MarkRead(ctx, []string{msg.ID}, bob.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, msg.ID, transitions[0].MessageID)
	assert.Equal(t, alice.ID, transitions[0].SenderID)

	st, err := database.GetStatus(ctx, msg.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, st.Status)
	require.NotNil(t, st.ReadAt)
	require.NotNil(t, st.DeliveredAt)

	// Second call with the same set transitions nothing.
	transitions, err = database.MarkRead(ctx, []string{msg.ID}, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, transitions)
}

func TestMarkReadPreservesExistingDeliveredAt(t *testing.T) {
	database := newTestDB(t)
	alice := createTestUser(t, database, "alice")
	bob := createTestUser(t, database, "bob")
	ctx := context.Background()

	conv, err := database.ResolveOrCreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	msg := appendTestMessage(t, database, conv.ID, alice.ID, bob.ID)

	_, err = database.MarkDelivered(ctx, []string{msg.ID}, bob.ID)
	require.NoError(t, err)
	before, err := database.GetStatus(ctx, msg.ID, bob.ID)
	require.NoError(t, err)
	require.NotNil(t, before.DeliveredAt)

	_, err = database.MarkRead(ctx, []string{msg.ID}, bob.ID)
	require.NoError(t, err)

	after, err := database.GetStatus(ctx, msg.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, after.DeliveredAt.Equal(*before.DeliveredAt))
}

func TestMarkReadIgnoresForeignStatuses(t *testing.T) {
	database := newTestDB(t)
	alice := createTestUser(t, database, "alice")
	bob := createTestUser(t, database, "bob")
	carol := createTestUser(t, database, "carol")
	ctx := context.Background()

	conv, err := database.ResolveOrCreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	msg := appendTestMessage(t, database, conv.ID, alice.ID, bob.ID)

	// Carol holds no status row for this message.
	transitions, err := database.MarkRead(ctx, []string{msg.ID}, carol.ID)
	require.NoError(t, err)
	assert.Empty(t, transitions)
}

func TestStatusSummary(t *testing.T) {
	database := newTestDB(t)
	alice := createTestUser(t, database, "alice")
	bob := createTestUser(t, database, "bob")
	carol := createTestUser(t, database, "carol")
	ctx := context.Background()

	conv, err := database.CreateGroup(ctx, alice.ID, "trio", []string{bob.ID, carol.ID})
	require.NoError(t, err)
	msg := appendTestMessage(t, database, conv.ID, alice.ID, bob.ID)

	summary, err := database.StatusSummary(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalRecipients)
	assert.Zero(t, summary.DeliveredCount)
	assert.Zero(t, summary.ReadCount)

	_, err = database.MarkDelivered(ctx, []string{msg.ID}, bob.ID)
	require.NoError(t, err)
	_, err = database.MarkRead(ctx, []string{msg.ID}, carol.ID)
	require.NoError(t, err)

	summary, err = database.StatusSummary(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalRecipients)
	assert.Equal(t, 2, summary.DeliveredCount)
	assert.Equal(t, 1, summary.ReadCount)
}
