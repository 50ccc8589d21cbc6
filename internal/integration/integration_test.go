//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/couchcryptid/pgwatch/internal/database"
	"github.com/couchcryptid/pgwatch/internal/kafka"
	"github.com/couchcryptid/pgwatch/internal/model"
	"github.com/couchcryptid/pgwatch/internal/observability"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(ctx context.Context, t *testing.T) (*database.Manager, string) {
	t.Helper()
	cfg := startPostgres(ctx, t)

	pool, err := database.NewPool(ctx, cfg)
	require.NoError(t, err)

	m := database.NewManager(pool, discardLogger(), observability.NewTestMetrics(),
		database.WithHealthInterval(200*time.Millisecond),
		database.WithReconnectDelay(200*time.Millisecond),
		database.WithProbeTimeout(5*time.Second),
	)
	t.Cleanup(m.Shutdown)
	return m, cfg.DSN()
}

func TestManager_ConnectAndExecute(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(ctx, t)

	require.NoError(t, m.Connect(ctx))
	assert.True(t, m.IsConnected())

	_, err := m.Execute(ctx, "CREATE TABLE probes (id serial PRIMARY KEY, note text NOT NULL)")
	require.NoError(t, err)

	res, err := m.Execute(ctx, "INSERT INTO probes (note) VALUES ($1), ($2)", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowCount)

	res, err = m.Execute(ctx, "SELECT id, note FROM probes ORDER BY id")
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "a", res.Rows[0]["note"])
	assert.Equal(t, int32(1), res.Rows[0]["id"])
	require.Len(t, res.Fields, 2)
	assert.Equal(t, "id", res.Fields[0].Name)
}

func TestManager_StatementErrorKeepsConnection(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(ctx, t)
	require.NoError(t, m.Connect(ctx))

	_, err := m.Execute(ctx, "SELEC 1")
	require.Error(t, err)

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "42601", pgErr.Code)
	var transport *database.TransportError
	assert.False(t, errors.As(err, &transport))
	assert.True(t, m.IsConnected())
}

func TestManager_RecoversAfterBackendsTerminated(t *testing.T) {
	ctx := context.Background()
	m, dsn := newManager(ctx, t)
	require.NoError(t, m.Connect(ctx))

	var states []bool
	stateCh := make(chan bool, 16)
	unsubscribe := m.OnConnectionChange(func(connected bool) { stateCh <- connected })
	defer unsubscribe()
	states = append(states, <-stateCh)

	admin, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer admin.Close(ctx)
	_, err = admin.Exec(ctx, "SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid()")
	require.NoError(t, err)

	// The pooled connection is gone; whichever of the next query or the
	// health monitor notices first, the manager must end up connected again.
	_, _ = m.Execute(ctx, "SELECT 1")

	require.Eventually(t, func() bool {
		if !m.IsConnected() {
			return false
		}
		_, err := m.Execute(ctx, "SELECT 1")
		return err == nil
	}, waitFor, tick)

	for len(stateCh) > 0 {
		states = append(states, <-stateCh)
	}
	assert.True(t, states[0])
	assert.True(t, states[len(states)-1])
}

func TestManager_ShutdownClosesPool(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(ctx, t)
	require.NoError(t, m.Connect(ctx))

	m.Shutdown()
	assert.False(t, m.IsConnected())
	_, err := m.Execute(ctx, "SELECT 1")
	require.ErrorIs(t, err, database.ErrNotConnected)
	require.ErrorIs(t, m.Connect(ctx), database.ErrClosed)
}

func TestPublisher_WritesConnectivityEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)

	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err, "dial kafka")
	err = conn.CreateTopics(kafkago.TopicConfig{
		Topic:             testKafkaTopic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	conn.Close()
	require.NoError(t, err, "create topic")

	m, _ := newManager(ctx, t)
	pub := kafka.NewPublisher([]string{broker}, testKafkaTopic, "db.example.com", "testdb", observability.NewTestMetrics(), discardLogger())
	defer pub.Close()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pub.Run(runCtx) }()

	m.OnConnectionChange(pub.Listen)
	require.NoError(t, m.Connect(ctx))

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: []string{broker},
		Topic:   testKafkaTopic,
	})
	defer reader.Close()

	var got []model.ConnectivityEvent
	for len(got) < 2 {
		msg, err := reader.ReadMessage(ctx)
		require.NoError(t, err, "read message %d", len(got))
		var event model.ConnectivityEvent
		require.NoError(t, json.Unmarshal(msg.Value, &event))
		got = append(got, event)
	}

	stop()
	require.NoError(t, <-done)

	assert.False(t, got[0].Connected, "registration delivers the initial disconnected state")
	assert.True(t, got[1].Connected)
	assert.Equal(t, "db.example.com", got[1].Host)
	assert.Equal(t, "testdb", got[1].Database)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}
