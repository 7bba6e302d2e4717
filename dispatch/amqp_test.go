//go:build integration

package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startContainer(t *testing.T, image, port string, strategy wait.Strategy, cmd ...string) string {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{port},
			Cmd:          cmd,
			WaitingFor:   strategy,
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, port)
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

func TestAMQPPublisherDelivers(t *testing.T) {
	addr := startContainer(t, "rabbitmq:3-alpine", "5672/tcp",
		wait.ForLog("Server startup complete").WithStartupTimeout(90*time.Second))
	url := "amqp://guest:guest@" + addr + "/"

	p := NewAMQPPublisher(url, 5*time.Second)
	d := New(p)
	ctx := context.Background()

	require.NoError(t, d.PublishUndeploy(ctx, "Tick"))
	require.NoError(t, d.PublishDeploy(ctx, "create schema Tick()"))

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	undeploy, ok, err := ch.Get(QueueUndeploy, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Tick", string(undeploy.Body))

	deploy, ok, err := ch.Get(QueueDeploy, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "create schema Tick()", string(deploy.Body))
}

func TestNATSPublisherDelivers(t *testing.T) {
	addr := startContainer(t, "nats:2-alpine", "4222/tcp",
		wait.ForLog("Server is ready").WithStartupTimeout(60*time.Second), "-js")

	url := "nats://" + addr
	d := New(NewNATSPublisher(url, 5*time.Second))
	ctx := context.Background()

	require.NoError(t, d.PublishDeploy(ctx, "create schema Tick()"))
	require.NoError(t, d.PublishDeploy(ctx, "create schema Tock()"))

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	stream, err := js.Stream(ctx, streamName(QueueDeploy))
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)

	first, err := stream.GetMsg(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "create schema Tick()", string(first.Data))
}
