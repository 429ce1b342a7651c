// Package testutil starts disposable backing services for integration
// tests. Every helper skips the test when running with -short or when docker
// is not available, and terminates the container on cleanup.
package testutil

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartupTimeout bounds container startup.
const StartupTimeout = 90 * time.Second

// RequireDocker skips t when containers cannot be used.
func RequireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("container test skipped in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}
}

func start(t *testing.T, req tc.ContainerRequest) (tc.Container, string) {
	t.Helper()
	RequireDocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), StartupTimeout)
	t.Cleanup(cancel)
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("start %s: %v", req.Image, err)
	}
	t.Cleanup(func() { _ = cont.Terminate(context.Background()) })
	host, err := cont.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	return cont, host
}

// StartRedis returns the host:port of a fresh Redis server.
func StartRedis(t *testing.T) string {
	cont, host := start(t, tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	})
	port, err := cont.MappedPort(context.Background(), "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port())
}

// StartPostgres returns a DSN for a fresh PostgreSQL database.
func StartPostgres(t *testing.T) string {
	cont, host := start(t, tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "dispatch",
			"POSTGRES_PASSWORD": "dispatch",
			"POSTGRES_DB":       "dispatch",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	})
	port, err := cont.MappedPort(context.Background(), "5432/tcp")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	return fmt.Sprintf("postgres://dispatch:dispatch@%s:%s/dispatch?sslmode=disable", host, port.Port())
}

// StartMongo returns the connection URI of a fresh MongoDB server.
func StartMongo(t *testing.T) string {
	cont, host := start(t, tc.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections"),
	})
	port, err := cont.MappedPort(context.Background(), "27017/tcp")
	if err != nil {
		t.Fatalf("mongo port: %v", err)
	}
	return fmt.Sprintf("mongodb://%s:%s", host, port.Port())
}

// StartMosquitto returns the broker URL of a fresh Mosquitto broker.
func StartMosquitto(t *testing.T) string {
	cont, host := start(t, tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2.0",
		ExposedPorts: []string{"1883/tcp"},
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor:   wait.ForListeningPort("1883/tcp"),
	})
	port, err := cont.MappedPort(context.Background(), "1883/tcp")
	if err != nil {
		t.Fatalf("mosquitto port: %v", err)
	}
	return fmt.Sprintf("tcp://%s:%s", host, port.Port())
}

// StartRabbitMQ returns the AMQP URL of a fresh RabbitMQ broker.
func StartRabbitMQ(t *testing.T) string {
	cont, host := start(t, tc.ContainerRequest{
		Image:        "rabbitmq:3-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(StartupTimeout),
	})
	port, err := cont.MappedPort(context.Background(), "5672/tcp")
	if err != nil {
		t.Fatalf("rabbitmq port: %v", err)
	}
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}
