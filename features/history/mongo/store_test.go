package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	clientsmongo "goa.design/goa-transcript/features/history/mongo/clients/mongo"
	"goa.design/goa-transcript/runtime/history"
	"goa.design/goa-transcript/runtime/ledger"
	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/scheduler"
	"goa.design/goa-transcript/runtime/session"
)

var (
	testMongoClient *mongodriver.Client
	skipMongoTests  bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	var (
		container testcontainers.Container
		err       error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "mongo:7",
				ExposedPorts: []string{"27017/tcp"},
				WaitingFor:   wait.ForLog("Waiting for connections"),
				Tmpfs:        map[string]string{"/data/db": "rw"},
			},
			Started: true,
		})
	}()
	if err == nil {
		err = connect(ctx, container)
	}
	if err != nil {
		fmt.Printf("MongoDB not available, tests will be skipped: %v\n", err)
		skipMongoTests = true
	}

	code := m.Run()

	if testMongoClient != nil {
		_ = testMongoClient.Disconnect(ctx)
	}
	if container != nil {
		_ = container.Terminate(ctx)
	}
	os.Exit(code)
}

func connect(ctx context.Context, c testcontainers.Container) error {
	host, err := c.Host(ctx)
	if err != nil {
		return err
	}
	port, err := c.MappedPort(ctx, "27017")
	if err != nil {
		return err
	}
	testMongoClient, err = mongodriver.Connect(options.Client().ApplyURI(fmt.Sprintf("mongodb://%s:%s", host, port.Port())))
	if err != nil {
		return err
	}
	return testMongoClient.Ping(ctx, nil)
}

func getClient(t *testing.T) clientsmongo.Client {
	t.Helper()
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	db := testMongoClient.Database("history_test")
	require.NoError(t, db.Collection(t.Name()).Drop(context.Background()))
	require.NoError(t, db.Collection(t.Name()+"_heads").Drop(context.Background()))
	c, err := clientsmongo.New(clientsmongo.Options{Client: testMongoClient, Database: "history_test", Collection: t.Name()})
	require.NoError(t, err)
	return c
}

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore(nil, "s")
	assert.Error(t, err)
}

func TestStoreRoundTrip(t *testing.T) {
	c := getClient(t)
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	st, err := NewStore(c, "s-1")
	require.NoError(t, err)
	records := []model.Record{
		{Speaker: model.SpeakerHuman, Blocks: []model.Block{model.TextBlock{Text: "weather?"}}},
		{Speaker: model.SpeakerAI, Blocks: []model.Block{model.ToolCallBlock{ID: "c1", Name: "weather", Arguments: map[string]any{"city": "Lyon"}}}},
	}
	require.NoError(t, st.Append(ctx, records...))
	assert.ErrorIs(t, st.Append(ctx, model.Record{Speaker: "robot"}), history.ErrInvalidRecord)

	got, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, records, got)

	gen, err := st.Compact(ctx, records[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, gen)
	got, err = st.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	gen, err = st.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, gen)
}

func TestSessionSurvivesRestart(t *testing.T) {
	c := getClient(t)
	ctx := context.Background()
	tools := scheduler.Tools{"weather": scheduler.ToolFunc(func(context.Context, any) (any, error) { return "sunny", nil })}

	run := func(fn func(s *session.Session)) {
		sched, err := scheduler.New(ledger.New(), tools)
		require.NoError(t, err)
		defer sched.Close()
		st, err := NewStore(c, "s-restart")
		require.NoError(t, err)
		s, err := session.New("s-restart", sched, session.WithStore(st))
		require.NoError(t, err)
		defer s.Close()
		fn(s)
	}

	run(func(s *session.Session) {
		turn, err := s.Submit(ctx, model.Record{Speaker: model.SpeakerAI, Blocks: []model.Block{
			model.ToolCallBlock{ID: "c1", Name: "weather", Arguments: map[string]any{}},
		}})
		require.NoError(t, err)
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err = turn.Wait(wctx)
		require.NoError(t, err)
	})

	run(func(s *session.Session) {
		got, err := s.History(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "sunny", got[1].ToolResponses()[0].Result)
	})
}
