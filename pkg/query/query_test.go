package query

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/pimengine/pkg/domain"
	"github.com/cuemby/pimengine/pkg/index"
	"github.com/cuemby/pimengine/pkg/notify"
	"github.com/cuemby/pimengine/pkg/pipeline"
	"github.com/cuemby/pimengine/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jsonProperty reads a top-level string field out of a JSON payload,
// standing in for the codec a real resource plug-in would supply.
func jsonProperty(payload []byte, name string) (string, bool) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", false
	}
	v, ok := doc[name].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func jsonIndex(property string) domain.IndexDefinition {
	return domain.IndexDefinition{
		Property: property,
		Extractor: func(payload []byte) ([][]byte, bool) {
			v, ok := jsonProperty(payload, property)
			if !ok {
				return nil, false
			}
			return [][]byte{[]byte(v)}, true
		},
	}
}

type testEnv struct {
	st       *store.Store
	broker   *notify.Broker
	pipeline *pipeline.Pipeline
	executor *Executor
}

func newTestEnv(t *testing.T, entityType domain.TypeTag, indexed []string) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.ReadWrite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	broker := notify.NewBroker()
	pl := pipeline.New(st, broker)

	defs := make([]domain.IndexDefinition, 0, len(indexed))
	indexedSet := map[string]bool{domain.UIDIndexProperty: true}
	for _, p := range indexed {
		defs = append(defs, jsonIndex(p))
		indexedSet[p] = true
	}
	updater := index.NewDefaultIndexUpdater(entityType, defs)
	pl.SetPreprocessors(entityType, pipeline.NewPipeline, []pipeline.Preprocessor{updater})
	pl.SetPreprocessors(entityType, pipeline.ModifiedPipeline, []pipeline.Preprocessor{updater})
	pl.SetPreprocessors(entityType, pipeline.DeletedPipeline, []pipeline.Preprocessor{updater})
	pl.Start()
	t.Cleanup(pl.Stop)

	qe := NewExecutor(st, broker)
	qe.SetDrainWaiter(pl.WaitDrained)
	qe.RegisterType(TypeDescriptor{
		EntityType: entityType,
		Property:   jsonProperty,
		Indexed:    indexedSet,
	})

	return &testEnv{st: st, broker: broker, pipeline: pl, executor: qe}
}

func (env *testEnv) create(t *testing.T, entityType domain.TypeTag, uid domain.UID, payload string) uint64 {
	t.Helper()
	rev, err := env.pipeline.NewEntity(entityType, uid, []byte(payload), false)
	require.NoError(t, err)
	return rev
}

func nextChange(t *testing.T, changes <-chan domain.Change) domain.Change {
	t.Helper()
	select {
	case c, ok := <-changes:
		require.True(t, ok, "changes channel closed")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a change")
		return domain.Change{}
	}
}

func TestProcessAllQueryReturnsCreatedEntity(t *testing.T) {
	env := newTestEnv(t, "mail", nil)
	env.create(t, "mail", domain.UID("m1"), `{"subject":"hello"}`)

	result, err := env.executor.Run(context.Background(), domain.Query{
		EntityType: "mail",
		ProcessAll: true,
	})
	require.NoError(t, err)

	require.Len(t, result.Rows, 1)
	assert.NotEmpty(t, result.Rows[0].Entity.UID)
	assert.Equal(t, uint64(1), result.Rows[0].Entity.Metadata.Revision)
}

func TestQueryDropsTombstonedEntities(t *testing.T) {
	env := newTestEnv(t, "mail", nil)
	env.create(t, "mail", domain.UID("m1"), `{"subject":"keep"}`)
	env.create(t, "mail", domain.UID("m2"), `{"subject":"drop"}`)

	_, err := env.pipeline.DeletedEntity("mail", domain.UID("m2"), false)
	require.NoError(t, err)

	result, err := env.executor.Run(context.Background(), domain.Query{EntityType: "mail"})
	require.NoError(t, err)

	require.Len(t, result.Rows, 1)
	assert.True(t, result.Rows[0].Entity.UID.Equal(domain.UID("m1")))
}

func TestIndexedPropertyFilter(t *testing.T) {
	env := newTestEnv(t, "mail", []string{"folder"})
	env.create(t, "mail", domain.UID("m1"), `{"folder":"inbox"}`)
	env.create(t, "mail", domain.UID("m2"), `{"folder":"sent"}`)
	env.create(t, "mail", domain.UID("m3"), `{"folder":"inbox"}`)

	result, err := env.executor.Run(context.Background(), domain.Query{
		EntityType:     "mail",
		PropertyFilter: map[string]string{"folder": "inbox"},
	})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
}

func TestResidualPropertyFilter(t *testing.T) {
	env := newTestEnv(t, "mail", nil)
	env.create(t, "mail", domain.UID("m1"), `{"folder":"inbox"}`)
	env.create(t, "mail", domain.UID("m2"), `{"folder":"sent"}`)

	// No index on "folder" here, so the filter is evaluated in-process
	// against each candidate's latest payload.
	result, err := env.executor.Run(context.Background(), domain.Query{
		EntityType:     "mail",
		PropertyFilter: map[string]string{"folder": "sent"},
	})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.True(t, result.Rows[0].Entity.UID.Equal(domain.UID("m2")))
}

func TestParentTreeGrouping(t *testing.T) {
	env := newTestEnv(t, "folder", nil)

	parentUID := domain.UID("folder-F")
	env.create(t, "folder", parentUID, `{"name":"F"}`)
	env.create(t, "folder", domain.UID("folder-S"), `{"name":"S","parent":"`+parentUID.String()+`"}`)

	result, err := env.executor.Run(context.Background(), domain.Query{
		EntityType:     "folder",
		ParentProperty: "parent",
	})
	require.NoError(t, err)

	// One root row; fetchMore on it yields the one child.
	require.Len(t, result.Rows, 1)
	assert.True(t, result.Rows[0].Entity.UID.Equal(parentUID))

	children := result.FetchMore(result.Rows[0].Entity.UID)
	require.Len(t, children, 1)
	assert.True(t, children[0].Entity.UID.Equal(domain.UID("folder-S")))
}

func TestSnapshotIsolation(t *testing.T) {
	env := newTestEnv(t, "mail", nil)
	env.create(t, "mail", domain.UID("m1"), `{"n":"1"}`)

	first, err := env.executor.Run(context.Background(), domain.Query{EntityType: "mail"})
	require.NoError(t, err)
	assert.Len(t, first.Rows, 1)
	assert.Equal(t, uint64(1), first.Revision)

	env.create(t, "mail", domain.UID("m2"), `{"n":"2"}`)

	second, err := env.executor.Run(context.Background(), domain.Query{EntityType: "mail"})
	require.NoError(t, err)
	assert.Len(t, second.Rows, 2)
	assert.Equal(t, uint64(2), second.Revision)
}

func TestLiveQuerySeesCreateAfterSubscribe(t *testing.T) {
	env := newTestEnv(t, "mail", nil)

	// Query issued before the create: the model grows to 1 when the
	// create's revisionUpdated arrives.
	result, sub, err := env.executor.Subscribe(context.Background(), domain.Query{
		EntityType: "mail",
		LiveQuery:  true,
	})
	require.NoError(t, err)
	defer sub.Cancel()
	assert.Empty(t, result.Rows)

	rev := env.create(t, "mail", domain.UID("m1"), `{"subject":"hello"}`)

	change := nextChange(t, sub.Changes)
	assert.Equal(t, domain.Added, change.Kind)
	assert.Equal(t, rev, change.Revision)
	assert.True(t, change.Entity.UID.Equal(domain.UID("m1")))
}

func TestLiveQueryDeliversModifyAndRemoveInRevisionOrder(t *testing.T) {
	env := newTestEnv(t, "mail", nil)
	uid := domain.UID("m1")
	env.create(t, "mail", uid, `{"v":"1"}`)

	_, sub, err := env.executor.Subscribe(context.Background(), domain.Query{
		EntityType: "mail",
		LiveQuery:  true,
	})
	require.NoError(t, err)
	defer sub.Cancel()

	_, err = env.pipeline.ModifiedEntity("mail", uid, []byte(`{"v":"2"}`), false)
	require.NoError(t, err)
	_, err = env.pipeline.DeletedEntity("mail", uid, false)
	require.NoError(t, err)

	first := nextChange(t, sub.Changes)
	assert.Equal(t, domain.Modified, first.Kind)
	assert.Equal(t, uint64(2), first.Revision)

	second := nextChange(t, sub.Changes)
	assert.Equal(t, domain.Removed, second.Kind)
	assert.Equal(t, uint64(3), second.Revision)
}

func TestLiveQueryEmitsRemovedWhenEntityStopsMatching(t *testing.T) {
	env := newTestEnv(t, "mail", nil)
	uid := domain.UID("m1")
	env.create(t, "mail", uid, `{"folder":"inbox"}`)

	_, sub, err := env.executor.Subscribe(context.Background(), domain.Query{
		EntityType:     "mail",
		PropertyFilter: map[string]string{"folder": "inbox"},
		LiveQuery:      true,
	})
	require.NoError(t, err)
	defer sub.Cancel()

	// Moving the mail out of the filtered folder removes it from this
	// subscriber's result set.
	_, err = env.pipeline.ModifiedEntity("mail", uid, []byte(`{"folder":"archive"}`), false)
	require.NoError(t, err)

	change := nextChange(t, sub.Changes)
	assert.Equal(t, domain.Removed, change.Kind)
}

func TestCancelUnregistersSubscriber(t *testing.T) {
	env := newTestEnv(t, "mail", nil)

	_, sub, err := env.executor.Subscribe(context.Background(), domain.Query{
		EntityType: "mail",
		LiveQuery:  true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, env.broker.SubscriberCount())

	sub.Cancel()
	assert.Equal(t, 0, env.broker.SubscriberCount())

	// Cancel is safe to call twice.
	assert.NotPanics(t, sub.Cancel)
}
